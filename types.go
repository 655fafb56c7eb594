package moqcapture

import (
	"github.com/e7canasta/moq-capture/internal/decode"
)

// Re-exported decode-collaborator types. The pipeline lives in
// internal/decode; these aliases are the public contract that backend
// packages (gstcodec) and host integrations implement.
type (
	// VideoConfig is the per-track video configuration a catalog delivers.
	VideoConfig = decode.Config
	// VideoDecoder is the compressed-frame decoding collaborator.
	VideoDecoder = decode.VideoDecoder
	// DecoderFactory opens VideoDecoders for a codec.
	DecoderFactory = decode.Factory
	// PixelConverter converts decoded images into packed RGBA.
	PixelConverter = decode.PixelConverter
	// ConverterFactory opens PixelConverters for a source geometry.
	ConverterFactory = decode.ConverterFactory
	// DecodedImage is one decoded frame in its native pixel format.
	DecodedImage = decode.Image
	// PixelFormat names a decoded image memory layout.
	PixelFormat = decode.PixelFormat
	// Codec identifies a supported video codec.
	Codec = decode.Codec
	// OutputFrame is one display-ready RGBA frame.
	OutputFrame = decode.OutputFrame
	// Renderer is the host display surface.
	Renderer = decode.Renderer
)

// Re-exported codec identifiers.
const (
	CodecUnknown = decode.CodecUnknown
	CodecH264    = decode.CodecH264
	CodecHEVC    = decode.CodecHEVC
	CodecVP8     = decode.CodecVP8
	CodecVP9     = decode.CodecVP9
	CodecAV1     = decode.CodecAV1
)

// Re-exported pixel formats.
const (
	FormatUnknown = decode.FormatUnknown
	FormatI420    = decode.FormatI420
	FormatNV12    = decode.FormatNV12
	FormatRGBA    = decode.FormatRGBA
)

// Sentinel errors shared with decoder implementations.
var (
	// ErrNeedMoreInput signals a would-block Receive, not a failure.
	ErrNeedMoreInput = decode.ErrNeedMoreInput
	// ErrUnsupportedCodec signals a catalog codec outside the closed set.
	ErrUnsupportedCodec = decode.ErrUnsupportedCodec
)

// Settings are the connection settings a host can change at any time.
// Either field empty means "disconnect, do not reconnect".
type Settings struct {
	// URL is the streaming server address.
	URL string
	// Broadcast is the path of the named broadcast to consume.
	Broadcast string
}

// DefaultSettings returns the stock development settings.
func DefaultSettings() Settings {
	return Settings{
		URL:       "http://localhost:4443",
		Broadcast: "obs/test",
	}
}

// valid reports whether the settings name a connectable target.
func (s Settings) valid() bool {
	return s.URL != "" && s.Broadcast != ""
}

// State is the client's position in the connection lifecycle.
type State int

const (
	// StateDisconnected means no handles are open.
	StateDisconnected State = iota
	// StateConnectingOrigin means a reconnect has begun and the origin
	// is being created.
	StateConnectingOrigin
	// StateConnectingSession means the session connect is in flight,
	// awaiting its status callback.
	StateConnectingSession
	// StateAwaitingCatalog means the broadcast is being consumed and the
	// catalog subscription is waiting for its first delivery.
	StateAwaitingCatalog
	// StateDecoding means a video track is subscribed and frames flow
	// through the decode pipeline.
	StateDecoding
	// StateShuttingDown is terminal: the client is being destroyed.
	StateShuttingDown
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnectingOrigin:
		return "connecting-origin"
	case StateConnectingSession:
		return "connecting-session"
	case StateAwaitingCatalog:
		return "awaiting-catalog"
	case StateDecoding:
		return "decoding"
	case StateShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

// ClientStats is a point-in-time snapshot of client counters.
type ClientStats struct {
	// State is the current lifecycle state.
	State State
	// Generation is the live connection epoch.
	Generation uint64
	// Reconnects is the total number of reconnect attempts begun.
	Reconnects uint32
	// StaleDrops counts asynchronous results discarded because their
	// generation was superseded or the client was shutting down.
	StaleDrops uint64
	// FramesDecoded is the total number of frames delivered to the
	// renderer.
	FramesDecoded uint64
	// FramesSkipped counts compressed units discarded while waiting for
	// a keyframe.
	FramesSkipped uint64
	// DecodeErrors is the total number of decode failures.
	DecodeErrors uint64
	// ConverterRebuilds counts conversion-context rebuilds caused by
	// actual format or dimension changes.
	ConverterRebuilds uint32
	// Codec is the currently configured codec ("unknown" when none).
	Codec string
	// Width and Height are the current decoded frame dimensions.
	Width  int
	Height int
	// FPSReal is frames decoded per second of uptime.
	FPSReal float64
	// LastFrameAgeMS is the time since the last delivered frame in
	// milliseconds, or -1 if none was delivered yet.
	LastFrameAgeMS int64
	// UptimeSeconds is the time since the client was created.
	UptimeSeconds float64
}
