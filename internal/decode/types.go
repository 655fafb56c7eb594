package decode

import "errors"

// Sentinel errors shared by decoder implementations and the pipeline.
var (
	// ErrNeedMoreInput is returned by VideoDecoder.Receive when no
	// decoded image is available yet. It is a flow condition, not a
	// decode failure, and never counts toward error recovery.
	ErrNeedMoreInput = errors.New("decode: need more input")

	// ErrUnsupportedCodec is returned when a catalog names a codec
	// outside the supported set.
	ErrUnsupportedCodec = errors.New("decode: unsupported codec")
)

// PixelFormat names the memory layout of a decoded image, using the
// GStreamer format vocabulary ("I420", "NV12", ...).
type PixelFormat string

// Pixel formats the stock converter backends recognize.
const (
	FormatUnknown PixelFormat = ""
	FormatI420    PixelFormat = "I420"
	FormatNV12    PixelFormat = "NV12"
	FormatRGBA    PixelFormat = "RGBA"
)

// Config is the video configuration a catalog delivers for one track:
// the codec identifier, optional coded dimensions, and the codec
// specific out-of-band description bytes (SPS/PPS for H.264, and so on).
//
// Coded dimensions may be zero (unknown) and may differ from the
// dimensions of actually decoded frames; output buffers always follow
// the decoded frame, never this config.
type Config struct {
	CodecID     string
	CodedWidth  int
	CodedHeight int
	Description []byte
}

// Unit is one compressed frame handed to the pipeline.
type Unit struct {
	Payload         []byte
	TimestampMicros int64
	Keyframe        bool
}

// Image is one decoded frame as produced by a VideoDecoder, in its
// native pixel format. Planes/Strides follow the format's plane layout.
type Image struct {
	Format  PixelFormat
	Width   int
	Height  int
	Planes  [][]byte
	Strides []int
}

// OutputFrame is one display-ready RGBA frame handed to the renderer.
// Data points into the pipeline's reusable buffer and is only valid for
// the duration of the Deliver call; renderers must not retain it.
type OutputFrame struct {
	Data            []byte
	Width           int
	Height          int
	TimestampMicros int64
	TraceID         string
}

// VideoDecoder is the compressed-frame decoding collaborator.
// Implementations are not required to be safe for concurrent use; the
// pipeline serializes all calls.
type VideoDecoder interface {
	// Submit feeds one compressed unit with its presentation timestamp
	// in microseconds.
	Submit(payload []byte, ptsMicros int64) error
	// Receive returns the next decoded image, or ErrNeedMoreInput when
	// the decoder has nothing to emit yet.
	Receive() (*Image, error)
	// Flush drops all decoder-internal buffered state.
	Flush()
	// Close releases the decoder. The decoder is unusable afterwards.
	Close() error
}

// Factory opens a VideoDecoder for a codec, seeded with the catalog's
// codec-specific description bytes.
type Factory interface {
	New(codec Codec, description []byte) (VideoDecoder, error)
}

// PixelConverter converts decoded images of one fixed geometry and
// pixel format into packed RGBA.
type PixelConverter interface {
	// Convert writes img as RGBA into dst, which holds exactly
	// width*height*4 bytes for the converter's configured geometry.
	Convert(img *Image, dst []byte) error
	Close() error
}

// ConverterFactory opens a PixelConverter for a source geometry and
// format. It must reject formats it cannot convert.
type ConverterFactory interface {
	New(width, height int, format PixelFormat) (PixelConverter, error)
}

// Renderer is the host display surface fed by the pipeline. Deliver
// receives a momentarily-valid frame; DeliverBlank clears any displayed
// image (used while disconnected or reconnecting).
type Renderer interface {
	Deliver(frame OutputFrame)
	DeliverBlank()
}
