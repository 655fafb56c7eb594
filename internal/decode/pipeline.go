package decode

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

const (
	// maxDimension is the sanity ceiling for decoded frame dimensions.
	// Larger frames indicate a corrupt stream; the allocation is
	// refused, not attempted.
	maxDimension = 16384

	// maxConsecutiveErrors is the self-heal threshold: this many decode
	// failures in a row force a decoder flush and a fresh wait for the
	// next keyframe.
	maxConsecutiveErrors = 5

	// keyframeWaitLogInterval is how often the skip counter is logged
	// while the pipeline waits for its first keyframe.
	keyframeWaitLogInterval = 30

	bytesPerPixel = 4 // packed RGBA
)

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Configured        bool
	Codec             Codec
	Width             int
	Height            int
	Format            PixelFormat
	FramesDecoded     uint64
	FramesSkipped     uint64 // skipped while waiting for a keyframe, total
	DecodeErrors      uint64 // total submit/receive failures
	ConsecutiveErrors uint32
	ConverterRebuilds uint32
	GotKeyframe       bool
}

// Pipeline turns a sequence of compressed frame units into display-ready
// RGBA frames delivered to a Renderer.
//
// It owns the codec context, the color converter and the reusable output
// buffer, reconfigures itself when the stream's codec, dimensions or
// pixel format change, gates decoding on keyframes, and self-heals from
// bounded runs of decode errors.
//
// A Pipeline is not safe for concurrent use: the owning Client serializes
// Configure/Decode/Close under the same lock that guards its connection
// handles.
type Pipeline struct {
	factory    Factory
	converters ConverterFactory
	renderer   Renderer

	decoder   VideoDecoder
	codec     Codec
	converter PixelConverter
	buf       []byte
	width     int
	height    int
	format    PixelFormat

	gotKeyframe     bool
	waitingSkipped  uint32 // skipped since (re)configuration or self-heal
	consecutiveErrs uint32

	framesDecoded     uint64
	framesSkipped     uint64
	decodeErrors      uint64
	converterRebuilds uint32
}

// NewPipeline creates an unconfigured pipeline. Configure must succeed
// before Decode will accept units.
func NewPipeline(factory Factory, converters ConverterFactory, renderer Renderer) *Pipeline {
	return &Pipeline{
		factory:    factory,
		converters: converters,
		renderer:   renderer,
	}
}

// Configured reports whether a codec context is currently open.
func (p *Pipeline) Configured() bool {
	return p.decoder != nil
}

// Configure opens a decoder for the catalog's video configuration and
// installs it, replacing - never mutating - any previous codec context,
// converter and output buffer. On failure the previous configuration
// stays fully active.
func (p *Pipeline) Configure(cfg Config) error {
	codec := ParseCodec(cfg.CodecID)
	if codec == CodecUnknown {
		return fmt.Errorf("decode: configure %q: %w", cfg.CodecID, ErrUnsupportedCodec)
	}

	dec, err := p.factory.New(codec, cfg.Description)
	if err != nil {
		return fmt.Errorf("decode: open %s decoder: %w", codec, err)
	}

	// Swap in the new context. Converter and output buffer are created
	// lazily on the first decoded frame, when the actual dimensions and
	// pixel format are known; the coded dimensions from the catalog may
	// differ and are only a hint.
	p.closeCodecState()
	p.decoder = dec
	p.codec = codec
	p.width = cfg.CodedWidth
	p.height = cfg.CodedHeight
	p.format = FormatUnknown
	p.gotKeyframe = false
	p.waitingSkipped = 0
	p.consecutiveErrs = 0

	slog.Info("decode: pipeline configured",
		"codec", codec.String(),
		"coded_width", cfg.CodedWidth,
		"coded_height", cfg.CodedHeight,
		"description_bytes", len(cfg.Description),
	)
	return nil
}

// Decode runs one compressed unit through the gate-decode-convert path
// and delivers any resulting frame to the renderer. All failures are
// resolved locally (logged and counted); a corrupt stream degrades to
// skipped frames, never to a propagated error.
func (p *Pipeline) Decode(u Unit) {
	if p.decoder == nil {
		return
	}

	// Keyframe gate: nothing is submitted before a self-contained
	// reference frame has been seen in this decoder instance.
	if !p.gotKeyframe && !u.Keyframe {
		p.waitingSkipped++
		p.framesSkipped++
		if p.waitingSkipped == 1 || p.waitingSkipped%keyframeWaitLogInterval == 0 {
			slog.Info("decode: waiting for keyframe",
				"skipped", p.waitingSkipped,
			)
		}
		return
	}

	if u.Keyframe {
		if !p.gotKeyframe {
			slog.Info("decode: got keyframe",
				"skipped_while_waiting", p.waitingSkipped,
				"payload_bytes", len(u.Payload),
			)
			// Start clean: drop any stale decoder-internal state left
			// from before the gate opened.
			p.decoder.Flush()
		}
		p.gotKeyframe = true
		p.waitingSkipped = 0
		p.consecutiveErrs = 0
	}

	if err := p.decoder.Submit(u.Payload, u.TimestampMicros); err != nil {
		if !errors.Is(err, ErrNeedMoreInput) {
			p.recordDecodeError("submit", err)
		}
		return
	}

	img, err := p.decoder.Receive()
	if err != nil {
		if !errors.Is(err, ErrNeedMoreInput) {
			p.recordDecodeError("receive", err)
		}
		return
	}

	p.consecutiveErrs = 0

	if err := p.ensureConverter(img); err != nil {
		slog.Error("decode: converter setup failed", "error", err)
		return
	}

	if err := p.converter.Convert(img, p.buf); err != nil {
		p.recordDecodeError("convert", err)
		return
	}

	p.framesDecoded++
	p.renderer.Deliver(OutputFrame{
		Data:            p.buf,
		Width:           p.width,
		Height:          p.height,
		TimestampMicros: u.TimestampMicros,
		TraceID:         uuid.New().String(),
	})
}

// ensureConverter rebuilds the color converter and output buffer when the
// decoded frame's actual geometry or pixel format differ from the current
// conversion context (including the very first frame, where none exists).
// Frames of identical format reuse the existing context and buffer.
func (p *Pipeline) ensureConverter(img *Image) error {
	changed := img.Width != p.width || img.Height != p.height || img.Format != p.format
	if p.converter != nil && p.buf != nil && !changed {
		return nil
	}

	if img.Width <= 0 || img.Height <= 0 || img.Width > maxDimension || img.Height > maxDimension {
		return fmt.Errorf("decode: invalid decoded dimensions %dx%d", img.Width, img.Height)
	}
	if img.Format == FormatUnknown {
		return fmt.Errorf("decode: decoded frame has no pixel format")
	}

	conv, err := p.converters.New(img.Width, img.Height, img.Format)
	if err != nil {
		return fmt.Errorf("decode: open converter %dx%d %s: %w", img.Width, img.Height, img.Format, err)
	}

	if p.converter != nil {
		if img.Width != p.width || img.Height != p.height {
			slog.Info("decode: decoded dimensions changed",
				"from", fmt.Sprintf("%dx%d", p.width, p.height),
				"to", fmt.Sprintf("%dx%d", img.Width, img.Height),
			)
		}
		if img.Format != p.format {
			slog.Info("decode: decoded pixel format changed",
				"from", string(p.format),
				"to", string(img.Format),
			)
		}
		_ = p.converter.Close()
	}

	p.converter = conv
	p.width = img.Width
	p.height = img.Height
	p.format = img.Format
	// Buffer follows the decoded frame's dimensions, never the coded
	// ones from the catalog.
	p.buf = make([]byte, img.Width*img.Height*bytesPerPixel)
	p.converterRebuilds++

	slog.Info("decode: converter ready",
		"width", img.Width,
		"height", img.Height,
		"format", string(img.Format),
	)
	return nil
}

// recordDecodeError counts a decode failure and applies the bounded
// self-heal policy: after maxConsecutiveErrors failures in a row the
// decoder is flushed and the keyframe gate closes again, forcing
// re-synchronization on the next keyframe.
func (p *Pipeline) recordDecodeError(stage string, err error) {
	p.consecutiveErrs++
	p.decodeErrors++

	if p.consecutiveErrs >= maxConsecutiveErrors {
		slog.Warn("decode: too many consecutive errors, flushing and re-waiting for keyframe",
			"stage", stage,
			"consecutive", p.consecutiveErrs,
		)
		p.decoder.Flush()
		p.gotKeyframe = false
		p.consecutiveErrs = 0
		return
	}

	// Only the first error of a run is worth a log line; the rest are
	// almost always the same corruption repeating.
	if p.consecutiveErrs == 1 {
		slog.Error("decode: decode failed", "stage", stage, "error", err)
	}
}

// Close releases the codec context, converter and output buffer. The
// pipeline returns to the unconfigured state and can be Configure'd
// again.
func (p *Pipeline) Close() {
	p.closeCodecState()
	p.gotKeyframe = false
	p.waitingSkipped = 0
	p.consecutiveErrs = 0
}

func (p *Pipeline) closeCodecState() {
	if p.converter != nil {
		_ = p.converter.Close()
		p.converter = nil
	}
	if p.decoder != nil {
		_ = p.decoder.Close()
		p.decoder = nil
	}
	p.buf = nil
	p.codec = CodecUnknown
	p.format = FormatUnknown
	p.width = 0
	p.height = 0
}

// Snapshot returns the current pipeline counters.
func (p *Pipeline) Snapshot() Stats {
	return Stats{
		Configured:        p.decoder != nil,
		Codec:             p.codec,
		Width:             p.width,
		Height:            p.height,
		Format:            p.format,
		FramesDecoded:     p.framesDecoded,
		FramesSkipped:     p.framesSkipped,
		DecodeErrors:      p.decodeErrors,
		ConsecutiveErrors: p.consecutiveErrs,
		ConverterRebuilds: p.converterRebuilds,
		GotKeyframe:       p.gotKeyframe,
	}
}
