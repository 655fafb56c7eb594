package gstcodec

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	moqcapture "github.com/e7canasta/moq-capture"
)

const (
	// decodedQueueSize bounds how many decoded images wait between the
	// GStreamer streaming thread and Receive.
	decodedQueueSize = 8

	// receiveGrace is how long Receive waits for an in-flight sample
	// before reporting that more input is needed.
	receiveGrace = 10 * time.Millisecond
)

// elementNames maps a codec onto its GStreamer parser and decoder
// element names. The parser may be empty for codecs that need none.
func elementNames(codec moqcapture.Codec) (parser, decoder string, err error) {
	switch codec {
	case moqcapture.CodecH264:
		return "h264parse", "avdec_h264", nil
	case moqcapture.CodecHEVC:
		return "h265parse", "avdec_h265", nil
	case moqcapture.CodecVP8:
		return "", "avdec_vp8", nil
	case moqcapture.CodecVP9:
		return "", "avdec_vp9", nil
	case moqcapture.CodecAV1:
		return "av1parse", "avdec_av1", nil
	default:
		return "", "", fmt.Errorf("gstcodec: %v: %w", codec, moqcapture.ErrUnsupportedCodec)
	}
}

// Factory opens GStreamer-backed video decoders.
type Factory struct{}

// NewFactory returns a decoder factory. GStreamer is initialized lazily
// on first use.
func NewFactory() *Factory {
	return &Factory{}
}

// New builds and starts a decode pipeline for codec. description holds
// the codec-specific configuration bytes from the catalog (SPS/PPS and
// friends); when present it is pushed ahead of the first frame so the
// parser picks the stream configuration up in-band.
func (f *Factory) New(codec moqcapture.Codec, description []byte) (moqcapture.VideoDecoder, error) {
	gst.Init(nil)

	parserName, decoderName, err := elementNames(codec)
	if err != nil {
		return nil, err
	}

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("gstcodec: failed to create pipeline: %w", err)
	}

	src, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("gstcodec: failed to create appsrc: %w", err)
	}
	src.SetProperty("is-live", true)
	src.SetProperty("format", 3) // time

	var parser *gst.Element
	if parserName != "" {
		parser, err = gst.NewElement(parserName)
		if err != nil {
			return nil, fmt.Errorf("gstcodec: failed to create %s: %w", parserName, err)
		}
	}

	dec, err := gst.NewElement(decoderName)
	if err != nil {
		return nil, fmt.Errorf("gstcodec: failed to create %s: %w", decoderName, err)
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("gstcodec: failed to create videoconvert: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("gstcodec: failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString("video/x-raw,format=I420"))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("gstcodec: failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", decodedQueueSize)
	sink.SetProperty("drop", false)

	elems := []*gst.Element{src.Element}
	if parser != nil {
		elems = append(elems, parser)
	}
	elems = append(elems, dec, converter, capsfilter, sink.Element)

	pipeline.AddMany(elems...)
	if err := gst.ElementLinkMany(elems...); err != nil {
		return nil, fmt.Errorf("gstcodec: failed to link decode pipeline: %w", err)
	}

	d := &decoder{
		pipeline: pipeline,
		src:      src,
		sink:     sink,
		codec:    codec,
		out:      make(chan *moqcapture.DecodedImage, decodedQueueSize),
	}
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: d.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("gstcodec: failed to start decode pipeline: %w", err)
	}

	if len(description) > 0 {
		if ret := src.PushBuffer(gst.NewBufferFromBytes(description)); ret != gst.FlowOK {
			pipeline.SetState(gst.StateNull)
			return nil, fmt.Errorf("gstcodec: failed to push codec description: flow %v", ret)
		}
	}

	slog.Info("gstcodec: decoder created",
		"codec", codec,
		"decoder", decoderName,
		"parser", parserName,
		"description_bytes", len(description),
	)
	return d, nil
}

type decoder struct {
	pipeline *gst.Pipeline
	src      *app.Source
	sink     *app.Sink
	codec    moqcapture.Codec
	out      chan *moqcapture.DecodedImage
	closed   atomic.Bool
	flushing atomic.Bool
}

// onNewSample runs on the GStreamer streaming thread. The sample data is
// copied out because GStreamer reuses the buffer after the callback
// returns.
func (d *decoder) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstcodec: failed to pull sample, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstcodec: sample without buffer, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	raw := mapInfo.Bytes()
	if len(raw) == 0 {
		buffer.Unmap()
		slog.Warn("gstcodec: empty decoded buffer")
		return gst.FlowOK
	}
	data := make([]byte, len(raw))
	copy(data, raw)
	buffer.Unmap()

	width, height, format := sampleGeometry(sample)
	if width <= 0 || height <= 0 {
		slog.Warn("gstcodec: decoded sample without geometry, dropping")
		return gst.FlowOK
	}

	img := &moqcapture.DecodedImage{
		Format: format,
		Width:  width,
		Height: height,
		Planes: [][]byte{data},
		Strides: []int{width},
	}

	if d.flushing.Load() || d.closed.Load() {
		return gst.FlowOK
	}
	select {
	case d.out <- img:
	default:
		slog.Debug("gstcodec: decoded queue full, dropping image")
	}
	return gst.FlowOK
}

// sampleGeometry reads width, height and pixel format from the sample's
// negotiated caps.
func sampleGeometry(sample *gst.Sample) (width, height int, format moqcapture.PixelFormat) {
	format = moqcapture.FormatI420
	caps := sample.GetCaps()
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0, format
	}
	structure := caps.GetStructureAt(0)
	if val, err := structure.GetValue("width"); err == nil {
		if w, ok := val.(int); ok {
			width = w
		}
	}
	if val, err := structure.GetValue("height"); err == nil {
		if h, ok := val.(int); ok {
			height = h
		}
	}
	if val, err := structure.GetValue("format"); err == nil {
		if s, ok := val.(string); ok && s != "" {
			format = moqcapture.PixelFormat(s)
		}
	}
	return width, height, format
}

func (d *decoder) Submit(payload []byte, ptsMicros int64) error {
	if d.closed.Load() {
		return fmt.Errorf("gstcodec: submit on closed decoder")
	}
	if ret := d.src.PushBuffer(gst.NewBufferFromBytes(payload)); ret != gst.FlowOK {
		return fmt.Errorf("gstcodec: push buffer failed: flow %v", ret)
	}
	return nil
}

func (d *decoder) Receive() (*moqcapture.DecodedImage, error) {
	select {
	case img := <-d.out:
		return img, nil
	default:
	}
	// The decoder runs asynchronously; give an in-flight sample a short
	// window so most frames come out on the call that submitted them.
	select {
	case img := <-d.out:
		return img, nil
	case <-time.After(receiveGrace):
		return nil, moqcapture.ErrNeedMoreInput
	}
}

// Flush drops everything queued between the streaming thread and the
// caller. Decoder-internal reference frames recover from the next
// keyframe.
func (d *decoder) Flush() {
	d.flushing.Store(true)
	for {
		select {
		case <-d.out:
		default:
			d.flushing.Store(false)
			return
		}
	}
}

func (d *decoder) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := d.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstcodec: failed to stop decode pipeline: %w", err)
	}
	d.Flush()
	slog.Debug("gstcodec: decoder closed", "codec", d.codec)
	return nil
}
