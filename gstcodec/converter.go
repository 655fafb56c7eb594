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

// convertTimeout bounds how long Convert waits for the converted sample.
const convertTimeout = 500 * time.Millisecond

// ConverterFactory opens GStreamer-backed pixel converters.
type ConverterFactory struct{}

// NewConverterFactory returns a converter factory.
func NewConverterFactory() *ConverterFactory {
	return &ConverterFactory{}
}

// New builds and starts a conversion pipeline for a fixed source
// geometry and pixel format, producing packed RGBA of the same
// dimensions.
func (f *ConverterFactory) New(width, height int, format moqcapture.PixelFormat) (moqcapture.PixelConverter, error) {
	gst.Init(nil)

	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("gstcodec: invalid converter geometry %dx%d", width, height)
	}
	switch format {
	case moqcapture.FormatI420, moqcapture.FormatNV12, moqcapture.FormatRGBA:
	default:
		return nil, fmt.Errorf("gstcodec: unsupported source pixel format %q", format)
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
	srcCaps := fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d", format, width, height)
	src.SetProperty("caps", gst.NewCapsFromString(srcCaps))

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("gstcodec: failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0)
	converter.SetProperty("dither", 0)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("gstcodec: failed to create capsfilter: %w", err)
	}
	outCaps := fmt.Sprintf("video/x-raw,format=RGBA,width=%d,height=%d", width, height)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(outCaps))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("gstcodec: failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	pipeline.AddMany(src.Element, converter, capsfilter, sink.Element)
	if err := gst.ElementLinkMany(src.Element, converter, capsfilter, sink.Element); err != nil {
		return nil, fmt.Errorf("gstcodec: failed to link convert pipeline: %w", err)
	}

	c := &pixelConverter{
		pipeline: pipeline,
		src:      src,
		sink:     sink,
		width:    width,
		height:   height,
		format:   format,
		out:      make(chan []byte, 1),
	}
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: c.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("gstcodec: failed to start convert pipeline: %w", err)
	}

	slog.Debug("gstcodec: converter created",
		"width", width,
		"height", height,
		"format", format,
	)
	return c, nil
}

type pixelConverter struct {
	pipeline *gst.Pipeline
	src      *app.Source
	sink     *app.Sink
	width    int
	height   int
	format   moqcapture.PixelFormat
	out      chan []byte
	closed   atomic.Bool
}

func (c *pixelConverter) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	raw := mapInfo.Bytes()
	data := make([]byte, len(raw))
	copy(data, raw)
	buffer.Unmap()

	select {
	case c.out <- data:
	default:
	}
	return gst.FlowOK
}

// Convert pushes img through the conversion pipeline and copies the
// packed RGBA result into dst. img must match the converter's
// configured geometry and format; dst must hold width*height*4 bytes.
func (c *pixelConverter) Convert(img *moqcapture.DecodedImage, dst []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("gstcodec: convert on closed converter")
	}
	if img.Width != c.width || img.Height != c.height || img.Format != c.format {
		return fmt.Errorf("gstcodec: image %dx%d %s does not match converter %dx%d %s",
			img.Width, img.Height, img.Format, c.width, c.height, c.format)
	}
	if want := c.width * c.height * 4; len(dst) != want {
		return fmt.Errorf("gstcodec: destination holds %d bytes, want %d", len(dst), want)
	}
	if len(img.Planes) == 0 || len(img.Planes[0]) == 0 {
		return fmt.Errorf("gstcodec: image has no pixel data")
	}

	// Drain any stale result from an earlier timed-out call.
	select {
	case <-c.out:
	default:
	}

	if ret := c.src.PushBuffer(gst.NewBufferFromBytes(img.Planes[0])); ret != gst.FlowOK {
		return fmt.Errorf("gstcodec: push image failed: flow %v", ret)
	}

	select {
	case data := <-c.out:
		if len(data) < len(dst) {
			return fmt.Errorf("gstcodec: converted sample holds %d bytes, want %d", len(data), len(dst))
		}
		copy(dst, data[:len(dst)])
		return nil
	case <-time.After(convertTimeout):
		return fmt.Errorf("gstcodec: conversion timed out after %v", convertTimeout)
	}
}

func (c *pixelConverter) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstcodec: failed to stop convert pipeline: %w", err)
	}
	return nil
}
