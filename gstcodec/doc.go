// Package gstcodec implements the moqcapture decoder and converter
// collaborators on top of GStreamer.
//
// Each decoder runs a small dedicated pipeline:
//
//	appsrc → [parser] → avdec_* → videoconvert → capsfilter(I420) → appsink
//
// and each pixel converter runs:
//
//	appsrc → videoconvert → capsfilter(RGBA) → appsink
//
// Decoded samples are copied out of GStreamer buffers and handed over a
// bounded channel; Receive drains that channel without blocking the
// calling thread beyond a short grace window.
//
// GStreamer must be installed on the host. Verify with:
//
//	gst-inspect-1.0 --version
//	gst-inspect-1.0 avdec_h264
package gstcodec
