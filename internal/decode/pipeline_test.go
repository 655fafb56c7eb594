package decode

import (
	"errors"
	"fmt"
	"testing"
)

// fakeDecoder is a scriptable VideoDecoder for pipeline tests.
type fakeDecoder struct {
	submitted []Unit
	submitErr error
	receive   []receiveStep // consumed front to back; empty = need more input
	flushes   int
	closed    bool
}

type receiveStep struct {
	img *Image
	err error
}

func (d *fakeDecoder) Submit(payload []byte, pts int64) error {
	if d.submitErr != nil {
		return d.submitErr
	}
	d.submitted = append(d.submitted, Unit{Payload: payload, TimestampMicros: pts})
	return nil
}

func (d *fakeDecoder) Receive() (*Image, error) {
	if len(d.receive) == 0 {
		return nil, ErrNeedMoreInput
	}
	step := d.receive[0]
	d.receive = d.receive[1:]
	return step.img, step.err
}

func (d *fakeDecoder) Flush()       { d.flushes++ }
func (d *fakeDecoder) Close() error { d.closed = true; return nil }

// fakeFactory hands out fakeDecoders and records how many were opened.
type fakeFactory struct {
	opened  []*fakeDecoder
	openErr error
	prime   func(*fakeDecoder)
}

func (f *fakeFactory) New(codec Codec, description []byte) (VideoDecoder, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	d := &fakeDecoder{}
	if f.prime != nil {
		f.prime(d)
	}
	f.opened = append(f.opened, d)
	return d, nil
}

// fakeConverter fills the destination buffer with a marker byte.
type fakeConverter struct {
	converts int
	closed   bool
	fail     error
}

func (c *fakeConverter) Convert(img *Image, dst []byte) error {
	if c.fail != nil {
		return c.fail
	}
	c.converts++
	for i := range dst {
		dst[i] = 0xAB
	}
	return nil
}

func (c *fakeConverter) Close() error { c.closed = true; return nil }

type fakeConverterFactory struct {
	opened  []*fakeConverter
	openErr error
}

func (f *fakeConverterFactory) New(width, height int, format PixelFormat) (PixelConverter, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	c := &fakeConverter{}
	f.opened = append(f.opened, c)
	return c, nil
}

// captureRenderer records delivered frames and blanks.
type captureRenderer struct {
	frames []OutputFrame
	blanks int
}

func (r *captureRenderer) Deliver(f OutputFrame) {
	// Copy: the buffer is only valid during the call.
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	f.Data = data
	r.frames = append(r.frames, f)
}

func (r *captureRenderer) DeliverBlank() { r.blanks++ }

func testImage(w, h int, format PixelFormat) *Image {
	return &Image{Format: format, Width: w, Height: h, Planes: [][]byte{make([]byte, w*h)}, Strides: []int{w}}
}

func configured(t *testing.T, factory *fakeFactory, conv *fakeConverterFactory, r *captureRenderer) *Pipeline {
	t.Helper()
	p := NewPipeline(factory, conv, r)
	if err := p.Configure(Config{CodecID: "avc1.64001f", CodedWidth: 1280, CodedHeight: 720}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	return p
}

// TestPipeline_KeyframeGating verifies that nothing reaches the decoder
// before the first keyframe, and everything from the keyframe on does.
func TestPipeline_KeyframeGating(t *testing.T) {
	factory := &fakeFactory{}
	r := &captureRenderer{}
	p := configured(t, factory, &fakeConverterFactory{}, r)
	dec := factory.opened[0]

	p.Decode(Unit{Payload: []byte{1}, Keyframe: false})
	p.Decode(Unit{Payload: []byte{2}, Keyframe: false})
	if len(dec.submitted) != 0 {
		t.Fatalf("non-keyframes submitted before gate opened: %d", len(dec.submitted))
	}
	if len(r.frames) != 0 {
		t.Fatalf("frames delivered before keyframe: %d", len(r.frames))
	}

	dec.receive = []receiveStep{{img: testImage(1280, 720, FormatI420)}}
	p.Decode(Unit{Payload: []byte{3}, Keyframe: true})
	if len(dec.submitted) != 1 {
		t.Fatalf("keyframe not submitted, submitted=%d", len(dec.submitted))
	}
	if dec.flushes != 1 {
		t.Errorf("expected flush on first keyframe, got %d flushes", dec.flushes)
	}
	if len(r.frames) != 1 {
		t.Fatalf("expected 1 delivered frame, got %d", len(r.frames))
	}

	dec.receive = []receiveStep{{img: testImage(1280, 720, FormatI420)}}
	p.Decode(Unit{Payload: []byte{4}, Keyframe: false})
	if len(dec.submitted) != 2 {
		t.Errorf("non-keyframe after gate opened was not submitted")
	}

	stats := p.Snapshot()
	if stats.FramesSkipped != 2 {
		t.Errorf("FramesSkipped = %d, want 2", stats.FramesSkipped)
	}
	if stats.FramesDecoded != 2 {
		t.Errorf("FramesDecoded = %d, want 2", stats.FramesDecoded)
	}
}

// TestPipeline_ErrorSelfHealing verifies the 5-strikes policy: five
// consecutive decode failures flush the decoder and close the keyframe
// gate, and the next keyframe resumes image production.
func TestPipeline_ErrorSelfHealing(t *testing.T) {
	factory := &fakeFactory{}
	r := &captureRenderer{}
	p := configured(t, factory, &fakeConverterFactory{}, r)
	dec := factory.opened[0]

	// Open the gate with a clean keyframe.
	dec.receive = []receiveStep{{img: testImage(640, 480, FormatI420)}}
	p.Decode(Unit{Payload: []byte{0}, Keyframe: true})
	flushesAfterKeyframe := dec.flushes

	// Five corrupt non-keyframes in a row.
	for i := 0; i < 5; i++ {
		dec.receive = []receiveStep{{err: errors.New("bitstream corrupt")}}
		p.Decode(Unit{Payload: []byte{byte(i)}, Keyframe: false})
	}

	if dec.flushes != flushesAfterKeyframe+1 {
		t.Errorf("expected exactly one self-heal flush, got %d extra", dec.flushes-flushesAfterKeyframe)
	}
	if p.Snapshot().GotKeyframe {
		t.Error("keyframe gate still open after self-heal")
	}

	// A non-keyframe must now be gated again.
	p.Decode(Unit{Payload: []byte{9}, Keyframe: false})
	if got := p.Snapshot().FramesSkipped; got != 1 {
		t.Errorf("FramesSkipped = %d, want 1 after self-heal", got)
	}

	// The next keyframe resumes production without intervention.
	dec.receive = []receiveStep{{img: testImage(640, 480, FormatI420)}}
	p.Decode(Unit{Payload: []byte{10}, Keyframe: true})
	if len(r.frames) != 2 {
		t.Fatalf("expected decode to resume after keyframe, frames=%d", len(r.frames))
	}
}

// TestPipeline_ConverterRebuiltOnceOnFormatChange verifies the catalog
// scenario: configured 1280x720, first decoded frame arrives in an
// unexpected pixel format - the conversion context is rebuilt once, and
// identical subsequent frames do not trigger rebuilds.
func TestPipeline_ConverterRebuiltOnceOnFormatChange(t *testing.T) {
	factory := &fakeFactory{}
	convs := &fakeConverterFactory{}
	r := &captureRenderer{}
	p := configured(t, factory, convs, r)
	dec := factory.opened[0]

	for i := 0; i < 5; i++ {
		dec.receive = []receiveStep{{img: testImage(1280, 720, FormatNV12)}}
		p.Decode(Unit{Payload: []byte{byte(i)}, Keyframe: i == 0})
	}

	if len(convs.opened) != 1 {
		t.Fatalf("converter opened %d times, want 1", len(convs.opened))
	}
	if got := p.Snapshot().ConverterRebuilds; got != 1 {
		t.Errorf("ConverterRebuilds = %d, want 1", got)
	}
	if len(r.frames) != 5 {
		t.Errorf("delivered %d frames, want 5", len(r.frames))
	}

	// A real format change rebuilds exactly once more and closes the
	// previous context.
	dec.receive = []receiveStep{{img: testImage(1920, 1080, FormatNV12)}}
	p.Decode(Unit{Payload: []byte{99}, Keyframe: false})
	if len(convs.opened) != 2 {
		t.Fatalf("converter opened %d times after dimension change, want 2", len(convs.opened))
	}
	if !convs.opened[0].closed {
		t.Error("previous converter not closed on rebuild")
	}
	last := r.frames[len(r.frames)-1]
	if last.Width != 1920 || last.Height != 1080 || len(last.Data) != 1920*1080*4 {
		t.Errorf("output buffer does not follow decoded dimensions: %dx%d, %d bytes",
			last.Width, last.Height, len(last.Data))
	}
}

// TestPipeline_ReconfigurationReplacesCleanly verifies that delivering
// the same video configuration twice leaks nothing: the old decoder and
// converter are closed and exactly one of each is live.
func TestPipeline_ReconfigurationReplacesCleanly(t *testing.T) {
	factory := &fakeFactory{}
	convs := &fakeConverterFactory{}
	r := &captureRenderer{}
	p := configured(t, factory, convs, r)

	dec := factory.opened[0]
	dec.receive = []receiveStep{{img: testImage(640, 480, FormatI420)}}
	p.Decode(Unit{Payload: []byte{1}, Keyframe: true})

	cfg := Config{CodecID: "avc1.64001f", CodedWidth: 1280, CodedHeight: 720}
	if err := p.Configure(cfg); err != nil {
		t.Fatalf("re-Configure failed: %v", err)
	}

	if !dec.closed {
		t.Error("previous decoder not closed on reconfiguration")
	}
	if !convs.opened[0].closed {
		t.Error("previous converter not closed on reconfiguration")
	}
	if len(factory.opened) != 2 {
		t.Errorf("decoders opened = %d, want 2", len(factory.opened))
	}
	if p.Snapshot().GotKeyframe {
		t.Error("keyframe gate open after reconfiguration")
	}

	// A correctly-tagged keyframe right after reconfiguration decodes.
	dec2 := factory.opened[1]
	dec2.receive = []receiveStep{{img: testImage(640, 480, FormatI420)}}
	p.Decode(Unit{Payload: []byte{2}, Keyframe: true})
	if len(r.frames) != 2 {
		t.Errorf("frame after reconfiguration not delivered, frames=%d", len(r.frames))
	}
}

// TestPipeline_RefusesInsaneDimensions verifies oversized and degenerate
// decoded dimensions are refused rather than allocated.
func TestPipeline_RefusesInsaneDimensions(t *testing.T) {
	cases := []struct {
		name string
		w, h int
	}{
		{"zero width", 0, 720},
		{"negative height", 1280, -1},
		{"oversized", 32768, 720},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			factory := &fakeFactory{}
			convs := &fakeConverterFactory{}
			r := &captureRenderer{}
			p := configured(t, factory, convs, r)
			dec := factory.opened[0]

			dec.receive = []receiveStep{{img: testImage(1, 1, FormatI420)}}
			dec.receive[0].img.Width = tc.w
			dec.receive[0].img.Height = tc.h
			p.Decode(Unit{Payload: []byte{1}, Keyframe: true})

			if len(convs.opened) != 0 {
				t.Error("converter opened for invalid dimensions")
			}
			if len(r.frames) != 0 {
				t.Error("frame delivered despite invalid dimensions")
			}
		})
	}
}

// TestPipeline_UnknownCodecFailsConfigure verifies configuration errors
// abandon the catalog delivery outright and keep the previous state.
func TestPipeline_UnknownCodecFailsConfigure(t *testing.T) {
	factory := &fakeFactory{}
	p := NewPipeline(factory, &fakeConverterFactory{}, &captureRenderer{})

	err := p.Configure(Config{CodecID: "theora"})
	if !errors.Is(err, ErrUnsupportedCodec) {
		t.Fatalf("expected ErrUnsupportedCodec, got %v", err)
	}
	if p.Configured() {
		t.Error("pipeline configured despite unsupported codec")
	}

	// A factory failure must leave an existing configuration active.
	if err := p.Configure(Config{CodecID: "vp09.00.10.08"}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	factory.openErr = fmt.Errorf("no such decoder")
	if err := p.Configure(Config{CodecID: "av01.0.04M.08"}); err == nil {
		t.Fatal("expected factory error")
	}
	if !p.Configured() {
		t.Error("previous configuration lost after failed reconfigure")
	}
	if factory.opened[0].closed {
		t.Error("active decoder closed by failed reconfigure")
	}
}

// TestPipeline_TimestampPassthrough verifies presentation timestamps
// reach the renderer unmodified.
func TestPipeline_TimestampPassthrough(t *testing.T) {
	factory := &fakeFactory{}
	r := &captureRenderer{}
	p := configured(t, factory, &fakeConverterFactory{}, r)
	dec := factory.opened[0]

	const pts = int64(1_234_567)
	dec.receive = []receiveStep{{img: testImage(320, 240, FormatI420)}}
	p.Decode(Unit{Payload: []byte{1}, TimestampMicros: pts, Keyframe: true})

	if len(r.frames) != 1 {
		t.Fatal("no frame delivered")
	}
	if r.frames[0].TimestampMicros != pts {
		t.Errorf("timestamp = %d, want %d", r.frames[0].TimestampMicros, pts)
	}
	if r.frames[0].TraceID == "" {
		t.Error("delivered frame missing trace id")
	}
}

// TestPipeline_NeedMoreInputIsNotAnError verifies the would-block path
// leaves the error counters untouched.
func TestPipeline_NeedMoreInputIsNotAnError(t *testing.T) {
	factory := &fakeFactory{}
	p := configured(t, factory, &fakeConverterFactory{}, &captureRenderer{})

	// fakeDecoder returns ErrNeedMoreInput when its receive script is
	// empty.
	p.Decode(Unit{Payload: []byte{1}, Keyframe: true})
	p.Decode(Unit{Payload: []byte{2}, Keyframe: false})

	stats := p.Snapshot()
	if stats.DecodeErrors != 0 || stats.ConsecutiveErrors != 0 {
		t.Errorf("need-more-input counted as error: %+v", stats)
	}
}
