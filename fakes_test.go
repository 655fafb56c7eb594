package moqcapture

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/moq-capture/internal/decode"
)

// closeLog records handle close events in order.
type closeLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *closeLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, name)
}

func (l *closeLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *closeLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// since returns the entries recorded after the first n.
func (l *closeLog) since(n int) []string {
	all := l.snapshot()
	if n > len(all) {
		return nil
	}
	return all[n:]
}

func (l *closeLog) contains(name string) bool {
	for _, e := range l.snapshot() {
		if e == name {
			return true
		}
	}
	return false
}

// fakeHandle is a closable recording its close exactly once.
type fakeHandle struct {
	name   string
	log    *closeLog
	closed atomic.Bool
}

func (h *fakeHandle) Close() error {
	if h.closed.CompareAndSwap(false, true) {
		h.log.add(h.name)
	}
	return nil
}

// fakeTransport hands out fake handle chains and lets tests drive the
// status, catalog and frame callbacks by hand. Tests invoke the drive
// helpers only after the originating call returned, matching the
// asynchronous callback contract.
type fakeTransport struct {
	log *closeLog

	mu    sync.Mutex
	conns []*fakeConn

	originErr   error
	connectErr  error
	consumeErr  error
	catSubErr   error
	connectGate chan struct{} // when set, Connect blocks until signalled

	connectCalls atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{log: &closeLog{}}
}

type fakeConn struct {
	n        int
	addr     string
	origin   *fakeOrigin
	session  *fakeHandle
	onStatus StatusFunc
}

func (t *fakeTransport) NewOrigin() (Origin, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.originErr != nil {
		return nil, t.originErr
	}
	n := len(t.conns) + 1
	o := &fakeOrigin{
		fakeHandle: fakeHandle{name: fmt.Sprintf("origin%d", n), log: t.log},
		t:          t,
		n:          n,
	}
	return o, nil
}

func (t *fakeTransport) Connect(addr string, publish, consume Origin, onStatus StatusFunc) (Session, error) {
	t.connectCalls.Add(1)
	t.mu.Lock()
	gate := t.connectGate
	t.mu.Unlock()
	if gate != nil {
		<-gate
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	o := consume.(*fakeOrigin)
	conn := &fakeConn{
		n:        o.n,
		addr:     addr,
		origin:   o,
		session:  &fakeHandle{name: fmt.Sprintf("session%d", o.n), log: t.log},
		onStatus: onStatus,
	}
	t.conns = append(t.conns, conn)
	return conn.session, nil
}

func (t *fakeTransport) lastConn() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

func (t *fakeTransport) connCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

type fakeOrigin struct {
	fakeHandle
	t *fakeTransport
	n int

	mu        sync.Mutex
	consumed  []string
	broadcast *fakeBroadcast
}

func (o *fakeOrigin) ConsumeBroadcast(path string) (Broadcast, error) {
	o.t.mu.Lock()
	err := o.t.consumeErr
	o.t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.consumed = append(o.consumed, path)
	b := &fakeBroadcast{
		fakeHandle: fakeHandle{name: fmt.Sprintf("broadcast%d", o.n), log: o.t.log},
		t:          o.t,
		n:          o.n,
		path:       path,
	}
	o.broadcast = b
	return b, nil
}

func (o *fakeOrigin) lastBroadcast() *fakeBroadcast {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.broadcast
}

func (o *fakeOrigin) consumedPaths() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.consumed))
	copy(out, o.consumed)
	return out
}

type fakeBroadcast struct {
	fakeHandle
	t    *fakeTransport
	n    int
	path string

	mu        sync.Mutex
	onCatalog CatalogFunc
	delivered int
	onFrame   FrameFunc
}

func (b *fakeBroadcast) SubscribeCatalog(onCatalog CatalogFunc) (CatalogSub, error) {
	b.t.mu.Lock()
	err := b.t.catSubErr
	b.t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.onCatalog = onCatalog
	b.mu.Unlock()
	return &fakeHandle{name: fmt.Sprintf("catsub%d", b.n), log: b.t.log}, nil
}

// deliverCatalog pushes one catalog snapshot naming codecID and returns
// the delivered handle.
func (b *fakeBroadcast) deliverCatalog(codecID string) *fakeCatalog {
	b.mu.Lock()
	b.delivered++
	cat := &fakeCatalog{
		fakeHandle: fakeHandle{name: fmt.Sprintf("catalog%d.%d", b.n, b.delivered), log: b.t.log},
		b:          b,
		cfg:        VideoConfig{CodecID: codecID},
	}
	onCatalog := b.onCatalog
	b.mu.Unlock()
	onCatalog(cat, nil)
	return cat
}

func (b *fakeBroadcast) deliverCatalogError(err error) {
	b.mu.Lock()
	onCatalog := b.onCatalog
	b.mu.Unlock()
	onCatalog(nil, err)
}

// deliverFrame pushes one compressed frame to the most recent track
// subscription and returns its handle.
func (b *fakeBroadcast) deliverFrame(pts int64, keyframe bool) *fakeFrame {
	b.mu.Lock()
	b.delivered++
	f := &fakeFrame{
		fakeHandle: fakeHandle{name: fmt.Sprintf("frame%d.%d", b.n, b.delivered), log: b.t.log},
		chunk: FrameChunk{
			Payload:         []byte{0x00, 0x00, 0x01},
			TimestampMicros: pts,
			Keyframe:        keyframe,
		},
	}
	onFrame := b.onFrame
	b.mu.Unlock()
	onFrame(f)
	return f
}

type fakeCatalog struct {
	fakeHandle
	b   *fakeBroadcast
	cfg VideoConfig

	videoCfgErr  error
	subscribeErr error
	trackSeq     int
}

func (c *fakeCatalog) VideoConfig(track int) (VideoConfig, error) {
	if c.videoCfgErr != nil {
		return VideoConfig{}, c.videoCfgErr
	}
	return c.cfg, nil
}

func (c *fakeCatalog) SubscribeVideo(track int, latency time.Duration, onFrame FrameFunc) (Track, error) {
	if c.subscribeErr != nil {
		return nil, c.subscribeErr
	}
	c.b.mu.Lock()
	c.b.onFrame = onFrame
	c.b.mu.Unlock()
	c.trackSeq++
	return &fakeHandle{name: fmt.Sprintf("track%d", c.b.n), log: c.b.t.log}, nil
}

type fakeFrame struct {
	fakeHandle
	chunk    FrameChunk
	chunkErr error
}

func (f *fakeFrame) Chunk() (FrameChunk, error) {
	if f.chunkErr != nil {
		return FrameChunk{}, f.chunkErr
	}
	return f.chunk, nil
}

// stubDecoder yields one decoded image per submitted payload.
type stubDecoder struct {
	mu      sync.Mutex
	pending int
	closed  bool
}

func (d *stubDecoder) Submit(payload []byte, ptsMicros int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending++
	return nil
}

func (d *stubDecoder) Receive() (*DecodedImage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == 0 {
		return nil, ErrNeedMoreInput
	}
	d.pending--
	return &DecodedImage{Format: decode.FormatI420, Width: 64, Height: 48}, nil
}

func (d *stubDecoder) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = 0
}

func (d *stubDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

type stubFactory struct{}

func (stubFactory) New(codec Codec, description []byte) (VideoDecoder, error) {
	return &stubDecoder{}, nil
}

type stubConverter struct{}

func (stubConverter) Convert(img *DecodedImage, dst []byte) error { return nil }
func (stubConverter) Close() error                                { return nil }

type stubConverterFactory struct{}

func (stubConverterFactory) New(width, height int, format PixelFormat) (PixelConverter, error) {
	return stubConverter{}, nil
}

// recordRenderer counts deliveries; Deliver optionally blocks until the
// release channel is signalled.
type recordRenderer struct {
	mu      sync.Mutex
	frames  []OutputFrame
	blanks  int
	entered chan struct{} // when set, receives one value as Deliver starts
	release chan struct{} // when set, Deliver blocks on it
}

func (r *recordRenderer) Deliver(f OutputFrame) {
	r.mu.Lock()
	entered := r.entered
	release := r.release
	r.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if release != nil {
		<-release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recordRenderer) DeliverBlank() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blanks++
}

func (r *recordRenderer) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recordRenderer) blankCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blanks
}
