// Package replay implements the moqcapture Transport against a
// directory of recorded broadcasts, for demos and integration tests.
//
// Layout, one subdirectory per broadcast path:
//
//	<root>/<broadcast>/catalog.yaml
//	<root>/<broadcast>/frames/<seq>_<k|d>_<ptsMicros>.bin
//
// catalog.yaml names the codec and geometry:
//
//	video:
//	  codec: avc1.64001f
//	  coded_width: 1280
//	  coded_height: 720
//	  description_file: description.bin
//	fps: 30
//	loop: true
//
// Frames are delivered on a ticker at the catalog's fps. The catalog
// file is watched; editing it while subscribed re-delivers the catalog,
// which drives the consumer's track-replacement path.
package replay

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	moqcapture "github.com/e7canasta/moq-capture"
)

// connectDelay is how long after Connect the status callback fires,
// mimicking a network round trip.
const connectDelay = 5 * time.Millisecond

// Transport serves recorded broadcasts from a root directory.
type Transport struct {
	root string
}

// NewTransport creates a transport rooted at dir.
func NewTransport(dir string) (*Transport, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("replay: root %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("replay: root %s is not a directory", dir)
	}
	return &Transport{root: dir}, nil
}

// NewOrigin returns a consumption context over the replay root.
func (t *Transport) NewOrigin() (moqcapture.Origin, error) {
	return &origin{root: t.root}, nil
}

// Connect returns a session immediately; the status callback fires
// shortly afterwards from a separate goroutine, nil for any address.
func (t *Transport) Connect(addr string, publish, consume moqcapture.Origin, onStatus moqcapture.StatusFunc) (moqcapture.Session, error) {
	s := &session{addr: addr}
	time.AfterFunc(connectDelay, func() {
		if s.closed.Load() {
			return
		}
		slog.Debug("replay: session up", "addr", addr)
		onStatus(nil)
	})
	return s, nil
}

type origin struct {
	root   string
	closed atomic.Bool
}

func (o *origin) ConsumeBroadcast(path string) (moqcapture.Broadcast, error) {
	if o.closed.Load() {
		return nil, fmt.Errorf("replay: origin closed")
	}
	dir := filepath.Join(o.root, filepath.FromSlash(path))
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("replay: broadcast %q: %w", path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("replay: broadcast %q is not a directory", path)
	}
	return &broadcast{dir: dir, path: path}, nil
}

func (o *origin) Close() error {
	o.closed.Store(true)
	return nil
}

type session struct {
	addr   string
	closed atomic.Bool
}

func (s *session) Close() error {
	s.closed.Store(true)
	return nil
}
