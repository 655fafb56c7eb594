package moqcapture

import (
	"fmt"
	"log/slog"
)

// handleChain tracks the five nested transport handles and enforces the
// dependency order origin ⊇ session ⊇ broadcast ⊇ catalog ⊇ track: a
// handle is never installed before its parent is valid, and teardown is
// the single release path, closing leaf-to-root. At most one
// generation's handles live here at a time; the orchestrator only
// installs after a generation check under the client lock.
type handleChain struct {
	origin    Origin
	session   Session
	broadcast Broadcast
	catalog   CatalogSub
	track     Track
}

func (h *handleChain) installSession(o Origin, s Session) error {
	if h.origin != nil || h.session != nil {
		return fmt.Errorf("moq-capture: session already installed")
	}
	h.origin = o
	h.session = s
	return nil
}

func (h *handleChain) installBroadcast(b Broadcast) error {
	if h.session == nil {
		return fmt.Errorf("moq-capture: broadcast installed without a session")
	}
	h.broadcast = b
	return nil
}

func (h *handleChain) installCatalog(c CatalogSub) error {
	if h.broadcast == nil {
		return fmt.Errorf("moq-capture: catalog installed without a broadcast")
	}
	h.catalog = c
	return nil
}

// installTrack replaces any previously subscribed track (a new catalog
// delivery supersedes the old track); the previous handle is closed
// before the new one is stored.
func (h *handleChain) installTrack(t Track) error {
	if h.catalog == nil {
		return fmt.Errorf("moq-capture: track installed without a catalog")
	}
	if h.track != nil {
		closeHandle("track", h.track)
	}
	h.track = t
	return nil
}

// connected reports whether a broadcast is being consumed. Frame
// callbacks validate against this rather than the track slot: frames may
// arrive before the track handle is installed.
func (h *handleChain) connected() bool {
	return h.broadcast != nil
}

// teardown closes every open handle leaf-to-root and clears the chain.
// All release sites funnel through here so the ordering is enforced in
// one place.
func (h *handleChain) teardown() {
	if h.track != nil {
		closeHandle("track", h.track)
		h.track = nil
	}
	if h.catalog != nil {
		closeHandle("catalog", h.catalog)
		h.catalog = nil
	}
	if h.broadcast != nil {
		closeHandle("broadcast", h.broadcast)
		h.broadcast = nil
	}
	if h.session != nil {
		closeHandle("session", h.session)
		h.session = nil
	}
	if h.origin != nil {
		closeHandle("origin", h.origin)
		h.origin = nil
	}
}

func closeHandle(name string, c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		slog.Warn("moq-capture: handle close failed", "handle", name, "error", err)
	}
}
