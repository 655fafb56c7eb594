package lifecycle

import (
	"sync/atomic"
)

// Generation is a monotonically increasing epoch distinguishing one
// connection attempt's asynchronous results from another's.
//
// Every asynchronous operation captures the epoch active when it was
// issued and must verify it is still current (Matches) before acting on
// its result. Stale results are discarded, never merged.
//
// Begin implements the reconnect-in-progress guard: while one reconnect
// attempt is between Begin and End, concurrent Begin calls no-op. This
// is what makes "reconnect requested while one is already running" an
// ignore, not a queue.
type Generation struct {
	current    atomic.Uint64
	inProgress atomic.Bool
}

// Current returns the live epoch value.
func (g *Generation) Current() uint64 {
	return g.current.Load()
}

// Begin starts a reconnect attempt: it increments the epoch exactly once
// and returns the new value. If another attempt is already in progress
// it returns (0, false) and the caller must back off without touching
// any state.
func (g *Generation) Begin() (uint64, bool) {
	if !g.inProgress.CompareAndSwap(false, true) {
		return 0, false
	}
	return g.current.Add(1), true
}

// End marks the current reconnect attempt finished, successful or not.
// Must be called exactly once per successful Begin.
func (g *Generation) End() {
	g.inProgress.Store(false)
}

// Matches reports whether the captured epoch is still the live one.
func (g *Generation) Matches(captured uint64) bool {
	return g.current.Load() == captured
}
