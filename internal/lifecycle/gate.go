package lifecycle

import (
	"sync"
	"sync/atomic"
)

// Gate tracks in-flight asynchronous callbacks so that teardown can wait
// for true quiescence instead of sleeping a fixed delay.
//
// Every callback must bracket its body:
//
//	if !gate.Enter() {
//	    return // shutting down; release any handed-in resource first
//	}
//	defer gate.Leave()
//
// Shutdown flips the closed flag, making further Enter calls fail fast
// (checked without taking any lock). Wait then blocks until the last
// callback that made it past Enter has left. After Wait returns no
// callback can touch the owning object's state again.
type Gate struct {
	closed atomic.Bool

	mu     sync.Mutex
	cond   *sync.Cond
	active int
}

// Enter registers a callback as in-flight. It returns false, without
// registering, once Shutdown has been called.
func (g *Gate) Enter() bool {
	if g.closed.Load() {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	// Re-check under the lock: Shutdown may have won the race between
	// the fast-path load and lock acquisition.
	if g.closed.Load() {
		return false
	}
	g.active++
	return true
}

// Leave unregisters a callback previously admitted by Enter.
func (g *Gate) Leave() {
	g.mu.Lock()
	g.active--
	if g.active == 0 && g.cond != nil {
		g.cond.Broadcast()
	}
	g.mu.Unlock()
}

// Closed reports whether Shutdown has been called. Callbacks use this as
// the lock-free fast-reject path before and after acquiring the owner's
// shared lock.
func (g *Gate) Closed() bool {
	return g.closed.Load()
}

// Shutdown rejects all future Enter calls. It does not block and is safe
// to call while holding the owner's lock. Idempotent.
func (g *Gate) Shutdown() {
	g.closed.Store(true)
}

// Wait blocks until every admitted callback has called Leave. Must be
// called after Shutdown, and never while holding a lock the in-flight
// callbacks need in order to finish.
func (g *Gate) Wait() {
	g.mu.Lock()
	if g.cond == nil {
		g.cond = sync.NewCond(&g.mu)
	}
	for g.active > 0 {
		g.cond.Wait()
	}
	g.mu.Unlock()
}
