package exporter

import "sync"

// pauseGate is the blocking gate every track pump consults before each
// pull. Pause closes it, resume opens it. Waiters block while closed,
// so an in-flight pull is never interrupted but the next one will not
// begin until resumed.
type pauseGate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
}

func newPauseGate() *pauseGate {
	g := &pauseGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// wait blocks the caller while the gate is closed.
func (g *pauseGate) wait() {
	g.mu.Lock()
	for g.closed {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

func (g *pauseGate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// open releases every blocked waiter. Safe to call on an already open
// gate, which teardown relies on.
func (g *pauseGate) open() {
	g.mu.Lock()
	g.closed = false
	g.mu.Unlock()
	g.cond.Broadcast()
}
