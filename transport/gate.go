package transport

import "sync"

// readGate holds a reader back until the gate is opened. Gates start closed.
type readGate struct {
	mu   sync.Mutex
	open bool
	wake chan struct{}
}

func newReadGate() *readGate {
	return &readGate{wake: make(chan struct{})}
}

// Pause closes the gate. Readers already past Wait finish their current read.
func (g *readGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		g.open = false
		g.wake = make(chan struct{})
	}
}

// Resume opens the gate. Opening an open gate is a no-op.
func (g *readGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.open = true
		close(g.wake)
	}
}

// IsOpen reports whether readers may proceed.
func (g *readGate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Wait blocks until the gate opens or done is closed. It returns false when
// done fired first.
func (g *readGate) Wait(done <-chan struct{}) bool {
	g.mu.Lock()
	wake := g.wake
	g.mu.Unlock()

	select {
	case <-wake:
		return true
	case <-done:
		return false
	}
}
