package api

import (
	"context"
	"sync"

	autherrors "github.com/aicmr/cms-session/internal/errors"
)

// Role says what a request that hit a 401 should do next.
type Role int

const (
	// RoleLeader must perform the refresh and then call Finish.
	RoleLeader Role = iota
	// RoleWaiter must wait for the running refresh to settle.
	RoleWaiter
	// RoleRotated means the credential already changed since the request
	// was sent; replay without refreshing.
	RoleRotated
)

// Flight is one refresh attempt. Every request that observes an expired
// credential while it runs waits on the same Flight.
type Flight struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newFlight() *Flight {
	return &Flight{done: make(chan struct{})}
}

func (f *Flight) finish(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the flight settles or ctx ends, returning the
// flight's error or ctx.Err().
func (f *Flight) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RefreshGate is the refresh-in-progress state shared by one runtime's
// interceptor and façade. At most one Flight exists at a time.
type RefreshGate struct {
	mu      sync.Mutex
	current *Flight
}

// NewRefreshGate returns an idle gate.
func NewRefreshGate() *RefreshGate {
	return &RefreshGate{}
}

// Join decides the caller's role. sent is the bearer the failed request
// carried; current reads the bearer now in the store. Reading it under
// the gate lock orders the check after any leader's store update.
func (g *RefreshGate) Join(current func() string, sent string) (*Flight, Role) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current != nil {
		return g.current, RoleWaiter
	}

	if tok := current(); tok != "" && tok != sent {
		return nil, RoleRotated
	}

	g.current = newFlight()

	return g.current, RoleLeader
}

// Finish settles f, releasing its waiters, and clears the flag if f is
// still the current flight.
func (g *RefreshGate) Finish(f *Flight, err error) {
	g.mu.Lock()
	if g.current == f {
		g.current = nil
	}
	g.mu.Unlock()

	f.finish(err)
}

// InProgress reports whether a refresh is running.
func (g *RefreshGate) InProgress() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.current != nil
}

// Reset clears the flag and releases any waiters with ErrSessionReset.
// A leader still running keeps its own Flight; its later Finish is a
// no-op for the gate.
func (g *RefreshGate) Reset() {
	g.mu.Lock()
	f := g.current
	g.current = nil
	g.mu.Unlock()

	if f != nil {
		f.finish(autherrors.ErrSessionReset)
	}
}
