// Package approval implements the manual confirmation gate in front
// of production-affecting stages. A run blocks in Await until an
// authorized actor resolves it over the HTTP surface or the bound
// elapses; either denial or timeout aborts the run, and the decision
// is never retried.
package approval

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrDenied   = errors.New("approval denied")
	ErrTimedOut = errors.New("approval timed out")

	// ErrUnknownRun means nobody is waiting on that run id.
	ErrUnknownRun = errors.New("no pending approval for run")
)

type Decision struct {
	Approved bool
	Actor    string
}

type Gate struct {
	mu      sync.Mutex
	pending map[string]chan Decision
}

func NewGate() *Gate {
	return &Gate{
		pending: make(map[string]chan Decision),
	}
}

// Await blocks until the run is approved, denied, the timeout
// elapses, or ctx is cancelled. The pending entry is removed on every
// path, so an expired gate leaks nothing and a late Resolve reports
// ErrUnknownRun instead of resurrecting the run.
func (g *Gate) Await(ctx context.Context, runID string, timeout time.Duration) (Decision, error) {
	ch := make(chan Decision, 1)

	g.mu.Lock()
	g.pending[runID] = ch
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, runID)
		g.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-ch:
		if !d.Approved {
			return d, ErrDenied
		}
		return d, nil

	case <-timer.C:
		return Decision{}, ErrTimedOut

	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Resolve delivers the one-time decision for a pending run.
func (g *Gate) Resolve(runID string, approved bool, actor string) error {
	g.mu.Lock()
	ch, ok := g.pending[runID]
	if ok {
		delete(g.pending, runID)
	}
	g.mu.Unlock()

	if !ok {
		return ErrUnknownRun
	}

	ch <- Decision{Approved: approved, Actor: actor}
	return nil
}

// Pending reports whether a run is currently waiting on a decision.
func (g *Gate) Pending(runID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[runID]
	return ok
}
