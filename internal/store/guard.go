package store

import (
	"context"
	"sync"

	"trustlog/pkg/errors"
)

// Guard enforces the single-writer/multi-reader discipline around a Store.
// Network round-trips must complete before Update is entered: the write
// critical section only applies an already-fetched, already-validated batch,
// so it stays short and never suspends.
//
// After Stop, every new View or Update fails fast with CodeStopped. Stop is
// idempotent and safe to call concurrently with outstanding reads.
type Guard struct {
	mu       sync.RWMutex
	store    Store
	stopOnce sync.Once
	stopped  chan struct{}
}

func NewGuard(store Store) *Guard {
	return &Guard{store: store, stopped: make(chan struct{})}
}

// View runs fn with shared access to a consistent snapshot of the store.
func (g *Guard) View(ctx context.Context, fn func(Reader) error) error {
	if err := g.check(ctx); err != nil {
		return err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if err := g.check(ctx); err != nil {
		return err
	}
	return fn(g.store)
}

// Update runs fn with exclusive access to the store.
func (g *Guard) Update(ctx context.Context, fn func(Store) error) error {
	if err := g.check(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(ctx); err != nil {
		return err
	}
	return fn(g.store)
}

// Stop makes all subsequent calls fail fast and closes the underlying store.
func (g *Guard) Stop() error {
	var err error
	g.stopOnce.Do(func() {
		close(g.stopped)
		g.mu.Lock()
		defer g.mu.Unlock()
		err = g.store.Close()
	})
	return err
}

// Stopped exposes the stop signal for components that select on it.
func (g *Guard) Stopped() <-chan struct{} { return g.stopped }

func (g *Guard) check(ctx context.Context) error {
	select {
	case <-g.stopped:
		return errors.New(errors.CodeStopped, "trust engine is stopped")
	case <-ctx.Done():
		// Cancellation is the caller's doing, not an engine fault: hand the
		// context error back untouched so errors.Is keeps working.
		return ctx.Err()
	default:
		return nil
	}
}
