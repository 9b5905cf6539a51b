// Package lockreg holds the exclusive guards that protect the agent and
// gateway handles. A guard whose holder panicked is marked poisoned; the next
// holder logs the recovery and continues with whatever state was left.
package lockreg

import (
	"log/slog"
	"sync"
)

// Guard serializes access to a value of type T.
type Guard[T any] struct {
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	value    T
	poisoned bool
}

func New[T any](name string, initial T, logger *slog.Logger) *Guard[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard[T]{name: name, logger: logger, value: initial}
}

func (g *Guard[T]) Name() string { return g.name }

// With blocks until the guard is free, then runs fn with a pointer to the
// protected value. fn may replace the value through the pointer.
func (g *Guard[T]) With(fn func(v *T)) {
	g.mu.Lock()
	g.run(fn)
}

// TryWith runs fn only if the guard is immediately available and reports
// whether it did.
func (g *Guard[T]) TryWith(fn func(v *T)) bool {
	if !g.mu.TryLock() {
		return false
	}
	g.run(fn)
	return true
}

// Poisoned reports whether the last holder panicked and no one has acquired
// the guard since.
func (g *Guard[T]) Poisoned() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.poisoned
}

// run must be called with mu held and releases it.
func (g *Guard[T]) run(fn func(v *T)) {
	if g.poisoned {
		g.logger.Warn("recovered poisoned lock", "lock", g.name)
		g.poisoned = false
	}
	completed := false
	defer func() {
		if !completed {
			g.poisoned = true
		}
		g.mu.Unlock()
	}()
	fn(&g.value)
	completed = true
}
