// Package memory is the process-local port registry used when no shared
// Redis is configured (or reachable) at startup. Claims are only visible
// inside this process: a single-worker deployment, or documented degraded
// mode for multi-worker ones.
package memory

import (
	"context"
	"sync"
	"time"

	"ctfrange/internal/machine"
	"ctfrange/internal/ports"
)

var _ ports.Registry = (*Registry)(nil)

// Registry keeps claims in a map with expiry timestamps.
type Registry struct {
	clock machine.Clock

	mu     sync.Mutex
	claims map[int]time.Time
}

func New() *Registry {
	return &Registry{clock: machine.RealClock{}, claims: make(map[int]time.Time)}
}

// WithClock swaps the clock used for claim expiry.
func (r *Registry) WithClock(c machine.Clock) *Registry {
	r.clock = c
	return r
}

func (r *Registry) Acquire(_ context.Context, port int, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if until, ok := r.claims[port]; ok && now.Before(until) {
		return false, nil
	}
	r.claims[port] = now.Add(ttl)
	return true, nil
}

func (r *Registry) Release(_ context.Context, port int) error {
	r.mu.Lock()
	delete(r.claims, port)
	r.mu.Unlock()
	return nil
}
