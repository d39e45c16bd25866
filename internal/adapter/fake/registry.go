package fake

import (
	"context"
	"sync"
	"time"

	"ctfrange/internal/ports"
)

var _ ports.Registry = (*PortRegistry)(nil)

// PortRegistry is an in-memory ports.Registry. TTLs are ignored; claims
// last until released, which keeps tests deterministic.
type PortRegistry struct {
	CallRecorder
	mu     sync.Mutex
	claims map[int]bool

	AcquireErr func(ctx context.Context, port int) error
	ReleaseErr func(ctx context.Context, port int) error
}

func NewPortRegistry() *PortRegistry {
	return &PortRegistry{claims: make(map[int]bool)}
}

func (r *PortRegistry) Acquire(ctx context.Context, port int, _ time.Duration) (bool, error) {
	r.record("Acquire", port)
	if r.AcquireErr != nil {
		if err := r.AcquireErr(ctx, port); err != nil {
			return false, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.claims[port] {
		return false, nil
	}
	r.claims[port] = true
	return true, nil
}

func (r *PortRegistry) Release(ctx context.Context, port int) error {
	r.record("Release", port)
	if r.ReleaseErr != nil {
		if err := r.ReleaseErr(ctx, port); err != nil {
			return err
		}
	}
	r.mu.Lock()
	delete(r.claims, port)
	r.mu.Unlock()
	return nil
}

// Claimed reports whether port currently has a claim.
func (r *PortRegistry) Claimed(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.claims[port]
}
