// Package ports hands out host ports for machine instances. Reservation is
// test-and-set against a registry shared by all orchestrator workers; the
// locally memoized busy set is only a scan shortcut.
package ports

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ctfrange/internal/machine"
)

// Registry is the shared claim table behind Allocate. Acquire must be
// atomic across processes: of two concurrent claims on one port, exactly
// one succeeds.
type Registry interface {
	// Acquire claims port for ttl; false means the port is already claimed.
	Acquire(ctx context.Context, port int, ttl time.Duration) (bool, error)
	// Release drops a claim. Releasing an unclaimed port is a no-op.
	Release(ctx context.Context, port int) error
}

// BusySource reports ports durably held by RUNNING instances.
type BusySource interface {
	RunningPorts(ctx context.Context) ([]int, error)
}

// Allocator scans a fixed port range, skipping ports the store or the
// shared registry consider busy.
type Allocator struct {
	registry Registry
	source   BusySource
	from, to int

	clock machine.Clock

	mu       sync.Mutex
	busy     map[int]struct{}
	cachedAt time.Time
}

var _ machine.PortAllocator = (*Allocator)(nil)

// New creates an Allocator over [from, to].
func New(registry Registry, source BusySource, from, to int) (*Allocator, error) {
	if from <= 0 || to < from {
		return nil, fmt.Errorf("invalid port range %d-%d", from, to)
	}
	return &Allocator{
		registry: registry,
		source:   source,
		from:     from,
		to:       to,
		clock:    machine.RealClock{},
		busy:     make(map[int]struct{}),
	}, nil
}

// WithClock swaps the clock used for cache aging.
func (a *Allocator) WithClock(c machine.Clock) *Allocator {
	a.clock = c
	return a
}

// Allocate reserves the first free port in the range. The store's RUNNING
// ports (memoized for cfg.PortCacheTTL) pre-filter the scan; the registry
// Acquire is the authoritative test-and-set. When the registry is failing,
// the first store-free port is returned best-effort so a cache outage does
// not take machine starts down with it.
func (a *Allocator) Allocate(ctx context.Context, cfg *machine.Config) (int, error) {
	busy, err := a.busySet(ctx, cfg.PortCacheTTL())
	if err != nil {
		return 0, fmt.Errorf("list busy ports: %w", err)
	}

	var (
		fallback    int
		registryErr error
	)
	for port := a.from; port <= a.to; port++ {
		if _, taken := busy[port]; taken {
			continue
		}
		ok, err := a.registry.Acquire(ctx, port, cfg.PortCacheTTL())
		if err != nil {
			if registryErr == nil {
				registryErr = err
			}
			if fallback == 0 {
				fallback = port
			}
			continue
		}
		if ok {
			a.markBusy(port)
			return port, nil
		}
	}

	if registryErr != nil && fallback != 0 {
		// Degraded mode: the shared registry is unreachable, so duplicate
		// protection falls back to the store's RUNNING ports alone.
		slog.Warn("port registry unavailable, allocating from store view only",
			"port", fallback, "err", registryErr)
		a.markBusy(fallback)
		return fallback, nil
	}

	return 0, machine.ErrPortsExhausted
}

// Release frees a port claim. Idempotent: releasing a free port is a no-op.
func (a *Allocator) Release(ctx context.Context, port int) error {
	a.mu.Lock()
	delete(a.busy, port)
	a.mu.Unlock()

	if err := a.registry.Release(ctx, port); err != nil {
		return fmt.Errorf("release port %d: %w", port, err)
	}
	return nil
}

func (a *Allocator) busySet(ctx context.Context, ttl time.Duration) (map[int]struct{}, error) {
	a.mu.Lock()
	if !a.cachedAt.IsZero() && a.clock.Now().Sub(a.cachedAt) < ttl {
		snapshot := make(map[int]struct{}, len(a.busy))
		for p := range a.busy {
			snapshot[p] = struct{}{}
		}
		a.mu.Unlock()
		return snapshot, nil
	}
	a.mu.Unlock()

	ports, err := a.source.RunningPorts(ctx)
	if err != nil {
		return nil, err
	}

	fresh := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		fresh[p] = struct{}{}
	}

	a.mu.Lock()
	a.busy = fresh
	a.cachedAt = a.clock.Now()
	snapshot := make(map[int]struct{}, len(fresh))
	for p := range fresh {
		snapshot[p] = struct{}{}
	}
	a.mu.Unlock()
	return snapshot, nil
}

func (a *Allocator) markBusy(port int) {
	a.mu.Lock()
	if a.busy != nil {
		a.busy[port] = struct{}{}
	}
	a.mu.Unlock()
}
