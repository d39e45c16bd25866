package reaper

import (
	"context"
	"sync"
	"time"

	"ctfrange/internal/machine"

	"github.com/beevik/ntp"
)

const (
	defaultNTPPool     = "pool.ntp.org"
	defaultNTPInterval = 10 * time.Minute
	// defaultNTPThreshold is 30s: expiry math works in minutes, smaller
	// offsets are noise.
	defaultNTPThreshold = 30 * time.Second
)

// NTPStatus is the last observed clock health.
type NTPStatus struct {
	Offset    time.Duration
	Healthy   bool
	Error     string
	CheckedAt time.Time
}

// NTPChecker samples the offset between the system clock and an NTP pool.
// Expiry deadlines are wall-clock timestamps; a drifting host reaps
// machines early or keeps them past their budget, so the sweep reports it.
type NTPChecker struct {
	mu        sync.RWMutex
	status    NTPStatus
	pool      string
	interval  time.Duration
	threshold time.Duration
	clock     machine.Clock
}

func NewNTPChecker(clock machine.Clock) *NTPChecker {
	if clock == nil {
		clock = machine.RealClock{}
	}
	return &NTPChecker{
		pool:      defaultNTPPool,
		interval:  defaultNTPInterval,
		threshold: defaultNTPThreshold,
		clock:     clock,
	}
}

func (n *NTPChecker) Run(ctx context.Context) {
	n.check()

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.check()
		}
	}
}

func (n *NTPChecker) check() {
	resp, err := ntp.Query(n.pool)

	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clock.Now()
	if err != nil {
		n.status = NTPStatus{Error: err.Error(), CheckedAt: now}
		return
	}

	offset := resp.ClockOffset
	if offset < 0 {
		offset = -offset
	}
	n.status = NTPStatus{
		Offset:    resp.ClockOffset,
		Healthy:   offset < n.threshold,
		CheckedAt: now,
	}
}

func (n *NTPChecker) Status() NTPStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}
