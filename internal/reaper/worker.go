// Package reaper reclaims machine instances past their deadline. It is the
// only component that stops machines nobody asked to stop, so it reuses the
// orchestrator's stop path verbatim and never invents its own.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ctfrange/internal/machine"
)

const (
	// defaultInterval is 5m: expiry granularity is minutes, sweeping faster
	// buys nothing.
	defaultInterval = 5 * time.Minute
	// defaultExpiringNotify is 5m: the window before expiry in which owners
	// get an expiring-soon heads-up.
	defaultExpiringNotify = 5 * time.Minute
)

// Stopper is the slice of the orchestrator the sweep needs.
type Stopper interface {
	Reap(ctx context.Context, inst machine.Instance) error
}

// Worker periodically sweeps RUNNING instances whose expiry has passed.
// Fields are injected; zero values pick defaults.
type Worker struct {
	Store    machine.InstanceStore
	Stopper  Stopper
	Notifier machine.Notifier
	Clock    machine.Clock
	NTP      *NTPChecker

	Interval       time.Duration
	ExpiringNotify time.Duration

	// notified tracks which per-minute bucket an instance was last warned
	// in, so repeated sweeps inside the same minute stay quiet.
	mu       sync.Mutex
	notified map[string]string
}

func (w *Worker) clock() machine.Clock {
	if w.Clock != nil {
		return w.Clock
	}
	return machine.RealClock{}
}

// Run sweeps on a ticker until ctx ends. Sweep failures are logged, never
// fatal: the next tick retries.
func (w *Worker) Run(ctx context.Context) error {
	if w.Store == nil || w.Stopper == nil {
		return fmt.Errorf("reaper requires a store and a stopper")
	}

	interval := w.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	if w.NTP != nil {
		go w.NTP.Run(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				slog.Warn("expiration sweep failed", "err", err)
			}
		}
	}
}

// Sweep reclaims every expired RUNNING instance and warns owners of
// instances about to expire. Each instance is handled independently; one
// failure is logged and the rest of the sweep continues. Running a sweep
// concurrently with user stops (or another sweep) is harmless because the
// stop path is idempotent.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	now := w.clock().Now()

	if w.NTP != nil {
		if st := w.NTP.Status(); !st.Healthy && st.Error == "" && !st.CheckedAt.IsZero() {
			slog.Warn("system clock is skewed, expiry decisions may be early or late",
				"offset", st.Offset)
		}
	}

	w.notifyExpiring(ctx, now)

	expired, err := w.Store.ListExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired instances: %w", err)
	}

	reclaimed := 0
	for _, inst := range expired {
		if err := w.Stopper.Reap(ctx, inst); err != nil {
			slog.Warn("reap expired machine",
				"machine_id", inst.ID,
				"contest", inst.Contest,
				"challenge", inst.Challenge,
				"err", err)
			continue
		}
		w.forget(inst.ID)
		reclaimed++
	}

	if reclaimed > 0 {
		slog.Info("expiration sweep reclaimed machines", "count", reclaimed)
	}
	return reclaimed, nil
}

// notifyExpiring publishes a machine_status heads-up for instances inside
// the expiring window, bucketed per remaining minute.
func (w *Worker) notifyExpiring(ctx context.Context, now time.Time) {
	if w.Notifier == nil {
		return
	}
	window := w.ExpiringNotify
	if window <= 0 {
		window = defaultExpiringNotify
	}

	running, err := w.Store.ListRunning(ctx)
	if err != nil {
		slog.Warn("list running instances for expiry notice", "err", err)
		return
	}

	for _, inst := range running {
		remaining := inst.ExpiresAt.Sub(now)
		if remaining <= 0 || remaining > window {
			continue
		}
		bucket := fmt.Sprintf("%dm", int(remaining.Minutes()))
		if !w.shouldNotify(inst.ID, bucket) {
			continue
		}
		w.Notifier.Publish(machine.Event{
			Type:      machine.EventStatus,
			Contest:   inst.Contest,
			Challenge: inst.Challenge,
			MachineID: inst.ID,
			Status:    inst.Status,
			Host:      inst.Host,
			Port:      inst.Port,
			UserID:    inst.UserID,
			TeamID:    inst.TeamID,
			Reason:    machine.ReasonExpiringSoon,
		})
	}
}

func (w *Worker) shouldNotify(id, bucket string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.notified == nil {
		w.notified = make(map[string]string)
	}
	if w.notified[id] == bucket {
		return false
	}
	w.notified[id] = bucket
	return true
}

func (w *Worker) forget(id string) {
	w.mu.Lock()
	delete(w.notified, id)
	w.mu.Unlock()
}
