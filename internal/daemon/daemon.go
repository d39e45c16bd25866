// Package daemon assembles the orchestrator from configuration and runs its
// background workers.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"ctfrange/config"
	"ctfrange/internal/adapter/docker"
	"ctfrange/internal/adapter/memory"
	"ctfrange/internal/adapter/mock"
	redisadapter "ctfrange/internal/adapter/redis"
	"ctfrange/internal/adapter/sqlite"
	"ctfrange/internal/machine"
	"ctfrange/internal/notify"
	"ctfrange/internal/ports"
	"ctfrange/internal/reaper"
)

// Daemon is a fully wired orchestrator plus its background workers.
type Daemon struct {
	Store        *sqlite.Store
	Orchestrator *machine.Orchestrator
	Hub          *notify.Hub
	Reaper       *reaper.Worker

	runtime  machine.ContainerRuntime
	registry *redisadapter.Registry
}

// New wires a Daemon from cfg. The registry backend is chosen once here:
// redis when an address is configured and reachable, otherwise an in-process
// claim table. A single-replica deployment loses nothing in the fallback; a
// multi-replica one logs loudly because duplicate ports become possible
// across replicas.
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := sqlite.Open(filepath.Join(cfg.DataDir, "ctfrange.db"))
	if err != nil {
		return nil, fmt.Errorf("open instance store: %w", err)
	}

	d := &Daemon{Store: store}

	var registry ports.Registry
	if cfg.Redis.Addr != "" {
		r, err := redisadapter.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Error("redis unreachable, falling back to in-process port claims; "+
				"do not run multiple replicas in this state",
				"addr", cfg.Redis.Addr, "err", err)
			registry = memory.New()
		} else {
			d.registry = r
			registry = r
		}
	} else {
		registry = memory.New()
	}

	allocator, err := ports.New(registry, store, cfg.PortFrom, cfg.PortTo)
	if err != nil {
		store.Close()
		return nil, err
	}

	switch cfg.Runtime {
	case config.RuntimeDocker:
		rt, err := docker.NewRuntime(cfg.PullOnStart)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("connect docker: %w", err)
		}
		d.runtime = rt
	default:
		d.runtime = mock.NewRuntime()
	}

	d.Hub = notify.NewHub()

	orch, err := machine.New(machine.Options{
		Store:        store,
		Challenges:   store,
		Ports:        allocator,
		Runtime:      d.runtime,
		Secrets:      machine.NewSecretDeriver(cfg.SecretKey),
		Notifier:     d.Hub,
		PublicHost:   cfg.PublicHost,
		Network:      cfg.DockerNetwork,
		StartTimeout: cfg.StartTimeout.Std(),
		StopTimeout:  cfg.StopTimeout.Std(),
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	d.Orchestrator = orch

	d.Reaper = &reaper.Worker{
		Store:          store,
		Stopper:        orch,
		Notifier:       d.Hub,
		NTP:            reaper.NewNTPChecker(machine.RealClock{}),
		Interval:       cfg.ReapInterval.Std(),
		ExpiringNotify: minutes(cfg.ExpiringNotifyMinutes),
	}

	return d, nil
}

// Run blocks until ctx ends, driving the expiration sweep and mirroring
// every published event into the log.
func (d *Daemon) Run(ctx context.Context) error {
	go d.logEvents(ctx)

	err := d.Reaper.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close releases external connections. The context used for wiring should
// outlive the daemon; Close does not wait for in-flight operations.
func (d *Daemon) Close() error {
	var firstErr error
	if d.runtime != nil {
		if err := d.runtime.Close(); err != nil {
			firstErr = err
		}
	}
	if d.registry != nil {
		if err := d.registry.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.Store != nil {
		if err := d.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Daemon) logEvents(ctx context.Context) {
	for ev := range d.Hub.Subscribe(ctx, "") {
		slog.Debug("machine event",
			"seq", ev.Seq,
			"event", ev.Type,
			"contest", ev.Contest,
			"challenge", ev.Challenge,
			"machine_id", ev.MachineID,
			"status", ev.Status,
			"reason", ev.Reason)
	}
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}
