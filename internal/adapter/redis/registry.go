// Package redis implements the shared port registry on Redis, making port
// claims visible to every orchestrator worker.
package redis

import (
	"context"
	"fmt"
	"time"

	"ctfrange/internal/ports"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ctfrange:machine:ports:lock:"

var _ ports.Registry = (*Registry)(nil)

// Registry claims ports with SET NX, so exactly one of two concurrent
// claims on a port wins regardless of which process made it. Claims carry a
// TTL: they only need to outlive the allocation race, the store's RUNNING
// ports remain the durable authority.
type Registry struct {
	cli *redis.Client
}

// New connects and pings the Redis server. Callers treat an error here as
// the signal to fall back to the process-local registry.
func New(ctx context.Context, addr, password string, db int) (*Registry, error) {
	cli := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("ping redis %q: %w", addr, err)
	}
	return &Registry{cli: cli}, nil
}

func (r *Registry) Acquire(ctx context.Context, port int, ttl time.Duration) (bool, error) {
	ok, err := r.cli.SetNX(ctx, key(port), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim port %d: %w", port, err)
	}
	return ok, nil
}

func (r *Registry) Release(ctx context.Context, port int) error {
	if err := r.cli.Del(ctx, key(port)).Err(); err != nil {
		return fmt.Errorf("release port %d: %w", port, err)
	}
	return nil
}

func (r *Registry) Close() error {
	return r.cli.Close()
}

func key(port int) string {
	return fmt.Sprintf("%s%d", keyPrefix, port)
}
