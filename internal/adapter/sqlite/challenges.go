package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ctfrange/internal/machine"
)

// Challenge implements machine.ChallengeDirectory.
func (s *Store) Challenge(ctx context.Context, contest, slug string) (machine.Challenge, error) {
	var (
		ch          machine.Challenge
		enabled     int
		windowStart string
		windowEnd   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT contest, slug, machines_enabled, window_start, window_end
		 FROM challenges WHERE contest = ? AND slug = ?`,
		contest, slug).Scan(&ch.Contest, &ch.Slug, &enabled, &windowStart, &windowEnd)
	if errors.Is(err, sql.ErrNoRows) {
		return machine.Challenge{}, fmt.Errorf("challenge %q/%q not found", contest, slug)
	}
	if err != nil {
		return machine.Challenge{}, fmt.Errorf("query challenge %q/%q: %w", contest, slug, err)
	}

	ch.MachinesEnabled = enabled != 0
	if windowStart != "" {
		if ch.WindowStart, err = parseTime(windowStart); err != nil {
			return machine.Challenge{}, fmt.Errorf("decode window_start: %w", err)
		}
	}
	if windowEnd != "" {
		if ch.WindowEnd, err = parseTime(windowEnd); err != nil {
			return machine.Challenge{}, fmt.Errorf("decode window_end: %w", err)
		}
	}

	cfg, ok, err := s.machineConfig(ctx, contest, slug)
	if err != nil {
		return machine.Challenge{}, err
	}
	if ok {
		ch.Config = &cfg
	}
	return ch, nil
}

func (s *Store) machineConfig(ctx context.Context, contest, slug string) (machine.Config, bool, error) {
	var (
		cfg     machine.Config
		envJSON string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT contest, challenge, image, container_port, max_instances,
		        max_runtime_minutes, extend_minutes_default, extend_max_times,
		        extend_threshold_minutes, port_cache_ttl_seconds, secret_prefix,
		        secret_salt, environment_json
		 FROM machine_configs WHERE contest = ? AND challenge = ?`,
		contest, slug).Scan(
		&cfg.Contest, &cfg.Challenge, &cfg.Image, &cfg.ContainerPort,
		&cfg.MaxInstancesPerPrincipal, &cfg.MaxRuntimeMinutes,
		&cfg.ExtendMinutesDefault, &cfg.ExtendMaxTimes,
		&cfg.ExtendThresholdMinutes, &cfg.PortCacheTTLSeconds,
		&cfg.SecretPrefix, &cfg.SecretSalt, &envJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return machine.Config{}, false, nil
	}
	if err != nil {
		return machine.Config{}, false, fmt.Errorf("query machine config %q/%q: %w", contest, slug, err)
	}

	if envJSON != "" && envJSON != "{}" {
		if err := json.Unmarshal([]byte(envJSON), &cfg.Environment); err != nil {
			return machine.Config{}, false, fmt.Errorf("unmarshal environment for %q/%q: %w", contest, slug, err)
		}
	}
	return cfg, true, nil
}

// UpsertChallenge stores challenge visibility and its contest window.
func (s *Store) UpsertChallenge(ctx context.Context, ch machine.Challenge) error {
	enabled := 0
	if ch.MachinesEnabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO challenges (contest, slug, machines_enabled, window_start, window_end)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(contest, slug) DO UPDATE SET
		 machines_enabled = excluded.machines_enabled,
		 window_start = excluded.window_start,
		 window_end = excluded.window_end`,
		ch.Contest, ch.Slug, enabled, optionalTime(ch.WindowStart), optionalTime(ch.WindowEnd))
	if err != nil {
		return fmt.Errorf("upsert challenge %q/%q: %w", ch.Contest, ch.Slug, err)
	}
	return nil
}

// UpsertConfig stores a machine template. Instances already running keep
// the values they started with; edits only affect future starts.
func (s *Store) UpsertConfig(ctx context.Context, cfg machine.Config) error {
	if cfg.Image == "" {
		return fmt.Errorf("machine config for %q/%q: image is required", cfg.Contest, cfg.Challenge)
	}
	env := cfg.Environment
	if env == nil {
		env = map[string]string{}
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal environment for %q/%q: %w", cfg.Contest, cfg.Challenge, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO machine_configs (
			contest, challenge, image, container_port, max_instances,
			max_runtime_minutes, extend_minutes_default, extend_max_times,
			extend_threshold_minutes, port_cache_ttl_seconds, secret_prefix,
			secret_salt, environment_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(contest, challenge) DO UPDATE SET
		image = excluded.image,
		container_port = excluded.container_port,
		max_instances = excluded.max_instances,
		max_runtime_minutes = excluded.max_runtime_minutes,
		extend_minutes_default = excluded.extend_minutes_default,
		extend_max_times = excluded.extend_max_times,
		extend_threshold_minutes = excluded.extend_threshold_minutes,
		port_cache_ttl_seconds = excluded.port_cache_ttl_seconds,
		secret_prefix = excluded.secret_prefix,
		secret_salt = excluded.secret_salt,
		environment_json = excluded.environment_json`,
		cfg.Contest, cfg.Challenge, cfg.Image, cfg.ContainerPort,
		cfg.MaxInstancesPerPrincipal, cfg.MaxRuntimeMinutes,
		cfg.ExtendMinutesDefault, cfg.ExtendMaxTimes,
		cfg.ExtendThresholdMinutes, cfg.PortCacheTTLSeconds,
		cfg.SecretPrefix, cfg.SecretSalt, string(envJSON))
	if err != nil {
		return fmt.Errorf("upsert machine config %q/%q: %w", cfg.Contest, cfg.Challenge, err)
	}
	return nil
}

func optionalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return formatTime(t)
}
