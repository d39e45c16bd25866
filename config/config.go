// Package config holds the daemon configuration loaded from YAML.
//
// The file lives wherever --config points (default /etc/ctfrange/config.yaml).
// Every field has a working default so a bare file, or no file at all, still
// boots a daemon with the mock runtime.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML accepts "30s" / "5m" style strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped standard duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Runtime selects the container backend.
const (
	RuntimeDocker = "docker"
	RuntimeMock   = "mock"
)

// DefaultPath is where the daemon looks for its config when --config is not
// given.
const DefaultPath = "/etc/ctfrange/config.yaml"

// Config is the daemon configuration.
type Config struct {
	// DataDir holds the sqlite database.
	DataDir string `yaml:"data-dir"`

	// PublicHost is the hostname handed to players for connecting to their
	// machines.
	PublicHost string `yaml:"public-host"`

	// Runtime is "docker" or "mock". Mock fabricates container ids and is
	// meant for local development and load testing.
	Runtime string `yaml:"runtime"`

	// DockerNetwork, when set, attaches challenge containers to this
	// pre-existing docker network.
	DockerNetwork string `yaml:"docker-network,omitempty"`

	// PullOnStart makes the docker runtime pull the image before every
	// container create.
	PullOnStart bool `yaml:"pull-on-start,omitempty"`

	// SecretKey signs dynamic verification tokens. SecretKeyFile, when set,
	// takes precedence and is read at load time.
	SecretKey     string `yaml:"secret-key,omitempty"`
	SecretKeyFile string `yaml:"secret-key-file,omitempty"`

	// PortFrom/PortTo bound the host port range handed to machines,
	// inclusive.
	PortFrom int `yaml:"port-from"`
	PortTo   int `yaml:"port-to"`

	// Redis coordinates port claims across daemon replicas. Empty addr runs
	// the daemon with an in-process claim table instead.
	Redis RedisConfig `yaml:"redis,omitempty"`

	// ReapInterval is how often the expiration sweep runs.
	ReapInterval Duration `yaml:"reap-interval,omitempty"`
	// ExpiringNotifyMinutes is how far before expiry the "expiring soon"
	// notification fires. Zero picks the default of five minutes.
	ExpiringNotifyMinutes int `yaml:"expiring-notify-minutes,omitempty"`

	StartTimeout Duration `yaml:"start-timeout,omitempty"`
	StopTimeout  Duration `yaml:"stop-timeout,omitempty"`

	LogLevel string `yaml:"log-level,omitempty"`
	LogJSON  bool   `yaml:"log-json,omitempty"`
}

// RedisConfig points at the shared claim registry.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// Default returns a Config with every field set to its default.
func Default() *Config {
	return &Config{
		DataDir:               "/var/lib/ctfrange",
		PublicHost:            "localhost",
		Runtime:               RuntimeMock,
		PortFrom:              40000,
		PortTo:                41000,
		ReapInterval:          Duration(5 * time.Minute),
		ExpiringNotifyMinutes: 5,
		LogLevel:              "info",
	}
}

// Load reads a YAML config from path, layered over Default. A missing file
// is not an error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.SecretKeyFile != "" {
		key, err := os.ReadFile(cfg.SecretKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read secret key file: %w", err)
		}
		cfg.SecretKey = strings.TrimSpace(string(key))
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Runtime {
	case RuntimeDocker, RuntimeMock:
	default:
		return fmt.Errorf("invalid runtime %q, want %q or %q", c.Runtime, RuntimeDocker, RuntimeMock)
	}
	if c.PortFrom < 1 || c.PortTo > 65535 || c.PortFrom > c.PortTo {
		return fmt.Errorf("invalid port range %d-%d", c.PortFrom, c.PortTo)
	}
	if c.SecretKey == "" {
		return fmt.Errorf("secret-key (or secret-key-file) is required")
	}
	if c.ReapInterval < 0 || c.StartTimeout < 0 || c.StopTimeout < 0 {
		return fmt.Errorf("intervals and timeouts must not be negative")
	}
	return nil
}
