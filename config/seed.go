package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"ctfrange/internal/machine"
)

// SeedFile describes challenges and their machine templates for bulk import
// through `ctfranged seed`.
type SeedFile struct {
	Challenges []SeedChallenge `yaml:"challenges"`
}

// SeedChallenge is one challenge entry in a seed file.
type SeedChallenge struct {
	Contest         string       `yaml:"contest"`
	Slug            string       `yaml:"slug"`
	MachinesEnabled bool         `yaml:"machines-enabled"`
	WindowStart     time.Time    `yaml:"window-start,omitempty"`
	WindowEnd       time.Time    `yaml:"window-end,omitempty"`
	Machine         *SeedMachine `yaml:"machine,omitempty"`
}

// SeedMachine is the machine template attached to a challenge.
type SeedMachine struct {
	Image                  string            `yaml:"image"`
	ContainerPort          int               `yaml:"container-port"`
	MaxInstances           int               `yaml:"max-instances,omitempty"`
	MaxRuntimeMinutes      int               `yaml:"max-runtime-minutes,omitempty"`
	ExtendMinutesDefault   int               `yaml:"extend-minutes-default,omitempty"`
	ExtendMaxTimes         int               `yaml:"extend-max-times,omitempty"`
	ExtendThresholdMinutes int               `yaml:"extend-threshold-minutes,omitempty"`
	PortCacheTTLSeconds    int               `yaml:"port-cache-ttl-seconds,omitempty"`
	SecretPrefix           string            `yaml:"secret-prefix,omitempty"`
	SecretSalt             string            `yaml:"secret-salt,omitempty"`
	Environment            map[string]string `yaml:"environment,omitempty"`
}

// LoadSeed reads and validates a seed file.
func LoadSeed(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file %s: %w", path, err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	for i, ch := range seed.Challenges {
		if ch.Contest == "" || ch.Slug == "" {
			return nil, fmt.Errorf("seed entry %d: contest and slug are required", i)
		}
		if ch.Machine != nil && ch.Machine.Image == "" {
			return nil, fmt.Errorf("seed entry %q/%q: machine image is required", ch.Contest, ch.Slug)
		}
	}
	return &seed, nil
}

// Challenge converts the entry to its domain form.
func (c SeedChallenge) Challenge() machine.Challenge {
	return machine.Challenge{
		Contest:         c.Contest,
		Slug:            c.Slug,
		MachinesEnabled: c.MachinesEnabled,
		WindowStart:     c.WindowStart,
		WindowEnd:       c.WindowEnd,
	}
}

// Config converts the machine template to its domain form. Returns false
// when the entry carries no machine.
func (c SeedChallenge) Config() (machine.Config, bool) {
	if c.Machine == nil {
		return machine.Config{}, false
	}
	m := c.Machine
	return machine.Config{
		Contest:                  c.Contest,
		Challenge:                c.Slug,
		Image:                    m.Image,
		ContainerPort:            m.ContainerPort,
		MaxInstancesPerPrincipal: m.MaxInstances,
		MaxRuntimeMinutes:        m.MaxRuntimeMinutes,
		ExtendMinutesDefault:     m.ExtendMinutesDefault,
		ExtendMaxTimes:           m.ExtendMaxTimes,
		ExtendThresholdMinutes:   m.ExtendThresholdMinutes,
		PortCacheTTLSeconds:      m.PortCacheTTLSeconds,
		SecretPrefix:             m.SecretPrefix,
		SecretSalt:               m.SecretSalt,
		Environment:              m.Environment,
	}, true
}
