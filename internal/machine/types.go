package machine

import "time"

// Status is the lifecycle state of an instance record. Stopped and Error
// are terminal: the record is never mutated again and its port is never
// reused through it.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// Terminal reports whether a record in this status accepts further
// lifecycle transitions.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// Principal is the party a machine instance belongs to: a user, optionally
// acting as part of a team. When a team is present, limits and secret
// derivation key off the team so teammates share one budget.
type Principal struct {
	UserID string
	TeamID string
}

// OwnerKey returns the identity instance limits are counted against.
func (p Principal) OwnerKey() string {
	if p.TeamID != "" {
		return p.TeamID
	}
	return p.UserID
}

// Actor is whoever is asking for a stop or extend. Admin bypasses the
// ownership check.
type Actor struct {
	Principal
	Admin bool
}

// Config is the per-challenge machine template. It is immutable for the
// lifetime of an instance started from it; edits apply to future starts only.
type Config struct {
	Contest   string
	Challenge string

	Image         string
	ContainerPort int

	// MaxInstancesPerPrincipal caps concurrently RUNNING instances for one
	// (principal, challenge) pair. Zero or negative means one; read it
	// through MaxInstances.
	MaxInstancesPerPrincipal int

	MaxRuntimeMinutes    int
	ExtendMinutesDefault int
	// ExtendMaxTimes: -1 unlimited, 0 forbidden, n > 0 hard cap.
	ExtendMaxTimes int
	// ExtendThresholdMinutes: extension is only allowed once remaining time
	// drops to this many minutes. Zero or negative disables the check.
	ExtendThresholdMinutes int
	PortCacheTTLSeconds    int

	// SecretPrefix wraps the derived verification token, e.g. "flag".
	SecretPrefix string
	// SecretSalt is per-challenge secret material mixed into the token
	// digest. May be empty.
	SecretSalt string
	// Environment is injected into the container alongside the derived secret.
	Environment map[string]string
}

// MaxInstances returns the per-owner RUNNING cap, never less than one.
// A seeded template may leave the field unset.
func (c *Config) MaxInstances() int {
	if c.MaxInstancesPerPrincipal < 1 {
		return 1
	}
	return c.MaxInstancesPerPrincipal
}

// PortCacheTTL returns the busy-port memoization window.
func (c *Config) PortCacheTTL() time.Duration {
	if c.PortCacheTTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.PortCacheTTLSeconds) * time.Second
}

// Challenge is the slice of challenge state the orchestrator needs. The
// authoritative record lives with the contest/challenge CRUD, which is not
// part of this subsystem.
type Challenge struct {
	Contest string
	Slug    string

	MachinesEnabled bool
	WindowStart     time.Time
	WindowEnd       time.Time

	// Config is nil when no machine template has been entered for the
	// challenge, which start treats as a configuration error.
	Config *Config
}

// WindowOpen reports whether the owning contest is inside its running window.
func (c Challenge) WindowOpen(now time.Time) bool {
	if !c.WindowStart.IsZero() && now.Before(c.WindowStart) {
		return false
	}
	if !c.WindowEnd.IsZero() && now.After(c.WindowEnd) {
		return false
	}
	return true
}

// Instance is one ephemeral machine backing a single challenge attempt.
type Instance struct {
	ID        string
	Contest   string
	Challenge string
	UserID    string
	TeamID    string

	// ContainerID is empty until the runtime start call succeeds, and is
	// cleared again when the record is reclaimed.
	ContainerID string
	Host        string
	// Port is 0 before allocation and after reclaim.
	Port int

	// DynamicSecret is the derived verification token, stored so the
	// owning principal can be shown it without re-deriving.
	DynamicSecret string

	Status      Status
	ExtendCount int
	CreatedAt   time.Time
	// ExpiresAt is zero only transiently before the runtime call completes.
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// Owner returns the principal the instance was started for.
func (i Instance) Owner() Principal {
	return Principal{UserID: i.UserID, TeamID: i.TeamID}
}
