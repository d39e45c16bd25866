package machine

import "time"

// View is the serialized shape of an instance for API responses: the record
// plus derived countdown fields.
type View struct {
	Instance
	// RemainingSeconds until expiry, floored at zero. Zero for terminal
	// records.
	RemainingSeconds int
	// RemainingExtends left under the config cap; -1 means unlimited.
	RemainingExtends int
}

// NewView derives the response view. publicHost, when set, overrides the
// stored host so operators can expose a different external name. cfg may be
// nil for instances whose config was deleted after the fact.
func NewView(inst Instance, cfg *Config, now time.Time, publicHost string) View {
	v := View{Instance: inst, RemainingExtends: -1}
	if publicHost != "" {
		v.Host = publicHost
	}
	if inst.Status == StatusRunning && !inst.ExpiresAt.IsZero() {
		if rem := inst.ExpiresAt.Sub(now); rem > 0 {
			v.RemainingSeconds = int(rem.Seconds())
		}
	}
	if cfg != nil && cfg.ExtendMaxTimes >= 0 {
		v.RemainingExtends = max(cfg.ExtendMaxTimes-inst.ExtendCount, 0)
	}
	return v
}
