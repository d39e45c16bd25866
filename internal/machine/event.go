package machine

import "time"

// Event types published to the notifier.
const (
	EventStarted = "machine_started"
	EventStopped = "machine_stopped"
	EventFailed  = "machine_failed"
	EventStatus  = "machine_status"
)

// Reasons attached to machine_status / machine_stopped events.
const (
	ReasonExtended       = "extended"
	ReasonExpiringSoon   = "expiring_soon"
	ReasonExpiredCleanup = "expired_cleanup"
)

// Event is one lifecycle notification. Seq is assigned by the hub,
// monotonically increasing, so clients can order and dedup. machine_failed
// events carry no principal identity and are safe for broad broadcast.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      string    `json:"event"`
	Contest   string    `json:"contest"`
	Challenge string    `json:"challenge"`
	MachineID string    `json:"machine_id,omitempty"`
	Status    Status    `json:"status"`
	Host      string    `json:"host,omitempty"`
	Port      int       `json:"port,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	TeamID    string    `json:"team_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	EmittedAt time.Time `json:"emitted_at"`
}
