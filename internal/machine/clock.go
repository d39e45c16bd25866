package machine

import "time"

// Clock abstracts wall-clock reads so expiry logic is testable.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
