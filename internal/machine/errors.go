package machine

import "errors"

// ErrAlreadyRunning indicates the principal has hit the per-challenge
// concurrency limit; the existing instance must be stopped first.
var ErrAlreadyRunning = errors.New("a machine for this challenge is already running")

// ErrPortsExhausted indicates no free port exists in the configured range.
// The allocator returns it; callers surface it as a MachineError.
var ErrPortsExhausted = errors.New("no free port in the configured range")

// ErrInstanceNotFound indicates the instance id matches no record.
var ErrInstanceNotFound = errors.New("machine instance not found")

// ErrNotAllowed indicates the actor neither owns the instance nor holds
// administrative rights.
var ErrNotAllowed = errors.New("not allowed to manage this machine")

// ErrConflict indicates a lifecycle update lost against a concurrent
// stop or extend on the same instance.
var ErrConflict = errors.New("machine instance was modified concurrently")

// ValidationError indicates a well-formed request whose precondition is not
// met yet, such as starting a machine outside the contest window. The caller
// may retry later.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// MachineError is a user-facing business failure: machines disabled, missing
// config, port exhaustion, or a runtime failure. It is not a system crash.
type MachineError struct {
	Message string
	Err     error
}

func (e *MachineError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *MachineError) Unwrap() error { return e.Err }
