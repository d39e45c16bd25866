package machine

import (
	"context"
	"time"
)

// StartSpec describes one container the runtime should bring up.
type StartSpec struct {
	Image         string
	Name          string
	HostPort      int
	ContainerPort int
	Env           map[string]string
	Network       string
}

// ContainerRuntime starts and stops single containers. Stop on a container
// the runtime no longer knows about returns nil; the record may
// legitimately outlive the container.
type ContainerRuntime interface {
	Start(ctx context.Context, spec StartSpec) (containerID string, err error)
	Stop(ctx context.Context, containerID string) error
	Close() error
}

// InstanceStore is the durable table of machine instances. Lifecycle
// transitions on a single instance are serialized by the store.
type InstanceStore interface {
	Get(ctx context.Context, id string) (Instance, error)

	// CountRunning counts RUNNING instances for (owner, challenge) in a
	// contest. It is advisory: the atomic re-check happens in InsertRunning.
	CountRunning(ctx context.Context, contest, challenge, ownerKey string) (int, error)

	// InsertRunning persists a RUNNING record. The count-against-limit check
	// and the insert execute atomically; when a concurrent start already
	// filled the last slot it returns ErrAlreadyRunning and writes nothing.
	InsertRunning(ctx context.Context, inst Instance, maxPerPrincipal int) error

	// InsertError persists a terminal ERROR record for audit.
	InsertError(ctx context.Context, inst Instance) error

	// MarkReclaimed moves a RUNNING instance to the given terminal status,
	// clearing its port and container id. Calling it on an already-terminal
	// record is a no-op that returns the current record.
	MarkReclaimed(ctx context.Context, id string, status Status) (Instance, error)

	// ExtendRunning bumps expiry and extend count iff the instance is still
	// RUNNING and its extend count equals fromCount; otherwise ErrConflict.
	ExtendRunning(ctx context.Context, id string, fromCount int, expiresAt time.Time) (Instance, error)

	// RunningPorts lists ports held by RUNNING instances, the durable
	// authority behind the allocator's busy set.
	RunningPorts(ctx context.Context) ([]int, error)

	ListRunning(ctx context.Context) ([]Instance, error)
	ListExpired(ctx context.Context, now time.Time) ([]Instance, error)
}

// ChallengeDirectory resolves challenge state owned by the contest CRUD.
type ChallengeDirectory interface {
	Challenge(ctx context.Context, contest, slug string) (Challenge, error)
}

// PortAllocator hands out host ports with test-and-set semantics.
type PortAllocator interface {
	Allocate(ctx context.Context, cfg *Config) (int, error)
	Release(ctx context.Context, port int) error
}

// Authorizer decides whether an actor may manage an instance. Ownership
// rules belong to the surrounding platform; the orchestrator only consumes
// the verdict.
type Authorizer interface {
	CanManage(ctx context.Context, actor Actor, inst Instance) error
}

// Notifier receives lifecycle events for downstream broadcast.
type Notifier interface {
	Publish(ev Event)
}
