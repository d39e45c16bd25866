package fake

import (
	"context"
	"sync"
	"time"

	"ctfrange/internal/machine"
)

var _ machine.InstanceStore = (*InstanceStore)(nil)

// InstanceStore is an in-memory machine.InstanceStore with the same
// transition semantics as the sqlite adapter: the limit re-check in
// InsertRunning and per-instance updates run under one lock.
type InstanceStore struct {
	CallRecorder
	mu        sync.Mutex
	instances map[string]machine.Instance

	CountRunningErr  func(ctx context.Context) error
	InsertRunningErr func(ctx context.Context, inst machine.Instance) error
	RunningPortsErr  func(ctx context.Context) error
	ListErr          func(ctx context.Context) error
}

func NewInstanceStore() *InstanceStore {
	return &InstanceStore{instances: make(map[string]machine.Instance)}
}

func (s *InstanceStore) Get(_ context.Context, id string) (machine.Instance, error) {
	s.record("Get", id)
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return machine.Instance{}, machine.ErrInstanceNotFound
	}
	return inst, nil
}

func (s *InstanceStore) CountRunning(ctx context.Context, contest, challenge, ownerKey string) (int, error) {
	s.record("CountRunning", contest, challenge, ownerKey)
	if s.CountRunningErr != nil {
		if err := s.CountRunningErr(ctx); err != nil {
			return 0, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countRunningLocked(contest, challenge, ownerKey), nil
}

func (s *InstanceStore) InsertRunning(ctx context.Context, inst machine.Instance, maxPerPrincipal int) error {
	s.record("InsertRunning", inst.ID)
	if s.InsertRunningErr != nil {
		if err := s.InsertRunningErr(ctx, inst); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxPerPrincipal < 1 {
		maxPerPrincipal = 1
	}
	if s.countRunningLocked(inst.Contest, inst.Challenge, inst.Owner().OwnerKey()) >= maxPerPrincipal {
		return machine.ErrAlreadyRunning
	}
	inst.Status = machine.StatusRunning
	inst.UpdatedAt = inst.CreatedAt
	s.instances[inst.ID] = inst
	return nil
}

func (s *InstanceStore) InsertError(_ context.Context, inst machine.Instance) error {
	s.record("InsertError", inst.ID)
	s.mu.Lock()
	defer s.mu.Unlock()

	inst.Status = machine.StatusError
	s.instances[inst.ID] = inst
	return nil
}

func (s *InstanceStore) MarkReclaimed(_ context.Context, id string, status machine.Status) (machine.Instance, error) {
	s.record("MarkReclaimed", id, status)
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return machine.Instance{}, machine.ErrInstanceNotFound
	}
	if inst.Status.Terminal() {
		return inst, nil
	}
	inst.Status = status
	inst.Port = 0
	inst.ContainerID = ""
	inst.UpdatedAt = time.Now().UTC()
	s.instances[id] = inst
	return inst, nil
}

func (s *InstanceStore) ExtendRunning(_ context.Context, id string, fromCount int, expiresAt time.Time) (machine.Instance, error) {
	s.record("ExtendRunning", id, fromCount, expiresAt)
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return machine.Instance{}, machine.ErrInstanceNotFound
	}
	if inst.Status != machine.StatusRunning || inst.ExtendCount != fromCount {
		return machine.Instance{}, machine.ErrConflict
	}
	inst.ExpiresAt = expiresAt
	inst.ExtendCount++
	inst.UpdatedAt = time.Now().UTC()
	s.instances[id] = inst
	return inst, nil
}

func (s *InstanceStore) RunningPorts(ctx context.Context) ([]int, error) {
	s.record("RunningPorts")
	if s.RunningPortsErr != nil {
		if err := s.RunningPortsErr(ctx); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int, 0)
	for _, inst := range s.instances {
		if inst.Status == machine.StatusRunning && inst.Port > 0 {
			out = append(out, inst.Port)
		}
	}
	return out, nil
}

func (s *InstanceStore) ListRunning(ctx context.Context) ([]machine.Instance, error) {
	s.record("ListRunning")
	if s.ListErr != nil {
		if err := s.ListErr(ctx); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]machine.Instance, 0)
	for _, inst := range s.instances {
		if inst.Status == machine.StatusRunning {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (s *InstanceStore) ListExpired(ctx context.Context, now time.Time) ([]machine.Instance, error) {
	s.record("ListExpired", now)
	if s.ListErr != nil {
		if err := s.ListErr(ctx); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]machine.Instance, 0)
	for _, inst := range s.instances {
		if inst.Status == machine.StatusRunning && !inst.ExpiresAt.IsZero() && !inst.ExpiresAt.After(now) {
			out = append(out, inst)
		}
	}
	return out, nil
}

// Put seeds an instance record directly.
func (s *InstanceStore) Put(inst machine.Instance) {
	s.mu.Lock()
	s.instances[inst.ID] = inst
	s.mu.Unlock()
}

func (s *InstanceStore) countRunningLocked(contest, challenge, ownerKey string) int {
	n := 0
	for _, inst := range s.instances {
		if inst.Contest == contest && inst.Challenge == challenge &&
			inst.Owner().OwnerKey() == ownerKey && inst.Status == machine.StatusRunning {
			n++
		}
	}
	return n
}
