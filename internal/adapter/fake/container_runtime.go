package fake

import (
	"context"
	"fmt"
	"sync"

	"ctfrange/internal/machine"
)

var _ machine.ContainerRuntime = (*ContainerRuntime)(nil)

type containerState struct {
	Spec    machine.StartSpec
	Running bool
}

// ContainerRuntime is an in-memory implementation of
// machine.ContainerRuntime.
type ContainerRuntime struct {
	CallRecorder
	mu         sync.Mutex
	nextID     int
	containers map[string]*containerState

	StartErr func(ctx context.Context, spec machine.StartSpec) error
	StopErr  func(ctx context.Context, containerID string) error
}

// NewContainerRuntime creates an empty runtime.
func NewContainerRuntime() *ContainerRuntime {
	return &ContainerRuntime{containers: make(map[string]*containerState)}
}

func (r *ContainerRuntime) Start(ctx context.Context, spec machine.StartSpec) (string, error) {
	r.record("Start", spec)
	if r.StartErr != nil {
		if err := r.StartErr(ctx, spec); err != nil {
			return "", err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := fmt.Sprintf("fake-%d", r.nextID)
	r.containers[id] = &containerState{Spec: spec, Running: true}
	return id, nil
}

func (r *ContainerRuntime) Stop(ctx context.Context, containerID string) error {
	r.record("Stop", containerID)
	if r.StopErr != nil {
		if err := r.StopErr(ctx, containerID); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	// A missing container is fine, the real adapter treats not-found as
	// stopped too.
	delete(r.containers, containerID)
	return nil
}

func (r *ContainerRuntime) Close() error {
	r.record("Close")
	return nil
}

// Running reports whether a container id currently exists and runs.
func (r *ContainerRuntime) Running(containerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.containers[containerID]
	return ok && cs.Running
}

// RunningCount returns the number of live containers.
func (r *ContainerRuntime) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}
