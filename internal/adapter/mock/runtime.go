// Package mock is the no-op container runtime for environments without a
// live Docker daemon. It is selected once at startup through configuration,
// never probed per call.
package mock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"

	"ctfrange/internal/machine"
)

var _ machine.ContainerRuntime = (*Runtime)(nil)

// Runtime pretends every container operation succeeds and hands back
// synthetic container ids.
type Runtime struct{}

func NewRuntime() *Runtime { return &Runtime{} }

func (*Runtime) Start(_ context.Context, spec machine.StartSpec) (string, error) {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	id := "mock-" + hex.EncodeToString(buf)
	slog.Debug("mock runtime start", "container_id", id, "image", spec.Image, "host_port", spec.HostPort)
	return id, nil
}

func (*Runtime) Stop(_ context.Context, containerID string) error {
	slog.Debug("mock runtime stop", "container_id", containerID)
	return nil
}

func (*Runtime) Close() error { return nil }
