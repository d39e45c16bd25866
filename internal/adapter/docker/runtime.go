// Package docker implements the container runtime against the Docker
// Engine API.
package docker

import (
	"context"
	"fmt"
	"io"

	"ctfrange/internal/machine"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

var _ machine.ContainerRuntime = (*Runtime)(nil)

// Runtime starts and stops challenge containers through a Docker client.
type Runtime struct {
	cli *client.Client
	// pull controls whether Start pulls the image first. Contest images are
	// usually pre-pulled; on-demand pulling is for small deployments.
	pull bool
}

// NewRuntime creates a Runtime from the environment (DOCKER_HOST etc.).
func NewRuntime(pullOnStart bool) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Runtime{cli: cli, pull: pullOnStart}, nil
}

// NewRuntimeFromClient wraps an existing Docker client.
func NewRuntimeFromClient(cli *client.Client) *Runtime {
	return &Runtime{cli: cli}
}

// Start creates and starts one container with the host port mapped to the
// image's service port, returning the container id.
func (r *Runtime) Start(ctx context.Context, spec machine.StartSpec) (string, error) {
	if r.pull {
		if err := r.imagePull(ctx, spec.Image); err != nil {
			return "", err
		}
	}

	containerPort, err := nat.NewPort("tcp", fmt.Sprintf("%d", spec.ContainerPort))
	if err != nil {
		return "", fmt.Errorf("container port %d: %w", spec.ContainerPort, err)
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	cc := &container.Config{
		Image:        spec.Image,
		Env:          env,
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
	}
	hc := &container.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostPort: fmt.Sprintf("%d", spec.HostPort)}},
		},
		// Challenge boxes never restart on their own; the orchestrator owns
		// their lifetime.
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
		CapDrop:       []string{"ALL"},
	}
	if spec.Network != "" {
		hc.NetworkMode = container.NetworkMode(spec.Network)
	}

	created, err := r.cli.ContainerCreate(ctx, cc, hc, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %q: %w", spec.Name, err)
	}
	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// A created-but-unstarted container would hold the name forever.
		_ = r.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container %q: %w", spec.Name, err)
	}
	return created.ID, nil
}

// Stop stops and removes the container. A container the daemon no longer
// knows about counts as stopped.
func (r *Runtime) Stop(ctx context.Context, containerID string) error {
	if err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stop container %q: %w", containerID, err)
	}
	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %q: %w", containerID, err)
	}
	return nil
}

func (r *Runtime) imagePull(ctx context.Context, img string) error {
	rc, err := r.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %q: %w", img, err)
	}
	_, _ = io.Copy(io.Discard, rc)
	_ = rc.Close()
	return nil
}

func (r *Runtime) Close() error {
	return r.cli.Close()
}
