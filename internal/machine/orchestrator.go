package machine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// defaultStartTimeout bounds the runtime start call independently of the
	// caller's own deadline; a hanging runtime must still resolve the
	// user-facing request.
	defaultStartTimeout = 60 * time.Second
	// defaultStopTimeout is shorter: stop is best-effort, the record gets
	// reclaimed either way.
	defaultStopTimeout = 30 * time.Second

	defaultHost           = "localhost"
	defaultRuntimeMinutes = 30
	defaultExtendMinutes  = 30

	// secretEnvKey is the environment variable the verification token is
	// injected under.
	secretEnvKey = "DYNAMIC_FLAG"
)

// Options wires an Orchestrator. Store, Challenges, Ports, Runtime, and
// Secrets are required; the rest default.
type Options struct {
	Store      InstanceStore
	Challenges ChallengeDirectory
	Ports      PortAllocator
	Runtime    ContainerRuntime
	Secrets    *SecretDeriver
	Notifier   Notifier
	Authorizer Authorizer
	Clock      Clock

	// PublicHost is the externally reachable name stored on new instances.
	PublicHost string
	// Network, when set, attaches started containers to this runtime network.
	Network string

	StartTimeout time.Duration
	StopTimeout  time.Duration
}

// Orchestrator is the state machine coordinating start, stop, and extend of
// ephemeral challenge machines. Instances move CREATING -> RUNNING ->
// STOPPING -> STOPPED, with ERROR reachable from CREATING (start failure)
// and from the stop path (runtime stop failure that still must release
// resources).
type Orchestrator struct {
	store      InstanceStore
	challenges ChallengeDirectory
	ports      PortAllocator
	runtime    ContainerRuntime
	secrets    *SecretDeriver
	notifier   Notifier
	authorize  Authorizer
	clock      Clock

	host         string
	network      string
	startTimeout time.Duration
	stopTimeout  time.Duration
}

// New creates an Orchestrator from opts.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("instance store is required")
	case opts.Challenges == nil:
		return nil, fmt.Errorf("challenge directory is required")
	case opts.Ports == nil:
		return nil, fmt.Errorf("port allocator is required")
	case opts.Runtime == nil:
		return nil, fmt.Errorf("container runtime is required")
	case opts.Secrets == nil:
		return nil, fmt.Errorf("secret deriver is required")
	}

	o := &Orchestrator{
		store:        opts.Store,
		challenges:   opts.Challenges,
		ports:        opts.Ports,
		runtime:      opts.Runtime,
		secrets:      opts.Secrets,
		notifier:     opts.Notifier,
		authorize:    opts.Authorizer,
		clock:        opts.Clock,
		host:         opts.PublicHost,
		network:      opts.Network,
		startTimeout: opts.StartTimeout,
		stopTimeout:  opts.StopTimeout,
	}
	if o.authorize == nil {
		o.authorize = OwnerAuthorizer{}
	}
	if o.clock == nil {
		o.clock = RealClock{}
	}
	if o.host == "" {
		o.host = defaultHost
	}
	if o.startTimeout <= 0 {
		o.startTimeout = defaultStartTimeout
	}
	if o.stopTimeout <= 0 {
		o.stopTimeout = defaultStopTimeout
	}
	return o, nil
}

// Start provisions a machine instance for principal on the given challenge.
func (o *Orchestrator) Start(ctx context.Context, principal Principal, contest, challenge string) (View, error) {
	ch, err := o.challenges.Challenge(ctx, contest, challenge)
	if err != nil {
		return View{}, err
	}

	now := o.clock.Now()
	if !ch.WindowOpen(now) {
		return View{}, &ValidationError{Message: fmt.Sprintf("contest %q is not running", contest)}
	}
	if !ch.MachinesEnabled {
		return View{}, &MachineError{Message: fmt.Sprintf("challenge %q does not have machines enabled", challenge)}
	}
	cfg := ch.Config
	if cfg == nil {
		return View{}, &MachineError{Message: fmt.Sprintf("challenge %q has no machine config", challenge)}
	}

	// Fail fast before paying for a container start. The authoritative
	// check is repeated atomically inside InsertRunning.
	running, err := o.store.CountRunning(ctx, contest, challenge, principal.OwnerKey())
	if err != nil {
		return View{}, fmt.Errorf("count running instances: %w", err)
	}
	if running >= cfg.MaxInstances() {
		return View{}, ErrAlreadyRunning
	}

	port, err := o.ports.Allocate(ctx, cfg)
	if err != nil {
		// Exhaustion creates no record at all.
		return View{}, &MachineError{Message: "no machine capacity available, try again later", Err: err}
	}

	secret := o.secrets.Derive(cfg.SecretPrefix, contest, challenge, principal.OwnerKey(), cfg.SecretSalt)

	inst := Instance{
		ID:            uuid.NewString(),
		Contest:       contest,
		Challenge:     challenge,
		UserID:        principal.UserID,
		TeamID:        principal.TeamID,
		Host:          o.host,
		Port:          port,
		DynamicSecret: secret,
		Status:        StatusRunning,
		CreatedAt:     now,
	}

	containerID, err := o.startContainer(ctx, cfg, inst, secret)
	if err != nil {
		o.releasePort(ctx, port)
		o.recordStartFailure(ctx, inst)
		o.publish(Event{
			Type:      EventFailed,
			Contest:   contest,
			Challenge: challenge,
			Port:      port,
			Status:    StatusError,
		})
		return View{}, &MachineError{Message: "machine start failed, try again later", Err: err}
	}

	inst.ContainerID = containerID
	runtimeMinutes := cfg.MaxRuntimeMinutes
	if runtimeMinutes <= 0 {
		runtimeMinutes = defaultRuntimeMinutes
	}
	inst.ExpiresAt = o.clock.Now().Add(time.Duration(runtimeMinutes) * time.Minute)

	if err := o.store.InsertRunning(ctx, inst, cfg.MaxInstances()); err != nil {
		// Lost the duplicate-start race (or the store failed): the container
		// must not outlive the record that never existed.
		o.stopContainer(ctx, containerID)
		o.releasePort(ctx, port)
		return View{}, err
	}

	slog.Info("machine started",
		"machine_id", inst.ID,
		"contest", contest,
		"challenge", challenge,
		"user_id", principal.UserID,
		"team_id", principal.TeamID,
		"container_id", containerID,
		"port", port)

	o.publish(Event{
		Type:      EventStarted,
		Contest:   contest,
		Challenge: challenge,
		MachineID: inst.ID,
		Status:    StatusRunning,
		Host:      inst.Host,
		Port:      port,
		UserID:    principal.UserID,
		TeamID:    principal.TeamID,
	})
	o.publishStatus(inst, "")

	return NewView(inst, cfg, o.clock.Now(), o.host), nil
}

// Stop reclaims an instance on behalf of its owner or an admin. Stopping an
// already-terminal instance is a no-op returning the current record.
func (o *Orchestrator) Stop(ctx context.Context, actor Actor, id string) (View, error) {
	inst, err := o.store.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	if err := o.authorize.CanManage(ctx, actor, inst); err != nil {
		return View{}, err
	}
	if inst.Status.Terminal() {
		return o.view(ctx, inst), nil
	}
	reclaimed, err := o.reclaim(ctx, inst, "")
	if err != nil {
		return View{}, err
	}
	return o.view(ctx, reclaimed), nil
}

// Reap performs the administrative stop the expiration sweep uses. It skips
// authorization and tags the stop event with the cleanup reason.
func (o *Orchestrator) Reap(ctx context.Context, inst Instance) error {
	if inst.Status.Terminal() {
		return nil
	}
	_, err := o.reclaim(ctx, inst, ReasonExpiredCleanup)
	return err
}

// Extend pushes an instance's expiry out. minutes <= 0 selects the config
// default. Extension is rejected when the config forbids it, the cap is
// reached, or the instance is not yet close enough to expiry.
func (o *Orchestrator) Extend(ctx context.Context, actor Actor, id string, minutes int) (View, error) {
	inst, err := o.store.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	if err := o.authorize.CanManage(ctx, actor, inst); err != nil {
		return View{}, err
	}
	if inst.Status != StatusRunning {
		return View{}, &MachineError{Message: "only a running machine can be extended"}
	}

	cfg, err := o.config(ctx, inst)
	if err != nil {
		return View{}, err
	}
	if cfg == nil {
		return View{}, &MachineError{Message: fmt.Sprintf("challenge %q has no machine config", inst.Challenge)}
	}

	if cfg.ExtendMaxTimes == 0 {
		return View{}, &MachineError{Message: "extension is not allowed for this challenge"}
	}
	if cfg.ExtendMaxTimes > 0 && inst.ExtendCount >= cfg.ExtendMaxTimes {
		return View{}, &MachineError{Message: "maximum number of extensions reached"}
	}

	if minutes <= 0 {
		minutes = cfg.ExtendMinutesDefault
	}
	if minutes <= 0 {
		minutes = defaultExtendMinutes
	}

	now := o.clock.Now()
	if cfg.ExtendThresholdMinutes > 0 {
		threshold := time.Duration(cfg.ExtendThresholdMinutes) * time.Minute
		if inst.ExpiresAt.Sub(now) > threshold {
			return View{}, &MachineError{Message: fmt.Sprintf(
				"extension opens once less than %d minutes remain", cfg.ExtendThresholdMinutes)}
		}
	}

	updated, err := o.store.ExtendRunning(ctx, id, inst.ExtendCount, inst.ExpiresAt.Add(time.Duration(minutes)*time.Minute))
	if err != nil {
		return View{}, err
	}

	slog.Info("machine extended",
		"machine_id", updated.ID,
		"extend_count", updated.ExtendCount,
		"expires_at", updated.ExpiresAt)
	o.publishStatus(updated, ReasonExtended)

	return NewView(updated, cfg, now, o.host), nil
}

// Get returns the instance view for display.
func (o *Orchestrator) Get(ctx context.Context, actor Actor, id string) (View, error) {
	inst, err := o.store.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	if err := o.authorize.CanManage(ctx, actor, inst); err != nil {
		return View{}, err
	}
	return o.view(ctx, inst), nil
}

// VerifySecret checks a submitted token against the deterministic derivation
// for (contest, challenge, owner).
func (o *Orchestrator) VerifySecret(ctx context.Context, principal Principal, contest, challenge, submitted string) (bool, error) {
	ch, err := o.challenges.Challenge(ctx, contest, challenge)
	if err != nil {
		return false, err
	}
	if ch.Config == nil {
		return false, &MachineError{Message: fmt.Sprintf("challenge %q has no machine config", challenge)}
	}
	cfg := ch.Config
	return o.secrets.Verify(strings.TrimSpace(submitted), cfg.SecretPrefix, contest, challenge, principal.OwnerKey(), cfg.SecretSalt), nil
}

// reclaim is the shared stop path: stop the container, mark the record
// terminal, release the port, and emit machine_stopped. A runtime stop
// failure is logged and the record is reclaimed as ERROR; a port is never
// left bound to a dead container.
func (o *Orchestrator) reclaim(ctx context.Context, inst Instance, reason string) (Instance, error) {
	status := StatusStopped
	if inst.ContainerID != "" {
		if err := o.stopContainer(ctx, inst.ContainerID); err != nil {
			slog.Warn("runtime stop failed, reclaiming record anyway",
				"machine_id", inst.ID,
				"container_id", inst.ContainerID,
				"err", err)
			status = StatusError
		}
	}

	port := inst.Port
	updated, err := o.store.MarkReclaimed(ctx, inst.ID, status)
	if err != nil {
		return Instance{}, err
	}
	o.releasePort(ctx, port)

	slog.Info("machine stopped",
		"machine_id", inst.ID,
		"contest", inst.Contest,
		"challenge", inst.Challenge,
		"status", updated.Status,
		"reason", reason,
		"port", port)

	o.publish(Event{
		Type:      EventStopped,
		Contest:   inst.Contest,
		Challenge: inst.Challenge,
		MachineID: inst.ID,
		Status:    updated.Status,
		Host:      inst.Host,
		Port:      port,
		UserID:    inst.UserID,
		TeamID:    inst.TeamID,
		Reason:    reason,
	})
	return updated, nil
}

func (o *Orchestrator) startContainer(ctx context.Context, cfg *Config, inst Instance, secret string) (string, error) {
	env := make(map[string]string, len(cfg.Environment)+1)
	for k, v := range cfg.Environment {
		env[k] = v
	}
	env[secretEnvKey] = secret

	startCtx, cancel := context.WithTimeout(ctx, o.startTimeout)
	defer cancel()

	return o.runtime.Start(startCtx, StartSpec{
		Image:         cfg.Image,
		Name:          containerName(inst),
		HostPort:      inst.Port,
		ContainerPort: cfg.ContainerPort,
		Env:           env,
		Network:       o.network,
	})
}

func (o *Orchestrator) stopContainer(ctx context.Context, containerID string) error {
	// Stop must make progress even when the caller's context is already
	// gone, otherwise a canceled request leaks a container.
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.stopTimeout)
	defer cancel()
	return o.runtime.Stop(stopCtx, containerID)
}

func (o *Orchestrator) recordStartFailure(ctx context.Context, inst Instance) {
	inst.Status = StatusError
	inst.Port = 0
	if err := o.store.InsertError(ctx, inst); err != nil {
		slog.Warn("persist error record", "machine_id", inst.ID, "err", err)
	}
}

func (o *Orchestrator) releasePort(ctx context.Context, port int) {
	if port == 0 {
		return
	}
	if err := o.ports.Release(context.WithoutCancel(ctx), port); err != nil {
		slog.Warn("release port", "port", port, "err", err)
	}
}

func (o *Orchestrator) config(ctx context.Context, inst Instance) (*Config, error) {
	ch, err := o.challenges.Challenge(ctx, inst.Contest, inst.Challenge)
	if err != nil {
		return nil, err
	}
	return ch.Config, nil
}

func (o *Orchestrator) view(ctx context.Context, inst Instance) View {
	cfg, err := o.config(ctx, inst)
	if err != nil {
		cfg = nil
	}
	return NewView(inst, cfg, o.clock.Now(), o.host)
}

func (o *Orchestrator) publish(ev Event) {
	if o.notifier == nil {
		return
	}
	o.notifier.Publish(ev)
}

func (o *Orchestrator) publishStatus(inst Instance, reason string) {
	o.publish(Event{
		Type:      EventStatus,
		Contest:   inst.Contest,
		Challenge: inst.Challenge,
		MachineID: inst.ID,
		Status:    inst.Status,
		Host:      inst.Host,
		Port:      inst.Port,
		UserID:    inst.UserID,
		TeamID:    inst.TeamID,
		Reason:    reason,
	})
}

func containerName(inst Instance) string {
	short := inst.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("ctf-%s-%s-%s", inst.Contest, inst.Challenge, short)
}
