package legion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/legionhq/legion/runtime"
)

// InstanceState is a worker instance lifecycle state.
type InstanceState string

const (
	StateCreating InstanceState = "creating"
	StateIdle     InstanceState = "idle"
	StateBusy     InstanceState = "busy"
	StateStopping InstanceState = "stopping"
	StateStopped  InstanceState = "stopped"
	StateError    InstanceState = "error"
)

// lifecycleTransitions is the closed set of legal state transitions.
// StateError is additionally reachable from any non-terminal state.
var lifecycleTransitions = map[InstanceState][]InstanceState{
	StateCreating: {StateIdle, StateError},
	StateIdle:     {StateBusy, StateStopping, StateError},
	StateBusy:     {StateIdle, StateStopping, StateError},
	StateError:    {StateStopping},
	StateStopping: {StateStopped},
}

func transitionLegal(from, to InstanceState) bool {
	for _, t := range lifecycleTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// lifecyclePolicy decides how an instance participates in capacity
// counting and idle eviction. Selected once at creation time from the
// profile's persistence flag.
type lifecyclePolicy interface {
	countsAgainstCapacity() bool
	idleEvictable() bool
}

type ephemeralPolicy struct{}

func (ephemeralPolicy) countsAgainstCapacity() bool { return true }
func (ephemeralPolicy) idleEvictable() bool         { return true }

type persistentPolicy struct{}

func (persistentPolicy) countsAgainstCapacity() bool { return false }
func (persistentPolicy) idleEvictable() bool         { return false }

func policyFor(p *Profile) lifecyclePolicy {
	if p.Persistent {
		return persistentPolicy{}
	}
	return ephemeralPolicy{}
}

// Instance is a running (or starting/stopping) realization of a
// Profile. All mutable fields are guarded by the owning Lifecycle's
// mutex; other components read instances through InstanceInfo
// snapshots.
type Instance struct {
	ID          string
	ContainerID string
	Profile     *Profile

	state         InstanceState
	assignment    string // outstanding correlation id, "" when unassigned
	taskID        string
	suspect       bool
	suspectAt     time.Time
	lastHeartbeat time.Time
	lastActive    time.Time
	createdAt     time.Time
	policy        lifecyclePolicy
}

// InstanceInfo is a point-in-time snapshot of an instance.
type InstanceInfo struct {
	ID            string
	ContainerID   string
	Profile       string
	State         InstanceState
	Assignment    string
	TaskID        string
	Suspect       bool
	LastHeartbeat time.Time
	CreatedAt     time.Time
}

// Default lifecycle configuration values.
const (
	DefaultMaxWorkers       = 5
	DefaultIdleTimeout      = 10 * time.Minute
	DefaultHeartbeatTimeout = 5 * time.Minute
	DefaultCreationTimeout  = 60 * time.Second
	DefaultAcquireWait      = 30 * time.Second
	DefaultSuspectGrace     = 30 * time.Second
	DefaultSweepInterval    = 15 * time.Second
)

// LifecycleConfig tunes the lifecycle manager.
type LifecycleConfig struct {
	// MaxWorkers caps live ephemeral instances. Persistent instances do
	// not count.
	MaxWorkers int

	// IdleTimeout evicts ephemeral instances idle longer than this.
	IdleTimeout time.Duration

	// HeartbeatTimeout marks an instance failed when no heartbeat
	// arrives within it.
	HeartbeatTimeout time.Duration

	// CreationTimeout bounds container start plus first heartbeat.
	CreationTimeout time.Duration

	// AcquireWait bounds how long Acquire blocks for capacity.
	AcquireWait time.Duration

	// SuspectGrace is how long a suspect instance may stay silent after
	// a dispatch timeout before it is declared failed.
	SuspectGrace time.Duration

	// SweepInterval is the period of the background lifecycle checks.
	SweepInterval time.Duration
}

func (c LifecycleConfig) withDefaults() LifecycleConfig {
	if c.MaxWorkers == 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.CreationTimeout == 0 {
		c.CreationTimeout = DefaultCreationTimeout
	}
	if c.AcquireWait == 0 {
		c.AcquireWait = DefaultAcquireWait
	}
	if c.SuspectGrace == 0 {
		c.SuspectGrace = DefaultSuspectGrace
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// Lifecycle owns every worker instance: creation, health, idling,
// eviction, and forced termination. No other component mutates
// instance state.
type Lifecycle struct {
	cfg LifecycleConfig
	rt  runtime.Runtime

	mu        sync.Mutex
	instances map[string]*Instance
	freed     chan struct{} // closed and replaced whenever capacity frees

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLifecycle creates a lifecycle manager and starts its sweeper.
func NewLifecycle(rt runtime.Runtime, cfg LifecycleConfig) *Lifecycle {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Lifecycle{
		cfg:       cfg.withDefaults(),
		rt:        rt,
		instances: make(map[string]*Instance),
		freed:     make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	l.wg.Add(1)
	go l.sweep()
	return l
}

// transition moves an instance to a new state, enforcing legality.
// Caller holds l.mu.
func (l *Lifecycle) transition(inst *Instance, to InstanceState) error {
	if !transitionLegal(inst.state, to) {
		return &TransitionError{InstanceID: inst.ID, From: inst.state, To: to}
	}
	slog.Debug("instance transition",
		"instance", inst.ID,
		"profile", inst.Profile.Name,
		"from", inst.state,
		"to", to)
	inst.state = to
	return nil
}

// wake releases every goroutine blocked in Acquire. Caller holds l.mu.
func (l *Lifecycle) wake() {
	close(l.freed)
	l.freed = make(chan struct{})
}

// countCapped counts live instances whose policy counts against the
// cap. Caller holds l.mu.
func (l *Lifecycle) countCapped() int {
	n := 0
	for _, inst := range l.instances {
		if inst.policy.countsAgainstCapacity() &&
			inst.state != StateStopping && inst.state != StateStopped {
			n++
		}
	}
	return n
}

// idleFor finds an unclaimed idle instance of the profile. Caller holds l.mu.
func (l *Lifecycle) idleFor(profile string) *Instance {
	for _, inst := range l.instances {
		if inst.state == StateIdle && !inst.suspect && inst.Profile.Name == profile {
			return inst
		}
	}
	return nil
}

// Acquire resolves a worker instance for the profile and attaches the
// correlation id, transitioning it IDLE -> BUSY. If no instance is
// idle and capacity allows, a fresh one is created. When the pool is
// full, Acquire blocks until an instance frees or the acquire wait
// window elapses, in which case it returns ErrWorkerUnavailable.
func (l *Lifecycle) Acquire(ctx context.Context, profile *Profile, correlationID, taskID string) (*Instance, error) {
	deadline := time.NewTimer(l.cfg.AcquireWait)
	defer deadline.Stop()

	for {
		l.mu.Lock()
		if inst := l.idleFor(profile.Name); inst != nil {
			if err := l.transition(inst, StateBusy); err != nil {
				l.mu.Unlock()
				return nil, err
			}
			inst.assignment = correlationID
			inst.taskID = taskID
			inst.lastActive = time.Now()
			l.mu.Unlock()
			return inst, nil
		}
		fresh := l.reserve(profile)
		freed := l.freed
		l.mu.Unlock()

		if fresh != nil {
			if err := l.start(ctx, fresh); err != nil {
				return nil, err
			}
			l.mu.Lock()
			if err := l.transition(fresh, StateBusy); err != nil {
				// Claimed by a concurrent Acquire; go around again.
				l.mu.Unlock()
				continue
			}
			fresh.assignment = correlationID
			fresh.taskID = taskID
			fresh.lastActive = time.Now()
			l.mu.Unlock()
			return fresh, nil
		}

		select {
		case <-freed:
			// An instance freed or was evicted; retry.
		case <-deadline.C:
			return nil, fmt.Errorf("%w: pool full for profile %s", ErrWorkerUnavailable, profile.Name)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Provision creates an instance and leaves it IDLE without attaching
// work. Used when assembling collaboration groups. Capacity rules are
// the same as Acquire's: when the pool is full, Provision blocks until
// an instance frees or the acquire wait window elapses.
func (l *Lifecycle) Provision(ctx context.Context, profile *Profile) (*Instance, error) {
	deadline := time.NewTimer(l.cfg.AcquireWait)
	defer deadline.Stop()

	for {
		l.mu.Lock()
		inst := l.reserve(profile)
		freed := l.freed
		l.mu.Unlock()

		if inst != nil {
			if err := l.start(ctx, inst); err != nil {
				return nil, err
			}
			return inst, nil
		}

		select {
		case <-freed:
		case <-deadline.C:
			return nil, fmt.Errorf("%w: pool full for profile %s", ErrWorkerUnavailable, profile.Name)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// reserve claims a pool slot by registering a CREATING placeholder,
// which countCapped sees immediately. The capacity check and the
// registration share one critical section so concurrent callers cannot
// overshoot the cap. Returns nil when the pool is full. Caller holds
// l.mu.
func (l *Lifecycle) reserve(profile *Profile) *Instance {
	policy := policyFor(profile)
	if policy.countsAgainstCapacity() && l.countCapped() >= l.cfg.MaxWorkers {
		return nil
	}
	inst := &Instance{
		ID:        uuid.New().String()[:8],
		Profile:   profile,
		state:     StateCreating,
		createdAt: time.Now(),
		policy:    policy,
	}
	l.instances[inst.ID] = inst
	return inst
}

// start brings a reserved instance up and transitions it to IDLE: the
// runtime must report the container alive and a first heartbeat must
// arrive within the creation timeout.
func (l *Lifecycle) start(ctx context.Context, inst *Instance) error {
	profile := inst.Profile
	createCtx, cancel := context.WithTimeout(ctx, l.cfg.CreationTimeout)
	defer cancel()

	containerID, err := l.rt.Create(createCtx, runtime.Spec{
		InstanceID: inst.ID,
		Profile:    profile.Name,
		Image:      profile.Resources.Image,
		Memory:     profile.Resources.Memory,
		CPUs:       profile.Resources.CPUs,
	})
	if err != nil {
		l.fail(inst, fmt.Sprintf("runtime create: %v", err))
		return fmt.Errorf("%w: %v", ErrWorkerCreationFailed, err)
	}

	l.mu.Lock()
	inst.ContainerID = containerID
	l.mu.Unlock()

	if err := l.awaitFirstHeartbeat(createCtx, inst); err != nil {
		l.fail(inst, "no heartbeat within creation timeout")
		return fmt.Errorf("%w: %v", ErrWorkerCreationFailed, err)
	}

	alive, err := l.rt.Alive(ctx, containerID)
	if err != nil || !alive {
		l.fail(inst, "container not alive after first heartbeat")
		return fmt.Errorf("%w: container %s not alive", ErrWorkerCreationFailed, containerID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.transition(inst, StateIdle); err != nil {
		return err
	}
	inst.lastActive = time.Now()
	return nil
}

func (l *Lifecycle) awaitFirstHeartbeat(ctx context.Context, inst *Instance) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		l.mu.Lock()
		seen := !inst.lastHeartbeat.IsZero()
		l.mu.Unlock()
		if seen {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// fail moves an instance to ERROR from whatever non-terminal state it
// is in. The sweeper tears it down; a replacement is created fresh on
// the next Acquire.
func (l *Lifecycle) fail(inst *Instance, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if inst.state == StateStopping || inst.state == StateStopped || inst.state == StateError {
		return
	}
	slog.Warn("instance failed",
		"instance", inst.ID,
		"profile", inst.Profile.Name,
		"state", inst.state,
		"reason", reason)
	inst.state = StateError
	inst.assignment = ""
	inst.taskID = ""
}

// Release resolves an instance's assignment after a successful reply
// and returns it to IDLE. The reply doubles as a heartbeat.
func (l *Lifecycle) Release(instanceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst, ok := l.instances[instanceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	inst.assignment = ""
	inst.taskID = ""
	inst.suspect = false
	inst.lastHeartbeat = time.Now()
	inst.lastActive = time.Now()
	if inst.state == StateBusy {
		if err := l.transition(inst, StateIdle); err != nil {
			return err
		}
		l.wake()
	}
	return nil
}

// MarkSuspect records a dispatch timeout against an instance. The
// instance stays BUSY; a later heartbeat recovers it to IDLE, while
// continued silence past the suspect grace drives it to ERROR.
func (l *Lifecycle) MarkSuspect(instanceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst, ok := l.instances[instanceID]
	if !ok {
		return
	}
	inst.assignment = ""
	inst.taskID = ""
	inst.suspect = true
	inst.suspectAt = time.Now()
	slog.Warn("instance marked suspect", "instance", inst.ID, "profile", inst.Profile.Name)
}

// Heartbeat records liveness for an instance. A heartbeat from a
// resolved BUSY instance completes its return to IDLE.
func (l *Lifecycle) Heartbeat(instanceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst, ok := l.instances[instanceID]
	if !ok {
		return
	}
	inst.lastHeartbeat = time.Now()
	inst.suspect = false
	if inst.state == StateBusy && inst.assignment == "" {
		if err := l.transition(inst, StateIdle); err == nil {
			l.wake()
		}
	}
}

// Stop explicitly stops an instance regardless of policy.
func (l *Lifecycle) Stop(ctx context.Context, instanceID string) error {
	l.mu.Lock()
	inst, ok := l.instances[instanceID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	if err := l.transition(inst, StateStopping); err != nil {
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	l.teardown(ctx, inst)
	return nil
}

// teardown stops the container and removes the instance from the pool.
// The instance must already be in StateStopping.
func (l *Lifecycle) teardown(ctx context.Context, inst *Instance) {
	if inst.ContainerID != "" {
		if err := l.rt.Stop(ctx, inst.ContainerID); err != nil {
			slog.Warn("container stop failed", "instance", inst.ID, "error", err)
		}
	}
	l.mu.Lock()
	inst.state = StateStopped
	delete(l.instances, inst.ID)
	l.wake()
	l.mu.Unlock()
	slog.Debug("instance stopped", "instance", inst.ID, "profile", inst.Profile.Name)
}

// Instances returns a snapshot of every tracked instance.
func (l *Lifecycle) Instances() []InstanceInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]InstanceInfo, 0, len(l.instances))
	for _, inst := range l.instances {
		out = append(out, InstanceInfo{
			ID:            inst.ID,
			ContainerID:   inst.ContainerID,
			Profile:       inst.Profile.Name,
			State:         inst.state,
			Assignment:    inst.assignment,
			TaskID:        inst.taskID,
			Suspect:       inst.suspect,
			LastHeartbeat: inst.lastHeartbeat,
			CreatedAt:     inst.createdAt,
		})
	}
	return out
}

// Info returns a snapshot of one instance.
func (l *Lifecycle) Info(instanceID string) (InstanceInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst, ok := l.instances[instanceID]
	if !ok {
		return InstanceInfo{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	return InstanceInfo{
		ID:            inst.ID,
		ContainerID:   inst.ContainerID,
		Profile:       inst.Profile.Name,
		State:         inst.state,
		Assignment:    inst.assignment,
		TaskID:        inst.taskID,
		Suspect:       inst.suspect,
		LastHeartbeat: inst.lastHeartbeat,
		CreatedAt:     inst.createdAt,
	}, nil
}

// sweep runs the periodic lifecycle checks: idle eviction, stale
// heartbeats, suspect grace expiry, and ERROR teardown.
func (l *Lifecycle) sweep() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.sweepOnce()
		}
	}
}

func (l *Lifecycle) sweepOnce() {
	now := time.Now()
	var victims []*Instance

	l.mu.Lock()
	for _, inst := range l.instances {
		switch inst.state {
		case StateIdle:
			if inst.policy.idleEvictable() && now.Sub(inst.lastActive) > l.cfg.IdleTimeout {
				if l.transition(inst, StateStopping) == nil {
					victims = append(victims, inst)
				}
				continue
			}
			if !inst.lastHeartbeat.IsZero() && now.Sub(inst.lastHeartbeat) > l.cfg.HeartbeatTimeout {
				slog.Warn("instance heartbeat stale", "instance", inst.ID)
				inst.state = StateError
			}
		case StateBusy:
			if inst.suspect && now.Sub(inst.suspectAt) > l.cfg.SuspectGrace {
				slog.Warn("suspect instance silent past grace", "instance", inst.ID)
				inst.state = StateError
				inst.assignment = ""
				inst.taskID = ""
			}
		}
		if inst.state == StateError {
			if l.transition(inst, StateStopping) == nil {
				victims = append(victims, inst)
			}
		}
	}
	l.mu.Unlock()

	for _, inst := range victims {
		l.teardown(l.ctx, inst)
	}
}

// Close stops the sweeper and tears down ephemeral instances.
// Persistent instances keep their containers; they are designed to
// outlive the orchestrator.
func (l *Lifecycle) Close(ctx context.Context) error {
	l.cancel()
	l.wg.Wait()

	l.mu.Lock()
	var victims []*Instance
	for _, inst := range l.instances {
		if inst.Profile.Persistent {
			continue
		}
		if inst.state != StateStopping && inst.state != StateStopped {
			inst.state = StateStopping
			victims = append(victims, inst)
		}
	}
	l.mu.Unlock()

	for _, inst := range victims {
		l.teardown(ctx, inst)
	}
	return nil
}
