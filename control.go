package legion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/legionhq/legion/archive"
	"github.com/legionhq/legion/bus"
	"github.com/legionhq/legion/llm"
	"github.com/legionhq/legion/runtime"
)

// Control is the orchestrator: it owns the profile registry, the
// worker lifecycle, the dispatcher, and collaboration groups, and
// drives tasks through the reasoning loop.
type Control struct {
	registry   *ProfileRegistry
	lifecycle  *Lifecycle
	dispatcher *Dispatcher
	groups     *Groups
	bus        bus.Bus
	runtime    runtime.Runtime
	decider    llm.Decider
	archive    archive.Store

	defaultResources ResourceTemplate
	defaultBudget    int
	lifecycleCfg     LifecycleConfig
	profileDir       string

	mu      sync.Mutex
	tasks   map[string]*Task
	cancels map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ControlOption configures the orchestrator.
type ControlOption func(*Control)

// WithBus sets the message bus.
func WithBus(b bus.Bus) ControlOption {
	return func(c *Control) { c.bus = b }
}

// WithRuntime sets the container runtime.
func WithRuntime(rt runtime.Runtime) ControlOption {
	return func(c *Control) { c.runtime = rt }
}

// WithDecider sets the reasoning backend.
func WithDecider(d llm.Decider) ControlOption {
	return func(c *Control) { c.decider = d }
}

// WithArchive sets the task archive store.
func WithArchive(s archive.Store) ControlOption {
	return func(c *Control) { c.archive = s }
}

// WithMaxWorkers caps live ephemeral worker instances.
func WithMaxWorkers(n int) ControlOption {
	return func(c *Control) { c.lifecycleCfg.MaxWorkers = n }
}

// WithIdleTimeout sets the idle eviction window for ephemeral workers.
func WithIdleTimeout(d time.Duration) ControlOption {
	return func(c *Control) { c.lifecycleCfg.IdleTimeout = d }
}

// WithLifecycleConfig replaces the whole lifecycle configuration.
func WithLifecycleConfig(cfg LifecycleConfig) ControlOption {
	return func(c *Control) { c.lifecycleCfg = cfg }
}

// WithProfileDir loads profile definitions from a directory of YAML
// files at startup.
func WithProfileDir(dir string) ControlOption {
	return func(c *Control) { c.profileDir = dir }
}

// WithDefaultResources sets the resource template for dynamically
// created profiles.
func WithDefaultResources(r ResourceTemplate) ControlOption {
	return func(c *Control) { c.defaultResources = r }
}

// WithStepBudget sets the default reasoning step budget per task.
func WithStepBudget(n int) ControlOption {
	return func(c *Control) { c.defaultBudget = n }
}

// DefaultStepBudget bounds the reasoning loop when no budget is given.
const DefaultStepBudget = 25

// NewControl assembles an orchestrator. A bus, runtime, and decider
// are required; everything else has defaults.
func NewControl(opts ...ControlOption) (*Control, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Control{
		registry: NewProfileRegistry(),
		tasks:    make(map[string]*Task),
		cancels:  make(map[string]context.CancelFunc),
		defaultResources: ResourceTemplate{
			Image:  runtime.DefaultWorkerImage,
			Memory: 512 * 1024 * 1024,
			CPUs:   1.0,
		},
		defaultBudget: DefaultStepBudget,
		ctx:           ctx,
		cancel:        cancel,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.bus == nil {
		cancel()
		return nil, fmt.Errorf("a message bus is required")
	}
	if c.runtime == nil {
		cancel()
		return nil, fmt.Errorf("a container runtime is required")
	}
	if c.decider == nil {
		cancel()
		return nil, fmt.Errorf("a decider is required")
	}

	if c.profileDir != "" {
		if err := c.registry.LoadDir(c.profileDir); err != nil {
			cancel()
			return nil, fmt.Errorf("load profiles: %w", err)
		}
	}

	c.lifecycle = NewLifecycle(c.runtime, c.lifecycleCfg)
	c.dispatcher = NewDispatcher(c.bus, c.lifecycle)
	c.groups = NewGroups(c.bus)

	if err := c.startHeartbeatPump(); err != nil {
		c.dispatcher.Close()
		c.groups.Close()
		c.lifecycle.Close(context.Background())
		cancel()
		return nil, err
	}

	return c, nil
}

// Registry exposes the profile registry.
func (c *Control) Registry() *ProfileRegistry { return c.registry }

// Instances snapshots the worker pool.
func (c *Control) Instances() []InstanceInfo { return c.lifecycle.Instances() }

// GroupsInfo snapshots live collaboration groups.
func (c *Control) GroupsInfo() []GroupInfo { return c.groups.List() }

// TaskIDs lists the ids of every tracked task.
func (c *Control) TaskIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.tasks))
	for id := range c.tasks {
		out = append(out, id)
	}
	return out
}

// Task returns a task by id.
func (c *Control) Task(id string) (*Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

// startHeartbeatPump fans worker heartbeats into the lifecycle.
func (c *Control) startHeartbeatPump() error {
	sub, err := c.bus.Subscribe(c.ctx, bus.HeartbeatChannel())
	if err != nil {
		return fmt.Errorf("subscribe heartbeats: %w", err)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer sub.Unsubscribe()
		for {
			select {
			case <-c.ctx.Done():
				return
			case data, ok := <-sub.C():
				if !ok {
					return
				}
				var hb Heartbeat
				if err := json.Unmarshal(data, &hb); err != nil {
					slog.Warn("malformed heartbeat discarded", "error", err)
					continue
				}
				c.lifecycle.Heartbeat(hb.InstanceID)
			}
		}
	}()
	return nil
}

// archiveTask persists a terminal task. Archival is best effort; a
// store failure never changes the task outcome.
func (c *Control) archiveTask(t *Task) {
	if c.archive == nil {
		return
	}
	rec := archive.TaskRecord{
		ID:          t.ID,
		Goal:        t.Goal,
		Status:      string(t.Status),
		Result:      t.Result,
		FailReason:  t.FailReason,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
	for _, s := range t.Steps {
		action := ""
		if s.Action != nil {
			if data, err := json.Marshal(s.Action); err == nil {
				action = string(data)
			}
		}
		rec.Steps = append(rec.Steps, archive.StepRecord{
			Seq:         s.Seq,
			Thought:     s.Thought,
			Action:      action,
			Observation: s.Observation,
			At:          s.At,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.archive.SaveTask(ctx, rec); err != nil {
		slog.Warn("task archival failed", "task", t.ID, "error", err)
	}
}

// Shutdown stops the orchestrator: the reply pump, group sweeper, and
// every ephemeral worker. Persistent workers keep running.
func (c *Control) Shutdown(ctx context.Context) error {
	c.cancel()
	c.wg.Wait()
	c.dispatcher.Close()
	c.groups.Close()
	err := c.lifecycle.Close(ctx)
	if c.archive != nil {
		if cerr := c.archive.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
