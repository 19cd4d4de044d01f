// Package worker implements the agent-side run loop: it drains the
// instance's task queue, executes tools, replies on the shared result
// queue, and publishes heartbeats.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	legion "github.com/legionhq/legion"
	"github.com/legionhq/legion/bus"
)

// DefaultHeartbeatInterval is how often a worker announces liveness.
const DefaultHeartbeatInterval = 15 * time.Second

// Worker executes dispatched tasks for one instance id.
type Worker struct {
	instanceID string
	bus        bus.Bus
	tools      *Registry
	heartbeat  time.Duration
}

// Option configures a Worker.
type Option func(*Worker)

// WithTools replaces the default tool set.
func WithTools(tools ...Tool) Option {
	return func(w *Worker) { w.tools = NewRegistry(tools...) }
}

// WithHeartbeatInterval overrides the heartbeat period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(w *Worker) { w.heartbeat = d }
}

// New creates a worker bound to an instance id.
func New(instanceID string, b bus.Bus, opts ...Option) *Worker {
	w := &Worker{
		instanceID: instanceID,
		bus:        b,
		tools:      NewRegistry(DefaultTools()...),
		heartbeat:  DefaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes tasks until the context is cancelled. The first
// heartbeat goes out immediately so the orchestrator sees the worker
// as ready.
func (w *Worker) Run(ctx context.Context) error {
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go w.heartbeatLoop(hbCtx)

	queue := bus.TaskQueue(w.instanceID)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg, err := w.bus.Pop(ctx, queue, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("task pop failed", "instance", w.instanceID, "error", err)
			continue
		}
		if msg == nil {
			continue
		}
		w.handle(ctx, msg)
	}
}

func (w *Worker) handle(ctx context.Context, msg []byte) {
	var env legion.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		slog.Warn("malformed task discarded", "instance", w.instanceID, "error", err)
		return
	}
	if env.Type != legion.TypeTask || env.CorrelationID == "" {
		slog.Warn("non-task envelope discarded", "instance", w.instanceID, "type", env.Type)
		return
	}

	result, err := w.execute(ctx, env.Payload)
	reply := legion.Reply{
		CorrelationID: env.CorrelationID,
		Status:        legion.ReplySuccess,
		Result:        result,
		Timestamp:     time.Now(),
	}
	if err != nil {
		reply.Status = legion.ReplyError
		reply.ErrorDetail = err.Error()
	}

	data, err := json.Marshal(reply)
	if err != nil {
		slog.Error("marshal reply failed", "instance", w.instanceID, "error", err)
		return
	}
	if err := w.bus.Push(ctx, bus.ResultQueue(), data); err != nil {
		slog.Error("push reply failed", "instance", w.instanceID, "error", err)
	}
}

func (w *Worker) execute(ctx context.Context, payload map[string]any) (string, error) {
	name, _ := payload["tool"].(string)
	if name == "" {
		return "", fmt.Errorf("task payload names no tool")
	}
	tool, ok := w.tools.Get(name)
	if !ok {
		return "", fmt.Errorf("unknown tool %q, have %v", name, w.tools.Names())
	}

	args := make(map[string]any, len(payload))
	for k, v := range payload {
		if k != "tool" {
			args[k] = v
		}
	}
	return tool.Call(ctx, args)
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	w.publishHeartbeat(ctx)
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.publishHeartbeat(ctx)
		}
	}
}

func (w *Worker) publishHeartbeat(ctx context.Context) {
	data, err := json.Marshal(legion.Heartbeat{InstanceID: w.instanceID, At: time.Now()})
	if err != nil {
		return
	}
	if err := w.bus.Publish(ctx, bus.HeartbeatChannel(), data); err != nil {
		slog.Warn("heartbeat publish failed", "instance", w.instanceID, "error", err)
	}
}
