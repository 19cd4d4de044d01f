package legion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/legionhq/legion/bus"
)

// DefaultDispatchTimeout bounds a dispatch when the caller does not
// give one.
const DefaultDispatchTimeout = 2 * time.Minute

// orphanTTL is how long a timed-out or cancelled correlation id is
// remembered so a late reply can still free its instance.
const orphanTTL = 10 * time.Minute

// correlation is one outstanding dispatch awaiting its reply.
type correlation struct {
	id          string
	taskID      string
	instanceID  string
	submittedAt time.Time
	replyCh     chan *Reply // buffered 1, written exactly once
}

type orphan struct {
	instanceID string
	at         time.Time
}

// Dispatcher sends work envelopes to worker instances and correlates
// replies back to waiting callers. Every dispatch gets a fresh
// correlation id; a reply resolves it exactly once, and replies with
// no live correlation are either orphan recoveries or discards.
type Dispatcher struct {
	bus       bus.Bus
	lifecycle *Lifecycle

	mu      sync.Mutex
	records map[string]*correlation // correlation id -> record
	pairs   map[string]string       // taskID+"/"+instanceID -> correlation id
	orphans map[string]orphan       // correlation id -> late-reply recovery

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher and starts its reply pump.
func NewDispatcher(b bus.Bus, lc *Lifecycle) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		bus:       b,
		lifecycle: lc,
		records:   make(map[string]*correlation),
		pairs:     make(map[string]string),
		orphans:   make(map[string]orphan),
		ctx:       ctx,
		cancel:    cancel,
	}
	d.wg.Add(1)
	go d.pump()
	return d
}

func pairKey(taskID, instanceID string) string {
	return taskID + "/" + instanceID
}

// Dispatch acquires a worker for the profile, sends it the payload,
// and blocks until the reply, the timeout, or ctx cancellation. On
// timeout the instance is marked suspect and ErrDispatchTimeout is
// returned; a reply that lands later frees the instance but is never
// delivered. There is no automatic retry.
func (d *Dispatcher) Dispatch(ctx context.Context, task *Task, profile *Profile, payload map[string]any, timeout time.Duration) (*Reply, error) {
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}

	corrID := uuid.New().String()
	inst, err := d.lifecycle.Acquire(ctx, profile, corrID, task.ID)
	if err != nil {
		return nil, &TaskError{TaskID: task.ID, Err: err}
	}

	rec := &correlation{
		id:          corrID,
		taskID:      task.ID,
		instanceID:  inst.ID,
		submittedAt: time.Now(),
		replyCh:     make(chan *Reply, 1),
	}

	d.mu.Lock()
	key := pairKey(task.ID, inst.ID)
	if _, exists := d.pairs[key]; exists {
		d.mu.Unlock()
		d.lifecycle.Release(inst.ID)
		return nil, &TaskError{TaskID: task.ID, Err: fmt.Errorf("%w: instance %s", ErrCorrelationOutstanding, inst.ID)}
	}
	d.records[corrID] = rec
	d.pairs[key] = corrID
	d.mu.Unlock()

	env := NewTaskEnvelope(corrID, profile.Name, payload)
	data, err := json.Marshal(env)
	if err != nil {
		d.abandon(rec, false)
		d.lifecycle.Release(inst.ID)
		return nil, &TaskError{TaskID: task.ID, Err: fmt.Errorf("marshal envelope: %w", err)}
	}
	if err := d.bus.Push(ctx, bus.TaskQueue(inst.ID), data); err != nil {
		d.abandon(rec, false)
		d.lifecycle.Release(inst.ID)
		return nil, &TaskError{TaskID: task.ID, Err: fmt.Errorf("push task: %w", err)}
	}

	slog.Debug("dispatched",
		"correlation", corrID,
		"task", task.ID,
		"instance", inst.ID,
		"profile", profile.Name)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-rec.replyCh:
		return r, nil
	case <-timer.C:
		if !d.abandon(rec, true) {
			// The reply won the race; it is already in the channel.
			return <-rec.replyCh, nil
		}
		d.lifecycle.MarkSuspect(inst.ID)
		return nil, &TaskError{TaskID: task.ID, Err: fmt.Errorf("%w after %s: instance %s", ErrDispatchTimeout, timeout, inst.ID)}
	case <-ctx.Done():
		if !d.abandon(rec, true) {
			return <-rec.replyCh, nil
		}
		d.lifecycle.MarkSuspect(inst.ID)
		return nil, ctx.Err()
	}
}

// abandon removes a correlation record. With remember set, the id is
// kept as an orphan so a late reply can still free the instance.
// Returns false if the record was already resolved.
func (d *Dispatcher) abandon(rec *correlation, remember bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.records[rec.id]; !ok {
		return false
	}
	delete(d.records, rec.id)
	delete(d.pairs, pairKey(rec.taskID, rec.instanceID))
	if remember {
		d.orphans[rec.id] = orphan{instanceID: rec.instanceID, at: time.Now()}
	}
	return true
}

// Outstanding returns the number of unresolved dispatches.
func (d *Dispatcher) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

// pump drains the shared reply queue and resolves correlations.
func (d *Dispatcher) pump() {
	defer d.wg.Done()
	lastPrune := time.Now()
	for {
		if d.ctx.Err() != nil {
			return
		}
		msg, err := d.bus.Pop(d.ctx, bus.ResultQueue(), 2*time.Second)
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			slog.Warn("reply pop failed", "error", err)
			continue
		}
		if msg != nil {
			var r Reply
			if err := json.Unmarshal(msg, &r); err != nil {
				slog.Warn("malformed reply discarded", "error", err)
			} else {
				d.resolve(&r)
			}
		}
		if time.Since(lastPrune) > time.Minute {
			d.pruneOrphans()
			lastPrune = time.Now()
		}
	}
}

// resolve delivers a reply to its waiting dispatch exactly once. A
// reply either resolves a live record, frees an orphaned instance, or
// is discarded.
func (d *Dispatcher) resolve(r *Reply) {
	d.mu.Lock()
	rec, live := d.records[r.CorrelationID]
	if live {
		delete(d.records, r.CorrelationID)
		delete(d.pairs, pairKey(rec.taskID, rec.instanceID))
	}
	orph, orphaned := d.orphans[r.CorrelationID]
	if orphaned {
		delete(d.orphans, r.CorrelationID)
	}
	d.mu.Unlock()

	switch {
	case live:
		d.lifecycle.Release(rec.instanceID)
		rec.replyCh <- r
	case orphaned:
		slog.Info("late reply freed instance",
			"correlation", r.CorrelationID,
			"instance", orph.instanceID)
		d.lifecycle.Release(orph.instanceID)
	default:
		slog.Debug("reply with no correlation discarded", "correlation", r.CorrelationID)
	}
}

func (d *Dispatcher) pruneOrphans() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, o := range d.orphans {
		if time.Since(o.at) > orphanTTL {
			delete(d.orphans, id)
		}
	}
}

// Close stops the reply pump.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
