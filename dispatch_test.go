package legion

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/legionhq/legion/bus"
	"github.com/legionhq/legion/runtime"
)

// testResponder drains an instance's task queue and answers with the
// given reply builder. A nil builder swallows tasks silently.
func testResponder(ctx context.Context, b bus.Bus, instanceID string, build func(env *Envelope) *Reply, seen chan<- *Envelope) {
	go func() {
		for {
			msg, err := b.Pop(ctx, bus.TaskQueue(instanceID), 50*time.Millisecond)
			if err != nil || ctx.Err() != nil {
				return
			}
			if msg == nil {
				continue
			}
			var env Envelope
			if json.Unmarshal(msg, &env) != nil {
				continue
			}
			if seen != nil {
				seen <- &env
			}
			if build == nil {
				continue
			}
			data, _ := json.Marshal(build(&env))
			b.Push(ctx, bus.ResultQueue(), data)
		}
	}()
}

type dispatchHarness struct {
	bus        bus.Bus
	lifecycle  *Lifecycle
	dispatcher *Dispatcher
	ctx        context.Context
}

// newDispatchHarness wires a memory bus, a fake runtime whose workers
// respond per build, and a dispatcher around them.
func newDispatchHarness(t *testing.T, build func(env *Envelope) *Reply, seen chan<- *Envelope) *dispatchHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	b := bus.NewMemory()
	fr := &fakeRuntime{}
	lc := NewLifecycle(fr, LifecycleConfig{SweepInterval: 10 * time.Millisecond})
	fr.mu.Lock()
	fr.onCreate = func(spec runtime.Spec) {
		lc.Heartbeat(spec.InstanceID)
		testResponder(ctx, b, spec.InstanceID, build, seen)
	}
	fr.mu.Unlock()
	d := NewDispatcher(b, lc)

	t.Cleanup(func() {
		cancel()
		d.Close()
		lc.Close(context.Background())
		b.Close()
	})
	return &dispatchHarness{bus: b, lifecycle: lc, dispatcher: d, ctx: ctx}
}

func echoReply(env *Envelope) *Reply {
	return &Reply{
		CorrelationID: env.CorrelationID,
		Status:        ReplySuccess,
		Result:        "echo:" + env.Profile,
		Timestamp:     time.Now(),
	}
}

func TestDispatchRoundTrip(t *testing.T) {
	h := newDispatchHarness(t, echoReply, nil)
	task := NewTask("g", 5)

	reply, err := h.dispatcher.Dispatch(context.Background(), task, ephemeralProfile("analyst"), map[string]any{"tool": "echo"}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Status != ReplySuccess || reply.Result != "echo:analyst" {
		t.Errorf("reply = %+v", reply)
	}
	if h.dispatcher.Outstanding() != 0 {
		t.Errorf("outstanding = %d, want 0", h.dispatcher.Outstanding())
	}

	// The instance returns to idle once the reply resolves.
	waitFor(t, time.Second, func() bool {
		infos := h.lifecycle.Instances()
		return len(infos) == 1 && infos[0].State == StateIdle
	}, "instance should be idle after a resolved dispatch")
}

func TestDispatchErrorReplyStillResolves(t *testing.T) {
	h := newDispatchHarness(t, func(env *Envelope) *Reply {
		return &Reply{CorrelationID: env.CorrelationID, Status: ReplyError, ErrorDetail: "tool blew up", Timestamp: time.Now()}
	}, nil)
	task := NewTask("g", 5)

	reply, err := h.dispatcher.Dispatch(context.Background(), task, ephemeralProfile("analyst"), map[string]any{"tool": "echo"}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Status != ReplyError || reply.ErrorDetail != "tool blew up" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestDispatchTimeoutMarksSuspect(t *testing.T) {
	h := newDispatchHarness(t, nil, nil) // worker never answers
	task := NewTask("g", 5)

	_, err := h.dispatcher.Dispatch(context.Background(), task, ephemeralProfile("analyst"), map[string]any{"tool": "echo"}, 50*time.Millisecond)
	if !errors.Is(err, ErrDispatchTimeout) {
		t.Fatalf("err = %v, want ErrDispatchTimeout", err)
	}
	var te *TaskError
	if !errors.As(err, &te) || te.TaskID != task.ID {
		t.Errorf("timeout should be attributed to the task: %v", err)
	}

	infos := h.lifecycle.Instances()
	if len(infos) != 1 || !infos[0].Suspect {
		t.Errorf("instance should be suspect: %+v", infos)
	}
	if h.dispatcher.Outstanding() != 0 {
		t.Errorf("outstanding = %d, want 0 after timeout", h.dispatcher.Outstanding())
	}
}

func TestLateReplyFreesInstance(t *testing.T) {
	seen := make(chan *Envelope, 1)
	h := newDispatchHarness(t, nil, seen)
	task := NewTask("g", 5)

	_, err := h.dispatcher.Dispatch(context.Background(), task, ephemeralProfile("analyst"), map[string]any{"tool": "echo"}, 50*time.Millisecond)
	if !errors.Is(err, ErrDispatchTimeout) {
		t.Fatal(err)
	}

	env := <-seen
	data, _ := json.Marshal(&Reply{CorrelationID: env.CorrelationID, Status: ReplySuccess, Result: "late", Timestamp: time.Now()})
	if err := h.bus.Push(context.Background(), bus.ResultQueue(), data); err != nil {
		t.Fatal(err)
	}

	// The late reply is never delivered, but it must recover the worker.
	waitFor(t, time.Second, func() bool {
		infos := h.lifecycle.Instances()
		return len(infos) == 1 && infos[0].State == StateIdle && !infos[0].Suspect
	}, "late reply should free the suspect instance")
}

func TestDispatchCancellation(t *testing.T) {
	seen := make(chan *Envelope, 1)
	h := newDispatchHarness(t, nil, seen)
	task := NewTask("g", 5)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-seen
		cancel()
	}()

	_, err := h.dispatcher.Dispatch(ctx, task, ephemeralProfile("analyst"), map[string]any{"tool": "echo"}, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if h.dispatcher.Outstanding() != 0 {
		t.Errorf("outstanding = %d, want 0 after cancel", h.dispatcher.Outstanding())
	}
}

func TestUnknownReplyDiscarded(t *testing.T) {
	h := newDispatchHarness(t, echoReply, nil)

	data, _ := json.Marshal(&Reply{CorrelationID: "never-issued", Status: ReplySuccess, Timestamp: time.Now()})
	if err := h.bus.Push(context.Background(), bus.ResultQueue(), data); err != nil {
		t.Fatal(err)
	}

	// A stray reply must not break subsequent dispatches.
	task := NewTask("g", 5)
	reply, err := h.dispatcher.Dispatch(context.Background(), task, ephemeralProfile("analyst"), map[string]any{"tool": "echo"}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Status != ReplySuccess {
		t.Errorf("reply = %+v", reply)
	}
}

func TestDispatchReusesRecoveredWorker(t *testing.T) {
	h := newDispatchHarness(t, echoReply, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		task := NewTask("g", 5)
		if _, err := h.dispatcher.Dispatch(ctx, task, ephemeralProfile("analyst"), map[string]any{"tool": "echo"}, time.Second); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}

	if n := len(h.lifecycle.Instances()); n != 1 {
		t.Errorf("instances = %d, want 1 reused worker", n)
	}
}
