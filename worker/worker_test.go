package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	legion "github.com/legionhq/legion"
	"github.com/legionhq/legion/bus"
)

func startWorker(t *testing.T) (bus.Bus, string) {
	t.Helper()
	b := bus.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	w := New("w1", b, WithHeartbeatInterval(20*time.Millisecond))
	go w.Run(ctx)
	t.Cleanup(func() {
		cancel()
		b.Close()
	})
	return b, "w1"
}

func popReply(t *testing.T, b bus.Bus) *legion.Reply {
	t.Helper()
	msg, err := b.Pop(context.Background(), bus.ResultQueue(), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil {
		t.Fatal("no reply within timeout")
	}
	var r legion.Reply
	if err := json.Unmarshal(msg, &r); err != nil {
		t.Fatal(err)
	}
	return &r
}

func pushTask(t *testing.T, b bus.Bus, instanceID string, payload map[string]any) string {
	t.Helper()
	env := legion.NewTaskEnvelope("corr-"+instanceID, "analyst", payload)
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Push(context.Background(), bus.TaskQueue(instanceID), data); err != nil {
		t.Fatal(err)
	}
	return env.CorrelationID
}

func TestWorkerExecutesTool(t *testing.T) {
	b, id := startWorker(t)

	corr := pushTask(t, b, id, map[string]any{"tool": "calculator", "expression": "6*7"})

	r := popReply(t, b)
	if r.CorrelationID != corr {
		t.Errorf("correlation = %q, want %q", r.CorrelationID, corr)
	}
	if r.Status != legion.ReplySuccess || r.Result != "42" {
		t.Errorf("reply = %+v", r)
	}
}

func TestWorkerReportsToolError(t *testing.T) {
	b, id := startWorker(t)

	pushTask(t, b, id, map[string]any{"tool": "calculator", "expression": "1/0"})

	r := popReply(t, b)
	if r.Status != legion.ReplyError {
		t.Errorf("status = %v, want error", r.Status)
	}
	if r.ErrorDetail == "" {
		t.Error("error detail should be populated")
	}
}

func TestWorkerRejectsUnknownTool(t *testing.T) {
	b, id := startWorker(t)

	pushTask(t, b, id, map[string]any{"tool": "teleport"})

	r := popReply(t, b)
	if r.Status != legion.ReplyError {
		t.Errorf("status = %v, want error", r.Status)
	}
}

func TestWorkerPublishesHeartbeats(t *testing.T) {
	b := bus.NewMemory()
	sub, err := b.Subscribe(context.Background(), bus.HeartbeatChannel())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := New("hb-worker", b, WithHeartbeatInterval(20*time.Millisecond))
	go w.Run(ctx)
	t.Cleanup(func() {
		cancel()
		b.Close()
	})

	for i := 0; i < 2; i++ {
		select {
		case msg := <-sub.C():
			var hb legion.Heartbeat
			if err := json.Unmarshal(msg, &hb); err != nil {
				t.Fatal(err)
			}
			if hb.InstanceID != "hb-worker" {
				t.Errorf("instance = %q", hb.InstanceID)
			}
		case <-time.After(time.Second):
			t.Fatalf("heartbeat %d not published", i+1)
		}
	}
}
