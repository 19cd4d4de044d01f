package legion

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeExpiry(t *testing.T) {
	env := NewGroupEnvelope("g1", "w1", TypeStatusUpdate, nil, 0)
	if env.Expired() {
		t.Error("zero expiry should never expire")
	}

	env = NewGroupEnvelope("g1", "w1", TypeStatusUpdate, nil, -time.Second)
	if env.Expired() {
		t.Error("non-positive ttl means no expiry")
	}

	env = NewGroupEnvelope("g1", "w1", TypeStatusUpdate, nil, time.Nanosecond)
	time.Sleep(time.Millisecond)
	if !env.Expired() {
		t.Error("envelope past its ttl should be expired")
	}
}

func TestTaskEnvelopeShape(t *testing.T) {
	env := NewTaskEnvelope("corr-1", "analyst", map[string]any{"tool": "calculator"})

	if env.Type != TypeTask {
		t.Errorf("type = %v, want %v", env.Type, TypeTask)
	}
	if env.GroupID != "" {
		t.Error("task envelopes carry no group id")
	}
	if env.CorrelationID != "corr-1" {
		t.Errorf("correlationId = %q", env.CorrelationID)
	}
	if env.ID == "" {
		t.Error("envelope id should be assigned")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := NewGroupEnvelope("g1", "w1", TypeDataShare, map[string]any{"findings": "ok"}, time.Minute)
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}

	var got Envelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeDataShare || got.GroupID != "g1" || got.SenderID != "w1" {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if got.Payload["findings"] != "ok" {
		t.Errorf("payload = %v", got.Payload)
	}
}

func TestCollabTypesClosed(t *testing.T) {
	if collabTypes[TypeTask] {
		t.Error("TASK must not be deliverable inside a group")
	}
	for _, typ := range []MessageType{TypeDataShare, TypeRequestData, TypeStatusUpdate, TypeCoordination, TypeValidation, TypeErrorReport} {
		if !collabTypes[typ] {
			t.Errorf("%s should be a collaboration type", typ)
		}
	}
}
