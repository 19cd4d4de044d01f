package legion

import (
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message carried by an Envelope.
// Only the six collaboration types are deliverable within a group;
// TypeTask is used on worker task queues.
type MessageType string

const (
	TypeDataShare    MessageType = "DATA_SHARE"
	TypeRequestData  MessageType = "REQUEST_DATA"
	TypeStatusUpdate MessageType = "STATUS_UPDATE"
	TypeCoordination MessageType = "COORDINATION"
	TypeValidation   MessageType = "VALIDATION"
	TypeErrorReport  MessageType = "ERROR_REPORT"

	// TypeTask marks a point-to-point task request on an instance's queue.
	TypeTask MessageType = "TASK"
)

// collabTypes is the closed set of types deliverable within a group.
var collabTypes = map[MessageType]bool{
	TypeDataShare:    true,
	TypeRequestData:  true,
	TypeStatusUpdate: true,
	TypeCoordination: true,
	TypeValidation:   true,
	TypeErrorReport:  true,
}

// Envelope is the wire format shared by task dispatch and collaboration
// messaging. Exactly one of CorrelationID or GroupID is set depending on
// which channel the envelope travels on; SenderID identifies a worker
// instance, Profile a worker profile for task requests.
type Envelope struct {
	ID            string         `json:"id"`
	CorrelationID string         `json:"correlationId,omitempty"`
	GroupID       string         `json:"groupId,omitempty"`
	SenderID      string         `json:"senderId,omitempty"`
	Profile       string         `json:"profile,omitempty"`
	Type          MessageType    `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"` // values: string, number, or bool
	Timestamp     time.Time      `json:"timestamp"`
	Expiry        time.Time      `json:"expiry,omitempty"`
}

// Expired reports whether the envelope is past its expiry.
// A zero expiry never expires.
func (e *Envelope) Expired() bool {
	return !e.Expiry.IsZero() && time.Now().After(e.Expiry)
}

// NewTaskEnvelope builds a task-request envelope for a worker queue.
func NewTaskEnvelope(correlationID, profile string, payload map[string]any) *Envelope {
	return &Envelope{
		ID:            uuid.New().String(),
		CorrelationID: correlationID,
		Profile:       profile,
		Type:          TypeTask,
		Payload:       payload,
		Timestamp:     time.Now(),
	}
}

// NewGroupEnvelope builds a collaboration envelope from a group member.
func NewGroupEnvelope(groupID, senderID string, typ MessageType, payload map[string]any, ttl time.Duration) *Envelope {
	env := &Envelope{
		ID:        uuid.New().String(),
		GroupID:   groupID,
		SenderID:  senderID,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if ttl > 0 {
		env.Expiry = env.Timestamp.Add(ttl)
	}
	return env
}

// ReplyStatus is the outcome carried by a worker task reply.
type ReplyStatus string

const (
	ReplySuccess ReplyStatus = "success"
	ReplyError   ReplyStatus = "error"
)

// Reply is the wire format for worker task replies.
type Reply struct {
	CorrelationID string      `json:"correlationId"`
	Status        ReplyStatus `json:"status"`
	Result        string      `json:"result,omitempty"`
	ErrorDetail   string      `json:"errorDetail,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// Heartbeat is published by worker instances on the heartbeat channel.
type Heartbeat struct {
	InstanceID string    `json:"instanceId"`
	At         time.Time `json:"at"`
}
