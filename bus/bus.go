// Package bus provides the asynchronous messaging primitive the
// orchestration core is built on: point-to-point task queues and
// publish/subscribe channels. Two implementations ship: an in-process
// bus backed by channels and a Redis bus for distributed workers.
package bus

import (
	"context"
	"time"
)

// Bus combines point-to-point queues (Push/Pop) with fan-out
// publish/subscribe channels. All orchestration traffic travels
// through a Bus; components never talk to each other directly.
type Bus interface {
	// Push appends a message to the tail of a named queue.
	Push(ctx context.Context, queue string, msg []byte) error

	// Pop removes the head of a named queue, blocking up to timeout.
	// It returns (nil, nil) when the timeout elapses with no message.
	Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)

	// Publish broadcasts a message to all current subscribers of a channel.
	Publish(ctx context.Context, channel string, msg []byte) error

	// Subscribe registers for messages on a channel. Messages published
	// by one caller arrive at each subscriber in publish order.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Close releases all resources. Pending Pops return immediately.
	Close() error
}

// Subscription is a live feed of messages from one channel.
type Subscription interface {
	// C is the message stream. It is closed on Unsubscribe or bus Close.
	C() <-chan []byte

	// Unsubscribe detaches from the channel and closes C.
	Unsubscribe() error
}

// Queue and channel naming. Task queues are per instance; replies all
// funnel to one result queue drained by the dispatcher.
const (
	resultQueue      = "legion:results"
	heartbeatChannel = "legion:heartbeats"
	taskQueuePrefix  = "legion:tasks:"
	groupChanPrefix  = "legion:collab:"
)

// TaskQueue returns the task queue name for a worker instance.
func TaskQueue(instanceID string) string {
	return taskQueuePrefix + instanceID
}

// ResultQueue returns the shared reply queue name.
func ResultQueue() string {
	return resultQueue
}

// GroupChannel returns the pub/sub channel name for a collaboration
// group. Each group has its own channel; nothing is shared.
func GroupChannel(groupID string) string {
	return groupChanPrefix + groupID
}

// HeartbeatChannel returns the channel worker heartbeats travel on.
func HeartbeatChannel() string {
	return heartbeatChannel
}
