package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

const (
	queueBuffer = 256
	subBuffer   = 64
)

// Memory is an in-process Bus backed by Go channels. It is the default
// for single-binary deployments and for tests.
type Memory struct {
	mu     sync.Mutex
	queues map[string]chan []byte
	subs   map[string][]*memorySub
	closed bool
}

// NewMemory creates an in-process bus.
func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string]chan []byte),
		subs:   make(map[string][]*memorySub),
	}
}

func (m *Memory) queue(name string) (chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	q, ok := m.queues[name]
	if !ok {
		q = make(chan []byte, queueBuffer)
		m.queues[name] = q
	}
	return q, nil
}

// Push appends a message to a queue.
func (m *Memory) Push(ctx context.Context, queue string, msg []byte) error {
	q, err := m.queue(queue)
	if err != nil {
		return err
	}
	select {
	case q <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop removes the head of a queue, blocking up to timeout.
func (m *Memory) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	q, err := m.queue(queue)
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-q:
		return msg, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Publish fans a message out to all current subscribers of a channel.
// A subscriber whose buffer is full misses the message rather than
// blocking the publisher.
func (m *Memory) Publish(ctx context.Context, channel string, msg []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	subs := make([]*memorySub, len(m.subs[channel]))
	copy(subs, m.subs[channel])
	m.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe attaches a new subscriber to a channel.
func (m *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s := &memorySub{
		bus:     m,
		channel: channel,
		ch:      make(chan []byte, subBuffer),
	}
	m.subs[channel] = append(m.subs[channel], s)
	return s, nil
}

// Close shuts the bus down and closes all subscriptions.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.subs {
		for _, s := range subs {
			s.closeOnce()
		}
	}
	m.subs = make(map[string][]*memorySub)
	return nil
}

type memorySub struct {
	bus     *Memory
	channel string
	ch      chan []byte
	once    sync.Once
}

func (s *memorySub) C() <-chan []byte {
	return s.ch
}

func (s *memorySub) closeOnce() {
	s.once.Do(func() { close(s.ch) })
}

// Unsubscribe detaches the subscriber and closes its channel.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	subs := s.bus.subs[s.channel]
	for i, cur := range subs {
		if cur == s {
			s.bus.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.bus.mu.Unlock()
	s.closeOnce()
	return nil
}
