package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisConfig holds connection settings for a Redis-backed bus.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Redis is a Bus backed by Redis lists (queues) and Redis pub/sub
// (channels). Workers running in containers reach the orchestrator
// through this bus.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Redis{client: client}, nil
}

// Push appends a message to a queue (LPUSH; BRPOP pops the other end,
// so delivery is FIFO).
func (r *Redis) Push(ctx context.Context, queue string, msg []byte) error {
	return r.client.LPush(ctx, queue, msg).Err()
}

// Pop blocks up to timeout for the head of a queue.
func (r *Redis) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	res, err := r.client.BRPop(ctx, timeout, queue).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BRPop returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected brpop reply of length %d", len(res))
	}
	return []byte(res[1]), nil
}

// Publish broadcasts a message on a channel.
func (r *Redis) Publish(ctx context.Context, channel string, msg []byte) error {
	return r.client.Publish(ctx, channel, msg).Err()
}

// Subscribe attaches to a channel.
func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	// Force the subscription to be established before returning.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}
	s := &redisSub{ps: ps, ch: make(chan []byte, subBuffer)}
	go s.pump()
	return s, nil
}

// Close terminates the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSub struct {
	ps *redis.PubSub
	ch chan []byte
}

func (s *redisSub) pump() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		s.ch <- []byte(msg.Payload)
	}
}

func (s *redisSub) C() <-chan []byte {
	return s.ch
}

func (s *redisSub) Unsubscribe() error {
	return s.ps.Close()
}
