// Package notify emits notification records on sharing and completion
// events. Emission is decoupled from the triggering operation: records are
// handed to a Redis queue and persisted by a background worker, falling back
// to an inline write when the queue is unavailable. A failed emission is
// logged and swallowed, never surfaced to the caller.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"taskboard/api/internal/store"
)

// Queue is a Redis-backed FIFO of pending notification records.
type Queue struct {
	client *redis.Client
	name   string
}

func NewQueue(redisURL, name string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Queue{client: client, name: name}, nil
}

// NewQueueWithClient creates a queue from an existing Redis client.
func NewQueueWithClient(client *redis.Client, name string) *Queue {
	return &Queue{client: client, name: name}
}

func (q *Queue) Enqueue(ctx context.Context, n store.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := q.client.LPush(ctx, q.name, payload).Err(); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// Dequeue pops the oldest pending record, blocking up to timeout. The second
// return is false when the queue was empty for the whole wait.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (store.Notification, bool, error) {
	values, err := q.client.BRPop(ctx, timeout, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return store.Notification{}, false, nil
	}
	if err != nil {
		return store.Notification{}, false, fmt.Errorf("dequeue notification: %w", err)
	}
	if len(values) != 2 {
		return store.Notification{}, false, fmt.Errorf("dequeue notification: unexpected reply length %d", len(values))
	}

	var n store.Notification
	if err := json.Unmarshal([]byte(values[1]), &n); err != nil {
		return store.Notification{}, false, fmt.Errorf("unmarshal notification: %w", err)
	}
	return n, true, nil
}

// Len reports the number of pending records.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.name).Result()
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) Close() error {
	return q.client.Close()
}
