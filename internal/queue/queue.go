// Package queue buffers triggers that arrive for a run while it is
// executing. Queues are per run, FIFO and unbounded. Duplicate triggers are
// not suppressed.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/sampark/model"
)

// TriggerQueue is the per-run pending trigger buffer.
type TriggerQueue interface {
	// Enqueue appends a trigger to the tail of a run's queue.
	Enqueue(ctx context.Context, runID string, trigger model.Trigger) error

	// DrainOne pops the oldest trigger for a run. ok is false when the
	// queue is empty.
	DrainOne(ctx context.Context, runID string) (trigger model.Trigger, ok bool, err error)

	// Len returns the number of pending triggers for a run.
	Len(ctx context.Context, runID string) (int, error)
}

// MemoryQueue is an in-process TriggerQueue.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string][]model.Trigger // key: run ID
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{queues: make(map[string][]model.Trigger)}
}

// Enqueue appends a trigger.
func (q *MemoryQueue) Enqueue(_ context.Context, runID string, trigger model.Trigger) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[runID] = append(q.queues[runID], trigger)
	return nil
}

// DrainOne pops the oldest trigger.
func (q *MemoryQueue) DrainOne(_ context.Context, runID string) (model.Trigger, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.queues[runID]
	if len(pending) == 0 {
		return model.Trigger{}, false, nil
	}
	head := pending[0]
	if len(pending) == 1 {
		delete(q.queues, runID)
	} else {
		pending[0] = model.Trigger{}
		q.queues[runID] = pending[1:]
	}
	return head, true, nil
}

// Len returns the pending count.
func (q *MemoryQueue) Len(_ context.Context, runID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[runID]), nil
}

// RedisQueue is a TriggerQueue stored as one Redis list per run, so that
// several engine processes share pending work.
type RedisQueue struct {
	client    redis.Cmdable
	keyPrefix string
}

// NewRedisQueue creates a Redis-backed queue. Keys are
// "<keyPrefix>queue:<run id>".
func NewRedisQueue(client redis.Cmdable, keyPrefix string) *RedisQueue {
	return &RedisQueue{client: client, keyPrefix: keyPrefix}
}

func (q *RedisQueue) key(runID string) string {
	return q.keyPrefix + "queue:" + runID
}

// Enqueue appends a JSON-encoded trigger with RPUSH.
func (q *RedisQueue) Enqueue(ctx context.Context, runID string, trigger model.Trigger) error {
	data, err := json.Marshal(trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	if err := q.client.RPush(ctx, q.key(runID), data).Err(); err != nil {
		return fmt.Errorf("redis rpush %q: %w", q.key(runID), err)
	}
	return nil
}

// DrainOne pops the oldest trigger with LPOP.
func (q *RedisQueue) DrainOne(ctx context.Context, runID string) (model.Trigger, bool, error) {
	data, err := q.client.LPop(ctx, q.key(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Trigger{}, false, nil
	}
	if err != nil {
		return model.Trigger{}, false, fmt.Errorf("redis lpop %q: %w", q.key(runID), err)
	}

	var trigger model.Trigger
	if err := json.Unmarshal(data, &trigger); err != nil {
		return model.Trigger{}, false, fmt.Errorf("unmarshal queued trigger: %w", err)
	}
	return trigger, true, nil
}

// Len returns LLEN of the run's list.
func (q *RedisQueue) Len(ctx context.Context, runID string) (int, error) {
	n, err := q.client.LLen(ctx, q.key(runID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen %q: %w", q.key(runID), err)
	}
	return int(n), nil
}

// HealthCheck pings the Redis server.
func (q *RedisQueue) HealthCheck(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
