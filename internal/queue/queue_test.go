package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/sampark/model"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func trigger(id string) model.Trigger {
	return model.Trigger{
		ID:         id,
		Kind:       model.TriggerKindMessage,
		Source:     model.Source{ChannelType: "email", ChannelID: "thread-1"},
		Payload:    map[string]any{"body": "hello " + id},
		ReceivedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func queues(t *testing.T) map[string]TriggerQueue {
	_, client := newTestRedis(t)
	return map[string]TriggerQueue{
		"memory": NewMemoryQueue(),
		"redis":  NewRedisQueue(client, "sampark:"),
	}
}

func TestQueue_FIFO(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"t1", "t2", "t3"} {
				if err := q.Enqueue(ctx, "run-1", trigger(id)); err != nil {
					t.Fatalf("Enqueue(%s) error = %v", id, err)
				}
			}
			if n, _ := q.Len(ctx, "run-1"); n != 3 {
				t.Errorf("Len() = %d, want 3", n)
			}

			for _, want := range []string{"t1", "t2", "t3"} {
				got, ok, err := q.DrainOne(ctx, "run-1")
				if err != nil || !ok {
					t.Fatalf("DrainOne() = %v, %v", ok, err)
				}
				if got.ID != want {
					t.Errorf("DrainOne().ID = %q, want %q", got.ID, want)
				}
			}

			if _, ok, err := q.DrainOne(ctx, "run-1"); ok || err != nil {
				t.Errorf("DrainOne() on empty queue = %v, %v; want false, nil", ok, err)
			}
			if n, _ := q.Len(ctx, "run-1"); n != 0 {
				t.Errorf("Len() = %d, want 0", n)
			}
		})
	}
}

func TestQueue_PerRunIsolation(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = q.Enqueue(ctx, "run-a", trigger("a1"))
			_ = q.Enqueue(ctx, "run-b", trigger("b1"))

			got, ok, _ := q.DrainOne(ctx, "run-b")
			if !ok || got.ID != "b1" {
				t.Errorf("DrainOne(run-b) = %q, %v", got.ID, ok)
			}
			if n, _ := q.Len(ctx, "run-a"); n != 1 {
				t.Errorf("Len(run-a) = %d, want 1", n)
			}
		})
	}
}

func TestQueue_DuplicatesAreKept(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = q.Enqueue(ctx, "run-1", trigger("t1"))
			_ = q.Enqueue(ctx, "run-1", trigger("t1"))
			if n, _ := q.Len(ctx, "run-1"); n != 2 {
				t.Errorf("Len() = %d, want 2", n)
			}
		})
	}
}

func TestRedisQueue_PreservesTrigger(t *testing.T) {
	mr, client := newTestRedis(t)
	q := NewRedisQueue(client, "sampark:")
	ctx := context.Background()

	in := trigger("t1")
	in.Classification = &model.Classification{Codename: "acknowledge", Confidence: 0.9}
	_ = q.Enqueue(ctx, "run-1", in)

	if !mr.Exists("sampark:queue:run-1") {
		t.Fatal("expected list key sampark:queue:run-1")
	}

	out, ok, err := q.DrainOne(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("DrainOne() = %v, %v", ok, err)
	}
	if out.Source != in.Source || out.Payload["body"] != "hello t1" || !out.ReceivedAt.Equal(in.ReceivedAt) {
		t.Errorf("DrainOne() = %+v, want %+v", out, in)
	}
	if out.Classification == nil || out.Classification.Codename != "acknowledge" {
		t.Errorf("Classification = %+v", out.Classification)
	}
}

func TestRedisQueue_CorruptEntry(t *testing.T) {
	mr, client := newTestRedis(t)
	q := NewRedisQueue(client, "")
	_, _ = mr.Push("queue:run-1", "not json")

	if _, _, err := q.DrainOne(context.Background(), "run-1"); err == nil {
		t.Error("DrainOne() should fail on an undecodable entry")
	}
}

func TestRedisQueue_Unavailable(t *testing.T) {
	mr, client := newTestRedis(t)
	q := NewRedisQueue(client, "")
	mr.Close()

	ctx := context.Background()
	if err := q.Enqueue(ctx, "run-1", trigger("t1")); err == nil {
		t.Error("Enqueue() should fail when redis is down")
	}
	if _, _, err := q.DrainOne(ctx, "run-1"); err == nil {
		t.Error("DrainOne() should fail when redis is down")
	}
	if _, err := q.Len(ctx, "run-1"); err == nil {
		t.Error("Len() should fail when redis is down")
	}
}

func TestMemoryQueue_ConcurrentEnqueue(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Enqueue(ctx, "run-1", trigger(fmt.Sprintf("t%d", i)))
		}(i)
	}
	wg.Wait()

	if n, _ := q.Len(ctx, "run-1"); n != 100 {
		t.Errorf("Len() = %d, want 100", n)
	}
}

func TestRedisQueue_HealthCheck(t *testing.T) {
	mr, client := newTestRedis(t)
	q := NewRedisQueue(client, "sampark:")

	if err := q.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	mr.Close()
	if err := q.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected HealthCheck() to fail once redis is down")
	}
}
