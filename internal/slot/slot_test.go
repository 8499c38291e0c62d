package slot

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

func TestLockTable_TryAcquire(t *testing.T) {
	table := NewLockTable()
	ctx := context.Background()

	lease, ok, err := table.TryAcquire(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("TryAcquire() = %v, %v; want acquired", ok, err)
	}
	if lease.RunID() != "run-1" {
		t.Errorf("RunID() = %q, want run-1", lease.RunID())
	}

	if _, ok, _ := table.TryAcquire(ctx, "run-1"); ok {
		t.Error("second TryAcquire(run-1) should not acquire")
	}
	other, ok, _ := table.TryAcquire(ctx, "run-2")
	if !ok {
		t.Error("TryAcquire(run-2) should acquire independently of run-1")
	}
	_ = other.Release(ctx)

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if table.Held("run-1") {
		t.Error("slot still held after Release")
	}
	if _, ok, _ := table.TryAcquire(ctx, "run-1"); !ok {
		t.Error("TryAcquire after Release should acquire")
	}
}

func TestLockTable_ReleaseIsIdempotent(t *testing.T) {
	table := NewLockTable()
	ctx := context.Background()

	first, _, _ := table.TryAcquire(ctx, "run-1")
	_ = first.Release(ctx)

	second, ok, _ := table.TryAcquire(ctx, "run-1")
	if !ok {
		t.Fatal("expected to acquire after release")
	}

	// A stale double release must not free the new holder's slot.
	_ = first.Release(ctx)
	if !table.Held("run-1") {
		t.Error("stale Release freed a slot held by another lease")
	}
	_ = second.Release(ctx)
}

func TestLockTable_MutualExclusion(t *testing.T) {
	table := NewLockTable()
	ctx := context.Background()

	var inFlight, maxInFlight, acquired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				lease, ok, _ := table.TryAcquire(ctx, "run-1")
				if !ok {
					continue
				}
				acquired.Add(1)
				n := inFlight.Add(1)
				for {
					cur := maxInFlight.Load()
					if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
						break
					}
				}
				inFlight.Add(-1)
				_ = lease.Release(ctx)
			}
		}()
	}
	wg.Wait()

	if maxInFlight.Load() != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInFlight.Load())
	}
	if acquired.Load() == 0 {
		t.Error("slot was never acquired")
	}
}
