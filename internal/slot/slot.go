// Package slot provides the per-run execution slot: mutual exclusion scoped
// to a single run id. Acquisition never blocks; a caller that does not get
// the slot queues its trigger instead.
package slot

import (
	"context"
	"errors"
	"sync"
)

// ErrLeaseLost is returned by Release when a distributed lease expired or
// was taken over before it was released.
var ErrLeaseLost = errors.New("slot: lease lost before release")

// Lease is a held execution slot. Release frees it exactly once; later
// calls do nothing and return the first call's result.
type Lease interface {
	RunID() string
	Release(ctx context.Context) error
}

// Manager hands out execution slots.
type Manager interface {
	// TryAcquire takes the slot for runID if it is free. acquired is false
	// when another holder has it.
	TryAcquire(ctx context.Context, runID string) (lease Lease, acquired bool, err error)
}

// LockTable is an in-process Manager keyed by run id. Only the table
// bookkeeping is guarded by its mutex; no lock is held while a slot is in
// use.
type LockTable struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{held: make(map[string]struct{})}
}

// TryAcquire implements Manager.
func (t *LockTable) TryAcquire(_ context.Context, runID string) (Lease, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, busy := t.held[runID]; busy {
		return nil, false, nil
	}
	t.held[runID] = struct{}{}
	return &localLease{table: t, runID: runID}, true, nil
}

// Held reports whether the slot for runID is currently taken.
func (t *LockTable) Held(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, busy := t.held[runID]
	return busy
}

func (t *LockTable) release(runID string) {
	t.mu.Lock()
	delete(t.held, runID)
	t.mu.Unlock()
}

type localLease struct {
	table *LockTable
	runID string
	once  sync.Once
}

func (l *localLease) RunID() string { return l.runID }

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() { l.table.release(l.runID) })
	return nil
}
