package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/sampark/model"
)

// ErrBreakerOpen is returned by BreakerNotifier while deliveries are being
// short-circuited.
var ErrBreakerOpen = errors.New("notifier: circuit open")

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets deliveries through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects deliveries until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen lets a single probe delivery through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerNotifier wraps a Notifier and stops calling it after a run of
// consecutive failures. After the cooldown one probe is let through; its
// outcome closes or reopens the circuit. It is safe for concurrent use.
type BreakerNotifier struct {
	next      Notifier
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreakerNotifier wraps next. A threshold below 1 defaults to 5 and a
// non-positive cooldown to 30 seconds.
func NewBreakerNotifier(next Notifier, threshold int, cooldown time.Duration) *BreakerNotifier {
	if threshold < 1 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &BreakerNotifier{
		next:      next,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Notify implements Notifier.
func (b *BreakerNotifier) Notify(ctx context.Context, intent model.NotificationIntent) error {
	if !b.allow() {
		return ErrBreakerOpen
	}
	err := b.next.Notify(ctx, intent)
	b.record(err)
	return err
}

// State returns the current breaker state.
func (b *BreakerNotifier) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

func (b *BreakerNotifier) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	switch b.state {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
	}
	return true
}

func (b *BreakerNotifier) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.state = BreakerClosed
		b.failures = 0
		b.probing = false
		return
	}

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.probing = false
	}
}

// advance moves an expired open circuit to half-open. Must be called with
// the lock held.
func (b *BreakerNotifier) advance() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
		b.probing = false
	}
}
