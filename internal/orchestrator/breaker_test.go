package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pitabwire/sampark/model"
)

// flakyNotifier fails while fail is set and counts every call it sees.
type flakyNotifier struct {
	fail  bool
	calls int
}

func (f *flakyNotifier) Notify(context.Context, model.NotificationIntent) error {
	f.calls++
	if f.fail {
		return errors.New("adapter unavailable")
	}
	return nil
}

func newTestBreaker(next Notifier, threshold int, cooldown time.Duration) (*BreakerNotifier, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreakerNotifier(next, threshold, cooldown)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerNotifier_opensAfterThreshold(t *testing.T) {
	next := &flakyNotifier{fail: true}
	b, _ := newTestBreaker(next, 3, time.Minute)
	ctx := context.Background()

	for i := range 3 {
		if err := b.Notify(ctx, model.NotificationIntent{}); err == nil || errors.Is(err, ErrBreakerOpen) {
			t.Fatalf("call %d: err = %v, want the delivery error", i, err)
		}
	}
	if s := b.State(); s != BreakerOpen {
		t.Fatalf("state = %v, want open", s)
	}

	if err := b.Notify(ctx, model.NotificationIntent{}); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("err = %v, want ErrBreakerOpen", err)
	}
	if next.calls != 3 {
		t.Errorf("calls = %d, want 3", next.calls)
	}
}

func TestBreakerNotifier_successResetsCount(t *testing.T) {
	next := &flakyNotifier{fail: true}
	b, _ := newTestBreaker(next, 3, time.Minute)
	ctx := context.Background()

	_ = b.Notify(ctx, model.NotificationIntent{})
	_ = b.Notify(ctx, model.NotificationIntent{})
	next.fail = false
	_ = b.Notify(ctx, model.NotificationIntent{})
	next.fail = true
	_ = b.Notify(ctx, model.NotificationIntent{})
	_ = b.Notify(ctx, model.NotificationIntent{})

	if s := b.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed", s)
	}
}

func TestBreakerNotifier_probeAfterCooldown(t *testing.T) {
	next := &flakyNotifier{fail: true}
	b, now := newTestBreaker(next, 1, time.Minute)
	ctx := context.Background()

	_ = b.Notify(ctx, model.NotificationIntent{})
	*now = now.Add(time.Minute)
	if s := b.State(); s != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", s)
	}

	// A failed probe reopens.
	if err := b.Notify(ctx, model.NotificationIntent{}); err == nil || errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("probe err = %v", err)
	}
	if s := b.State(); s != BreakerOpen {
		t.Fatalf("state after failed probe = %v, want open", s)
	}

	// A successful probe closes.
	*now = now.Add(time.Minute)
	next.fail = false
	if err := b.Notify(ctx, model.NotificationIntent{}); err != nil {
		t.Fatalf("probe err = %v", err)
	}
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state after good probe = %v, want closed", s)
	}
	if next.calls != 3 {
		t.Errorf("calls = %d, want 3", next.calls)
	}
}

func TestBreakerNotifier_singleProbe(t *testing.T) {
	b, now := newTestBreaker(&flakyNotifier{fail: true}, 1, time.Second)
	_ = b.Notify(context.Background(), model.NotificationIntent{})
	*now = now.Add(time.Second)

	if !b.allow() {
		t.Fatal("first probe rejected")
	}
	if b.allow() {
		t.Error("second concurrent probe allowed")
	}
}

func TestBreakerNotifier_defaults(t *testing.T) {
	b := NewBreakerNotifier(&flakyNotifier{}, 0, 0)
	if b.threshold != 5 || b.cooldown != 30*time.Second {
		t.Errorf("threshold = %d, cooldown = %v", b.threshold, b.cooldown)
	}
	if BreakerHalfOpen.String() != "half-open" || BreakerState(9).String() != "unknown" {
		t.Error("unexpected state strings")
	}
}
