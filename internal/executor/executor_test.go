package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pitabwire/sampark/internal/registry"
	"github.com/pitabwire/sampark/internal/store"
	"github.com/pitabwire/sampark/model"
)

type ticketState struct {
	Replies int    `json:"replies"`
	Last    string `json:"last,omitempty"`
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func replyFn(_ context.Context, in registry.TransitionInput) (registry.Transition, error) {
	s := in.State.(ticketState)
	s.Replies++
	s.Last, _ = in.Trigger.Payload["body"].(string)
	return registry.Transition{
		NextState:  s,
		NextStep:   "replied",
		NextStatus: model.RunStatusAwaitingFeedback,
		Outbound: []registry.OutboundMessage{
			{Message: map[string]any{"body": "thanks"}},
		},
	}, nil
}

type fixture struct {
	store *store.MemoryStore
	exec  *Executor
}

func newFixture(t *testing.T, fns map[string]registry.TransitionFunc) *fixture {
	t.Helper()
	reg := registry.New()
	for codename, fn := range fns {
		reg.MustRegister(codename, registry.NewTypedSchema[ticketState](), fn)
	}
	reg.Freeze()

	s := store.NewMemoryStore()
	// A frozen clock exercises the strictly-increasing updated_at bump.
	return &fixture{store: s, exec: New(reg, s, WithClock(func() time.Time { return base }))}
}

func (f *fixture) seed(t *testing.T, id, codename string, status model.RunStatus, state string) {
	t.Helper()
	err := f.store.CreateRun(context.Background(), model.WorkflowRun{
		ID:          id,
		Codename:    codename,
		Status:      status,
		StepHistory: []string{},
		State:       json.RawMessage(state),
		CreatedAt:   base,
		UpdatedAt:   base,
		Version:     1,
	})
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
}

func message(id, body string) model.Trigger {
	return model.Trigger{
		ID:      id,
		Kind:    model.TriggerKindMessage,
		Source:  model.Source{ChannelType: "email", ChannelID: "thread-1"},
		Payload: map[string]any{"body": body},
	}
}

func TestExecute_CommitsTransition(t *testing.T) {
	f := newFixture(t, map[string]registry.TransitionFunc{"ticket": replyFn})
	f.seed(t, "run-1", "ticket", model.RunStatusRunning, `{"replies":0}`)

	res, err := f.exec.Execute(context.Background(), "run-1", message("t1", "hello"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	run := res.Run
	if run.Status != model.RunStatusAwaitingFeedback {
		t.Errorf("Status = %q, want awaiting_feedback", run.Status)
	}
	if run.CurrentStep != "replied" || len(run.StepHistory) != 1 || run.StepHistory[0] != "replied" {
		t.Errorf("steps = %q %v", run.CurrentStep, run.StepHistory)
	}
	if string(run.State) != `{"replies":1,"last":"hello"}` {
		t.Errorf("State = %s", run.State)
	}
	if !run.UpdatedAt.After(base) {
		t.Errorf("UpdatedAt = %v, want after %v", run.UpdatedAt, base)
	}
	if run.Version != 2 {
		t.Errorf("Version = %d, want 2", run.Version)
	}

	if len(run.ConversationHistory) != 1 {
		t.Fatalf("conversation entries = %d, want 1", len(run.ConversationHistory))
	}
	entry := run.ConversationHistory[0]
	if entry.TriggerID != "t1" || entry.Step != "replied" || len(entry.Response) != 1 {
		t.Errorf("entry = %+v", entry)
	}

	if len(res.Intents) != 2 {
		t.Fatalf("intents = %d, want message and status", len(res.Intents))
	}
	if res.Intents[0].Kind != model.NotificationKindMessage || res.Intents[0].Message["body"] != "thanks" {
		t.Errorf("message intent = %+v", res.Intents[0])
	}
	if res.Intents[1].Kind != model.NotificationKindStatus || res.Intents[1].Status != model.RunStatusAwaitingFeedback {
		t.Errorf("status intent = %+v", res.Intents[1])
	}

	stored, _ := f.store.GetRun(context.Background(), "run-1")
	if stored.Version != run.Version || stored.Status != run.Status {
		t.Errorf("stored run differs from result: %+v", stored)
	}
}

func TestExecute_UpdatedAtStrictlyIncreases(t *testing.T) {
	f := newFixture(t, map[string]registry.TransitionFunc{"ticket": replyFn})
	f.seed(t, "run-1", "ticket", model.RunStatusRunning, `{"replies":0}`)

	prev := base
	for i := 0; i < 5; i++ {
		res, err := f.exec.Execute(context.Background(), "run-1", message("t", "again"))
		if err != nil {
			t.Fatalf("Execute() #%d error = %v", i, err)
		}
		if !res.Run.UpdatedAt.After(prev) {
			t.Fatalf("UpdatedAt #%d = %v, not after %v", i, res.Run.UpdatedAt, prev)
		}
		prev = res.Run.UpdatedAt
	}
}

func TestExecute_NoStatusIntentWithoutChange(t *testing.T) {
	f := newFixture(t, map[string]registry.TransitionFunc{"ticket": replyFn})
	f.seed(t, "run-1", "ticket", model.RunStatusAwaitingFeedback, `{"replies":1}`)

	res, err := f.exec.Execute(context.Background(), "run-1", message("t2", "more"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	for _, intent := range res.Intents {
		if intent.Kind == model.NotificationKindStatus {
			t.Errorf("unexpected status intent %+v", intent)
		}
	}
}

func TestExecute_NotFound(t *testing.T) {
	f := newFixture(t, map[string]registry.TransitionFunc{"ticket": replyFn})

	_, err := f.exec.Execute(context.Background(), "missing", message("t1", "x"))
	if !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("error = %v, want NOT_FOUND", err)
	}
}

func TestExecute_UnknownCodename(t *testing.T) {
	f := newFixture(t, map[string]registry.TransitionFunc{"ticket": replyFn})
	f.seed(t, "run-1", "retired", model.RunStatusRunning, `{}`)

	_, err := f.exec.Execute(context.Background(), "run-1", message("t1", "x"))
	if !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("error = %v, want NOT_FOUND", err)
	}
	stored, _ := f.store.GetRun(context.Background(), "run-1")
	if stored.Version != 1 {
		t.Errorf("run was mutated: version %d", stored.Version)
	}
}

func TestExecute_TerminalRunRejected(t *testing.T) {
	for _, status := range []model.RunStatus{model.RunStatusCompleted, model.RunStatusFailed, model.RunStatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t, map[string]registry.TransitionFunc{"ticket": replyFn})
			f.seed(t, "run-1", "ticket", status, `{"replies":3}`)

			_, err := f.exec.Execute(context.Background(), "run-1", message("t1", "late"))
			if !model.IsCode(err, model.ErrInvalidState) {
				t.Fatalf("error = %v, want INVALID_STATE", err)
			}
			stored, _ := f.store.GetRun(context.Background(), "run-1")
			if stored.Version != 1 || len(stored.ConversationHistory) != 0 {
				t.Errorf("terminal run was mutated: %+v", stored)
			}
		})
	}
}

func TestExecute_CorruptStateMarksFailed(t *testing.T) {
	called := false
	f := newFixture(t, map[string]registry.TransitionFunc{
		"ticket": func(ctx context.Context, in registry.TransitionInput) (registry.Transition, error) {
			called = true
			return replyFn(ctx, in)
		},
	})
	f.seed(t, "run-1", "ticket", model.RunStatusRunning, `{"replies":"many"}`)

	res, err := f.exec.Execute(context.Background(), "run-1", message("t1", "x"))
	if !model.IsCode(err, model.ErrCorruptState) {
		t.Fatalf("error = %v, want CORRUPT_STATE", err)
	}
	if called {
		t.Error("transition must not run on corrupt state")
	}

	stored, _ := f.store.GetRun(context.Background(), "run-1")
	if stored.Status != model.RunStatusFailed {
		t.Errorf("Status = %q, want failed", stored.Status)
	}
	if string(stored.State) != `{"replies":"many"}` {
		t.Errorf("corrupt state was rewritten: %s", stored.State)
	}
	if n := len(stored.ConversationHistory); n != 1 || stored.ConversationHistory[0].ErrorCode != model.ErrCorruptState {
		t.Errorf("conversation history = %+v", stored.ConversationHistory)
	}
	if res.Run.Status != model.RunStatusFailed {
		t.Errorf("result run status = %q, want failed", res.Run.Status)
	}
}

func TestExecute_TransitionFailures(t *testing.T) {
	cases := map[string]registry.TransitionFunc{
		"domain error": func(context.Context, registry.TransitionInput) (registry.Transition, error) {
			return registry.Transition{}, errors.New("customer record locked")
		},
		"panic": func(context.Context, registry.TransitionInput) (registry.Transition, error) {
			panic("boom")
		},
		"empty step": func(_ context.Context, in registry.TransitionInput) (registry.Transition, error) {
			return registry.Transition{NextState: in.State, NextStatus: model.RunStatusRunning}, nil
		},
		"unknown status": func(_ context.Context, in registry.TransitionInput) (registry.Transition, error) {
			return registry.Transition{NextState: in.State, NextStep: "x", NextStatus: "paused"}, nil
		},
		"wrong state type": func(context.Context, registry.TransitionInput) (registry.Transition, error) {
			return registry.Transition{NextState: "not a ticket", NextStep: "x", NextStatus: model.RunStatusRunning}, nil
		},
	}

	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, map[string]registry.TransitionFunc{"ticket": fn})
			f.seed(t, "run-1", "ticket", model.RunStatusRunning, `{"replies":0}`)

			res, err := f.exec.Execute(context.Background(), "run-1", message("t1", "x"))
			if !model.IsCode(err, model.ErrTransitionFailure) {
				t.Fatalf("error = %v, want TRANSITION_FAILURE", err)
			}

			stored, _ := f.store.GetRun(context.Background(), "run-1")
			if stored.Status != model.RunStatusFailed {
				t.Errorf("Status = %q, want failed", stored.Status)
			}
			if len(stored.StepHistory) != 0 {
				t.Errorf("StepHistory = %v, want unchanged", stored.StepHistory)
			}
			if len(stored.ConversationHistory) != 1 || stored.ConversationHistory[0].ErrorCode != model.ErrTransitionFailure {
				t.Errorf("conversation history = %+v", stored.ConversationHistory)
			}
			if len(res.Intents) != 1 || res.Intents[0].Status != model.RunStatusFailed {
				t.Errorf("intents = %+v, want one failed status intent", res.Intents)
			}
		})
	}
}

func TestExecute_CancelTrigger(t *testing.T) {
	f := newFixture(t, map[string]registry.TransitionFunc{"ticket": replyFn})
	f.seed(t, "run-1", "ticket", model.RunStatusAwaitingFeedback, `{"replies":2}`)

	res, err := f.exec.Execute(context.Background(), "run-1", model.Trigger{ID: "c1", Kind: model.TriggerKindCancel})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Run.Status != model.RunStatusCancelled || res.Run.CurrentStep != registry.StepCancelled {
		t.Errorf("run = %s/%s, want cancelled/cancelled", res.Run.Status, res.Run.CurrentStep)
	}
	if string(res.Run.State) != `{"replies":2}` {
		t.Errorf("State = %s, want unchanged", res.Run.State)
	}
}

func TestExecute_StaleVersionConflicts(t *testing.T) {
	f := newFixture(t, nil)
	reg := registry.New()
	reg.MustRegister("ticket", registry.NewTypedSchema[ticketState](),
		func(ctx context.Context, in registry.TransitionInput) (registry.Transition, error) {
			// A concurrent writer bypassing the slot bumps the version.
			run, _ := f.store.GetRun(ctx, in.RunID)
			if _, err := f.store.UpdateRun(ctx, run); err != nil {
				return registry.Transition{}, err
			}
			return replyFn(ctx, in)
		})
	f.exec = New(reg, f.store)
	f.seed(t, "run-1", "ticket", model.RunStatusRunning, `{"replies":0}`)

	_, err := f.exec.Execute(context.Background(), "run-1", message("t1", "x"))
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("error = %v, want CONFLICT", err)
	}
}
