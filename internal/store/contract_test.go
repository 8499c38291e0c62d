package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pitabwire/sampark/model"
)

func testRun(id, codename string, created time.Time) model.WorkflowRun {
	return model.WorkflowRun{
		ID:              id,
		Codename:        codename,
		Status:          model.RunStatusRunning,
		StepHistory:     []string{},
		State:           json.RawMessage(`{"count":0}`),
		ConfidenceScore: 0.8,
		CreatedAt:       created,
		UpdatedAt:       created,
		Version:         1,
	}
}

func testAssoc(channelType, channelID string, created time.Time) model.CommunicationAssociation {
	return model.CommunicationAssociation{ChannelType: channelType, ChannelID: channelID, CreatedAt: created}
}

// runStoreContract exercises behaviour every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := testRun("run-1", "acknowledge", base)

		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun() error = %v", err)
		}
		got, err := s.GetRun(ctx, "run-1")
		if err != nil {
			t.Fatalf("GetRun() error = %v", err)
		}
		if got.Codename != "acknowledge" || got.Status != model.RunStatusRunning {
			t.Errorf("GetRun() = %+v", got)
		}
		if len(got.StepHistory) != 0 {
			t.Errorf("StepHistory = %v, want empty", got.StepHistory)
		}
		if string(got.State) != `{"count":0}` && string(got.State) != `{"count": 0}` {
			t.Errorf("State = %s", got.State)
		}
		if !got.CreatedAt.Equal(base) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, base)
		}

		if err := s.CreateRun(ctx, run); !model.IsCode(err, model.ErrConflict) {
			t.Errorf("duplicate CreateRun() error = %v, want CONFLICT", err)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetRun(context.Background(), "missing")
		if !model.IsCode(err, model.ErrNotFound) {
			t.Errorf("GetRun(missing) error = %v, want NOT_FOUND", err)
		}
	})

	t.Run("UpdateOptimisticLock", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := testRun("run-1", "acknowledge", base)
		_ = s.CreateRun(ctx, run)

		run.Status = model.RunStatusAwaitingFeedback
		run.CurrentStep = "acknowledged"
		run.StepHistory = []string{"acknowledged"}
		run.ConversationHistory = []model.ConversationEntry{{TriggerID: "t1", Kind: model.TriggerKindMessage, Status: model.RunStatusAwaitingFeedback, Timestamp: base}}
		run.UpdatedAt = base.Add(time.Second)

		stored, err := s.UpdateRun(ctx, run)
		if err != nil {
			t.Fatalf("UpdateRun() error = %v", err)
		}
		if stored.Version != 2 {
			t.Errorf("Version = %d, want 2", stored.Version)
		}

		got, _ := s.GetRun(ctx, "run-1")
		if got.Version != 2 || got.CurrentStep != "acknowledged" || len(got.ConversationHistory) != 1 {
			t.Errorf("GetRun() after update = %+v", got)
		}

		// Stale version.
		if _, err := s.UpdateRun(ctx, run); !model.IsCode(err, model.ErrConflict) {
			t.Errorf("stale UpdateRun() error = %v, want CONFLICT", err)
		}
	})

	t.Run("UpdateRejectsShrinkingHistory", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := testRun("run-1", "acknowledge", base)
		run.StepHistory = []string{"a", "b"}
		_ = s.CreateRun(ctx, run)

		run.StepHistory = []string{"a"}
		if _, err := s.UpdateRun(ctx, run); !model.IsCode(err, model.ErrConflict) {
			t.Errorf("UpdateRun() with shorter history error = %v, want CONFLICT", err)
		}

		run.StepHistory = []string{"a", "b"}
		run.Codename = "other"
		if _, err := s.UpdateRun(ctx, run); !model.IsCode(err, model.ErrConflict) {
			t.Errorf("UpdateRun() with new codename error = %v, want CONFLICT", err)
		}
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpdateRun(context.Background(), testRun("missing", "acknowledge", base))
		if !model.IsCode(err, model.ErrNotFound) {
			t.Errorf("UpdateRun(missing) error = %v, want NOT_FOUND", err)
		}
	})

	t.Run("FindRuns", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 0; i < 4; i++ {
			run := testRun(fmt.Sprintf("run-%d", i), "acknowledge", base.Add(time.Duration(i)*time.Minute))
			if i == 3 {
				run.Codename = "research"
			}
			if i == 0 {
				run.Status = model.RunStatusCompleted
			}
			_ = s.CreateRun(ctx, run)
		}

		all, err := s.FindRuns(ctx, model.RunFilters{})
		if err != nil {
			t.Fatalf("FindRuns() error = %v", err)
		}
		if len(all) != 4 || all[0].ID != "run-3" {
			t.Errorf("FindRuns() = %d runs, first %q; want 4 newest first", len(all), firstID(all))
		}

		ack, _ := s.FindRuns(ctx, model.RunFilters{Codename: "acknowledge"})
		if len(ack) != 3 {
			t.Errorf("FindRuns(codename) = %d, want 3", len(ack))
		}

		done, _ := s.FindRuns(ctx, model.RunFilters{Status: model.RunStatusCompleted})
		if len(done) != 1 || done[0].ID != "run-0" {
			t.Errorf("FindRuns(status) = %v", done)
		}

		page, _ := s.FindRuns(ctx, model.RunFilters{Limit: 2, Offset: 1})
		if len(page) != 2 || page[0].ID != "run-2" {
			t.Errorf("FindRuns(limit, offset) = %d runs, first %q", len(page), firstID(page))
		}
	})

	t.Run("CreateRunWithAssociation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if err := s.CreateRunWithAssociation(ctx, testRun("run-1", "acknowledge", base), testAssoc("email", "thread-1", base)); err != nil {
			t.Fatalf("CreateRunWithAssociation() error = %v", err)
		}
		runID, err := s.FindRunByChannel(ctx, "email", "thread-1")
		if err != nil || runID != "run-1" {
			t.Fatalf("FindRunByChannel() = %q, %v", runID, err)
		}

		err = s.CreateRunWithAssociation(ctx, testRun("run-2", "acknowledge", base), testAssoc("email", "thread-1", base))
		if !model.IsCode(err, model.ErrAssociationConflict) {
			t.Fatalf("second claim error = %v, want ASSOCIATION_CONFLICT", err)
		}
		if _, err := s.GetRun(ctx, "run-2"); !model.IsCode(err, model.ErrNotFound) {
			t.Errorf("losing run should not be persisted, GetRun error = %v", err)
		}

		if _, err := s.FindRunByChannel(ctx, "email", "thread-2"); !model.IsCode(err, model.ErrNotFound) {
			t.Errorf("FindRunByChannel(unbound) error = %v, want NOT_FOUND", err)
		}
	})

	t.Run("ConcurrentClaimsCreateOneRun", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var wins, conflicts atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := s.CreateRunWithAssociation(ctx, testRun(fmt.Sprintf("run-%d", i), "acknowledge", base), testAssoc("chat", "room-1", base))
				switch {
				case err == nil:
					wins.Add(1)
				case model.IsCode(err, model.ErrAssociationConflict):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		if wins.Load() != 1 || conflicts.Load() != 15 {
			t.Errorf("wins = %d, conflicts = %d; want 1 and 15", wins.Load(), conflicts.Load())
		}
		runs, _ := s.FindRuns(ctx, model.RunFilters{})
		if len(runs) != 1 {
			t.Errorf("runs persisted = %d, want 1", len(runs))
		}
	})

	t.Run("Associate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_ = s.CreateRunWithAssociation(ctx, testRun("run-1", "acknowledge", base), testAssoc("email", "thread-1", base))
		_ = s.CreateRunWithAssociation(ctx, testRun("run-2", "acknowledge", base), testAssoc("email", "thread-2", base))

		second := testAssoc("chat", "room-9", base.Add(time.Minute))
		second.RunID = "run-1"
		if err := s.Associate(ctx, second); err != nil {
			t.Fatalf("Associate() error = %v", err)
		}
		if err := s.Associate(ctx, second); err != nil {
			t.Errorf("re-binding to the same run should be a no-op, got %v", err)
		}

		stolen := testAssoc("email", "thread-2", base)
		stolen.RunID = "run-1"
		if err := s.Associate(ctx, stolen); !model.IsCode(err, model.ErrAssociationConflict) {
			t.Errorf("rebinding error = %v, want ASSOCIATION_CONFLICT", err)
		}

		orphan := testAssoc("chat", "room-10", base)
		orphan.RunID = "missing"
		if err := s.Associate(ctx, orphan); !model.IsCode(err, model.ErrNotFound) {
			t.Errorf("Associate(missing run) error = %v, want NOT_FOUND", err)
		}

		assocs, err := s.ListAssociations(ctx, "run-1")
		if err != nil {
			t.Fatalf("ListAssociations() error = %v", err)
		}
		if len(assocs) != 2 || assocs[0].ChannelType != "email" || assocs[1].ChannelType != "chat" {
			t.Errorf("ListAssociations() = %+v", assocs)
		}
		if assocs[0].RunID != "run-1" {
			t.Errorf("RunID = %q, want run-1", assocs[0].RunID)
		}
	})
}

func firstID(runs []model.WorkflowRun) string {
	if len(runs) == 0 {
		return ""
	}
	return runs[0].ID
}
