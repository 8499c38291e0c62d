// Package executor applies one trigger to one workflow run: load, decode,
// transition, commit. Callers must hold the run's execution slot.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/sampark/internal/observability"
	"github.com/pitabwire/sampark/internal/registry"
	"github.com/pitabwire/sampark/internal/store"
	"github.com/pitabwire/sampark/model"
)

// Result is the committed run and the notification intents produced by the
// transition. Run is set whenever a commit happened, including commits of a
// failure.
type Result struct {
	Run     model.WorkflowRun
	Intents []model.NotificationIntent
}

// Executor runs transition functions against stored runs.
type Executor struct {
	registry *registry.Registry
	store    store.RunStore
	logger   *zap.Logger
	clock    func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock overrides the time source used for updated_at and history
// timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) { e.clock = clock }
}

// WithLogger sets the executor's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// New creates an executor.
func New(reg *registry.Registry, runs store.RunStore, opts ...Option) *Executor {
	e := &Executor{
		registry: reg,
		store:    runs,
		logger:   zap.NewNop(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute applies trigger to the run. The returned error is an
// *model.ErrorEnvelope for every engine-level outcome:
//
//   - NOT_FOUND: the run or its codename is unknown. Nothing is written.
//   - INVALID_STATE: the run is terminal. Nothing is written.
//   - CORRUPT_STATE: the stored state does not decode. The run is committed
//     as failed.
//   - TRANSITION_FAILURE: the transition function failed. The run is
//     committed as failed with the error in its conversation history.
//
// Store failures are returned wrapped.
func (e *Executor) Execute(ctx context.Context, runID string, trigger model.Trigger) (Result, error) {
	ctx, span := observability.StartSpan(ctx, "executor.execute",
		observability.AttrRunID.String(runID),
		observability.AttrTriggerID.String(trigger.ID),
		observability.AttrTriggerKind.String(string(trigger.Kind)),
	)
	res, err := e.execute(ctx, runID, trigger)
	if res.Run.ID != "" {
		span.SetAttributes(
			observability.AttrCodename.String(res.Run.Codename),
			observability.AttrStatus.String(string(res.Run.Status)),
		)
	}
	observability.EndSpanWithError(span, err)
	return res, err
}

func (e *Executor) execute(ctx context.Context, runID string, trigger model.Trigger) (Result, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return Result{}, err
	}
	if run.Status.IsTerminal() {
		return Result{}, model.NewInvalidStateError(runID, run.Status)
	}

	def, ok := e.registry.Lookup(run.Codename)
	if !ok {
		return Result{}, model.NewNotFoundError(fmt.Sprintf("workflow kind %q is not registered", run.Codename))
	}

	logger := e.logger.With(
		zap.String("run_id", runID),
		zap.String("codename", run.Codename),
		zap.String("trigger_id", trigger.ID),
	)

	state, err := def.Schema.Decode(run.State)
	if err != nil {
		envelope := model.NewCorruptStateError(runID, run.Codename, err)
		logger.Error("stored state does not match schema", zap.Error(err))
		committed, cerr := e.commitFailure(ctx, run, trigger, envelope)
		if cerr != nil {
			return Result{}, cerr
		}
		return Result{Run: committed, Intents: statusIntents(run.Status, committed)}, envelope
	}

	transition, err := invoke(ctx, def.Transition, registry.TransitionInput{
		RunID:       runID,
		Codename:    run.Codename,
		State:       state,
		CurrentStep: run.CurrentStep,
		StepHistory: append([]string{}, run.StepHistory...),
		Trigger:     trigger,
	})
	var encoded []byte
	if err == nil {
		err = checkTransition(run.Status, transition)
	}
	if err == nil {
		encoded, err = def.Schema.Encode(transition.NextState)
	}
	if err != nil {
		envelope := model.NewTransitionFailureError(runID, err)
		logger.Warn("transition failed", zap.Error(err))
		committed, cerr := e.commitFailure(ctx, run, trigger, envelope)
		if cerr != nil {
			return Result{}, cerr
		}
		return Result{Run: committed, Intents: statusIntents(run.Status, committed)}, envelope
	}

	next := run.Clone()
	now := e.nextTimestamp(run.UpdatedAt)
	response := make([]map[string]any, 0, len(transition.Outbound))
	for _, msg := range transition.Outbound {
		response = append(response, msg.Message)
	}
	next.StepHistory = append(next.StepHistory, transition.NextStep)
	next.CurrentStep = transition.NextStep
	next.ConversationHistory = append(next.ConversationHistory, model.ConversationEntry{
		TriggerID: trigger.ID,
		Kind:      trigger.Kind,
		Source:    trigger.Source,
		Payload:   trigger.Payload,
		Step:      transition.NextStep,
		Status:    transition.NextStatus,
		Response:  response,
		Timestamp: now,
	})
	next.State = encoded
	next.Status = transition.NextStatus
	next.UpdatedAt = now

	committed, err := e.store.UpdateRun(ctx, next)
	if err != nil {
		return Result{}, fmt.Errorf("commit run %q: %w", runID, err)
	}
	logger.Info("transition committed",
		zap.String("step", transition.NextStep),
		zap.String("status", string(transition.NextStatus)),
		zap.Int("outbound", len(transition.Outbound)),
	)

	intents := make([]model.NotificationIntent, 0, len(transition.Outbound)+1)
	for _, msg := range transition.Outbound {
		intents = append(intents, model.NotificationIntent{
			RunID:       runID,
			Kind:        model.NotificationKindMessage,
			ChannelType: msg.ChannelType,
			ChannelID:   msg.ChannelID,
			Message:     msg.Message,
			Status:      committed.Status,
		})
	}
	intents = append(intents, statusIntents(run.Status, committed)...)
	return Result{Run: committed, Intents: intents}, nil
}

// commitFailure marks the run failed and records the failure as a
// conversation entry. Step history and state are left unchanged.
func (e *Executor) commitFailure(ctx context.Context, run model.WorkflowRun, trigger model.Trigger, envelope *model.ErrorEnvelope) (model.WorkflowRun, error) {
	next := run.Clone()
	now := e.nextTimestamp(run.UpdatedAt)
	next.Status = model.RunStatusFailed
	next.UpdatedAt = now
	next.ConversationHistory = append(next.ConversationHistory, model.ConversationEntry{
		TriggerID: trigger.ID,
		Kind:      trigger.Kind,
		Source:    trigger.Source,
		Payload:   trigger.Payload,
		Status:    model.RunStatusFailed,
		ErrorCode: envelope.Code,
		Error:     envelope.Message,
		Timestamp: now,
	})

	committed, err := e.store.UpdateRun(ctx, next)
	if err != nil {
		return model.WorkflowRun{}, fmt.Errorf("commit failed run %q: %w", run.ID, err)
	}
	return committed, nil
}

// nextTimestamp returns the current time, bumped past prev so updated_at
// strictly increases at the storage precision.
func (e *Executor) nextTimestamp(prev time.Time) time.Time {
	now := e.clock().UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

// invoke calls fn, converting a panic into an error.
func invoke(ctx context.Context, fn registry.TransitionFunc, in registry.TransitionInput) (t registry.Transition, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transition panicked: %v", r)
		}
	}()
	return fn(ctx, in)
}

func checkTransition(current model.RunStatus, t registry.Transition) error {
	if t.NextStep == "" {
		return errors.New("transition returned an empty step label")
	}
	if !t.NextStatus.Valid() {
		return fmt.Errorf("transition returned unknown status %q", t.NextStatus)
	}
	if !current.CanTransitionTo(t.NextStatus) {
		return fmt.Errorf("illegal status change %s -> %s", current, t.NextStatus)
	}
	return nil
}

func statusIntents(prev model.RunStatus, run model.WorkflowRun) []model.NotificationIntent {
	if prev == run.Status {
		return nil
	}
	return []model.NotificationIntent{{
		RunID:  run.ID,
		Kind:   model.NotificationKindStatus,
		Status: run.Status,
	}}
}
