// Package orchestrator is the single entry point for triggers. It resolves a
// trigger to a run, creating the run on first contact, and enforces that at
// most one execution is in flight per run. Triggers that arrive while a run
// is executing are queued and drained in order by the slot holder.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/sampark/internal/executor"
	"github.com/pitabwire/sampark/internal/observability"
	"github.com/pitabwire/sampark/internal/queue"
	"github.com/pitabwire/sampark/internal/registry"
	"github.com/pitabwire/sampark/internal/slot"
	"github.com/pitabwire/sampark/internal/store"
	"github.com/pitabwire/sampark/model"
)

// ErrClosed is returned by Submit after Close has been called.
var ErrClosed = errors.New("orchestrator: closed")

// Outcome is what happened to a submitted trigger.
type Outcome string

// Submission outcomes.
const (
	OutcomeExecuted Outcome = "executed"
	OutcomeQueued   Outcome = "queued"
	OutcomeRejected Outcome = "rejected"
)

// SubmitResult is returned for every accepted or rejected trigger.
//
// An executed trigger whose transition failed is still OutcomeExecuted: the
// failure is committed on the run and Reason carries its error code.
type SubmitResult struct {
	Accepted bool               `json:"accepted"`
	RunID    string             `json:"run_id,omitempty"`
	Outcome  Outcome            `json:"outcome"`
	Reason   string             `json:"reason,omitempty"`
	Run      *model.WorkflowRun `json:"run,omitempty"`
}

const defaultAssociationRetries = 3

// Orchestrator coordinates trigger resolution, single-flight execution and
// queue draining.
type Orchestrator struct {
	registry   *registry.Registry
	store      store.Store
	queue      queue.TriggerQueue
	slots      slot.Manager
	executor   *executor.Executor
	classifier Classifier
	notifier   Notifier
	logger     *zap.Logger
	metrics    *observability.Metrics
	retries    int
	clock      func() time.Time
	newID      func() string

	// Drainers run on baseCtx so they outlive the request that started them.
	baseCtx context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClassifier sets the classifier consulted for new runs whose first
// trigger carries no classification.
func WithClassifier(c Classifier) Option {
	return func(o *Orchestrator) { o.classifier = c }
}

// WithNotifier sets the notification collaborator.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics sink. A nil sink records nothing.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithAssociationRetries bounds how many times a new-run creation that lost
// an association race is re-resolved.
func WithAssociationRetries(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.retries = n
		}
	}
}

// WithClock overrides the time source for trigger receipt and run creation.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// New creates an orchestrator. Without WithNotifier, intents are dropped.
func New(
	reg *registry.Registry,
	st store.Store,
	q queue.TriggerQueue,
	slots slot.Manager,
	exec *executor.Executor,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		registry: reg,
		store:    st,
		queue:    q,
		slots:    slots,
		executor: exec,
		notifier: NotifierFunc(func(context.Context, model.NotificationIntent) error { return nil }),
		logger:   zap.NewNop(),
		retries:  defaultAssociationRetries,
		clock:    time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.baseCtx, o.cancel = context.WithCancel(context.Background())
	return o
}

// Submit resolves the trigger to a run and either executes it now, queues
// it behind an in-flight execution, or rejects it because the run is
// terminal. A rejection returns both the result and the rejection error.
func (o *Orchestrator) Submit(ctx context.Context, trigger model.Trigger) (SubmitResult, error) {
	if o.isClosed() {
		return SubmitResult{}, ErrClosed
	}
	trigger, err := o.normalize(trigger)
	if err != nil {
		return SubmitResult{}, err
	}

	ctx, span := observability.StartSpan(ctx, "orchestrator.submit",
		observability.AttrTriggerID.String(trigger.ID),
		observability.AttrTriggerKind.String(string(trigger.Kind)),
		observability.AttrChannel.String(trigger.Source.String()),
	)
	res, err := o.submit(ctx, trigger)
	if res.RunID != "" {
		span.SetAttributes(observability.AttrRunID.String(res.RunID))
	}
	if res.Outcome != "" {
		span.SetAttributes(observability.AttrOutcome.String(string(res.Outcome)))
		o.metrics.RecordTrigger(string(res.Outcome))
	}
	observability.EndSpanWithError(span, err)
	return res, err
}

func (o *Orchestrator) submit(ctx context.Context, trigger model.Trigger) (SubmitResult, error) {
	logger := observability.RequestLogger(ctx, o.logger).With(
		zap.String("trigger_id", trigger.ID),
		zap.String("source", trigger.Source.String()),
	)
	logger.Debug("trigger received",
		zap.String("kind", string(trigger.Kind)),
		observability.PayloadField("payload", trigger.Payload),
	)

	run, err := o.resolve(ctx, &trigger)
	if err != nil {
		return SubmitResult{}, err
	}
	logger = logger.With(zap.String("run_id", run.ID))

	if run.Status.IsTerminal() {
		logger.Warn("trigger rejected for terminated run", zap.String("status", string(run.Status)))
		return rejected(run.ID, model.NewWorkflowTerminatedError(run.ID, run.Status))
	}

	lease, acquired, err := o.slots.TryAcquire(ctx, run.ID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("acquire slot for run %q: %w", run.ID, err)
	}
	if !acquired {
		if err := o.queue.Enqueue(ctx, run.ID, trigger); err != nil {
			return SubmitResult{}, fmt.Errorf("enqueue trigger for run %q: %w", run.ID, err)
		}
		logger.Debug("trigger queued behind in-flight execution")
		// The holder may have released between our attempt and the enqueue.
		o.kick(run.ID)
		return queued(run.ID), nil
	}

	pending, err := o.queue.Len(ctx, run.ID)
	if err != nil {
		o.release(lease)
		return SubmitResult{}, fmt.Errorf("inspect queue for run %q: %w", run.ID, err)
	}
	if pending > 0 {
		// Earlier triggers are still waiting; keep FIFO by going behind them.
		if err := o.queue.Enqueue(ctx, run.ID, trigger); err != nil {
			o.release(lease)
			return SubmitResult{}, fmt.Errorf("enqueue trigger for run %q: %w", run.ID, err)
		}
		logger.Debug("trigger queued behind pending triggers", zap.Int("pending", pending))
		o.drain(lease)
		return queued(run.ID), nil
	}

	// The execution holds the slot until it commits, so it must not end with
	// the caller's deadline or disconnect. Request values are kept.
	result, err := o.execute(context.WithoutCancel(ctx), run.ID, trigger)
	o.handOff(lease)
	return executed(run.ID, result, err)
}

// resolve finds or creates the run a trigger is addressed to. A trigger may
// name its run directly, or be routed by its source association. An unknown
// source starts a new run.
func (o *Orchestrator) resolve(ctx context.Context, trigger *model.Trigger) (model.WorkflowRun, error) {
	if trigger.RunID != "" {
		run, err := o.store.GetRun(ctx, trigger.RunID)
		if err != nil {
			return model.WorkflowRun{}, err
		}
		if !trigger.Source.IsNewRun() && !run.Status.IsTerminal() {
			if err := o.store.Associate(ctx, o.association(trigger.Source, run.ID)); err != nil {
				return model.WorkflowRun{}, err
			}
		}
		return run, nil
	}

	if trigger.IsCancel() {
		return o.resolveCancel(ctx, trigger.Source)
	}

	if trigger.Source.IsNewRun() {
		run, err := o.newRun(ctx, trigger)
		if err != nil {
			return model.WorkflowRun{}, err
		}
		if err := o.store.CreateRun(ctx, run); err != nil {
			return model.WorkflowRun{}, err
		}
		o.runCreated(ctx, run, trigger.Source)
		return run, nil
	}

	for attempt := 1; ; attempt++ {
		runID, err := o.store.FindRunByChannel(ctx, trigger.Source.ChannelType, trigger.Source.ChannelID)
		if err == nil {
			return o.store.GetRun(ctx, runID)
		}
		if !model.IsCode(err, model.ErrNotFound) {
			return model.WorkflowRun{}, err
		}

		run, err := o.newRun(ctx, trigger)
		if err != nil {
			return model.WorkflowRun{}, err
		}
		err = o.store.CreateRunWithAssociation(ctx, run, o.association(trigger.Source, run.ID))
		if err == nil {
			o.runCreated(ctx, run, trigger.Source)
			return run, nil
		}
		if !model.IsCode(err, model.ErrAssociationConflict) {
			return model.WorkflowRun{}, err
		}

		o.metrics.RecordAssociationConflict()
		observability.RequestLogger(ctx, o.logger).Debug("lost new-run race, re-resolving",
			zap.String("source", trigger.Source.String()),
			zap.Int("attempt", attempt),
		)
		if attempt >= o.retries {
			return model.WorkflowRun{}, fmt.Errorf("resolve %s after %d attempts: %w", trigger.Source, attempt, err)
		}
	}
}

// resolveCancel finds the run a cancellation arriving on a channel is meant
// for. A cancellation never starts a run.
func (o *Orchestrator) resolveCancel(ctx context.Context, source model.Source) (model.WorkflowRun, error) {
	if source.IsNewRun() {
		return model.WorkflowRun{}, model.NewBadRequestError("a cancel trigger must name its run or its channel")
	}
	runID, err := o.store.FindRunByChannel(ctx, source.ChannelType, source.ChannelID)
	if err != nil {
		if model.IsCode(err, model.ErrNotFound) {
			return model.WorkflowRun{}, model.NewNotFoundError(fmt.Sprintf("no run is bound to %s", source))
		}
		return model.WorkflowRun{}, err
	}
	return o.store.GetRun(ctx, runID)
}

// newRun builds, but does not persist, the first record of a run. The
// trigger's classification is filled in so retries do not classify again.
func (o *Orchestrator) newRun(ctx context.Context, trigger *model.Trigger) (model.WorkflowRun, error) {
	if trigger.Classification == nil {
		if o.classifier == nil {
			return model.WorkflowRun{}, model.NewBadRequestError("a new-run trigger requires a classification")
		}
		cls, err := o.classifier.Classify(ctx, *trigger)
		if err != nil {
			return model.WorkflowRun{}, fmt.Errorf("classify trigger %q: %w", trigger.ID, err)
		}
		if err := cls.Validate(); err != nil {
			return model.WorkflowRun{}, err
		}
		trigger.Classification = &cls
	}
	cls := trigger.Classification

	def, ok := o.registry.Lookup(cls.Codename)
	if !ok {
		return model.WorkflowRun{}, model.NewNotFoundError(fmt.Sprintf("workflow kind %q is not registered", cls.Codename))
	}
	state, err := def.Schema.Initial(cls.Data)
	if err != nil {
		return model.WorkflowRun{}, model.NewBadRequestError(fmt.Sprintf("classification data for %q: %v", cls.Codename, err))
	}

	now := o.clock().UTC().Truncate(time.Microsecond)
	return model.WorkflowRun{
		ID:                  o.newID(),
		Codename:            cls.Codename,
		Status:              model.RunStatusRunning,
		StepHistory:         []string{},
		ConversationHistory: []model.ConversationEntry{},
		State:               state,
		ConfidenceScore:     cls.Confidence,
		CreatedAt:           now,
		UpdatedAt:           now,
		Version:             1,
	}, nil
}

func (o *Orchestrator) runCreated(ctx context.Context, run model.WorkflowRun, source model.Source) {
	o.metrics.RecordRunCreated(run.Codename)
	observability.RequestLogger(ctx, o.logger).Info("workflow run created",
		zap.String("run_id", run.ID),
		zap.String("codename", run.Codename),
		zap.Float64("confidence", run.ConfidenceScore),
		zap.String("source", source.String()),
	)
}

func (o *Orchestrator) association(source model.Source, runID string) model.CommunicationAssociation {
	return model.CommunicationAssociation{
		ChannelType: source.ChannelType,
		ChannelID:   source.ChannelID,
		RunID:       runID,
		CreatedAt:   o.clock().UTC().Truncate(time.Microsecond),
	}
}

// execute runs one trigger under a held slot and dispatches its intents.
func (o *Orchestrator) execute(ctx context.Context, runID string, trigger model.Trigger) (executor.Result, error) {
	start := time.Now()
	res, err := o.executor.Execute(ctx, runID, trigger)

	codename := res.Run.Codename
	if codename == "" {
		codename = "unknown"
	}
	result := "ok"
	if code := model.CodeOf(err); code != "" {
		result = code
	} else if err != nil {
		result = "error"
	}
	o.metrics.RecordExecution(codename, result, time.Since(start))

	if res.Run.ID != "" {
		if res.Run.Status.IsTerminal() {
			o.metrics.RecordRunCompletion(codename, string(res.Run.Status))
		}
		o.notify(ctx, res.Run, trigger, res.Intents)
	}
	return res, err
}

// notify hands intents to the notifier. Channel-less intents are addressed
// to the trigger's source, or else to the run's first association.
func (o *Orchestrator) notify(ctx context.Context, run model.WorkflowRun, trigger model.Trigger, intents []model.NotificationIntent) {
	if len(intents) == 0 {
		return
	}
	logger := observability.RequestLogger(ctx, o.logger).With(zap.String("run_id", run.ID))

	fallback := trigger.Source
	resolved := !fallback.IsNewRun()
	for _, intent := range intents {
		if intent.ChannelType == "" && intent.ChannelID == "" {
			if !resolved {
				resolved = true
				assocs, err := o.store.ListAssociations(ctx, run.ID)
				if err != nil {
					logger.Warn("listing associations for notification", zap.Error(err))
				} else if len(assocs) > 0 {
					fallback = model.Source{ChannelType: assocs[0].ChannelType, ChannelID: assocs[0].ChannelID}
				}
			}
			intent.ChannelType = fallback.ChannelType
			intent.ChannelID = fallback.ChannelID
		}

		if err := o.notifier.Notify(ctx, intent); err != nil {
			o.metrics.RecordNotification(string(intent.Kind), "error")
			logger.Warn("notification delivery failed",
				zap.String("kind", string(intent.Kind)),
				zap.String("channel_type", intent.ChannelType),
				zap.String("channel_id", intent.ChannelID),
				zap.Error(err),
			)
			continue
		}
		o.metrics.RecordNotification(string(intent.Kind), "ok")
	}
}

// handOff is called by a slot holder after its execution. With nothing
// queued the slot is released before returning; otherwise a drainer takes
// it over.
func (o *Orchestrator) handOff(lease slot.Lease) {
	runID := lease.RunID()
	pending, err := o.queue.Len(o.baseCtx, runID)
	if err != nil || pending > 0 {
		o.drain(lease)
		return
	}
	o.release(lease)
	if pending, err := o.queue.Len(o.baseCtx, runID); err == nil && pending > 0 {
		o.kick(runID)
	}
}

// drain hands a held slot to a background drainer, which executes queued
// triggers in order and then releases the slot.
func (o *Orchestrator) drain(lease slot.Lease) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.release(lease)
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		o.drainLoop(lease)
	}()
}

func (o *Orchestrator) drainLoop(lease slot.Lease) {
	ctx := o.baseCtx
	runID := lease.RunID()
	for {
		o.drainHeld(ctx, runID)
		o.release(lease)

		// A trigger enqueued between the last drain and the release found
		// the slot taken; pick it up here so it is never stranded.
		pending, err := o.queue.Len(ctx, runID)
		if err != nil {
			if ctx.Err() == nil {
				o.logger.Error("inspecting queue after release", zap.String("run_id", runID), zap.Error(err))
			}
			return
		}
		if pending == 0 {
			return
		}
		next, acquired, err := o.slots.TryAcquire(ctx, runID)
		if err != nil {
			o.logger.Error("re-acquiring slot", zap.String("run_id", runID), zap.Error(err))
			return
		}
		if !acquired {
			return
		}
		lease = next
	}
}

func (o *Orchestrator) drainHeld(ctx context.Context, runID string) {
	for ctx.Err() == nil {
		trigger, ok, err := o.queue.DrainOne(ctx, runID)
		if err != nil {
			o.logger.Error("draining queued trigger", zap.String("run_id", runID), zap.Error(err))
			return
		}
		if !ok {
			return
		}
		o.metrics.RecordQueuedTriggerDrained()

		logger := o.logger.With(zap.String("run_id", runID), zap.String("trigger_id", trigger.ID))
		_, err = o.execute(ctx, runID, trigger)
		switch {
		case err == nil:
			logger.Debug("queued trigger executed")
		case model.IsCode(err, model.ErrInvalidState):
			o.metrics.RecordStaleTrigger(model.ErrWorkflowTerminated)
			logger.Warn("discarding queued trigger for terminated run")
		case model.IsCode(err, model.ErrCorruptState), model.IsCode(err, model.ErrTransitionFailure):
			logger.Warn("queued trigger failed its run", zap.Error(err))
		default:
			logger.Error("executing queued trigger", zap.Error(err))
		}
	}
}

// kick starts a drainer if the slot of runID is free.
func (o *Orchestrator) kick(runID string) {
	lease, acquired, err := o.slots.TryAcquire(o.baseCtx, runID)
	if err != nil {
		o.logger.Error("acquiring slot for queued trigger", zap.String("run_id", runID), zap.Error(err))
		return
	}
	if acquired {
		o.drain(lease)
	}
}

func (o *Orchestrator) release(lease slot.Lease) {
	if err := lease.Release(o.baseCtx); err != nil {
		o.logger.Error("releasing execution slot", zap.String("run_id", lease.RunID()), zap.Error(err))
	}
}

// Cancel submits a cancellation trigger for a run. It follows the normal
// single-flight path: while an execution is in flight the cancellation is
// queued and applied next.
func (o *Orchestrator) Cancel(ctx context.Context, runID, reason string) (SubmitResult, error) {
	trigger := model.Trigger{Kind: model.TriggerKindCancel, RunID: runID}
	if reason != "" {
		trigger.Payload = map[string]any{"reason": reason}
	}
	return o.Submit(ctx, trigger)
}

// GetRun returns a snapshot of a run.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (model.WorkflowRun, error) {
	return o.store.GetRun(ctx, runID)
}

// FindRunByChannel returns the id of the run bound to a channel.
func (o *Orchestrator) FindRunByChannel(ctx context.Context, channelType, channelID string) (string, error) {
	return o.store.FindRunByChannel(ctx, channelType, channelID)
}

// ListRuns returns runs matching the filters, newest first.
func (o *Orchestrator) ListRuns(ctx context.Context, filters model.RunFilters) ([]model.WorkflowRun, error) {
	return o.store.FindRuns(ctx, filters)
}

// ListAssociations returns the channels bound to a run.
func (o *Orchestrator) ListAssociations(ctx context.Context, runID string) ([]model.CommunicationAssociation, error) {
	return o.store.ListAssociations(ctx, runID)
}

// Close stops accepting triggers and waits for background drainers. If ctx
// ends first, in-progress drains are cancelled and ctx's error returned.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// normalize fills defaults and validates the shape of an inbound trigger.
func (o *Orchestrator) normalize(trigger model.Trigger) (model.Trigger, error) {
	if trigger.ID == "" {
		trigger.ID = o.newID()
	}
	if trigger.Kind == "" {
		trigger.Kind = model.TriggerKindMessage
	}
	if trigger.Kind != model.TriggerKindMessage && trigger.Kind != model.TriggerKindCancel {
		return model.Trigger{}, model.NewBadRequestError(fmt.Sprintf("unknown trigger kind %q", trigger.Kind))
	}
	if trigger.ReceivedAt.IsZero() {
		trigger.ReceivedAt = o.clock().UTC()
	}
	if err := trigger.Source.Validate(); err != nil {
		return model.Trigger{}, err
	}
	if trigger.Classification != nil {
		if err := trigger.Classification.Validate(); err != nil {
			return model.Trigger{}, err
		}
	}
	return trigger, nil
}

func rejected(runID string, err *model.ErrorEnvelope) (SubmitResult, error) {
	return SubmitResult{RunID: runID, Outcome: OutcomeRejected, Reason: err.Code}, err
}

func queued(runID string) SubmitResult {
	return SubmitResult{Accepted: true, RunID: runID, Outcome: OutcomeQueued}
}

func executed(runID string, res executor.Result, err error) (SubmitResult, error) {
	if err == nil {
		run := res.Run
		return SubmitResult{Accepted: true, RunID: runID, Outcome: OutcomeExecuted, Run: &run}, nil
	}

	var envelope *model.ErrorEnvelope
	if !errors.As(err, &envelope) {
		return SubmitResult{}, err
	}
	switch envelope.Code {
	case model.ErrInvalidState:
		// The run turned terminal between resolution and execution; report
		// it the same way as a run that was terminal on arrival.
		return rejected(runID, &model.ErrorEnvelope{
			Code:    model.ErrWorkflowTerminated,
			Message: envelope.Message,
			RunID:   runID,
		})
	case model.ErrCorruptState, model.ErrTransitionFailure:
		run := res.Run
		return SubmitResult{Accepted: true, RunID: runID, Outcome: OutcomeExecuted, Reason: envelope.Code, Run: &run}, nil
	}
	return SubmitResult{}, err
}
