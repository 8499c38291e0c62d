// Package registry holds the static mapping from a workflow codename to its
// typed state schema and transition function.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pitabwire/sampark/model"
)

// StepCancelled is the step label recorded when a run is cancelled.
const StepCancelled = "cancelled"

// TransitionInput is everything a transition function may look at.
type TransitionInput struct {
	RunID       string
	Codename    string
	State       any
	CurrentStep string
	StepHistory []string
	Trigger     model.Trigger
}

// OutboundMessage is a reply requested by workflow logic. Empty channel
// fields are filled in by the orchestrator from the trigger source or the
// run's association.
type OutboundMessage struct {
	ChannelType string
	ChannelID   string
	Message     map[string]any
}

// Transition is the successful result of a transition function.
type Transition struct {
	NextState  any
	NextStep   string
	NextStatus model.RunStatus
	Outbound   []OutboundMessage
}

// TransitionFunc advances a run by one trigger. It must not perform side
// effects against channels; anything outbound is returned as intents.
// A returned error is a workflow-domain failure.
type TransitionFunc func(ctx context.Context, in TransitionInput) (Transition, error)

// Definition is one registered workflow kind.
type Definition struct {
	Codename   string
	Schema     Schema
	Transition TransitionFunc
}

// snapshot is an immutable view of the registered definitions.
type snapshot struct {
	defs map[string]Definition
}

// Registry is written once at process start and read-only afterwards.
// Lookups are lock-free.
type Registry struct {
	mu     sync.Mutex
	frozen bool
	snap   atomic.Pointer[snapshot]
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{defs: map[string]Definition{}})
	return r
}

// Register adds a workflow kind. The function is wrapped so that a cancel
// trigger always moves the run to cancelled, whatever the current step.
func (r *Registry) Register(codename string, schema Schema, fn TransitionFunc) error {
	if codename == "" {
		return fmt.Errorf("registry: codename is required")
	}
	if schema == nil {
		return fmt.Errorf("registry: %q: schema is required", codename)
	}
	if fn == nil {
		return fmt.Errorf("registry: %q: transition function is required", codename)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registry: %q: registration after start is not allowed", codename)
	}
	cur := r.snap.Load()
	if _, exists := cur.defs[codename]; exists {
		return fmt.Errorf("registry: %q is already registered", codename)
	}

	next := &snapshot{defs: make(map[string]Definition, len(cur.defs)+1)}
	for k, v := range cur.defs {
		next.defs[k] = v
	}
	next.defs[codename] = Definition{
		Codename:   codename,
		Schema:     schema,
		Transition: acceptCancellation(fn),
	}
	r.snap.Store(next)
	return nil
}

// MustRegister is Register that panics on error. For process start.
func (r *Registry) MustRegister(codename string, schema Schema, fn TransitionFunc) {
	if err := r.Register(codename, schema, fn); err != nil {
		panic(err)
	}
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the definition for a codename.
func (r *Registry) Lookup(codename string) (Definition, bool) {
	def, ok := r.snap.Load().defs[codename]
	return def, ok
}

// Codenames returns all registered codenames, sorted.
func (r *Registry) Codenames() []string {
	defs := r.snap.Load().defs
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered workflow kinds.
func (r *Registry) Len() int {
	return len(r.snap.Load().defs)
}

func acceptCancellation(fn TransitionFunc) TransitionFunc {
	return func(ctx context.Context, in TransitionInput) (Transition, error) {
		if in.Trigger.IsCancel() {
			return Transition{
				NextState:  in.State,
				NextStep:   StepCancelled,
				NextStatus: model.RunStatusCancelled,
			}, nil
		}
		return fn(ctx, in)
	}
}
