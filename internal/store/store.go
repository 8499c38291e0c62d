// Package store persists workflow runs and their channel associations.
package store

import (
	"context"

	"github.com/pitabwire/sampark/model"
)

// RunStore persists workflow run records.
type RunStore interface {
	// CreateRun persists a new run. Returns CONFLICT if the id exists.
	CreateRun(ctx context.Context, run model.WorkflowRun) error

	// GetRun retrieves a run by id. Returns NOT_FOUND if absent.
	GetRun(ctx context.Context, runID string) (model.WorkflowRun, error)

	// UpdateRun replaces a run with optimistic locking. run.Version must
	// match the stored version; CONFLICT is returned otherwise. The stored
	// record, with its incremented version, is returned.
	UpdateRun(ctx context.Context, run model.WorkflowRun) (model.WorkflowRun, error)

	// FindRuns lists runs newest first, optionally filtered.
	FindRuns(ctx context.Context, filters model.RunFilters) ([]model.WorkflowRun, error)
}

// AssociationIndex maps (channel type, channel id) pairs to runs. A pair is
// bound at most once and never rebound.
type AssociationIndex interface {
	// CreateRunWithAssociation persists a new run and its first association
	// as one unit. Returns ASSOCIATION_CONFLICT, and persists nothing, when
	// the pair is already bound.
	CreateRunWithAssociation(ctx context.Context, run model.WorkflowRun, assoc model.CommunicationAssociation) error

	// Associate binds an additional pair to an existing run. Binding a pair
	// to the run it already belongs to is a no-op; binding it to another
	// run returns ASSOCIATION_CONFLICT.
	Associate(ctx context.Context, assoc model.CommunicationAssociation) error

	// FindRunByChannel returns the run bound to the pair, or NOT_FOUND.
	FindRunByChannel(ctx context.Context, channelType, channelID string) (string, error)

	// ListAssociations returns every pair bound to a run, oldest first.
	ListAssociations(ctx context.Context, runID string) ([]model.CommunicationAssociation, error)
}

// Store is the full persistence contract of the engine.
type Store interface {
	RunStore
	AssociationIndex
}
