package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/sampark/model"
)

type channelKey struct {
	channelType string
	channelID   string
}

// MemoryStore is an in-memory Store for tests and single-process
// deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]model.WorkflowRun // key: run ID
	assocs map[channelKey]model.CommunicationAssociation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]model.WorkflowRun),
		assocs: make(map[channelKey]model.CommunicationAssociation),
	}
}

// CreateRun persists a new run.
func (s *MemoryStore) CreateRun(_ context.Context, run model.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertRunLocked(run)
}

func (s *MemoryStore) insertRunLocked(run model.WorkflowRun) error {
	if _, exists := s.runs[run.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow run %q already exists", run.ID))
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

// GetRun retrieves a run by ID.
func (s *MemoryStore) GetRun(_ context.Context, runID string) (model.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[runID]
	if !exists {
		return model.WorkflowRun{}, runNotFound(runID)
	}
	return run.Clone(), nil
}

// UpdateRun replaces a run with optimistic locking.
func (s *MemoryStore) UpdateRun(_ context.Context, run model.WorkflowRun) (model.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.runs[run.ID]
	if !exists {
		return model.WorkflowRun{}, runNotFound(run.ID)
	}
	if existing.Version != run.Version {
		return model.WorkflowRun{}, model.NewConflictError(
			fmt.Sprintf("workflow run %q version conflict (expected %d, got %d)", run.ID, run.Version, existing.Version),
		)
	}
	if err := checkImmutable(existing, run); err != nil {
		return model.WorkflowRun{}, err
	}

	stored := run.Clone()
	stored.Version++
	s.runs[run.ID] = stored
	return stored.Clone(), nil
}

// FindRuns lists runs newest first.
func (s *MemoryStore) FindRuns(_ context.Context, filters model.RunFilters) ([]model.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.WorkflowRun{}
	for _, run := range s.runs {
		if filters.Codename != "" && run.Codename != filters.Codename {
			continue
		}
		if filters.Status != "" && run.Status != filters.Status {
			continue
		}
		result = append(result, run.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowRun{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// CreateRunWithAssociation persists a run and its first association under
// one lock.
func (s *MemoryStore) CreateRunWithAssociation(_ context.Context, run model.WorkflowRun, assoc model.CommunicationAssociation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := channelKey{assoc.ChannelType, assoc.ChannelID}
	if _, bound := s.assocs[key]; bound {
		return model.NewAssociationConflictError(assoc.ChannelType, assoc.ChannelID)
	}
	if err := s.insertRunLocked(run); err != nil {
		return err
	}
	assoc.RunID = run.ID
	s.assocs[key] = assoc
	return nil
}

// Associate binds an additional pair to an existing run.
func (s *MemoryStore) Associate(_ context.Context, assoc model.CommunicationAssociation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[assoc.RunID]; !exists {
		return runNotFound(assoc.RunID)
	}
	key := channelKey{assoc.ChannelType, assoc.ChannelID}
	if existing, bound := s.assocs[key]; bound {
		if existing.RunID == assoc.RunID {
			return nil
		}
		return model.NewAssociationConflictError(assoc.ChannelType, assoc.ChannelID)
	}
	s.assocs[key] = assoc
	return nil
}

// FindRunByChannel returns the run bound to a pair.
func (s *MemoryStore) FindRunByChannel(_ context.Context, channelType, channelID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assoc, bound := s.assocs[channelKey{channelType, channelID}]
	if !bound {
		return "", channelNotFound(channelType, channelID)
	}
	return assoc.RunID, nil
}

// ListAssociations returns the pairs bound to a run, oldest first.
func (s *MemoryStore) ListAssociations(_ context.Context, runID string) ([]model.CommunicationAssociation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.CommunicationAssociation{}
	for _, assoc := range s.assocs {
		if assoc.RunID == runID {
			result = append(result, assoc)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			if result[i].ChannelType == result[j].ChannelType {
				return result[i].ChannelID < result[j].ChannelID
			}
			return result[i].ChannelType < result[j].ChannelType
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Len returns the number of stored runs. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

// checkImmutable rejects updates that change the codename or shrink either
// history.
func checkImmutable(existing, next model.WorkflowRun) error {
	if existing.Codename != next.Codename {
		return model.NewConflictError(fmt.Sprintf("workflow run %q codename cannot change", next.ID))
	}
	if len(next.StepHistory) < len(existing.StepHistory) ||
		len(next.ConversationHistory) < len(existing.ConversationHistory) {
		return model.NewConflictError(fmt.Sprintf("workflow run %q history cannot shrink", next.ID))
	}
	return nil
}

func runNotFound(runID string) *model.ErrorEnvelope {
	return model.NewNotFoundError(fmt.Sprintf("workflow run %q not found", runID))
}

func channelNotFound(channelType, channelID string) *model.ErrorEnvelope {
	return model.NewNotFoundError(fmt.Sprintf("no run bound to channel %s/%s", channelType, channelID))
}
