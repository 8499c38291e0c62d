package model

import (
	"encoding/json"
	"time"
)

// RunStatus is the observable lifecycle status of a workflow run. It is
// never used as a lock.
type RunStatus string

// Workflow run status constants.
const (
	RunStatusRunning          RunStatus = "running"
	RunStatusAwaitingFeedback RunStatus = "awaiting_feedback"
	RunStatusCompleted        RunStatus = "completed"
	RunStatusFailed           RunStatus = "failed"
	RunStatusCancelled        RunStatus = "cancelled"
)

// statusEdges lists the legal successors of each non-terminal status.
var statusEdges = map[RunStatus][]RunStatus{
	RunStatusRunning: {
		RunStatusRunning, RunStatusAwaitingFeedback,
		RunStatusCompleted, RunStatusFailed, RunStatusCancelled,
	},
	RunStatusAwaitingFeedback: {
		RunStatusRunning, RunStatusAwaitingFeedback,
		RunStatusCompleted, RunStatusFailed, RunStatusCancelled,
	},
}

// Valid reports whether s is one of the known statuses.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusRunning, RunStatusAwaitingFeedback,
		RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s is completed, failed or cancelled.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	for _, candidate := range statusEdges[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// WorkflowRun is one instance of a workflow in progress.
//
// StepHistory and ConversationHistory only ever grow. State is the JSON
// encoding of the payload type registered for Codename.
type WorkflowRun struct {
	ID                  string              `json:"id"`
	Codename            string              `json:"codename"`
	Status              RunStatus           `json:"status"`
	CurrentStep         string              `json:"current_step"`
	StepHistory         []string            `json:"step_history"`
	ConversationHistory []ConversationEntry `json:"conversation_history"`
	State               json.RawMessage     `json:"state,omitempty"`
	ConfidenceScore     float64             `json:"confidence_score"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
	Version             int                 `json:"version"`
}

// Clone returns a deep copy of the run so callers can mutate it without
// touching a stored value.
func (r WorkflowRun) Clone() WorkflowRun {
	out := r
	out.StepHistory = append([]string{}, r.StepHistory...)
	out.ConversationHistory = append([]ConversationEntry{}, r.ConversationHistory...)
	if r.State != nil {
		out.State = append(json.RawMessage{}, r.State...)
	}
	return out
}

// ConversationEntry records one trigger and the engine's response to it.
type ConversationEntry struct {
	TriggerID string           `json:"trigger_id"`
	Kind      TriggerKind      `json:"kind"`
	Source    Source           `json:"source"`
	Payload   map[string]any   `json:"payload,omitempty"`
	Step      string           `json:"step,omitempty"`
	Status    RunStatus        `json:"status"`
	Response  []map[string]any `json:"response,omitempty"`
	ErrorCode string           `json:"error_code,omitempty"`
	Error     string           `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// CommunicationAssociation binds one external conversation entity to a run.
// The (ChannelType, ChannelID) pair is unique and never rebound.
type CommunicationAssociation struct {
	ChannelType string    `json:"channel_type"`
	ChannelID   string    `json:"channel_id"`
	RunID       string    `json:"run_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// RunFilters are optional filters for listing runs.
type RunFilters struct {
	Codename string
	Status   RunStatus
	Limit    int
	Offset   int
}
