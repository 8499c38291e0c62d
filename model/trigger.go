package model

import (
	"fmt"
	"time"
)

// TriggerKind distinguishes ordinary input from an explicit cancellation.
type TriggerKind string

// Trigger kinds.
const (
	TriggerKindMessage TriggerKind = "message"
	TriggerKindCancel  TriggerKind = "cancel"
)

// Source identifies the external conversation a trigger came from. The zero
// value is the new-run marker.
type Source struct {
	ChannelType string `json:"channel_type,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
}

// IsNewRun reports whether the source carries no channel identity.
func (s Source) IsNewRun() bool {
	return s.ChannelType == "" && s.ChannelID == ""
}

// Validate checks that a channel source names both halves of the pair.
func (s Source) Validate() error {
	if s.IsNewRun() {
		return nil
	}
	if s.ChannelType == "" || s.ChannelID == "" {
		return NewBadRequestError("source requires both channel_type and channel_id")
	}
	return nil
}

// String returns "type/id", or "new-run" for the zero source.
func (s Source) String() string {
	if s.IsNewRun() {
		return "new-run"
	}
	return s.ChannelType + "/" + s.ChannelID
}

// Classification is the result of the language-understanding step for the
// first trigger of a run.
type Classification struct {
	Codename   string         `json:"codename"`
	Confidence float64        `json:"confidence"`
	Data       map[string]any `json:"data,omitempty"`
}

// Validate checks the codename is present and the confidence is in [0,1].
func (c Classification) Validate() error {
	if c.Codename == "" {
		return NewBadRequestError("classification requires a codename")
	}
	if !(c.Confidence >= 0 && c.Confidence <= 1) {
		return NewBadRequestError(fmt.Sprintf("classification confidence %v is outside [0,1]", c.Confidence))
	}
	return nil
}

// Trigger is an ephemeral event intended to advance a run.
type Trigger struct {
	ID             string          `json:"id"`
	Kind           TriggerKind     `json:"kind"`
	RunID          string          `json:"run_id,omitempty"`
	Source         Source          `json:"source"`
	Payload        map[string]any  `json:"payload,omitempty"`
	Classification *Classification `json:"classification,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
}

// IsCancel reports whether the trigger is a cancellation request.
func (t Trigger) IsCancel() bool {
	return t.Kind == TriggerKindCancel
}

// NotificationKind distinguishes workflow replies from engine status updates.
type NotificationKind string

// Notification kinds.
const (
	NotificationKindMessage NotificationKind = "message"
	NotificationKindStatus  NotificationKind = "status"
)

// NotificationIntent is an outbound message handed to communication
// collaborators after a committed transition. Delivery failures never roll
// the transition back.
type NotificationIntent struct {
	RunID       string           `json:"run_id"`
	Kind        NotificationKind `json:"kind"`
	ChannelType string           `json:"channel_type,omitempty"`
	ChannelID   string           `json:"channel_id,omitempty"`
	Message     map[string]any   `json:"message,omitempty"`
	Status      RunStatus        `json:"status"`
}
