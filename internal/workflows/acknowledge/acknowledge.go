// Package acknowledge is the built-in workflow kind that answers every new
// conversation with an acknowledgement and waits for it to be resolved.
package acknowledge

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/pitabwire/sampark/internal/registry"
	"github.com/pitabwire/sampark/model"
)

// Codename is the registry key of this workflow kind.
const Codename = "acknowledge"

// Step labels.
const (
	StepAcknowledged = "acknowledged"
	StepFollowUp     = "follow_up"
	StepResolved     = "resolved"
)

// Signature closes every reply.
const Signature = "Sampark-AI"

// State is the persisted state of an acknowledge run.
type State struct {
	Sender  string `json:"sender,omitempty"`
	Subject string `json:"subject,omitempty"`
	// Participants is every sender and recipient seen on the conversation,
	// each once, in order of first appearance.
	Participants []string `json:"participants,omitempty"`
	FollowUps    int      `json:"follow_ups"`
	Resolved     bool     `json:"resolved"`
}

const stateSchema = `{
  "type": "object",
  "required": ["follow_ups", "resolved"],
  "properties": {
    "sender":       {"type": "string"},
    "subject":      {"type": "string"},
    "participants": {"type": "array", "items": {"type": "string"}},
    "follow_ups":   {"type": "integer", "minimum": 0},
    "resolved":     {"type": "boolean"}
  }
}`

// Schema returns the state schema of the workflow kind.
func Schema() (*registry.TypedSchema[State], error) {
	validator, err := registry.ParseOpenAPISchema([]byte(stateSchema))
	if err != nil {
		return nil, err
	}
	return registry.NewTypedSchema[State]().WithValidator(validator), nil
}

// Register adds the workflow kind to reg.
func Register(reg *registry.Registry) error {
	schema, err := Schema()
	if err != nil {
		return fmt.Errorf("acknowledge: %w", err)
	}
	return reg.Register(Codename, schema, Transition)
}

// Transition acknowledges the first trigger of a run. Later triggers either
// resolve the run, when their payload carries "resolved": true, or are
// counted as follow-ups and acknowledged again.
func Transition(_ context.Context, in registry.TransitionInput) (registry.Transition, error) {
	s, ok := in.State.(State)
	if !ok {
		return registry.Transition{}, fmt.Errorf("unexpected state type %T", in.State)
	}
	payload := in.Trigger.Payload
	if v, ok := payload["sender"].(string); ok && v != "" {
		s.Sender = v
	}
	if v, ok := payload["subject"].(string); ok && v != "" && s.Subject == "" {
		s.Subject = v
	}
	s.Participants = addParticipants(s.Participants, payload["sender"], payload["recipients"])

	if in.CurrentStep != "" {
		if resolved, _ := payload["resolved"].(bool); resolved {
			s.Resolved = true
			return registry.Transition{
				NextState:  s,
				NextStep:   StepResolved,
				NextStatus: model.RunStatusCompleted,
				Outbound:   []registry.OutboundMessage{{Message: reply(s, "Your request has been marked as resolved. Thank you for reaching out.")}},
			}, nil
		}
		s.FollowUps++
		return registry.Transition{
			NextState:  s,
			NextStep:   StepFollowUp,
			NextStatus: model.RunStatusAwaitingFeedback,
			Outbound:   []registry.OutboundMessage{{Message: reply(s, "Thank you for the additional details. They have been added to your request.")}},
		}, nil
	}

	return registry.Transition{
		NextState:  s,
		NextStep:   StepAcknowledged,
		NextStatus: model.RunStatusAwaitingFeedback,
		Outbound:   []registry.OutboundMessage{{Message: reply(s, "Thank you for your email. I've received your message and will process it soon.")}},
	}, nil
}

// addParticipants returns known extended with the addresses in values that
// it does not already hold. A value is an address string or a list of them.
func addParticipants(known []string, values ...any) []string {
	out := slices.Clone(known)
	add := func(v any) {
		if addr, ok := v.(string); ok && addr != "" && !slices.Contains(out, addr) {
			out = append(out, addr)
		}
	}
	for _, v := range values {
		switch tv := v.(type) {
		case []any:
			for _, item := range tv {
				add(item)
			}
		case []string:
			for _, item := range tv {
				add(item)
			}
		default:
			add(v)
		}
	}
	return out
}

func reply(s State, line string) map[string]any {
	name := s.Sender
	if name == "" {
		name = "there"
	}
	msg := map[string]any{
		"body_text": fmt.Sprintf("Hello %s,\n\n%s\n\nBest regards,\n%s", name, line, Signature),
		"body_html": fmt.Sprintf("<p>Hello %s,</p><p>%s</p><p>Best regards,<br>%s</p>", name, line, Signature),
	}
	if s.Subject != "" {
		subject := s.Subject
		if !strings.HasPrefix(strings.ToLower(subject), "re:") {
			subject = "Re: " + subject
		}
		msg["subject"] = subject
	}
	return msg
}
