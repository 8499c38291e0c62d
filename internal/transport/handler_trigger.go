package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/sampark/internal/orchestrator"
	"github.com/pitabwire/sampark/model"
)

// Engine is the orchestration surface the HTTP handlers call.
type Engine interface {
	Submit(ctx context.Context, trigger model.Trigger) (orchestrator.SubmitResult, error)
	Cancel(ctx context.Context, runID, reason string) (orchestrator.SubmitResult, error)
	GetRun(ctx context.Context, runID string) (model.WorkflowRun, error)
	ListRuns(ctx context.Context, filters model.RunFilters) ([]model.WorkflowRun, error)
	FindRunByChannel(ctx context.Context, channelType, channelID string) (string, error)
	ListAssociations(ctx context.Context, runID string) ([]model.CommunicationAssociation, error)
}

// triggerRequest is the body of POST /v1/triggers. The receive time is
// always stamped by the server.
type triggerRequest struct {
	ID             string                `json:"id"`
	Kind           model.TriggerKind     `json:"kind"`
	RunID          string                `json:"run_id"`
	Source         model.Source          `json:"source"`
	Payload        map[string]any        `json:"payload"`
	Classification *model.Classification `json:"classification"`
}

// submitResponse is the body returned for an accepted or rejected trigger.
type submitResponse struct {
	orchestrator.SubmitResult
	Error *model.ErrorEnvelope `json:"error,omitempty"`
}

func handleSubmitTrigger(engine Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body triggerRequest
		if !decodeBody(w, r, &body) {
			return
		}

		res, err := engine.Submit(r.Context(), model.Trigger{
			ID:             body.ID,
			Kind:           body.Kind,
			RunID:          body.RunID,
			Source:         body.Source,
			Payload:        body.Payload,
			Classification: body.Classification,
		})
		writeSubmitResult(w, res, err)
	}
}

func handleCancelRun(engine Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reason string `json:"reason"`
		}
		// The body is optional.
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			WriteBadRequest(w, "invalid JSON body")
			return
		}

		res, err := engine.Cancel(r.Context(), chi.URLParam(r, "runId"), body.Reason)
		writeSubmitResult(w, res, err)
	}
}

// writeSubmitResult maps a submission outcome to a status code: 200 when the
// trigger executed, 202 when it was queued, 409 when the run is terminal.
func writeSubmitResult(w http.ResponseWriter, res orchestrator.SubmitResult, err error) {
	if res.Outcome == orchestrator.OutcomeRejected {
		WriteJSON(w, http.StatusConflict, submitResponse{SubmitResult: res, Error: envelopeOf(err)})
		return
	}
	if errors.Is(err, orchestrator.ErrClosed) {
		WriteError(w, model.NewUnavailableError("the engine is shutting down"))
		return
	}
	if err != nil {
		WriteError(w, err)
		return
	}

	status := http.StatusOK
	if res.Outcome == orchestrator.OutcomeQueued {
		status = http.StatusAccepted
	}
	WriteJSON(w, status, submitResponse{SubmitResult: res})
}

// decodeBody decodes a JSON request body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteBadRequest(w, "request body too large")
			return false
		}
		WriteBadRequest(w, "invalid JSON body")
		return false
	}
	return true
}
