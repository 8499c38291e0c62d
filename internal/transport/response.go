// Package transport contains the HTTP router, middleware chain, and the
// request handlers that expose trigger submission and run queries.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/sampark/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:          http.StatusBadRequest,
	model.ErrUnauthorized:        http.StatusUnauthorized,
	model.ErrNotFound:            http.StatusNotFound,
	model.ErrConflict:            http.StatusConflict,
	model.ErrInternalError:       http.StatusInternalServerError,
	model.ErrUnavailable:         http.StatusServiceUnavailable,
	model.ErrInvalidState:        http.StatusConflict,
	model.ErrWorkflowTerminated:  http.StatusConflict,
	model.ErrCorruptState:        http.StatusInternalServerError,
	model.ErrTransitionFailure:   http.StatusUnprocessableEntity,
	model.ErrAssociationConflict: http.StatusConflict,
}

// errorResponse is the body of every error reply.
type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes an error response. An *model.ErrorEnvelope anywhere in
// err's chain is returned as is; any other error becomes INTERNAL_ERROR so
// internal details never reach the client.
func WriteError(w http.ResponseWriter, err error) {
	envelope := envelopeOf(err)
	WriteJSON(w, statusOf(envelope), errorResponse{Error: envelope})
}

// WriteBadRequest writes a 400 with the given message.
func WriteBadRequest(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewBadRequestError(msg))
}

func envelopeOf(err error) *model.ErrorEnvelope {
	var envelope *model.ErrorEnvelope
	if errors.As(err, &envelope) {
		return envelope
	}
	return model.NewInternalError()
}

func statusOf(envelope *model.ErrorEnvelope) int {
	if status, ok := statusForCode[envelope.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
