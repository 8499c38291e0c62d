package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest    = "BAD_REQUEST"
	ErrUnauthorized  = "UNAUTHORIZED"
	ErrNotFound      = "NOT_FOUND"
	ErrConflict      = "CONFLICT"
	ErrInternalError = "INTERNAL_ERROR"
	ErrUnavailable   = "UNAVAILABLE"
)

// Orchestration error codes.
const (
	ErrInvalidState        = "INVALID_STATE"
	ErrWorkflowTerminated  = "WORKFLOW_TERMINATED"
	ErrCorruptState        = "CORRUPT_STATE"
	ErrTransitionFailure   = "TRANSITION_FAILURE"
	ErrAssociationConflict = "ASSOCIATION_CONFLICT"
)

// ErrorEnvelope is the error value shared by every layer of the engine and
// returned verbatim by the HTTP surface. It implements the error interface.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RunID   string `json:"run_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewUnavailableError returns an UNAVAILABLE error.
func NewUnavailableError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnavailable, Message: msg}
}

// NewInvalidStateError returns an INVALID_STATE error for a run that cannot
// execute in its current status.
func NewInvalidStateError(runID string, status RunStatus) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidState,
		Message: fmt.Sprintf("workflow run %q is %s", runID, status),
		RunID:   runID,
	}
}

// NewWorkflowTerminatedError returns the rejection signal for a trigger
// addressed to a run in a terminal status.
func NewWorkflowTerminatedError(runID string, status RunStatus) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrWorkflowTerminated,
		Message: fmt.Sprintf("workflow run %q is %s and accepts no further triggers", runID, status),
		RunID:   runID,
	}
}

// NewCorruptStateError returns a CORRUPT_STATE error.
func NewCorruptStateError(runID, codename string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrCorruptState,
		Message: fmt.Sprintf("state of run %q does not match schema %q: %v", runID, codename, cause),
		RunID:   runID,
	}
}

// NewTransitionFailureError returns a TRANSITION_FAILURE error.
func NewTransitionFailureError(runID string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTransitionFailure,
		Message: fmt.Sprintf("transition of run %q failed: %v", runID, cause),
		RunID:   runID,
	}
}

// NewAssociationConflictError returns an ASSOCIATION_CONFLICT error.
func NewAssociationConflictError(channelType, channelID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrAssociationConflict,
		Message: fmt.Sprintf("channel %s/%s is already bound to a run", channelType, channelID),
	}
}

// CodeOf returns the envelope code carried by err, or "" if err does not
// wrap an *ErrorEnvelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCode reports whether err wraps an *ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// IsInvalidState reports whether err means the run cannot accept the
// trigger in its current status. A terminated-run rejection counts.
func IsInvalidState(err error) bool {
	code := CodeOf(err)
	return code == ErrInvalidState || code == ErrWorkflowTerminated
}
