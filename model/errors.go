package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrUnauthenticated   = "UNAUTHENTICATED"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrInternalError     = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrNoPendingStep = "NO_PENDING_STEP"
	ErrAlreadyClosed = "ALREADY_CLOSED"
	ErrEmptyComment  = "EMPTY_COMMENT"
	ErrStoreError    = "STORE_ERROR"
)

// ErrorEnvelope is the standard error value returned by every core operation
// and rendered by the HTTP layer. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Is matches another envelope with the same code, so
// errors.Is(err, &ErrorEnvelope{Code: ErrAlreadyClosed}) works through
// wrapping.
func (e *ErrorEnvelope) Is(target error) bool {
	t, ok := target.(*ErrorEnvelope)
	return ok && t.Code == e.Code
}

// ErrorCode returns the code of the envelope in err's chain, or "".
func ErrorCode(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthenticatedError returns an UNAUTHENTICATED error.
func NewUnauthenticatedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthenticated, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error. The principal is known
// but lacks the step or action permission.
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

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewNoPendingStepError returns a NO_PENDING_STEP error.
func NewNoPendingStepError(recordID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNoPendingStep,
		Message: fmt.Sprintf("record %q has no pending workflow step", recordID),
	}
}

// NewAlreadyClosedError returns an ALREADY_CLOSED error.
func NewAlreadyClosedError(recordID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrAlreadyClosed,
		Message: fmt.Sprintf("record %q is already closed", recordID),
	}
}

// NewEmptyCommentError returns an EMPTY_COMMENT error.
func NewEmptyCommentError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrEmptyComment,
		Message: "Comment text must not be empty",
	}
}

// NewStoreError returns a STORE_ERROR. The cause is logged by the caller and
// not exposed to clients.
func NewStoreError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrStoreError, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
