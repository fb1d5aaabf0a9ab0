package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "Record not found"}
	want := "NOT_FOUND: Record not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestErrorCode(t *testing.T) {
	if got := ErrorCode(NewAlreadyClosedError("CC-1")); got != ErrAlreadyClosed {
		t.Errorf("ErrorCode() = %q, want %q", got, ErrAlreadyClosed)
	}
	if got := ErrorCode(errors.New("plain")); got != "" {
		t.Errorf("ErrorCode(plain) = %q, want empty", got)
	}
	wrapped := fmt.Errorf("approve CC-1: %w", NewNoPendingStepError("CC-1"))
	if got := ErrorCode(wrapped); got != ErrNoPendingStep {
		t.Errorf("ErrorCode(wrapped) = %q, want %q", got, ErrNoPendingStep)
	}
}

func TestErrorEnvelope_Is(t *testing.T) {
	err := fmt.Errorf("close: %w", NewAlreadyClosedError("DEV-000001-001"))
	if !errors.Is(err, &ErrorEnvelope{Code: ErrAlreadyClosed}) {
		t.Error("errors.Is should match on code")
	}
	if errors.Is(err, &ErrorEnvelope{Code: ErrConflict}) {
		t.Error("errors.Is matched a different code")
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *ErrorEnvelope
		code string
	}{
		{"bad request", NewBadRequestError("bad json"), ErrBadRequest},
		{"unauthenticated", NewUnauthenticatedError("no principal"), ErrUnauthenticated},
		{"unauthorized", NewUnauthorizedError("wrong role"), ErrUnauthorized},
		{"not found", NewNotFoundError("missing"), ErrNotFound},
		{"conflict", NewConflictError("duplicate"), ErrConflict},
		{"invalid transition", NewInvalidTransitionError("rejected"), ErrInvalidTransition},
		{"no pending step", NewNoPendingStepError("CC-1"), ErrNoPendingStep},
		{"already closed", NewAlreadyClosedError("CC-1"), ErrAlreadyClosed},
		{"empty comment", NewEmptyCommentError(), ErrEmptyComment},
		{"store", NewStoreError("write failed"), ErrStoreError},
		{"internal", NewInternalError(), ErrInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
			if tt.err.Message == "" {
				t.Error("Message should not be empty")
			}
		})
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "title", Code: "REQUIRED", Message: "Title is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "title" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "title")
	}
}
