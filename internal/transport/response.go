// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the QMS API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/qms/internal/observability"
	"github.com/pitabwire/qms/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:        http.StatusBadRequest,
	model.ErrUnauthenticated:   http.StatusUnauthorized,
	model.ErrUnauthorized:      http.StatusForbidden,
	model.ErrNotFound:          http.StatusNotFound,
	model.ErrConflict:          http.StatusConflict,
	model.ErrAlreadyClosed:     http.StatusConflict,
	model.ErrNoPendingStep:     http.StatusConflict,
	model.ErrInvalidTransition: http.StatusConflict,
	model.ErrEmptyComment:      http.StatusUnprocessableEntity,
	model.ErrValidationError:   http.StatusUnprocessableEntity,
	model.ErrStoreError:        http.StatusServiceUnavailable,
	model.ErrInternalError:     http.StatusInternalServerError,
}

// StatusFor returns the HTTP status of an error code. Unknown codes are 500.
func StatusFor(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// envelopeOf unwraps the ErrorEnvelope carried by err. Anything else
// becomes INTERNAL_ERROR, and ok reports false.
func envelopeOf(err error) (ee *model.ErrorEnvelope, ok bool) {
	if errors.As(err, &ee) && ee != nil {
		return ee, true
	}
	return model.NewInternalError(), false
}

// WriteError writes err as {"error": {...}} with the status of its code.
func WriteError(w http.ResponseWriter, err error) {
	ee, _ := envelopeOf(err)
	WriteJSON(w, StatusFor(ee.Code), errorResponse{Error: ee})
}

// writeRequestError logs err against the request and writes it with the
// active trace ID attached. Unknown errors are logged in full but reach the
// client only as INTERNAL_ERROR; STORE_ERROR responses are logged at error,
// other envelopes at debug since RequestLogging already reports 4xx.
func writeRequestError(w http.ResponseWriter, r *http.Request, fallback *zap.Logger, err error) {
	logger := observability.RequestLogger(r.Context(), fallback)

	ee, ok := envelopeOf(err)
	switch {
	case !ok:
		logger.Error("unhandled error", zap.Error(err))
	case ee.Code == model.ErrStoreError:
		logger.Error("record store unavailable", zap.String("code", ee.Code))
	default:
		logger.Debug("request rejected", zap.String("code", ee.Code), zap.String("message", ee.Message))
	}

	out := *ee
	out.TraceID = observability.TraceIDFromContext(r.Context())
	WriteJSON(w, StatusFor(out.Code), errorResponse{Error: &out})
}

// WriteNotFound writes a NOT_FOUND error.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}
