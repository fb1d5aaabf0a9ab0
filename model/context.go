package model

import (
	"context"
	"errors"
)

// RequestContext is the authenticated caller of one request: who is acting,
// under which role, and how the request is correlated. Not mutated after
// authentication.
type RequestContext struct {
	Principal     Principal
	SubjectID     string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
	SpanID        string
}

// Validate requires a principal with both a display name and a role; the
// workflow engine authorizes on nothing else.
func (rc *RequestContext) Validate() error {
	var missing []error
	if rc.Principal.Name == "" {
		missing = append(missing, errors.New("Principal.Name is required"))
	}
	if rc.Principal.Role == "" {
		missing = append(missing, errors.New("Principal.Role is required"))
	}
	return errors.Join(missing...)
}

// Claim returns a raw token claim. Header identities carry none.
func (rc *RequestContext) Claim(key string) any {
	return rc.Claims[key]
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns
// nil if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// PrincipalFrom returns the acting principal stored in ctx. The second result
// is false when the request is unauthenticated.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	rctx := RequestContextFrom(ctx)
	if rctx == nil || rctx.Principal.IsZero() {
		return Principal{}, false
	}
	return rctx.Principal, true
}
