package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/qms/internal/config"
	"github.com/pitabwire/qms/internal/observability"
	"github.com/pitabwire/qms/model"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxCorrelationLen = 128
)

type correlationIDKey struct{}

// CorrelationIDFrom returns the correlation ID assigned by RequestID.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// Recovery turns a handler panic into a logged INTERNAL_ERROR response. The
// panic value and stack go to the log only.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				observability.RequestLogger(r.Context(), logger).Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Stack("stacktrace"),
				)
				WriteError(w, model.NewInternalError())
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORS answers preflight requests and decorates responses to allowed
// origins. "*" in AllowedOrigins admits any origin.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	_, anyOrigin := allowed["*"]
	corsHeaders := map[string]string{
		"Access-Control-Allow-Methods":  strings.Join(cfg.AllowedMethods, ", "),
		"Access-Control-Allow-Headers":  strings.Join(cfg.AllowedHeaders, ", "),
		"Access-Control-Max-Age":        strconv.Itoa(cfg.MaxAge),
		"Access-Control-Expose-Headers": correlationHeader + ", " + replayedHeader,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok || anyOrigin {
					h := w.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
					for k, v := range corsHeaders {
						h.Set(k, v)
					}
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID assigns the request its correlation ID: the inbound
// X-Correlation-Id when present and short enough, otherwise a fresh UUID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" || len(id) > maxCorrelationLen {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationIDKey{}, id)))
	})
}

var securityHeaders = [][2]string{
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"X-XSS-Protection", "0"},
	{"Cache-Control", "no-store"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
}

// SecurityHeaders stamps the hardening headers on every response.
func SecurityHeaders(next http.Handler) http.Handler {
	for i := len(securityHeaders) - 1; i >= 0; i-- {
		next = middleware.SetHeader(securityHeaders[i][0], securityHeaders[i][1])(next)
	}
	return next
}

// BodyLimit rejects bodies over n bytes with BAD_REQUEST. A declared
// oversize length fails up front; an undeclared one fails on read. Zero
// disables the limit.
func BodyLimit(n int64) func(http.Handler) http.Handler {
	if n <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > n {
				WriteError(w, model.NewBadRequestError("Request body too large"))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

// HandlerTimeout bounds the request context, and with it every store call
// made for the request, to d. Zero leaves the context unbounded.
func HandlerTimeout(d time.Duration) func(http.Handler) http.Handler {
	if d <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogging puts a correlation-scoped logger on the context and logs
// one "request" line per response: info below 400, warn for 4xx, error for
// 5xx. With debug enabled, JSON bodies are logged redacted.
func RequestLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			scoped := logger.With(zap.String("correlation_id", CorrelationIDFrom(r.Context())))
			r = r.WithContext(observability.WithLogger(r.Context(), scoped))

			if scoped.Core().Enabled(zapcore.DebugLevel) {
				logRequestBody(r, observability.RequestLogger(r.Context(), scoped))
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			}
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				fields = append(fields, zap.String("route", rc.RoutePattern()))
			}

			l := observability.RequestLogger(r.Context(), scoped)
			switch {
			case status >= http.StatusInternalServerError:
				l.Error("request", fields...)
			case status >= http.StatusBadRequest:
				l.Warn("request", fields...)
			default:
				l.Info("request", fields...)
			}
		})
	}
}

func logRequestBody(r *http.Request, logger *zap.Logger) {
	if r.Body == nil || r.Method == http.MethodGet {
		return
	}
	raw, err := io.ReadAll(r.Body)
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil || len(raw) == 0 {
		return
	}
	var body map[string]any
	if json.Unmarshal(raw, &body) != nil {
		return
	}
	logger.Debug("request body", zap.Any("body", observability.RedactBody(body, nil)))
}
