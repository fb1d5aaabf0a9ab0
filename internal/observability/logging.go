package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/qms/internal/config"
	"github.com/pitabwire/qms/model"
)

type loggerKey struct{}

const redacted = "[REDACTED]"

// NewLogger builds the service logger. Output goes to stdout as JSON unless
// log_format is "console"; an unparseable level falls back to info.
//
// Levels:
//   - error: store failures, recovered panics, 5xx responses
//   - warn:  4xx responses, degraded event bus or idempotency store
//   - info:  request completion, record transitions, definition reloads
//   - debug: permission cache lookups, redacted request bodies
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil
	zc.OutputPaths = []string{"stdout"}
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	if cfg.LogFormat == "console" {
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	return zc.Build(zap.Fields(zap.String("service", "qms")))
}

// WithLogger returns a copy of ctx carrying logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger carried by ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger is LoggerFrom with the acting principal, correlation ID and
// trace ID of the request attached.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}
	return logger.With(principalFields(rctx)...)
}

func principalFields(rctx *model.RequestContext) []zap.Field {
	fields := make([]zap.Field, 0, 5)
	fields = append(fields,
		zap.String("user", rctx.Principal.Name),
		zap.String("role", rctx.Principal.Role),
		zap.String("correlation_id", rctx.CorrelationID),
	)
	if rctx.SubjectID != "" {
		fields = append(fields, zap.String("subject_id", rctx.SubjectID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return fields
}

// RecordFields are the log fields naming one record. Empty values are
// omitted.
func RecordFields(recordType, recordID, status string) []zap.Field {
	fields := []zap.Field{zap.String("record_type", recordType)}
	if recordID != "" {
		fields = append(fields, zap.String("record_id", recordID))
	}
	if status != "" {
		fields = append(fields, zap.String("status", status))
	}
	return fields
}

// Keys whose values never reach the logs. Matching is case-insensitive.
var sensitiveKeys = map[string]struct{}{
	"password":      {},
	"secret":        {},
	"token":         {},
	"access_token":  {},
	"refresh_token": {},
	"api_key":       {},
	"authorization": {},
	"cookie":        {},
	"signature":     {},
}

// RedactBody returns a copy of a decoded JSON body with sensitive values
// replaced, descending into nested objects and arrays. extra names further
// keys to hide.
func RedactBody(body map[string]any, extra []string) map[string]any {
	if body == nil {
		return nil
	}
	hide := func(k string) bool {
		k = strings.ToLower(k)
		if _, ok := sensitiveKeys[k]; ok {
			return true
		}
		for _, e := range extra {
			if strings.EqualFold(e, k) {
				return true
			}
		}
		return false
	}
	return redactObject(body, hide)
}

func redactObject(obj map[string]any, hide func(string) bool) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if hide(k) {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, hide)
	}
	return out
}

func redactValue(v any, hide func(string) bool) any {
	switch t := v.(type) {
	case map[string]any:
		return redactObject(t, hide)
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = redactValue(item, hide)
		}
		return items
	default:
		return v
	}
}
