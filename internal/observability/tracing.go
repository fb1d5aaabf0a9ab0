package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/qms/internal/config"
)

const (
	tracerName = "github.com/pitabwire/qms"

	defaultSamplingRate = 0.1
)

// Span attribute keys of record operations.
var (
	AttrRecordType   = attribute.Key("qms.record_type")
	AttrRecordID     = attribute.Key("qms.record_id")
	AttrOperation    = attribute.Key("qms.operation")
	AttrStoreDriver  = attribute.Key("qms.store_driver")
	AttrRole         = attribute.Key("qms.role")
	AttrExportFormat = attribute.Key("qms.export_format")
)

type exporterFactory func(context.Context, config.TracingConfig) (sdktrace.SpanExporter, error)

var exporters = map[string]exporterFactory{
	"otlp": func(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	},
	"stdout": func(context.Context, config.TracingConfig) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	},
}

// InitTracing installs the global tracer provider and W3C propagators. The
// returned function flushes buffered spans; it is a no-op when tracing is
// disabled.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	name := cfg.Exporter
	if name == "" {
		name = "otlp"
	}
	factory, ok := exporters[name]
	if !ok {
		return nil, fmt.Errorf("tracing: exporter %q is not one of otlp, stdout", cfg.Exporter)
	}
	exporter, err := factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: %s exporter: %w", name, err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SamplingRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// newSampler honours an upstream sampling decision and samples root spans at
// rate.
func newSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		rate = defaultSamplingRate
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the tracer of the qms service.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span carrying attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartRecordSpan starts a "qms.record.<operation>" span for one record of
// a record type. recordID may be empty for operations that mint the ID.
func StartRecordSpan(ctx context.Context, operation, recordType, recordID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		AttrOperation.String(operation),
		AttrRecordType.String(recordType),
	}
	if recordID != "" {
		attrs = append(attrs, AttrRecordID.String(recordID))
	}
	return StartSpan(ctx, "qms.record."+operation, attrs...)
}

// EndSpanWithError records err on span, if any, and ends it.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceIDFromContext returns the hex trace ID of the active span, or "".
func TraceIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// SpanIDFromContext returns the hex span ID of the active span, or "".
func SpanIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}

// TracingMiddleware opens a server span per request, continuing any inbound
// traceparent. Once routing has run the span is renamed after the matched
// chi route pattern so record IDs do not explode span cardinality.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prop := otel.GetTextMapPropagator()
		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		if rc := chi.RouteContext(ctx); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				span.SetName(r.Method + " " + pattern)
				span.SetAttributes(semconv.HTTPRoute(pattern))
			}
		}
		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}
