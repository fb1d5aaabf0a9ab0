package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/qms/internal/config"
)

func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exp),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exp
}

func attrs(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string, len(s.Attributes))
	for _, a := range s.Attributes {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}

func TestInitTracing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TracingConfig
		wantErr bool
	}{
		{name: "disabled", cfg: config.TracingConfig{Exporter: "zipkin"}},
		{name: "stdout", cfg: config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}},
		{name: "unknown exporter", cfg: config.TracingConfig{Enabled: true, Exporter: "zipkin"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := InitTracing(context.Background(), tt.cfg, "qms-test", "0.0.1")
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "zipkin")
				return
			}
			require.NoError(t, err)
			assert.NoError(t, shutdown(context.Background()))
		})
	}
}

func TestNewSampler(t *testing.T) {
	assert.Contains(t, newSampler(0).Description(), "TraceIDRatioBased{0.1}")
	assert.Contains(t, newSampler(0.25).Description(), "TraceIDRatioBased{0.25}")
	assert.Contains(t, newSampler(1).Description(), "root:AlwaysOnSampler")
	assert.Contains(t, newSampler(3).Description(), "root:AlwaysOnSampler")
}

func TestStartRecordSpan(t *testing.T) {
	exp := recordSpans(t)

	_, span := StartRecordSpan(context.Background(), "approve", "deviation", "DEV-000001-001")
	span.End()
	_, span = StartRecordSpan(context.Background(), "create", "capa", "")
	span.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 2)

	assert.Equal(t, "qms.record.approve", spans[0].Name)
	assert.Equal(t, map[string]string{
		"qms.operation":   "approve",
		"qms.record_type": "deviation",
		"qms.record_id":   "DEV-000001-001",
	}, attrs(spans[0]))

	assert.Equal(t, "qms.record.create", spans[1].Name)
	assert.NotContains(t, attrs(spans[1]), "qms.record_id")
}

func TestEndSpanWithError(t *testing.T) {
	exp := recordSpans(t)

	_, failed := StartSpan(context.Background(), "qms.store.save_all")
	EndSpanWithError(failed, errors.New("connection refused"))
	_, ok := StartSpan(context.Background(), "qms.store.load")
	EndSpanWithError(ok, nil)

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "connection refused", spans[0].Status.Description)
	assert.NotEmpty(t, spans[0].Events)
	assert.Equal(t, codes.Unset, spans[1].Status.Code)
}

func TestSpanIdentifiersFromContext(t *testing.T) {
	assert.Empty(t, TraceIDFromContext(context.Background()))
	assert.Empty(t, SpanIDFromContext(context.Background()))

	recordSpans(t)
	ctx, span := StartSpan(context.Background(), "qms.report.export")
	defer span.End()

	assert.Equal(t, span.SpanContext().TraceID().String(), TraceIDFromContext(ctx))
	assert.Equal(t, span.SpanContext().SpanID().String(), SpanIDFromContext(ctx))
}

func TestTracingMiddleware_namesSpanAfterRoutePattern(t *testing.T) {
	exp := recordSpans(t)

	r := chi.NewRouter()
	r.Use(TracingMiddleware)
	r.Post("/qms/records/{type}/{id}/approve", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/qms/records/capa/CAPA-000001-001/approve", nil))

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Equal(t, "POST /qms/records/{type}/{id}/approve", s.Name)
	assert.Equal(t, trace.SpanKindServer, s.SpanKind)

	a := attrs(s)
	assert.Equal(t, "/qms/records/{type}/{id}/approve", a["http.route"])
	assert.Equal(t, "/qms/records/capa/CAPA-000001-001/approve", a["url.path"])
	assert.Equal(t, "200", a["http.response.status_code"])
}

func TestTracingMiddleware_withoutRouterKeepsPath(t *testing.T) {
	exp := recordSpans(t)

	h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/qms/dashboard", nil))

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /qms/dashboard", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "503", attrs(spans[0])["http.response.status_code"])
}

func TestTracingMiddleware_continuesInboundTrace(t *testing.T) {
	exp := recordSpans(t)

	const (
		traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
		spanID  = "00f067aa0ba902b7"
	)
	var inner string
	h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner = TraceIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/qms/types", nil)
	req.Header.Set("Traceparent", "00-"+traceID+"-"+spanID+"-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, traceID, inner)
	assert.Equal(t, spanID, spans[0].Parent.SpanID().String())
	assert.Contains(t, rec.Header().Get("Traceparent"), traceID)
}

func TestRecordSpansNestUnderRequest(t *testing.T) {
	exp := recordSpans(t)

	ctx, req := StartSpan(context.Background(), "POST /qms/records/{type}")
	ctx, cmd := StartRecordSpan(ctx, "create", "deviation", "")
	_, save := StartSpan(ctx, "qms.store.save_all", AttrStoreDriver.String("redis"))
	save.End()
	cmd.End()
	req.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 3)
	byName := map[string]tracetest.SpanStub{}
	for _, s := range spans {
		byName[s.Name] = s
		assert.Equal(t, spans[0].SpanContext.TraceID(), s.SpanContext.TraceID())
	}
	assert.Equal(t, byName["qms.record.create"].SpanContext.SpanID(), byName["qms.store.save_all"].Parent.SpanID())
	assert.Equal(t, byName["POST /qms/records/{type}"].SpanContext.SpanID(), byName["qms.record.create"].Parent.SpanID())
}
