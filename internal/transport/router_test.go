package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/qms/internal/observability"
	"github.com/pitabwire/qms/model"
)

// --- Router tests ---

func TestNewRouter_health(t *testing.T) {
	r := newTestServer(t).router
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/qms/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	var body observability.HealthResponse
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestNewRouter_ready(t *testing.T) {
	r := newTestServer(t).router
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/qms/ready", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestNewRouter_metrics(t *testing.T) {
	srv := newTestServer(t)
	srv.do(t, http.MethodGet, "/qms/types", "jdoe", nil)

	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `qms_http_requests_total{method="GET",path_pattern="/qms/types",status="200"} 1`) {
		t.Errorf("metrics output missing request counter:\n%s", w.Body.String())
	}
}

func TestNewRouter_authenticatedRoutes_areRegistered(t *testing.T) {
	// No identity header: every registered route answers 401, never 404/405.
	r := newTestServer(t).router

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/qms/me"},
		{http.MethodGet, "/qms/types"},
		{http.MethodGet, "/qms/types/change-control"},
		{http.MethodGet, "/qms/records/change-control"},
		{http.MethodPost, "/qms/records/change-control"},
		{http.MethodGet, "/qms/records/change-control/CC-1"},
		{http.MethodGet, "/qms/records/change-control/CC-1/permissions"},
		{http.MethodPost, "/qms/records/change-control/CC-1/approve"},
		{http.MethodPost, "/qms/records/change-control/CC-1/reject"},
		{http.MethodPost, "/qms/records/change-control/CC-1/close"},
		{http.MethodPost, "/qms/records/change-control/CC-1/comments"},
		{http.MethodPost, "/qms/records/deviation/DEV-1/actions/assign_investigator"},
		{http.MethodGet, "/qms/dashboard"},
		{http.MethodGet, "/qms/export/change-control"},
	}

	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(rt.method, rt.path, nil))
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
}

func TestNewRouter_unknownRoute(t *testing.T) {
	r := newTestServer(t).router
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// --- Middleware tests ---

func TestRecovery_catchesPanic(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	h := Recovery(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Error("panic was not logged")
	}
}

func TestCORS(t *testing.T) {
	cfg := newTestServer(t).cfg.Server.CORS
	h := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantAllow  string
	}{
		{"preflight allowed", http.MethodOptions, "https://qms.example.com", http.StatusNoContent, "https://qms.example.com"},
		{"simple allowed", http.MethodGet, "https://qms.example.com", http.StatusOK, "https://qms.example.com"},
		{"disallowed origin", http.MethodGet, "https://evil.example.com", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/qms/types", nil)
			r.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = CorrelationIDFrom(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(seen) != 36 || w.Header().Get(correlationHeader) != seen {
		t.Errorf("generated id = %q, header = %q", seen, w.Header().Get(correlationHeader))
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(correlationHeader, "abc-123")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if seen != "abc-123" || w.Header().Get(correlationHeader) != "abc-123" {
		t.Errorf("propagated id = %q", seen)
	}
}

func TestSecurityHeaders_onHealth(t *testing.T) {
	w := httptest.NewRecorder()
	newTestServer(t).router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/qms/health", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestBodyLimit(t *testing.T) {
	var readErr error
	h := BodyLimit(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		_, readErr = buf.ReadFrom(r.Body)
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"text":"far too long"}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("declared oversize: status = %d, want 400", w.Code)
	}

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"text":"far too long"}`))
	r.ContentLength = -1
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if readErr == nil {
		t.Error("undeclared oversize body should fail to read")
	}
}

func TestHandlerTimeout(t *testing.T) {
	var deadline bool
	probe := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, deadline = r.Context().Deadline()
	})

	HandlerTimeout(time.Second)(probe).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !deadline {
		t.Error("expected a deadline")
	}
	HandlerTimeout(0)(probe).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if deadline {
		t.Error("zero timeout must not set a deadline")
	}
}

func TestRequestLogging_levels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	for _, status := range []int{http.StatusOK, http.StatusConflict, http.StatusServiceUnavailable} {
		h := RequestLogging(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))
		r := httptest.NewRequest(http.MethodPost, "/qms/records/capa", strings.NewReader(`{"title":"x","token":"secret"}`))
		h.ServeHTTP(httptest.NewRecorder(), r)
	}

	requests := logs.FilterMessage("request").All()
	if len(requests) != 3 {
		t.Fatalf("logged %d requests, want 3", len(requests))
	}
	wantLevels := []zapcore.Level{zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel}
	for i, entry := range requests {
		if entry.Level != wantLevels[i] {
			t.Errorf("request %d level = %s, want %s", i, entry.Level, wantLevels[i])
		}
	}

	bodies := logs.FilterMessage("request body").All()
	if len(bodies) != 3 {
		t.Fatalf("logged %d bodies, want 3", len(bodies))
	}
	body, _ := bodies[0].ContextMap()["body"].(map[string]any)
	if body["token"] != "[REDACTED]" || body["title"] != "x" {
		t.Errorf("body = %v", body)
	}
}

func TestRequestLogging_attachesLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := RequestID(RequestLogging(zap.New(core))(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		observability.LoggerFrom(r.Context(), zap.NewNop()).Info("inside")
	})))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(correlationHeader, "corr-7")
	h.ServeHTTP(httptest.NewRecorder(), r)

	inside := logs.FilterMessage("inside").All()
	if len(inside) != 1 || inside[0].ContextMap()["correlation_id"] != "corr-7" {
		t.Errorf("handler logger not enriched: %+v", inside)
	}
}

func TestMiddlewareOrder_principalCarriesCorrelation(t *testing.T) {
	srv := newTestServer(t)
	var mu sync.Mutex
	var got *model.RequestContext
	probe := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			got = model.RequestContextFrom(r.Context())
			mu.Unlock()
			next.ServeHTTP(w, r)
		})
	}
	deps := srv.deps
	inner := deps.Authenticate
	deps.Authenticate = func(next http.Handler) http.Handler { return inner(probe(next)) }
	router := NewRouter(deps)

	r := httptest.NewRequest(http.MethodGet, "/qms/me", nil)
	r.Header.Set("X-QMS-User", "jdoe")
	r.Header.Set(correlationHeader, "corr-9")
	router.ServeHTTP(httptest.NewRecorder(), r)

	mu.Lock()
	defer mu.Unlock()
	if got == nil || got.CorrelationID != "corr-9" || got.Principal.Name != "John Doe" {
		t.Errorf("request context = %+v", got)
	}
}

func TestNewRouter_customMetricsRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := newTestServer(t)
	deps := srv.deps
	deps.Metrics = observability.InitMetrics(reg)
	deps.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	router := NewRouter(deps)

	r := httptest.NewRequest(http.MethodGet, "/qms/types", nil)
	r.Header.Set("X-QMS-User", "jdoe")
	router.ServeHTTP(httptest.NewRecorder(), r.WithContext(context.Background()))

	got := testutil.ToFloat64(deps.Metrics.HTTPRequestsTotal.WithLabelValues("GET", "/qms/types", "200"))
	if got != 1 {
		t.Errorf("requests counted = %v, want 1", got)
	}
}
