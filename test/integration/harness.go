// Package integration provides a reusable test harness for end-to-end
// integration testing of the QMS server. It starts a full HTTP server over
// the shipped record-type definitions and role policy, backed by a
// configurable record store and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/qms/internal/capability"
	"github.com/pitabwire/qms/internal/command"
	"github.com/pitabwire/qms/internal/config"
	"github.com/pitabwire/qms/internal/definition"
	"github.com/pitabwire/qms/internal/observability"
	"github.com/pitabwire/qms/internal/report"
	"github.com/pitabwire/qms/internal/transport"
	"github.com/pitabwire/qms/internal/workflow"
	"github.com/pitabwire/qms/model"
)

// TestHarness encapsulates a fully wired QMS instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry         *definition.Registry
	Evaluator        *capability.StaticPolicyEvaluator
	Store            workflow.RecordStore
	IdempotencyStore *command.MemoryIdempotencyStore
	Executor         *command.Executor
	Metrics          *observability.Metrics
	Prometheus       *prometheus.Registry

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	policyFile     string
	store          workflow.RecordStore
	handlerTimeout time.Duration
	maxBodyBytes   int64
}

// WithDefinitions sets the definition directories to load.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithPolicyFile sets the role policy and user directory file.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithStore replaces the default in-memory record store.
func WithStore(store workflow.RecordStore) HarnessOption {
	return func(c *harnessConfig) {
		c.store = store
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithMaxBodyBytes sets the request body limit.
func WithMaxBodyBytes(n int64) HarnessOption {
	return func(c *harnessConfig) {
		c.maxBodyBytes = n
	}
}

// NewTestHarness creates and starts a full QMS test instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	root := repoRoot()
	hc := &harnessConfig{
		definitionDirs: []string{filepath.Join(root, "definitions")},
		policyFile:     filepath.Join(root, "config", "policies.yaml"),
		handlerTimeout: 10 * time.Second,
		maxBodyBytes:   1 << 20,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}
	logger := zaptest.NewLogger(t)

	// Step 1: Load and validate definitions.
	defs, err := definition.NewLoader().LoadAll(hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
		t.Fatalf("definitions invalid: %v", verrs)
	}
	h.Registry = definition.NewRegistry(defs)

	// Step 2: Build the authorizer over the role policy.
	h.Evaluator, err = capability.NewStaticPolicyEvaluator(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}
	authorizer := capability.NewAuthorizer(capability.NewResolver(h.Evaluator, 0))

	// Step 3: Metrics on a private registry.
	h.Prometheus = prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(h.Prometheus)

	// Step 4: Stores and executor.
	h.Store = hc.store
	if h.Store == nil {
		h.Store = workflow.NewMemoryRecordStore()
	}
	store := workflow.NewInstrumentedStore(h.Store, "test", h.Metrics)
	h.IdempotencyStore = command.NewMemoryIdempotencyStore()

	engine := workflow.NewEngine(authorizer)
	h.Executor = command.NewExecutor(h.Registry, engine, store,
		command.WithIdempotencyStore(h.IdempotencyStore, time.Hour),
		command.WithObserver(command.NewMetricsObserver(h.Metrics)),
		command.WithLogger(logger),
	)
	reports := report.NewService(h.Registry, store, authorizer,
		report.WithMetrics(h.Metrics),
		report.WithLogger(logger),
	)

	// Step 5: Create JWT issuer and config.
	h.issuer = newTokenIssuer(t)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.MaxBodyBytes = hc.maxBodyBytes
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Mode = config.IdentityModeJWT
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	h.cfg.Identity.Algorithms = h.issuer.Algorithms()

	authenticate, err := transport.NewAuthenticator(h.cfg.Identity, h.Evaluator)
	if err != nil {
		t.Fatalf("build authenticator: %v", err)
	}

	// Step 6: Build router with full middleware chain.
	router := transport.NewRouter(transport.Dependencies{
		Config:         h.cfg,
		Authenticate:   authenticate,
		Registry:       h.Registry,
		Executor:       h.Executor,
		Store:          store,
		Reports:        reports,
		Metrics:        h.Metrics,
		MetricsHandler: promhttp.HandlerFor(h.Prometheus, promhttp.HandlerOpts{}),
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return h.Registry.Len() > 0 },
			PolicyLoaded:      func() bool { return h.Evaluator.Roles() > 0 },
			RecordStore:       observability.HealthCheckFunc(store.Ping),
		},
		Logger: logger,
	})

	// Step 7: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// TokenFor returns a valid token for the directory user username, carrying
// the name and role listed in the policy file.
func (h *TestHarness) TokenFor(username string) string {
	h.t.Helper()
	p, ok := h.Evaluator.LookupUser(username)
	if !ok {
		h.t.Fatalf("user %q not in policy directory", username)
	}
	return h.issuer.GenerateToken(TestClaims{SubjectID: username, Name: p.Name, Role: p.Role})
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateECToken creates a valid ES256 token with the given claims.
func (h *TestHarness) GenerateECToken(claims TestClaims) string {
	return h.issuer.GenerateECToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, headers)
}

// POSTRaw performs an authenticated POST request with a raw body.
func (h *TestHarness) POSTRaw(path, body, token string) *http.Response {
	h.t.Helper()
	return h.send(http.MethodPost, path, strings.NewReader(body), token, map[string]string{"Content-Type": "application/json"})
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
		if headers == nil {
			headers = map[string]string{}
		}
		headers["Content-Type"] = "application/json"
	}
	return h.send(method, path, bodyReader, token, headers)
}

func (h *TestHarness) send(method, path string, body io.Reader, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, body)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and the error envelope code of resp.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (%s)", body.Error.Code, code, body.Error.Message)
	}
}

// CreateRecord creates a record of type typ as username and returns it.
func (h *TestHarness) CreateRecord(t *testing.T, typ model.RecordType, username, title string) model.Record {
	t.Helper()
	resp := h.POST("/qms/records/"+string(typ), map[string]any{
		"title":       title,
		"description": "created by integration test",
	}, h.TokenFor(username))
	var rec model.Record
	h.AssertJSON(t, resp, http.StatusCreated, &rec)
	return rec
}

// Approve approves record id of type typ as username and returns the result.
func (h *TestHarness) Approve(t *testing.T, typ model.RecordType, id, username string) model.Record {
	t.Helper()
	resp := h.POST(recordPath(typ, id)+"/approve", nil, h.TokenFor(username))
	var rec model.Record
	h.AssertJSON(t, resp, http.StatusOK, &rec)
	return rec
}

func recordPath(typ model.RecordType, id string) string {
	return fmt.Sprintf("/qms/records/%s/%s", typ, id)
}

// repoRoot returns the absolute path of the module root.
func repoRoot() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..")
}
