package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// Set with -ldflags "-X github.com/pitabwire/qms/internal/observability.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the body of /qms/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the body of /qms/ready.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the result of a single readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a ping function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// ReadinessChecks are the probes behind /qms/ready. DefinitionsLoaded and
// PolicyLoaded are always reported; the dependency checkers only when set.
type ReadinessChecks struct {
	DefinitionsLoaded func() bool
	PolicyLoaded      func() bool

	RecordStore      HealthChecker
	EventBus         HealthChecker
	IdempotencyStore HealthChecker
}

const checkTimeout = 2 * time.Second

// HandleHealth serves the liveness probe. It never touches dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady serves the readiness probe. All checks run concurrently and
// the probe answers 503 not_ready if any of them fails.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := ReadinessResponse{Status: "ready", Checks: runChecks(r.Context(), checks.named())}
		code := http.StatusOK
		for _, res := range resp.Checks {
			if res.Status != "ok" {
				resp.Status = "not_ready"
				code = http.StatusServiceUnavailable
				break
			}
		}
		writeProbe(w, code, resp)
	}
}

// named lists the configured checks by their report key. Optional
// dependencies left nil are not reported.
func (c ReadinessChecks) named() map[string]HealthChecker {
	out := map[string]HealthChecker{
		"definitions": flagCheck(c.DefinitionsLoaded, "no record type definitions loaded"),
		"policy":      flagCheck(c.PolicyLoaded, "no role policy loaded"),
	}
	for name, hc := range map[string]HealthChecker{
		"record_store":      c.RecordStore,
		"event_bus":         c.EventBus,
		"idempotency_store": c.IdempotencyStore,
	} {
		if hc != nil {
			out[name] = hc
		}
	}
	return out
}

func runChecks(ctx context.Context, checkers map[string]HealthChecker) map[string]CheckResult {
	type outcome struct {
		name string
		res  CheckResult
	}
	ch := make(chan outcome, len(checkers))
	for name, hc := range checkers {
		go func() { ch <- outcome{name, runCheck(ctx, hc)} }()
	}
	results := make(map[string]CheckResult, len(checkers))
	for range checkers {
		n := <-ch
		results[n.name] = n.res
	}
	return results
}

// flagCheck turns a boolean probe into a checker. A nil probe fails.
func flagCheck(probe func() bool, msg string) HealthChecker {
	return HealthCheckFunc(func(context.Context) error {
		if probe == nil || !probe() {
			return errors.New(msg)
		}
		return nil
	})
}

func runCheck(parent context.Context, hc HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := hc.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeProbe(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
