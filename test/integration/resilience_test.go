package integration

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/qms/internal/workflow"
	"github.com/pitabwire/qms/model"
)

func newRedisStore(t *testing.T) (*workflow.RedisRecordStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return workflow.NewRedisRecordStore(client, "qms-it:"), mr
}

func newRedisHarness(t *testing.T, opts ...HarnessOption) (*TestHarness, *miniredis.Miniredis) {
	t.Helper()
	store, mr := newRedisStore(t)
	return NewTestHarness(t, append(opts, WithStore(store))...), mr
}

func TestResilience_RedisStoreLifecycle(t *testing.T) {
	h, _ := newRedisHarness(t)

	rec := h.CreateRecord(t, model.RecordTypeChangeControl, "initiator", "Persisted in redis")
	rec = h.Approve(t, model.RecordTypeChangeControl, rec.ID, "hod")

	var got model.Record
	h.AssertJSON(t, h.GET(recordPath(model.RecordTypeChangeControl, rec.ID), h.TokenFor("qa_manager")), http.StatusOK, &got)
	if got.Status != "Pending Approval" || len(got.AuditTrail) != 2 {
		t.Errorf("reloaded = %s with %d audit entries", got.Status, len(got.AuditTrail))
	}
}

func TestResilience_StoreOutageReturns503(t *testing.T) {
	h, mr := newRedisHarness(t)
	h.CreateRecord(t, model.RecordTypeCAPA, "initiator", "Before outage")

	mr.Close()

	resp := h.GET("/qms/records/capa", h.TokenFor("head_qa"))
	body := string(h.ReadBody(resp))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503: %s", resp.StatusCode, body)
	}
	if !strings.Contains(body, model.ErrStoreError) {
		t.Errorf("body = %s, want %s", body, model.ErrStoreError)
	}
	if strings.Contains(body, mr.Addr()) || strings.Contains(body, "connection refused") {
		t.Errorf("store failure detail leaked: %s", body)
	}

	resp = h.POST("/qms/records/capa", map[string]any{"title": "During outage"}, h.TokenFor("initiator"))
	h.AssertStatus(t, resp, http.StatusServiceUnavailable)

	resp = h.GET("/qms/ready", "")
	h.AssertStatus(t, resp, http.StatusServiceUnavailable)
}

func TestResilience_StoreRecovery(t *testing.T) {
	h, mr := newRedisHarness(t)
	rec := h.CreateRecord(t, model.RecordTypeCAPA, "initiator", "Survives restart")

	addr := mr.Addr()
	mr.Close()
	h.AssertStatus(t, h.GET("/qms/records/capa", h.TokenFor("hod")), http.StatusServiceUnavailable)

	// miniredis keeps its data across Close/Restart on the same address.
	if err := mr.Restart(); err != nil {
		t.Fatalf("restart miniredis: %v", err)
	}
	if mr.Addr() != addr {
		t.Fatalf("restarted on %s, want %s", mr.Addr(), addr)
	}

	var list struct {
		Data []model.Record `json:"data"`
	}
	h.AssertJSON(t, h.GET("/qms/records/capa", h.TokenFor("hod")), http.StatusOK, &list)
	if len(list.Data) != 1 || list.Data[0].ID != rec.ID {
		t.Errorf("after recovery = %+v", list.Data)
	}
}

func TestResilience_ConcurrentApprovalsSerialize(t *testing.T) {
	h := NewTestHarness(t)
	rec := h.CreateRecord(t, model.RecordTypeChangeControl, "initiator", "Race")

	token := h.TokenFor("hod")
	const n = 8
	codes := make(chan int, n)
	for range n {
		go func() {
			resp := h.POST(recordPath(model.RecordTypeChangeControl, rec.ID)+"/approve", nil, token)
			resp.Body.Close()
			codes <- resp.StatusCode
		}()
	}

	ok := 0
	for range n {
		if <-codes == http.StatusOK {
			ok++
		}
	}
	if ok != 1 {
		t.Errorf("%d approvals succeeded, want exactly 1", ok)
	}
}

func TestResilience_BreakerFailsFastDuringOutage(t *testing.T) {
	inner, mr := newRedisStore(t)
	breaker := workflow.NewBreakerStore(inner, 2, 1, time.Hour)
	h := NewTestHarness(t, WithStore(breaker))
	token := h.TokenFor("hod")

	h.CreateRecord(t, model.RecordTypeCAPA, "initiator", "Before outage")
	mr.Close()

	for range 2 {
		h.AssertStatus(t, h.GET("/qms/records/capa", token), http.StatusServiceUnavailable)
	}
	if s := breaker.State(); s != workflow.BreakerOpen {
		t.Fatalf("breaker = %v, want open", s)
	}

	// The backend is back, but the open breaker keeps rejecting until the
	// cool-down elapses.
	if err := mr.Restart(); err != nil {
		t.Fatalf("restart miniredis: %v", err)
	}
	h.AssertError(t, h.GET("/qms/records/capa", token), http.StatusServiceUnavailable, model.ErrStoreError)

	// Readiness pings the backend directly.
	h.AssertStatus(t, h.GET("/qms/ready", ""), http.StatusOK)
}
