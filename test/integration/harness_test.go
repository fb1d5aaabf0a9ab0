package integration

import (
	"net/http"
	"strings"
	"testing"

	"github.com/pitabwire/qms/model"
)

func TestHarness_Startup(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/qms/health", "")
	h.AssertStatus(t, resp, http.StatusOK)

	if n := h.Registry.Len(); n != 10 {
		t.Errorf("loaded %d record types, want 10", n)
	}
}

func TestHarness_HealthEndpoints(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("health", func(t *testing.T) {
		var body map[string]string
		h.AssertJSON(t, h.GET("/qms/health", ""), http.StatusOK, &body)
		if body["status"] != "ok" {
			t.Errorf("health status = %q, want ok", body["status"])
		}
	})

	t.Run("ready", func(t *testing.T) {
		var body struct {
			Status string                    `json:"status"`
			Checks map[string]map[string]any `json:"checks"`
		}
		h.AssertJSON(t, h.GET("/qms/ready", ""), http.StatusOK, &body)
		if body.Status != "ready" {
			t.Errorf("ready status = %q", body.Status)
		}
		if _, ok := body.Checks["record_store"]; !ok {
			t.Errorf("checks = %v, want record_store", body.Checks)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		h.CreateRecord(t, model.RecordTypeChangeControl, "initiator", "Metrics probe")
		body := string(h.ReadBody(h.GET("/metrics", "")))
		for _, want := range []string{
			"qms_http_requests_total",
			`qms_record_operations_total{operation="create",outcome="success",type="change-control"} 1`,
			"qms_store_operation_duration_seconds",
		} {
			if !strings.Contains(body, want) {
				t.Errorf("metrics output missing %s", want)
			}
		}
	})
}

func TestHarness_AuthenticationRequired(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("no token returns 401", func(t *testing.T) {
		h.AssertError(t, h.GET("/qms/me", ""), http.StatusUnauthorized, model.ErrUnauthenticated)
	})

	t.Run("expired token returns 401", func(t *testing.T) {
		token := h.GenerateExpiredToken(TestClaims{SubjectID: "initiator", Name: "John Doe", Role: "Initiator"})
		h.AssertStatus(t, h.GET("/qms/me", token), http.StatusUnauthorized)
	})

	t.Run("invalid token returns 401", func(t *testing.T) {
		h.AssertStatus(t, h.GET("/qms/me", "invalid-token"), http.StatusUnauthorized)
	})
}

func TestHarness_Me(t *testing.T) {
	h := NewTestHarness(t)

	var me struct {
		Name        string             `json:"name"`
		Role        string             `json:"role"`
		Permissions []model.Action     `json:"permissions"`
		Creatable   []model.RecordType `json:"creatable_types"`
	}
	h.AssertJSON(t, h.GET("/qms/me", h.TokenFor("head_qa")), http.StatusOK, &me)

	if me.Name != "Sarah Williams" || me.Role != "Head QA" {
		t.Errorf("me = %s/%s", me.Name, me.Role)
	}
	if len(me.Permissions) != 5 {
		t.Errorf("permissions = %v, want the five Head QA actions", me.Permissions)
	}
	if len(me.Creatable) != 0 {
		t.Errorf("Head QA creatable = %v, want none", me.Creatable)
	}
}

func TestHarness_Types(t *testing.T) {
	h := NewTestHarness(t)
	token := h.TokenFor("initiator")

	var list struct {
		Data     []model.RecordTypeDefinition `json:"data"`
		Checksum string                       `json:"checksum"`
	}
	h.AssertJSON(t, h.GET("/qms/types", token), http.StatusOK, &list)
	if len(list.Data) != 10 {
		t.Errorf("types = %d, want 10", len(list.Data))
	}
	if list.Checksum != h.Registry.Checksum() {
		t.Errorf("checksum = %q, want %q", list.Checksum, h.Registry.Checksum())
	}

	var def model.RecordTypeDefinition
	h.AssertJSON(t, h.GET("/qms/types/capa", token), http.StatusOK, &def)
	if def.Prefix != "CAPA" || len(def.Steps) != 4 {
		t.Errorf("capa = %+v", def)
	}
}
