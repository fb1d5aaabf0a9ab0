package capability

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pitabwire/qms/model"
)

// --- StaticPolicyEvaluator tests ---

func TestStaticPolicyEvaluator_PermissionsFor(t *testing.T) {
	e, err := NewStaticPolicyEvaluator("testdata/policies.yaml")
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator() error = %v", err)
	}

	perms, err := e.PermissionsFor(model.RoleInitiator)
	if err != nil {
		t.Fatalf("PermissionsFor() error = %v", err)
	}
	if !perms.Has(model.ActionCreate) {
		t.Error("Initiator should have create")
	}
	if perms.Has(model.ActionFinalApprove) {
		t.Error("Initiator should not have final_approve")
	}
}

func TestStaticPolicyEvaluator_Wildcard(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	perms, _ := e.PermissionsFor(model.RoleAdmin)

	for _, a := range model.AllActions {
		if !perms.Has(a) {
			t.Errorf("Admin with * should have %s", a)
		}
	}
}

func TestStaticPolicyEvaluator_UnknownRole(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	perms, _ := e.PermissionsFor("Janitor")

	if len(perms) != 0 {
		t.Errorf("unknown role should return empty permissions, got %v", perms)
	}
}

func TestStaticPolicyEvaluator_LookupUser(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")

	p, ok := e.LookupUser("head_qa")
	if !ok {
		t.Fatal("LookupUser(head_qa) not found")
	}
	if p.Name != "Sarah Williams" || p.Role != model.RoleHeadQA {
		t.Errorf("LookupUser(head_qa) = %+v", p)
	}
	if _, ok := e.LookupUser("ghost"); ok {
		t.Error("LookupUser(ghost) should return false")
	}
}

func TestStaticPolicyEvaluator_MissingFile(t *testing.T) {
	if _, err := NewStaticPolicyEvaluator("testdata/nonexistent.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestStaticPolicyEvaluator_UnknownAction(t *testing.T) {
	if _, err := NewStaticPolicyEvaluator("testdata/bad_action.yaml"); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestStaticPolicyEvaluator_Sync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	if err := os.WriteFile(path, []byte("roles:\n  HOD: [view]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	e, err := NewStaticPolicyEvaluator(path)
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator() error = %v", err)
	}
	if perms, _ := e.PermissionsFor(model.RoleHOD); perms.Has(model.ActionApprove) {
		t.Fatal("HOD should not have approve before Sync")
	}

	if err := os.WriteFile(path, []byte("roles:\n  HOD: [view, approve]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := e.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if perms, _ := e.PermissionsFor(model.RoleHOD); !perms.Has(model.ActionApprove) {
		t.Error("HOD should have approve after Sync")
	}
}

func TestShippedPolicy(t *testing.T) {
	e, err := NewStaticPolicyEvaluator("../../config/policies.yaml")
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator() error = %v", err)
	}
	if e.Roles() != 12 {
		t.Errorf("Roles() = %d, want 12", e.Roles())
	}
	admin, _ := e.PermissionsFor(model.RoleAdmin)
	if len(admin.List()) != len(model.AllActions) {
		t.Errorf("Admin actions = %v", admin.List())
	}
	if _, ok := e.LookupUser("admin"); !ok {
		t.Error("admin user should be seeded")
	}
}

// --- Resolver tests ---

type countingEvaluator struct {
	calls atomic.Int32
	err   error
	perms model.PermissionSet
}

func (c *countingEvaluator) PermissionsFor(string) (model.PermissionSet, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.perms, nil
}

func (c *countingEvaluator) LookupUser(string) (model.Principal, bool) {
	return model.Principal{}, false
}
func (c *countingEvaluator) Sync() error { return nil }

func TestResolver_caches(t *testing.T) {
	ev := &countingEvaluator{perms: model.PermissionSet{model.ActionView: true}}
	r := NewResolver(ev, time.Minute)

	for i := 0; i < 3; i++ {
		if !r.Resolve(model.RoleHOD).Has(model.ActionView) {
			t.Fatal("expected view permission")
		}
	}
	if got := ev.calls.Load(); got != 1 {
		t.Errorf("evaluator called %d times, want 1", got)
	}
}

func TestResolver_expires(t *testing.T) {
	ev := &countingEvaluator{perms: model.PermissionSet{}}
	r := NewResolver(ev, time.Millisecond)

	r.Resolve(model.RoleHOD)
	time.Sleep(5 * time.Millisecond)
	r.Resolve(model.RoleHOD)

	if got := ev.calls.Load(); got != 2 {
		t.Errorf("evaluator called %d times, want 2", got)
	}
}

func TestResolver_Invalidate(t *testing.T) {
	ev := &countingEvaluator{perms: model.PermissionSet{}}
	r := NewResolver(ev, time.Minute)

	r.Resolve(model.RoleHOD)
	r.Resolve(model.RoleQAManager)
	r.Invalidate(model.RoleHOD)
	r.Resolve(model.RoleHOD)
	r.Resolve(model.RoleQAManager)
	if got := ev.calls.Load(); got != 3 {
		t.Errorf("evaluator called %d times, want 3", got)
	}

	r.Invalidate("")
	r.Resolve(model.RoleQAManager)
	if got := ev.calls.Load(); got != 4 {
		t.Errorf("evaluator called %d times after full invalidate, want 4", got)
	}
}

func TestResolver_OnLookup(t *testing.T) {
	ev := &countingEvaluator{perms: model.PermissionSet{}}
	r := NewResolver(ev, time.Minute)
	var hits, misses int
	r.OnLookup(func(hit bool) {
		if hit {
			hits++
		} else {
			misses++
		}
	})

	r.Resolve(model.RoleHOD)
	r.Resolve(model.RoleHOD)
	r.Resolve(model.RoleHeadQA)
	if hits != 1 || misses != 2 {
		t.Errorf("hits=%d misses=%d, want 1 and 2", hits, misses)
	}
}

func TestResolver_evaluator_error_denies(t *testing.T) {
	ev := &countingEvaluator{err: errors.New("boom")}
	r := NewResolver(ev, time.Minute)

	if perms := r.Resolve(model.RoleAdmin); perms.Has(model.ActionView) {
		t.Error("evaluator error should resolve to an empty set")
	}
}

// --- Authorizer tests ---

func ccDefinition() model.RecordTypeDefinition {
	return model.RecordTypeDefinition{
		Type: model.RecordTypeChangeControl,
		Steps: []model.StepDefinition{
			{Name: "Initiator", Roles: []string{model.RoleInitiator}},
			{Name: "HOD", Roles: []string{model.RoleHOD}},
			{Name: "QA Manager", Roles: []string{model.RoleQAManager}},
			{Name: "Head QA", Roles: []string{model.RoleHeadQA}},
		},
		Actions: map[string][]string{model.OpTriggerCAPA: {model.RoleHeadQA}},
	}
}

func testAuthorizer(t *testing.T) *Authorizer {
	t.Helper()
	e, err := NewStaticPolicyEvaluator("testdata/policies.yaml")
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator() error = %v", err)
	}
	return NewAuthorizer(NewResolver(e, time.Minute))
}

func TestCanActOnStep(t *testing.T) {
	def := ccDefinition()
	tests := []struct {
		step string
		role string
		want bool
	}{
		{"HOD", model.RoleHOD, true},
		{"HOD", model.RoleInitiator, false},
		{"QA Manager", model.RoleQAManager, true},
		{"Head QA", model.RoleAdmin, false},
		{"Unknown Step", model.RoleHOD, false},
		{"HOD", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.step+"/"+tt.role, func(t *testing.T) {
			if got := CanActOnStep(def, tt.step, tt.role); got != tt.want {
				t.Errorf("CanActOnStep(%q, %q) = %v, want %v", tt.step, tt.role, got, tt.want)
			}
		})
	}
}

func TestAuthorizer_HasCoarsePermission(t *testing.T) {
	a := testAuthorizer(t)
	tests := []struct {
		role   string
		action model.Action
		want   bool
	}{
		{model.RoleInitiator, model.ActionCreate, true},
		{model.RoleInitiator, model.ActionExport, false},
		{model.RoleHeadQA, model.ActionFinalApprove, true},
		{model.RoleHOD, model.ActionFinalApprove, false},
		{model.RoleAdmin, model.ActionExport, true},
		{"Nobody", model.ActionView, false},
		{"", model.ActionView, false},
	}
	for _, tt := range tests {
		if got := a.HasCoarsePermission(tt.role, tt.action); got != tt.want {
			t.Errorf("HasCoarsePermission(%q, %s) = %v, want %v", tt.role, tt.action, got, tt.want)
		}
	}
}

func TestAuthorizer_CanCreate(t *testing.T) {
	a := testAuthorizer(t)
	def := ccDefinition()

	if !a.CanCreate(def, model.RoleInitiator) {
		t.Error("Initiator should create")
	}
	if a.CanCreate(def, model.RoleHOD) {
		t.Error("HOD should not create")
	}

	def.Steps[0].Roles = []string{model.RoleQAManager}
	if !a.CanCreate(def, model.RoleQAManager) {
		t.Error("owner of the initiating step should create without the create permission")
	}
}

func TestAuthorizer_CanPerform(t *testing.T) {
	a := testAuthorizer(t)
	def := ccDefinition()

	if !a.CanPerform(def, model.OpTriggerCAPA, model.RoleHeadQA) {
		t.Error("listed role should perform trigger_capa")
	}
	if a.CanPerform(def, model.OpTriggerCAPA, model.RoleAdmin) {
		t.Error("Admin is not listed and gets no implicit authority")
	}
	if a.CanPerform(def, model.OpRequestExtension, model.RoleHeadQA) {
		t.Error("unlisted operation should be denied")
	}
}
