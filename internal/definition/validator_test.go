package definition

import (
	"testing"

	"github.com/pitabwire/qms/model"
)

func validType() model.RecordTypeDefinition {
	return model.RecordTypeDefinition{
		Type:   model.RecordTypeChangeControl,
		Name:   "Change Control",
		Prefix: "CC",
		Steps: []model.StepDefinition{
			{Name: "Initiator", Roles: []string{model.RoleInitiator}},
			{Name: "HOD", Roles: []string{model.RoleHOD}},
			{Name: "Investigator", Assignable: true},
		},
		Labels: model.StatusLabels{
			Initial:      "Open",
			Intermediate: "Pending Approval",
			AfterStep:    map[string]string{"HOD": "Under Review"},
			Terminal:     "Approved",
		},
	}
}

func hasCode(errs []VError, path, code string) bool {
	for _, e := range errs {
		if e.Path == path && e.Code == code {
			return true
		}
	}
	return false
}

func TestValidator_valid(t *testing.T) {
	errs := NewValidator().Validate([]model.RecordTypeDefinition{validType()})
	if len(errs) != 0 {
		t.Fatalf("Validate() = %v, want no errors", errs)
	}
}

func TestValidator_errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.RecordTypeDefinition)
		path   string
		code   string
	}{
		{"missing type", func(d *model.RecordTypeDefinition) { d.Type = "" }, "definitions[0].type", "REQUIRED"},
		{"missing name", func(d *model.RecordTypeDefinition) { d.Name = "" }, "definitions[0].name", "REQUIRED"},
		{"missing prefix", func(d *model.RecordTypeDefinition) { d.Prefix = "" }, "definitions[0].prefix", "REQUIRED"},
		{"lower-case prefix", func(d *model.RecordTypeDefinition) { d.Prefix = "cc" }, "definitions[0].prefix", "INVALID_FORMAT"},
		{"single step", func(d *model.RecordTypeDefinition) { d.Steps = d.Steps[:1] }, "definitions[0].steps", "REQUIRED"},
		{"unnamed step", func(d *model.RecordTypeDefinition) { d.Steps[1].Name = "" }, "definitions[0].steps[1].name", "REQUIRED"},
		{"duplicate step", func(d *model.RecordTypeDefinition) { d.Steps[1].Name = "Initiator" }, "definitions[0].steps[1].name", "DUPLICATE"},
		{"roleless step", func(d *model.RecordTypeDefinition) { d.Steps[1].Roles = nil }, "definitions[0].steps[1].roles", "REQUIRED"},
		{"assignable first step", func(d *model.RecordTypeDefinition) { d.Steps[0].Assignable = true }, "definitions[0].steps[0].assignable", "INVALID"},
		{"missing initial", func(d *model.RecordTypeDefinition) { d.Labels.Initial = "" }, "definitions[0].labels.initial", "REQUIRED"},
		{"reserved initial", func(d *model.RecordTypeDefinition) { d.Labels.Initial = model.StatusClosed }, "definitions[0].labels.initial", "RESERVED"},
		{"missing terminal", func(d *model.RecordTypeDefinition) { d.Labels.Terminal = "" }, "definitions[0].labels.terminal", "REQUIRED"},
		{"unknown after_step", func(d *model.RecordTypeDefinition) { d.Labels.AfterStep = map[string]string{"Nope": "X"} }, "definitions[0].labels.after_step.Nope", "UNKNOWN_STEP"},
		{"empty action roles", func(d *model.RecordTypeDefinition) { d.Actions = map[string][]string{"trigger_capa": nil} }, "definitions[0].actions.trigger_capa", "REQUIRED"},
		{"phase without roles", func(d *model.RecordTypeDefinition) {
			d.Phases = []model.PhaseDefinition{{ID: "phase-i", Name: "Phase-I"}}
		}, "definitions[0].phases[0].roles", "REQUIRED"},
		{"duplicate phase", func(d *model.RecordTypeDefinition) {
			d.Phases = []model.PhaseDefinition{
				{ID: "ib", Name: "IB", Roles: []string{"Head QC"}},
				{ID: "ib", Name: "IB again", Roles: []string{"Head QC"}},
			}
		}, "definitions[0].phases[1].id", "DUPLICATE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validType()
			def.Steps = append([]model.StepDefinition(nil), def.Steps...)
			tt.mutate(&def)
			errs := NewValidator().Validate([]model.RecordTypeDefinition{def})
			if !hasCode(errs, tt.path, tt.code) {
				t.Errorf("Validate() = %v, want %s at %s", errs, tt.code, tt.path)
			}
		})
	}
}

func TestValidator_duplicates_across_set(t *testing.T) {
	a := validType()
	b := validType()
	errs := NewValidator().Validate([]model.RecordTypeDefinition{a, b})
	if !hasCode(errs, "definitions[1].type", "DUPLICATE") {
		t.Errorf("expected duplicate type error, got %v", errs)
	}
	if !hasCode(errs, "definitions[1].prefix", "DUPLICATE") {
		t.Errorf("expected duplicate prefix error, got %v", errs)
	}
}
