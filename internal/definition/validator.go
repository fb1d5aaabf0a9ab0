package definition

import (
	"fmt"
	"regexp"

	"github.com/pitabwire/qms/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

var prefixPattern = regexp.MustCompile(`^[A-Z]{2,6}$`)

// Validator checks record-type definitions structurally and across the whole
// set (unique types and prefixes).
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions and returns every problem found.
func (v *Validator) Validate(defs []model.RecordTypeDefinition) []VError {
	var errs []VError
	seenTypes := make(map[model.RecordType]string)
	seenPrefixes := make(map[string]string)

	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		errs = append(errs, v.validateType(prefix, def)...)

		if def.Type != "" {
			if other, dup := seenTypes[def.Type]; dup {
				errs = append(errs, VError{Path: prefix + ".type", Code: "DUPLICATE", Message: fmt.Sprintf("record type %q already defined in %s", def.Type, other)})
			}
			seenTypes[def.Type] = def.SourceFile
		}
		if def.Prefix != "" {
			if other, dup := seenPrefixes[def.Prefix]; dup {
				errs = append(errs, VError{Path: prefix + ".prefix", Code: "DUPLICATE", Message: fmt.Sprintf("prefix %q already used by %s", def.Prefix, other)})
			}
			seenPrefixes[def.Prefix] = string(def.Type)
		}
	}
	return errs
}

func (v *Validator) validateType(prefix string, def model.RecordTypeDefinition) []VError {
	var errs []VError

	if def.Type == "" {
		errs = append(errs, VError{Path: prefix + ".type", Code: "REQUIRED", Message: "type is required"})
	}
	if def.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if def.Prefix == "" {
		errs = append(errs, VError{Path: prefix + ".prefix", Code: "REQUIRED", Message: "prefix is required"})
	} else if !prefixPattern.MatchString(def.Prefix) {
		errs = append(errs, VError{Path: prefix + ".prefix", Code: "INVALID_FORMAT", Message: fmt.Sprintf("prefix %q must be 2-6 upper-case letters", def.Prefix)})
	}

	errs = append(errs, v.validateSteps(prefix+".steps", def.Steps)...)
	errs = append(errs, v.validateLabels(prefix+".labels", def)...)
	errs = append(errs, v.validatePhases(prefix+".phases", def.Phases)...)

	for name, roles := range def.Actions {
		if len(roles) == 0 {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.actions.%s", prefix, name), Code: "REQUIRED", Message: "at least one role is required"})
		}
	}
	return errs
}

func (v *Validator) validateSteps(prefix string, steps []model.StepDefinition) []VError {
	var errs []VError

	// Creation completes step[0] and activates step[1].
	if len(steps) < 2 {
		errs = append(errs, VError{Path: prefix, Code: "REQUIRED", Message: "at least two steps are required"})
	}

	names := make(map[string]bool, len(steps))
	for i, s := range steps {
		sp := fmt.Sprintf("%s[%d]", prefix, i)
		if s.Name == "" {
			errs = append(errs, VError{Path: sp + ".name", Code: "REQUIRED", Message: "step name is required"})
		} else if names[s.Name] {
			errs = append(errs, VError{Path: sp + ".name", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate step %q", s.Name)})
		}
		names[s.Name] = true

		if i == 0 && s.Assignable {
			errs = append(errs, VError{Path: sp + ".assignable", Code: "INVALID", Message: "the initiating step cannot be assignable"})
		}
		if len(s.Roles) == 0 && !s.Assignable {
			errs = append(errs, VError{Path: sp + ".roles", Code: "REQUIRED", Message: "a non-assignable step needs at least one role"})
		}
	}
	return errs
}

func (v *Validator) validateLabels(prefix string, def model.RecordTypeDefinition) []VError {
	var errs []VError
	if def.Labels.Initial == "" {
		errs = append(errs, VError{Path: prefix + ".initial", Code: "REQUIRED", Message: "initial label is required"})
	}
	if def.Labels.Terminal == "" {
		errs = append(errs, VError{Path: prefix + ".terminal", Code: "REQUIRED", Message: "terminal label is required"})
	}
	if def.Labels.Initial == model.StatusRejected || def.Labels.Initial == model.StatusClosed {
		errs = append(errs, VError{Path: prefix + ".initial", Code: "RESERVED", Message: fmt.Sprintf("%q is reserved", def.Labels.Initial)})
	}
	for step := range def.Labels.AfterStep {
		if _, ok := def.Step(step); !ok {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.after_step.%s", prefix, step), Code: "UNKNOWN_STEP", Message: fmt.Sprintf("step %q is not defined", step)})
		}
	}
	return errs
}

func (v *Validator) validatePhases(prefix string, phases []model.PhaseDefinition) []VError {
	var errs []VError
	ids := make(map[string]bool, len(phases))
	for i, p := range phases {
		pp := fmt.Sprintf("%s[%d]", prefix, i)
		if p.ID == "" {
			errs = append(errs, VError{Path: pp + ".id", Code: "REQUIRED", Message: "phase id is required"})
		} else if ids[p.ID] {
			errs = append(errs, VError{Path: pp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate phase %q", p.ID)})
		}
		ids[p.ID] = true
		if p.Name == "" {
			errs = append(errs, VError{Path: pp + ".name", Code: "REQUIRED", Message: "phase name is required"})
		}
		if len(p.Roles) == 0 {
			errs = append(errs, VError{Path: pp + ".roles", Code: "REQUIRED", Message: "at least one role is required"})
		}
	}
	return errs
}
