package model

// Type-specific operation names used as keys of RecordTypeDefinition.Actions.
const (
	OpAssignInvestigator = "assign_investigator"
	OpTriggerCAPA        = "trigger_capa"
	OpRequestExtension   = "request_extension"
	OpAddFinding         = "add_finding"
	OpAssessRisk         = "assess_risk"
	OpSchedulePIRC       = "schedule_pirc"
	OpUpdatePhase        = "update_phase"
	OpNextPhase          = "next_phase"
)

// RecordTypeDefinition is the declarative workflow configuration of one
// record type, loaded from YAML.
type RecordTypeDefinition struct {
	Type    RecordType          `yaml:"type" json:"type"`
	Name    string              `yaml:"name" json:"name"`
	Prefix  string              `yaml:"prefix" json:"prefix"`
	Steps   []StepDefinition    `yaml:"steps" json:"steps"`
	Labels  StatusLabels        `yaml:"labels" json:"labels"`
	Actions map[string][]string `yaml:"actions,omitempty" json:"actions,omitempty"`
	Phases  []PhaseDefinition   `yaml:"phases,omitempty" json:"phases,omitempty"`

	ClosureChecklist     []string `yaml:"closure_checklist,omitempty" json:"closure_checklist,omitempty"`
	CloseRequiresComment bool     `yaml:"close_requires_comment,omitempty" json:"close_requires_comment,omitempty"`
	RiskScoring          bool     `yaml:"risk_scoring,omitempty" json:"risk_scoring,omitempty"`

	// Set by the loader, not by YAML.
	Checksum   string `yaml:"-" json:"checksum,omitempty"`
	SourceFile string `yaml:"-" json:"-"`
}

// StepDefinition names one workflow step and the roles allowed to act on it.
// The roles of the first step are the roles allowed to initiate the record
// type in addition to holders of the coarse create permission.
type StepDefinition struct {
	Name       string   `yaml:"name" json:"name"`
	Roles      []string `yaml:"roles,omitempty" json:"roles,omitempty"`
	Assignable bool     `yaml:"assignable,omitempty" json:"assignable,omitempty"`
}

// StatusLabels maps workflow progress to the visible record status.
type StatusLabels struct {
	Initial string `yaml:"initial" json:"initial"`
	// Intermediate is applied after a non-final approval. Empty leaves the
	// status unchanged.
	Intermediate string `yaml:"intermediate,omitempty" json:"intermediate,omitempty"`
	// AfterStep overrides Intermediate once the named step completes.
	AfterStep map[string]string `yaml:"after_step,omitempty" json:"after_step,omitempty"`
	Terminal  string            `yaml:"terminal" json:"terminal"`
}

// PhaseDefinition configures one investigation phase.
type PhaseDefinition struct {
	ID        string   `yaml:"id" json:"id"`
	Name      string   `yaml:"name" json:"name"`
	Roles     []string `yaml:"roles" json:"roles"`
	Retesting bool     `yaml:"retesting,omitempty" json:"retesting,omitempty"`
}

// StepRoles returns the roles permitted on the named step, or nil.
func (d RecordTypeDefinition) StepRoles(stepName string) []string {
	for _, s := range d.Steps {
		if s.Name == stepName {
			return s.Roles
		}
	}
	return nil
}

// Step returns the definition of the named step.
func (d RecordTypeDefinition) Step(stepName string) (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.Name == stepName {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// InitiatorRoles returns the roles named on the first step.
func (d RecordTypeDefinition) InitiatorRoles() []string {
	if len(d.Steps) == 0 {
		return nil
	}
	return d.Steps[0].Roles
}

// IsFinalStatus reports whether status ends the record's active life.
func (d RecordTypeDefinition) IsFinalStatus(status string) bool {
	return status == d.Labels.Terminal || status == StatusClosed || status == StatusRejected
}

// Supports reports whether the type-specific operation op is enabled for this
// record type. Phase operations are enabled by declaring phases.
func (d RecordTypeDefinition) Supports(op string) bool {
	if op == OpUpdatePhase || op == OpNextPhase {
		return len(d.Phases) > 0
	}
	_, ok := d.Actions[op]
	return ok
}

// Phase returns the definition of the phase with the given ID.
func (d RecordTypeDefinition) Phase(id string) (PhaseDefinition, bool) {
	for _, p := range d.Phases {
		if p.ID == id {
			return p, true
		}
	}
	return PhaseDefinition{}, false
}

// AssignableStep returns the index of the first assignable step, or -1.
func (d RecordTypeDefinition) AssignableStep() int {
	for i, s := range d.Steps {
		if s.Assignable {
			return i
		}
	}
	return -1
}
