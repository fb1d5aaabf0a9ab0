package model

import (
	"maps"
	"time"
)

// RecordType identifies a family of regulated records sharing one workflow
// configuration. The value doubles as the storage key stem.
type RecordType string

// Shipped record types.
const (
	RecordTypeChangeControl       RecordType = "change-control"
	RecordTypeCAPA                RecordType = "capa"
	RecordTypeDeviation           RecordType = "deviation"
	RecordTypeComplaint           RecordType = "market-complaint"
	RecordTypeLIR                 RecordType = "lir"
	RecordTypeAudit               RecordType = "audit"
	RecordTypeVendorQualification RecordType = "vendor-qualification"
	RecordTypeQRM                 RecordType = "qrm"
	RecordTypeProductRecall       RecordType = "product-recall"
	RecordTypeOOSOOT              RecordType = "oos-oot"
)

// StorageKey returns the collection key used by key-value stores.
func (t RecordType) StorageKey() string {
	return string(t) + "_data"
}

// StepStatus is the state of a single workflow step.
type StepStatus string

// Step states. At most one step of a workflow is Pending; every step before
// it is Completed and every step after it is NotStarted.
const (
	StepCompleted  StepStatus = "Completed"
	StepPending    StepStatus = "Pending"
	StepNotStarted StepStatus = "NotStarted"
)

// Record status labels shared by every record type.
const (
	StatusRejected = "Rejected"
	StatusClosed   = "Closed"
)

// ActionKind labels an audit trail entry.
type ActionKind string

// Audit actions.
const (
	AuditCreated              ActionKind = "Created"
	AuditApproved             ActionKind = "Approved"
	AuditRejected             ActionKind = "Rejected"
	AuditClosed               ActionKind = "Closed"
	AuditInvestigatorAssigned ActionKind = "Investigator Assigned"
	AuditCAPATriggered        ActionKind = "CAPA Triggered"
	AuditExtensionRequested   ActionKind = "Extension Requested"
	AuditFindingAdded         ActionKind = "Finding Added"
	AuditRiskAssessed         ActionKind = "Risk Assessed"
	AuditPIRCScheduled        ActionKind = "PIRC Meeting Scheduled"
	AuditPhaseUpdated         ActionKind = "Phase Updated"
	AuditPhaseAdvanced        ActionKind = "Phase Advanced"
)

// WorkflowStep is one named checkpoint in a record's workflow.
type WorkflowStep struct {
	StepName string     `json:"step_name"`
	Status   StepStatus `json:"status"`
	ActedBy  string     `json:"acted_by,omitempty"`
	ActedAt  *time.Time `json:"acted_at,omitempty"`
	// Assignee names the single user allowed to act on an assignable step.
	Assignee string `json:"assignee,omitempty"`
}

// Workflow is the fixed, ordered step sequence bound to a record.
type Workflow struct {
	Steps []WorkflowStep `json:"steps"`
}

// CurrentIndex returns the index of the Pending step, or -1.
func (w Workflow) CurrentIndex() int {
	for i, s := range w.Steps {
		if s.Status == StepPending {
			return i
		}
	}
	return -1
}

// Finished reports whether every step is Completed.
func (w Workflow) Finished() bool {
	if len(w.Steps) == 0 {
		return false
	}
	for _, s := range w.Steps {
		if s.Status != StepCompleted {
			return false
		}
	}
	return true
}

// Comment is one entry in a record's discussion thread.
type Comment struct {
	User string    `json:"user"`
	Role string    `json:"role"`
	Text string    `json:"text"`
	Date time.Time `json:"date"`
}

// AuditEntry is one immutable, attributed line of a record's audit trail.
type AuditEntry struct {
	Action ActionKind `json:"action"`
	User   string     `json:"user"`
	Role   string     `json:"role"`
	Date   time.Time  `json:"date"`
	Detail string     `json:"detail,omitempty"`
}

// Finding is an observation raised during an audit.
type Finding struct {
	Text     string    `json:"text"`
	Severity string    `json:"severity,omitempty"`
	RaisedBy string    `json:"raised_by"`
	RaisedAt time.Time `json:"raised_at"`
}

// RiskAssessment is a QRM severity/probability evaluation.
type RiskAssessment struct {
	Severity    int    `json:"severity"`
	Probability int    `json:"probability"`
	Score       int    `json:"score"`
	Level       string `json:"level"`
}

// ChecklistItem is one closure verification line.
type ChecklistItem struct {
	Item      string `json:"item"`
	Completed bool   `json:"completed"`
}

// PhaseStatus is the state of an investigation phase.
type PhaseStatus string

// Investigation phase states.
const (
	PhasePending    PhaseStatus = "Pending"
	PhaseInProgress PhaseStatus = "In Progress"
	PhaseCompleted  PhaseStatus = "Completed"
)

// InvestigationPhase is one stage of a nested investigation.
type InvestigationPhase struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Status      PhaseStatus `json:"status"`
	Hypothesis  string      `json:"hypothesis,omitempty"`
	Findings    string      `json:"findings,omitempty"`
	Conclusion  string      `json:"conclusion,omitempty"`
	Retesting   string      `json:"retesting,omitempty"`
	CompletedBy string      `json:"completed_by,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Investigation is the nested phase state machine embedded in a record.
type Investigation struct {
	CurrentPhase string               `json:"current_phase"`
	Phases       []InvestigationPhase `json:"phases"`
}

// PhaseIndex returns the index of the phase with the given ID, or -1.
func (inv *Investigation) PhaseIndex(id string) int {
	for i, p := range inv.Phases {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Record is one regulated workflow item.
type Record struct {
	ID          string         `json:"id"`
	Type        RecordType     `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status"`
	Initiator   Principal      `json:"initiator"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DueDate     *time.Time     `json:"due_date,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Comments    []Comment      `json:"comments"`
	AuditTrail  []AuditEntry   `json:"audit_trail"`
	Workflow    Workflow       `json:"workflow"`

	Investigator       string          `json:"investigator,omitempty"`
	CAPATriggered      bool            `json:"capa_triggered,omitempty"`
	ExtensionRequested bool            `json:"extension_requested,omitempty"`
	ExtensionReason    string          `json:"extension_reason,omitempty"`
	Findings           []Finding       `json:"findings,omitempty"`
	Risk               *RiskAssessment `json:"risk,omitempty"`
	PIRCDate           *time.Time      `json:"pirc_date,omitempty"`
	ClosureChecklist   []ChecklistItem `json:"closure_checklist,omitempty"`
	ClosureComments    string          `json:"closure_comments,omitempty"`
	Investigation      *Investigation  `json:"investigation,omitempty"`
}

// Clone returns a deep copy of r. Engine operations mutate clones so a failed
// operation never leaves the caller's record partially changed.
func (r Record) Clone() Record {
	c := r
	c.DueDate = cloneTime(r.DueDate)
	c.PIRCDate = cloneTime(r.PIRCDate)
	if r.Payload != nil {
		c.Payload = maps.Clone(r.Payload)
	}
	c.Comments = append([]Comment(nil), r.Comments...)
	c.AuditTrail = append([]AuditEntry(nil), r.AuditTrail...)
	c.Findings = append([]Finding(nil), r.Findings...)
	c.ClosureChecklist = append([]ChecklistItem(nil), r.ClosureChecklist...)

	c.Workflow.Steps = make([]WorkflowStep, len(r.Workflow.Steps))
	for i, s := range r.Workflow.Steps {
		s.ActedAt = cloneTime(s.ActedAt)
		c.Workflow.Steps[i] = s
	}

	if r.Risk != nil {
		risk := *r.Risk
		c.Risk = &risk
	}
	if r.Investigation != nil {
		inv := Investigation{CurrentPhase: r.Investigation.CurrentPhase}
		inv.Phases = make([]InvestigationPhase, len(r.Investigation.Phases))
		for i, p := range r.Investigation.Phases {
			p.CompletedAt = cloneTime(p.CompletedAt)
			inv.Phases[i] = p
		}
		c.Investigation = &inv
	}
	return c
}

// CurrentStep returns the Pending step, if any.
func (r Record) CurrentStep() (WorkflowStep, bool) {
	i := r.Workflow.CurrentIndex()
	if i < 0 {
		return WorkflowStep{}, false
	}
	return r.Workflow.Steps[i], true
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// RecordFilters narrows record listings.
type RecordFilters struct {
	Status    string
	Initiator string
	Limit     int
	Offset    int
}

// RecordSummary is a lightweight representation of a record for list views.
type RecordSummary struct {
	ID          string     `json:"id"`
	Type        RecordType `json:"type"`
	Title       string     `json:"title"`
	Status      string     `json:"status"`
	CurrentStep string     `json:"current_step,omitempty"`
	Initiator   string     `json:"initiator"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Summary projects r into a RecordSummary.
func (r Record) Summary() RecordSummary {
	s := RecordSummary{
		ID:        r.ID,
		Type:      r.Type,
		Title:     r.Title,
		Status:    r.Status,
		Initiator: r.Initiator.Name,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if step, ok := r.CurrentStep(); ok {
		s.CurrentStep = step.StepName
	}
	return s
}
