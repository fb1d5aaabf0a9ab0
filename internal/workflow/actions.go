package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/qms/model"
)

// ExtensionPeriod is how far a granted extension moves the target close date.
const ExtensionPeriod = 60 * 24 * time.Hour

// FindingInput describes an audit finding.
type FindingInput struct {
	Text     string `json:"text" validate:"required"`
	Severity string `json:"severity" validate:"omitempty,oneof=Minor Major Critical"`
}

// AssignInvestigator names the single user who may act on the assignable step
// of r.
func (e *Engine) AssignInvestigator(def model.RecordTypeDefinition, r model.Record, p model.Principal, name string) (model.Record, error) {
	if err := e.checkOperation(def, r, p, model.OpAssignInvestigator, false); err != nil {
		return model.Record{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Record{}, requiredField("investigator")
	}
	idx := def.AssignableStep()
	if idx < 0 || idx >= len(r.Workflow.Steps) {
		return model.Record{}, model.NewInvalidTransitionError(
			fmt.Sprintf("%s records have no assignable step", def.Name),
		)
	}
	if r.Workflow.Steps[idx].Status == model.StepCompleted {
		return model.Record{}, model.NewInvalidTransitionError(
			fmt.Sprintf("step %q is already completed", r.Workflow.Steps[idx].StepName),
		)
	}

	out := r.Clone()
	now := e.stamp()
	out.Workflow.Steps[idx].Assignee = name
	out.Investigator = name
	out.UpdatedAt = now
	appendAudit(&out, model.AuditInvestigatorAssigned, p, now, name)
	return out, nil
}

// TriggerCAPA flags that a CAPA was raised from r. It may happen once.
func (e *Engine) TriggerCAPA(def model.RecordTypeDefinition, r model.Record, p model.Principal) (model.Record, error) {
	if err := e.checkOperation(def, r, p, model.OpTriggerCAPA, false); err != nil {
		return model.Record{}, err
	}
	if r.CAPATriggered {
		return model.Record{}, model.NewConflictError(
			fmt.Sprintf("CAPA already triggered for %q", r.ID),
		)
	}

	out := r.Clone()
	now := e.stamp()
	out.CAPATriggered = true
	out.UpdatedAt = now
	appendAudit(&out, model.AuditCAPATriggered, p, now, "")
	return out, nil
}

// RequestExtension records an extension request and moves the target close
// date ExtensionPeriod from now. It may happen once.
func (e *Engine) RequestExtension(def model.RecordTypeDefinition, r model.Record, p model.Principal, reason string) (model.Record, error) {
	if err := e.checkOperation(def, r, p, model.OpRequestExtension, true); err != nil {
		return model.Record{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return model.Record{}, requiredField("reason")
	}
	if r.ExtensionRequested {
		return model.Record{}, model.NewConflictError(
			fmt.Sprintf("an extension was already requested for %q", r.ID),
		)
	}

	out := r.Clone()
	now := e.stamp()
	due := now.Add(ExtensionPeriod)
	out.ExtensionRequested = true
	out.ExtensionReason = reason
	out.DueDate = &due
	out.UpdatedAt = now
	appendAudit(&out, model.AuditExtensionRequested, p, now, reason)
	return out, nil
}

// AddFinding appends an audit finding. The first finding moves a record out
// of its initial status.
func (e *Engine) AddFinding(def model.RecordTypeDefinition, r model.Record, p model.Principal, in FindingInput) (model.Record, error) {
	if err := e.checkOperation(def, r, p, model.OpAddFinding, false); err != nil {
		return model.Record{}, err
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return model.Record{}, requiredField("text")
	}

	out := r.Clone()
	now := e.stamp()
	out.Findings = append(out.Findings, model.Finding{
		Text:     text,
		Severity: in.Severity,
		RaisedBy: p.Name,
		RaisedAt: now,
	})
	if out.Status == def.Labels.Initial && def.Labels.Intermediate != "" {
		out.Status = def.Labels.Intermediate
	}
	out.UpdatedAt = now
	appendAudit(&out, model.AuditFindingAdded, p, now, text)
	return out, nil
}

// AssessRisk scores r by severity and probability, each 1 to 5.
func (e *Engine) AssessRisk(def model.RecordTypeDefinition, r model.Record, p model.Principal, severity, probability int) (model.Record, error) {
	if err := e.checkOperation(def, r, p, model.OpAssessRisk, true); err != nil {
		return model.Record{}, err
	}
	risk, err := scoreRisk(severity, probability)
	if err != nil {
		return model.Record{}, err
	}

	out := r.Clone()
	now := e.stamp()
	out.Risk = &risk
	out.UpdatedAt = now
	appendAudit(&out, model.AuditRiskAssessed, p, now, fmt.Sprintf("%s (%d)", risk.Level, risk.Score))
	return out, nil
}

// SchedulePIRC books the product-recall review committee meeting.
func (e *Engine) SchedulePIRC(def model.RecordTypeDefinition, r model.Record, p model.Principal, date time.Time) (model.Record, error) {
	if err := e.checkOperation(def, r, p, model.OpSchedulePIRC, false); err != nil {
		return model.Record{}, err
	}
	if date.IsZero() {
		return model.Record{}, requiredField("date")
	}

	out := r.Clone()
	now := e.stamp()
	when := date.UTC()
	out.PIRCDate = &when
	out.Status = StatusPIRCScheduled
	out.UpdatedAt = now
	appendAudit(&out, model.AuditPIRCScheduled, p, now, when.Format(time.DateOnly))
	return out, nil
}

// StatusPIRCScheduled is the status of a recall awaiting its PIRC meeting.
const StatusPIRCScheduled = "PIRC Scheduled"

// RiskLevel maps a risk score to its level.
func RiskLevel(score int) string {
	switch {
	case score <= 5:
		return "Low"
	case score <= 12:
		return "Medium"
	case score <= 20:
		return "High"
	default:
		return "Critical"
	}
}

func scoreRisk(severity, probability int) (model.RiskAssessment, error) {
	var details []model.FieldError
	if severity < 1 || severity > 5 {
		details = append(details, model.FieldError{Field: "severity", Code: "RANGE", Message: "severity must be between 1 and 5"})
	}
	if probability < 1 || probability > 5 {
		details = append(details, model.FieldError{Field: "probability", Code: "RANGE", Message: "probability must be between 1 and 5"})
	}
	if len(details) > 0 {
		return model.RiskAssessment{}, model.NewValidationError(details)
	}
	score := severity * probability
	return model.RiskAssessment{
		Severity:    severity,
		Probability: probability,
		Score:       score,
		Level:       RiskLevel(score),
	}, nil
}

// checkOperation runs the preconditions shared by type-specific operations:
// an authenticated principal, an operation enabled for the type, a record
// that is still active, and a permitted role. When initiatorAllowed is set
// the record's initiator may perform the operation regardless of role.
func (e *Engine) checkOperation(def model.RecordTypeDefinition, r model.Record, p model.Principal, op string, initiatorAllowed bool) error {
	if p.IsZero() {
		return unauthenticated()
	}
	if !def.Supports(op) {
		return model.NewBadRequestError(
			fmt.Sprintf("%s is not available for %s records", op, def.Name),
		)
	}
	if def.IsFinalStatus(r.Status) {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("record %q is %s", r.ID, r.Status),
		)
	}
	if initiatorAllowed && r.Initiator.Name == p.Name {
		return nil
	}
	if !e.auth.CanPerform(def, op, p.Role) {
		return model.NewUnauthorizedError(
			fmt.Sprintf("role %q may not perform %s", p.Role, op),
		)
	}
	return nil
}

func requiredField(field string) *model.ErrorEnvelope {
	return model.NewValidationError([]model.FieldError{
		{Field: field, Code: "REQUIRED", Message: field + " is required"},
	})
}
