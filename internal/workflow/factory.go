package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/qms/model"
)

// NewRecordInput is the caller-supplied part of a new record.
type NewRecordInput struct {
	Title       string         `json:"title" validate:"required,max=200"`
	Description string         `json:"description" validate:"max=4000"`
	DueDate     *time.Time     `json:"due_date"`
	Payload     map[string]any `json:"payload"`
	// Severity and Probability seed the risk assessment of types with risk
	// scoring. Zero leaves the record unassessed.
	Severity    int `json:"severity" validate:"omitempty,min=1,max=5"`
	Probability int `json:"probability" validate:"omitempty,min=1,max=5"`
}

// GenerateID builds a record identifier of the form
// PREFIX-<last six digits of epoch millis>-<three digit random suffix>.
// Uniqueness is enforced by the record store, not here.
func GenerateID(prefix string, now time.Time, intn func(int) int) string {
	return fmt.Sprintf("%s-%06d-%03d", prefix, now.UnixMilli()%1_000_000, intn(1000))
}

// Create builds a new record of def's type on behalf of p. The initiating
// step is completed by p, the second step is Pending and the audit trail is
// seeded with a Created entry.
func (e *Engine) Create(def model.RecordTypeDefinition, p model.Principal, in NewRecordInput) (model.Record, error) {
	if p.IsZero() {
		return model.Record{}, unauthenticated()
	}
	if !e.auth.CanCreate(def, p.Role) {
		return model.Record{}, model.NewUnauthorizedError(
			fmt.Sprintf("role %q may not create %s records", p.Role, def.Name),
		)
	}
	if len(def.Steps) < 2 {
		return model.Record{}, model.NewInternalError()
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return model.Record{}, model.NewValidationError([]model.FieldError{
			{Field: "title", Code: "REQUIRED", Message: "title is required"},
		})
	}

	now := e.stamp()
	r := model.Record{
		ID:          GenerateID(def.Prefix, now, e.intn),
		Type:        def.Type,
		Title:       title,
		Description: in.Description,
		Status:      def.Labels.Initial,
		Initiator:   p,
		CreatedAt:   now,
		UpdatedAt:   now,
		DueDate:     in.DueDate,
		Payload:     in.Payload,
		Comments:    []model.Comment{},
		AuditTrail: []model.AuditEntry{{
			Action: model.AuditCreated,
			User:   p.Name,
			Role:   p.Role,
			Date:   now,
		}},
		Workflow: newWorkflow(def, p, now),
	}

	if len(def.Phases) > 0 {
		r.Investigation = newInvestigation(def)
	}
	if def.RiskScoring && (in.Severity != 0 || in.Probability != 0) {
		risk, err := scoreRisk(in.Severity, in.Probability)
		if err != nil {
			return model.Record{}, err
		}
		r.Risk = &risk
	}
	return r, nil
}

func newWorkflow(def model.RecordTypeDefinition, p model.Principal, now time.Time) model.Workflow {
	steps := make([]model.WorkflowStep, len(def.Steps))
	for i, sd := range def.Steps {
		steps[i] = model.WorkflowStep{StepName: sd.Name, Status: model.StepNotStarted}
	}
	acted := now
	steps[0].Status = model.StepCompleted
	steps[0].ActedBy = p.Name
	steps[0].ActedAt = &acted
	steps[1].Status = model.StepPending
	return model.Workflow{Steps: steps}
}
