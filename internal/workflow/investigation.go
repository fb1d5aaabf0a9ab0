package workflow

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pitabwire/qms/model"
)

// PhaseInput is the outcome of one investigation phase.
type PhaseInput struct {
	Hypothesis string `json:"hypothesis" validate:"required"`
	Findings   string `json:"findings"`
	Conclusion string `json:"conclusion"`
	Retesting  string `json:"retesting"`
}

func newInvestigation(def model.RecordTypeDefinition) *model.Investigation {
	inv := &model.Investigation{
		CurrentPhase: def.Phases[0].ID,
		Phases:       make([]model.InvestigationPhase, len(def.Phases)),
	}
	for i, pd := range def.Phases {
		inv.Phases[i] = model.InvestigationPhase{ID: pd.ID, Name: pd.Name, Status: model.PhasePending}
	}
	inv.Phases[0].Status = model.PhaseInProgress
	return inv
}

// UpdatePhase records the outcome of the current investigation phase and
// completes it. Only the roles of that phase may update it.
func (e *Engine) UpdatePhase(def model.RecordTypeDefinition, r model.Record, p model.Principal, phaseID string, in PhaseInput) (model.Record, error) {
	idx, pd, err := e.currentPhase(def, r, p, model.OpUpdatePhase)
	if err != nil {
		return model.Record{}, err
	}
	if phaseID != pd.ID {
		return model.Record{}, model.NewInvalidTransitionError(
			fmt.Sprintf("phase %q is not the current phase %q", phaseID, pd.ID),
		)
	}
	if !slices.Contains(pd.Roles, p.Role) {
		return model.Record{}, model.NewUnauthorizedError(
			fmt.Sprintf("role %q may not update phase %q", p.Role, pd.Name),
		)
	}
	if r.Investigation.Phases[idx].Status == model.PhaseCompleted {
		return model.Record{}, model.NewInvalidTransitionError(
			fmt.Sprintf("phase %q is already completed", pd.Name),
		)
	}
	if strings.TrimSpace(in.Hypothesis) == "" {
		return model.Record{}, requiredField("hypothesis")
	}
	if in.Retesting != "" && !pd.Retesting {
		return model.Record{}, model.NewValidationError([]model.FieldError{
			{Field: "retesting", Code: "NOT_ALLOWED", Message: fmt.Sprintf("phase %q does not record retesting", pd.Name)},
		})
	}

	out := r.Clone()
	now := e.stamp()
	ph := &out.Investigation.Phases[idx]
	ph.Hypothesis = strings.TrimSpace(in.Hypothesis)
	ph.Findings = in.Findings
	ph.Conclusion = in.Conclusion
	ph.Retesting = in.Retesting
	ph.Status = model.PhaseCompleted
	ph.CompletedBy = p.Name
	ph.CompletedAt = &now
	out.UpdatedAt = now
	appendAudit(&out, model.AuditPhaseUpdated, p, now, pd.Name)
	return out, nil
}

// MoveToNextPhase opens the phase after the current one once the current
// phase is completed. The record status follows the phase name.
func (e *Engine) MoveToNextPhase(def model.RecordTypeDefinition, r model.Record, p model.Principal) (model.Record, error) {
	idx, pd, err := e.currentPhase(def, r, p, model.OpNextPhase)
	if err != nil {
		return model.Record{}, err
	}
	if !slices.Contains(pd.Roles, p.Role) && !e.auth.HasCoarsePermission(p.Role, model.ActionInvestigate) {
		return model.Record{}, model.NewUnauthorizedError(
			fmt.Sprintf("role %q may not advance the investigation", p.Role),
		)
	}
	if r.Investigation.Phases[idx].Status != model.PhaseCompleted {
		return model.Record{}, model.NewInvalidTransitionError(
			fmt.Sprintf("phase %q must be completed first", pd.Name),
		)
	}
	if idx+1 >= len(r.Investigation.Phases) {
		return model.Record{}, model.NewInvalidTransitionError(
			fmt.Sprintf("phase %q is the last phase", pd.Name),
		)
	}

	out := r.Clone()
	now := e.stamp()
	next := &out.Investigation.Phases[idx+1]
	next.Status = model.PhaseInProgress
	out.Investigation.CurrentPhase = next.ID
	out.Status = next.Name
	out.UpdatedAt = now
	appendAudit(&out, model.AuditPhaseAdvanced, p, now, next.Name)
	return out, nil
}

func (e *Engine) currentPhase(def model.RecordTypeDefinition, r model.Record, p model.Principal, op string) (int, model.PhaseDefinition, error) {
	if p.IsZero() {
		return -1, model.PhaseDefinition{}, unauthenticated()
	}
	if !def.Supports(op) || r.Investigation == nil {
		return -1, model.PhaseDefinition{}, model.NewBadRequestError(
			fmt.Sprintf("%s records have no investigation phases", def.Name),
		)
	}
	if def.IsFinalStatus(r.Status) {
		return -1, model.PhaseDefinition{}, model.NewInvalidTransitionError(
			fmt.Sprintf("record %q is %s", r.ID, r.Status),
		)
	}
	idx := r.Investigation.PhaseIndex(r.Investigation.CurrentPhase)
	pd, ok := def.Phase(r.Investigation.CurrentPhase)
	if idx < 0 || !ok {
		return -1, model.PhaseDefinition{}, model.NewInternalError()
	}
	return idx, pd, nil
}
