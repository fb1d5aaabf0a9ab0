package workflow

import (
	"slices"
	"sort"

	"github.com/pitabwire/qms/model"
)

// RecordPermissions describes what a principal may do to one record right
// now. It mirrors the checks the operations themselves perform.
type RecordPermissions struct {
	CurrentStep string         `json:"current_step,omitempty"`
	CanAct      bool           `json:"can_act"`
	CanClose    bool           `json:"can_close"`
	CanComment  bool           `json:"can_comment"`
	Actions     []string       `json:"actions"`
	Coarse      []model.Action `json:"permissions"`
}

// initiatorOps may be performed by a record's initiator whatever their role.
var initiatorOps = map[string]bool{
	model.OpRequestExtension: true,
	model.OpAssessRisk:       true,
}

// Permissions evaluates p against r.
func (e *Engine) Permissions(def model.RecordTypeDefinition, r model.Record, p model.Principal) RecordPermissions {
	perms := RecordPermissions{Actions: []string{}, Coarse: []model.Action{}}
	if step, ok := CurrentStep(r.Workflow); ok {
		perms.CurrentStep = step.StepName
	}
	if p.IsZero() {
		return perms
	}

	perms.Coarse = e.auth.Permissions(p.Role).List()
	perms.CanAct = e.CanAct(def, r, p)
	perms.CanClose = r.Status != model.StatusClosed &&
		e.auth.HasCoarsePermission(p.Role, model.ActionFinalApprove)
	perms.CanComment = true

	ops := make([]string, 0, len(def.Actions))
	for op := range def.Actions {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		if e.checkOperation(def, r, p, op, initiatorOps[op]) == nil {
			perms.Actions = append(perms.Actions, op)
		}
	}

	if len(def.Phases) > 0 && r.Investigation != nil && !def.IsFinalStatus(r.Status) {
		if pd, ok := def.Phase(r.Investigation.CurrentPhase); ok {
			inPhase := slices.Contains(pd.Roles, p.Role)
			if inPhase {
				perms.Actions = append(perms.Actions, model.OpUpdatePhase)
			}
			if inPhase || e.auth.HasCoarsePermission(p.Role, model.ActionInvestigate) {
				perms.Actions = append(perms.Actions, model.OpNextPhase)
			}
		}
	}
	return perms
}
