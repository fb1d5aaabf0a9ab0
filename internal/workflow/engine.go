// Package workflow implements the record approval state machine, the
// type-specific operations layered on it, record creation, and the record
// stores that persist per-type collections.
package workflow

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/pitabwire/qms/internal/capability"
	"github.com/pitabwire/qms/model"
)

// Engine executes workflow operations. It holds no record state: every
// operation validates its preconditions against the given record, then
// returns an updated copy. A failed operation returns the zero record and
// leaves the input untouched.
type Engine struct {
	auth *capability.Authorizer
	now  func() time.Time
	intn func(n int) int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRandom overrides the random source used for identifier suffixes.
func WithRandom(intn func(n int) int) Option {
	return func(e *Engine) { e.intn = intn }
}

// NewEngine creates a workflow engine that authorizes through auth.
func NewEngine(auth *capability.Authorizer, opts ...Option) *Engine {
	e := &Engine{
		auth: auth,
		now:  time.Now,
		intn: rand.IntN,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Authorizer returns the authorizer the engine checks permissions with.
func (e *Engine) Authorizer() *capability.Authorizer {
	return e.auth
}

func (e *Engine) stamp() time.Time {
	return e.now().UTC()
}

// CurrentStep returns the unique Pending step of w. It returns false when the
// workflow is finished or was never activated.
func CurrentStep(w model.Workflow) (model.WorkflowStep, bool) {
	i := w.CurrentIndex()
	if i < 0 {
		return model.WorkflowStep{}, false
	}
	return w.Steps[i], true
}

// CanAct reports whether p may approve or reject r right now.
func (e *Engine) CanAct(def model.RecordTypeDefinition, r model.Record, p model.Principal) bool {
	if p.IsZero() || isHalted(r.Status) {
		return false
	}
	step, ok := CurrentStep(r.Workflow)
	if !ok {
		return false
	}
	return canActOn(def, step, p)
}

// Advance completes the current step on behalf of p and activates the next
// one, or finishes the workflow with the type's terminal status.
func (e *Engine) Advance(def model.RecordTypeDefinition, r model.Record, p model.Principal) (model.Record, error) {
	idx, err := e.actionableStep(def, r, p)
	if err != nil {
		return model.Record{}, err
	}

	out := r.Clone()
	now := e.stamp()
	completed := &out.Workflow.Steps[idx]
	completed.Status = model.StepCompleted
	completed.ActedBy = p.Name
	completed.ActedAt = &now

	if idx+1 < len(out.Workflow.Steps) {
		out.Workflow.Steps[idx+1].Status = model.StepPending
		if label := intermediateLabel(def, completed.StepName); label != "" {
			out.Status = label
		}
	} else {
		out.Status = def.Labels.Terminal
	}

	out.UpdatedAt = now
	appendAudit(&out, model.AuditApproved, p, now, completed.StepName)
	return out, nil
}

// Reject marks r Rejected. The step pointer is left where it was.
func (e *Engine) Reject(def model.RecordTypeDefinition, r model.Record, p model.Principal) (model.Record, error) {
	idx, err := e.actionableStep(def, r, p)
	if err != nil {
		return model.Record{}, err
	}

	out := r.Clone()
	now := e.stamp()
	out.Status = model.StatusRejected
	out.UpdatedAt = now
	appendAudit(&out, model.AuditRejected, p, now, out.Workflow.Steps[idx].StepName)
	return out, nil
}

// CloseInput carries the optional data captured when closing a record.
type CloseInput struct {
	Comments string `json:"comments"`
}

// Close finalizes r as Closed. It needs the coarse final_approve permission
// and is valid from any status other than Closed.
func (e *Engine) Close(def model.RecordTypeDefinition, r model.Record, p model.Principal, in CloseInput) (model.Record, error) {
	if p.IsZero() {
		return model.Record{}, unauthenticated()
	}
	if !e.auth.HasCoarsePermission(p.Role, model.ActionFinalApprove) {
		return model.Record{}, model.NewUnauthorizedError(
			fmt.Sprintf("role %q may not close %s records", p.Role, def.Name),
		)
	}
	if r.Status == model.StatusClosed {
		return model.Record{}, model.NewAlreadyClosedError(r.ID)
	}
	comments := strings.TrimSpace(in.Comments)
	if def.CloseRequiresComment && comments == "" {
		return model.Record{}, model.NewValidationError([]model.FieldError{
			{Field: "comments", Code: "REQUIRED", Message: "closure comments are required"},
		})
	}

	out := r.Clone()
	now := e.stamp()
	out.Status = model.StatusClosed
	out.UpdatedAt = now
	if comments != "" {
		out.ClosureComments = comments
	}
	if len(def.ClosureChecklist) > 0 && len(out.ClosureChecklist) == 0 {
		out.ClosureChecklist = make([]model.ChecklistItem, len(def.ClosureChecklist))
		for i, item := range def.ClosureChecklist {
			out.ClosureChecklist[i] = model.ChecklistItem{Item: item}
		}
	}
	appendAudit(&out, model.AuditClosed, p, now, "")
	return out, nil
}

// AppendComment adds text to the discussion thread of r. Any authenticated
// principal may comment, whatever the workflow position.
func (e *Engine) AppendComment(r model.Record, p model.Principal, text string) (model.Record, error) {
	if p.IsZero() {
		return model.Record{}, unauthenticated()
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return model.Record{}, model.NewEmptyCommentError()
	}

	out := r.Clone()
	now := e.stamp()
	out.Comments = append(out.Comments, model.Comment{
		User: p.Name,
		Role: p.Role,
		Text: text,
		Date: now,
	})
	out.UpdatedAt = now
	return out, nil
}

// actionableStep runs the shared approve/reject preconditions and returns the
// index of the Pending step.
func (e *Engine) actionableStep(def model.RecordTypeDefinition, r model.Record, p model.Principal) (int, error) {
	if p.IsZero() {
		return -1, unauthenticated()
	}
	idx := r.Workflow.CurrentIndex()
	if idx < 0 {
		return -1, model.NewNoPendingStepError(r.ID)
	}
	if isHalted(r.Status) {
		return -1, model.NewInvalidTransitionError(
			fmt.Sprintf("record %q is %s", r.ID, r.Status),
		)
	}
	step := r.Workflow.Steps[idx]
	if !canActOn(def, step, p) {
		return -1, model.NewUnauthorizedError(
			fmt.Sprintf("role %q may not act on step %q", p.Role, step.StepName),
		)
	}
	return idx, nil
}

func canActOn(def model.RecordTypeDefinition, step model.WorkflowStep, p model.Principal) bool {
	if capability.CanActOnStep(def, step.StepName, p.Role) {
		return true
	}
	sd, ok := def.Step(step.StepName)
	return ok && sd.Assignable && step.Assignee != "" && step.Assignee == p.Name
}

func intermediateLabel(def model.RecordTypeDefinition, completedStep string) string {
	if label, ok := def.Labels.AfterStep[completedStep]; ok {
		return label
	}
	return def.Labels.Intermediate
}

// isHalted reports whether status stops the outer workflow.
func isHalted(status string) bool {
	return status == model.StatusRejected || status == model.StatusClosed
}

func appendAudit(r *model.Record, kind model.ActionKind, p model.Principal, at time.Time, detail string) {
	r.AuditTrail = append(r.AuditTrail, model.AuditEntry{
		Action: kind,
		User:   p.Name,
		Role:   p.Role,
		Date:   at,
		Detail: detail,
	})
}

func unauthenticated() *model.ErrorEnvelope {
	return model.NewUnauthenticatedError("an authenticated principal is required")
}
