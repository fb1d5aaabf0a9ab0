package model

// Action is a coarse permission checked independently of workflow position.
type Action string

// Coarse actions.
const (
	ActionCreate       Action = "create"
	ActionView         Action = "view"
	ActionEdit         Action = "edit"
	ActionDelete       Action = "delete"
	ActionApprove      Action = "approve"
	ActionReject       Action = "reject"
	ActionClose        Action = "close"
	ActionInvestigate  Action = "investigate"
	ActionFinalApprove Action = "final_approve"
	ActionExport       Action = "export"
	ActionImport       Action = "import"
)

// AllActions lists every coarse action in display order.
var AllActions = []Action{
	ActionCreate, ActionView, ActionEdit, ActionDelete, ActionApprove,
	ActionReject, ActionClose, ActionInvestigate, ActionFinalApprove,
	ActionExport, ActionImport,
}

// PermissionSet is the set of coarse actions granted to a role. The key "*"
// grants every action.
type PermissionSet map[Action]bool

// Has returns true if the set grants the action directly or via "*".
func (ps PermissionSet) Has(a Action) bool {
	return ps[a] || ps["*"]
}

// HasAll returns true if the set grants every given action.
func (ps PermissionSet) HasAll(actions ...Action) bool {
	for _, a := range actions {
		if !ps.Has(a) {
			return false
		}
	}
	return true
}

// HasAny returns true if the set grants at least one of the given actions.
func (ps PermissionSet) HasAny(actions ...Action) bool {
	for _, a := range actions {
		if ps.Has(a) {
			return true
		}
	}
	return false
}

// List returns the granted actions in AllActions order.
func (ps PermissionSet) List() []Action {
	out := make([]Action, 0, len(ps))
	for _, a := range AllActions {
		if ps.Has(a) {
			out = append(out, a)
		}
	}
	return out
}

// PermissionResolver resolves the coarse permission set for a role.
type PermissionResolver interface {
	// Resolve returns every action granted to role. Unknown roles resolve to
	// an empty set.
	Resolve(role string) PermissionSet

	// Invalidate clears any cached entry for role.
	Invalidate(role string)
}

// PolicyEvaluator is the backing source of role permissions and identities.
type PolicyEvaluator interface {
	// PermissionsFor returns the actions granted to role.
	PermissionsFor(role string) (PermissionSet, error)

	// LookupUser resolves a directory username to a principal.
	LookupUser(username string) (Principal, bool)

	// Sync refreshes policy data from its source.
	Sync() error
}
