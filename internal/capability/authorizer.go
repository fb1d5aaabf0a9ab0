package capability

import (
	"slices"

	"github.com/pitabwire/qms/model"
)

// CanActOnStep reports whether role may approve or reject the named step of
// def. Membership is exact: no role inherits another's step authority.
func CanActOnStep(def model.RecordTypeDefinition, stepName, role string) bool {
	if role == "" {
		return false
	}
	return slices.Contains(def.StepRoles(stepName), role)
}

// Authorizer combines the step map of a definition with the coarse role
// permissions of a resolver.
type Authorizer struct {
	resolver model.PermissionResolver
}

// NewAuthorizer creates an Authorizer backed by resolver.
func NewAuthorizer(resolver model.PermissionResolver) *Authorizer {
	return &Authorizer{resolver: resolver}
}

// HasCoarsePermission reports whether role holds action.
func (a *Authorizer) HasCoarsePermission(role string, action model.Action) bool {
	if role == "" {
		return false
	}
	return a.resolver.Resolve(role).Has(action)
}

// Permissions returns every coarse action held by role.
func (a *Authorizer) Permissions(role string) model.PermissionSet {
	if role == "" {
		return model.PermissionSet{}
	}
	return a.resolver.Resolve(role)
}

// CanActOnStep delegates to the package-level CanActOnStep.
func (a *Authorizer) CanActOnStep(def model.RecordTypeDefinition, stepName, role string) bool {
	return CanActOnStep(def, stepName, role)
}

// CanCreate reports whether role may initiate records of def: either by the
// coarse create permission or by owning the initiating step.
func (a *Authorizer) CanCreate(def model.RecordTypeDefinition, role string) bool {
	if a.HasCoarsePermission(role, model.ActionCreate) {
		return true
	}
	return slices.Contains(def.InitiatorRoles(), role)
}

// CanPerform gates a type-specific operation. The operation must be listed
// under the definition's actions and role must be one of its roles.
func (a *Authorizer) CanPerform(def model.RecordTypeDefinition, op, role string) bool {
	if role == "" {
		return false
	}
	return slices.Contains(def.Actions[op], role)
}
