package model

// Built-in role names. Roles are plain strings so record-type definitions
// may name roles outside this list (e.g. "QC Initiator").
const (
	RoleInitiator            = "Initiator"
	RoleHOD                  = "HOD"
	RoleQAManager            = "QA Manager"
	RoleHeadQA               = "Head QA"
	RolePlantHead            = "Plant Head"
	RoleAnalyticalQAIncharge = "Analytical QA Incharge"
	RoleHeadQC               = "Head QC"
	RoleOperatingManagerCQA  = "Operating Manager CQA"
	RoleSiteQualityHead      = "Site Quality Head"
	RolePurchaseHOD          = "Purchase HOD"
	RoleHeadCQA              = "Head CQA"
	RoleAdmin                = "Admin"
)

// Principal is the authenticated actor on whose behalf an operation runs.
type Principal struct {
	Name string `json:"name" yaml:"name"`
	Role string `json:"role" yaml:"role"`
}

// IsZero reports whether p carries no identity.
func (p Principal) IsZero() bool {
	return p.Name == "" || p.Role == ""
}

// String renders the principal as "Name (Role)".
func (p Principal) String() string {
	return p.Name + " (" + p.Role + ")"
}
