package domain

import userdomain "enterprise-auth/backend/internal/user/domain"

// Resource is the target of a permission check. All fields are optional.
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	// OwnerID is the user that owns the resource.
	OwnerID string `json:"owner_id"`
	// RequiredClearance is the minimum clearance to access the resource.
	RequiredClearance userdomain.Clearance `json:"required_clearance"`
	// Restricted resources are reachable only by the owner and users with an explicit grant.
	Restricted bool `json:"restricted"`
	// Grants maps user id to permissions granted on this resource only.
	Grants map[string][]string `json:"grants,omitempty"`
	// Denied lists users explicitly refused access.
	Denied     []string          `json:"denied,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Decision is the outcome of a permission check with the facts that produced it.
type Decision struct {
	Granted    bool
	Permission string
	Reason     string
	// UserClearance and RequiredClearance are the compared levels; ClearanceMet is true when no
	// resource was given.
	UserClearance     userdomain.Clearance
	RequiredClearance userdomain.Clearance
	ClearanceMet      bool
	// EffectivePermissions is the sorted union of permissions from all resolved roles.
	EffectivePermissions []string
	// RoleChain lists roles in resolution order, each role once.
	RoleChain     []string
	AdminOverride bool
	// RuleDenied is set when a resource rule refused access.
	RuleDenied bool
}

// Decision reasons.
const (
	ReasonGranted           = "granted"
	ReasonAdminOverride     = "granted by administrative override"
	ReasonNoPermission      = "permission not in effective set"
	ReasonClearance         = "clearance below resource requirement"
	ReasonRuleDenied        = "denied by resource rule"
	ReasonRuleError         = "resource rule evaluation failed"
	ReasonUserInactive      = "user is inactive"
	ReasonInvalidPermission = "permission is empty"
)
