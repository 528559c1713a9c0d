package domain

import (
	"errors"
	"slices"
	"strings"
	"time"

	userdomain "enterprise-auth/backend/internal/user/domain"
)

// PermissionSystemAdmin is the unrestricted administrative permission. It is the only permission
// that grants access beyond the effective set, and only through the override check.
const PermissionSystemAdmin = "system:admin"

// Permission names used by the default roles, partitioned by domain prefix.
const (
	PermissionResourceRead    = "resource:read"
	PermissionResourceWrite   = "resource:write"
	PermissionResourceDelete  = "resource:delete"
	PermissionProjectRead     = "project:read"
	PermissionProjectWrite    = "project:write"
	PermissionSecurityAudit   = "security:audit:read"
	PermissionSecuritySession = "security:session:manage"
	PermissionSecurityMFA     = "security:mfa:manage"
	PermissionComplianceRead  = "compliance:report:read"
	PermissionComplianceAudit = "compliance:audit:export"
	PermissionRoleManage      = "security:role:manage"
)

// Role is a named set of permissions that may inherit the permissions of parent roles.
type Role struct {
	Name        string
	Description string
	Permissions []string
	// InheritsFrom lists parent role names. Cycles are tolerated and skipped at resolution.
	InheritsFrom []string
	// MinClearance is the clearance a user must hold for this role to contribute permissions.
	MinClearance userdomain.Clearance
	// System roles cannot be deleted.
	System    bool
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate returns an error describing the first invalid field.
func (r *Role) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("role name is required")
	}
	if strings.ContainsAny(r.Name, "| ") {
		return errors.New("role name must not contain spaces or '|'")
	}
	if !r.MinClearance.Valid() {
		return errors.New("role clearance is invalid")
	}
	for _, p := range r.Permissions {
		if strings.TrimSpace(p) == "" {
			return errors.New("permissions must not be empty")
		}
	}
	if slices.Contains(r.InheritsFrom, r.Name) {
		return errors.New("role cannot inherit from itself")
	}
	return nil
}

// HasPermission reports whether p is granted directly by the role.
func (r *Role) HasPermission(p string) bool {
	return slices.Contains(r.Permissions, p)
}

// Clone returns a deep copy.
func (r *Role) Clone() *Role {
	if r == nil {
		return nil
	}
	c := *r
	c.Permissions = slices.Clone(r.Permissions)
	c.InheritsFrom = slices.Clone(r.InheritsFrom)
	return &c
}
