package engine

import (
	"enterprise-auth/backend/internal/rbac/domain"
	userdomain "enterprise-auth/backend/internal/user/domain"
)

// Default role names.
const (
	RoleViewer            = "viewer"
	RoleEditor            = "editor"
	RoleSecurityOfficer   = "security_officer"
	RoleComplianceAuditor = "compliance_auditor"
	RoleAdmin             = "admin"
)

// DefaultRoles returns the system roles created when missing.
func DefaultRoles() []*domain.Role {
	return []*domain.Role{
		{
			Name:        RoleViewer,
			Description: "Read access to resources and projects",
			Permissions: []string{domain.PermissionResourceRead, domain.PermissionProjectRead},
			System:      true,
			Active:      true,
		},
		{
			Name:         RoleEditor,
			Description:  "Create and modify resources and projects",
			Permissions:  []string{domain.PermissionResourceWrite, domain.PermissionProjectWrite},
			InheritsFrom: []string{RoleViewer},
			System:       true,
			Active:       true,
		},
		{
			Name:        RoleSecurityOfficer,
			Description: "Security operations: audit trail, sessions and MFA",
			Permissions: []string{
				domain.PermissionSecurityAudit, domain.PermissionSecuritySession, domain.PermissionSecurityMFA,
			},
			InheritsFrom: []string{RoleViewer},
			MinClearance: userdomain.ClearanceConfidential,
			System:       true,
			Active:       true,
		},
		{
			Name:         RoleComplianceAuditor,
			Description:  "Compliance reporting and audit export",
			Permissions:  []string{domain.PermissionComplianceRead, domain.PermissionComplianceAudit},
			InheritsFrom: []string{RoleViewer},
			MinClearance: userdomain.ClearanceRestricted,
			System:       true,
			Active:       true,
		},
		{
			Name:         RoleAdmin,
			Description:  "Unrestricted system administration",
			Permissions:  []string{domain.PermissionSystemAdmin, domain.PermissionRoleManage, domain.PermissionResourceDelete},
			InheritsFrom: []string{RoleEditor, RoleSecurityOfficer, RoleComplianceAuditor},
			MinClearance: userdomain.ClearanceConfidential,
			System:       true,
			Active:       true,
		},
	}
}
