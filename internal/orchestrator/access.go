package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	auditdomain "enterprise-auth/backend/internal/audit/domain"
	"enterprise-auth/backend/internal/autherr"
	identitydomain "enterprise-auth/backend/internal/identity/domain"
	"enterprise-auth/backend/internal/identity/provider"
	rbacdomain "enterprise-auth/backend/internal/rbac/domain"
	"enterprise-auth/backend/internal/rbac/engine"
	sessiondomain "enterprise-auth/backend/internal/session/domain"
	"enterprise-auth/backend/internal/session/manager"
)

// ValidateSession returns the session when it is valid. device may be nil; when set, the device
// signature is compared with the one the session was opened from.
func (o *Orchestrator) ValidateSession(ctx context.Context, sessionID string, device *sessiondomain.Device) (*sessiondomain.Session, error) {
	s, _, err := o.currentSession(ctx, sessionID, device)
	return s, err
}

// CheckPermission decides whether the session's user may exercise permission on resource.
// A denial is recorded and reported as (false, nil); errors are reserved for invalid sessions
// and failures of the engine.
func (o *Orchestrator) CheckPermission(ctx context.Context, sessionID, permission string, resource *rbacdomain.Resource) (bool, error) {
	d, err := o.decide(ctx, sessionID, permission, resource)
	if err != nil {
		return false, err
	}
	return d.Granted, nil
}

// RequirePermission is CheckPermission with a denial turned into an authorization error.
func (o *Orchestrator) RequirePermission(ctx context.Context, sessionID, permission string, resource *rbacdomain.Resource) error {
	d, err := o.decide(ctx, sessionID, permission, resource)
	if err != nil {
		return err
	}
	if d.Granted {
		return nil
	}
	code := autherr.CodePermissionDenied
	if !d.ClearanceMet {
		code = autherr.CodeClearanceTooLow
	}
	return autherr.Authorization(code, permission, d.Reason)
}

func (o *Orchestrator) decide(ctx context.Context, sessionID, permission string, resource *rbacdomain.Resource) (*rbacdomain.Decision, error) {
	s, u, err := o.currentSession(ctx, sessionID, nil)
	if err != nil {
		return nil, err
	}
	if s.Metadata.MFAPending {
		return nil, autherr.Authorization(autherr.CodeSessionMFARequired, permission, "session is awaiting mfa")
	}
	d, err := o.rbac.CheckPermissionDetailed(ctx, u, permission, resource)
	if err != nil {
		return nil, fmt.Errorf("check permission: %w", err)
	}
	o.metrics.PermissionDecision(ctx, d.Granted, d.Reason)
	if !d.Granted {
		meta := map[string]string{"permission": permission}
		if resource != nil {
			meta["resource_type"] = resource.Type
			meta["resource_id"] = resource.ID
			meta["required_clearance"] = resource.RequiredClearance.String()
		}
		ev := userFields(sessionFields(&auditdomain.Event{Type: auditdomain.EventPermissionDenied, Reason: d.Reason}, s), u)
		ev.Metadata = meta
		o.record(ctx, ev)
	}
	return d, nil
}

// RefreshSession extends the session and re-snapshots the user's permissions and clearance.
// The returned session may carry a new id when rotation is due.
func (o *Orchestrator) RefreshSession(ctx context.Context, sessionID string) (*sessiondomain.Session, error) {
	s, u, err := o.currentSession(ctx, sessionID, nil)
	if err != nil {
		return nil, err
	}
	perms, err := o.rbac.EffectivePermissions(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("resolve permissions: %w", err)
	}
	next, err := o.sessions.RefreshSession(ctx, s.ID, manager.WithSnapshot(perms, u.Clearance))
	if errors.Is(err, manager.ErrSessionNotFound) {
		return nil, autherr.Authentication(autherr.CodeSessionInvalid, "session not found or expired")
	}
	if err != nil {
		return nil, autherr.Transient(autherr.CodeSessionInvalid, err)
	}
	if next.ID != s.ID {
		if p, _, perr := o.provider(identityMethod(s)); perr == nil {
			if b, ok := p.(provider.SessionBinder); ok {
				b.RebindSession(s.ID, next.ID)
			}
		}
	}
	return next, nil
}

// GetUserSessions lists the valid sessions of the user owning sessionID.
func (o *Orchestrator) GetUserSessions(ctx context.Context, sessionID string) ([]*sessiondomain.Session, error) {
	s, _, err := o.currentSession(ctx, sessionID, nil)
	if err != nil {
		return nil, err
	}
	return o.sessions.GetUserSessions(ctx, s.UserID)
}

// Logout ends the session and, when the provider supports it, the provider-side session.
// Logging out an unknown or expired session succeeds.
func (o *Orchestrator) Logout(ctx context.Context, sessionID string) error {
	s, err := o.sessions.ValidateSession(ctx, sessionID)
	if err != nil {
		return autherr.Transient(autherr.CodeSessionInvalid, err)
	}
	if s == nil {
		return nil
	}
	if err := o.sessions.InvalidateSession(ctx, s.ID); err != nil {
		return autherr.Transient(autherr.CodeSessionInvalid, err)
	}
	if p, _, perr := o.provider(identityMethod(s)); perr == nil {
		if err := p.Logout(ctx, s.ID); err != nil {
			o.logger.Warn("provider logout failed", zap.String("method", s.Metadata.Method), zap.Error(err))
		}
	}
	ev := sessionFields(&auditdomain.Event{Type: auditdomain.EventLogout, UserID: s.UserID, Clearance: s.Clearance, Success: true}, s)
	o.record(ctx, ev)
	return nil
}

// EraseUser removes a user and everything bound to them: sessions, role assignments and the
// directory record. Audit history is retained until it ages out.
func (o *Orchestrator) EraseUser(ctx context.Context, userID string) error {
	if !o.cfg.Compliance.RightToErasure {
		return ErrErasureDisabled
	}
	if _, err := o.sessions.InvalidateAllSessions(ctx, userID); err != nil {
		return fmt.Errorf("invalidate sessions: %w", err)
	}
	assignments, err := o.rbac.GetUserRoles(ctx, userID)
	if err != nil {
		return fmt.Errorf("load roles: %w", err)
	}
	for _, a := range assignments {
		if err := o.rbac.RevokeRole(ctx, userID, a.Role); err != nil && !errors.Is(err, engine.ErrAssignmentNotFound) {
			return fmt.Errorf("revoke role %s: %w", a.Role, err)
		}
	}
	if err := o.users.Delete(ctx, userID); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	o.record(ctx, &auditdomain.Event{
		Type:     auditdomain.EventSessionInvalidated,
		UserID:   userID,
		Success:  true,
		Reason:   "erased",
		Metadata: map[string]string{"roles_revoked": fmt.Sprint(len(assignments))},
	})
	o.logger.Info("user erased", zap.String("user_id", userID))
	return nil
}

func identityMethod(s *sessiondomain.Session) identitydomain.Method {
	return identitydomain.Method(s.Metadata.Method)
}
