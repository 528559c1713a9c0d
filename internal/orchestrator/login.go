package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	auditdomain "enterprise-auth/backend/internal/audit/domain"
	"enterprise-auth/backend/internal/autherr"
	identitydomain "enterprise-auth/backend/internal/identity/domain"
	"enterprise-auth/backend/internal/identity/provider"
	"enterprise-auth/backend/internal/rbac/engine"
	sessiondomain "enterprise-auth/backend/internal/session/domain"
	"enterprise-auth/backend/internal/session/manager"
	userdomain "enterprise-auth/backend/internal/user/domain"
)

// AuthRequest is a primary login attempt.
type AuthRequest struct {
	Credential identitydomain.Credential
	// Method selects the provider; empty uses the configured default.
	Method identitydomain.Method
	Device sessiondomain.Device
}

// AuthResult is a successful primary login. When RequiresMFA is set the session is MFA-pending
// and cannot be used for permission checks until VerifyMFA succeeds.
type AuthResult struct {
	User        *userdomain.User
	Session     *sessiondomain.Session
	RequiresMFA bool
	MFAMethods  []string
}

// MFAResult is a completed second-factor verification.
type MFAResult struct {
	User    *userdomain.User
	Session *sessiondomain.Session
	Success bool
}

// Authenticate runs primary authentication, reconciles the user with the directory, syncs
// provider-asserted roles, and opens a session.
func (o *Orchestrator) Authenticate(ctx context.Context, req AuthRequest) (*AuthResult, error) {
	p, method, err := o.provider(req.Method)
	attempt := &auditdomain.Event{
		Type:      auditdomain.EventLoginAttempt,
		IPAddress: req.Device.IPAddress,
		UserAgent: req.Device.UserAgent,
		Method:    string(method),
	}
	o.record(ctx, attempt)
	if err != nil {
		return nil, o.loginFailed(ctx, req, method, nil, err)
	}

	user, err := p.Authenticate(ctx, req.Credential)
	if err != nil {
		return nil, o.loginFailed(ctx, req, method, nil, err)
	}
	user, err = o.reconcileUser(ctx, user, method)
	if err != nil {
		return nil, o.loginFailed(ctx, req, method, user, err)
	}

	requiresMFA, methods, err := o.mfaRequirement(ctx, user)
	if err != nil {
		return nil, o.loginFailed(ctx, req, method, user, err)
	}
	s, err := o.sessions.CreateSession(ctx, user, req.Device,
		manager.WithMFAPending(requiresMFA),
		manager.WithAuthMethod(string(method)),
	)
	if err != nil {
		return nil, o.loginFailed(ctx, req, method, user, fmt.Errorf("create session: %w", err))
	}
	if b, ok := p.(provider.SessionBinder); ok {
		b.BindSession(s.ID, user.ID)
	}

	ev := userFields(sessionFields(&auditdomain.Event{Type: auditdomain.EventLoginSuccess, Method: string(method), Success: true}, s), user)
	if requiresMFA {
		ev.Metadata = map[string]string{"mfa_pending": "true"}
	}
	o.record(ctx, ev)
	o.metrics.AuthAttempt(ctx, string(method), true, "")
	return &AuthResult{User: user, Session: s, RequiresMFA: requiresMFA, MFAMethods: methods}, nil
}

func (o *Orchestrator) loginFailed(ctx context.Context, req AuthRequest, method identitydomain.Method, user *userdomain.User, err error) error {
	o.record(ctx, userFields(&auditdomain.Event{
		Type:      auditdomain.EventLoginFailure,
		IPAddress: req.Device.IPAddress,
		UserAgent: req.Device.UserAgent,
		Method:    string(method),
		Reason:    autherr.ReasonOf(err),
	}, user))
	o.metrics.AuthAttempt(ctx, string(method), false, autherr.CodeOf(err))
	o.logger.Info("login failed", zap.String("method", string(method)), zap.String("code", autherr.CodeOf(err)))
	return err
}

// reconcileUser merges the provider user into the directory record and computes effective permissions.
// Directory-owned fields (clearance, MFA enrollment, active flag, creation time) win over the provider's.
func (o *Orchestrator) reconcileUser(ctx context.Context, u *userdomain.User, method identitydomain.Method) (*userdomain.User, error) {
	now := o.now()
	existing, err := o.users.GetByID(ctx, u.ID)
	if err != nil {
		return u, fmt.Errorf("load user: %w", err)
	}
	if existing != nil {
		if !existing.Active {
			return existing, autherr.Authentication(autherr.CodeUserInactive, "user is deactivated")
		}
		u.Clearance = existing.Clearance
		u.MFAEnabled = existing.MFAEnabled
		u.MFAMethods = existing.MFAMethods
		u.CreatedAt = existing.CreatedAt
		if u.Phone == "" {
			u.Phone = existing.Phone
		}
	} else {
		u.CreatedAt = now
	}
	u.Active = true
	u.LastLoginAt = now

	o.syncProviderRoles(ctx, u, method)
	assignments, err := o.rbac.GetUserRoles(ctx, u.ID)
	if err != nil {
		return u, fmt.Errorf("load roles: %w", err)
	}
	names := make([]string, 0, len(assignments))
	for _, a := range assignments {
		names = append(names, a.Role)
	}
	u.Roles = unionSorted(u.Roles, names)

	// Persisted before resolving permissions; the engine reads clearance from the directory.
	u.Permissions = nil
	if err := o.users.Upsert(ctx, u); err != nil {
		return u, fmt.Errorf("save user: %w", err)
	}
	perms, err := o.rbac.EffectivePermissions(ctx, u)
	if err != nil {
		return u, fmt.Errorf("resolve permissions: %w", err)
	}
	u.Permissions = perms
	return u, nil
}

// syncProviderRoles assigns provider-asserted roles that exist in the engine and revokes roles this
// provider granted earlier but no longer asserts. Unknown names are skipped.
func (o *Orchestrator) syncProviderRoles(ctx context.Context, u *userdomain.User, method identitydomain.Method) {
	source := "idp:" + string(method)
	for _, name := range u.Roles {
		if _, err := o.rbac.GetRole(name); err != nil {
			if !errors.Is(err, engine.ErrRoleNotFound) {
				o.logger.Warn("role lookup failed", zap.String("role", name), zap.Error(err))
			}
			continue
		}
		if _, err := o.rbac.AssignRole(ctx, u.ID, name, source, time.Time{}); err != nil {
			o.logger.Warn("failed to sync provider role", zap.String("role", name), zap.Error(err))
		}
	}

	assignments, err := o.rbac.GetUserRoles(ctx, u.ID)
	if err != nil {
		o.logger.Warn("failed to load roles for sync", zap.String("user_id", u.ID), zap.Error(err))
		return
	}
	granted := make(map[string]bool)
	for _, a := range assignments {
		if a.AssignedBy != source {
			// Also granted by another source.
			granted[a.Role] = false
			continue
		}
		if _, seen := granted[a.Role]; !seen {
			granted[a.Role] = true
		}
	}
	for name, fromProvider := range granted {
		if !fromProvider || slices.Contains(u.Roles, name) {
			continue
		}
		if err := o.rbac.RevokeRole(ctx, u.ID, name); err != nil && !errors.Is(err, engine.ErrAssignmentNotFound) {
			o.logger.Warn("failed to revoke provider role", zap.String("role", name), zap.Error(err))
			continue
		}
		o.logger.Info("revoked role no longer asserted by provider", zap.String("user_id", u.ID), zap.String("role", name), zap.String("method", string(method)))
	}
}

// mfaRequirement reports whether the login needs a second factor and which methods can satisfy it.
func (o *Orchestrator) mfaRequirement(ctx context.Context, u *userdomain.User) (bool, []string, error) {
	if !o.cfg.MFAEnabled {
		return false, nil, nil
	}
	enrolled, err := o.mfa.EnrolledMethods(ctx, u.ID)
	if err != nil {
		return false, nil, fmt.Errorf("load mfa enrollment: %w", err)
	}
	methods := unionSorted(u.MFAMethods, enrolled)
	return o.cfg.MFARequired || u.MFAEnabled || len(methods) > 0, methods, nil
}

// SendMFAChallenge delivers an out-of-band code for an MFA-pending session.
func (o *Orchestrator) SendMFAChallenge(ctx context.Context, sessionID, method string) error {
	s, u, err := o.pendingSession(ctx, sessionID, method)
	if err != nil {
		return err
	}
	err = o.mfa.SendChallenge(ctx, u, method)
	ev := userFields(sessionFields(&auditdomain.Event{Type: auditdomain.EventMFAChallenge, Success: err == nil}, s), u)
	ev.Metadata = map[string]string{"mfa_method": method}
	ev.Reason = autherr.ReasonOf(err)
	o.record(ctx, ev)
	return err
}

// VerifyMFA checks a second-factor code for an MFA-pending session and clears the pending flag on success.
// A rejected code is an MFA error with code MFA_CODE_INVALID.
func (o *Orchestrator) VerifyMFA(ctx context.Context, sessionID, code, method string) (*MFAResult, error) {
	s, u, err := o.pendingSession(ctx, sessionID, method)
	if err != nil {
		return nil, err
	}

	ok, err := o.mfa.ValidateCode(ctx, u, code, method)
	if err == nil && !ok {
		err = autherr.MFA(method, autherr.CodeMFAInvalidCode, "code rejected")
	}
	if err != nil {
		ev := userFields(sessionFields(&auditdomain.Event{Type: auditdomain.EventMFAFailure, Reason: autherr.ReasonOf(err)}, s), u)
		ev.Metadata = map[string]string{"mfa_method": method}
		o.record(ctx, ev)
		o.metrics.MFAVerification(ctx, method, false)
		return nil, err
	}

	s, err = o.sessions.MarkMFAVerified(ctx, s.ID)
	if err != nil {
		return nil, autherr.Transient(autherr.CodeSessionInvalid, err)
	}
	ev := userFields(sessionFields(&auditdomain.Event{Type: auditdomain.EventMFASuccess, Success: true}, s), u)
	ev.Metadata = map[string]string{"mfa_method": method}
	o.record(ctx, ev)
	o.metrics.MFAVerification(ctx, method, true)
	return &MFAResult{User: u, Session: s, Success: true}, nil
}

func (o *Orchestrator) pendingSession(ctx context.Context, sessionID, method string) (*sessiondomain.Session, *userdomain.User, error) {
	if !o.cfg.MFAEnabled {
		return nil, nil, autherr.MFA(method, autherr.CodeMFAMethodInvalid, "mfa is disabled")
	}
	s, u, err := o.currentSession(ctx, sessionID, nil)
	if err != nil {
		return nil, nil, err
	}
	if !s.Metadata.MFAPending {
		return nil, nil, autherr.MFA(method, autherr.CodeMFANotPending, "session is not awaiting mfa")
	}
	if !slices.Contains([]string{
		userdomain.MFAMethodTOTP, userdomain.MFAMethodSMS, userdomain.MFAMethodEmail,
		userdomain.MFAMethodBackupCode, userdomain.MFAMethodWebAuthn,
	}, method) {
		return nil, nil, autherr.MFA(method, autherr.CodeMFAMethodInvalid, "unsupported mfa method")
	}
	return s, u, nil
}
