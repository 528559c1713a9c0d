// Package orchestrator composes identity providers, MFA, RBAC and sessions into the login,
// verification, authorization and logout flow exposed to callers. Every security decision is
// recorded to the audit sink; typed errors are recorded and then returned, never swallowed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"enterprise-auth/backend/internal/audit"
	auditdomain "enterprise-auth/backend/internal/audit/domain"
	"enterprise-auth/backend/internal/autherr"
	identitydomain "enterprise-auth/backend/internal/identity/domain"
	"enterprise-auth/backend/internal/identity/provider"
	"enterprise-auth/backend/internal/logging"
	rbacdomain "enterprise-auth/backend/internal/rbac/domain"
	sessiondomain "enterprise-auth/backend/internal/session/domain"
	"enterprise-auth/backend/internal/session/manager"
	telemetry "enterprise-auth/backend/internal/telemetry/otel"
	userdomain "enterprise-auth/backend/internal/user/domain"
	userrepo "enterprise-auth/backend/internal/user/repository"
)

// MFAVerifier is the subset of the MFA service used by the orchestrator.
type MFAVerifier interface {
	ValidateCode(ctx context.Context, user *userdomain.User, code, method string) (bool, error)
	SendChallenge(ctx context.Context, user *userdomain.User, method string) error
	EnrolledMethods(ctx context.Context, userID string) ([]string, error)
	HealthCheck(ctx context.Context) error
}

// Authorizer is the subset of the RBAC engine used by the orchestrator.
type Authorizer interface {
	CheckPermissionDetailed(ctx context.Context, user *userdomain.User, permission string, resource *rbacdomain.Resource) (*rbacdomain.Decision, error)
	EffectivePermissions(ctx context.Context, user *userdomain.User) ([]string, error)
	GetRole(name string) (*rbacdomain.Role, error)
	AssignRole(ctx context.Context, userID, role, assignedBy string, expiresAt time.Time) (*rbacdomain.Assignment, error)
	RevokeRole(ctx context.Context, userID, role string) error
	GetUserRoles(ctx context.Context, userID string) ([]*rbacdomain.Assignment, error)
	HealthCheck(ctx context.Context) error
}

// SessionManager is the subset of the session manager used by the orchestrator.
type SessionManager interface {
	CreateSession(ctx context.Context, user *userdomain.User, device sessiondomain.Device, opts ...manager.CreateOption) (*sessiondomain.Session, error)
	ValidateSession(ctx context.Context, id string) (*sessiondomain.Session, error)
	ValidateSessionFromDevice(ctx context.Context, id string, device sessiondomain.Device) (*sessiondomain.Session, error)
	RefreshSession(ctx context.Context, id string, opts ...manager.RefreshOption) (*sessiondomain.Session, error)
	MarkMFAVerified(ctx context.Context, id string) (*sessiondomain.Session, error)
	InvalidateSession(ctx context.Context, id string) error
	InvalidateAllSessions(ctx context.Context, userID string) (int, error)
	GetUserSessions(ctx context.Context, userID string) ([]*sessiondomain.Session, error)
	HealthCheck(ctx context.Context) error
}

// ErrErasureDisabled is returned by EraseUser when right-to-erasure is off.
var ErrErasureDisabled = errors.New("orchestrator: right to erasure is disabled")

// Compliance holds the clearance-driven compliance flags.
type Compliance struct {
	DataRetention    time.Duration
	RightToErasure   bool
	DataMinimization bool
}

// Config configures the orchestrator.
type Config struct {
	DefaultMethod identitydomain.Method
	MFAEnabled    bool
	// MFARequired forces a second factor for every login, not only for enrolled users.
	MFARequired bool
	Compliance  Compliance
}

// Deps are the collaborating services. Metrics and Logger may be nil.
type Deps struct {
	Providers *provider.Registry
	MFA       MFAVerifier
	RBAC      Authorizer
	Sessions  SessionManager
	Users     userrepo.Repository
	Audit     audit.Recorder
	Metrics   *telemetry.Metrics
	Logger    *zap.Logger
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cfg       Config
	providers *provider.Registry
	mfa       MFAVerifier
	rbac      Authorizer
	sessions  SessionManager
	users     userrepo.Repository
	audit     audit.Recorder
	metrics   *telemetry.Metrics
	logger    *zap.Logger
	nowF      func() time.Time
	closers   []func()
}

// New validates deps and returns an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Providers == nil || len(deps.Providers.Methods()) == 0:
		return nil, errors.New("orchestrator: at least one identity provider is required")
	case deps.RBAC == nil:
		return nil, errors.New("orchestrator: rbac engine is required")
	case deps.Sessions == nil:
		return nil, errors.New("orchestrator: session manager is required")
	case deps.Users == nil:
		return nil, errors.New("orchestrator: user directory is required")
	case cfg.MFAEnabled && deps.MFA == nil:
		return nil, errors.New("orchestrator: mfa service is required when mfa is enabled")
	}
	if cfg.DefaultMethod == "" {
		cfg.DefaultMethod = identitydomain.MethodOIDC
	}
	if _, ok := deps.Providers.Get(cfg.DefaultMethod); !ok {
		return nil, fmt.Errorf("orchestrator: default method %q is not configured", cfg.DefaultMethod)
	}
	return &Orchestrator{
		cfg:       cfg,
		providers: deps.Providers,
		mfa:       deps.MFA,
		rbac:      deps.RBAC,
		sessions:  deps.Sessions,
		users:     deps.Users,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		logger:    logging.OrNop(deps.Logger).Named("orchestrator"),
		nowF:      time.Now,
	}, nil
}

// SetClock replaces the time source. Intended for tests.
func (o *Orchestrator) SetClock(now func() time.Time) { o.nowF = now }

func (o *Orchestrator) now() time.Time { return o.nowF().UTC() }

// OnClose registers fn to run on Close, in reverse registration order.
func (o *Orchestrator) OnClose(fn func()) {
	o.closers = append(o.closers, fn)
}

// Close stops the background work of the owned services.
func (o *Orchestrator) Close() {
	for i := len(o.closers) - 1; i >= 0; i-- {
		o.closers[i]()
	}
	o.closers = nil
}

// provider returns the provider for method, or the default when method is empty.
func (o *Orchestrator) provider(method identitydomain.Method) (provider.IdentityProvider, identitydomain.Method, error) {
	if method == "" {
		method = o.cfg.DefaultMethod
	}
	p, ok := o.providers.Get(method)
	if !ok {
		return nil, method, autherr.Authenticationf(autherr.CodeMethodUnsupported, "method %q is not configured", method)
	}
	return p, method, nil
}

// BeginLogin starts a redirect-based login and returns where to send the browser.
func (o *Orchestrator) BeginLogin(ctx context.Context, method identitydomain.Method) (*identitydomain.AuthorizationRequest, error) {
	p, method, err := o.provider(method)
	if err != nil {
		return nil, err
	}
	r, ok := p.(provider.Redirector)
	if !ok {
		return nil, autherr.Authenticationf(autherr.CodeMethodUnsupported, "method %q does not start with a redirect", method)
	}
	return r.AuthorizationURL(ctx)
}

// currentSession validates id and returns the session and its directory user.
// A missing, invalid or orphaned session is an authentication error.
func (o *Orchestrator) currentSession(ctx context.Context, id string, device *sessiondomain.Device) (*sessiondomain.Session, *userdomain.User, error) {
	var (
		s   *sessiondomain.Session
		err error
	)
	if device != nil {
		s, err = o.sessions.ValidateSessionFromDevice(ctx, id, *device)
	} else {
		s, err = o.sessions.ValidateSession(ctx, id)
	}
	if err != nil {
		return nil, nil, autherr.Transient(autherr.CodeSessionInvalid, err)
	}
	if s == nil {
		return nil, nil, autherr.Authentication(autherr.CodeSessionInvalid, "session not found or expired")
	}
	u, err := o.users.GetByID(ctx, s.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("load user: %w", err)
	}
	if u == nil || !u.Active {
		if ierr := o.sessions.InvalidateSession(ctx, s.ID); ierr != nil {
			o.logger.Warn("failed to invalidate orphaned session", zap.Error(ierr))
		}
		return nil, nil, autherr.Authentication(autherr.CodeUserInactive, "session owner is missing or inactive")
	}
	return s, u, nil
}

// record sends an event to the audit sink. With data minimization on, the user agent and
// free-form metadata are dropped.
func (o *Orchestrator) record(ctx context.Context, e *auditdomain.Event) {
	if o.audit == nil {
		return
	}
	if o.cfg.Compliance.DataMinimization {
		e.UserAgent = ""
		e.Metadata = nil
	}
	o.audit.Record(ctx, e)
}

func userFields(e *auditdomain.Event, u *userdomain.User) *auditdomain.Event {
	if u != nil {
		e.UserID = u.ID
		e.Clearance = u.Clearance
	}
	return e
}

func sessionFields(e *auditdomain.Event, s *sessiondomain.Session) *auditdomain.Event {
	if s != nil {
		e.SessionID = s.ID
		e.IPAddress = s.IPAddress
		e.UserAgent = s.UserAgent
		if e.Method == "" {
			e.Method = s.Metadata.Method
		}
	}
	return e
}

func unionSorted(a, b []string) []string {
	out := append(slices.Clone(a), b...)
	slices.Sort(out)
	return slices.Compact(out)
}
