// Package engine resolves role inheritance into effective permissions and decides permission checks
// with a clearance gate, resource rules and an administrative override. Decisions are cached per
// user, permission and resource.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"enterprise-auth/backend/internal/cache"
	"enterprise-auth/backend/internal/logging"
	"enterprise-auth/backend/internal/rbac/domain"
	"enterprise-auth/backend/internal/rbac/repository"
	"enterprise-auth/backend/internal/security"
	userdomain "enterprise-auth/backend/internal/user/domain"
)

var (
	ErrRoleNotFound       = errors.New("role not found")
	ErrRoleExists         = errors.New("role already exists")
	ErrRoleInactive       = errors.New("role is inactive")
	ErrSystemRole         = errors.New("system roles cannot be deleted")
	ErrRoleInUse          = errors.New("role is assigned to active users")
	ErrInvalidRole        = errors.New("invalid role")
	ErrAssignmentNotFound = errors.New("role assignment not found")
	ErrUserRequired       = errors.New("user is required")
)

const (
	DefaultCacheTTL        = 5 * time.Minute
	DefaultCleanupInterval = 10 * time.Minute
)

// UserDirectory looks up users for clearance and activity. Returns (nil, nil) when not found.
type UserDirectory interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
}

// Config configures the engine.
type Config struct {
	CacheTTL        time.Duration
	CleanupInterval time.Duration
	// RuleModules are extra Rego modules in package auth.resource. They may only add deny rules.
	RuleModules []string
}

// Engine is the RBAC engine. Role definitions are held in memory and written through to the repository.
type Engine struct {
	repo     repository.Repository
	users    UserDirectory
	rules    *ruleEvaluator
	logger   *zap.Logger
	cacheTTL time.Duration
	// decisions is keyed user|permission|clearance|resource.
	decisions *cache.TTLMap[*domain.Decision]
	nowF      func() time.Time

	// genMu orders decision writes against invalidation. A decision computed before an
	// invalidation of its user (or a flush) is not cached.
	genMu     sync.Mutex
	globalGen uint64
	userGen   map[string]uint64

	mu    sync.RWMutex
	roles map[string]*domain.Role
}

// New loads role definitions, creates missing default roles and starts the cache sweep.
// users may be nil, in which case GetUserPermissions treats every user as open clearance.
func New(ctx context.Context, cfg Config, repo repository.Repository, users UserDirectory, logger *zap.Logger) (*Engine, error) {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	rules, err := newRuleEvaluator(ctx, cfg.RuleModules)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		repo:      repo,
		users:     users,
		rules:     rules,
		logger:    logging.OrNop(logger).Named("rbac"),
		cacheTTL:  cfg.CacheTTL,
		decisions: cache.NewTTLMap[*domain.Decision](),
		nowF:      time.Now,
		userGen:   make(map[string]uint64),
		roles:     make(map[string]*domain.Role),
	}
	if err := e.load(ctx); err != nil {
		return nil, err
	}
	e.decisions.StartCleanup(cfg.CleanupInterval, func(n int) {
		if n > 0 {
			e.logger.Debug("swept permission cache", zap.Int("removed", n))
		}
	})
	return e, nil
}

func (e *Engine) load(ctx context.Context) error {
	roles, err := e.repo.ListRoles(ctx)
	if err != nil {
		return fmt.Errorf("load roles: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range roles {
		e.roles[r.Name] = r
	}
	now := e.now()
	for _, r := range DefaultRoles() {
		if _, ok := e.roles[r.Name]; ok {
			continue
		}
		r.CreatedAt, r.UpdatedAt = now, now
		if err := e.repo.CreateRole(ctx, r); err != nil && !errors.Is(err, repository.ErrRoleExists) {
			return fmt.Errorf("create default role %s: %w", r.Name, err)
		}
		e.roles[r.Name] = r
	}
	return nil
}

// SetClock replaces the time source. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.nowF = now
	e.decisions.SetClock(now)
}

func (e *Engine) now() time.Time { return e.nowF().UTC() }

// Close stops the cache sweep.
func (e *Engine) Close() { e.decisions.Close() }

// HealthCheck verifies the resource rules evaluate.
func (e *Engine) HealthCheck(ctx context.Context) error {
	return e.rules.HealthCheck(ctx)
}

// CheckPermission reports whether user may exercise permission on resource. resource may be nil.
func (e *Engine) CheckPermission(ctx context.Context, user *userdomain.User, permission string, resource *domain.Resource) (bool, error) {
	d, err := e.CheckPermissionDetailed(ctx, user, permission, resource)
	if err != nil {
		return false, err
	}
	return d.Granted, nil
}

// CheckPermissionDetailed decides a permission check and returns the facts behind the decision.
// A permission is granted when it is in the effective set, the user's clearance meets the resource's,
// and no resource rule denies it. Otherwise system:admin grants it, except past the clearance gate.
func (e *Engine) CheckPermissionDetailed(ctx context.Context, user *userdomain.User, permission string, resource *domain.Resource) (*domain.Decision, error) {
	if user == nil || user.ID == "" {
		return nil, ErrUserRequired
	}
	d := &domain.Decision{Permission: permission, UserClearance: user.Clearance, ClearanceMet: true}
	if strings.TrimSpace(permission) == "" {
		d.Reason = domain.ReasonInvalidPermission
		return d, nil
	}
	if !user.Active {
		d.Reason = domain.ReasonUserInactive
		return d, nil
	}

	key := e.cacheKey(user, permission, resource)
	if cached, ok := e.decisions.Get(key); ok {
		return cloneDecision(cached), nil
	}

	gen := e.generation(user.ID)
	perms, chain, err := e.resolve(ctx, user.ID, user.Clearance)
	if err != nil {
		return nil, err
	}
	d.EffectivePermissions = perms
	d.RoleChain = chain
	if resource != nil {
		d.RequiredClearance = resource.RequiredClearance
		d.ClearanceMet = user.Clearance.AtLeast(resource.RequiredClearance)
	}

	hasPermission := slices.Contains(perms, permission)
	cacheable := true
	switch {
	case !d.ClearanceMet:
		d.Reason = domain.ReasonClearance
	case resource != nil:
		denied, err := e.rules.denies(ctx, user, permission, resource)
		if err != nil {
			e.logger.Warn("resource rule evaluation failed", zap.String("permission", permission), zap.Error(err))
			d.Reason = domain.ReasonRuleError
			cacheable = false
			break
		}
		d.RuleDenied = denied
		switch {
		case denied:
			d.Reason = domain.ReasonRuleDenied
		case hasPermission:
			d.Granted, d.Reason = true, domain.ReasonGranted
		default:
			d.Reason = domain.ReasonNoPermission
		}
	case hasPermission:
		d.Granted, d.Reason = true, domain.ReasonGranted
	default:
		d.Reason = domain.ReasonNoPermission
	}

	if !d.Granted && d.ClearanceMet && d.Reason != domain.ReasonRuleError && slices.Contains(perms, domain.PermissionSystemAdmin) {
		d.Granted, d.AdminOverride, d.Reason = true, true, domain.ReasonAdminOverride
	}

	if cacheable {
		e.putDecision(user.ID, gen, key, d)
	}
	return d, nil
}

// resolve returns the sorted effective permissions and the role chain for the user's effective
// assignments. Each role is visited at most once, so cyclic inheritance terminates. Roles whose
// MinClearance exceeds clearance contribute nothing, including what they inherit.
func (e *Engine) resolve(ctx context.Context, userID string, clearance userdomain.Clearance) ([]string, []string, error) {
	assignments, err := e.repo.ListAssignmentsByUser(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("list assignments: %w", err)
	}
	now := e.now()

	e.mu.RLock()
	defer e.mu.RUnlock()
	visited := make(map[string]bool)
	permSet := make(map[string]struct{})
	var chain []string
	var visit func(name string)
	visit = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		role, ok := e.roles[name]
		if !ok || !role.Active || !clearance.AtLeast(role.MinClearance) {
			return
		}
		chain = append(chain, name)
		for _, p := range role.Permissions {
			permSet[p] = struct{}{}
		}
		for _, parent := range role.InheritsFrom {
			visit(parent)
		}
	}
	for _, a := range assignments {
		if a.Effective(now) {
			visit(a.Role)
		}
	}

	perms := make([]string, 0, len(permSet))
	for p := range permSet {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms, chain, nil
}

// GetUserPermissions returns the user's effective permissions. The user's clearance comes from the directory.
func (e *Engine) GetUserPermissions(ctx context.Context, userID string) ([]string, error) {
	clearance := userdomain.ClearanceOpen
	if e.users != nil {
		u, err := e.users.GetByID(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("get user: %w", err)
		}
		if u != nil {
			if !u.Active {
				return []string{}, nil
			}
			clearance = u.Clearance
		}
	}
	perms, _, err := e.resolve(ctx, userID, clearance)
	return perms, err
}

// EffectivePermissions returns the effective permissions for a user already loaded by the caller.
func (e *Engine) EffectivePermissions(ctx context.Context, user *userdomain.User) ([]string, error) {
	if user == nil {
		return nil, ErrUserRequired
	}
	perms, _, err := e.resolve(ctx, user.ID, user.Clearance)
	return perms, err
}

// GetUserRoles returns the user's active, unexpired assignments.
func (e *Engine) GetUserRoles(ctx context.Context, userID string) ([]*domain.Assignment, error) {
	all, err := e.repo.ListAssignmentsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := make([]*domain.Assignment, 0, len(all))
	for _, a := range all {
		if a.Effective(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

// GetRole returns the role by name.
func (e *Engine) GetRole(name string) (*domain.Role, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.roles[name]
	if !ok {
		return nil, ErrRoleNotFound
	}
	return r.Clone(), nil
}

// ListRoles returns all role definitions sorted by name.
func (e *Engine) ListRoles() []*domain.Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*domain.Role, 0, len(e.roles))
	for _, r := range e.roles {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AssignRole assigns role to the user. expiresAt may be zero. If the user already holds an effective
// assignment of the role it is returned unchanged.
func (e *Engine) AssignRole(ctx context.Context, userID, roleName, assignedBy string, expiresAt time.Time) (*domain.Assignment, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	e.mu.RLock()
	role, ok := e.roles[roleName]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrRoleNotFound
	}
	if !role.Active {
		return nil, ErrRoleInactive
	}

	current, err := e.GetUserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, a := range current {
		if a.Role == roleName {
			return a, nil
		}
	}

	now := e.now()
	if !expiresAt.IsZero() && !expiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry is in the past", ErrInvalidRole)
	}
	a := &domain.Assignment{
		ID:         uuid.New().String(),
		UserID:     userID,
		Role:       roleName,
		AssignedBy: assignedBy,
		AssignedAt: now,
		ExpiresAt:  expiresAt,
		Active:     true,
	}
	if err := e.repo.CreateAssignment(ctx, a); err != nil {
		return nil, fmt.Errorf("create assignment: %w", err)
	}
	e.invalidateUser(userID)
	return a, nil
}

// RevokeRole deactivates the user's assignments of role.
func (e *Engine) RevokeRole(ctx context.Context, userID, roleName string) error {
	n, err := e.repo.DeactivateAssignments(ctx, userID, roleName)
	if err != nil {
		return fmt.Errorf("revoke assignment: %w", err)
	}
	e.invalidateUser(userID)
	if n == 0 {
		return ErrAssignmentNotFound
	}
	return nil
}

// CreateRole defines a new role. Parents must exist; cycles through later updates are tolerated.
func (e *Engine) CreateRole(ctx context.Context, role *domain.Role) error {
	if err := role.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRole, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.roles[role.Name]; ok {
		return ErrRoleExists
	}
	if err := e.checkParentsLocked(role); err != nil {
		return err
	}
	r := role.Clone()
	r.CreatedAt, r.UpdatedAt = e.now(), e.now()
	if err := e.repo.CreateRole(ctx, r); err != nil {
		if errors.Is(err, repository.ErrRoleExists) {
			return ErrRoleExists
		}
		return fmt.Errorf("create role: %w", err)
	}
	e.roles[r.Name] = r
	e.flush()
	return nil
}

// UpdateRole replaces a role's description, permissions, parents, clearance and active flag.
// The system flag cannot be changed.
func (e *Engine) UpdateRole(ctx context.Context, role *domain.Role) error {
	if err := role.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRole, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	existing, ok := e.roles[role.Name]
	if !ok {
		return ErrRoleNotFound
	}
	if err := e.checkParentsLocked(role); err != nil {
		return err
	}
	r := role.Clone()
	r.System = existing.System
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = e.now()
	if err := e.repo.UpdateRole(ctx, r); err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	e.roles[r.Name] = r
	e.flush()
	return nil
}

// DeleteRole removes a role. System roles and roles held by an active user are refused.
func (e *Engine) DeleteRole(ctx context.Context, name string) error {
	e.mu.RLock()
	role, ok := e.roles[name]
	e.mu.RUnlock()
	if !ok {
		return ErrRoleNotFound
	}
	if role.System {
		return ErrSystemRole
	}
	inUse, err := e.assignedToActiveUser(ctx, name)
	if err != nil {
		return err
	}
	if inUse {
		return ErrRoleInUse
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.repo.DeleteRole(ctx, name); err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	delete(e.roles, name)
	for _, r := range e.roles {
		if slices.Contains(r.InheritsFrom, name) {
			e.logger.Warn("role inherits from deleted role", zap.String("role", r.Name), zap.String("deleted", name))
		}
	}
	e.flush()
	return nil
}

func (e *Engine) assignedToActiveUser(ctx context.Context, role string) (bool, error) {
	assignments, err := e.repo.ListAssignmentsByRole(ctx, role)
	if err != nil {
		return false, fmt.Errorf("list assignments: %w", err)
	}
	now := e.now()
	for _, a := range assignments {
		if !a.Effective(now) {
			continue
		}
		if e.users == nil {
			return true, nil
		}
		u, err := e.users.GetByID(ctx, a.UserID)
		if err != nil {
			return false, fmt.Errorf("get user: %w", err)
		}
		if u != nil && u.Active {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) checkParentsLocked(role *domain.Role) error {
	for _, p := range role.InheritsFrom {
		if _, ok := e.roles[p]; !ok {
			return fmt.Errorf("%w: parent role %q not found", ErrInvalidRole, p)
		}
	}
	return nil
}

// CacheSize returns the number of cached decisions.
func (e *Engine) CacheSize() int { return e.decisions.Len() }

// cacheGeneration identifies the invalidation state a decision was computed under.
type cacheGeneration struct {
	global, user uint64
}

func (e *Engine) generation(userID string) cacheGeneration {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	return cacheGeneration{global: e.globalGen, user: e.userGen[userID]}
}

// putDecision caches d unless the user was invalidated or the cache flushed since gen was taken.
func (e *Engine) putDecision(userID string, gen cacheGeneration, key string, d *domain.Decision) {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	if gen != (cacheGeneration{global: e.globalGen, user: e.userGen[userID]}) {
		return
	}
	e.decisions.Put(key, cloneDecision(d), e.cacheTTL)
}

func (e *Engine) invalidateUser(userID string) {
	e.genMu.Lock()
	e.userGen[userID]++
	prefix := userID + "|"
	n := e.decisions.DeleteFunc(func(k string, _ *domain.Decision) bool { return strings.HasPrefix(k, prefix) })
	e.genMu.Unlock()
	if n > 0 {
		e.logger.Debug("invalidated cached decisions", zap.String("user_id", userID), zap.Int("count", n))
	}
}

func (e *Engine) flush() {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	e.globalGen++
	e.decisions.Purge()
}

func (e *Engine) cacheKey(user *userdomain.User, permission string, res *domain.Resource) string {
	return user.ID + "|" + permission + "|" + user.Clearance.String() + "|" + resourceKey(res)
}

func resourceKey(res *domain.Resource) string {
	if res == nil {
		return "-"
	}
	b, err := json.Marshal(res)
	if err != nil {
		return security.Digest(res.Type, res.ID, res.OwnerID, res.RequiredClearance.String())
	}
	return security.HashToken(string(b))
}

func cloneDecision(d *domain.Decision) *domain.Decision {
	c := *d
	c.EffectivePermissions = slices.Clone(d.EffectivePermissions)
	c.RoleChain = slices.Clone(d.RoleChain)
	return &c
}
