package engine

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"enterprise-auth/backend/internal/rbac/domain"
	"enterprise-auth/backend/internal/rbac/repository"
	userdomain "enterprise-auth/backend/internal/user/domain"
	userrepo "enterprise-auth/backend/internal/user/repository"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestEngine(t *testing.T, cfg Config) (*Engine, *repository.MemoryRepository, *userrepo.MemoryRepository, *clock) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	users := userrepo.NewMemoryRepository()
	e, err := New(context.Background(), cfg, repo, users, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	clk := &clock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	e.SetClock(clk.now)
	return e, repo, users, clk
}

func testUser(id string, c userdomain.Clearance) *userdomain.User {
	return &userdomain.User{ID: id, Provider: "oidc", Subject: "sub-" + id, Clearance: c, Active: true}
}

func mustAssign(t *testing.T, e *Engine, userID, role string) {
	t.Helper()
	if _, err := e.AssignRole(context.Background(), userID, role, "test", time.Time{}); err != nil {
		t.Fatalf("AssignRole(%s, %s): %v", userID, role, err)
	}
}

func TestNew_SeedsDefaultRoles(t *testing.T) {
	e, repo, _, _ := newTestEngine(t, Config{})
	names := make([]string, 0)
	for _, r := range e.ListRoles() {
		names = append(names, r.Name)
		if !r.System {
			t.Errorf("default role %s is not a system role", r.Name)
		}
	}
	want := []string{RoleAdmin, RoleComplianceAuditor, RoleEditor, RoleSecurityOfficer, RoleViewer}
	if !slices.Equal(names, want) {
		t.Errorf("roles = %v, want %v", names, want)
	}
	stored, _ := repo.ListRoles(context.Background())
	if len(stored) != len(want) {
		t.Errorf("persisted %d roles, want %d", len(stored), len(want))
	}

	// A second engine over the same repository keeps the stored definitions.
	e2, err := New(context.Background(), Config{}, repo, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e2.Close()
	if len(e2.ListRoles()) != len(want) {
		t.Errorf("reloaded roles = %d", len(e2.ListRoles()))
	}
}

func TestCheckPermission_InheritedThroughEditor(t *testing.T) {
	e, _, _, _ := newTestEngine(t, Config{})
	u := testUser("u1", userdomain.ClearanceOpen)
	mustAssign(t, e, u.ID, RoleEditor)

	ok, err := e.CheckPermission(context.Background(), u, domain.PermissionProjectRead, nil)
	if err != nil {
		t.Fatalf("CheckPermission: %v", err)
	}
	if !ok {
		t.Fatal("editor should inherit project:read from viewer")
	}
	d, _ := e.CheckPermissionDetailed(context.Background(), u, domain.PermissionProjectRead, nil)
	if !slices.Equal(d.RoleChain, []string{RoleEditor, RoleViewer}) {
		t.Errorf("RoleChain = %v", d.RoleChain)
	}
	if d.Reason != domain.ReasonGranted || d.AdminOverride {
		t.Errorf("decision = %+v", d)
	}
}

func TestResolve_CyclicInheritanceTerminates(t *testing.T) {
	e, _, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	for _, r := range []*domain.Role{
		{Name: "a", Permissions: []string{"p:a", "p:shared"}, Active: true},
		{Name: "b", Permissions: []string{"p:b", "p:shared"}, InheritsFrom: []string{"a"}, Active: true},
		{Name: "c", Permissions: []string{"p:c"}, InheritsFrom: []string{"b"}, Active: true},
	} {
		if err := e.CreateRole(ctx, r); err != nil {
			t.Fatalf("CreateRole %s: %v", r.Name, err)
		}
	}
	// Close the cycle a -> c -> b -> a.
	if err := e.UpdateRole(ctx, &domain.Role{Name: "a", Permissions: []string{"p:a", "p:shared"}, InheritsFrom: []string{"c"}, Active: true}); err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	u := testUser("u1", userdomain.ClearanceOpen)
	mustAssign(t, e, u.ID, "a")
	mustAssign(t, e, u.ID, "b")

	done := make(chan *domain.Decision, 1)
	go func() {
		d, _ := e.CheckPermissionDetailed(ctx, u, "p:c", nil)
		done <- d
	}()
	select {
	case d := <-done:
		if d == nil || !d.Granted {
			t.Fatalf("decision = %+v, want granted", d)
		}
		if !slices.Equal(d.EffectivePermissions, []string{"p:a", "p:b", "p:c", "p:shared"}) {
			t.Errorf("EffectivePermissions = %v", d.EffectivePermissions)
		}
		if !slices.Equal(d.RoleChain, []string{"a", "c", "b"}) {
			t.Errorf("RoleChain = %v, want each role once", d.RoleChain)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("resolution did not terminate on cyclic roles")
	}
}

func TestCheckPermission_ClearanceGate(t *testing.T) {
	e, _, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	res := &domain.Resource{Type: "document", ID: "d1", RequiredClearance: userdomain.ClearanceSecret}

	tests := []struct {
		name      string
		clearance userdomain.Clearance
		role      string
		want      bool
		reason    string
	}{
		{"below requirement with permission", userdomain.ClearanceConfidential, RoleViewer, false, domain.ReasonClearance},
		{"admin below requirement", userdomain.ClearanceConfidential, RoleAdmin, false, domain.ReasonClearance},
		{"at requirement", userdomain.ClearanceSecret, RoleViewer, true, domain.ReasonGranted},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := testUser(string(rune('a'+i)), tt.clearance)
			mustAssign(t, e, u.ID, tt.role)
			d, err := e.CheckPermissionDetailed(ctx, u, domain.PermissionResourceRead, res)
			if err != nil {
				t.Fatal(err)
			}
			if d.Granted != tt.want || d.Reason != tt.reason {
				t.Errorf("decision = granted %v reason %q; want %v %q", d.Granted, d.Reason, tt.want, tt.reason)
			}
			if d.RequiredClearance != userdomain.ClearanceSecret || d.UserClearance != tt.clearance {
				t.Errorf("clearance comparison = %v vs %v", d.UserClearance, d.RequiredClearance)
			}
		})
	}
}

func TestCheckPermission_RoleMinClearance(t *testing.T) {
	e, _, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	low := testUser("low", userdomain.ClearanceRestricted)
	high := testUser("high", userdomain.ClearanceConfidential)
	mustAssign(t, e, low.ID, RoleSecurityOfficer)
	mustAssign(t, e, high.ID, RoleSecurityOfficer)

	if ok, _ := e.CheckPermission(ctx, low, domain.PermissionSecurityAudit, nil); ok {
		t.Error("security_officer should contribute nothing below confidential")
	}
	if ok, _ := e.CheckPermission(ctx, low, domain.PermissionResourceRead, nil); ok {
		t.Error("inherited viewer permissions should not flow through an unmet role")
	}
	if ok, _ := e.CheckPermission(ctx, high, domain.PermissionSecurityAudit, nil); !ok {
		t.Error("confidential user should hold security:audit:read")
	}
}

func TestCheckPermission_AdminOverride(t *testing.T) {
	e, _, _, _ := newTestEngine(t, Config{})
	u := testUser("root", userdomain.ClearanceConfidential)
	mustAssign(t, e, u.ID, RoleAdmin)

	d, err := e.CheckPermissionDetailed(context.Background(), u, "billing:refund", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Granted || !d.AdminOverride || d.Reason != domain.ReasonAdminOverride {
		t.Errorf("decision = %+v, want admin override", d)
	}
	if slices.Contains(d.EffectivePermissions, "billing:refund") {
		t.Error("override must not add the permission to the effective set")
	}
}

func TestCheckPermission_AssignmentExpiryAndRevocation(t *testing.T) {
	e, _, _, clk := newTestEngine(t, Config{})
	ctx := context.Background()
	u := testUser("u1", userdomain.ClearanceOpen)
	if _, err := e.AssignRole(ctx, u.ID, RoleViewer, "test", clk.t.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if ok, _ := e.CheckPermission(ctx, u, domain.PermissionProjectRead, nil); !ok {
		t.Fatal("unexpired assignment should grant")
	}

	clk.t = clk.t.Add(2 * time.Hour)
	perms, err := e.EffectivePermissions(ctx, u)
	if err != nil {
		t.Fatal(err)
	}
	if len(perms) != 0 {
		t.Errorf("expired assignment still resolves: %v", perms)
	}

	mustAssign(t, e, u.ID, RoleEditor)
	if err := e.RevokeRole(ctx, u.ID, RoleEditor); err != nil {
		t.Fatalf("RevokeRole: %v", err)
	}
	if ok, _ := e.CheckPermission(ctx, u, domain.PermissionProjectWrite, nil); ok {
		t.Error("revoked assignment still grants")
	}
	if err := e.RevokeRole(ctx, u.ID, RoleEditor); !errors.Is(err, ErrAssignmentNotFound) {
		t.Errorf("second RevokeRole err = %v, want ErrAssignmentNotFound", err)
	}
}

func TestCheckPermission_ResourceRules(t *testing.T) {
	e, _, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	owner := testUser("owner", userdomain.ClearanceOpen)
	grantee := testUser("grantee", userdomain.ClearanceOpen)
	other := testUser("other", userdomain.ClearanceOpen)
	blocked := testUser("blocked", userdomain.ClearanceOpen)
	admin := testUser("admin", userdomain.ClearanceConfidential)
	for _, u := range []*userdomain.User{owner, grantee, other, blocked} {
		mustAssign(t, e, u.ID, RoleViewer)
	}
	mustAssign(t, e, admin.ID, RoleAdmin)

	res := &domain.Resource{
		Type:       "project",
		ID:         "p1",
		OwnerID:    owner.ID,
		Restricted: true,
		Grants:     map[string][]string{grantee.ID: {domain.PermissionProjectRead}},
	}
	open := &domain.Resource{Type: "project", ID: "p2", Denied: []string{blocked.ID}}

	tests := []struct {
		name     string
		user     *userdomain.User
		res      *domain.Resource
		want     bool
		ruleDeny bool
	}{
		{"owner of restricted", owner, res, true, false},
		{"explicit grant", grantee, res, true, false},
		{"no grant on restricted", other, res, false, true},
		{"admin overrides rule", admin, res, true, true},
		{"unrestricted", other, open, true, false},
		{"explicitly denied", blocked, open, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := e.CheckPermissionDetailed(ctx, tt.user, domain.PermissionProjectRead, tt.res)
			if err != nil {
				t.Fatal(err)
			}
			if d.Granted != tt.want || d.RuleDenied != tt.ruleDeny {
				t.Errorf("decision = %+v; want granted %v ruleDenied %v", d, tt.want, tt.ruleDeny)
			}
		})
	}

	// A grant for one permission does not satisfy another.
	if ok, _ := e.CheckPermission(ctx, grantee, domain.PermissionResourceRead, res); ok {
		t.Error("grant for project:read should not cover resource:read on a restricted resource")
	}
}

func TestNew_ExtraRuleModules(t *testing.T) {
	rule := `package auth.resource

deny if {
	input.resource.attributes.frozen == "true"
	input.permission == "project:write"
}
`
	e, _, _, _ := newTestEngine(t, Config{RuleModules: []string{rule}})
	u := testUser("u1", userdomain.ClearanceOpen)
	mustAssign(t, e, u.ID, RoleEditor)
	frozen := &domain.Resource{Type: "project", ID: "p1", Attributes: map[string]string{"frozen": "true"}}

	if ok, _ := e.CheckPermission(context.Background(), u, domain.PermissionProjectWrite, frozen); ok {
		t.Error("extra rule should deny writes to frozen projects")
	}
	if ok, _ := e.CheckPermission(context.Background(), u, domain.PermissionProjectRead, frozen); !ok {
		t.Error("extra rule should not affect reads")
	}

	if _, err := New(context.Background(), Config{RuleModules: []string{"package auth.resource\ndeny if {"}}, repository.NewMemoryRepository(), nil, nil); err == nil {
		t.Error("New should fail on a rule module that does not compile")
	}
}

func TestDecisionCache(t *testing.T) {
	e, repo, _, clk := newTestEngine(t, Config{CacheTTL: 5 * time.Minute})
	ctx := context.Background()
	u1 := testUser("u1", userdomain.ClearanceOpen)
	u2 := testUser("u2", userdomain.ClearanceOpen)
	mustAssign(t, e, u1.ID, RoleViewer)
	mustAssign(t, e, u2.ID, RoleViewer)

	check := func(u *userdomain.User) bool {
		t.Helper()
		ok, err := e.CheckPermission(ctx, u, domain.PermissionProjectRead, nil)
		if err != nil {
			t.Fatal(err)
		}
		return ok
	}
	if !check(u1) || !check(u2) {
		t.Fatal("viewer should read projects")
	}
	if e.CacheSize() != 2 {
		t.Fatalf("CacheSize = %d, want 2", e.CacheSize())
	}

	// Bypassing the engine leaves the cached decision in place.
	if _, err := repo.DeactivateAssignments(ctx, u1.ID, RoleViewer); err != nil {
		t.Fatal(err)
	}
	if !check(u1) {
		t.Fatal("expected cached grant")
	}

	// An assignment change for u2 does not touch u1's entries.
	mustAssign(t, e, u2.ID, RoleEditor)
	if e.CacheSize() != 1 || !check(u1) {
		t.Fatalf("u2 change invalidated u1: size %d", e.CacheSize())
	}

	// Entries expire after the TTL.
	clk.t = clk.t.Add(6 * time.Minute)
	if check(u1) {
		t.Error("decision should be recomputed after TTL")
	}

	// A role definition change flushes everything.
	check(u2)
	if e.CacheSize() == 0 {
		t.Fatal("expected cached entries")
	}
	viewer, _ := e.GetRole(RoleViewer)
	viewer.Description = "changed"
	if err := e.UpdateRole(ctx, viewer); err != nil {
		t.Fatal(err)
	}
	if e.CacheSize() != 0 {
		t.Errorf("CacheSize after role update = %d, want 0", e.CacheSize())
	}
}

func TestDecisionCache_KeyedByResource(t *testing.T) {
	e, _, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	u := testUser("u1", userdomain.ClearanceOpen)
	mustAssign(t, e, u.ID, RoleViewer)

	openDoc := &domain.Resource{Type: "doc", ID: "1"}
	secretDoc := &domain.Resource{Type: "doc", ID: "1", RequiredClearance: userdomain.ClearanceSecret}
	if ok, _ := e.CheckPermission(ctx, u, domain.PermissionResourceRead, openDoc); !ok {
		t.Fatal("open doc should be readable")
	}
	if ok, _ := e.CheckPermission(ctx, u, domain.PermissionResourceRead, secretDoc); ok {
		t.Fatal("cached decision for a different resource leaked")
	}
}

func TestCheckPermission_InputValidation(t *testing.T) {
	e, _, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	if _, err := e.CheckPermission(ctx, nil, "x", nil); !errors.Is(err, ErrUserRequired) {
		t.Errorf("nil user err = %v", err)
	}
	inactive := testUser("u1", userdomain.ClearanceSecret)
	inactive.Active = false
	mustAssign(t, e, inactive.ID, RoleAdmin)
	d, err := e.CheckPermissionDetailed(ctx, inactive, domain.PermissionResourceRead, nil)
	if err != nil || d.Granted || d.Reason != domain.ReasonUserInactive {
		t.Errorf("inactive user decision = %+v, %v", d, err)
	}
	d, _ = e.CheckPermissionDetailed(ctx, testUser("u2", 0), " ", nil)
	if d.Granted || d.Reason != domain.ReasonInvalidPermission {
		t.Errorf("empty permission decision = %+v", d)
	}
}

func TestRoleCRUD(t *testing.T) {
	e, _, users, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	if err := e.CreateRole(ctx, &domain.Role{Name: "auditor", InheritsFrom: []string{"ghost"}, Active: true}); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("unknown parent err = %v, want ErrInvalidRole", err)
	}
	if err := e.CreateRole(ctx, &domain.Role{Name: ""}); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("empty name err = %v", err)
	}
	if err := e.CreateRole(ctx, &domain.Role{Name: RoleViewer}); !errors.Is(err, ErrRoleExists) {
		t.Errorf("duplicate err = %v", err)
	}
	if err := e.CreateRole(ctx, &domain.Role{Name: "auditor", Permissions: []string{"audit:read"}, Active: true}); err != nil {
		t.Fatalf("CreateRole: %v", err)
	}

	if err := e.UpdateRole(ctx, &domain.Role{Name: "auditor", Permissions: []string{"audit:read"}, System: true, Active: true}); err != nil {
		t.Fatal(err)
	}
	if r, _ := e.GetRole("auditor"); r.System {
		t.Error("UpdateRole must not change the system flag")
	}
	if err := e.UpdateRole(ctx, &domain.Role{Name: "ghost"}); !errors.Is(err, ErrRoleNotFound) {
		t.Errorf("update missing err = %v", err)
	}

	if err := e.DeleteRole(ctx, RoleViewer); !errors.Is(err, ErrSystemRole) {
		t.Errorf("delete system role err = %v, want ErrSystemRole", err)
	}

	holder := testUser("holder", userdomain.ClearanceOpen)
	if err := users.Upsert(ctx, holder); err != nil {
		t.Fatal(err)
	}
	mustAssign(t, e, holder.ID, "auditor")
	if err := e.DeleteRole(ctx, "auditor"); !errors.Is(err, ErrRoleInUse) {
		t.Errorf("delete assigned role err = %v, want ErrRoleInUse", err)
	}

	holder.Active = false
	if err := users.Upsert(ctx, holder); err != nil {
		t.Fatal(err)
	}
	if err := e.DeleteRole(ctx, "auditor"); err != nil {
		t.Fatalf("delete role held only by inactive user: %v", err)
	}
	if _, err := e.GetRole("auditor"); !errors.Is(err, ErrRoleNotFound) {
		t.Errorf("GetRole after delete err = %v", err)
	}
	if err := e.DeleteRole(ctx, "auditor"); !errors.Is(err, ErrRoleNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestAssignRole(t *testing.T) {
	e, _, _, clk := newTestEngine(t, Config{})
	ctx := context.Background()

	if _, err := e.AssignRole(ctx, "u1", "ghost", "test", time.Time{}); !errors.Is(err, ErrRoleNotFound) {
		t.Errorf("unknown role err = %v", err)
	}
	if _, err := e.AssignRole(ctx, "u1", RoleViewer, "test", clk.t.Add(-time.Minute)); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("past expiry err = %v", err)
	}
	a1, err := e.AssignRole(ctx, "u1", RoleViewer, "alice", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if a1.ID == "" || a1.AssignedBy != "alice" || !a1.AssignedAt.Equal(clk.t) {
		t.Errorf("assignment = %+v", a1)
	}
	a2, err := e.AssignRole(ctx, "u1", RoleViewer, "bob", time.Time{})
	if err != nil || a2.ID != a1.ID {
		t.Errorf("repeat assignment = %+v, %v; want existing", a2, err)
	}

	viewer, _ := e.GetRole(RoleViewer)
	viewer.Active = false
	if err := e.UpdateRole(ctx, viewer); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AssignRole(ctx, "u2", RoleViewer, "test", time.Time{}); !errors.Is(err, ErrRoleInactive) {
		t.Errorf("inactive role err = %v", err)
	}
	roles, _ := e.GetUserRoles(ctx, "u1")
	if len(roles) != 1 {
		t.Errorf("GetUserRoles = %v", roles)
	}
}

func TestGetUserPermissions_UsesDirectoryClearance(t *testing.T) {
	e, _, users, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	u := testUser("u1", userdomain.ClearanceConfidential)
	if err := users.Upsert(ctx, u); err != nil {
		t.Fatal(err)
	}
	mustAssign(t, e, u.ID, RoleSecurityOfficer)

	perms, err := e.GetUserPermissions(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{domain.PermissionProjectRead, domain.PermissionResourceRead, domain.PermissionSecurityAudit,
		domain.PermissionSecurityMFA, domain.PermissionSecuritySession}
	slices.Sort(want)
	if !slices.Equal(perms, want) {
		t.Errorf("perms = %v, want %v", perms, want)
	}

	mustAssign(t, e, "unknown", RoleSecurityOfficer)
	perms, _ = e.GetUserPermissions(ctx, "unknown")
	if len(perms) != 0 {
		t.Errorf("unknown user resolved at open clearance should get nothing, got %v", perms)
	}
}

func TestHealthCheck(t *testing.T) {
	e, _, _, _ := newTestEngine(t, Config{})
	if err := e.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

// stallingRepo parks the next ListAssignmentsByUser call after reading until released.
type stallingRepo struct {
	*repository.MemoryRepository

	mu      sync.Mutex
	entered chan struct{}
	release chan struct{}
}

func (r *stallingRepo) arm() (entered, release chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entered, r.release = make(chan struct{}), make(chan struct{})
	return r.entered, r.release
}

func (r *stallingRepo) ListAssignmentsByUser(ctx context.Context, userID string) ([]*domain.Assignment, error) {
	out, err := r.MemoryRepository.ListAssignmentsByUser(ctx, userID)
	r.mu.Lock()
	entered, release := r.entered, r.release
	r.entered, r.release = nil, nil
	r.mu.Unlock()
	if entered != nil {
		close(entered)
		<-release
	}
	return out, err
}

func TestDecisionCache_InvalidationDuringCheck(t *testing.T) {
	testCases := []struct {
		name        string
		initial     []string
		change      func(t *testing.T, e *Engine)
		before, now bool
	}{
		{"revoke", []string{RoleEditor}, func(t *testing.T, e *Engine) {
			if err := e.RevokeRole(context.Background(), "u1", RoleEditor); err != nil {
				t.Fatalf("RevokeRole: %v", err)
			}
		}, true, false},
		{"assign", nil, func(t *testing.T, e *Engine) {
			mustAssign(t, e, "u1", RoleEditor)
		}, false, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			repo := &stallingRepo{MemoryRepository: repository.NewMemoryRepository()}
			e, err := New(ctx, Config{}, repo, nil, nil)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			t.Cleanup(e.Close)
			for _, r := range tc.initial {
				mustAssign(t, e, "u1", r)
			}
			u := testUser("u1", userdomain.ClearanceOpen)

			entered, release := repo.arm()
			done := make(chan bool)
			go func() {
				ok, err := e.CheckPermission(ctx, u, domain.PermissionResourceWrite, nil)
				if err != nil {
					t.Errorf("CheckPermission: %v", err)
				}
				done <- ok
			}()
			<-entered
			tc.change(t, e)
			close(release)
			if got := <-done; got != tc.before {
				t.Fatalf("in-flight check = %v, want %v", got, tc.before)
			}

			got, err := e.CheckPermission(ctx, u, domain.PermissionResourceWrite, nil)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.now {
				t.Errorf("after change = %v, want %v (stale cached decision)", got, tc.now)
			}
		})
	}
}

func TestDecisionCache_FlushDropsInFlightDecision(t *testing.T) {
	e, _, _, _ := newTestEngine(t, Config{})
	d := &domain.Decision{Permission: domain.PermissionResourceRead, Granted: true}

	gen := e.generation("u1")
	e.flush()
	e.putDecision("u1", gen, "u1|k", d)
	if n := e.CacheSize(); n != 0 {
		t.Fatalf("CacheSize after flush = %d, want 0", n)
	}

	gen = e.generation("u1")
	e.invalidateUser("u2")
	e.putDecision("u1", gen, "u1|k", d)
	if n := e.CacheSize(); n != 1 {
		t.Errorf("CacheSize after unrelated invalidation = %d, want 1", n)
	}
}
