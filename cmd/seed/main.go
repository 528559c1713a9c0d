// seed creates the system roles and a development administrator for local testing: go run ./cmd/seed.
// Idempotent: existing roles are kept and the dev user is only written when missing.
package main

import (
	"context"
	"log"
	"time"

	"enterprise-auth/backend/internal/config"
	"enterprise-auth/backend/internal/db"
	identitydomain "enterprise-auth/backend/internal/identity/domain"
	"enterprise-auth/backend/internal/identity/provider"
	"enterprise-auth/backend/internal/rbac/engine"
	rbacrepo "enterprise-auth/backend/internal/rbac/repository"
	userdomain "enterprise-auth/backend/internal/user/domain"
	userrepo "enterprise-auth/backend/internal/user/repository"
)

const (
	devSubject = "dev-admin"
	devEmail   = "dev@example.com"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; set DATABASE_URL in the environment or .env")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := db.OpenContext(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	users := userrepo.NewPostgresRepository(conn)
	// New creates any missing system role.
	rbac, err := engine.New(ctx, engine.Config{}, rbacrepo.NewPostgresRepository(conn), users, nil)
	if err != nil {
		log.Fatalf("rbac: %v", err)
	}
	defer rbac.Close()
	log.Printf("seed: %d roles present", len(rbac.ListRoles()))

	method := identitydomain.Method(cfg.DefaultMethod)
	id := provider.DeriveUserID(method, devSubject)
	existing, err := users.GetByID(ctx, id)
	if err != nil {
		log.Fatalf("seed: load dev user: %v", err)
	}
	if existing != nil {
		log.Printf("seed: dev user %s already exists, skipping", devEmail)
		return
	}

	now := time.Now().UTC()
	u := &userdomain.User{
		ID:          id,
		Email:       devEmail,
		GivenName:   "Dev",
		FamilyName:  "Admin",
		DisplayName: "Dev Admin",
		Roles:       []string{engine.RoleAdmin},
		Clearance:   userdomain.ClearanceSecret,
		Active:      true,
		Provider:    string(method),
		Subject:     devSubject,
		CreatedAt:   now,
	}
	if err := users.Upsert(ctx, u); err != nil {
		log.Fatalf("seed: create dev user: %v", err)
	}
	if _, err := rbac.AssignRole(ctx, id, engine.RoleAdmin, "seed", time.Time{}); err != nil {
		log.Fatalf("seed: assign admin: %v", err)
	}
	log.Printf("seed: created dev user %s (id %s, subject %s via %s)", devEmail, id, devSubject, method)
}
