package main

import (
	"context"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"enterprise-auth/backend/internal/audit"
	"enterprise-auth/backend/internal/audit/export"
	auditrepo "enterprise-auth/backend/internal/audit/repository"
	"enterprise-auth/backend/internal/config"
	identitydomain "enterprise-auth/backend/internal/identity/domain"
	"enterprise-auth/backend/internal/identity/oidc"
	"enterprise-auth/backend/internal/identity/provider"
	"enterprise-auth/backend/internal/identity/saml"
	"enterprise-auth/backend/internal/mfa"
	"enterprise-auth/backend/internal/mfa/email"
	mfarepo "enterprise-auth/backend/internal/mfa/repository"
	"enterprise-auth/backend/internal/mfa/sms"
	"enterprise-auth/backend/internal/orchestrator"
	"enterprise-auth/backend/internal/rbac/engine"
	rbacrepo "enterprise-auth/backend/internal/rbac/repository"
	"enterprise-auth/backend/internal/security"
	"enterprise-auth/backend/internal/server/interceptors"
	"enterprise-auth/backend/internal/session/manager"
	"enterprise-auth/backend/internal/session/store"
	telemetry "enterprise-auth/backend/internal/telemetry/otel"
	userdomain "enterprise-auth/backend/internal/user/domain"
	userrepo "enterprise-auth/backend/internal/user/repository"
)

// repositories are the persistence backends. Postgres is used for everything when a database is
// configured, memory otherwise; the session store is chosen separately.
type repositories struct {
	users    userrepo.Repository
	roles    rbacrepo.Repository
	mfa      mfarepo.Repository
	audit    auditrepo.Repository
	sessions store.Store
	closers  []func()
}

func openRepositories(ctx context.Context, cfg *config.Config, db *sql.DB, logger *zap.Logger) (*repositories, error) {
	r := &repositories{}
	if db != nil {
		r.users = userrepo.NewPostgresRepository(db)
		r.roles = rbacrepo.NewPostgresRepository(db)
		r.mfa = mfarepo.NewPostgresRepository(db)
		r.audit = auditrepo.NewPostgresRepository(db)
	} else {
		logger.Warn("DATABASE_URL not set; users, roles, mfa and audit state are in memory")
		r.users = userrepo.NewMemoryRepository()
		r.roles = rbacrepo.NewMemoryRepository()
		r.mfa = mfarepo.NewMemoryRepository()
		r.audit = auditrepo.NewMemoryRepository()
	}

	switch cfg.SessionStore {
	case "postgres":
		if db == nil {
			return nil, errors.New("session store postgres needs DATABASE_URL")
		}
		r.sessions = store.NewPostgresStore(db)
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		rs := store.NewRedisStoreWithClient(client, store.DefaultRedisPrefix)
		r.sessions = rs
		r.closers = append(r.closers, func() { _ = rs.Close() })
	default:
		r.sessions = store.NewMemoryStore()
	}
	return r, nil
}

func buildProviders(cfg *config.Config, logger *zap.Logger) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	if cfg.OIDC.Enabled {
		p, err := oidc.New(oidc.Config{
			Issuer:       cfg.OIDC.Issuer,
			ClientID:     cfg.OIDC.ClientID,
			ClientSecret: cfg.OIDC.ClientSecret,
			RedirectURI:  cfg.OIDC.RedirectURI,
			AuthURL:      cfg.OIDC.AuthURL,
			TokenURL:     cfg.OIDC.TokenURL,
			UserInfoURL:  cfg.OIDC.UserInfoURL,
			JWKSURL:      cfg.OIDC.JWKSURL,
			Scopes:       cfg.OIDCScopes(),
			UsePKCE:      cfg.OIDC.UsePKCE,
			ClockSkew:    cfg.OIDC.ClockSkew,
			HTTPTimeout:  cfg.OIDC.HTTPTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("oidc provider: %w", err)
		}
		reg.Register(p)
	}
	if cfg.SAML.Enabled {
		sources, err := cfg.SAMLIssuerCerts()
		if err != nil {
			closeProviders(reg)
			return nil, err
		}
		issuers := make(map[string][]*x509.Certificate, len(sources))
		for issuer, src := range sources {
			certs, err := security.ParseCertificates(src)
			if err != nil {
				closeProviders(reg)
			return nil, fmt.Errorf("saml certificate for %s: %w", issuer, err)
			}
			issuers[issuer] = certs
		}
		p, err := saml.New(saml.Config{
			EntityID: cfg.SAML.EntityID,
			SSOURL:   cfg.SAML.SSOURL,
			SLOURL:   cfg.SAML.SLOURL,
			Issuers:  issuers,
			Attributes: saml.AttributeMap{
				Email:      cfg.SAML.AttrEmail,
				GivenName:  cfg.SAML.AttrGivenName,
				FamilyName: cfg.SAML.AttrFamilyName,
				Roles:      cfg.SAML.AttrRoles,
				Clearance:  cfg.SAML.AttrClearance,
			},
			ClockSkew: cfg.SAML.ClockSkew,
		}, logger)
		if err != nil {
			closeProviders(reg)
			return nil, fmt.Errorf("saml provider: %w", err)
		}
		reg.Register(p)
	}
	if len(reg.Methods()) == 0 {
		return nil, errors.New("no identity provider enabled; set OIDC_ENABLED or SAML_ENABLED")
	}
	return reg, nil
}

// closeProviders stops the background cleanup of every provider that has one.
func closeProviders(reg *provider.Registry) {
	for _, p := range reg.All() {
		if c, ok := p.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

func mfaSenders(cfg *config.Config) map[string]mfa.Sender {
	senders := map[string]mfa.Sender{}
	if cfg.MFA.SMSLocalAPIKey != "" {
		senders[userdomain.MFAMethodSMS] = sms.NewSMSLocalClient(cfg.MFA.SMSLocalAPIKey, cfg.MFA.SMSLocalBaseURL, cfg.MFA.SMSLocalSender)
	}
	if cfg.MFA.SMTPAddr != "" {
		senders[userdomain.MFAMethodEmail] = email.NewSMTPSender(cfg.MFA.SMTPAddr, cfg.MFA.SMTPFrom, cfg.MFA.SMTPUsername, cfg.MFA.SMTPPassword)
	}
	return senders
}

// auditExporters returns the exporters for the audit logger and a func that drains and closes them.
func auditExporters(cfg *config.Config, providers *telemetry.Providers, logger *zap.Logger) ([]audit.Option, func(context.Context)) {
	opts := []audit.Option{
		audit.WithIPExtractor(interceptors.ClientIP),
		audit.WithExporter(telemetry.NewAuditEmitter(providers.LoggerProvider)),
	}
	kafka := export.NewKafkaExporter(cfg.AuditKafkaBrokersList(), cfg.Audit.KafkaTopic, logger)
	if kafka == nil {
		return opts, func(context.Context) {}
	}
	async := export.NewAsync(kafka, logger)
	opts = append(opts, audit.WithExporter(async))
	return opts, func(ctx context.Context) {
		if err := async.Wait(ctx); err != nil {
			logger.Warn("audit exports still in flight at shutdown", zap.Error(err))
		}
		if err := kafka.Close(); err != nil {
			logger.Warn("kafka writer close", zap.Error(err))
		}
	}
}

// services are the constructed domain services owned by main.
type services struct {
	orchestrator *orchestrator.Orchestrator
	sessions     *manager.Manager
	rbac         *engine.Engine
	audit        *audit.Logger
}

func buildServices(ctx context.Context, cfg *config.Config, repos *repositories, providers *telemetry.Providers, auditOpts []audit.Option, logger *zap.Logger) (_ *services, err error) {
	registry, err := buildProviders(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			closeProviders(registry)
		}
	}()

	auditLog := audit.NewLogger(audit.Config{
		Retention:      cfg.Audit.Retention,
		AlertThreshold: cfg.Audit.AlertThreshold,
		AlertWindow:    cfg.Audit.AlertWindow,
	}, repos.audit, logger, auditOpts...)

	rbac, err := engine.New(ctx, engine.Config{
		CacheTTL:        cfg.RBAC.CacheTTL,
		CleanupInterval: cfg.RBAC.CacheCleanupInterval,
	}, repos.roles, repos.users, logger)
	if err != nil {
		return nil, fmt.Errorf("rbac: %w", err)
	}

	var mfaSvc *mfa.Service
	if cfg.MFA.Enabled {
		mfaSvc, err = mfa.NewService(mfa.Config{
			Issuer:               cfg.MFA.Issuer,
			TOTPDigits:           cfg.MFA.TOTPDigits,
			TOTPPeriod:           cfg.MFA.TOTPPeriod,
			TOTPAlgorithm:        cfg.MFA.TOTPAlgorithm,
			CodeTTL:              cfg.MFA.CodeTTL,
			BackupCodeCount:      cfg.MFA.BackupCodeCount,
			MaxAttemptsPerMinute: cfg.MFA.MaxAttemptsPerMinute,
			WebAuthnRPID:         cfg.MFA.WebAuthnRPID,
			WebAuthnRPName:       cfg.MFA.WebAuthnRPName,
			WebAuthnChallenge:    cfg.MFA.WebAuthnChallengeBytes,
		}, repos.mfa, mfaSenders(cfg), logger)
		if err != nil {
			rbac.Close()
			return nil, fmt.Errorf("mfa: %w", err)
		}
	}

	var sessionOpts []manager.Option
	if cfg.Session.SecureStorage {
		sealer, err := security.NewSealer([]byte(cfg.Session.EncryptionKey))
		if err != nil {
			rbac.Close()
			return nil, fmt.Errorf("session sealer: %w", err)
		}
		sessionOpts = append(sessionOpts, manager.WithSealer(sealer))
	}
	sessions := manager.New(manager.Config{
		TokenLifetime:    cfg.Session.TokenLifetime,
		IdleTimeout:      cfg.Session.IdleTimeout,
		MaxConcurrent:    cfg.Session.MaxConcurrent,
		RotationInterval: cfg.Session.RotationInterval,
		RotationEnabled:  cfg.Session.RotationEnabled,
		Fingerprinting:   cfg.Session.Fingerprinting,
		CleanupInterval:  cfg.Session.CleanupInterval,
	}, repos.sessions, auditLog, logger, sessionOpts...)
	if n, err := sessions.Restore(ctx); err != nil {
		logger.Warn("session restore failed", zap.Error(err))
	} else {
		logger.Info("sessions restored", zap.Int("count", n))
	}

	metrics, err := telemetry.NewMetrics(providers.MeterProvider,
		func(context.Context) int64 { return int64(sessions.Stats().Active) },
		func(context.Context) int64 { return int64(rbac.CacheSize()) },
	)
	if err != nil {
		sessions.Close()
		rbac.Close()
		return nil, fmt.Errorf("metrics: %w", err)
	}

	deps := orchestrator.Deps{
		Providers: registry,
		RBAC:      rbac,
		Sessions:  sessions,
		Users:     repos.users,
		Audit:     auditLog,
		Metrics:   metrics,
		Logger:    logger,
	}
	if mfaSvc != nil {
		deps.MFA = mfaSvc
	}
	orch, err := orchestrator.New(orchestrator.Config{
		DefaultMethod: identitydomain.Method(cfg.DefaultMethod),
		MFAEnabled:    cfg.MFA.Enabled,
		MFARequired:   cfg.MFA.Required,
		Compliance: orchestrator.Compliance{
			DataRetention:    cfg.Compliance.DataRetention,
			RightToErasure:   cfg.Compliance.RightToErasure,
			DataMinimization: cfg.Compliance.DataMinimization,
		},
	}, deps)
	if err != nil {
		_ = metrics.Close()
		sessions.Close()
		rbac.Close()
		return nil, err
	}
	orch.OnClose(func() { closeProviders(registry) })
	orch.OnClose(rbac.Close)
	if mfaSvc != nil {
		orch.OnClose(mfaSvc.Close)
	}
	orch.OnClose(sessions.Close)
	orch.OnClose(func() { _ = metrics.Close() })
	return &services{orchestrator: orch, sessions: sessions, rbac: rbac, audit: auditLog}, nil
}
