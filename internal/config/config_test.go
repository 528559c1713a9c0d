package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GRPCAddr != ":8080" {
		t.Errorf("GRPCAddr = %q, want %q", cfg.GRPCAddr, ":8080")
	}
	if cfg.DefaultMethod != "oidc" {
		t.Errorf("DefaultMethod = %q, want oidc", cfg.DefaultMethod)
	}
	if cfg.SessionStore != "memory" {
		t.Errorf("SessionStore = %q, want memory", cfg.SessionStore)
	}
	if cfg.Session.TokenLifetime != 8*time.Hour {
		t.Errorf("Session.TokenLifetime = %v, want 8h", cfg.Session.TokenLifetime)
	}
	if cfg.Session.IdleTimeout != 30*time.Minute {
		t.Errorf("Session.IdleTimeout = %v, want 30m", cfg.Session.IdleTimeout)
	}
	if cfg.Session.MaxConcurrent != 3 {
		t.Errorf("Session.MaxConcurrent = %d, want 3", cfg.Session.MaxConcurrent)
	}
	if cfg.Session.CleanupInterval != 30*time.Minute {
		t.Errorf("Session.CleanupInterval = %v, want 30m", cfg.Session.CleanupInterval)
	}
	if cfg.RBAC.CacheTTL != 5*time.Minute {
		t.Errorf("RBAC.CacheTTL = %v, want 5m", cfg.RBAC.CacheTTL)
	}
	if cfg.RBAC.CacheCleanupInterval != 10*time.Minute {
		t.Errorf("RBAC.CacheCleanupInterval = %v, want 10m", cfg.RBAC.CacheCleanupInterval)
	}
	if cfg.MFA.TOTPDigits != 6 || cfg.MFA.TOTPPeriod != 30*time.Second {
		t.Errorf("TOTP = %d digits / %v, want 6 / 30s", cfg.MFA.TOTPDigits, cfg.MFA.TOTPPeriod)
	}
	if !cfg.OIDC.UsePKCE {
		t.Error("OIDC.UsePKCE should default to true")
	}
	if cfg.Audit.Retention != 90*24*time.Hour {
		t.Errorf("Audit.Retention = %v, want 90d", cfg.Audit.Retention)
	}
	if cfg.Audit.KafkaTopic != "auth-audit" {
		t.Errorf("Audit.KafkaTopic = %q, want auth-audit", cfg.Audit.KafkaTopic)
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	os.Clearenv()
	t.Setenv("GRPC_ADDR", ":9090")
	t.Setenv("SESSION_MAX_CONCURRENT", "5")
	t.Setenv("SESSION_IDLE_TIMEOUT", "10m")
	t.Setenv("OIDC_ENABLED", "true")
	t.Setenv("OIDC_ISSUER", "https://idp.example.com")
	t.Setenv("OIDC_CLIENT_ID", "client")
	t.Setenv("OIDC_TOKEN_URL", "https://idp.example.com/token")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GRPCAddr != ":9090" {
		t.Errorf("GRPCAddr = %q, want :9090", cfg.GRPCAddr)
	}
	if cfg.Session.MaxConcurrent != 5 {
		t.Errorf("Session.MaxConcurrent = %d, want 5", cfg.Session.MaxConcurrent)
	}
	if cfg.Session.IdleTimeout != 10*time.Minute {
		t.Errorf("Session.IdleTimeout = %v, want 10m", cfg.Session.IdleTimeout)
	}
	if !cfg.OIDC.Enabled || cfg.OIDC.ClientID != "client" {
		t.Errorf("OIDC = %+v, want enabled with client id", cfg.OIDC)
	}
}

func validConfig() *Config {
	return &Config{
		GRPCAddr:      ":8080",
		DefaultMethod: "oidc",
		SessionStore:  "memory",
		MFA: MFAConfig{
			TOTPDigits:           6,
			TOTPPeriod:           30 * time.Second,
			TOTPAlgorithm:        "SHA1",
			BackupCodeCount:      10,
			MaxAttemptsPerMinute: 5,
		},
		Session: SessionConfig{
			TokenLifetime:    8 * time.Hour,
			IdleTimeout:      30 * time.Minute,
			MaxConcurrent:    3,
			RotationInterval: 15 * time.Minute,
			RotationEnabled:  true,
			CleanupInterval:  30 * time.Minute,
		},
		RBAC:  RBACConfig{CacheTTL: 5 * time.Minute, CacheCleanupInterval: 10 * time.Minute},
		Audit: AuditConfig{Retention: time.Hour, AlertThreshold: 5, AlertWindow: 15 * time.Minute},
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"empty grpc addr", func(c *Config) { c.GRPCAddr = "" }, "GRPC_ADDR"},
		{"unknown method", func(c *Config) { c.DefaultMethod = "ldap" }, "AUTH_DEFAULT_METHOD"},
		{"unknown store", func(c *Config) { c.SessionStore = "file" }, "SESSION_STORE"},
		{"postgres without dsn", func(c *Config) { c.SessionStore = "postgres" }, "DATABASE_URL"},
		{"redis without addr", func(c *Config) { c.SessionStore = "redis" }, "REDIS_ADDR"},
		{"oidc incomplete", func(c *Config) { c.OIDC.Enabled = true }, "OIDC_ISSUER"},
		{"saml incomplete", func(c *Config) { c.SAML.Enabled = true; c.SAML.EntityID = "sp" }, "SAML_TRUSTED_ISSUERS"},
		{"saml without cert", func(c *Config) {
			c.SAML.Enabled = true
			c.SAML.EntityID = "sp"
			c.SAML.TrustedIssuers = "https://idp"
		}, "SAML_IDP_CERT"},
		{"saml shared cert for two issuers", func(c *Config) {
			c.SAML.Enabled = true
			c.SAML.EntityID = "sp"
			c.SAML.TrustedIssuers = "https://a,https://b"
			c.SAML.IDPCert = "/etc/idp.pem"
		}, `issuer "https://a"`},
		{"saml cert for untrusted issuer", func(c *Config) {
			c.SAML.Enabled = true
			c.SAML.EntityID = "sp"
			c.SAML.TrustedIssuers = "https://a"
			c.SAML.IDPCerts = "https://a=/etc/a.pem;https://x=/etc/x.pem"
		}, "untrusted issuer"},
		{"saml per-issuer certs", func(c *Config) {
			c.SAML.Enabled = true
			c.SAML.EntityID = "sp"
			c.SAML.TrustedIssuers = "https://a,https://b"
			c.SAML.IDPCerts = "https://a=/etc/a.pem; https://b=/etc/b.pem"
		}, ""},
		{"bad digits", func(c *Config) { c.MFA.TOTPDigits = 7 }, "MFA_TOTP_DIGITS"},
		{"bad algorithm", func(c *Config) { c.MFA.TOTPAlgorithm = "MD5" }, "MFA_TOTP_ALGORITHM"},
		{"zero backup codes", func(c *Config) { c.MFA.BackupCodeCount = 0 }, "MFA_BACKUP_CODE_COUNT"},
		{"zero max sessions", func(c *Config) { c.Session.MaxConcurrent = 0 }, "SESSION_MAX_CONCURRENT"},
		{"idle >= lifetime", func(c *Config) { c.Session.IdleTimeout = 8 * time.Hour }, "SESSION_IDLE_TIMEOUT"},
		{"secure storage without key", func(c *Config) { c.Session.SecureStorage = true }, "SESSION_ENCRYPTION_KEY"},
		{"zero alert threshold", func(c *Config) { c.Audit.AlertThreshold = 0 }, "AUDIT_ALERT_THRESHOLD"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(c)
			err := c.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate: want error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tc.wantErr)
			}
		})
	}
}

func TestSAMLTrustedIssuers(t *testing.T) {
	c := &Config{SAML: SAMLConfig{TrustedIssuers: " https://a , ,https://b"}}
	got := c.SAMLTrustedIssuers()
	if len(got) != 2 || got[0] != "https://a" || got[1] != "https://b" {
		t.Errorf("SAMLTrustedIssuers = %v, want [https://a https://b]", got)
	}
}

func TestSAMLIssuerCerts(t *testing.T) {
	c := &Config{SAML: SAMLConfig{
		TrustedIssuers: "https://a,https://b",
		IDPCerts:       "https://a=/etc/a.pem;https://b=/etc/b.pem",
	}}
	got, err := c.SAMLIssuerCerts()
	if err != nil {
		t.Fatalf("SAMLIssuerCerts: %v", err)
	}
	if got["https://a"] != "/etc/a.pem" || got["https://b"] != "/etc/b.pem" {
		t.Errorf("SAMLIssuerCerts = %v", got)
	}

	single := &Config{SAML: SAMLConfig{TrustedIssuers: "https://a", IDPCert: "/etc/idp.pem"}}
	got, err = single.SAMLIssuerCerts()
	if err != nil || got["https://a"] != "/etc/idp.pem" {
		t.Errorf("single issuer = %v, %v; want the shared cert", got, err)
	}

	bad := &Config{SAML: SAMLConfig{TrustedIssuers: "https://a", IDPCerts: "https://a"}}
	if _, err := bad.SAMLIssuerCerts(); err == nil {
		t.Error("entry without certificate: want error")
	}
}

func TestOIDCScopes_AddsOpenID(t *testing.T) {
	c := &Config{OIDC: OIDCConfig{Scopes: "profile,email"}}
	got := c.OIDCScopes()
	if len(got) != 3 || got[0] != "openid" {
		t.Errorf("OIDCScopes = %v, want openid first", got)
	}
	c.OIDC.Scopes = "email openid"
	if got := c.OIDCScopes(); len(got) != 2 {
		t.Errorf("OIDCScopes = %v, want unchanged", got)
	}
}

func TestAuditKafkaBrokersList(t *testing.T) {
	var nilCfg *Config
	if nilCfg.AuditKafkaBrokersList() != nil {
		t.Error("nil config should return nil brokers")
	}
	c := &Config{Audit: AuditConfig{KafkaBrokers: "a:9092, b:9092"}}
	if got := c.AuditKafkaBrokersList(); len(got) != 2 || got[1] != "b:9092" {
		t.Errorf("AuditKafkaBrokersList = %v", got)
	}
}
