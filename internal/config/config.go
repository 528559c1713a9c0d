// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// GRPCAddr is the address the gRPC health server listens on (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// MetricsAddr is the HTTP address serving Prometheus metrics (e.g. :9090). Empty disables it.
	MetricsAddr string `mapstructure:"METRICS_ADDR"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is the zap level name (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// DatabaseURL is the Postgres DSN; required when any store is "postgres".
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisAddr is the Redis address (host:port); required when SESSION_STORE=redis.
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	// RedisPassword is the optional Redis password.
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	// SessionStore selects the session persistence backend: memory, postgres or redis.
	SessionStore string `mapstructure:"SESSION_STORE"`

	// DefaultMethod is the authentication method used when the caller does not name one (oidc or saml).
	DefaultMethod string `mapstructure:"AUTH_DEFAULT_METHOD"`

	OIDC       OIDCConfig       `mapstructure:",squash"`
	SAML       SAMLConfig       `mapstructure:",squash"`
	MFA        MFAConfig        `mapstructure:",squash"`
	Session    SessionConfig    `mapstructure:",squash"`
	RBAC       RBACConfig       `mapstructure:",squash"`
	Audit      AuditConfig      `mapstructure:",squash"`
	Compliance ComplianceConfig `mapstructure:",squash"`

	// OTLPEndpoint is the OpenTelemetry collector endpoint; empty disables OTLP export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext gRPC to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

// OIDCConfig configures the token-based identity provider.
type OIDCConfig struct {
	Enabled      bool          `mapstructure:"OIDC_ENABLED"`
	Issuer       string        `mapstructure:"OIDC_ISSUER"`
	ClientID     string        `mapstructure:"OIDC_CLIENT_ID"`
	ClientSecret string        `mapstructure:"OIDC_CLIENT_SECRET"`
	RedirectURI  string        `mapstructure:"OIDC_REDIRECT_URI"`
	AuthURL      string        `mapstructure:"OIDC_AUTH_URL"`
	TokenURL     string        `mapstructure:"OIDC_TOKEN_URL"`
	UserInfoURL  string        `mapstructure:"OIDC_USERINFO_URL"`
	JWKSURL      string        `mapstructure:"OIDC_JWKS_URL"`
	Scopes       string        `mapstructure:"OIDC_SCOPES"`
	UsePKCE      bool          `mapstructure:"OIDC_USE_PKCE"`
	ClockSkew    time.Duration `mapstructure:"OIDC_CLOCK_SKEW"`
	HTTPTimeout  time.Duration `mapstructure:"OIDC_HTTP_TIMEOUT"`
}

// SAMLConfig configures the assertion-based identity provider.
type SAMLConfig struct {
	Enabled        bool   `mapstructure:"SAML_ENABLED"`
	EntityID       string `mapstructure:"SAML_ENTITY_ID"`
	SSOURL         string `mapstructure:"SAML_SSO_URL"`
	SLOURL         string `mapstructure:"SAML_SLO_URL"`
	TrustedIssuers string `mapstructure:"SAML_TRUSTED_ISSUERS"`
	// IDPCert is the PEM-encoded signing certificate of the trusted issuer, or a path to it.
	IDPCert string `mapstructure:"SAML_IDP_CERT"`
	// IDPCerts maps issuers to their certificates as "issuer=pem-or-path" entries separated by ";".
	// Required for every issuer when more than one is trusted.
	IDPCerts       string        `mapstructure:"SAML_IDP_CERTS"`
	AttrEmail      string        `mapstructure:"SAML_ATTR_EMAIL"`
	AttrGivenName  string        `mapstructure:"SAML_ATTR_GIVEN_NAME"`
	AttrFamilyName string        `mapstructure:"SAML_ATTR_FAMILY_NAME"`
	AttrRoles      string        `mapstructure:"SAML_ATTR_ROLES"`
	AttrClearance  string        `mapstructure:"SAML_ATTR_CLEARANCE"`
	ClockSkew      time.Duration `mapstructure:"SAML_CLOCK_SKEW"`
}

// MFAConfig configures the MFA service and its delivery channels.
type MFAConfig struct {
	Enabled                bool          `mapstructure:"MFA_ENABLED"`
	Required               bool          `mapstructure:"MFA_REQUIRED"`
	Issuer                 string        `mapstructure:"MFA_ISSUER"`
	TOTPDigits             int           `mapstructure:"MFA_TOTP_DIGITS"`
	TOTPPeriod             time.Duration `mapstructure:"MFA_TOTP_PERIOD"`
	TOTPAlgorithm          string        `mapstructure:"MFA_TOTP_ALGORITHM"`
	CodeTTL                time.Duration `mapstructure:"MFA_CODE_TTL"`
	BackupCodeCount        int           `mapstructure:"MFA_BACKUP_CODE_COUNT"`
	MaxAttemptsPerMinute   int           `mapstructure:"MFA_MAX_ATTEMPTS_PER_MINUTE"`
	SMSLocalAPIKey         string        `mapstructure:"SMS_LOCAL_API_KEY"`
	SMSLocalSender         string        `mapstructure:"SMS_LOCAL_SENDER"`
	SMSLocalBaseURL        string        `mapstructure:"SMS_LOCAL_BASE_URL"`
	SMTPAddr               string        `mapstructure:"SMTP_ADDR"`
	SMTPFrom               string        `mapstructure:"SMTP_FROM"`
	SMTPUsername           string        `mapstructure:"SMTP_USERNAME"`
	SMTPPassword           string        `mapstructure:"SMTP_PASSWORD"`
	WebAuthnRPID           string        `mapstructure:"WEBAUTHN_RP_ID"`
	WebAuthnRPName         string        `mapstructure:"WEBAUTHN_RP_NAME"`
	WebAuthnChallengeBytes int           `mapstructure:"WEBAUTHN_CHALLENGE_BYTES"`
}

// SessionConfig configures the session manager.
type SessionConfig struct {
	TokenLifetime    time.Duration `mapstructure:"SESSION_TOKEN_LIFETIME"`
	IdleTimeout      time.Duration `mapstructure:"SESSION_IDLE_TIMEOUT"`
	MaxConcurrent    int           `mapstructure:"SESSION_MAX_CONCURRENT"`
	RotationInterval time.Duration `mapstructure:"SESSION_ROTATION_INTERVAL"`
	RotationEnabled  bool          `mapstructure:"SESSION_ROTATION_ENABLED"`
	Fingerprinting   bool          `mapstructure:"SESSION_FINGERPRINTING"`
	SecureStorage    bool          `mapstructure:"SESSION_SECURE_STORAGE"`
	// EncryptionKey is the secret used to derive the AES-256 key when SecureStorage is on.
	EncryptionKey   string        `mapstructure:"SESSION_ENCRYPTION_KEY"`
	CleanupInterval time.Duration `mapstructure:"SESSION_CLEANUP_INTERVAL"`
}

// RBACConfig configures the permission cache.
type RBACConfig struct {
	CacheTTL             time.Duration `mapstructure:"RBAC_CACHE_TTL"`
	CacheCleanupInterval time.Duration `mapstructure:"RBAC_CACHE_CLEANUP_INTERVAL"`
}

// AuditConfig configures retention, alerting and export of audit events.
type AuditConfig struct {
	Retention      time.Duration `mapstructure:"AUDIT_RETENTION"`
	AlertThreshold int           `mapstructure:"AUDIT_ALERT_THRESHOLD"`
	AlertWindow    time.Duration `mapstructure:"AUDIT_ALERT_WINDOW"`
	// KafkaBrokers is a comma-separated list of Kafka brokers; empty disables export.
	KafkaBrokers string `mapstructure:"AUDIT_KAFKA_BROKERS"`
	KafkaTopic   string `mapstructure:"AUDIT_KAFKA_TOPIC"`
	// LokiURL is used by the worker only.
	LokiURL      string `mapstructure:"LOKI_URL"`
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
}

// ComplianceConfig carries clearance-driven compliance flags.
type ComplianceConfig struct {
	DataRetention    time.Duration `mapstructure:"COMPLIANCE_DATA_RETENTION"`
	RightToErasure   bool          `mapstructure:"COMPLIANCE_RIGHT_TO_ERASURE"`
	DataMinimization bool          `mapstructure:"COMPLIANCE_DATA_MINIMIZATION"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("METRICS_ADDR", ":9090")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("SESSION_STORE", "memory")
	v.SetDefault("AUTH_DEFAULT_METHOD", "oidc")

	v.SetDefault("OIDC_ENABLED", false)
	v.SetDefault("OIDC_ISSUER", "")
	v.SetDefault("OIDC_CLIENT_ID", "")
	v.SetDefault("OIDC_CLIENT_SECRET", "")
	v.SetDefault("OIDC_REDIRECT_URI", "")
	v.SetDefault("OIDC_AUTH_URL", "")
	v.SetDefault("OIDC_TOKEN_URL", "")
	v.SetDefault("OIDC_USERINFO_URL", "")
	v.SetDefault("OIDC_JWKS_URL", "")
	v.SetDefault("OIDC_SCOPES", "openid profile email")
	v.SetDefault("OIDC_USE_PKCE", true)
	v.SetDefault("OIDC_CLOCK_SKEW", "60s")
	v.SetDefault("OIDC_HTTP_TIMEOUT", "10s")

	v.SetDefault("SAML_ENABLED", false)
	v.SetDefault("SAML_ENTITY_ID", "")
	v.SetDefault("SAML_SSO_URL", "")
	v.SetDefault("SAML_SLO_URL", "")
	v.SetDefault("SAML_TRUSTED_ISSUERS", "")
	v.SetDefault("SAML_IDP_CERT", "")
	v.SetDefault("SAML_IDP_CERTS", "")
	v.SetDefault("SAML_ATTR_EMAIL", "email")
	v.SetDefault("SAML_ATTR_GIVEN_NAME", "givenName")
	v.SetDefault("SAML_ATTR_FAMILY_NAME", "surname")
	v.SetDefault("SAML_ATTR_ROLES", "roles")
	v.SetDefault("SAML_ATTR_CLEARANCE", "clearance")
	v.SetDefault("SAML_CLOCK_SKEW", "60s")

	v.SetDefault("MFA_ENABLED", true)
	v.SetDefault("MFA_REQUIRED", false)
	v.SetDefault("MFA_ISSUER", "auth-orchestrator")
	v.SetDefault("MFA_TOTP_DIGITS", 6)
	v.SetDefault("MFA_TOTP_PERIOD", "30s")
	v.SetDefault("MFA_TOTP_ALGORITHM", "SHA1")
	v.SetDefault("MFA_CODE_TTL", "5m")
	v.SetDefault("MFA_BACKUP_CODE_COUNT", 10)
	v.SetDefault("MFA_MAX_ATTEMPTS_PER_MINUTE", 5)
	v.SetDefault("SMS_LOCAL_API_KEY", "")
	v.SetDefault("SMS_LOCAL_SENDER", "")
	v.SetDefault("SMS_LOCAL_BASE_URL", "")
	v.SetDefault("SMTP_ADDR", "")
	v.SetDefault("SMTP_FROM", "")
	v.SetDefault("SMTP_USERNAME", "")
	v.SetDefault("SMTP_PASSWORD", "")
	v.SetDefault("WEBAUTHN_RP_ID", "localhost")
	v.SetDefault("WEBAUTHN_RP_NAME", "Auth Orchestrator")
	v.SetDefault("WEBAUTHN_CHALLENGE_BYTES", 32)

	v.SetDefault("SESSION_TOKEN_LIFETIME", "8h")
	v.SetDefault("SESSION_IDLE_TIMEOUT", "30m")
	v.SetDefault("SESSION_MAX_CONCURRENT", 3)
	v.SetDefault("SESSION_ROTATION_INTERVAL", "15m")
	v.SetDefault("SESSION_ROTATION_ENABLED", true)
	v.SetDefault("SESSION_FINGERPRINTING", true)
	v.SetDefault("SESSION_SECURE_STORAGE", false)
	v.SetDefault("SESSION_ENCRYPTION_KEY", "")
	v.SetDefault("SESSION_CLEANUP_INTERVAL", "30m")

	v.SetDefault("RBAC_CACHE_TTL", "5m")
	v.SetDefault("RBAC_CACHE_CLEANUP_INTERVAL", "10m")

	v.SetDefault("AUDIT_RETENTION", "2160h") // 90d
	v.SetDefault("AUDIT_ALERT_THRESHOLD", 5)
	v.SetDefault("AUDIT_ALERT_WINDOW", "15m")
	v.SetDefault("AUDIT_KAFKA_BROKERS", "")
	v.SetDefault("AUDIT_KAFKA_TOPIC", "auth-audit")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "auth-audit-worker")

	v.SetDefault("COMPLIANCE_DATA_RETENTION", "8760h") // 365d
	v.SetDefault("COMPLIANCE_RIGHT_TO_ERASURE", false)
	v.SetDefault("COMPLIANCE_DATA_MINIMIZATION", false)

	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
}

// Validate checks invalid combinations once so services can trust the values they receive.
func (c *Config) Validate() error {
	if c.GRPCAddr == "" {
		return errors.New("config: GRPC_ADDR must be set")
	}
	switch c.DefaultMethod {
	case "oidc", "saml":
	default:
		return errors.New("config: AUTH_DEFAULT_METHOD must be oidc or saml")
	}
	switch c.SessionStore {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL must be set when SESSION_STORE=postgres")
		}
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("config: REDIS_ADDR must be set when SESSION_STORE=redis")
		}
	default:
		return errors.New("config: SESSION_STORE must be memory, postgres or redis")
	}

	if c.OIDC.Enabled {
		if c.OIDC.Issuer == "" || c.OIDC.ClientID == "" || c.OIDC.TokenURL == "" {
			return errors.New("config: OIDC_ISSUER, OIDC_CLIENT_ID and OIDC_TOKEN_URL must be set when OIDC_ENABLED=true")
		}
	}
	if c.SAML.Enabled {
		if c.SAML.EntityID == "" || len(c.SAMLTrustedIssuers()) == 0 {
			return errors.New("config: SAML_ENTITY_ID and SAML_TRUSTED_ISSUERS must be set when SAML_ENABLED=true")
		}
		certs, err := c.SAMLIssuerCerts()
		if err != nil {
			return err
		}
		for _, issuer := range c.SAMLTrustedIssuers() {
			if certs[issuer] == "" {
				return fmt.Errorf("config: no SAML_IDP_CERT or SAML_IDP_CERTS entry for issuer %q", issuer)
			}
		}

	}

	if c.MFA.TOTPDigits != 6 && c.MFA.TOTPDigits != 8 {
		return errors.New("config: MFA_TOTP_DIGITS must be 6 or 8")
	}
	switch strings.ToUpper(c.MFA.TOTPAlgorithm) {
	case "SHA1", "SHA256", "SHA512":
	default:
		return errors.New("config: MFA_TOTP_ALGORITHM must be SHA1, SHA256 or SHA512")
	}
	if c.MFA.TOTPPeriod < time.Second {
		return errors.New("config: MFA_TOTP_PERIOD must be at least 1s")
	}
	if c.MFA.BackupCodeCount < 1 {
		return errors.New("config: MFA_BACKUP_CODE_COUNT must be at least 1")
	}
	if c.MFA.MaxAttemptsPerMinute < 1 {
		return errors.New("config: MFA_MAX_ATTEMPTS_PER_MINUTE must be at least 1")
	}

	if c.Session.MaxConcurrent < 1 {
		return errors.New("config: SESSION_MAX_CONCURRENT must be at least 1")
	}
	if c.Session.TokenLifetime <= 0 || c.Session.IdleTimeout <= 0 {
		return errors.New("config: SESSION_TOKEN_LIFETIME and SESSION_IDLE_TIMEOUT must be positive")
	}
	if c.Session.IdleTimeout >= c.Session.TokenLifetime {
		return errors.New("config: SESSION_IDLE_TIMEOUT must be shorter than SESSION_TOKEN_LIFETIME")
	}
	if c.Session.RotationEnabled && c.Session.RotationInterval <= 0 {
		return errors.New("config: SESSION_ROTATION_INTERVAL must be positive when rotation is enabled")
	}
	if c.Session.SecureStorage && c.Session.EncryptionKey == "" {
		return errors.New("config: SESSION_ENCRYPTION_KEY must be set when SESSION_SECURE_STORAGE=true")
	}
	if c.Session.CleanupInterval <= 0 || c.RBAC.CacheCleanupInterval <= 0 || c.RBAC.CacheTTL <= 0 {
		return errors.New("config: cleanup intervals and RBAC_CACHE_TTL must be positive")
	}

	if c.Audit.AlertThreshold < 1 {
		return errors.New("config: AUDIT_ALERT_THRESHOLD must be at least 1")
	}
	if c.Audit.AlertWindow <= 0 || c.Audit.Retention <= 0 {
		return errors.New("config: AUDIT_ALERT_WINDOW and AUDIT_RETENTION must be positive")
	}
	return nil
}

// SAMLTrustedIssuers returns the issuer allow-list from the comma-separated config.
func (c *Config) SAMLTrustedIssuers() []string {
	return splitList(c.SAML.TrustedIssuers)
}

// SAMLIssuerCerts returns the certificate source (PEM or path) of each trusted issuer. Entries in
// SAML_IDP_CERTS win; SAML_IDP_CERT applies only when a single issuer is trusted.
func (c *Config) SAMLIssuerCerts() (map[string]string, error) {
	issuers := c.SAMLTrustedIssuers()
	out := make(map[string]string, len(issuers))
	for _, entry := range strings.Split(c.SAML.IDPCerts, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		issuer, cert, ok := strings.Cut(entry, "=")
		issuer, cert = strings.TrimSpace(issuer), strings.TrimSpace(cert)
		if !ok || issuer == "" || cert == "" {
			return nil, fmt.Errorf("config: SAML_IDP_CERTS entry %q must be issuer=certificate", entry)
		}
		if !slices.Contains(issuers, issuer) {
			return nil, fmt.Errorf("config: SAML_IDP_CERTS names untrusted issuer %q", issuer)
		}
		out[issuer] = cert
	}
	if len(issuers) == 1 && out[issuers[0]] == "" && c.SAML.IDPCert != "" {
		out[issuers[0]] = c.SAML.IDPCert
	}
	return out, nil
}

// OIDCScopes returns the requested scopes; "openid" is always included.
func (c *Config) OIDCScopes() []string {
	scopes := strings.Fields(strings.ReplaceAll(c.OIDC.Scopes, ",", " "))
	for _, s := range scopes {
		if s == "openid" {
			return scopes
		}
	}
	return append([]string{"openid"}, scopes...)
}

// AuditKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if audit export is enabled (non-empty list) and to create the producer.
func (c *Config) AuditKafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.Audit.KafkaBrokers)
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
