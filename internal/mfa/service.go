// Package mfa implements second-factor enrollment and verification: TOTP, out-of-band codes
// by SMS or email, single-use backup codes, and WebAuthn ceremony options.
package mfa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"enterprise-auth/backend/internal/autherr"
	"enterprise-auth/backend/internal/logging"
	"enterprise-auth/backend/internal/mfa/domain"
	"enterprise-auth/backend/internal/mfa/repository"
	"enterprise-auth/backend/internal/security"
	userdomain "enterprise-auth/backend/internal/user/domain"
)

// totpSkew accepts codes from one period before and after the current one.
const totpSkew = 1

const (
	defaultBackupCodeCount   = 10
	backupCodeLength         = 10
	defaultAttemptsPerMin    = 5
	defaultWebAuthnChallenge = 32
)

// Sender delivers an out-of-band code to a destination (phone number or email address).
type Sender interface {
	Send(ctx context.Context, destination, code string) error
}

// Config configures the MFA service.
type Config struct {
	// Issuer is shown by authenticator apps next to the account name.
	Issuer        string
	TOTPDigits    int
	TOTPPeriod    time.Duration
	TOTPAlgorithm string
	// CodeTTL bounds how long an out-of-band code stays redeemable.
	CodeTTL              time.Duration
	CodeDigits           int
	BackupCodeCount      int
	MaxAttemptsPerMinute int
	WebAuthnRPID         string
	WebAuthnRPName       string
	WebAuthnChallenge    int
	WebAuthnTimeout      time.Duration
	// BcryptCost is the cost for backup code hashes; zero selects bcrypt's default.
	BcryptCost int
}

// Service is the MFA service.
type Service struct {
	cfg       Config
	repo      repository.Repository
	senders   map[string]Sender
	hasher    *security.Hasher
	limiter   *attemptLimiter
	algorithm otp.Algorithm
	digits    otp.Digits
	logger    *zap.Logger
	nowF      func() time.Time
	// usedTOTP remembers accepted TOTP codes per user until they can no longer validate.
	usedTOTP *usedCodes
	// webauthn holds issued ceremony challenges.
	webauthn *challengeStore
	// locks makes the read-check-consume of a stored code atomic per user and method.
	locks keyedMutex
}

// NewService returns an MFA service. senders maps domain method names (sms, email) to delivery
// channels; methods without a sender cannot send challenges. logger may be nil.
func NewService(cfg Config, repo repository.Repository, senders map[string]Sender, logger *zap.Logger) (*Service, error) {
	if repo == nil {
		return nil, errors.New("mfa: repository is required")
	}
	alg, err := parseAlgorithm(cfg.TOTPAlgorithm)
	if err != nil {
		return nil, err
	}
	if cfg.TOTPDigits == 0 {
		cfg.TOTPDigits = 6
	}
	if cfg.TOTPDigits != 6 && cfg.TOTPDigits != 8 {
		return nil, fmt.Errorf("mfa: totp digits must be 6 or 8, got %d", cfg.TOTPDigits)
	}
	if cfg.TOTPPeriod <= 0 {
		cfg.TOTPPeriod = 30 * time.Second
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = repository.DefaultChallengeTTL
	}
	if cfg.CodeDigits <= 0 {
		cfg.CodeDigits = defaultCodeDigits
	}
	if cfg.BackupCodeCount <= 0 {
		cfg.BackupCodeCount = defaultBackupCodeCount
	}
	if cfg.MaxAttemptsPerMinute <= 0 {
		cfg.MaxAttemptsPerMinute = defaultAttemptsPerMin
	}
	if cfg.WebAuthnChallenge < 16 {
		cfg.WebAuthnChallenge = defaultWebAuthnChallenge
	}
	if cfg.WebAuthnTimeout <= 0 {
		cfg.WebAuthnTimeout = 2 * time.Minute
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "auth-orchestrator"
	}
	if senders == nil {
		senders = map[string]Sender{}
	}
	s := &Service{
		cfg:       cfg,
		repo:      repo,
		senders:   senders,
		hasher:    security.NewHasher(cfg.BcryptCost),
		algorithm: alg,
		digits:    otp.Digits(cfg.TOTPDigits),
		logger:    logging.OrNop(logger).Named("mfa"),
		nowF:      time.Now,
	}
	s.limiter = newAttemptLimiter(cfg.MaxAttemptsPerMinute, s.now)
	s.usedTOTP = newUsedCodes(s.now)
	s.webauthn = newChallengeStore(s.now)
	return s, nil
}

func parseAlgorithm(name string) (otp.Algorithm, error) {
	switch strings.ToUpper(strings.ReplaceAll(name, "-", "")) {
	case "", "SHA1":
		return otp.AlgorithmSHA1, nil
	case "SHA256":
		return otp.AlgorithmSHA256, nil
	case "SHA512":
		return otp.AlgorithmSHA512, nil
	default:
		return 0, fmt.Errorf("mfa: unsupported totp algorithm %q", name)
	}
}

// SetClock replaces the time source. Intended for tests.
func (s *Service) SetClock(now func() time.Time) { s.nowF = now }

func (s *Service) now() time.Time { return s.nowF() }

// Close releases background resources.
func (s *Service) Close() {
	s.limiter.close()
	s.usedTOTP.close()
	s.webauthn.close()
}

// HealthCheck reads from the enrollment store.
func (s *Service) HealthCheck(ctx context.Context) error {
	_, err := s.repo.ListEnrollments(ctx, "health-check")
	return err
}

func (s *Service) totpOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    uint(s.cfg.TOTPPeriod / time.Second),
		Skew:      totpSkew,
		Digits:    s.digits,
		Algorithm: s.algorithm,
	}
}

// GenerateSecret starts enrollment of method for user. For TOTP it returns a new shared secret
// and provisioning URI; for SMS and email it records the user's phone or address; for backup
// codes it returns a fresh code set; for WebAuthn it returns registration options.
func (s *Service) GenerateSecret(ctx context.Context, user *userdomain.User, method string) (*domain.Secret, error) {
	if user == nil || user.ID == "" {
		return nil, errors.New("mfa: user is required")
	}
	now := s.now().UTC()
	switch method {
	case userdomain.MFAMethodTOTP:
		account := user.Email
		if account == "" {
			account = user.ID
		}
		key, err := totp.Generate(totp.GenerateOpts{
			Issuer:      s.cfg.Issuer,
			AccountName: account,
			Period:      uint(s.cfg.TOTPPeriod / time.Second),
			Digits:      s.digits,
			Algorithm:   s.algorithm,
		})
		if err != nil {
			return nil, fmt.Errorf("mfa: generate totp secret: %w", err)
		}
		e := &domain.Enrollment{UserID: user.ID, Method: method, Secret: key.Secret(), CreatedAt: now, UpdatedAt: now}
		if err := s.repo.SaveEnrollment(ctx, e); err != nil {
			return nil, fmt.Errorf("mfa: save enrollment: %w", err)
		}
		return &domain.Secret{Method: method, Secret: key.Secret(), URI: key.URL()}, nil

	case userdomain.MFAMethodSMS, userdomain.MFAMethodEmail:
		dest := destinationFor(user, method)
		if dest == "" {
			return nil, autherr.MFA(method, autherr.CodeMFANotEnrolled, "user has no "+destinationKind(method))
		}
		e := &domain.Enrollment{UserID: user.ID, Method: method, Destination: dest, CreatedAt: now, UpdatedAt: now}
		if err := s.repo.SaveEnrollment(ctx, e); err != nil {
			return nil, fmt.Errorf("mfa: save enrollment: %w", err)
		}
		return &domain.Secret{Method: method, Destination: mask(dest)}, nil

	case userdomain.MFAMethodBackupCode:
		codes, err := s.GenerateBackupCodes(ctx, user)
		if err != nil {
			return nil, err
		}
		return &domain.Secret{Method: method, BackupCodes: codes}, nil

	case userdomain.MFAMethodWebAuthn:
		opts, err := s.RegistrationOptions(ctx, user)
		if err != nil {
			return nil, err
		}
		return &domain.Secret{Method: method, WebAuthn: opts}, nil
	}
	return nil, autherr.MFA(method, autherr.CodeMFAMethodInvalid, "unsupported mfa method")
}

// ValidateCode checks code for method. It returns false, nil for a wrong or expired code and an
// error only for throttling, missing enrollment, unsupported methods or storage failures.
// Out-of-band and backup codes are consumed on success; an accepted TOTP code is not accepted twice.
func (s *Service) ValidateCode(ctx context.Context, user *userdomain.User, code, method string) (bool, error) {
	if user == nil || user.ID == "" {
		return false, errors.New("mfa: user is required")
	}
	if !s.limiter.allow(user.ID) {
		return false, autherr.MFA(method, autherr.CodeMFARateLimited, "too many verification attempts")
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return false, nil
	}

	unlock := s.locks.lock(user.ID + "|" + method)
	defer unlock()

	var (
		ok  bool
		err error
	)
	switch method {
	case userdomain.MFAMethodTOTP:
		ok, err = s.validateTOTP(ctx, user.ID, code)
	case userdomain.MFAMethodSMS, userdomain.MFAMethodEmail:
		ok, err = s.validateOOB(ctx, user.ID, method, code)
	case userdomain.MFAMethodBackupCode:
		ok, err = s.validateBackupCode(ctx, user.ID, code)
	case userdomain.MFAMethodWebAuthn:
		return false, autherr.MFA(method, autherr.CodeMFAMethodInvalid, "webauthn assertions are not verified by code")
	default:
		return false, autherr.MFA(method, autherr.CodeMFAMethodInvalid, "unsupported mfa method")
	}
	if err != nil || !ok {
		return ok, err
	}
	if err := s.confirm(ctx, user.ID, method); err != nil {
		s.logger.Warn("could not mark enrollment confirmed", zap.String("user_id", user.ID), zap.String("method", method), zap.Error(err))
	}
	return true, nil
}

func (s *Service) validateTOTP(ctx context.Context, userID, code string) (bool, error) {
	e, err := s.repo.GetEnrollment(ctx, userID, userdomain.MFAMethodTOTP)
	if err != nil {
		return false, fmt.Errorf("mfa: load enrollment: %w", err)
	}
	if e == nil || e.Secret == "" {
		return false, autherr.MFA(userdomain.MFAMethodTOTP, autherr.CodeMFANotEnrolled, "totp is not enrolled")
	}
	ok, err := totp.ValidateCustom(code, e.Secret, s.now().UTC(), s.totpOpts())
	if err != nil || !ok {
		return false, nil
	}
	// A code stays valid for (2*skew+1) periods.
	window := time.Duration(2*totpSkew+1) * s.cfg.TOTPPeriod
	if !s.usedTOTP.markUsed(userID+"|"+code, window) {
		return false, nil
	}
	return true, nil
}

func (s *Service) validateOOB(ctx context.Context, userID, method, code string) (bool, error) {
	c, err := s.repo.GetChallenge(ctx, userID, method)
	if err != nil {
		return false, fmt.Errorf("mfa: load challenge: %w", err)
	}
	if c == nil {
		return false, nil
	}
	if c.Expired(s.now()) {
		if err := s.repo.DeleteChallenge(ctx, c.ID); err != nil {
			s.logger.Warn("could not delete expired challenge", zap.String("user_id", userID), zap.Error(err))
		}
		return false, nil
	}
	if !OTPEqual(code, c.CodeHash) {
		return false, nil
	}
	if err := s.repo.DeleteChallenge(ctx, c.ID); err != nil {
		return false, fmt.Errorf("mfa: consume challenge: %w", err)
	}
	return true, nil
}

func (s *Service) validateBackupCode(ctx context.Context, userID, code string) (bool, error) {
	e, err := s.repo.GetEnrollment(ctx, userID, userdomain.MFAMethodBackupCode)
	if err != nil {
		return false, fmt.Errorf("mfa: load enrollment: %w", err)
	}
	if e == nil || len(e.BackupCodeHashes) == 0 {
		return false, autherr.MFA(userdomain.MFAMethodBackupCode, autherr.CodeMFANotEnrolled, "no backup codes remain")
	}
	normalized := normalizeBackupCode(code)
	match := -1
	// Every hash is checked so timing does not reveal the position of a match.
	for i, h := range e.BackupCodeHashes {
		if s.hasher.Matches(h, normalized) && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return false, nil
	}
	e.BackupCodeHashes = append(e.BackupCodeHashes[:match], e.BackupCodeHashes[match+1:]...)
	e.UpdatedAt = s.now().UTC()
	if err := s.repo.SaveEnrollment(ctx, e); err != nil {
		return false, fmt.Errorf("mfa: consume backup code: %w", err)
	}
	return true, nil
}

func (s *Service) confirm(ctx context.Context, userID, method string) error {
	e, err := s.repo.GetEnrollment(ctx, userID, method)
	if err != nil || e == nil || e.Confirmed {
		return err
	}
	e.Confirmed = true
	e.UpdatedAt = s.now().UTC()
	return s.repo.SaveEnrollment(ctx, e)
}

// SendChallenge issues a fresh out-of-band code for method and delivers it. Any earlier pending
// code for the same method is replaced. TOTP and backup codes need no challenge and return nil.
func (s *Service) SendChallenge(ctx context.Context, user *userdomain.User, method string) error {
	if user == nil || user.ID == "" {
		return errors.New("mfa: user is required")
	}
	switch method {
	case userdomain.MFAMethodTOTP, userdomain.MFAMethodBackupCode:
		return nil
	case userdomain.MFAMethodSMS, userdomain.MFAMethodEmail:
	default:
		return autherr.MFA(method, autherr.CodeMFAMethodInvalid, "method does not use challenges")
	}

	sender, ok := s.senders[method]
	if !ok {
		return autherr.MFA(method, autherr.CodeMFAMethodInvalid, "no delivery channel configured")
	}
	dest := destinationFor(user, method)
	if e, err := s.repo.GetEnrollment(ctx, user.ID, method); err != nil {
		return fmt.Errorf("mfa: load enrollment: %w", err)
	} else if e != nil && e.Destination != "" {
		dest = e.Destination
	}
	if dest == "" {
		return autherr.MFA(method, autherr.CodeMFANotEnrolled, "user has no "+destinationKind(method))
	}

	code, err := GenerateOTP(s.cfg.CodeDigits)
	if err != nil {
		return fmt.Errorf("mfa: generate code: %w", err)
	}
	now := s.now().UTC()
	c := &domain.Challenge{
		ID:          uuid.New().String(),
		UserID:      user.ID,
		Method:      method,
		Destination: dest,
		CodeHash:    HashOTP(code),
		ExpiresAt:   now.Add(s.cfg.CodeTTL),
		CreatedAt:   now,
	}
	if err := s.repo.SaveChallenge(ctx, c); err != nil {
		return fmt.Errorf("mfa: save challenge: %w", err)
	}
	if err := sender.Send(ctx, dest, code); err != nil {
		if derr := s.repo.DeleteChallenge(ctx, c.ID); derr != nil {
			s.logger.Warn("could not delete undelivered challenge", zap.String("user_id", user.ID), zap.Error(derr))
		}
		s.logger.Warn("mfa code delivery failed", zap.String("user_id", user.ID), zap.String("method", method), zap.Error(err))
		e := autherr.MFA(method, autherr.CodeMFADeliveryFailed, err.Error())
		e.Transient = true
		e.Err = err
		return e
	}
	return nil
}

// GenerateBackupCodes replaces the user's backup codes with a fresh set and returns the plaintext
// codes. Only bcrypt hashes are stored.
func (s *Service) GenerateBackupCodes(ctx context.Context, user *userdomain.User) ([]string, error) {
	if user == nil || user.ID == "" {
		return nil, errors.New("mfa: user is required")
	}
	codes := make([]string, s.cfg.BackupCodeCount)
	hashes := make([]string, s.cfg.BackupCodeCount)
	for i := range codes {
		raw, err := security.RandomCode(backupCodeLength)
		if err != nil {
			return nil, fmt.Errorf("mfa: generate backup code: %w", err)
		}
		h, err := s.hasher.Hash(raw)
		if err != nil {
			return nil, fmt.Errorf("mfa: hash backup code: %w", err)
		}
		codes[i] = raw[:5] + "-" + raw[5:]
		hashes[i] = h
	}
	unlock := s.locks.lock(user.ID + "|" + userdomain.MFAMethodBackupCode)
	defer unlock()
	now := s.now().UTC()
	e := &domain.Enrollment{
		UserID:           user.ID,
		Method:           userdomain.MFAMethodBackupCode,
		BackupCodeHashes: hashes,
		Confirmed:        true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.SaveEnrollment(ctx, e); err != nil {
		return nil, fmt.Errorf("mfa: save backup codes: %w", err)
	}
	return codes, nil
}

// RemainingBackupCodes returns how many unused backup codes the user has.
func (s *Service) RemainingBackupCodes(ctx context.Context, userID string) (int, error) {
	e, err := s.repo.GetEnrollment(ctx, userID, userdomain.MFAMethodBackupCode)
	if err != nil || e == nil {
		return 0, err
	}
	return len(e.BackupCodeHashes), nil
}

// IsEnrolled reports whether the user has a confirmed enrollment for method.
func (s *Service) IsEnrolled(ctx context.Context, userID, method string) (bool, error) {
	e, err := s.repo.GetEnrollment(ctx, userID, method)
	if err != nil {
		return false, err
	}
	return e != nil && e.Confirmed, nil
}

// EnrolledMethods returns the methods with a confirmed enrollment, ordered by name.
func (s *Service) EnrolledMethods(ctx context.Context, userID string) ([]string, error) {
	list, err := s.repo.ListEnrollments(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range list {
		if e.Confirmed {
			out = append(out, e.Method)
		}
	}
	return out, nil
}

// Unenroll removes the user's enrollment for method and any pending challenge.
func (s *Service) Unenroll(ctx context.Context, userID, method string) error {
	if c, err := s.repo.GetChallenge(ctx, userID, method); err == nil && c != nil {
		_ = s.repo.DeleteChallenge(ctx, c.ID)
	}
	return s.repo.DeleteEnrollment(ctx, userID, method)
}

func destinationFor(u *userdomain.User, method string) string {
	if method == userdomain.MFAMethodSMS {
		return u.Phone
	}
	return u.Email
}

func destinationKind(method string) string {
	if method == userdomain.MFAMethodSMS {
		return "phone number"
	}
	return "email address"
}

// mask hides all but the last characters of a phone number or the local part of an address.
func mask(dest string) string {
	if at := strings.IndexByte(dest, '@'); at > 0 {
		return dest[:1] + strings.Repeat("*", max(at-1, 1)) + dest[at:]
	}
	if len(dest) <= 4 {
		return strings.Repeat("*", len(dest))
	}
	return strings.Repeat("*", len(dest)-4) + dest[len(dest)-4:]
}

func normalizeBackupCode(code string) string {
	return strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(code))
}
