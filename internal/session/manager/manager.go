// Package manager owns the session lifecycle: creation with concurrent-session eviction,
// validation, refresh with id rotation, invalidation and the background sweep.
// Sessions are held in memory and written through to a store.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"enterprise-auth/backend/internal/audit"
	auditdomain "enterprise-auth/backend/internal/audit/domain"
	"enterprise-auth/backend/internal/logging"
	"enterprise-auth/backend/internal/security"
	"enterprise-auth/backend/internal/session/domain"
	"enterprise-auth/backend/internal/session/store"
	userdomain "enterprise-auth/backend/internal/user/domain"
)

const (
	DefaultTokenLifetime    = 8 * time.Hour
	DefaultIdleTimeout      = 30 * time.Minute
	DefaultMaxConcurrent    = 3
	DefaultRotationInterval = 15 * time.Minute
	DefaultCleanupInterval  = 30 * time.Minute

	idBytes = 32

	reasonExpired     = "expired"
	reasonIdle        = "idle_timeout"
	reasonInactive    = "inactive"
	reasonRotated     = "rotated"
	reasonEvicted     = "evicted"
	reasonLogout      = "logout"
	reasonUndecodable = "undecodable"
)

var (
	ErrUserRequired    = errors.New("session: user with id is required")
	ErrSessionNotFound = errors.New("session: not found or no longer valid")
)

// Config configures the manager. Zero durations take the defaults.
type Config struct {
	TokenLifetime    time.Duration
	IdleTimeout      time.Duration
	MaxConcurrent    int
	RotationInterval time.Duration
	RotationEnabled  bool
	Fingerprinting   bool
	// CleanupInterval is the sweep period; negative disables the background sweep.
	CleanupInterval time.Duration
}

// Manager is safe for concurrent use. Mutations of one session are serialized on its id;
// creation and bulk invalidation are serialized per user.
type Manager struct {
	cfg      Config
	store    store.Store
	codec    codec
	recorder audit.Recorder
	logger   *zap.Logger
	nowF     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*domain.Session
	locks    keyedMutex

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithSealer encrypts persisted payloads.
func WithSealer(s *security.Sealer) Option {
	return func(m *Manager) { m.codec.sealer = s }
}

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.nowF = now }
}

// New returns a Manager persisting to st and starts the cleanup loop. recorder and logger may be nil.
// Call Restore to reload persisted sessions and Close to stop the loop.
func New(cfg Config, st store.Store, recorder audit.Recorder, logger *zap.Logger, opts ...Option) *Manager {
	if cfg.TokenLifetime <= 0 {
		cfg.TokenLifetime = DefaultTokenLifetime
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = DefaultRotationInterval
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if st == nil {
		st = store.NewMemoryStore()
	}
	m := &Manager{
		cfg:      cfg,
		store:    st,
		recorder: recorder,
		logger:   logging.OrNop(logger).Named("session"),
		nowF:     time.Now,
		sessions: make(map[string]*domain.Session),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if cfg.CleanupInterval > 0 {
		go m.cleanupLoop(cfg.CleanupInterval)
	} else {
		close(m.done)
	}
	return m
}

func (m *Manager) now() time.Time { return m.nowF().UTC() }

// CreateOption configures CreateSession.
type CreateOption func(*domain.Session)

// WithMFAPending marks the session as awaiting a second factor.
func WithMFAPending(pending bool) CreateOption {
	return func(s *domain.Session) { s.Metadata.MFAPending = pending }
}

// WithAuthMethod records how the user authenticated.
func WithAuthMethod(method string) CreateOption {
	return func(s *domain.Session) { s.Metadata.Method = method }
}

// WithExtra attaches caller metadata.
func WithExtra(extra map[string]string) CreateOption {
	return func(s *domain.Session) {
		for k, v := range extra {
			if s.Metadata.Extra == nil {
				s.Metadata.Extra = make(map[string]string, len(extra))
			}
			s.Metadata.Extra[k] = v
		}
	}
}

// CreateSession opens a session for user on device, evicting the user's oldest sessions until
// one slot is free. The permission and clearance snapshot is taken from user.
func (m *Manager) CreateSession(ctx context.Context, user *userdomain.User, device domain.Device, opts ...CreateOption) (*domain.Session, error) {
	if user == nil || user.ID == "" {
		return nil, ErrUserRequired
	}
	id, err := security.RandomToken(idBytes)
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	if device.ID == "" {
		device.ID = uuid.NewString()
	}

	unlock := m.locks.lock("user|" + user.ID)
	defer unlock()

	m.evictOldest(ctx, user.ID)

	now := m.now()
	s := &domain.Session{
		ID:           id,
		UserID:       user.ID,
		DeviceID:     device.ID,
		IPAddress:    device.IPAddress,
		UserAgent:    device.UserAgent,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.cfg.TokenLifetime),
		LastActivity: now,
		Active:       true,
		Permissions:  append([]string(nil), user.Permissions...),
		Clearance:    user.Clearance,
		Metadata:     domain.Metadata{LastRotation: now},
	}
	if m.cfg.Fingerprinting {
		s.Metadata.Fingerprint = m.fingerprint(user.ID, device.Signature, user.Clearance)
	}
	for _, o := range opts {
		o(s)
	}

	if err := m.persist(ctx, s); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.record(ctx, auditdomain.EventSessionCreated, s, "", map[string]string{"device_id": s.DeviceID})
	return s.Clone(), nil
}

// evictOldest expires the user's invalid sessions, then removes the oldest valid ones until fewer
// than MaxConcurrent remain. Caller holds the user lock.
func (m *Manager) evictOldest(ctx context.Context, userID string) {
	m.mu.RLock()
	var ids []string
	for id, s := range m.sessions {
		if s.UserID == userID {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	now := m.now()
	var valid []*domain.Session
	for _, id := range ids {
		unlock := m.locks.lock(id)
		m.mu.RLock()
		s, ok := m.sessions[id]
		var snapshot *domain.Session
		reason := ""
		if ok {
			snapshot = s.Clone()
			reason = m.invalidReason(s, now)
		}
		m.mu.RUnlock()
		if ok && reason != "" {
			if err := m.remove(ctx, id, auditdomain.EventSessionExpired, reason); err != nil {
				m.logger.Warn("failed to expire session", zap.Error(err))
			}
		} else if ok {
			valid = append(valid, snapshot)
		}
		unlock()
	}
	if len(valid) < m.cfg.MaxConcurrent {
		return
	}
	sort.Slice(valid, func(i, j int) bool {
		if valid[i].CreatedAt.Equal(valid[j].CreatedAt) {
			return valid[i].ID < valid[j].ID
		}
		return valid[i].CreatedAt.Before(valid[j].CreatedAt)
	})
	for _, s := range valid[:len(valid)-m.cfg.MaxConcurrent+1] {
		unlock := m.locks.lock(s.ID)
		if err := m.remove(ctx, s.ID, auditdomain.EventSessionInvalidated, reasonEvicted); err != nil {
			m.logger.Warn("failed to evict session", zap.Error(err))
		}
		unlock()
	}
}

// ValidateSession returns the session if it is active, unexpired and not idle, and records the activity.
// An invalid session is expired and removed; the result is then (nil, nil), and stays so on repeat calls.
func (m *Manager) ValidateSession(ctx context.Context, id string) (*domain.Session, error) {
	if id == "" {
		return nil, nil
	}
	unlock := m.locks.lock(id)
	defer unlock()

	s, err := m.load(ctx, id)
	if err != nil || s == nil {
		return nil, err
	}
	now := m.now()
	if reason := m.invalidReason(s, now); reason != "" {
		m.remove(ctx, id, auditdomain.EventSessionExpired, reason)
		return nil, nil
	}
	m.mu.Lock()
	s.LastActivity = now
	snapshot := s.Clone()
	m.mu.Unlock()
	if err := m.persist(ctx, snapshot); err != nil {
		m.logger.Warn("failed to persist activity", zap.Error(err))
	}
	return snapshot, nil
}

// ValidateSessionFromDevice validates like ValidateSession and compares the device fingerprint.
// A mismatch raises a security alert but does not reject the session.
func (m *Manager) ValidateSessionFromDevice(ctx context.Context, id string, device domain.Device) (*domain.Session, error) {
	s, err := m.ValidateSession(ctx, id)
	if err != nil || s == nil {
		return s, err
	}
	if !m.cfg.Fingerprinting || s.Metadata.Fingerprint == "" {
		return s, nil
	}
	if !security.ConstantTimeEqual(s.Metadata.Fingerprint, m.fingerprint(s.UserID, device.Signature, s.Clearance)) {
		m.logger.Warn("device fingerprint mismatch", zap.String("user_id", s.UserID))
		m.record(ctx, auditdomain.EventSecurityAlert, s, "fingerprint_mismatch", map[string]string{
			"request_ip":         device.IPAddress,
			"request_user_agent": device.UserAgent,
		})
	}
	return s, nil
}

// RefreshOption configures RefreshSession.
type RefreshOption func(*domain.Session)

// WithSnapshot replaces the session's permission and clearance snapshot.
func WithSnapshot(permissions []string, clearance userdomain.Clearance) RefreshOption {
	return func(s *domain.Session) {
		s.Permissions = append([]string(nil), permissions...)
		s.Clearance = clearance
	}
}

// RefreshSession extends a valid session's expiry. When rotation is enabled and the interval has
// elapsed since the last rotation, the session moves to a new id and the old id is deleted; if the
// old id cannot be deleted the rotation is abandoned and the old session stays current.
// Returns ErrSessionNotFound when the session is unknown or no longer valid.
func (m *Manager) RefreshSession(ctx context.Context, id string, opts ...RefreshOption) (*domain.Session, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	now := m.now()
	if reason := m.invalidReason(s, now); reason != "" {
		m.remove(ctx, id, auditdomain.EventSessionExpired, reason)
		return nil, ErrSessionNotFound
	}

	m.mu.RLock()
	next := s.Clone()
	m.mu.RUnlock()
	for _, o := range opts {
		o(next)
	}
	next.ExpiresAt = now.Add(m.cfg.TokenLifetime)
	next.LastActivity = now

	if !m.cfg.RotationEnabled || now.Sub(next.Metadata.LastRotation) < m.cfg.RotationInterval {
		if err := m.persist(ctx, next); err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.sessions[id] = next
		m.mu.Unlock()
		return next.Clone(), nil
	}

	newID, err := security.RandomToken(idBytes)
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	next.ID = newID
	next.Metadata.PreviousID = id
	next.Metadata.LastRotation = now
	next.Metadata.RotationCount++
	if err := m.persist(ctx, next); err != nil {
		return nil, err
	}
	// The old id must be gone from the store before it is retired, or a later load would revive it.
	if err := m.store.Delete(ctx, id); err != nil {
		if derr := m.store.Delete(ctx, newID); derr != nil {
			m.logger.Warn("failed to roll back rotated session", zap.Error(derr))
		}
		return nil, fmt.Errorf("delete rotated session: %w", err)
	}
	m.mu.Lock()
	delete(m.sessions, id)
	m.sessions[newID] = next
	m.mu.Unlock()

	m.record(ctx, auditdomain.EventSessionCreated, next, "", map[string]string{"previous_id": id})
	old := s.Clone()
	m.record(ctx, auditdomain.EventSessionExpired, old, reasonRotated, map[string]string{"new_id": newID})
	return next.Clone(), nil
}

// MarkMFAVerified clears the MFA-pending flag of a valid session.
func (m *Manager) MarkMFAVerified(ctx context.Context, id string) (*domain.Session, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	now := m.now()
	if reason := m.invalidReason(s, now); reason != "" {
		m.remove(ctx, id, auditdomain.EventSessionExpired, reason)
		return nil, ErrSessionNotFound
	}
	m.mu.Lock()
	s.Metadata.MFAPending = false
	s.LastActivity = now
	snapshot := s.Clone()
	m.mu.Unlock()
	if err := m.persist(ctx, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// InvalidateSession removes the session. Unknown ids are not an error.
func (m *Manager) InvalidateSession(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	unlock := m.locks.lock(id)
	defer unlock()
	s, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if s == nil {
		return nil
	}
	return m.remove(ctx, id, auditdomain.EventSessionInvalidated, reasonLogout)
}

// InvalidateAllSessions removes every session of userID held in memory or in the store and returns the count.
func (m *Manager) InvalidateAllSessions(ctx context.Context, userID string) (int, error) {
	unlockUser := m.locks.lock("user|" + userID)
	defer unlockUser()

	ids := make(map[string]struct{})
	m.mu.RLock()
	for id, s := range m.sessions {
		if s.UserID == userID {
			ids[id] = struct{}{}
		}
	}
	m.mu.RUnlock()
	records, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	for _, r := range records {
		ids[r.ID] = struct{}{}
	}

	n := 0
	for id := range ids {
		unlock := m.locks.lock(id)
		if s, err := m.load(ctx, id); err == nil && s != nil {
			if err := m.remove(ctx, id, auditdomain.EventSessionInvalidated, reasonLogout); err != nil {
				unlock()
				return n, err
			}
			n++
		}
		unlock()
	}
	return n, nil
}

// GetUserSessions returns the user's currently valid sessions, oldest first. It does not modify state.
func (m *Manager) GetUserSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	now := m.now()
	m.mu.RLock()
	var out []*domain.Session
	for _, s := range m.sessions {
		if s.UserID == userID && m.invalidReason(s, now) == "" {
			out = append(out, s.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Sweep expires every invalid session and returns how many were removed.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.now()
	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		if m.invalidReason(s, now) != "" {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, id := range stale {
		unlock := m.locks.lock(id)
		m.mu.RLock()
		s := m.sessions[id]
		m.mu.RUnlock()
		if s != nil {
			if reason := m.invalidReason(s, m.now()); reason != "" {
				if m.remove(ctx, id, auditdomain.EventSessionExpired, reason) == nil {
					n++
				}
			}
		}
		unlock()
	}
	return n
}

func (m *Manager) cleanupLoop(interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if n := m.Sweep(context.Background()); n > 0 {
				m.logger.Info("swept sessions", zap.Int("count", n))
			}
		}
	}
}

// Restore reloads persisted sessions into memory. Expired and undecodable records are deleted from the store.
// Returns the number of sessions loaded.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	records, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	now := m.now()
	loaded := 0
	for _, r := range records {
		s, err := m.codec.decode(r)
		if err != nil {
			m.logger.Warn("dropping undecodable session", zap.Error(err))
			if err := m.store.Delete(ctx, r.ID); err != nil {
				m.logger.Warn("failed to delete session", zap.Error(err))
			}
			m.record(ctx, auditdomain.EventSessionExpired, &domain.Session{ID: r.ID, UserID: r.UserID}, reasonUndecodable, nil)
			continue
		}
		if reason := m.invalidReason(s, now); reason != "" {
			if err := m.store.Delete(ctx, r.ID); err != nil {
				m.logger.Warn("failed to delete session", zap.Error(err))
			}
			m.record(ctx, auditdomain.EventSessionExpired, s, reason, nil)
			continue
		}
		m.mu.Lock()
		m.sessions[s.ID] = s
		m.mu.Unlock()
		loaded++
	}
	if loaded > 0 {
		m.logger.Info("restored sessions", zap.Int("count", loaded))
	}
	return loaded, nil
}

// Stats summarizes the sessions held in memory.
func (m *Manager) Stats() domain.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var st domain.Stats
	users := make(map[string]struct{})
	for _, s := range m.sessions {
		st.Active++
		users[s.UserID] = struct{}{}
		if s.Metadata.MFAPending {
			st.MFAPending++
		}
		st.Rotations += s.Metadata.RotationCount
	}
	st.Users = len(users)
	return st
}

// HealthCheck reads from the store.
func (m *Manager) HealthCheck(ctx context.Context) error {
	_, err := m.store.Get(ctx, "health-check")
	return err
}

// Close stops the cleanup loop. Safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.stop) })
	<-m.done
}

// load returns the in-memory session, falling back to the store. Caller holds the id lock.
func (m *Manager) load(ctx context.Context, id string) (*domain.Session, error) {
	m.mu.RLock()
	s := m.sessions[id]
	m.mu.RUnlock()
	if s != nil {
		return s, nil
	}
	r, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if r == nil {
		return nil, nil
	}
	s, err = m.codec.decode(r)
	if err != nil {
		m.logger.Warn("dropping undecodable session", zap.Error(err))
		if err := m.store.Delete(ctx, id); err != nil {
			m.logger.Warn("failed to delete session", zap.Error(err))
		}
		return nil, nil
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s, nil
}

// remove deletes the session from the store and memory and records typ. Caller holds the id lock.
func (m *Manager) remove(ctx context.Context, id string, typ auditdomain.EventType, reason string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		m.logger.Warn("failed to delete session", zap.Error(err))
		return fmt.Errorf("delete session: %w", err)
	}
	m.mu.Lock()
	s := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if s == nil {
		s = &domain.Session{ID: id}
	}
	m.record(ctx, typ, s, reason, nil)
	return nil
}

func (m *Manager) persist(ctx context.Context, s *domain.Session) error {
	r, err := m.codec.encode(s)
	if err != nil {
		return err
	}
	if err := m.store.Put(ctx, r); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (m *Manager) invalidReason(s *domain.Session, now time.Time) string {
	switch {
	case !s.Active:
		return reasonInactive
	case !now.Before(s.ExpiresAt):
		return reasonExpired
	case now.Sub(s.LastActivity) > m.cfg.IdleTimeout:
		return reasonIdle
	}
	return ""
}

func (m *Manager) fingerprint(userID, signature string, c userdomain.Clearance) string {
	return security.Digest(userID, signature, c.String())
}

func (m *Manager) record(ctx context.Context, typ auditdomain.EventType, s *domain.Session, reason string, meta map[string]string) {
	if m.recorder == nil {
		return
	}
	m.recorder.Record(ctx, &auditdomain.Event{
		Type:      typ,
		UserID:    s.UserID,
		SessionID: s.ID,
		IPAddress: s.IPAddress,
		UserAgent: s.UserAgent,
		Method:    s.Metadata.Method,
		Success:   typ == auditdomain.EventSessionCreated,
		Reason:    reason,
		Clearance: s.Clearance,
		Metadata:  meta,
	})
}
