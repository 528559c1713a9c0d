package manager

import (
	"encoding/json"
	"fmt"

	"enterprise-auth/backend/internal/security"
	"enterprise-auth/backend/internal/session/domain"
	"enterprise-auth/backend/internal/session/store"
)

// codec converts sessions to store records, sealing the payload when a sealer is set.
// The session id is bound as additional data so a payload cannot be replayed under another id.
type codec struct {
	sealer *security.Sealer
}

func (c codec) encode(s *domain.Session) (*store.Record, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	if c.sealer != nil {
		if payload, err = c.sealer.Seal(payload, []byte(s.ID)); err != nil {
			return nil, fmt.Errorf("seal session: %w", err)
		}
	}
	return &store.Record{ID: s.ID, UserID: s.UserID, ExpiresAt: s.ExpiresAt, Payload: payload}, nil
}

func (c codec) decode(r *store.Record) (*domain.Session, error) {
	payload := r.Payload
	if c.sealer != nil {
		var err error
		if payload, err = c.sealer.Open(payload, []byte(r.ID)); err != nil {
			return nil, fmt.Errorf("open session %s: %w", r.ID, err)
		}
	}
	var s domain.Session
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", r.ID, err)
	}
	if s.ID != r.ID {
		return nil, fmt.Errorf("decode session %s: id mismatch", r.ID)
	}
	return &s, nil
}
