// Package store persists encoded sessions. The session manager is the only writer; stores treat
// the payload as opaque bytes, which may be sealed.
package store

import (
	"context"
	"time"
)

// Record is one persisted session.
type Record struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	Payload   []byte
}

// Store is the session persistence contract.
// Get returns (nil, nil) when the id is unknown. Delete of an unknown id is not an error.
type Store interface {
	Put(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Delete(ctx context.Context, id string) error
	ListByUser(ctx context.Context, userID string) ([]*Record, error)
	// List returns every record; used to reload sessions on start.
	List(ctx context.Context) ([]*Record, error)
}

func cloneRecord(r *Record) *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = append([]byte(nil), r.Payload...)
	return &c
}
