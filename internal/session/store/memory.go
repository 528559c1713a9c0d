package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps records in process. Sessions do not survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Put(ctx context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = cloneRecord(r)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRecord(s.records[id]), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// ListByUser returns the user's records ordered by expiry.
func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.records {
		if r.UserID == userID {
			out = append(out, cloneRecord(r))
		}
	}
	sortByExpiry(out)
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, cloneRecord(r))
	}
	sortByExpiry(out)
	return out, nil
}

func sortByExpiry(rs []*Record) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].ExpiresAt.Equal(rs[j].ExpiresAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].ExpiresAt.Before(rs[j].ExpiresAt)
	})
}
