package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key written by RedisStore.
const DefaultRedisPrefix = "auth:"

// RedisStore keeps each record in a hash that expires with the session, plus a per-user index set.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore connects to addr. Call Close when done.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStoreWithClient(client, DefaultRedisPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) sessionKey(id string) string  { return s.prefix + "session:" + id }
func (s *RedisStore) userKey(userID string) string { return s.prefix + "user:" + userID }

// Put writes the record with an absolute expiry at r.ExpiresAt. An already expired record is deleted.
func (s *RedisStore) Put(ctx context.Context, r *Record) error {
	if !r.ExpiresAt.After(time.Now()) {
		return s.Delete(ctx, r.ID)
	}
	key := s.sessionKey(r.ID)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, map[string]any{
			"user_id":    r.UserID,
			"expires_at": strconv.FormatInt(r.ExpiresAt.UnixNano(), 10),
			"payload":    r.Payload,
		})
		p.ExpireAt(ctx, key, r.ExpiresAt)
		p.SAdd(ctx, s.userKey(r.UserID), r.ID)
		return nil
	})
	return err
}

// Get returns the record for id, or nil if not found or expired.
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeHash(id, fields)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	key := s.sessionKey(id)
	userID, err := s.client.HGet(ctx, key, "user_id").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		if userID != "" {
			p.SRem(ctx, s.userKey(userID), id)
		}
		return nil
	})
	return err
}

// ListByUser returns the user's records ordered by expiry. Index entries whose hash expired are removed.
func (s *RedisStore) ListByUser(ctx context.Context, userID string) ([]*Record, error) {
	ids, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	var out []*Record
	var stale []any
	for _, id := range ids {
		r, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if r == nil {
			stale = append(stale, id)
			continue
		}
		out = append(out, r)
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, s.userKey(userID), stale...).Err(); err != nil {
			return nil, err
		}
	}
	sortByExpiry(out)
	return out, nil
}

// List scans every session hash under the prefix.
func (s *RedisStore) List(ctx context.Context) ([]*Record, error) {
	var out []*Record
	match := s.sessionKey("*")
	iter := s.client.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		id := iter.Val()[len(s.sessionKey("")):]
		r, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if r != nil {
			out = append(out, r)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sortByExpiry(out)
	return out, nil
}

// Ping reports whether the server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeHash(id string, fields map[string]string) (*Record, error) {
	ns, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("session %s: bad expires_at: %w", id, err)
	}
	return &Record{
		ID:        id,
		UserID:    fields["user_id"],
		ExpiresAt: time.Unix(0, ns).UTC(),
		Payload:   []byte(fields["payload"]),
	}, nil
}
