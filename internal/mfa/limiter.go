package mfa

import (
	"time"

	"golang.org/x/time/rate"

	"enterprise-auth/backend/internal/cache"
)

const limiterIdleTTL = 10 * time.Minute

// attemptLimiter throttles verification attempts per user with a token bucket that refills
// perMinute tokens each minute. Idle buckets expire.
type attemptLimiter struct {
	perMinute int
	now       func() time.Time
	buckets   *cache.TTLMap[*rate.Limiter]
}

func newAttemptLimiter(perMinute int, now func() time.Time) *attemptLimiter {
	l := &attemptLimiter{perMinute: perMinute, now: now, buckets: cache.NewTTLMap[*rate.Limiter]()}
	l.buckets.StartCleanup(limiterIdleTTL, nil)
	return l
}

func (l *attemptLimiter) allow(userID string) bool {
	b, ok := l.buckets.Get(userID)
	if !ok {
		fresh := rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)
		if l.buckets.PutIfAbsent(userID, fresh, limiterIdleTTL) {
			b = fresh
		} else if b, ok = l.buckets.Get(userID); !ok {
			b = fresh
		}
	}
	return b.AllowN(l.now(), 1)
}

func (l *attemptLimiter) close() { l.buckets.Close() }

// usedCodes remembers accepted codes until they expire.
type usedCodes struct {
	m *cache.TTLMap[struct{}]
}

func newUsedCodes(now func() time.Time) *usedCodes {
	m := cache.NewTTLMap[struct{}]()
	m.SetClock(now)
	m.StartCleanup(5*time.Minute, nil)
	return &usedCodes{m: m}
}

// markUsed records key and reports false if it was already recorded.
func (u *usedCodes) markUsed(key string, ttl time.Duration) bool {
	return u.m.PutIfAbsent(key, struct{}{}, ttl)
}

func (u *usedCodes) close() { u.m.Close() }
