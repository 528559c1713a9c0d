// Package cache provides an owned, TTL-bounded map used for single-use protocol state
// (PKCE verifiers, nonces, out-of-band codes) and for memoized decisions.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLMap is a string-keyed map whose entries expire. Expired entries are never returned and
// are removed lazily on access or by Sweep. Safe for concurrent use.
type TTLMap[V any] struct {
	mu   sync.RWMutex
	m    map[string]entry[V]
	nowF func() time.Time

	loopOnce  sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewTTLMap returns an empty map. Call StartCleanup to sweep periodically and Close to stop it.
func NewTTLMap[V any]() *TTLMap[V] {
	return &TTLMap[V]{
		m:    make(map[string]entry[V]),
		nowF: time.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// SetClock replaces the time source. Intended for tests.
func (c *TTLMap[V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nowF = now
}

// Put stores value under key for ttl.
func (c *TTLMap[V]) Put(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = entry[V]{value: value, expiresAt: c.nowF().Add(ttl)}
}

// PutIfAbsent stores value only when key has no live entry and reports whether it did.
func (c *TTLMap[V]) PutIfAbsent(key string, value V, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowF()
	if e, ok := c.m[key]; ok && e.expiresAt.After(now) {
		return false
	}
	c.m[key] = entry[V]{value: value, expiresAt: now.Add(ttl)}
	return true
}

// Get returns the value for key if present and not expired.
func (c *TTLMap[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.m[key]
	now := c.nowF()
	c.mu.RUnlock()
	if !ok {
		var zero V
		return zero, false
	}
	if !e.expiresAt.After(now) {
		c.mu.Lock()
		if cur, still := c.m[key]; still && !cur.expiresAt.After(c.nowF()) {
			delete(c.m, key)
		}
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	return e.value, true
}

// Take returns the value for key and removes it in the same critical section,
// so at most one caller ever receives a given entry.
func (c *TTLMap[V]) Take(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok {
		var zero V
		return zero, false
	}
	delete(c.m, key)
	if !e.expiresAt.After(c.nowF()) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes key.
func (c *TTLMap[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
}

// DeleteFunc removes every entry for which match returns true and returns how many were removed.
func (c *TTLMap[V]) DeleteFunc(match func(key string, value V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.m {
		if match(k, e.value) {
			delete(c.m, k)
			n++
		}
	}
	return n
}

// Purge removes every entry.
func (c *TTLMap[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.m)
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *TTLMap[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// Sweep removes expired entries and returns how many were removed.
// Keys are collected under the read lock and deleted under the write lock.
func (c *TTLMap[V]) Sweep() int {
	c.mu.RLock()
	now := c.nowF()
	var expired []string
	for k, e := range c.m {
		if !e.expiresAt.After(now) {
			expired = append(expired, k)
		}
	}
	c.mu.RUnlock()
	if len(expired) == 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now = c.nowF()
	n := 0
	for _, k := range expired {
		if e, ok := c.m[k]; ok && !e.expiresAt.After(now) {
			delete(c.m, k)
			n++
		}
	}
	return n
}

// StartCleanup runs Sweep every interval until Close. onSweep, if non-nil, receives the count
// removed on each tick. Calling it more than once has no effect.
func (c *TTLMap[V]) StartCleanup(interval time.Duration, onSweep func(removed int)) {
	c.loopOnce.Do(func() {
		go c.cleanupLoop(interval, onSweep)
	})
}

func (c *TTLMap[V]) cleanupLoop(interval time.Duration, onSweep func(int)) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			n := c.Sweep()
			if onSweep != nil {
				onSweep(n)
			}
		}
	}
}

// Close stops the cleanup loop, if running, and waits for it to exit. Safe to call multiple times.
func (c *TTLMap[V]) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		started := true
		c.loopOnce.Do(func() { started = false })
		if started {
			<-c.done
		}
	})
}
