// Package health tracks per-upstream consecutive request/probe failures
// so a QUIC transport can drop a connection that keeps failing and
// reconnect instead of continuing to use it. Adapted from the teacher's
// go-cache-backed session table: the same "TTL entry refreshed on every
// access" shape, repurposed from a live per-session store into a
// short-lived failure memo.
package health

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Tracker remembers recent connection outcomes per remote address key.
type Tracker struct {
	store *cache.Cache
	mu    sync.Mutex
}

// NewTracker builds a Tracker whose failure entries expire after ttl,
// swept every 2*ttl — mirroring the teacher's 5m/10m expiration-to-cleanup
// ratio in SessionManager.
func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Tracker{store: cache.New(ttl, 2*ttl)}
}

type entry struct {
	consecutiveFailures int
	lastSeen            time.Time
}

// MarkFailure records a failed request or keep-alive probe against key.
func (t *Tracker) MarkFailure(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.get(key)
	e.consecutiveFailures++
	e.lastSeen = time.Now()
	t.store.SetDefault(key, e)
}

// MarkSuccess clears any recorded failures for key.
func (t *Tracker) MarkSuccess(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store.Delete(key)
}

// Healthy reports whether key has failed fewer than maxFailures times
// within the tracker's TTL window.
func (t *Tracker) Healthy(key string, maxFailures int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	val, found := t.store.Get(key)
	if !found {
		return true
	}
	return val.(entry).consecutiveFailures < maxFailures
}

func (t *Tracker) get(key string) entry {
	if val, found := t.store.Get(key); found {
		return val.(entry)
	}
	return entry{}
}
