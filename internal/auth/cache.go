package auth

import (
	"crypto/sha256"
	"sync"
	"sync/atomic"
	"time"
)

// sweepEvery is how many Sets pass between opportunistic sweeps.
const sweepEvery = 1024

// AuthCache keeps authenticated principals for a TTL, keyed by the SHA-256 of
// the API key so raw secrets are never held in memory past the request.
//
// Stale-while-revalidate: an expired entry is still served, and exactly one
// reader per expiry is told to refresh it in the background. Entries stale for
// longer than maxStale are dropped by Sweep.
type AuthCache struct {
	entries  sync.Map // [sha256.Size]byte -> *cacheEntry
	ttl      time.Duration
	maxStale time.Duration
	sets     atomic.Uint64
	now      func() time.Time
}

type cacheEntry struct {
	principal  *Principal
	expiresAt  time.Time
	refreshing atomic.Bool
}

// NewAuthCache creates a cache with the given TTL. Entries are evicted once
// they have been stale for ten TTLs.
func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl, maxStale: 10 * ttl, now: time.Now}
}

// GetResult is a cache lookup. A miss has Hit false and a nil Principal.
type GetResult struct {
	Principal *Principal
	Hit       bool
	// NeedsRefresh is set for exactly one reader of an expired entry.
	NeedsRefresh bool
}

func digest(apiKey string) [sha256.Size]byte { return sha256.Sum256([]byte(apiKey)) }

// Get looks up apiKey.
func (c *AuthCache) Get(apiKey string) GetResult {
	val, ok := c.entries.Load(digest(apiKey))
	if !ok {
		return GetResult{}
	}
	e := val.(*cacheEntry)
	if c.now().Before(e.expiresAt) {
		return GetResult{Principal: e.principal, Hit: true}
	}
	return GetResult{
		Principal:    e.principal,
		Hit:          true,
		NeedsRefresh: e.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores a fresh principal for apiKey.
func (c *AuthCache) Set(apiKey string, p *Principal) {
	c.entries.Store(digest(apiKey), &cacheEntry{principal: p, expiresAt: c.now().Add(c.ttl)})
	if c.sets.Add(1)%sweepEvery == 0 {
		c.Sweep()
	}
}

// Delete drops apiKey.
func (c *AuthCache) Delete(apiKey string) {
	c.entries.Delete(digest(apiKey))
}

// Sweep evicts entries that have been stale longer than maxStale and returns
// how many it removed. Entries being refreshed are kept.
func (c *AuthCache) Sweep() int {
	cutoff := c.now().Add(-c.maxStale)
	n := 0
	c.entries.Range(func(k, v any) bool {
		e := v.(*cacheEntry)
		if e.expiresAt.Before(cutoff) && !e.refreshing.Load() {
			c.entries.Delete(k)
			n++
		}
		return true
	})
	return n
}

// Len counts cached keys.
func (c *AuthCache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool { n++; return true })
	return n
}
