package policy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Source looks up the active policy for a caller. A nil policy with a nil error
// means the caller has none.
type Source interface {
	ActivePolicy(ctx context.Context, callerID string) (*Policy, error)
}

// Chain consults sources in order and returns the first enabled policy found.
type Chain []Source

func (c Chain) ActivePolicy(ctx context.Context, callerID string) (*Policy, error) {
	for _, s := range c {
		p, err := s.ActivePolicy(ctx, callerID)
		if err != nil {
			return nil, err
		}
		if p != nil && p.Enabled {
			return p, nil
		}
	}
	return nil, nil
}

// Cache holds per-caller policy snapshots.
//
// Stale-while-revalidate: once an entry's refresh interval passes, Get keeps
// returning the old snapshot and one background goroutine reloads it. The
// snapshot pointer is swapped atomically, so readers never see a partially
// updated policy.
type Cache struct {
	source   Source
	interval time.Duration
	fallback *Policy
	logger   *zap.Logger
	entries  sync.Map // callerID -> *cacheEntry
}

type cacheEntry struct {
	policy     atomic.Pointer[Policy]
	expiresAt  atomic.Int64 // unix nanos
	refreshing atomic.Bool
}

// NewCache wraps source. Callers without an enabled policy get fallback,
// usually Default().
func NewCache(source Source, interval time.Duration, fallback *Policy, logger *zap.Logger) *Cache {
	if fallback == nil {
		fallback = Default()
	}
	return &Cache{source: source, interval: interval, fallback: fallback, logger: logger}
}

// Get returns the caller's snapshot. A cold miss loads synchronously; a failed
// cold load is returned as an error so the request fails closed.
func (c *Cache) Get(ctx context.Context, callerID string) (*Policy, error) {
	if val, ok := c.entries.Load(callerID); ok {
		e := val.(*cacheEntry)
		p := e.policy.Load()
		if time.Now().UnixNano() >= e.expiresAt.Load() && e.refreshing.CompareAndSwap(false, true) {
			go c.refresh(callerID, e)
		}
		return p, nil
	}

	p, err := c.load(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("policy.Cache.Get: %w", err)
	}
	e := &cacheEntry{}
	e.policy.Store(p)
	e.expiresAt.Store(time.Now().Add(c.interval).UnixNano())
	if existing, loaded := c.entries.LoadOrStore(callerID, e); loaded {
		return existing.(*cacheEntry).policy.Load(), nil
	}
	return p, nil
}

// Invalidate drops a caller's snapshot so the next Get reloads it.
func (c *Cache) Invalidate(callerID string) {
	c.entries.Delete(callerID)
}

func (c *Cache) load(ctx context.Context, callerID string) (*Policy, error) {
	if c.source == nil {
		return c.fallback, nil
	}
	p, err := c.source.ActivePolicy(ctx, callerID)
	if err != nil {
		return nil, err
	}
	// A disabled policy counts as none so the fallback still applies.
	if p == nil || !p.Enabled {
		return c.fallback, nil
	}
	return p, nil
}

func (c *Cache) refresh(callerID string, e *cacheEntry) {
	defer e.refreshing.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := c.load(ctx, callerID)
	if err != nil {
		// Keep serving the previous snapshot; retry after another interval.
		c.logger.Warn("policy refresh failed, serving stale snapshot",
			zap.String("caller_id", callerID),
			zap.Error(err),
		)
		e.expiresAt.Store(time.Now().Add(c.interval).UnixNano())
		return
	}
	e.policy.Store(p)
	e.expiresAt.Store(time.Now().Add(c.interval).UnixNano())
}
