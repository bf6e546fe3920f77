package auth

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock is advanced by hand so expiry tests never sleep.
type fakeClock struct{ ns atomic.Int64 }

func (f *fakeClock) now() time.Time          { return time.Unix(0, f.ns.Load()) }
func (f *fakeClock) advance(d time.Duration) { f.ns.Add(int64(d)) }

func newTestCache(ttl time.Duration) (*AuthCache, *fakeClock) {
	clk := &fakeClock{}
	clk.ns.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	c := NewAuthCache(ttl)
	c.now = clk.now
	return c, clk
}

func TestCache_FreshHit(t *testing.T) {
	cache, _ := newTestCache(time.Minute)
	cache.Set("gwk_abc123", &Principal{CallerID: "caller_1", Scopes: DefaultScopes})

	r := cache.Get("gwk_abc123")
	require.True(t, r.Hit)
	require.False(t, r.NeedsRefresh)
	require.Equal(t, "caller_1", r.Principal.CallerID)
}

func TestCache_Miss(t *testing.T) {
	cache, _ := newTestCache(time.Minute)
	require.Equal(t, GetResult{}, cache.Get("gwk_nonexistent"))
}

func TestCache_StaleHit_OnlyOneRefreshSignal(t *testing.T) {
	cache, clk := newTestCache(time.Second)
	cache.Set("gwk_abc123", &Principal{CallerID: "caller_1"})
	clk.advance(2 * time.Second)

	r1 := cache.Get("gwk_abc123")
	require.True(t, r1.Hit)
	require.True(t, r1.NeedsRefresh)

	r2 := cache.Get("gwk_abc123")
	require.True(t, r2.Hit)
	require.False(t, r2.NeedsRefresh, "refresh already in progress")
	require.Equal(t, "caller_1", r2.Principal.CallerID)
}

func TestCache_SetAfterStale_ResetsFreshness(t *testing.T) {
	cache, clk := newTestCache(time.Second)
	cache.Set("gwk_abc123", &Principal{CallerID: "caller_1"})
	clk.advance(2 * time.Second)
	require.True(t, cache.Get("gwk_abc123").NeedsRefresh)

	cache.Set("gwk_abc123", &Principal{CallerID: "caller_1", Scopes: []Scope{ScopeAdmin}})

	r := cache.Get("gwk_abc123")
	require.False(t, r.NeedsRefresh)
	require.True(t, r.Principal.Has(ScopeAdmin))
}

func TestCache_Delete(t *testing.T) {
	cache, _ := newTestCache(time.Minute)
	cache.Set("gwk_abc123", &Principal{CallerID: "caller_1"})
	cache.Delete("gwk_abc123")
	require.False(t, cache.Get("gwk_abc123").Hit)
}

func TestCache_SweepEvictsLongStale(t *testing.T) {
	cache, clk := newTestCache(time.Second)
	cache.Set("gwk_old", &Principal{CallerID: "old"})
	cache.Set("gwk_refreshing", &Principal{CallerID: "busy"})
	clk.advance(5 * time.Second)
	cache.Set("gwk_recent", &Principal{CallerID: "recent"})
	clk.advance(7 * time.Second)

	// Claim the refresh so the entry is pinned.
	require.True(t, cache.Get("gwk_refreshing").NeedsRefresh)

	require.Equal(t, 1, cache.Sweep())
	require.False(t, cache.Get("gwk_old").Hit)
	require.True(t, cache.Get("gwk_refreshing").Hit)
	require.True(t, cache.Get("gwk_recent").Hit)
	require.Equal(t, 2, cache.Len())
}

func TestCache_ConcurrentStaleRefresh(t *testing.T) {
	cache, clk := newTestCache(time.Second)
	cache.Set("gwk_key", &Principal{CallerID: "caller_1"})
	clk.advance(2 * time.Second)

	var (
		wg      sync.WaitGroup
		refresh atomic.Int32
		misses  atomic.Int32
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := cache.Get("gwk_key")
			if !r.Hit {
				misses.Add(1)
			}
			if r.NeedsRefresh {
				refresh.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Zero(t, misses.Load())
	require.Equal(t, int32(1), refresh.Load())
}

func BenchmarkCache_Get_FreshHit(b *testing.B) {
	cache := NewAuthCache(5 * time.Minute)
	cache.Set("gwk_bench_key", &Principal{CallerID: "caller_bench", Scopes: DefaultScopes})

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if !cache.Get("gwk_bench_key").Hit {
				b.Fatal("expected hit")
			}
		}
	})
}
