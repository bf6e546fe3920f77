package ratelimit

import (
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(defaults Limits, overrides map[string]Limits) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := New(defaults, overrides)
	l.now = clock.Now
	return l, clock
}

func TestAllow_SixtyFirstRequestRejected(t *testing.T) {
	l, clock := newTestLimiter(Limits{PerMinute: 60, PerHour: 1000}, nil)

	for i := 0; i < 60; i++ {
		d := l.Allow("caller-a")
		require.True(t, d.Allowed, "request %d", i+1)
		require.Equal(t, 60, d.Limit)
		require.Equal(t, 59-i, d.Remaining)
		clock.Advance(500 * time.Millisecond)
	}

	d := l.Allow("caller-a")
	require.False(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)
	require.Equal(t, 60, d.Limit)
	// The first request was made 30s ago, so it ages out in 30s.
	require.Equal(t, 30*time.Second, d.RetryAfter)

	// Other callers are unaffected.
	require.True(t, l.Allow("caller-b").Allowed)
}

func TestAllow_WindowSlides(t *testing.T) {
	l, clock := newTestLimiter(Limits{PerMinute: 2}, nil)

	require.True(t, l.Allow("c").Allowed)
	clock.Advance(40 * time.Second)
	require.True(t, l.Allow("c").Allowed)
	require.False(t, l.Allow("c").Allowed)

	clock.Advance(21 * time.Second)
	require.True(t, l.Allow("c").Allowed, "first request aged out")
	require.False(t, l.Allow("c").Allowed)
}

func TestAllow_HourWindow(t *testing.T) {
	l, clock := newTestLimiter(Limits{PerMinute: 10, PerHour: 15}, nil)

	allowed := 0
	for i := 0; i < 30; i++ {
		if l.Allow("c").Allowed {
			allowed++
		}
		clock.Advance(10 * time.Second)
	}
	require.Equal(t, 15, allowed)

	d := l.Allow("c")
	require.False(t, d.Allowed)
	require.Equal(t, 15, d.Limit)
}

func TestAllow_RejectionsAreNotRecorded(t *testing.T) {
	l, clock := newTestLimiter(Limits{PerMinute: 1}, nil)
	require.True(t, l.Allow("c").Allowed)
	for i := 0; i < 5; i++ {
		require.False(t, l.Allow("c").Allowed)
	}
	clock.Advance(61 * time.Second)
	require.True(t, l.Allow("c").Allowed)
}

func TestAllow_Overrides(t *testing.T) {
	l, _ := newTestLimiter(Limits{PerMinute: 1}, map[string]Limits{
		"bulk":      {PerMinute: 3},
		"unlimited": {},
	})

	require.True(t, l.Allow("default").Allowed)
	require.False(t, l.Allow("default").Allowed)

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("bulk").Allowed)
	}
	require.False(t, l.Allow("bulk").Allowed)

	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("unlimited").Allowed)
	}
}

func TestAllow_ConcurrentSameCaller(t *testing.T) {
	l := New(Limits{PerMinute: 60}, nil)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared").Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(60), admitted.Load())
}

func TestSweep_EvictsIdleBuckets(t *testing.T) {
	l, clock := newTestLimiter(Limits{PerMinute: 5}, map[string]Limits{"long": {PerHour: 5}})
	l.Allow("short")
	l.Allow("long")
	require.Equal(t, 2, l.Len())

	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, l.Sweep())
	require.Equal(t, 1, l.Len())

	clock.Advance(time.Hour)
	require.Equal(t, 1, l.Sweep())
	require.Equal(t, 0, l.Len())
}

func TestAllow_RecordsIntoLiveBucketAfterEviction(t *testing.T) {
	l, clock := newTestLimiter(Limits{PerMinute: 2}, nil)
	l.Allow("c")
	stale := l.buckets["c"]
	clock.Advance(2 * time.Minute)

	// Evict the way Sweep does while an admission is waiting on the bucket.
	stale.mu.Lock()
	admitted := make(chan Decision)
	go func() { admitted <- l.Allow("c") }()
	time.Sleep(20 * time.Millisecond)
	l.mu.Lock()
	stale.evicted = true
	delete(l.buckets, "c")
	l.mu.Unlock()
	stale.mu.Unlock()

	require.True(t, (<-admitted).Allowed)
	live := l.buckets["c"]
	require.NotSame(t, stale, live)
	require.Len(t, live.log, 1)
	require.Len(t, stale.log, 1, "the evicted bucket is never written again")

	require.True(t, l.Allow("c").Allowed)
	require.False(t, l.Allow("c").Allowed)
}

func TestSweep_ConcurrentWithAllow(t *testing.T) {
	l, clock := newTestLimiter(Limits{PerMinute: 50}, nil)
	l.Allow("seed")
	clock.Advance(2 * time.Minute)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				l.Sweep()
			}
		}
	}()
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared").Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	close(stop)

	// The clock does not move, so no admitted bucket is idle and every
	// admission counts against the same window.
	require.Equal(t, int32(50), admitted.Load())
	require.False(t, l.Allow("shared").Allowed)
}

func TestWriteHeaders(t *testing.T) {
	reset := time.Unix(1_700_000_000, 0)

	rec := httptest.NewRecorder()
	WriteHeaders(rec, Decision{Allowed: true, Limit: 60, Remaining: 12, Reset: reset})
	require.Equal(t, "60", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "12", rec.Header().Get("X-RateLimit-Remaining"))
	require.Equal(t, "1700000000", rec.Header().Get("X-RateLimit-Reset"))
	require.Empty(t, rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	WriteHeaders(rec, Decision{Allowed: false, Limit: 60, Reset: reset, RetryAfter: 200 * time.Millisecond})
	require.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	WriteHeaders(rec, Decision{Allowed: true, Limit: -1, Remaining: -1})
	require.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func BenchmarkAllow(b *testing.B) {
	l := New(Limits{PerMinute: 1 << 30}, nil)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			l.Allow("bench")
		}
	})
}
