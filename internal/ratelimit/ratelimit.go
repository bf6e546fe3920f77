// Package ratelimit enforces per-caller request quotas over sliding minute and
// hour windows.
package ratelimit

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Limits is a caller's quota. A non-positive value disables that window.
type Limits struct {
	PerMinute int `yaml:"per_minute" json:"per_minute"`
	PerHour   int `yaml:"per_hour" json:"per_hour"`
}

// DefaultLimits applies to callers without an override.
var DefaultLimits = Limits{PerMinute: 60, PerHour: 1000}

func (l Limits) longest() time.Duration {
	if l.PerHour > 0 {
		return time.Hour
	}
	return time.Minute
}

// Decision is the outcome of one admission check. Limit, Remaining and Reset
// describe the binding window: the one that rejected the request, or the one
// with the fewest requests left.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// Limiter holds one bucket per caller.
//
// Each bucket is an exact sliding log of admission times guarded by its own
// mutex, so check-and-record is atomic per caller while different callers
// never contend.
type Limiter struct {
	mu        sync.RWMutex
	buckets   map[string]*bucket
	defaults  Limits
	overrides map[string]Limits
	now       func() time.Time
}

type bucket struct {
	mu       sync.Mutex
	log      []time.Time // admission times, oldest first
	lastSeen time.Time
	// evicted is set by Sweep once the bucket left the map. A caller holding
	// a stale pointer must fetch the live bucket instead.
	evicted bool
}

// New creates a limiter. overrides maps caller ids to their own limits.
func New(defaults Limits, overrides map[string]Limits) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	l.Configure(defaults, overrides)
	return l
}

// Configure replaces the limits. Existing buckets keep their history.
func (l *Limiter) Configure(defaults Limits, overrides map[string]Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.defaults = defaults
	l.overrides = make(map[string]Limits, len(overrides))
	for caller, lim := range overrides {
		l.overrides[caller] = lim
	}
}

// LimitsFor returns the limits that apply to callerID.
func (l *Limiter) LimitsFor(callerID string) Limits {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lim, ok := l.overrides[callerID]; ok {
		return lim
	}
	return l.defaults
}

// Allow admits or rejects one request from callerID and records it if admitted.
func (l *Limiter) Allow(callerID string) Decision {
	lim := l.LimitsFor(callerID)
	if lim.PerMinute <= 0 && lim.PerHour <= 0 {
		return Decision{Allowed: true, Limit: -1, Remaining: -1}
	}
	b := l.lockBucket(callerID)
	defer b.mu.Unlock()

	now := l.now()
	b.lastSeen = now
	b.prune(now, lim.longest())

	windows := []struct {
		size  time.Duration
		limit int
	}{
		{time.Minute, lim.PerMinute},
		{time.Hour, lim.PerHour},
	}

	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		in := b.since(now.Add(-w.size))
		if len(in) >= w.limit {
			// The oldest request that still counts toward the limit has to
			// age out before another one fits.
			reset := in[len(in)-w.limit].Add(w.size)
			return Decision{
				Allowed:    false,
				Limit:      w.limit,
				Remaining:  0,
				Reset:      reset,
				RetryAfter: reset.Sub(now),
			}
		}
	}

	b.log = append(b.log, now)

	d := Decision{Allowed: true, Remaining: -1}
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		in := b.since(now.Add(-w.size))
		remaining := w.limit - len(in)
		if d.Remaining < 0 || remaining < d.Remaining {
			d.Limit = w.limit
			d.Remaining = remaining
			d.Reset = in[0].Add(w.size)
		}
	}
	return d
}

// Sweep evicts buckets that have been idle for longer than their longest
// window and returns how many were removed.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for caller, b := range l.buckets {
		window := l.defaults.longest()
		if lim, ok := l.overrides[caller]; ok {
			window = lim.longest()
		}
		b.mu.Lock()
		if now.Sub(b.lastSeen) > window {
			b.evicted = true
			delete(l.buckets, caller)
			evicted++
		}
		b.mu.Unlock()
	}
	return evicted
}

// Run sweeps idle buckets every interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Len returns the number of tracked callers.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

func (l *Limiter) bucket(callerID string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[callerID]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[callerID]; ok {
		return b
	}
	b = &bucket{lastSeen: l.now()}
	l.buckets[callerID] = b
	return b
}

// lockBucket returns callerID's live bucket with its mutex held.
func (l *Limiter) lockBucket(callerID string) *bucket {
	for {
		b := l.bucket(callerID)
		b.mu.Lock()
		if !b.evicted {
			return b
		}
		b.mu.Unlock()
	}
}

// prune drops entries older than window.
func (b *bucket) prune(now time.Time, window time.Duration) {
	cut := b.firstAfter(now.Add(-window))
	if cut == 0 {
		return
	}
	n := copy(b.log, b.log[cut:])
	b.log = b.log[:n]
}

// since returns the log entries strictly after t.
func (b *bucket) since(t time.Time) []time.Time {
	return b.log[b.firstAfter(t):]
}

func (b *bucket) firstAfter(t time.Time) int {
	return sort.Search(len(b.log), func(i int) bool { return b.log[i].After(t) })
}

// WriteHeaders adds rate limit status headers to the response. Unlimited
// decisions write nothing.
func WriteHeaders(w http.ResponseWriter, d Decision) {
	if d.Limit < 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		secs := int(d.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
}
