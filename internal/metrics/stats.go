// Package metrics holds the gateway's process-wide counters. They live for the
// life of the process and are cleared only by an explicit Reset.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/triage-ai/palisade-gateway/internal/engine"
)

const namespace = "gateway"

// Stats owns a private prometheus registry. All methods are safe on a nil
// receiver so components can run without metrics in tests.
type Stats struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	blocks           *prometheus.CounterVec
	findings         *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
	providerAttempts *prometheus.CounterVec
	recorderDrops    *prometheus.CounterVec
	cost             *prometheus.CounterVec
	stageLatency     *prometheus.HistogramVec
	vectors          []interface{ Reset() }

	mu        sync.Mutex
	startedAt time.Time
	resetAt   time.Time
}

// New registers the gateway collectors plus the Go runtime and process
// collectors on a fresh registry.
func New() *Stats {
	s := &Stats{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_total",
			Help: "Requests handled, by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "blocks_total",
			Help: "Security blocks, by stage.",
		}, []string{"stage"}),
		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "findings_total",
			Help: "Detector findings, by kind.",
		}, []string{"kind"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_total",
			Help: "Requests rejected by the rate limiter, by endpoint.",
		}, []string{"endpoint"}),
		providerAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "provider_attempts_total",
			Help: "Provider call attempts, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		recorderDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "recorder_dropped_total",
			Help: "Trace records dropped by the recorder.",
		}, nil),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cost_usd_total",
			Help: "Estimated provider spend in USD, by provider.",
		}, []string{"provider"}),
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "stage_duration_seconds",
			Help:    "Orchestrator stage latency.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		startedAt: time.Now().UTC(),
	}
	s.vectors = []interface{ Reset() }{
		s.requests, s.blocks, s.findings, s.rateLimited,
		s.providerAttempts, s.recorderDrops, s.cost, s.stageLatency,
	}
	s.registry.MustRegister(
		s.requests, s.blocks, s.findings, s.rateLimited,
		s.providerAttempts, s.recorderDrops, s.cost, s.stageLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

// Handler serves the registry in the prometheus exposition format.
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func (s *Stats) ObserveRequest(endpoint, outcome string) {
	if s == nil {
		return
	}
	s.requests.WithLabelValues(endpoint, outcome).Inc()
}

func (s *Stats) ObserveBlock(stage string) {
	if s == nil {
		return
	}
	s.blocks.WithLabelValues(stage).Inc()
}

func (s *Stats) ObserveFindings(findings []engine.Finding) {
	if s == nil {
		return
	}
	for _, f := range findings {
		s.findings.WithLabelValues(string(f.Kind)).Inc()
	}
}

func (s *Stats) ObserveRateLimited(endpoint string) {
	if s == nil {
		return
	}
	s.rateLimited.WithLabelValues(endpoint).Inc()
}

func (s *Stats) ObserveProviderAttempt(provider, outcome string) {
	if s == nil {
		return
	}
	s.providerAttempts.WithLabelValues(provider, outcome).Inc()
}

// ObserveRecorderDrop matches tracing.RecorderConfig.OnDrop.
func (s *Stats) ObserveRecorderDrop() {
	if s == nil {
		return
	}
	s.recorderDrops.WithLabelValues().Inc()
}

func (s *Stats) ObserveCost(provider string, usd float64) {
	if s == nil || usd <= 0 {
		return
	}
	s.cost.WithLabelValues(provider).Add(usd)
}

func (s *Stats) ObserveStage(stage string, d time.Duration) {
	if s == nil {
		return
	}
	s.stageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

// Reset zeroes every gateway counter. Runtime collectors are untouched.
func (s *Stats) Reset() {
	if s == nil {
		return
	}
	for _, v := range s.vectors {
		v.Reset()
	}
	s.mu.Lock()
	s.resetAt = time.Now().UTC()
	s.mu.Unlock()
}

// Snapshot is the read-only JSON view served to the dashboard.
type Snapshot struct {
	StartedAt time.Time                     `json:"started_at"`
	ResetAt   *time.Time                    `json:"reset_at,omitempty"`
	Counters  map[string]map[string]float64 `json:"counters"`
	Stages    map[string]StageLatency       `json:"stages"`
}

// StageLatency summarizes one stage histogram.
type StageLatency struct {
	Count  uint64  `json:"count"`
	MeanMS float64 `json:"mean_ms"`
}

// Snapshot gathers the gateway families. Counter series are keyed by their
// label values joined with "/"; an unlabelled series uses "total".
func (s *Stats) Snapshot() (Snapshot, error) {
	snap := Snapshot{
		Counters: map[string]map[string]float64{},
		Stages:   map[string]StageLatency{},
	}
	if s == nil {
		return snap, nil
	}
	s.mu.Lock()
	snap.StartedAt = s.startedAt
	if !s.resetAt.IsZero() {
		at := s.resetAt
		snap.ResetAt = &at
	}
	s.mu.Unlock()

	families, err := s.registry.Gather()
	if err != nil {
		return snap, err
	}
	for _, mf := range families {
		name := strings.TrimPrefix(mf.GetName(), namespace+"_")
		if name == mf.GetName() {
			continue
		}
		for _, m := range mf.GetMetric() {
			values := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				values = append(values, lp.GetValue())
			}
			key := strings.Join(values, "/")
			if key == "" {
				key = "total"
			}
			if h := m.GetHistogram(); h != nil {
				lat := StageLatency{Count: h.GetSampleCount()}
				if lat.Count > 0 {
					lat.MeanMS = h.GetSampleSum() * 1000 / float64(lat.Count)
				}
				snap.Stages[key] = lat
				continue
			}
			if snap.Counters[name] == nil {
				snap.Counters[name] = map[string]float64{}
			}
			snap.Counters[name][key] = m.GetCounter().GetValue()
		}
	}
	return snap, nil
}
