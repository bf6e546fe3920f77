package storage

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade-gateway/internal/tracing"
)

// MemorySink keeps the most recent traces and their spans in process. It backs
// trace lookup when no ClickHouse is configured.
type MemorySink struct {
	mu     sync.RWMutex
	limit  int
	order  []string // trace ids, oldest first
	traces map[string]tracing.Trace
	spans  map[string][]tracing.Span
}

// NewMemorySink keeps up to limit traces.
func NewMemorySink(limit int) *MemorySink {
	if limit <= 0 {
		limit = 1000
	}
	return &MemorySink{
		limit:  limit,
		traces: make(map[string]tracing.Trace),
		spans:  make(map[string][]tracing.Span),
	}
}

func (m *MemorySink) WriteSpans(_ context.Context, spans []tracing.Span) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range spans {
		m.spans[s.TraceID] = append(m.spans[s.TraceID], s)
	}
	return nil
}

func (m *MemorySink) WriteTraces(_ context.Context, traces []tracing.Trace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range traces {
		if _, ok := m.traces[t.ID]; !ok {
			m.order = append(m.order, t.ID)
		}
		m.traces[t.ID] = t
	}
	for len(m.order) > m.limit {
		evict := m.order[0]
		m.order = m.order[1:]
		delete(m.traces, evict)
		delete(m.spans, evict)
	}
	return nil
}

func (m *MemorySink) Close() error { return nil }

func (m *MemorySink) GetTrace(_ context.Context, traceID string) (*tracing.Trace, []tracing.Span, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.traces[traceID]
	if !ok {
		return nil, nil, tracing.ErrTraceNotFound
	}
	spans := append([]tracing.Span(nil), m.spans[traceID]...)
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].StartedAt.Before(spans[j].StartedAt) })
	return &t, spans, nil
}

func (m *MemorySink) ListTraces(_ context.Context, p tracing.ListParams) ([]tracing.Trace, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []tracing.Trace
	for i := len(m.order) - 1; i >= 0; i-- {
		t := m.traces[m.order[i]]
		if p.CallerID != "" && t.CallerID != p.CallerID {
			continue
		}
		if p.Status != "" && t.Status != p.Status {
			continue
		}
		if p.StartTime != nil && t.StartedAt.Before(*p.StartTime) {
			continue
		}
		if p.EndTime != nil && t.StartedAt.After(*p.EndTime) {
			continue
		}
		matched = append(matched, t)
	}
	total := len(matched)
	page, size := normalizePage(p.Page, p.PageSize)
	start := (page - 1) * size
	if start >= total {
		return []tracing.Trace{}, total, nil
	}
	end := min(start+size, total)
	return matched[start:end], total, nil
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	return page, size
}

// LogSink is a fallback sink for local development. It logs every record as
// structured JSON via zap.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink that outputs records to the given logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) WriteSpans(_ context.Context, spans []tracing.Span) error {
	for _, s := range spans {
		l.logger.Debug("span",
			zap.String("trace_id", s.TraceID),
			zap.String("span_id", s.ID),
			zap.String("span_type", string(s.Type)),
			zap.String("status", string(s.Status)),
			zap.Float64("latency_ms", s.LatencyMS),
			zap.Int("tokens", s.Tokens),
			zap.String("error", s.Error),
		)
	}
	return nil
}

func (l *LogSink) WriteTraces(_ context.Context, traces []tracing.Trace) error {
	for _, t := range traces {
		l.logger.Info("trace",
			zap.String("trace_id", t.ID),
			zap.String("caller_id", t.CallerID),
			zap.String("endpoint", t.Endpoint),
			zap.String("state", t.State),
			zap.String("status", string(t.Status)),
			zap.Float64("latency_ms", t.LatencyMS),
			zap.Int("total_tokens", t.TotalTokens),
			zap.Float64("cost", t.Cost),
			zap.Bool("cost_estimated", t.CostEstimated),
		)
	}
	return nil
}

func (l *LogSink) Close() error { return nil }
