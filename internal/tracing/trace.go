// Package tracing records what happened to each proxied request: one Trace per
// request, one Span per stage or provider attempt, with token, cost and latency
// aggregates.
package tracing

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of a span or trace.
type Status string

const (
	StatusRunning     Status = "running"
	StatusOK          Status = "ok"
	StatusError       Status = "error"
	StatusBlocked     Status = "blocked"
	StatusRateLimited Status = "rate_limited"
	StatusCancelled   Status = "cancelled"
)

// SpanType names the stage a span covers.
type SpanType string

const (
	SpanInputCheck   SpanType = "input_check"
	SpanRateCheck    SpanType = "rate_check"
	SpanProviderCall SpanType = "provider_call"
	SpanOutputCheck  SpanType = "output_check"
	SpanChunkCheck   SpanType = "chunk_check"
	SpanAnalysis     SpanType = "analysis"
	SpanFilter       SpanType = "filter"
)

// Span is one sub-operation inside a trace. Closed spans are never revised.
type Span struct {
	ID               string            `json:"span_id"`
	TraceID          string            `json:"trace_id"`
	ParentSpanID     string            `json:"parent_span_id,omitempty"`
	Type             SpanType          `json:"span_type"`
	Name             string            `json:"name"`
	StartedAt        time.Time         `json:"started_at"`
	EndedAt          time.Time         `json:"ended_at"`
	LatencyMS        float64           `json:"latency_ms"`
	Model            string            `json:"model,omitempty"`
	PromptTokens     int               `json:"prompt_tokens"`
	CompletionTokens int               `json:"completion_tokens"`
	Tokens           int               `json:"tokens"`
	Cost             float64           `json:"cost"`
	CostEstimated    bool              `json:"cost_estimated,omitempty"`
	Status           Status            `json:"status"`
	Error            string            `json:"error,omitempty"`
	Attributes       map[string]string `json:"attributes,omitempty"`
}

// Trace is the top-level record of one request. Token and cost fields are the
// sums over its spans.
type Trace struct {
	ID               string    `json:"trace_id"`
	CallerID         string    `json:"caller_id"`
	Endpoint         string    `json:"endpoint"`
	Provider         string    `json:"provider,omitempty"`
	Model            string    `json:"model,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	EndedAt          time.Time `json:"ended_at"`
	LatencyMS        float64   `json:"latency_ms"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Cost             float64   `json:"cost"`
	CostEstimated    bool      `json:"cost_estimated"`
	Status           Status    `json:"status"`
	State            string    `json:"state"`
	SpanCount        int       `json:"span_count"`
}

// Emitter receives closed spans and traces. Recorder implements it.
type Emitter interface {
	RecordSpan(Span)
	RecordTrace(Trace)
}

// Builder assembles one trace. It is safe for concurrent use by the stages of
// a single request.
type Builder struct {
	mu      sync.Mutex
	trace   Trace
	open    map[string]*Span
	closed  []Span
	done    bool
	pricing *Pricing
	emitter Emitter
	now     func() time.Time
}

// NewBuilder starts a trace. A nil emitter keeps the trace local.
func NewBuilder(callerID, endpoint string, pricing *Pricing, emitter Emitter) *Builder {
	return newBuilder(uuid.NewString(), callerID, endpoint, pricing, emitter, time.Now)
}

func newBuilder(id, callerID, endpoint string, pricing *Pricing, emitter Emitter, now func() time.Time) *Builder {
	if pricing == nil {
		pricing = DefaultPricing()
	}
	return &Builder{
		trace: Trace{
			ID:        id,
			CallerID:  callerID,
			Endpoint:  endpoint,
			StartedAt: now(),
			Status:    StatusRunning,
		},
		open:    make(map[string]*Span),
		pricing: pricing,
		emitter: emitter,
		now:     now,
	}
}

// ID returns the trace id.
func (b *Builder) ID() string { return b.trace.ID }

// SetTarget records the provider and model the request is routed to.
func (b *Builder) SetTarget(provider, model string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.Provider = provider
	b.trace.Model = model
}

// SpanHandle mutates one open span until End.
type SpanHandle struct {
	b  *Builder
	id string
}

// StartSpan opens a span. parentID may be empty. Starting a span on a closed
// trace returns a handle whose methods do nothing.
func (b *Builder) StartSpan(typ SpanType, name, parentID string) *SpanHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return &SpanHandle{b: b}
	}
	s := &Span{
		ID:           uuid.NewString(),
		TraceID:      b.trace.ID,
		ParentSpanID: parentID,
		Type:         typ,
		Name:         name,
		StartedAt:    b.now(),
		Status:       StatusRunning,
	}
	b.open[s.ID] = s
	return &SpanHandle{b: b, id: s.ID}
}

// ID returns the span id, empty for a no-op handle.
func (h *SpanHandle) ID() string { return h.id }

func (h *SpanHandle) with(fn func(*Span)) {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	if s, ok := h.b.open[h.id]; ok {
		fn(s)
	}
}

// SetAttr sets a string attribute.
func (h *SpanHandle) SetAttr(key, value string) {
	h.with(func(s *Span) {
		if s.Attributes == nil {
			s.Attributes = make(map[string]string)
		}
		s.Attributes[key] = value
	})
}

// SetUsage records token usage and prices it.
func (h *SpanHandle) SetUsage(model string, promptTokens, completionTokens int) {
	h.with(func(s *Span) {
		s.Model = model
		s.PromptTokens = promptTokens
		s.CompletionTokens = completionTokens
		s.Tokens = promptTokens + completionTokens
		s.Cost, s.CostEstimated = h.b.pricing.Cost(h.b.trace.Provider, model, promptTokens, completionTokens)
	})
}

// End closes the span. Only the first call has an effect.
func (h *SpanHandle) End(status Status, err error) {
	b := h.b
	b.mu.Lock()
	s, ok := b.open[h.id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.open, h.id)
	closeSpan(s, status, err, b.now())
	b.closed = append(b.closed, *s)
	emitter := b.emitter
	b.mu.Unlock()

	if emitter != nil {
		emitter.RecordSpan(*s)
	}
}

func closeSpan(s *Span, status Status, err error, now time.Time) {
	s.EndedAt = now
	s.LatencyMS = float64(now.Sub(s.StartedAt).Microseconds()) / 1000
	s.Status = status
	if err != nil {
		s.Error = err.Error()
	}
}

// Close ends the trace with the given status and terminal state. Spans still
// open are closed as cancelled. Only the first call has an effect; later calls
// return the same trace.
func (b *Builder) Close(status Status, state string) (Trace, []Span) {
	b.mu.Lock()
	if b.done {
		t, spans := b.trace, append([]Span(nil), b.closed...)
		b.mu.Unlock()
		return t, spans
	}
	b.done = true
	now := b.now()

	var late []Span
	for id, s := range b.open {
		closeSpan(s, StatusCancelled, nil, now)
		b.closed = append(b.closed, *s)
		late = append(late, *s)
		delete(b.open, id)
	}

	t := &b.trace
	t.EndedAt = now
	t.LatencyMS = float64(now.Sub(t.StartedAt).Microseconds()) / 1000
	t.Status = status
	t.State = state
	t.SpanCount = len(b.closed)
	t.PromptTokens, t.CompletionTokens, t.TotalTokens, t.Cost = 0, 0, 0, 0
	for _, s := range b.closed {
		t.PromptTokens += s.PromptTokens
		t.CompletionTokens += s.CompletionTokens
		t.TotalTokens += s.Tokens
		t.Cost += s.Cost
		t.CostEstimated = t.CostEstimated || s.CostEstimated
	}

	trace, spans := *t, append([]Span(nil), b.closed...)
	emitter := b.emitter
	b.mu.Unlock()

	if emitter != nil {
		for _, s := range late {
			emitter.RecordSpan(s)
		}
		emitter.RecordTrace(trace)
	}
	return trace, spans
}

// Spans returns a copy of the closed spans so far.
func (b *Builder) Spans() []Span {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Span(nil), b.closed...)
}

// Closed reports whether Close has been called.
func (b *Builder) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}
