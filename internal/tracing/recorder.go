package tracing

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sink persists spans and traces in batches. Writes may fail; the recorder
// logs and drops failed batches.
type Sink interface {
	WriteSpans(ctx context.Context, spans []Span) error
	WriteTraces(ctx context.Context, traces []Trace) error
	Close() error
}

const (
	defaultQueueCapacity = 10_000
	defaultFlushInterval = 100 * time.Millisecond
	defaultFlushBatch    = 1000
	drainTimeout         = 2 * time.Second
	writeTimeout         = 5 * time.Second
)

// RecorderConfig tunes the recorder. Zero values use defaults.
type RecorderConfig struct {
	Capacity      int
	FlushInterval time.Duration
	FlushBatch    int
	// OnDrop is called once per dropped record.
	OnDrop func()
}

type record struct {
	span  *Span
	trace *Trace
}

// Recorder writes spans and traces to a Sink from a background goroutine.
// RecordSpan and RecordTrace never block: when the queue is full the oldest
// pending record is dropped to make room.
type Recorder struct {
	sink    Sink
	queue   chan record
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	cfg     RecorderConfig
	logger  *zap.Logger

	dropped   atomic.Uint64
	closeOnce sync.Once
	// mu orders enqueues against Close: once closed is set under the write
	// lock, no send can reach the queue after the final drain.
	mu     sync.RWMutex
	closed bool
}

// NewRecorder creates a Recorder and starts the background flush loop.
func NewRecorder(sink Sink, cfg RecorderConfig, logger *zap.Logger) *Recorder {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultQueueCapacity
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = defaultFlushBatch
	}
	r := &Recorder{
		sink:    sink,
		queue:   make(chan record, cfg.Capacity),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		cfg:     cfg,
		logger:  logger,
	}
	go r.flushLoop()
	return r
}

func (r *Recorder) RecordSpan(s Span) { r.enqueue(record{span: &s}) }

func (r *Recorder) RecordTrace(t Trace) { r.enqueue(record{trace: &t}) }

// Dropped returns how many records were discarded, from a full queue or a
// failed write.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

func (r *Recorder) enqueue(rec record) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(rec, "recorder closed")
		return
	}
	for {
		select {
		case r.queue <- rec:
			return
		default:
		}
		select {
		case old := <-r.queue:
			r.drop(old, "trace queue full, dropping oldest record")
		default:
		}
	}
}

func (r *Recorder) drop(rec record, reason string) {
	r.dropped.Add(1)
	if r.cfg.OnDrop != nil {
		r.cfg.OnDrop()
	}
	fields := []zap.Field{zap.String("reason", reason)}
	if rec.span != nil {
		fields = append(fields, zap.String("trace_id", rec.span.TraceID), zap.String("span_id", rec.span.ID))
	} else if rec.trace != nil {
		fields = append(fields, zap.String("trace_id", rec.trace.ID))
	}
	r.logger.Warn("trace record dropped", fields...)
}

// Close drains pending records (up to a short timeout), flushes them and
// closes the sink. Safe to call more than once.
func (r *Recorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.done)
		<-r.flushed
		err = r.sink.Close()
	})
	return err
}

func (r *Recorder) flushLoop() {
	defer close(r.flushed)

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	var (
		spans  []Span
		traces []Trace
	)
	add := func(rec record) {
		if rec.span != nil {
			spans = append(spans, *rec.span)
		}
		if rec.trace != nil {
			traces = append(traces, *rec.trace)
		}
	}
	flush := func() {
		if len(spans) > 0 || len(traces) > 0 {
			// Sinks may keep the slices, so start fresh ones.
			r.flush(spans, traces)
			spans, traces = nil, nil
		}
	}

	for {
		select {
		case rec := <-r.queue:
			add(rec)
			if len(spans)+len(traces) >= r.cfg.FlushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case rec := <-r.queue:
					add(rec)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			flush()
			return
		}
	}
}

// flush writes spans before traces so a reader that sees a trace also sees
// its spans.
func (r *Recorder) flush(spans []Span, traces []Trace) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if len(spans) > 0 {
		if err := r.sink.WriteSpans(ctx, spans); err != nil {
			r.failed(len(spans), "spans", err)
		}
	}
	if len(traces) > 0 {
		if err := r.sink.WriteTraces(ctx, traces); err != nil {
			r.failed(len(traces), "traces", err)
		}
	}
}

func (r *Recorder) failed(n int, what string, err error) {
	r.dropped.Add(uint64(n))
	if r.cfg.OnDrop != nil {
		for i := 0; i < n; i++ {
			r.cfg.OnDrop()
		}
	}
	r.logger.Error("trace sink write failed, batch dropped",
		zap.String("kind", what),
		zap.Int("batch_size", n),
		zap.Error(err),
	)
}
