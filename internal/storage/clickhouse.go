package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade-gateway/internal/tracing"
)

// OpenClickHouse parses dsn, connects and pings.
func OpenClickHouse(ctx context.Context, dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("OpenClickHouse: %w", err)
	}

	// ClickHouse Cloud only accepts TLS on the secure native port. ParseDSN sets
	// TLS for ?secure=true; enforce it for 9440 as well.
	if opts.TLS == nil {
		for _, addr := range opts.Addr {
			if strings.HasSuffix(addr, ":9440") {
				opts.TLS = &tls.Config{}
				break
			}
		}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("OpenClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("OpenClickHouse: ping: %w", err)
	}
	return conn, nil
}

// ClickHouseSink batch-inserts spans and traces. The recorder calls it from a
// single goroutine with already-batched records.
//
// Expected tables (MergeTree, ordered by (caller_id, started_at)):
//
//	gateway_traces(trace_id, caller_id, endpoint, provider, model, started_at,
//	  ended_at, latency_ms, prompt_tokens, completion_tokens, total_tokens,
//	  cost, cost_estimated, status, state, span_count)
//	gateway_spans(span_id, trace_id, parent_span_id, span_type, name,
//	  started_at, ended_at, latency_ms, model, prompt_tokens,
//	  completion_tokens, tokens, cost, cost_estimated, status, error, attributes)
type ClickHouseSink struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewClickHouseSink wraps an open connection.
func NewClickHouseSink(conn driver.Conn, logger *zap.Logger) *ClickHouseSink {
	return &ClickHouseSink{conn: conn, logger: logger}
}

const insertSpans = `
	INSERT INTO gateway_spans (
		span_id, trace_id, parent_span_id, span_type, name,
		started_at, ended_at, latency_ms, model,
		prompt_tokens, completion_tokens, tokens, cost, cost_estimated,
		status, error, attributes
	)`

const insertTraces = `
	INSERT INTO gateway_traces (
		trace_id, caller_id, endpoint, provider, model,
		started_at, ended_at, latency_ms,
		prompt_tokens, completion_tokens, total_tokens, cost, cost_estimated,
		status, state, span_count
	)`

func (s *ClickHouseSink) WriteSpans(ctx context.Context, spans []tracing.Span) error {
	batch, err := s.conn.PrepareBatch(ctx, insertSpans)
	if err != nil {
		return fmt.Errorf("prepare span batch: %w", err)
	}
	for i := range spans {
		if err := batch.Append(spanRow(&spans[i])...); err != nil {
			s.logger.Error("clickhouse append span failed",
				zap.String("trace_id", spans[i].TraceID),
				zap.String("span_id", spans[i].ID),
				zap.Error(err),
			)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send span batch (%d): %w", len(spans), err)
	}
	return nil
}

func (s *ClickHouseSink) WriteTraces(ctx context.Context, traces []tracing.Trace) error {
	batch, err := s.conn.PrepareBatch(ctx, insertTraces)
	if err != nil {
		return fmt.Errorf("prepare trace batch: %w", err)
	}
	for i := range traces {
		if err := batch.Append(traceRow(&traces[i])...); err != nil {
			s.logger.Error("clickhouse append trace failed",
				zap.String("trace_id", traces[i].ID),
				zap.Error(err),
			)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send trace batch (%d): %w", len(traces), err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}

func boolUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func spanRow(sp *tracing.Span) []any {
	attrs := sp.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	return []any{
		sp.ID,
		sp.TraceID,
		sp.ParentSpanID,
		string(sp.Type),
		sp.Name,
		sp.StartedAt,
		sp.EndedAt,
		float32(sp.LatencyMS),
		sp.Model,
		uint32(sp.PromptTokens),
		uint32(sp.CompletionTokens),
		uint32(sp.Tokens),
		sp.Cost,
		boolUint8(sp.CostEstimated),
		string(sp.Status),
		sp.Error,
		attrs,
	}
}

func traceRow(t *tracing.Trace) []any {
	return []any{
		t.ID,
		t.CallerID,
		t.Endpoint,
		t.Provider,
		t.Model,
		t.StartedAt,
		t.EndedAt,
		float32(t.LatencyMS),
		uint32(t.PromptTokens),
		uint32(t.CompletionTokens),
		uint32(t.TotalTokens),
		t.Cost,
		boolUint8(t.CostEstimated),
		string(t.Status),
		t.State,
		uint32(t.SpanCount),
	}
}
