// Package chread reads stored traces back out of ClickHouse.
package chread

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade-gateway/internal/tracing"
)

// Reader provides read access to the gateway_traces and gateway_spans tables.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader wraps an open connection.
func NewReader(conn driver.Conn, logger *zap.Logger) *Reader {
	return &Reader{conn: conn, logger: logger}
}

const traceColumns = "trace_id, caller_id, endpoint, provider, model, started_at, ended_at, latency_ms, " +
	"prompt_tokens, completion_tokens, total_tokens, cost, cost_estimated, status, state, span_count"

const spanColumns = "span_id, trace_id, parent_span_id, span_type, name, started_at, ended_at, latency_ms, " +
	"model, prompt_tokens, completion_tokens, tokens, cost, cost_estimated, status, error, attributes"

type scanner interface {
	Scan(dest ...any) error
}

func scanTrace(row scanner) (tracing.Trace, error) {
	var (
		t                         tracing.Trace
		latency                   float32
		prompt, completion, total uint32
		estimated                 uint8
		status                    string
		spanCount                 uint32
	)
	err := row.Scan(
		&t.ID, &t.CallerID, &t.Endpoint, &t.Provider, &t.Model, &t.StartedAt, &t.EndedAt, &latency,
		&prompt, &completion, &total, &t.Cost, &estimated, &status, &t.State, &spanCount,
	)
	t.LatencyMS = float64(latency)
	t.PromptTokens, t.CompletionTokens, t.TotalTokens = int(prompt), int(completion), int(total)
	t.CostEstimated = estimated == 1
	t.Status = tracing.Status(status)
	t.SpanCount = int(spanCount)
	return t, err
}

func scanSpan(row scanner) (tracing.Span, error) {
	var (
		s                          tracing.Span
		spanType, status           string
		latency                    float32
		prompt, completion, tokens uint32
		estimated                  uint8
	)
	err := row.Scan(
		&s.ID, &s.TraceID, &s.ParentSpanID, &spanType, &s.Name, &s.StartedAt, &s.EndedAt, &latency,
		&s.Model, &prompt, &completion, &tokens, &s.Cost, &estimated, &status, &s.Error, &s.Attributes,
	)
	s.Type = tracing.SpanType(spanType)
	s.LatencyMS = float64(latency)
	s.PromptTokens, s.CompletionTokens, s.Tokens = int(prompt), int(completion), int(tokens)
	s.CostEstimated = estimated == 1
	s.Status = tracing.Status(status)
	return s, err
}

// GetTrace returns a trace and its spans ordered by start time.
func (r *Reader) GetTrace(ctx context.Context, traceID string) (*tracing.Trace, []tracing.Span, error) {
	row := r.conn.QueryRow(ctx,
		"SELECT "+traceColumns+" FROM gateway_traces WHERE trace_id = @trace_id LIMIT 1",
		clickhouse.Named("trace_id", traceID),
	)
	t, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, tracing.ErrTraceNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("GetTrace: %w", err)
	}
	// Older drivers scan zero values instead of returning sql.ErrNoRows.
	if t.ID == "" {
		return nil, nil, tracing.ErrTraceNotFound
	}

	rows, err := r.conn.Query(ctx,
		"SELECT "+spanColumns+" FROM gateway_spans WHERE trace_id = @trace_id ORDER BY started_at",
		clickhouse.Named("trace_id", traceID),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("GetTrace spans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var spans []tracing.Span
	for rows.Next() {
		s, err := scanSpan(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("GetTrace spans scan: %w", err)
		}
		spans = append(spans, s)
	}
	return &t, spans, rows.Err()
}

// ListTraces returns paginated, filtered traces (newest first) and the total count.
func (r *Reader) ListTraces(ctx context.Context, params tracing.ListParams) ([]tracing.Trace, int, error) {
	where, args := listFilter(params)

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM gateway_traces WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListTraces count: %w", err)
	}

	page, size := params.Page, params.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	args = append(args,
		clickhouse.Named("limit", uint32(size)),
		clickhouse.Named("offset", uint32((page-1)*size)),
	)
	dataQuery := fmt.Sprintf(
		"SELECT %s FROM gateway_traces WHERE %s ORDER BY started_at DESC LIMIT @limit OFFSET @offset",
		traceColumns, where,
	)
	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListTraces query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	traces := []tracing.Trace{}
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("ListTraces scan: %w", err)
		}
		traces = append(traces, t)
	}
	return traces, int(total), rows.Err()
}

func listFilter(params tracing.ListParams) (string, []any) {
	conditions := []string{"1 = 1"}
	var args []any
	if params.CallerID != "" {
		conditions = append(conditions, "caller_id = @caller_id")
		args = append(args, clickhouse.Named("caller_id", params.CallerID))
	}
	if params.Status != "" {
		conditions = append(conditions, "status = @status")
		args = append(args, clickhouse.Named("status", string(params.Status)))
	}
	if params.StartTime != nil {
		conditions = append(conditions, "started_at >= @start_time")
		args = append(args, clickhouse.Named("start_time", *params.StartTime))
	}
	if params.EndTime != nil {
		conditions = append(conditions, "started_at <= @end_time")
		args = append(args, clickhouse.Named("end_time", *params.EndTime))
	}
	return strings.Join(conditions, " AND "), args
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}
