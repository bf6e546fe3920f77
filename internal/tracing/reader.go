package tracing

import (
	"context"
	"errors"
	"time"
)

// ErrTraceNotFound is returned by readers for unknown trace ids.
var ErrTraceNotFound = errors.New("trace not found")

// ListParams filters and paginates trace listings.
type ListParams struct {
	CallerID  string
	Status    Status
	StartTime *time.Time
	EndTime   *time.Time
	Page      int
	PageSize  int
}

// Reader looks up stored traces.
type Reader interface {
	GetTrace(ctx context.Context, traceID string) (*Trace, []Span, error)
	ListTraces(ctx context.Context, params ListParams) ([]Trace, int, error)
}
