// Package storage holds the trace sinks: ClickHouse, Kafka, an in-memory ring
// for local runs, and a zap log fallback.
package storage

import (
	"context"
	"errors"

	"github.com/triage-ai/palisade-gateway/internal/tracing"
)

// Event is the envelope published to streaming sinks. Exactly one of Span and
// Trace is set.
type Event struct {
	Type  string         `json:"type"`
	Span  *tracing.Span  `json:"span,omitempty"`
	Trace *tracing.Trace `json:"trace,omitempty"`
}

const (
	EventSpan  = "span"
	EventTrace = "trace"
)

// PayloadPreviewLength is the max runes kept when logging payloads.
const PayloadPreviewLength = 500

// TruncatePayload returns the first N characters (runes) of a payload for
// preview storage. It never splits a multi-byte UTF-8 character.
func TruncatePayload(payload string, maxLen int) string {
	runes := []rune(payload)
	if len(runes) <= maxLen {
		return payload
	}
	return string(runes[:maxLen])
}

// Fanout writes every batch to all sinks and joins their errors.
type Fanout []tracing.Sink

func (f Fanout) WriteSpans(ctx context.Context, spans []tracing.Span) error {
	var errs []error
	for _, s := range f {
		errs = append(errs, s.WriteSpans(ctx, spans))
	}
	return errors.Join(errs...)
}

func (f Fanout) WriteTraces(ctx context.Context, traces []tracing.Trace) error {
	var errs []error
	for _, s := range f {
		errs = append(errs, s.WriteTraces(ctx, traces))
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
