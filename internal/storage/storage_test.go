package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade-gateway/internal/tracing"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSink_KeysByTraceID(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaSink{writer: w}
	ctx := context.Background()

	require.NoError(t, k.WriteSpans(ctx, []tracing.Span{{ID: "s1", TraceID: "t1", Type: tracing.SpanInputCheck}}))
	require.NoError(t, k.WriteTraces(ctx, []tracing.Trace{{ID: "t1", CallerID: "c"}}))
	require.Len(t, w.msgs, 2)

	for _, m := range w.msgs {
		require.Equal(t, "t1", string(m.Key))
	}

	var e Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &e))
	require.Equal(t, EventSpan, e.Type)
	require.Equal(t, "s1", e.Span.ID)
	require.Nil(t, e.Trace)

	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &e))
	require.Equal(t, EventTrace, e.Type)
	require.Equal(t, "c", e.Trace.CallerID)

	require.NoError(t, k.Close())
	require.True(t, w.closed)
}

func TestKafkaSink_WriteError(t *testing.T) {
	k := &KafkaSink{writer: &fakeWriter{err: errors.New("broker down")}}
	err := k.WriteTraces(context.Background(), []tracing.Trace{{ID: "t"}})
	require.ErrorContains(t, err, "broker down")
}

func TestMemorySink_GetAndEvict(t *testing.T) {
	m := NewMemorySink(2)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("t%d", i)
		require.NoError(t, m.WriteSpans(ctx, []tracing.Span{
			{ID: id + "-b", TraceID: id, StartedAt: base.Add(2 * time.Second)},
			{ID: id + "-a", TraceID: id, StartedAt: base.Add(time.Second)},
		}))
		require.NoError(t, m.WriteTraces(ctx, []tracing.Trace{{ID: id, CallerID: "c", StartedAt: base.Add(time.Duration(i) * time.Minute)}}))
	}

	_, _, err := m.GetTrace(ctx, "t0")
	require.ErrorIs(t, err, tracing.ErrTraceNotFound)

	tr, spans, err := m.GetTrace(ctx, "t2")
	require.NoError(t, err)
	require.Equal(t, "t2", tr.ID)
	require.Equal(t, []string{"t2-a", "t2-b"}, []string{spans[0].ID, spans[1].ID})
}

func TestMemorySink_ListTraces(t *testing.T) {
	m := NewMemorySink(10)
	ctx := context.Background()
	require.NoError(t, m.WriteTraces(ctx, []tracing.Trace{
		{ID: "1", CallerID: "a", Status: tracing.StatusOK},
		{ID: "2", CallerID: "b", Status: tracing.StatusBlocked},
		{ID: "3", CallerID: "a", Status: tracing.StatusBlocked},
	}))

	got, total, err := m.ListTraces(ctx, tracing.ListParams{CallerID: "a"})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Equal(t, "3", got[0].ID, "newest first")

	got, total, err = m.ListTraces(ctx, tracing.ListParams{Status: tracing.StatusBlocked, Page: 2, PageSize: 1})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Equal(t, "2", got[0].ID)

	got, _, err = m.ListTraces(ctx, tracing.ListParams{Page: 5})
	require.NoError(t, err)
	require.Empty(t, got)
}

type failingSink struct{ *MemorySink }

func (f *failingSink) WriteSpans(context.Context, []tracing.Span) error {
	return errors.New("sink down")
}

func TestFanout(t *testing.T) {
	good := NewMemorySink(10)
	f := Fanout{good, &failingSink{NewMemorySink(1)}, NewLogSink(zap.NewNop())}
	ctx := context.Background()

	err := f.WriteSpans(ctx, []tracing.Span{{ID: "s", TraceID: "t"}})
	require.ErrorContains(t, err, "sink down")
	require.NoError(t, f.WriteTraces(ctx, []tracing.Trace{{ID: "t"}}))

	_, spans, err := good.GetTrace(ctx, "t")
	require.NoError(t, err)
	require.Len(t, spans, 1)
	require.NoError(t, f.Close())
}

func TestRows(t *testing.T) {
	require.Len(t, spanRow(&tracing.Span{}), strings.Count(insertSpans, ",")+1)
	require.Len(t, traceRow(&tracing.Trace{}), strings.Count(insertTraces, ",")+1)
	require.NotNil(t, spanRow(&tracing.Span{})[16])
}

func TestTruncatePayload(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"héllo", 2, "hé"},
		{"", 5, ""},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, TruncatePayload(tt.in, tt.max))
	}
}
