package chread

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/triage-ai/palisade-gateway/internal/tracing"
)

// rowFunc adapts a closure to the scanner interface.
type rowFunc func(dest ...any) error

func (f rowFunc) Scan(dest ...any) error { return f(dest...) }

func TestScanTrace(t *testing.T) {
	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	row := rowFunc(func(dest ...any) error {
		require.Len(t, dest, 16)
		*dest[0].(*string) = "t1"
		*dest[1].(*string) = "caller"
		*dest[5].(*time.Time) = started
		*dest[7].(*float32) = 12.5
		*dest[10].(*uint32) = 42
		*dest[11].(*float64) = 0.01
		*dest[12].(*uint8) = 1
		*dest[13].(*string) = "blocked"
		*dest[14].(*string) = "BLOCKED_INPUT"
		*dest[15].(*uint32) = 2
		return nil
	})

	tr, err := scanTrace(row)
	require.NoError(t, err)
	require.Equal(t, "t1", tr.ID)
	require.Equal(t, started, tr.StartedAt)
	require.Equal(t, 12.5, tr.LatencyMS)
	require.Equal(t, 42, tr.TotalTokens)
	require.True(t, tr.CostEstimated)
	require.Equal(t, tracing.StatusBlocked, tr.Status)
	require.Equal(t, 2, tr.SpanCount)
}

func TestScanSpan(t *testing.T) {
	row := rowFunc(func(dest ...any) error {
		require.Len(t, dest, 17)
		*dest[0].(*string) = "s1"
		*dest[3].(*string) = "provider_call"
		*dest[14].(*string) = "error"
		*dest[15].(*string) = "timeout"
		*dest[16].(*map[string]string) = map[string]string{"attempt": "1"}
		return nil
	})
	s, err := scanSpan(row)
	require.NoError(t, err)
	require.Equal(t, tracing.SpanProviderCall, s.Type)
	require.Equal(t, tracing.StatusError, s.Status)
	require.Equal(t, "1", s.Attributes["attempt"])

	_, err = scanSpan(rowFunc(func(...any) error { return errors.New("bad column") }))
	require.Error(t, err)
}

func TestListFilter(t *testing.T) {
	where, args := listFilter(tracing.ListParams{})
	require.Equal(t, "1 = 1", where)
	require.Empty(t, args)

	start := time.Now()
	where, args = listFilter(tracing.ListParams{CallerID: "c", Status: tracing.StatusOK, StartTime: &start})
	require.Equal(t, "1 = 1 AND caller_id = @caller_id AND status = @status AND started_at >= @start_time", where)
	require.Len(t, args, 3)
}
