package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade-gateway/internal/auth"
	"github.com/triage-ai/palisade-gateway/internal/tracing"
)

// handleGetTrace implements GET /traces/{trace_id}. Callers see their own
// traces; admins see all of them.
func (d *Dependencies) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace_id")
	if d.Traces == nil {
		writeError(w, http.StatusNotFound, "not_found", "Trace store is not configured", traceID)
		return
	}

	t, spans, err := d.Traces.GetTrace(r.Context(), traceID)
	if errors.Is(err, tracing.ErrTraceNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Trace not found", traceID)
		return
	}
	if err != nil {
		d.Logger.Error("get trace failed", zap.String("trace_id", traceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "Failed to load trace", traceID)
		return
	}
	p := principalFromContext(r.Context())
	if t.CallerID != p.CallerID && !p.Has(auth.ScopeAdmin) {
		writeError(w, http.StatusNotFound, "not_found", "Trace not found", traceID)
		return
	}
	if spans == nil {
		spans = []tracing.Span{}
	}
	writeJSON(w, http.StatusOK, TraceResp{Trace: *t, Spans: spans})
}

// handleStats implements GET /admin/stats.
func (d *Dependencies) handleStats(w http.ResponseWriter, _ *http.Request) {
	snap, err := d.Stats.Snapshot()
	if err != nil {
		d.Logger.Error("stats snapshot failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "Failed to gather stats", "")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleResetStats implements POST /admin/stats/reset.
func (d *Dependencies) handleResetStats(w http.ResponseWriter, r *http.Request) {
	d.Stats.Reset()
	d.Logger.Info("stats reset", zap.String("caller_id", principalFromContext(r.Context()).CallerID))
	writeJSON(w, http.StatusOK, ResetResp{ResetAt: time.Now().UTC()})
}
