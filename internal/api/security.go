package api

import (
	"net/http"
	"time"

	"github.com/triage-ai/palisade-gateway/internal/proxy"
	"github.com/triage-ai/palisade-gateway/internal/ratelimit"
)

// handleAnalyze implements POST /security/analyze.
func (d *Dependencies) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeReq
	if err := readJSON(w, r, &req); err != nil {
		d.writeProxyError(w, proxy.InvalidInput("invalid JSON body: %v", err))
		return
	}
	p := principalFromContext(r.Context())

	res, err := d.Gateway.Analyze(r.Context(), p.CallerID, proxy.AnalyzeRequest{
		Content:     req.Content,
		ContextType: req.ContextType,
	})
	if err != nil {
		d.writeProxyError(w, err)
		return
	}
	ratelimit.WriteHeaders(w, *res.RateLimit)
	writeJSON(w, http.StatusOK, analyzeResp(res))
}

// handleBatch implements POST /security/batch.
func (d *Dependencies) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchReq
	if err := readJSON(w, r, &req); err != nil {
		d.writeProxyError(w, proxy.InvalidInput("invalid JSON body: %v", err))
		return
	}
	p := principalFromContext(r.Context())

	items := make([]proxy.AnalyzeRequest, len(req.Requests))
	for i, it := range req.Requests {
		items[i] = proxy.AnalyzeRequest{Content: it.Content, ContextType: it.ContextType}
	}
	res, err := d.Gateway.Batch(r.Context(), p.CallerID, items)
	if err != nil {
		d.writeProxyError(w, err)
		return
	}

	out := BatchResp{TraceID: res.TraceID, Results: make([]AnalyzeResp, len(res.Results))}
	for i, item := range res.Results {
		out.Results[i] = analyzeResp(item)
		// Items share the batch trace.
		out.Results[i].TraceID = ""
	}
	out.TotalProcessed = len(out.Results)
	ratelimit.WriteHeaders(w, *res.RateLimit)
	writeJSON(w, http.StatusOK, out)
}

func analyzeResp(res *proxy.AnalyzeResult) AnalyzeResp {
	dets := make([]DetectorResp, 0, len(res.Detectors))
	for _, dr := range res.Detectors {
		dets = append(dets, DetectorResp{
			Detector:       dr.Detector,
			RiskScore:      dr.RiskScore,
			IsSafe:         dr.IsSafe,
			Recommendation: dr.Recommendation,
			CatalogVersion: dr.CatalogVersion,
			Findings:       len(dr.Findings),
		})
	}
	return AnalyzeResp{
		TraceID:          res.TraceID,
		ThreatsDetected:  res.Findings,
		IsSafe:           res.IsSafe,
		RiskScore:        res.RiskScore,
		Recommendation:   res.Recommendation,
		ContextType:      res.ContextType,
		ContentHash:      res.ContentHash,
		Detectors:        dets,
		ProcessingTimeMs: float64(res.ProcessingTime) / float64(time.Millisecond),
	}
}

// handleFilter implements POST /filter.
func (d *Dependencies) handleFilter(w http.ResponseWriter, r *http.Request) {
	var req FilterReq
	if err := readJSON(w, r, &req); err != nil {
		d.writeProxyError(w, proxy.InvalidInput("invalid JSON body: %v", err))
		return
	}
	p := principalFromContext(r.Context())

	res, err := d.Gateway.Filter(r.Context(), p.CallerID, proxy.FilterRequest{
		Content:           req.Content,
		Filters:           req.Filters,
		Redact:            req.Redact,
		ToxicityThreshold: req.ToxicityThreshold,
	})
	if err != nil {
		d.writeProxyError(w, err)
		return
	}
	ratelimit.WriteHeaders(w, *res.RateLimit)
	writeJSON(w, http.StatusOK, FilterResp{
		TraceID:         res.TraceID,
		FilteredContent: res.FilteredContent,
		PIIDetected:     res.PII,
		ToxicityScores:  res.ToxicityScores,
		IsSafe:          res.IsSafe,
		Findings:        res.Findings,
	})
}
