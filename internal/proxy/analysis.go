package proxy

import (
	"context"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/triage-ai/palisade-gateway/internal/engine"
	"github.com/triage-ai/palisade-gateway/internal/engine/catalog"
	"github.com/triage-ai/palisade-gateway/internal/engine/detectors"
	"github.com/triage-ai/palisade-gateway/internal/ratelimit"
	"github.com/triage-ai/palisade-gateway/internal/tracing"
)

// MaxContentBytes bounds the content of one analysis or filter request.
const MaxContentBytes = 1 << 20

// AnalyzeRequest is one /security/analyze item.
type AnalyzeRequest struct {
	Content     string
	ContextType string
}

// AnalyzeResult is the merged detector verdict for one item.
type AnalyzeResult struct {
	TraceID string
	*engine.AnalysisResult
	Detectors []*engine.AnalysisResult
	RateLimit *ratelimit.Decision
}

// BatchResult holds one AnalyzeResult per request, in request order.
type BatchResult struct {
	TraceID   string
	Results   []*AnalyzeResult
	RateLimit *ratelimit.Decision
}

func (req AnalyzeRequest) parse() (*engine.DetectRequest, error) {
	if req.Content == "" {
		return nil, InvalidInput("content is required")
	}
	if len(req.Content) > MaxContentBytes {
		return nil, InvalidInput("content exceeds %d bytes", MaxContentBytes)
	}
	ct, ok := engine.ParseContextType(req.ContextType)
	if !ok {
		return nil, InvalidInput("unknown context_type %q", req.ContextType)
	}
	return &engine.DetectRequest{Content: req.Content, ContextType: ct}, nil
}

// analysis returns the threat detectors behind /security/analyze. The
// exfiltration monitor only reports on output context.
func (d Detectors) analysis() []engine.Detector {
	dets := []engine.Detector{d.Injection, d.Exfiltration}
	return append(dets, d.Extra...)
}

// admit runs the rate check for an analysis-style request. Those requests do
// not walk the chat state machine; their traces end COMPLETED or RATE_LIMITED.
func (r *run) admit(ctx context.Context, callerID string) (ratelimit.Decision, error) {
	d := r.checkRate(ctx, callerID)
	if !d.Allowed {
		r.sm.set(StateRateLimited)
		return d, rateLimitError(r.trace.ID(), d)
	}
	return d, nil
}

func (r *run) analyze(ctx context.Context, name string, req *engine.DetectRequest) (*AnalyzeResult, error) {
	ctx, st := r.stage(ctx, tracing.SpanAnalysis, name)
	results, _ := r.o.engine.Evaluate(ctx, req, r.o.dets.analysis()...)
	if err := ctx.Err(); err != nil {
		st.end(tracing.StatusCancelled, err)
		return nil, err
	}
	merged := engine.Merge("security_analysis", results...)
	r.o.stats.ObserveFindings(merged.Findings)
	st.attr("recommendation", string(merged.Recommendation))
	st.attr("findings", strconv.Itoa(len(merged.Findings)))
	st.end(tracing.StatusOK, nil)
	return &AnalyzeResult{TraceID: r.trace.ID(), AnalysisResult: merged, Detectors: results}, nil
}

// Analyze runs the threat detectors over one piece of content.
func (o *Orchestrator) Analyze(ctx context.Context, callerID string, req AnalyzeRequest) (*AnalyzeResult, error) {
	dreq, err := req.parse()
	if err != nil {
		return nil, err
	}
	r := o.start(callerID, EndpointAnalyze)
	defer r.finish()

	d, err := r.admit(ctx, callerID)
	if err != nil {
		return nil, err
	}
	res, err := r.analyze(ctx, "analyze", dreq)
	if err != nil {
		return nil, r.cancelled(err)
	}
	res.RateLimit = &d
	r.sm.set(StateCompleted)
	return res, nil
}

// Batch analyzes up to MaxBatch items concurrently under one trace. The batch
// counts as a single request against the caller's rate limit.
func (o *Orchestrator) Batch(ctx context.Context, callerID string, reqs []AnalyzeRequest) (*BatchResult, error) {
	if len(reqs) == 0 {
		return nil, InvalidInput("requests must not be empty")
	}
	if len(reqs) > MaxBatch {
		return nil, InvalidInput("batch of %d exceeds the limit of %d", len(reqs), MaxBatch)
	}
	dreqs := make([]*engine.DetectRequest, len(reqs))
	for i, req := range reqs {
		dr, err := req.parse()
		if err != nil {
			e, _ := AsError(err)
			e.Detail = fmt.Sprintf("requests[%d]: %s", i, e.Detail)
			return nil, e
		}
		dreqs[i] = dr
	}

	r := o.start(callerID, EndpointBatch)
	defer r.finish()

	d, err := r.admit(ctx, callerID)
	if err != nil {
		return nil, err
	}

	out := &BatchResult{TraceID: r.trace.ID(), Results: make([]*AnalyzeResult, len(dreqs)), RateLimit: &d}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, dr := range dreqs {
		g.Go(func() error {
			res, err := r.analyze(gctx, "item "+strconv.Itoa(i), dr)
			if err != nil {
				return err
			}
			out.Results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, r.cancelled(err)
	}
	r.sm.set(StateCompleted)
	return out, nil
}

// FilterRequest is one /filter call.
type FilterRequest struct {
	Content string
	Filters []string
	Redact  bool
	// ToxicityThreshold overrides the configured threshold when set.
	ToxicityThreshold *float64
}

// PIIMatch is one detected PII span.
type PIIMatch struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
	RuleID     string  `json:"rule_id"`
}

// FilterResult is the outcome of the content filter.
type FilterResult struct {
	TraceID         string
	FilteredContent string
	PII             []PIIMatch
	ToxicityScores  map[string]float64
	IsSafe          bool
	Findings        []engine.Finding
	RateLimit       *ratelimit.Decision
}

// Filter runs the selected filter stages over content, optionally redacting
// PII and leaked credentials. Content is treated as outbound text.
func (o *Orchestrator) Filter(ctx context.Context, callerID string, req FilterRequest) (*FilterResult, error) {
	if req.Content == "" {
		return nil, InvalidInput("content is required")
	}
	if len(req.Content) > MaxContentBytes {
		return nil, InvalidInput("content exceeds %d bytes", MaxContentBytes)
	}
	caps, err := engine.ParseFilters(req.Filters)
	if err != nil {
		return nil, InvalidInput("%v", err)
	}
	tox := o.dets.Toxicity
	if t := req.ToxicityThreshold; t != nil {
		if *t <= 0 || *t > 1 {
			return nil, InvalidInput("toxicity_threshold must be in (0, 1]")
		}
		tox = tox.WithThreshold(*t)
	}

	r := o.start(callerID, EndpointFilter)
	defer r.finish()

	d, err := r.admit(ctx, callerID)
	if err != nil {
		return nil, err
	}

	ctx, st := r.stage(ctx, tracing.SpanFilter, caps.String())
	var dets []engine.Detector
	if caps.Has(engine.CapPII) {
		dets = append(dets, o.dets.PII)
	}
	if caps.Has(engine.CapToxicity) {
		dets = append(dets, tox)
	}
	if caps.Has(engine.CapPromptInjection) {
		dets = append(dets, o.dets.Injection)
	}
	if caps.Has(engine.CapExfiltration) {
		dets = append(dets, o.dets.Exfiltration)
	}
	dreq := &engine.DetectRequest{Content: req.Content, ContextType: engine.ContextOutput}
	results, _ := o.engine.Evaluate(ctx, dreq, dets...)
	if err := ctx.Err(); err != nil {
		st.end(tracing.StatusCancelled, err)
		return nil, r.cancelled(err)
	}

	out := &FilterResult{
		TraceID:         r.trace.ID(),
		FilteredContent: req.Content,
		PII:             []PIIMatch{},
		ToxicityScores:  map[string]float64{},
		IsSafe:          true,
		Findings:        []engine.Finding{},
		RateLimit:       &d,
	}
	var redact []engine.Finding
	for i, res := range results {
		out.Findings = append(out.Findings, res.Findings...)
		switch det := dets[i].(type) {
		case *detectors.PIIFilter:
			for _, f := range res.Findings {
				if f.RuleID == engine.RuleDetectorError {
					continue
				}
				out.PII = append(out.PII, PIIMatch{
					Type:       f.Category,
					Value:      f.MatchedText,
					Start:      f.Span.Start,
					End:        f.Span.End,
					Confidence: f.Confidence,
					RuleID:     f.RuleID,
				})
			}
			redact = append(redact, res.Findings...)
			if det.HasBlockLevel(res.Findings) {
				out.IsSafe = false
			}
		case *detectors.ToxicityFilter:
			out.ToxicityScores = detectors.Scores(res.Findings)
			// Below the threshold toxicity is reported but does not make
			// the content unsafe.
			if det.Exceeds(out.ToxicityScores) || failedClosed(res.Findings) {
				out.IsSafe = false
			}
		case *detectors.ExfiltrationMonitor:
			for _, f := range res.Findings {
				if t := det.Tier(f); t == catalog.TierCredential || t == catalog.TierPIIAdjacent {
					redact = append(redact, f)
				}
			}
			out.IsSafe = out.IsSafe && res.IsSafe
		default:
			out.IsSafe = out.IsSafe && res.IsSafe
		}
	}
	if req.Redact {
		out.FilteredContent = engine.Redact(req.Content, redact, nil)
	}
	engine.SortFindings(out.Findings)
	o.stats.ObserveFindings(out.Findings)

	st.attr("pii", strconv.Itoa(len(out.PII)))
	st.attr("is_safe", strconv.FormatBool(out.IsSafe))
	st.end(tracing.StatusOK, nil)
	r.sm.set(StateCompleted)
	return out, nil
}

func failedClosed(findings []engine.Finding) bool {
	for _, f := range findings {
		if f.RuleID == engine.RuleDetectorError {
			return true
		}
	}
	return false
}
