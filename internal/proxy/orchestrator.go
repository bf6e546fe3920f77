// Package proxy runs each request through the gateway pipeline: input checks,
// policy, rate limiting, the provider call and output checks. Every request is
// driven by a small state machine and recorded as one trace.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/triage-ai/palisade-gateway/internal/engine"
	"github.com/triage-ai/palisade-gateway/internal/engine/catalog"
	"github.com/triage-ai/palisade-gateway/internal/engine/detectors"
	"github.com/triage-ai/palisade-gateway/internal/metrics"
	"github.com/triage-ai/palisade-gateway/internal/policy"
	"github.com/triage-ai/palisade-gateway/internal/provider"
	"github.com/triage-ai/palisade-gateway/internal/ratelimit"
	"github.com/triage-ai/palisade-gateway/internal/telemetry"
	"github.com/triage-ai/palisade-gateway/internal/tracing"
)

// RulePolicyError is the rule id of the synthetic finding recorded when the
// caller's policy could not be loaded.
const RulePolicyError = "policy_error"

// StreamMode selects how streamed output is checked.
type StreamMode string

const (
	// StreamBuffered holds the whole reply and checks it before any token is sent.
	StreamBuffered StreamMode = "buffered"
	// StreamIncremental pre-checks each chunk for credentials and forwards it,
	// then runs the full output check when the stream closes.
	StreamIncremental StreamMode = "incremental"
)

// ParseStreamMode accepts the config spelling of a StreamMode.
func ParseStreamMode(s string) (StreamMode, error) {
	switch m := StreamMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return StreamBuffered, nil
	case StreamBuffered, StreamIncremental:
		return m, nil
	}
	return "", fmt.Errorf("unknown stream mode %q", s)
}

// MaxBatch bounds /security/batch.
const MaxBatch = 100

// Config tunes the orchestrator.
type Config struct {
	// ProviderTimeout bounds one provider attempt.
	ProviderTimeout time.Duration
	// StreamTimeout bounds a whole streamed reply.
	StreamTimeout time.Duration
	Retry         provider.RetryPolicy
	StreamMode    StreamMode
}

// DefaultConfig returns 30s attempts, three tries and buffered streaming.
func DefaultConfig() Config {
	return Config{
		ProviderTimeout: 30 * time.Second,
		StreamTimeout:   5 * time.Minute,
		Retry:           provider.DefaultRetryPolicy(),
		StreamMode:      StreamBuffered,
	}
}

// Detectors is the closed set of detector stages the pipeline selects from.
type Detectors struct {
	Injection    engine.Detector
	PII          *detectors.PIIFilter
	Toxicity     *detectors.ToxicityFilter
	Exfiltration *detectors.ExfiltrationMonitor
	// Extra detectors, such as the ML scorer, run wherever injection does.
	Extra []engine.Detector
}

// NewDetectors builds the catalog-backed detectors.
func NewDetectors(set catalog.Set, trusted []string, toxicityThreshold float64, extra ...engine.Detector) Detectors {
	return Detectors{
		Injection:    detectors.NewPromptInjectionDetector(set.Injection),
		PII:          detectors.NewPIIFilter(set.PII),
		Toxicity:     detectors.NewToxicityFilter(set.Toxicity, toxicityThreshold),
		Exfiltration: detectors.NewExfiltrationMonitor(set.Exfiltration, trusted),
		Extra:        extra,
	}
}

// input returns the detectors run over request messages. System prompts are
// only checked for injection.
func (d Detectors) input(ct engine.ContextType) []engine.Detector {
	dets := []engine.Detector{d.Injection}
	if ct != engine.ContextSystemPrompt {
		dets = append(dets, d.PII, d.Toxicity)
	}
	return append(dets, d.Extra...)
}

func (d Detectors) output() []engine.Detector {
	return []engine.Detector{d.PII, d.Toxicity, d.Exfiltration}
}

// PolicySource returns the caller's active policy. *policy.Cache implements it.
type PolicySource interface {
	Get(ctx context.Context, callerID string) (*policy.Policy, error)
}

// Deps are the collaborators of an Orchestrator. Only Engine, Detectors and
// Providers are required.
type Deps struct {
	Engine      *engine.SentryEngine
	Detectors   Detectors
	Policies    PolicySource
	Limiter     *ratelimit.Limiter
	Providers   *provider.Registry
	Credentials provider.CredentialStore
	Pricing     *tracing.Pricing
	Emitter     tracing.Emitter
	Stats       *metrics.Stats
	Tracer      trace.Tracer
	Logger      *zap.Logger
}

// Orchestrator runs requests through the pipeline. It is safe for concurrent use.
type Orchestrator struct {
	cfg         Config
	engine      *engine.SentryEngine
	dets        Detectors
	policies    PolicySource
	limiter     *ratelimit.Limiter
	providers   *provider.Registry
	credentials provider.CredentialStore
	pricing     *tracing.Pricing
	emitter     tracing.Emitter
	stats       *metrics.Stats
	tracer      trace.Tracer
	logger      *zap.Logger
	sleep       func(context.Context, time.Duration) error
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = DefaultConfig().ProviderTimeout
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = DefaultConfig().StreamTimeout
	}
	if cfg.StreamMode == "" {
		cfg.StreamMode = StreamBuffered
	}
	o := &Orchestrator{
		cfg:         cfg,
		engine:      deps.Engine,
		dets:        deps.Detectors,
		policies:    deps.Policies,
		limiter:     deps.Limiter,
		providers:   deps.Providers,
		credentials: deps.Credentials,
		pricing:     deps.Pricing,
		emitter:     deps.Emitter,
		stats:       deps.Stats,
		tracer:      deps.Tracer,
		logger:      deps.Logger,
		sleep:       sleepCtx,
	}
	if o.tracer == nil {
		o.tracer = telemetry.Tracer()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.pricing == nil {
		o.pricing = tracing.DefaultPricing()
	}
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Providers returns the provider registry.
func (o *Orchestrator) Providers() *provider.Registry { return o.providers }

// Limiter returns the rate limiter, or nil when requests are unlimited.
func (o *Orchestrator) Limiter() *ratelimit.Limiter { return o.limiter }

func (o *Orchestrator) policy(ctx context.Context, callerID string) (*policy.Policy, error) {
	if o.policies == nil {
		return policy.Default(), nil
	}
	p, err := o.policies.Get(ctx, callerID)
	if err != nil {
		o.logger.Error("policy unavailable, failing closed", zap.String("caller_id", callerID), zap.Error(err))
	}
	return p, err
}

func (o *Orchestrator) allow(callerID string) ratelimit.Decision {
	if o.limiter == nil {
		return ratelimit.Decision{Allowed: true, Limit: -1, Remaining: -1}
	}
	return o.limiter.Allow(callerID)
}

// CheckReport is the outcome of one security stage.
type CheckReport struct {
	Passed         bool                  `json:"passed"`
	Action         policy.Action         `json:"action"`
	PolicyID       string                `json:"policy_id,omitempty"`
	RiskScore      float64               `json:"risk_score"`
	Recommendation engine.Recommendation `json:"recommendation"`
	Findings       []engine.Finding      `json:"findings"`
	Decisions      []policy.Decision     `json:"decisions,omitempty"`
	Warnings       []string              `json:"warnings,omitempty"`
	Redacted       bool                  `json:"redacted"`
	Skipped        bool                  `json:"skipped,omitempty"`
}

func skippedReport() *CheckReport {
	return &CheckReport{Passed: true, Action: policy.ActionAllow, Recommendation: engine.RecommendAllow, Findings: []engine.Finding{}, Skipped: true}
}

// run is the per-request state: one state machine and one trace.
type run struct {
	o        *Orchestrator
	trace    *tracing.Builder
	sm       *machine
	endpoint string
	done     bool
}

func (o *Orchestrator) start(callerID, endpoint string) *run {
	return &run{
		o:        o,
		trace:    tracing.NewBuilder(callerID, endpoint, o.pricing, o.emitter),
		sm:       newMachine(),
		endpoint: endpoint,
	}
}

func (r *run) move(to State) {
	if err := r.sm.advance(to); err != nil {
		r.o.logger.Error("state machine violation", zap.String("trace_id", r.trace.ID()), zap.Error(err))
	}
}

// finish closes the trace at the current terminal state. A run that never
// reached one is recorded as cancelled. Calling finish twice is a no-op.
func (r *run) finish() tracing.Trace {
	if !r.sm.state.Terminal() {
		r.move(StateCancelled)
	}
	t, _ := r.trace.Close(r.sm.state.TraceStatus(), string(r.sm.state))
	if !r.done {
		r.done = true
		r.o.stats.ObserveRequest(r.endpoint, strings.ToLower(string(r.sm.state)))
		r.o.stats.ObserveCost(t.Provider, t.Cost)
	}
	return t
}

// cancelled moves to CANCELLED and returns the matching error.
func (r *run) cancelled(cause error) *Error {
	r.move(StateCancelled)
	return newError(CodeCancelled, r.trace.ID(), "request cancelled", cause)
}

// stage pairs a trace span with an OTel span and a latency observation.
type stage struct {
	span  *tracing.SpanHandle
	otel  trace.Span
	typ   tracing.SpanType
	start time.Time
	stats *metrics.Stats
}

func (r *run) stage(ctx context.Context, typ tracing.SpanType, name string) (context.Context, *stage) {
	ctx, span := r.o.tracer.Start(ctx, string(typ), trace.WithAttributes(
		attribute.String("gateway.trace_id", r.trace.ID()),
		attribute.String("gateway.endpoint", r.endpoint),
	))
	return ctx, &stage{
		span:  r.trace.StartSpan(typ, name, ""),
		otel:  span,
		typ:   typ,
		start: time.Now(),
		stats: r.o.stats,
	}
}

func (s *stage) attr(key, value string) {
	s.span.SetAttr(key, value)
	s.otel.SetAttributes(attribute.String("gateway."+key, value))
}

func (s *stage) end(status tracing.Status, err error) {
	s.span.End(status, err)
	s.otel.SetAttributes(attribute.String("gateway.status", string(status)))
	if err != nil {
		s.otel.RecordError(err)
		s.otel.SetStatus(codes.Error, err.Error())
	}
	s.otel.End()
	s.stats.ObserveStage(string(s.typ), time.Since(s.start))
}

// evaluate runs dets over every request concurrently. Detector failures are
// already folded into fail-closed results; the joined error reports them.
func (o *Orchestrator) evaluate(ctx context.Context, reqs []*engine.DetectRequest, dets func(engine.ContextType) []engine.Detector) ([][]*engine.AnalysisResult, error) {
	out := make([][]*engine.AnalysisResult, len(reqs))
	errs := make([]error, len(reqs))
	var g errgroup.Group
	for i, req := range reqs {
		g.Go(func() error {
			out[i], errs[i] = o.engine.Evaluate(ctx, req, dets(req.ContextType)...)
			return nil
		})
	}
	_ = g.Wait()
	return out, errors.Join(errs...)
}

// decide resolves results against pol. Detector failures and policy load
// failures both force BLOCK.
func decide(pol *policy.Policy, polErr error, results [][]*engine.AnalysisResult, detectErr error) (*CheckReport, policy.Resolution) {
	var flat []*engine.AnalysisResult
	for _, rs := range results {
		flat = append(flat, rs...)
	}
	merged := engine.Merge("combined", flat...)

	var res policy.Resolution
	if polErr != nil {
		f := engine.Finding{
			Category:   RulePolicyError,
			Severity:   1,
			Confidence: 1,
			RuleID:     RulePolicyError,
			Detail:     "policy unavailable: " + polErr.Error(),
		}
		merged.Findings = append(merged.Findings, f)
		merged.RiskScore = 1
		merged.Recommendation = engine.RecommendBlock
		res = policy.Resolution{
			Action: policy.ActionBlock,
			Decisions: []policy.Decision{{
				Action:   policy.ActionBlock,
				RuleID:   RulePolicyError,
				Matched:  true,
				Detector: "policy",
				Findings: []engine.Finding{f},
			}},
		}
	} else {
		res = pol.Resolve(flat...)
	}
	if detectErr != nil {
		res.Action = policy.ActionBlock
	}

	return &CheckReport{
		Passed:         res.Action != policy.ActionBlock,
		Action:         res.Action,
		PolicyID:       res.PolicyID,
		RiskScore:      merged.RiskScore,
		Recommendation: merged.Recommendation,
		Findings:       merged.Findings,
		Decisions:      res.Decisions,
		Warnings:       res.Warnings(),
	}, res
}

// redactKinds returns the detector/kind pairs that resolved to REDACT.
func redactKinds(res policy.Resolution) map[string]bool {
	kinds := make(map[string]bool)
	for _, d := range res.Decisions {
		if d.Action == policy.ActionRedact {
			for _, f := range d.Findings {
				kinds[d.Detector+"/"+string(f.Kind)] = true
			}
		}
	}
	return kinds
}

// redactText replaces the findings of results whose kind resolved to REDACT.
func redactText(text string, results []*engine.AnalysisResult, kinds map[string]bool) (string, bool) {
	if len(kinds) == 0 {
		return text, false
	}
	var fs []engine.Finding
	for _, r := range results {
		for _, f := range r.Findings {
			if kinds[r.Detector+"/"+string(f.Kind)] {
				fs = append(fs, f)
			}
		}
	}
	if len(fs) == 0 {
		return text, false
	}
	out := engine.Redact(text, fs, nil)
	return out, out != text
}

func contextFor(role string) engine.ContextType {
	if role == provider.RoleSystem {
		return engine.ContextSystemPrompt
	}
	return engine.ContextInput
}

// checkInput runs the input stage over the user and system messages and
// applies REDACT decisions to user messages in place. The only error is
// cancellation.
func (r *run) checkInput(ctx context.Context, callerID string, msgs []provider.Message) (*CheckReport, error) {
	ctx, st := r.stage(ctx, tracing.SpanInputCheck, "input")

	var (
		idx  []int
		reqs []*engine.DetectRequest
	)
	for i, m := range msgs {
		if m.Role == provider.RoleUser || m.Role == provider.RoleSystem {
			idx = append(idx, i)
			reqs = append(reqs, &engine.DetectRequest{Content: m.Content, ContextType: contextFor(m.Role)})
		}
	}

	results, detectErr := r.o.evaluate(ctx, reqs, r.o.dets.input)
	if err := ctx.Err(); err != nil {
		st.end(tracing.StatusCancelled, err)
		return nil, err
	}
	pol, polErr := r.o.policy(ctx, callerID)
	report, res := decide(pol, polErr, results, detectErr)

	if res.Action == policy.ActionRedact {
		kinds := redactKinds(res)
		for j, i := range idx {
			if msgs[i].Role != provider.RoleUser {
				continue
			}
			if text, changed := redactText(msgs[i].Content, results[j], kinds); changed {
				msgs[i].Content = text
				report.Redacted = true
			}
		}
	}

	r.o.stats.ObserveFindings(report.Findings)
	st.attr("action", string(report.Action))
	st.attr("findings", strconv.Itoa(len(report.Findings)))
	if report.Passed {
		st.end(tracing.StatusOK, nil)
	} else {
		r.o.stats.ObserveBlock("input")
		st.end(tracing.StatusBlocked, nil)
	}
	return report, nil
}

// checkOutput runs the output stage over text. The returned string is text
// with REDACT decisions applied.
func (r *run) checkOutput(ctx context.Context, callerID, text string) (*CheckReport, string, error) {
	ctx, st := r.stage(ctx, tracing.SpanOutputCheck, "output")

	req := &engine.DetectRequest{Content: text, ContextType: engine.ContextOutput}
	results, detectErr := r.o.evaluate(ctx, []*engine.DetectRequest{req}, func(engine.ContextType) []engine.Detector {
		return r.o.dets.output()
	})
	if err := ctx.Err(); err != nil {
		st.end(tracing.StatusCancelled, err)
		return nil, "", err
	}
	pol, polErr := r.o.policy(ctx, callerID)
	report, res := decide(pol, polErr, results, detectErr)

	out := text
	if res.Action == policy.ActionRedact {
		out, report.Redacted = redactText(text, results[0], redactKinds(res))
	}

	r.o.stats.ObserveFindings(report.Findings)
	st.attr("action", string(report.Action))
	st.attr("findings", strconv.Itoa(len(report.Findings)))
	if report.Passed {
		st.end(tracing.StatusOK, nil)
	} else {
		r.o.stats.ObserveBlock("output")
		st.end(tracing.StatusBlocked, nil)
	}
	return report, out, nil
}

// checkRate admits or rejects the caller, recording a rate_check span.
func (r *run) checkRate(ctx context.Context, callerID string) ratelimit.Decision {
	_, st := r.stage(ctx, tracing.SpanRateCheck, "rate")
	d := r.o.allow(callerID)
	st.attr("remaining", strconv.Itoa(d.Remaining))
	if d.Allowed {
		st.end(tracing.StatusOK, nil)
	} else {
		r.o.stats.ObserveRateLimited(r.endpoint)
		st.end(tracing.StatusRateLimited, nil)
	}
	return d
}

func (r *run) rateLimited(d ratelimit.Decision) *Error {
	r.move(StateRateLimited)
	return rateLimitError(r.trace.ID(), d)
}

func rateLimitError(traceID string, d ratelimit.Decision) *Error {
	e := newError(CodeRateLimited, traceID,
		fmt.Sprintf("rate limit exceeded, retry in %s", d.RetryAfter.Round(time.Second)), nil)
	e.RateLimit = &d
	return e
}

// apiKey resolves the caller's key for p. No stored key means the provider's
// own configuration is used.
func (o *Orchestrator) apiKey(ctx context.Context, callerID string, p provider.Provider) (string, error) {
	if o.credentials == nil {
		return "", nil
	}
	key, err := o.credentials.ResolveProviderKey(ctx, callerID, p.Name())
	if errors.Is(err, provider.ErrNoCredential) {
		return "", nil
	}
	return key, err
}

// retry calls attempt until it succeeds, the error is not retryable, or the
// attempts run out. Each attempt gets its own provider_call span and bounds its
// own context; a successful attempt leaves its span to the caller. It returns
// the number of attempts made.
func (r *run) retry(ctx context.Context, p provider.Provider, attempt func(ctx context.Context, st *stage) error) (int, error) {
	bo := r.o.cfg.Retry.NewBackOff()
	attempts := r.o.cfg.Retry.Attempts()
	for n := 1; ; n++ {
		callCtx, st := r.stage(ctx, tracing.SpanProviderCall, fmt.Sprintf("%s attempt %d", p.Name(), n))
		st.attr("provider", p.Name())
		st.attr("attempt", strconv.Itoa(n))
		err := attempt(callCtx, st)
		if err == nil {
			r.o.stats.ObserveProviderAttempt(p.Name(), "ok")
			return n, nil
		}
		if ctx.Err() != nil {
			st.end(tracing.StatusCancelled, err)
			r.o.stats.ObserveProviderAttempt(p.Name(), "cancelled")
			return n, ctx.Err()
		}
		st.end(tracing.StatusError, err)
		r.o.stats.ObserveProviderAttempt(p.Name(), "error")
		r.o.logger.Warn("provider attempt failed",
			zap.String("trace_id", r.trace.ID()),
			zap.String("provider", p.Name()),
			zap.Int("attempt", n),
			zap.Bool("retryable", provider.Retryable(err)),
			zap.Error(err),
		)
		if n >= attempts || !provider.Retryable(err) {
			return n, err
		}
		if err := r.o.sleep(ctx, bo.NextBackOff()); err != nil {
			return n, err
		}
	}
}

// credential resolves the provider key, failing the request when the store
// errors.
func (r *run) credential(ctx context.Context, callerID string, p provider.Provider) (string, error) {
	key, err := r.o.apiKey(ctx, callerID, p)
	if err == nil {
		return key, nil
	}
	if ctx.Err() != nil {
		return "", r.cancelled(ctx.Err())
	}
	r.o.logger.Error("credential lookup failed", zap.String("trace_id", r.trace.ID()), zap.Error(err))
	r.move(StateProviderFailed)
	return "", newError(CodeProviderFailed, r.trace.ID(), "provider credential unavailable", err)
}

func (r *run) providerFailed(p provider.Provider, attempts int, err error) *Error {
	r.move(StateProviderFailed)
	return newError(CodeProviderFailed, r.trace.ID(),
		fmt.Sprintf("provider %s failed after %d attempt(s)", p.Name(), attempts), err)
}
