package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade-gateway/internal/engine"
	"github.com/triage-ai/palisade-gateway/internal/policy"
	"github.com/triage-ai/palisade-gateway/internal/provider"
	"github.com/triage-ai/palisade-gateway/internal/ratelimit"
	"github.com/triage-ai/palisade-gateway/internal/tracing"
)

// Stream event names.
const (
	EventSecurityCheck = "security_check"
	EventToken         = "token"
	EventDone          = "done"
	EventError         = "error"
)

// Event is one server-push event of a streamed chat.
type Event struct {
	Name string
	Data any
}

// SecurityCheckEvent reports the input or output stage.
type SecurityCheckEvent struct {
	TraceID string `json:"trace_id"`
	Stage   string `json:"stage"`
	*CheckReport
}

// TokenEvent carries a piece of the reply.
type TokenEvent struct {
	Content string `json:"content"`
}

// DoneEvent closes the stream.
type DoneEvent struct {
	TraceID       string  `json:"trace_id"`
	Blocked       bool    `json:"blocked"`
	State         State   `json:"state"`
	FinishReason  string  `json:"finish_reason,omitempty"`
	TokensUsed    int     `json:"tokens_used"`
	Cost          float64 `json:"cost"`
	CostEstimated bool    `json:"cost_estimated"`
	Redacted      bool    `json:"redacted"`
	// FilteredResponse is the redacted reply when tokens were forwarded before
	// the output check asked for redaction.
	FilteredResponse string `json:"filtered_response,omitempty"`
}

// ErrorEvent reports a failure after the stream started.
type ErrorEvent struct {
	Code    Code   `json:"code"`
	Detail  string `json:"detail"`
	TraceID string `json:"trace_id"`
}

// EventWriter receives the events of one streamed chat. Start is called once,
// before the first event, with the caller's rate-limit state. A request
// rejected by the rate limiter never reaches Start.
type EventWriter interface {
	Start(d ratelimit.Decision) error
	Emit(e Event) error
}

// quickScanOverlap is how far back each incremental chunk check looks, so a
// credential split across chunks is still seen whole.
const quickScanOverlap = 256

// ChatStream runs a streamed request. It follows the same state machine as
// Chat, deferring OUTPUT_CHECKED until the upstream stream closes. Errors
// returned after Start was called should be reported with an error event.
func (o *Orchestrator) ChatStream(ctx context.Context, req *ChatRequest, w EventWriter) (*ChatResult, error) {
	p, err := o.validate(req)
	if err != nil {
		return nil, err
	}
	msgs := append([]provider.Message(nil), req.Messages...)

	r := o.start(req.CallerID, EndpointChatStream)
	r.trace.SetTarget(p.Name(), req.Model)
	res := &ChatResult{TraceID: r.trace.ID(), Provider: p.Name(), Model: req.Model}
	defer func() { res.close(r.finish()) }()

	emit := func(name string, data any) error {
		return w.Emit(Event{Name: name, Data: data})
	}
	done := func() error {
		t := r.finish()
		ev := DoneEvent{
			TraceID:       t.ID,
			Blocked:       res.Blocked,
			State:         State(t.State),
			FinishReason:  res.FinishReason,
			TokensUsed:    t.TotalTokens,
			Cost:          t.Cost,
			CostEstimated: t.CostEstimated,
		}
		if res.Output != nil {
			ev.Redacted = res.Output.Redacted
			if res.Output.Redacted && o.cfg.StreamMode == StreamIncremental {
				ev.FilteredResponse = res.Response
			}
		}
		return emit(EventDone, ev)
	}

	// 1. Input check
	res.Input = skippedReport()
	if req.SecurityChecks {
		report, err := r.checkInput(ctx, req.CallerID, msgs)
		if err != nil {
			return nil, r.cancelled(err)
		}
		res.Input = report
	}
	r.move(StateInputChecked)
	if !res.Input.Passed {
		r.move(StateBlockedInput)
		res.Blocked = true
		if err := w.Start(ratelimit.Decision{Allowed: true, Limit: -1}); err != nil {
			return res, nil
		}
		if err := emit(EventSecurityCheck, SecurityCheckEvent{TraceID: r.trace.ID(), Stage: "input", CheckReport: res.Input}); err != nil {
			return res, nil
		}
		_ = done()
		return res, nil
	}

	// 2. Rate check
	r.move(StateRateChecked)
	d := r.checkRate(ctx, req.CallerID)
	res.RateLimit = &d
	if !d.Allowed {
		return nil, r.rateLimited(d)
	}
	if err := w.Start(d); err != nil {
		return nil, r.cancelled(err)
	}
	if err := emit(EventSecurityCheck, SecurityCheckEvent{TraceID: r.trace.ID(), Stage: "input", CheckReport: res.Input}); err != nil {
		return nil, r.cancelled(err)
	}

	// 3. Provider call: only opening the stream is retried.
	r.move(StateProviderCalled)
	key, err := r.credential(ctx, req.CallerID, p)
	if err != nil {
		return nil, err
	}
	preq := &provider.Request{Model: req.Model, Messages: msgs, APIKey: key}
	var (
		stream  provider.Stream
		call    *stage
		release context.CancelFunc
	)
	res.Attempts, err = r.retry(ctx, p, func(ctx context.Context, st *stage) error {
		// The body lives under StreamTimeout; opening it is one provider
		// attempt and gets ProviderTimeout.
		ctx, cancel := context.WithTimeout(ctx, o.cfg.StreamTimeout)
		openTimer := time.AfterFunc(o.cfg.ProviderTimeout, cancel)
		s, err := p.Stream(ctx, preq)
		if !openTimer.Stop() {
			if s != nil {
				_ = s.Close()
			}
			cancel()
			return &provider.TransportError{
				Provider: p.Name(),
				Timeout:  true,
				Err:      fmt.Errorf("stream not opened within %s: %w", o.cfg.ProviderTimeout, context.DeadlineExceeded),
			}
		}
		if err != nil {
			cancel()
			return err
		}
		stream, call, release = s, st, cancel
		return nil
	})
	if ctx.Err() != nil {
		if stream != nil {
			_ = stream.Close()
			release()
			call.end(tracing.StatusCancelled, ctx.Err())
		}
		return nil, r.cancelled(ctx.Err())
	}
	if err != nil {
		return nil, r.providerFailed(p, res.Attempts, err)
	}
	defer release()
	defer stream.Close()

	sc := &streamCheck{
		r:           r,
		incremental: req.SecurityChecks && o.cfg.StreamMode == StreamIncremental,
		buffered:    req.SecurityChecks && o.cfg.StreamMode == StreamBuffered,
	}
	if sc.incremental {
		_, sc.st = r.stage(ctx, tracing.SpanChunkCheck, "chunks")
	}

	var (
		full    strings.Builder
		pending []string
		usage   provider.Usage
	)
	for {
		c, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			sc.abort(ctx.Err() != nil)
			if ctx.Err() != nil {
				call.end(tracing.StatusCancelled, err)
				o.stats.ObserveProviderAttempt(p.Name(), "cancelled")
				return nil, r.cancelled(ctx.Err())
			}
			call.end(tracing.StatusError, err)
			o.stats.ObserveProviderAttempt(p.Name(), "error")
			return nil, r.providerFailed(p, res.Attempts, err)
		}
		if c.Usage != nil {
			usage = *c.Usage
		}
		if c.FinishReason != "" {
			res.FinishReason = c.FinishReason
		}
		if c.Delta == "" {
			continue
		}
		full.WriteString(c.Delta)

		if sc.incremental {
			if report := sc.check(ctx, req.CallerID, full.String(), len(c.Delta)); report != nil && !report.Passed {
				call.span.SetUsage(req.Model, usage.PromptTokens, usage.CompletionTokens)
				call.end(tracing.StatusOK, nil)
				r.move(StateOutputChecked)
				r.move(StateBlockedOutput)
				res.Blocked = true
				res.Output = report
				o.stats.ObserveFindings(report.Findings)
				o.stats.ObserveBlock("output")
				o.logger.Warn("stream halted by chunk check",
					zap.String("trace_id", r.trace.ID()), zap.Int("findings", len(report.Findings)))
				if err := emit(EventSecurityCheck, SecurityCheckEvent{TraceID: r.trace.ID(), Stage: "output", CheckReport: res.Output}); err == nil {
					_ = done()
				}
				return res, nil
			}
		}
		if sc.buffered {
			pending = append(pending, c.Delta)
			continue
		}
		if err := emit(EventToken, TokenEvent{Content: c.Delta}); err != nil {
			sc.abort(true)
			call.end(tracing.StatusCancelled, err)
			return nil, r.cancelled(err)
		}
	}
	call.span.SetUsage(req.Model, usage.PromptTokens, usage.CompletionTokens)
	call.end(tracing.StatusOK, nil)
	sc.finish()

	// 4. Output check over the whole reply.
	text := full.String()
	res.Output = skippedReport()
	if req.SecurityChecks {
		report, out, err := r.checkOutput(ctx, req.CallerID, text)
		if err != nil {
			return nil, r.cancelled(err)
		}
		res.Output, text = report, out
	}
	r.move(StateOutputChecked)
	if !res.Output.Passed {
		r.move(StateBlockedOutput)
		res.Blocked = true
		if err := emit(EventSecurityCheck, SecurityCheckEvent{TraceID: r.trace.ID(), Stage: "output", CheckReport: res.Output}); err == nil {
			_ = done()
		}
		return res, nil
	}
	res.Response = text

	if sc.buffered {
		if res.Output.Redacted {
			pending = []string{text}
		}
		for _, tok := range pending {
			if err := emit(EventToken, TokenEvent{Content: tok}); err != nil {
				return nil, r.cancelled(err)
			}
		}
	}
	if req.SecurityChecks {
		if err := emit(EventSecurityCheck, SecurityCheckEvent{TraceID: r.trace.ID(), Stage: "output", CheckReport: res.Output}); err != nil {
			return nil, r.cancelled(err)
		}
	}
	r.move(StateCompleted)
	_ = done()
	return res, nil
}

// streamCheck runs the per-chunk credential scan under one chunk_check span.
// Chunk findings go through the caller's policy like the buffered output
// check, so only a BLOCK halts the stream.
type streamCheck struct {
	r           *run
	st          *stage
	incremental bool
	buffered    bool
	chunks      int
	// resolved is the reply offset up to which findings were already decided.
	resolved int
}

// check scans the newest chunk plus some overlap with what came before and
// resolves any new findings. It returns nil when nothing new was found.
func (c *streamCheck) check(ctx context.Context, callerID, full string, deltaLen int) *CheckReport {
	fs := c.scan(ctx, full, deltaLen)
	if len(fs) == 0 {
		return nil
	}
	o := c.r.o
	req := &engine.DetectRequest{Content: full, ContextType: engine.ContextOutput}
	result := engine.Summarize(o.dets.Exfiltration, req, fs, o.engine.Thresholds(), 0)
	pol, polErr := o.policy(ctx, callerID)
	report, _ := decide(pol, polErr, [][]*engine.AnalysisResult{{result}}, nil)

	if c.st != nil {
		c.st.attr("chunks", strconv.Itoa(c.chunks))
		if report.Action != policy.ActionAllow {
			c.st.attr("action", string(report.Action))
		}
		if !report.Passed {
			c.st.end(tracing.StatusBlocked, nil)
			c.st = nil
		}
	}
	return report
}

// scan returns the credential findings not yet resolved. Finding spans are
// relative to the whole reply.
func (c *streamCheck) scan(ctx context.Context, full string, deltaLen int) []engine.Finding {
	c.chunks++
	from := max(0, len(full)-deltaLen-quickScanOverlap)
	var fresh []engine.Finding
	for _, f := range c.r.o.dets.Exfiltration.QuickScan(ctx, full[from:]) {
		f.Span.Start += from
		f.Span.End += from
		if f.Span.End > c.resolved {
			fresh = append(fresh, f)
		}
	}
	for _, f := range fresh {
		c.resolved = max(c.resolved, f.Span.End)
	}
	return fresh
}

func (c *streamCheck) finish() {
	if c.st != nil {
		c.st.attr("chunks", strconv.Itoa(c.chunks))
		c.st.end(tracing.StatusOK, nil)
		c.st = nil
	}
}

func (c *streamCheck) abort(cancelled bool) {
	if c.st == nil {
		return
	}
	status := tracing.StatusError
	if cancelled {
		status = tracing.StatusCancelled
	}
	c.st.end(status, nil)
	c.st = nil
}
