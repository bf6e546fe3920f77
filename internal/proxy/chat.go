package proxy

import (
	"context"
	"strings"

	"github.com/triage-ai/palisade-gateway/internal/provider"
	"github.com/triage-ai/palisade-gateway/internal/ratelimit"
	"github.com/triage-ai/palisade-gateway/internal/tracing"
)

// Endpoint names recorded on traces and metrics.
const (
	EndpointAnalyze    = "/security/analyze"
	EndpointBatch      = "/security/batch"
	EndpointFilter     = "/filter"
	EndpointChat       = "/llm/chat"
	EndpointChatStream = "/llm/chat/stream"
)

// ChatRequest is one proxied chat completion.
type ChatRequest struct {
	CallerID string
	Messages []provider.Message
	Model    string
	Provider string
	// SecurityChecks disables the input and output stages when false.
	SecurityChecks bool
}

// ChatResult is the outcome of a chat request that reached COMPLETED or was
// blocked. Blocks are results, not errors.
type ChatResult struct {
	TraceID       string
	State         State
	Response      string
	FinishReason  string
	Blocked       bool
	Input         *CheckReport
	Output        *CheckReport
	Provider      string
	Model         string
	Attempts      int
	TokensUsed    int
	Cost          float64
	CostEstimated bool
	RateLimit     *ratelimit.Decision
	Warnings      []string
}

func (r *ChatResult) close(t tracing.Trace) {
	r.State = State(t.State)
	r.TokensUsed = t.TotalTokens
	r.Cost = t.Cost
	r.CostEstimated = t.CostEstimated
	if r.Input != nil {
		r.Warnings = append(r.Warnings, r.Input.Warnings...)
	}
	if r.Output != nil {
		r.Warnings = append(r.Warnings, r.Output.Warnings...)
	}
}

// validate rejects malformed requests before a trace is opened.
func (o *Orchestrator) validate(req *ChatRequest) (provider.Provider, error) {
	if len(req.Messages) == 0 {
		return nil, InvalidInput("messages must not be empty")
	}
	for i, m := range req.Messages {
		switch m.Role {
		case provider.RoleSystem, provider.RoleUser, provider.RoleAssistant:
		default:
			return nil, InvalidInput("messages[%d]: unknown role %q", i, m.Role)
		}
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, InvalidInput("model is required")
	}
	p, err := o.providers.Get(req.Provider)
	if err != nil {
		return nil, InvalidInput("%v", err)
	}
	return p, nil
}

// Chat runs a single-shot request through the full state machine. Security
// blocks return a result with Blocked set and a nil error; every other early
// exit returns an *Error carrying the trace id.
func (o *Orchestrator) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	p, err := o.validate(req)
	if err != nil {
		return nil, err
	}
	msgs := append([]provider.Message(nil), req.Messages...)

	r := o.start(req.CallerID, EndpointChat)
	r.trace.SetTarget(p.Name(), req.Model)
	res := &ChatResult{TraceID: r.trace.ID(), Provider: p.Name(), Model: req.Model}
	defer func() { res.close(r.finish()) }()

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
		return res, nil
	}

	// 2. Rate check
	r.move(StateRateChecked)
	d := r.checkRate(ctx, req.CallerID)
	res.RateLimit = &d
	if !d.Allowed {
		return nil, r.rateLimited(d)
	}

	// 3. Provider call
	r.move(StateProviderCalled)
	key, err := r.credential(ctx, req.CallerID, p)
	if err != nil {
		return nil, err
	}
	preq := &provider.Request{Model: req.Model, Messages: msgs, APIKey: key}
	var resp *provider.Response
	res.Attempts, err = r.retry(ctx, p, func(ctx context.Context, st *stage) error {
		ctx, cancel := context.WithTimeout(ctx, o.cfg.ProviderTimeout)
		defer cancel()
		out, err := p.Chat(ctx, preq)
		if err != nil {
			return err
		}
		model := out.Model
		if model == "" {
			model = req.Model
		}
		st.span.SetUsage(model, out.Usage.PromptTokens, out.Usage.CompletionTokens)
		st.end(tracing.StatusOK, nil)
		resp = out
		return nil
	})
	if ctx.Err() != nil {
		return nil, r.cancelled(ctx.Err())
	}
	if err != nil {
		return nil, r.providerFailed(p, res.Attempts, err)
	}
	res.FinishReason = resp.FinishReason

	// 4. Output check
	res.Output = skippedReport()
	text := resp.Content
	if req.SecurityChecks {
		report, out, err := r.checkOutput(ctx, req.CallerID, resp.Content)
		if err != nil {
			return nil, r.cancelled(err)
		}
		res.Output, text = report, out
	}
	r.move(StateOutputChecked)
	if !res.Output.Passed {
		r.move(StateBlockedOutput)
		res.Blocked = true
		return res, nil
	}

	r.move(StateCompleted)
	res.Response = text
	return res, nil
}
