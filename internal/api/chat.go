package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade-gateway/internal/provider"
	"github.com/triage-ai/palisade-gateway/internal/proxy"
	"github.com/triage-ai/palisade-gateway/internal/ratelimit"
)

func (d *Dependencies) chatRequest(w http.ResponseWriter, r *http.Request) (*proxy.ChatRequest, bool) {
	var req ChatReq
	if err := readJSON(w, r, &req); err != nil {
		d.writeProxyError(w, proxy.InvalidInput("invalid JSON body: %v", err))
		return nil, false
	}
	msgs := make([]provider.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = provider.Message{Role: m.Role, Content: m.Content}
	}
	checks := true
	if req.SecurityChecks != nil {
		checks = *req.SecurityChecks
	}
	return &proxy.ChatRequest{
		CallerID:       principalFromContext(r.Context()).CallerID,
		Messages:       msgs,
		Model:          req.Model,
		Provider:       req.Provider,
		SecurityChecks: checks,
	}, true
}

// handleChat implements POST /llm/chat. Blocked requests answer 200 with
// blocked=true and the triggering findings in security_checks.
func (d *Dependencies) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := d.chatRequest(w, r)
	if !ok {
		return
	}
	res, err := d.Gateway.Chat(r.Context(), req)
	if err != nil {
		d.writeProxyError(w, err)
		return
	}
	if res.RateLimit != nil {
		ratelimit.WriteHeaders(w, *res.RateLimit)
	}
	writeJSON(w, http.StatusOK, ChatResp{
		TraceID:        res.TraceID,
		Response:       res.Response,
		Blocked:        res.Blocked,
		State:          res.State,
		FinishReason:   res.FinishReason,
		SecurityChecks: SecurityChecksResp{Input: res.Input, Output: res.Output},
		Provider:       res.Provider,
		Model:          res.Model,
		Attempts:       res.Attempts,
		TokensUsed:     res.TokensUsed,
		Cost:           res.Cost,
		CostEstimated:  res.CostEstimated,
		Warnings:       res.Warnings,
	})
}

// handleChatStream implements POST /llm/chat/stream as Server-Sent Events.
// Failures before the first event are ordinary JSON errors; later ones are
// reported with a terminal error event.
func (d *Dependencies) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := d.chatRequest(w, r)
	if !ok {
		return
	}
	sse := newSSEWriter(w)
	_, err := d.Gateway.ChatStream(r.Context(), req, sse)
	if err == nil {
		return
	}
	if !sse.started {
		d.writeProxyError(w, err)
		return
	}
	e, ok := proxy.AsError(err)
	if !ok {
		e = &proxy.Error{Code: proxy.CodeInternal, Detail: "internal error"}
	}
	if e.Code == proxy.CodeCancelled {
		// The client is gone; nobody is left to read an error event.
		return
	}
	if werr := sse.Emit(proxy.Event{Name: proxy.EventError, Data: proxy.ErrorEvent{
		Code:    e.Code,
		Detail:  e.Detail,
		TraceID: e.TraceID,
	}}); werr != nil {
		d.Logger.Debug("error event not delivered", zap.String("trace_id", e.TraceID), zap.Error(werr))
	}
}

// sseWriter renders proxy events as text/event-stream frames.
type sseWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *sseWriter) Start(d ratelimit.Decision) error {
	ratelimit.WriteHeaders(s.w, d)
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
	return s.rc.Flush()
}

func (s *sseWriter) Emit(e proxy.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("sseWriter.Emit: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", e.Name, data); err != nil {
		return err
	}
	return s.rc.Flush()
}
