package api

import (
	"time"

	"github.com/triage-ai/palisade-gateway/internal/engine"
	"github.com/triage-ai/palisade-gateway/internal/proxy"
	"github.com/triage-ai/palisade-gateway/internal/tracing"
)

// --- POST /security/analyze and /security/batch ---

// AnalyzeReq is the JSON body for POST /security/analyze.
type AnalyzeReq struct {
	Content     string `json:"content"`
	ContextType string `json:"context_type,omitempty"`
}

// DetectorResp summarizes one detector's verdict.
type DetectorResp struct {
	Detector       string                `json:"detector"`
	RiskScore      float64               `json:"risk_score"`
	IsSafe         bool                  `json:"is_safe"`
	Recommendation engine.Recommendation `json:"recommendation"`
	CatalogVersion string                `json:"catalog_version,omitempty"`
	Findings       int                   `json:"findings"`
}

// AnalyzeResp is the merged verdict for one piece of content.
type AnalyzeResp struct {
	TraceID          string                `json:"trace_id,omitempty"`
	ThreatsDetected  []engine.Finding      `json:"threats_detected"`
	IsSafe           bool                  `json:"is_safe"`
	RiskScore        float64               `json:"risk_score"`
	Recommendation   engine.Recommendation `json:"recommendation"`
	ContextType      engine.ContextType    `json:"context_type"`
	ContentHash      string                `json:"content_hash"`
	Detectors        []DetectorResp        `json:"detectors"`
	ProcessingTimeMs float64               `json:"processing_time_ms"`
}

// BatchReq is the JSON body for POST /security/batch.
type BatchReq struct {
	Requests []AnalyzeReq `json:"requests"`
}

// BatchResp holds one result per request, in request order.
type BatchResp struct {
	TraceID        string        `json:"trace_id"`
	Results        []AnalyzeResp `json:"results"`
	TotalProcessed int           `json:"total_processed"`
}

// --- POST /filter ---

// FilterReq is the JSON body for POST /filter.
type FilterReq struct {
	Content           string   `json:"content"`
	Filters           []string `json:"filters,omitempty"`
	Redact            bool     `json:"redact"`
	ToxicityThreshold *float64 `json:"toxicity_threshold,omitempty"`
}

// FilterResp is the content filter outcome.
type FilterResp struct {
	TraceID         string             `json:"trace_id"`
	FilteredContent string             `json:"filtered_content"`
	PIIDetected     []proxy.PIIMatch   `json:"pii_detected"`
	ToxicityScores  map[string]float64 `json:"toxicity_scores"`
	IsSafe          bool               `json:"is_safe"`
	Findings        []engine.Finding   `json:"findings"`
}

// --- POST /llm/chat and /llm/chat/stream ---

// MessageReq is one chat message.
type MessageReq struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatReq is the JSON body for both chat endpoints. SecurityChecks defaults
// to true when omitted.
type ChatReq struct {
	Messages       []MessageReq `json:"messages"`
	Model          string       `json:"model"`
	Provider       string       `json:"provider,omitempty"`
	SecurityChecks *bool        `json:"security_checks,omitempty"`
}

// SecurityChecksResp reports both stages of a chat request.
type SecurityChecksResp struct {
	Input  *proxy.CheckReport `json:"input"`
	Output *proxy.CheckReport `json:"output,omitempty"`
}

// ChatResp is the response of POST /llm/chat.
type ChatResp struct {
	TraceID        string             `json:"trace_id"`
	Response       string             `json:"response"`
	Blocked        bool               `json:"blocked"`
	State          proxy.State        `json:"state"`
	FinishReason   string             `json:"finish_reason,omitempty"`
	SecurityChecks SecurityChecksResp `json:"security_checks"`
	Provider       string             `json:"provider"`
	Model          string             `json:"model"`
	Attempts       int                `json:"attempts"`
	TokensUsed     int                `json:"tokens_used"`
	Cost           float64            `json:"cost"`
	CostEstimated  bool               `json:"cost_estimated"`
	Warnings       []string           `json:"warnings,omitempty"`
}

// --- GET /traces/{trace_id} ---

// TraceResp is a stored trace with its spans.
type TraceResp struct {
	Trace tracing.Trace  `json:"trace"`
	Spans []tracing.Span `json:"spans"`
}

// --- Admin ---

// ResetResp confirms a stats reset.
type ResetResp struct {
	ResetAt time.Time `json:"reset_at"`
}

// ErrorResp is the standard error response body.
type ErrorResp struct {
	Code     string           `json:"code"`
	Detail   string           `json:"detail"`
	TraceID  string           `json:"trace_id"`
	Findings []engine.Finding `json:"findings,omitempty"`
}
