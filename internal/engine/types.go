package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Kind classifies what a Finding detected.
type Kind string

const (
	KindPromptInjection  Kind = "prompt_injection"
	KindJailbreak        Kind = "jailbreak"
	KindDataExfiltration Kind = "data_exfiltration"
	KindPII              Kind = "pii"
	KindToxicity         Kind = "toxicity"
)

// Valid reports whether k is one of the known finding kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPromptInjection, KindJailbreak, KindDataExfiltration, KindPII, KindToxicity:
		return true
	}
	return false
}

// ContextType says where the analyzed text came from.
type ContextType string

const (
	ContextInput        ContextType = "input"
	ContextOutput       ContextType = "output"
	ContextSystemPrompt ContextType = "system_prompt"
)

// ParseContextType maps the wire value to a ContextType. Empty defaults to input.
func ParseContextType(s string) (ContextType, bool) {
	switch ContextType(s) {
	case "":
		return ContextInput, true
	case ContextInput, ContextOutput, ContextSystemPrompt:
		return ContextType(s), true
	}
	return "", false
}

// Recommendation is the detector-level suggested action.
type Recommendation string

const (
	RecommendAllow   Recommendation = "ALLOW"
	RecommendMonitor Recommendation = "MONITOR"
	RecommendFlag    Recommendation = "FLAG"
	RecommendRedact  Recommendation = "REDACT"
	RecommendBlock   Recommendation = "BLOCK"
)

// Span is a half-open byte range [Start, End) into the analyzed text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of bytes covered.
func (s Span) Len() int { return s.End - s.Start }

// Overlaps reports whether two spans share at least one byte.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Finding is one detected issue. Values are never mutated after creation.
type Finding struct {
	Kind        Kind    `json:"kind"`
	Category    string  `json:"category"`
	Severity    float64 `json:"severity"`
	Confidence  float64 `json:"confidence"`
	Span        Span    `json:"matched_span"`
	MatchedText string  `json:"matched_text"`
	RuleID      string  `json:"rule_id"`
	Detail      string  `json:"description"`
}

// AnalysisResult aggregates one detector run over one content string.
type AnalysisResult struct {
	Detector       string         `json:"detector"`
	ContextType    ContextType    `json:"context_type"`
	ContentHash    string         `json:"content_hash"`
	CatalogVersion string         `json:"catalog_version,omitempty"`
	Findings       []Finding      `json:"findings"`
	RiskScore      float64        `json:"risk_score"`
	IsSafe         bool           `json:"is_safe"`
	Recommendation Recommendation `json:"recommendation"`
	ProcessingTime time.Duration  `json:"processing_time"`
}

// HasKind reports whether any finding is of the given kind.
func (r *AnalysisResult) HasKind(k Kind) bool {
	for _, f := range r.Findings {
		if f.Kind == k {
			return true
		}
	}
	return false
}

// Kinds returns the distinct finding kinds in first-seen order.
func (r *AnalysisResult) Kinds() []Kind {
	seen := make(map[Kind]bool, 4)
	var out []Kind
	for _, f := range r.Findings {
		if !seen[f.Kind] {
			seen[f.Kind] = true
			out = append(out, f.Kind)
		}
	}
	return out
}

// ContentHash returns the stable hex SHA-256 digest used for caching and dedup.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
