package policy

import (
	"slices"

	"github.com/triage-ai/palisade-gateway/internal/engine"
)

// Condition is a predicate over an AnalysisResult. Unset fields are ignored.
//
// Finding-level fields (kinds, categories, rule ids, min severity) must all be
// satisfied by at least one single finding. Result-level fields (risk score,
// recommendation, context type) are checked against the result itself. An
// empty condition matches everything.
type Condition struct {
	Kinds           []engine.Kind           `json:"kinds,omitempty"`
	Categories      []string                `json:"categories,omitempty"`
	RuleIDs         []string                `json:"rule_ids,omitempty"`
	MinSeverity     *float64                `json:"min_severity,omitempty"`
	MinRiskScore    *float64                `json:"min_risk_score,omitempty"`
	Recommendations []engine.Recommendation `json:"recommendations,omitempty"`
	ContextTypes    []engine.ContextType    `json:"context_types,omitempty"`
}

// Specificity counts the constrained fields. Narrower conditions win priority ties.
func (c Condition) Specificity() int {
	n := 0
	if len(c.Kinds) > 0 {
		n++
	}
	if len(c.Categories) > 0 {
		n++
	}
	if len(c.RuleIDs) > 0 {
		n++
	}
	if c.MinSeverity != nil {
		n++
	}
	if c.MinRiskScore != nil {
		n++
	}
	if len(c.Recommendations) > 0 {
		n++
	}
	if len(c.ContextTypes) > 0 {
		n++
	}
	return n
}

// Matches evaluates the condition against r.
func (c Condition) Matches(r *engine.AnalysisResult) bool {
	if c.MinRiskScore != nil && r.RiskScore < *c.MinRiskScore {
		return false
	}
	if len(c.Recommendations) > 0 && !slices.Contains(c.Recommendations, r.Recommendation) {
		return false
	}
	if len(c.ContextTypes) > 0 && !slices.Contains(c.ContextTypes, r.ContextType) {
		return false
	}
	if !c.hasFindingConstraints() {
		return true
	}
	for i := range r.Findings {
		if c.matchesFinding(&r.Findings[i]) {
			return true
		}
	}
	return false
}

func (c Condition) hasFindingConstraints() bool {
	return len(c.Kinds) > 0 || len(c.Categories) > 0 || len(c.RuleIDs) > 0 || c.MinSeverity != nil
}

func (c Condition) matchesFinding(f *engine.Finding) bool {
	if len(c.Kinds) > 0 && !slices.Contains(c.Kinds, f.Kind) {
		return false
	}
	if len(c.Categories) > 0 && !slices.Contains(c.Categories, f.Category) {
		return false
	}
	if len(c.RuleIDs) > 0 && !slices.Contains(c.RuleIDs, f.RuleID) {
		return false
	}
	if c.MinSeverity != nil && f.Severity < *c.MinSeverity {
		return false
	}
	return true
}
