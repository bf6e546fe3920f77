package engine

import (
	"sort"
	"time"
)

// Thresholds holds the risk cut-offs for recommendation mapping.
type Thresholds struct {
	Block   float64 // risk >= this → BLOCK (default 0.8)
	Flag    float64 // risk >= this → FLAG (default 0.5)
	Monitor float64 // risk >= this → MONITOR (default 0.2)
}

// DefaultThresholds returns the fixed, documented thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Block:   0.8,
		Flag:    0.5,
		Monitor: 0.2,
	}
}

// Recommend maps a risk score to a recommendation.
func (t Thresholds) Recommend(risk float64) Recommendation {
	switch {
	case risk >= t.Block:
		return RecommendBlock
	case risk >= t.Flag:
		return RecommendFlag
	case risk >= t.Monitor:
		return RecommendMonitor
	default:
		return RecommendAllow
	}
}

// corroborationBonus is added per distinct matched category beyond the first.
const corroborationBonus = 0.05

// RiskScore aggregates findings into a single score:
//
//	risk = min(1.0, max_severity + 0.05 * (distinct_categories - 1))
//
// Corroborating categories raise the score without letting a single
// low-severity rule dominate.
func RiskScore(findings []Finding) float64 {
	if len(findings) == 0 {
		return 0
	}
	var maxSev float64
	categories := make(map[string]struct{}, len(findings))
	for _, f := range findings {
		if f.Severity > maxSev {
			maxSev = f.Severity
		}
		categories[string(f.Kind)+"/"+f.Category] = struct{}{}
	}
	risk := maxSev + corroborationBonus*float64(len(categories)-1)
	if risk > 1.0 {
		risk = 1.0
	}
	return risk
}

// SortFindings orders findings deterministically: most severe first, ties broken
// by category name, then offset, then rule id.
func SortFindings(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.Span.Start != b.Span.Start {
			return a.Span.Start < b.Span.Start
		}
		return a.RuleID < b.RuleID
	})
}

// Summarize builds the AnalysisResult for one detector run.
// If d implements Recommender its mapping is used, otherwise thresholds apply.
// IsSafe is true iff the recommendation is ALLOW or MONITOR.
func Summarize(d Detector, req *DetectRequest, findings []Finding, t Thresholds, elapsed time.Duration) *AnalysisResult {
	SortFindings(findings)
	risk := RiskScore(findings)

	rec := t.Recommend(risk)
	if r, ok := d.(Recommender); ok {
		rec = r.Recommend(findings, risk)
	}

	var version string
	if v, ok := d.(Versioned); ok {
		version = v.CatalogVersion()
	}

	if findings == nil {
		findings = []Finding{}
	}

	return &AnalysisResult{
		Detector:       d.Name(),
		ContextType:    req.ContextType,
		ContentHash:    ContentHash(req.Content),
		CatalogVersion: version,
		Findings:       findings,
		RiskScore:      risk,
		IsSafe:         rec == RecommendAllow || rec == RecommendMonitor,
		Recommendation: rec,
		ProcessingTime: elapsed,
	}
}

// Merge combines several results over the same content into one aggregate.
// The merged recommendation is the most severe of the inputs.
func Merge(detector string, results ...*AnalysisResult) *AnalysisResult {
	out := &AnalysisResult{Detector: detector, Findings: []Finding{}, IsSafe: true, Recommendation: RecommendAllow}
	for _, r := range results {
		if r == nil {
			continue
		}
		if out.ContentHash == "" {
			out.ContentHash = r.ContentHash
			out.ContextType = r.ContextType
		}
		out.Findings = append(out.Findings, r.Findings...)
		if r.ProcessingTime > out.ProcessingTime {
			out.ProcessingTime = r.ProcessingTime
		}
		if recommendationRank(r.Recommendation) > recommendationRank(out.Recommendation) {
			out.Recommendation = r.Recommendation
		}
		out.IsSafe = out.IsSafe && r.IsSafe
	}
	SortFindings(out.Findings)
	out.RiskScore = RiskScore(out.Findings)
	return out
}

func recommendationRank(r Recommendation) int {
	switch r {
	case RecommendBlock:
		return 4
	case RecommendRedact:
		return 3
	case RecommendFlag:
		return 2
	case RecommendMonitor:
		return 1
	default:
		return 0
	}
}
