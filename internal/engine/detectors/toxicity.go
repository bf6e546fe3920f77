package detectors

import (
	"context"

	"github.com/triage-ai/palisade-gateway/internal/engine"
	"github.com/triage-ai/palisade-gateway/internal/engine/catalog"
)

// DefaultToxicityThreshold is the per-category score above which content is unsafe.
const DefaultToxicityThreshold = 0.7

// ToxicityFilter scores text over the fixed toxicity categories.
type ToxicityFilter struct {
	catalog   *catalog.Catalog
	threshold float64
}

func NewToxicityFilter(c *catalog.Catalog, threshold float64) *ToxicityFilter {
	if c == nil {
		c = catalog.Toxicity()
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultToxicityThreshold
	}
	return &ToxicityFilter{catalog: c, threshold: threshold}
}

// WithThreshold returns a copy using a different threshold. Out-of-range values
// keep the current one.
func (d *ToxicityFilter) WithThreshold(threshold float64) *ToxicityFilter {
	if threshold <= 0 || threshold > 1 {
		return d
	}
	return &ToxicityFilter{catalog: d.catalog, threshold: threshold}
}

func (d *ToxicityFilter) Threshold() float64 {
	return d.threshold
}

func (d *ToxicityFilter) Name() string {
	return "toxicity"
}

func (d *ToxicityFilter) Kind() engine.Kind {
	return engine.KindToxicity
}

func (d *ToxicityFilter) CatalogVersion() string {
	return d.catalog.VersionString()
}

func (d *ToxicityFilter) Score(ctx context.Context, req *engine.DetectRequest) ([]engine.Finding, error) {
	return d.catalog.Match(ctx, req.Content, nil), nil
}

// Scores builds the category score vector. Each category scores like a risk
// score restricted to its own findings; "toxicity" is the overall maximum.
// Every category is present, zero when nothing matched.
func Scores(findings []engine.Finding) map[string]float64 {
	byCat := make(map[string][]engine.Finding, len(catalog.ToxicityCategories))
	for _, f := range findings {
		if f.Kind != engine.KindToxicity {
			continue
		}
		byCat[f.Category] = append(byCat[f.Category], f)
	}
	scores := make(map[string]float64, len(catalog.ToxicityCategories))
	var overall float64
	for _, cat := range catalog.ToxicityCategories {
		s := ruleRisk(byCat[cat])
		scores[cat] = s
		if s > overall {
			overall = s
		}
	}
	scores[catalog.ToxToxicity] = overall
	return scores
}

// ruleRisk is the max severity raised by corroborating distinct rules.
func ruleRisk(findings []engine.Finding) float64 {
	if len(findings) == 0 {
		return 0
	}
	var maxSev float64
	rules := make(map[string]struct{}, len(findings))
	for _, f := range findings {
		if f.Severity > maxSev {
			maxSev = f.Severity
		}
		rules[f.RuleID] = struct{}{}
	}
	s := maxSev + 0.05*float64(len(rules)-1)
	if s > 1 {
		s = 1
	}
	return s
}

// Exceeds reports whether any category score is above the threshold.
func (d *ToxicityFilter) Exceeds(scores map[string]float64) bool {
	for _, s := range scores {
		if s > d.threshold {
			return true
		}
	}
	return false
}

// Recommend blocks once any category exceeds the threshold. Below it the
// default risk bands apply, capped at FLAG.
func (d *ToxicityFilter) Recommend(findings []engine.Finding, risk float64) engine.Recommendation {
	if len(findings) == 0 {
		return engine.RecommendAllow
	}
	for _, f := range findings {
		if f.RuleID == engine.RuleDetectorError {
			return engine.RecommendBlock
		}
	}
	if d.Exceeds(Scores(findings)) {
		return engine.RecommendBlock
	}
	rec := engine.DefaultThresholds().Recommend(risk)
	if rec == engine.RecommendBlock {
		rec = engine.RecommendFlag
	}
	return rec
}
