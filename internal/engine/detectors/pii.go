package detectors

import (
	"context"

	"github.com/triage-ai/palisade-gateway/internal/engine"
	"github.com/triage-ai/palisade-gateway/internal/engine/catalog"
)

// PIIFilter finds personally identifiable information. Overlapping matches are
// collapsed so every reported span is one entity.
type PIIFilter struct {
	catalog *catalog.Catalog
	block   map[string]bool
}

func NewPIIFilter(c *catalog.Catalog) *PIIFilter {
	if c == nil {
		c = catalog.PII()
	}
	block := make(map[string]bool)
	for _, r := range c.Rules {
		if r.Block {
			block[r.ID] = true
		}
	}
	return &PIIFilter{catalog: c, block: block}
}

func (d *PIIFilter) Name() string {
	return "pii"
}

func (d *PIIFilter) Kind() engine.Kind {
	return engine.KindPII
}

func (d *PIIFilter) CatalogVersion() string {
	return d.catalog.VersionString()
}

func (d *PIIFilter) Score(ctx context.Context, req *engine.DetectRequest) ([]engine.Finding, error) {
	findings := d.catalog.Match(ctx, req.Content, nil)
	return engine.SelectSpans(findings, len(req.Content)), nil
}

// Recommend returns BLOCK when a block-level type (SSN, card number) is present
// and REDACT for any other PII.
func (d *PIIFilter) Recommend(findings []engine.Finding, _ float64) engine.Recommendation {
	if len(findings) == 0 {
		return engine.RecommendAllow
	}
	if d.HasBlockLevel(findings) {
		return engine.RecommendBlock
	}
	return engine.RecommendRedact
}

// HasBlockLevel reports whether any finding came from a block-level rule.
func (d *PIIFilter) HasBlockLevel(findings []engine.Finding) bool {
	for _, f := range findings {
		if d.block[f.RuleID] || f.RuleID == engine.RuleDetectorError {
			return true
		}
	}
	return false
}
