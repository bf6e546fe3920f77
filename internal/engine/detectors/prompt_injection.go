package detectors

import (
	"context"

	"github.com/triage-ai/palisade-gateway/internal/engine"
	"github.com/triage-ai/palisade-gateway/internal/engine/catalog"
)

// PromptInjectionDetector scans text for prompt injection and jailbreak
// patterns. It is the heuristic baseline; an ML scorer can stand in for it.
type PromptInjectionDetector struct {
	catalog *catalog.Catalog
}

// NewPromptInjectionDetector returns a detector over c. A nil c uses the
// built-in catalog.
func NewPromptInjectionDetector(c *catalog.Catalog) *PromptInjectionDetector {
	if c == nil {
		c = catalog.PromptInjection()
	}
	return &PromptInjectionDetector{catalog: c}
}

func (d *PromptInjectionDetector) Name() string {
	return "prompt_injection"
}

func (d *PromptInjectionDetector) Kind() engine.Kind {
	return engine.KindPromptInjection
}

func (d *PromptInjectionDetector) CatalogVersion() string {
	return d.catalog.VersionString()
}

// Score evaluates every catalog rule. System prompts routinely assign the model
// an identity, so identity rules are skipped for that context.
func (d *PromptInjectionDetector) Score(ctx context.Context, req *engine.DetectRequest) ([]engine.Finding, error) {
	var keep func(*catalog.Rule) bool
	if req.ContextType == engine.ContextSystemPrompt {
		keep = func(r *catalog.Rule) bool { return !r.HasTag(catalog.TagIdentity) }
	}
	return d.catalog.Match(ctx, req.Content, keep), nil
}
