package detectors

import (
	"context"
	"net/url"
	"strings"

	"github.com/triage-ai/palisade-gateway/internal/engine"
	"github.com/triage-ai/palisade-gateway/internal/engine/catalog"
)

// DefaultTrustedDomains is used when no allow-list is configured.
var DefaultTrustedDomains = []string{
	"openai.com",
	"anthropic.com",
	"github.com",
	"wikipedia.org",
	"python.org",
	"go.dev",
	"golang.org",
	"stackoverflow.com",
	"mozilla.org",
}

// Query payloads at least this long on an untrusted host look like data
// being carried out rather than a plain link.
const queryDataThreshold = 32

const (
	untrustedURLSeverity     = 0.5
	untrustedURLDataSeverity = 0.7
)

// ExfiltrationMonitor scans model output for credential leaks, PII-bearing
// records, outbound URLs and exfiltration techniques.
type ExfiltrationMonitor struct {
	catalog *catalog.Catalog
	tiers   map[string]catalog.Tier
	trusted []string
}

// NewExfiltrationMonitor returns a monitor over c with the given trusted-domain
// allow-list. Nil arguments fall back to the built-ins.
func NewExfiltrationMonitor(c *catalog.Catalog, trusted []string) *ExfiltrationMonitor {
	if c == nil {
		c = catalog.Exfiltration()
	}
	if trusted == nil {
		trusted = DefaultTrustedDomains
	}
	tiers := make(map[string]catalog.Tier, len(c.Rules))
	for _, r := range c.Rules {
		tiers[r.ID] = r.Tier
	}
	normalized := make([]string, 0, len(trusted))
	for _, d := range trusted {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "."))
		if d != "" {
			normalized = append(normalized, d)
		}
	}
	return &ExfiltrationMonitor{catalog: c, tiers: tiers, trusted: normalized}
}

func (m *ExfiltrationMonitor) Name() string {
	return "data_exfiltration"
}

func (m *ExfiltrationMonitor) Kind() engine.Kind {
	return engine.KindDataExfiltration
}

func (m *ExfiltrationMonitor) CatalogVersion() string {
	return m.catalog.VersionString()
}

// Score only inspects output. Input and system prompts yield no findings.
func (m *ExfiltrationMonitor) Score(ctx context.Context, req *engine.DetectRequest) ([]engine.Finding, error) {
	if req.ContextType != engine.ContextOutput {
		return nil, nil
	}
	raw := m.catalog.Match(ctx, req.Content, nil)
	findings := raw[:0]
	for _, f := range raw {
		if m.tiers[f.RuleID] != catalog.TierURL {
			findings = append(findings, f)
			continue
		}
		sev, ok := m.classifyURL(f.MatchedText)
		if !ok {
			continue
		}
		f.Severity = sev
		findings = append(findings, f)
	}
	return findings, nil
}

// QuickScan runs the credential rules only. It is cheap enough to apply to each
// streamed chunk.
func (m *ExfiltrationMonitor) QuickScan(ctx context.Context, text string) []engine.Finding {
	return m.catalog.Match(ctx, text, func(r *catalog.Rule) bool {
		return r.Tier == catalog.TierCredential
	})
}

// Recommend maps findings onto actions by tier: any credential is BLOCK, labeled
// PII records are REDACT, and URLs or techniques on their own are FLAG.
func (m *ExfiltrationMonitor) Recommend(findings []engine.Finding, _ float64) engine.Recommendation {
	if len(findings) == 0 {
		return engine.RecommendAllow
	}
	rec := engine.RecommendFlag
	for _, f := range findings {
		switch m.Tier(f) {
		case catalog.TierCredential:
			return engine.RecommendBlock
		case catalog.TierPIIAdjacent:
			rec = engine.RecommendRedact
		}
	}
	return rec
}

// Tier returns the tier of the rule that produced f.
func (m *ExfiltrationMonitor) Tier(f engine.Finding) catalog.Tier {
	if f.RuleID == engine.RuleDetectorError {
		return catalog.TierCredential
	}
	return m.tiers[f.RuleID]
}

// Trusted reports whether host is, or is a subdomain of, an allow-listed domain.
func (m *ExfiltrationMonitor) Trusted(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, d := range m.trusted {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// classifyURL returns the severity for an untrusted URL, or false when the URL
// points at a trusted domain.
func (m *ExfiltrationMonitor) classifyURL(raw string) (float64, bool) {
	raw = strings.TrimRight(raw, ".,;:!?")
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return untrustedURLSeverity, true
	}
	if m.Trusted(u.Hostname()) {
		return 0, false
	}
	if len(u.RawQuery) >= queryDataThreshold {
		return untrustedURLDataSeverity, true
	}
	return untrustedURLSeverity, true
}
