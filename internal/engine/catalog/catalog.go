// Package catalog holds the versioned detection rule lists consumed by the
// detectors. Catalogs are data: compiled once at startup, read-only afterwards.
package catalog

import (
	"context"
	"regexp"

	"github.com/triage-ai/palisade-gateway/internal/engine"
)

// Tier groups exfiltration rules by the action they imply.
type Tier string

const (
	TierNone        Tier = ""
	TierCredential  Tier = "credential"
	TierPIIAdjacent Tier = "pii_adjacent"
	TierIndicator   Tier = "indicator"
	TierURL         Tier = "url"
)

// TagIdentity marks identity-assignment rules ("you are now", "act as") which
// are expected inside system prompts.
const TagIdentity = "identity"

// Rule is one detection rule. Pattern is always set; keyword rules are compiled
// into a case-insensitive word-bounded pattern.
type Rule struct {
	ID         string
	Kind       engine.Kind
	Category   string
	Pattern    *regexp.Regexp
	Group      int // submatch whose span is reported; 0 = whole match
	Severity   float64
	Confidence float64
	Tier       Tier
	Block      bool // a match alone makes the content unsafe
	Tags       []string
	Detail     string
	Validate   func(match string) bool
}

// HasTag reports whether the rule carries tag.
func (r *Rule) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Catalog is a named, versioned rule list.
type Catalog struct {
	Name    string
	Version string
	Rules   []Rule
}

// VersionString returns "name@version".
func (c *Catalog) VersionString() string {
	return c.Name + "@" + c.Version
}

// Rule looks a rule up by id.
func (c *Catalog) Rule(id string) (*Rule, bool) {
	for i := range c.Rules {
		if c.Rules[i].ID == id {
			return &c.Rules[i], true
		}
	}
	return nil, false
}

// Match evaluates every rule accepted by keep against text and returns one
// Finding per match. A nil keep accepts all rules.
func (c *Catalog) Match(ctx context.Context, text string, keep func(*Rule) bool) []engine.Finding {
	var findings []engine.Finding
	for i := range c.Rules {
		if ctx.Err() != nil {
			break
		}
		r := &c.Rules[i]
		if keep != nil && !keep(r) {
			continue
		}
		for _, loc := range r.Pattern.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[0], loc[1]
			if r.Group > 0 && 2*r.Group+1 < len(loc) && loc[2*r.Group] >= 0 {
				start, end = loc[2*r.Group], loc[2*r.Group+1]
			}
			matched := text[start:end]
			if r.Validate != nil && !r.Validate(matched) {
				continue
			}
			findings = append(findings, engine.Finding{
				Kind:        r.Kind,
				Category:    r.Category,
				Severity:    r.Severity,
				Confidence:  r.Confidence,
				Span:        engine.Span{Start: start, End: end},
				MatchedText: matched,
				RuleID:      r.ID,
				Detail:      r.Detail,
			})
		}
	}
	return findings
}

// Set bundles the catalogs the detectors need.
type Set struct {
	Injection    *Catalog
	Exfiltration *Catalog
	PII          *Catalog
	Toxicity     *Catalog
}

// Builtin returns the compiled-in catalogs.
func Builtin() Set {
	return Set{
		Injection:    PromptInjection(),
		Exfiltration: Exfiltration(),
		PII:          PII(),
		Toxicity:     Toxicity(),
	}
}

// keyword compiles a literal term into a case-insensitive, word-bounded pattern.
func keyword(term string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`)
}
