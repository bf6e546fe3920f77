package engine

import (
	"sort"
	"strings"
)

// SelectSpans drops findings whose spans overlap a stronger finding. Longer spans
// win, then higher severity, then the earlier start. The result is ordered by
// start offset.
func SelectSpans(findings []Finding, textLen int) []Finding {
	candidates := make([]Finding, 0, len(findings))
	for _, f := range findings {
		if f.Span.Start < 0 || f.Span.End > textLen || f.Span.Len() <= 0 {
			continue
		}
		candidates = append(candidates, f)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Span.Len() != b.Span.Len() {
			return a.Span.Len() > b.Span.Len()
		}
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		return a.Span.Start < b.Span.Start
	})

	kept := make([]Finding, 0, len(candidates))
	for _, c := range candidates {
		overlaps := false
		for _, k := range kept {
			if c.Span.Overlaps(k.Span) {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, c)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Span.Start < kept[j].Span.Start })
	return kept
}

// RedactionLabel returns the default replacement token: "[{CATEGORY}_REDACTED]".
func RedactionLabel(f Finding) string {
	return "[" + strings.ToUpper(f.Category) + "_REDACTED]"
}

// Redact replaces every selected span with label(f). Spans are applied in
// descending start order so earlier substitutions never shift offsets that are
// still pending.
func Redact(text string, findings []Finding, label func(Finding) string) string {
	if label == nil {
		label = RedactionLabel
	}
	spans := SelectSpans(findings, len(text))
	if len(spans) == 0 {
		return text
	}
	out := text
	for i := len(spans) - 1; i >= 0; i-- {
		f := spans[i]
		out = out[:f.Span.Start] + label(f) + out[f.Span.End:]
	}
	return out
}
