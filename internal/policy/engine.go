package policy

import (
	"fmt"

	"github.com/triage-ai/palisade-gateway/internal/engine"
)

// Decision is the outcome of evaluating one result view against a policy.
type Decision struct {
	Action   Action           `json:"action"`
	RuleID   string           `json:"rule_id,omitempty"`
	RuleName string           `json:"rule_name,omitempty"`
	Matched  bool             `json:"matched"`
	Detector string           `json:"detector"`
	Kind     engine.Kind      `json:"kind,omitempty"`
	Findings []engine.Finding `json:"-"`
}

// Evaluate returns the action of the first rule whose condition matches r, or
// ALLOW when none does. A nil or disabled policy always allows.
func (p *Policy) Evaluate(r *engine.AnalysisResult) Decision {
	d := Decision{Action: ActionAllow, Detector: r.Detector, Findings: r.Findings}
	if p == nil || !p.Enabled {
		return d
	}
	for i := range p.Rules {
		rule := &p.Rules[i]
		if rule.Condition.Matches(r) {
			d.Action = rule.Action
			d.RuleID = rule.ID
			d.RuleName = rule.Name
			d.Matched = true
			return d
		}
	}
	return d
}

// Resolution combines per-kind decisions into the request-level action.
type Resolution struct {
	Action    Action     `json:"action"`
	PolicyID  string     `json:"policy_id"`
	Decisions []Decision `json:"decisions"`
}

// Resolve evaluates every result once per finding kind it contains, so a PII
// redaction and a toxicity block are decided independently. The combined
// action is the highest-precedence decision: BLOCK > REDACT > ALERT > FLAG > ALLOW.
// Results without findings are evaluated as a whole.
func (p *Policy) Resolve(results ...*engine.AnalysisResult) Resolution {
	res := Resolution{Action: ActionAllow}
	if p != nil {
		res.PolicyID = p.ID
	}
	for _, r := range results {
		if r == nil {
			continue
		}
		for _, view := range splitByKind(r) {
			d := p.Evaluate(view)
			if len(view.Findings) > 0 {
				d.Kind = view.Findings[0].Kind
			}
			res.Decisions = append(res.Decisions, d)
			if d.Action.rank() > res.Action.rank() {
				res.Action = d.Action
			}
		}
	}
	return res
}

// splitByKind returns one view of r per distinct finding kind, each carrying
// only that kind's findings and its own risk score.
func splitByKind(r *engine.AnalysisResult) []*engine.AnalysisResult {
	kinds := r.Kinds()
	if len(kinds) <= 1 {
		return []*engine.AnalysisResult{r}
	}
	views := make([]*engine.AnalysisResult, 0, len(kinds))
	for _, k := range kinds {
		view := *r
		view.Findings = nil
		for _, f := range r.Findings {
			if f.Kind == k {
				view.Findings = append(view.Findings, f)
			}
		}
		view.RiskScore = engine.RiskScore(view.Findings)
		views = append(views, &view)
	}
	return views
}

// Blocked reports whether the combined action is BLOCK.
func (r Resolution) Blocked() bool {
	return r.Action == ActionBlock
}

// FindingsFor returns the findings of every decision that resolved to a.
func (r Resolution) FindingsFor(a Action) []engine.Finding {
	var out []engine.Finding
	for _, d := range r.Decisions {
		if d.Action == a {
			out = append(out, d.Findings...)
		}
	}
	return out
}

// Triggering returns the findings behind the combined action.
func (r Resolution) Triggering() []engine.Finding {
	if r.Action == ActionAllow {
		return nil
	}
	return r.FindingsFor(r.Action)
}

// Warnings describes FLAG and ALERT decisions. They never stop a request.
func (r Resolution) Warnings() []string {
	var out []string
	for _, d := range r.Decisions {
		if d.Action != ActionFlag && d.Action != ActionAlert {
			continue
		}
		subject := d.Detector
		if d.Kind != "" {
			subject = string(d.Kind)
		}
		out = append(out, fmt.Sprintf("%s: %s (rule %s)", d.Action, subject, d.RuleID))
	}
	return out
}

// HasAlert reports whether any decision asked for an alert.
func (r Resolution) HasAlert() bool {
	for _, d := range r.Decisions {
		if d.Action == ActionAlert {
			return true
		}
	}
	return false
}
