// Package policy turns detector results into a single resolved action.
//
// A Policy is an immutable, pre-sorted snapshot. Evaluation is first-match-wins
// over rules ordered by priority, then condition specificity, then creation
// order. Nothing in this package mutates a Policy after NewPolicy returns it.
package policy

import (
	"sort"
	"time"

	"github.com/triage-ai/palisade-gateway/internal/engine"
)

// Action is the resolved pipeline action.
type Action string

const (
	ActionAllow  Action = "ALLOW"
	ActionBlock  Action = "BLOCK"
	ActionRedact Action = "REDACT"
	ActionFlag   Action = "FLAG"
	ActionAlert  Action = "ALERT"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionBlock, ActionRedact, ActionFlag, ActionAlert:
		return true
	}
	return false
}

// rank orders actions for combination: BLOCK > REDACT > ALERT > FLAG > ALLOW.
func (a Action) rank() int {
	switch a {
	case ActionBlock:
		return 4
	case ActionRedact:
		return 3
	case ActionAlert:
		return 2
	case ActionFlag:
		return 1
	default:
		return 0
	}
}

// Rule maps a condition to an action.
type Rule struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Condition Condition `json:"condition"`
	Action    Action    `json:"action"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	// Seq breaks creation-order ties between rules created in the same instant.
	Seq int `json:"-"`
}

// Policy is an ordered rule set owned by one caller.
type Policy struct {
	ID       string
	CallerID string
	Name     string
	Enabled  bool
	Rules    []Rule
}

// NewPolicy returns a policy whose rules are sorted into evaluation order.
// The input slice is not modified.
func NewPolicy(id, callerID, name string, enabled bool, rules []Rule) *Policy {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if sa, sb := a.Condition.Specificity(), b.Condition.Specificity(); sa != sb {
			return sa > sb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})
	return &Policy{ID: id, CallerID: callerID, Name: name, Enabled: enabled, Rules: sorted}
}

// DefaultPolicyID identifies the built-in policy.
const DefaultPolicyID = "default"

// Default is applied to callers without an active policy: detector BLOCK and
// REDACT recommendations are enforced, FLAG and MONITOR become warnings.
func Default() *Policy {
	return NewPolicy(DefaultPolicyID, "", "built-in default", true, []Rule{
		{
			ID:        "default.block",
			Name:      "enforce detector block",
			Condition: Condition{Recommendations: []engine.Recommendation{engine.RecommendBlock}},
			Action:    ActionBlock,
			Priority:  300,
		},
		{
			ID:        "default.redact",
			Name:      "enforce detector redaction",
			Condition: Condition{Recommendations: []engine.Recommendation{engine.RecommendRedact}},
			Action:    ActionRedact,
			Priority:  200,
		},
		{
			ID:        "default.flag",
			Name:      "warn on flagged content",
			Condition: Condition{Recommendations: []engine.Recommendation{engine.RecommendFlag, engine.RecommendMonitor}},
			Action:    ActionFlag,
			Priority:  100,
		},
	})
}
