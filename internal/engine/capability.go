package engine

import (
	"fmt"
	"strings"
)

// Capability is the closed set of detector stages a pipeline may select.
// Filters arriving over the wire are mapped onto it; nothing dispatches on
// arbitrary strings past this point.
type Capability uint8

const (
	CapPromptInjection Capability = 1 << iota
	CapPII
	CapToxicity
	CapExfiltration
)

// CapAll selects every stage.
const CapAll = CapPromptInjection | CapPII | CapToxicity | CapExfiltration

var filterNames = map[string]Capability{
	"prompt_injection":  CapPromptInjection,
	"jailbreak":         CapPromptInjection,
	"pii":               CapPII,
	"toxicity":          CapToxicity,
	"data_exfiltration": CapExfiltration,
	"exfiltration":      CapExfiltration,
}

// ParseFilters converts a filter list into a capability set.
// An empty list selects PII and toxicity, the content filter defaults.
func ParseFilters(filters []string) (Capability, error) {
	if len(filters) == 0 {
		return CapPII | CapToxicity, nil
	}
	var caps Capability
	for _, f := range filters {
		c, ok := filterNames[strings.ToLower(strings.TrimSpace(f))]
		if !ok {
			return 0, fmt.Errorf("unknown filter %q", f)
		}
		caps |= c
	}
	return caps, nil
}

// Has reports whether every bit of c2 is set in c.
func (c Capability) Has(c2 Capability) bool {
	return c&c2 == c2
}

// String lists the selected stages.
func (c Capability) String() string {
	var parts []string
	if c.Has(CapPromptInjection) {
		parts = append(parts, "prompt_injection")
	}
	if c.Has(CapPII) {
		parts = append(parts, "pii")
	}
	if c.Has(CapToxicity) {
		parts = append(parts, "toxicity")
	}
	if c.Has(CapExfiltration) {
		parts = append(parts, "data_exfiltration")
	}
	return strings.Join(parts, ",")
}
