package catalog

import (
	"regexp"

	"github.com/triage-ai/palisade-gateway/internal/engine"
)

// InjectionVersion is the built-in prompt-injection catalog version.
const InjectionVersion = "2025.3.0"

type patternRow struct {
	id       string
	category string
	pattern  string
	severity float64
	detail   string
	tags     []string
}

var injectionRows = []patternRow{
	{"pi.override.ignore_previous", "override", `(?i)ignore\s+(all\s+)?previous\s+instructions`, 0.95, "override: ignore previous instructions", nil},
	{"pi.override.ignore_above", "override", `(?i)ignore\s+(all\s+)?above\s+instructions`, 0.95, "override: ignore above instructions", nil},
	{"pi.override.disregard", "override", `(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions|rules|guidelines)`, 0.95, "override: disregard instructions", nil},
	{"pi.override.forget", "override", `(?i)forget\s+(all\s+)?(previous|prior|above)\s+(instructions|context)`, 0.90, "override: forget instructions", nil},
	{"pi.override.explicit", "override", `(?i)override\s+(system|safety|security)\s+(prompt|instructions|rules|policy)`, 0.95, "explicit override attempt", nil},
	{"pi.override.bypass", "override", `(?i)bypass\s+(the\s+)?(safety|security|content)\s+(filter|check|policy|rules)`, 0.95, "explicit bypass attempt", nil},
	{"pi.override.negation", "override", `(?i)do\s+not\s+follow\s+(your|the|any)\s+(rules|guidelines|instructions|safety)`, 0.90, "instruction negation", nil},

	{"pi.identity.you_are_now", "identity", `(?i)you\s+are\s+now\s+`, 0.85, "identity override: you are now", []string{TagIdentity}},
	{"pi.identity.from_now_on", "identity", `(?i)from\s+now\s+on\s+you\s+(are|will|must|should)`, 0.85, "identity override: from now on", []string{TagIdentity}},
	{"pi.identity.new_role", "identity", `(?i)your\s+new\s+(role|identity|persona|instructions)\s+(is|are)`, 0.85, "identity override: new role", []string{TagIdentity}},
	{"pi.identity.act_as", "identity", `(?i)act\s+as\s+(if\s+you\s+are|a)\s+`, 0.70, "identity override: act as", []string{TagIdentity}},
	{"pi.identity.pretend", "identity", `(?i)pretend\s+(to\s+be|you\s+are)\s+`, 0.70, "identity override: pretend", []string{TagIdentity}},

	{"pi.delimiter.system_tag", "delimiter", `(?i)\[SYSTEM\]`, 0.90, "delimiter injection: [SYSTEM] tag", nil},
	{"pi.delimiter.chatml", "delimiter", `(?i)<\|im_start\|>system`, 0.95, "delimiter injection: ChatML system tag", nil},
	{"pi.delimiter.markdown_header", "delimiter", `(?i)###\s*(SYSTEM|INSTRUCTION|NEW INSTRUCTION)`, 0.90, "delimiter injection: markdown system header", nil},
	{"pi.delimiter.begininstruction", "delimiter", `(?i)BEGININSTRUCTION`, 0.90, "delimiter injection: BEGININSTRUCTION", nil},
	{"pi.delimiter.dashed", "delimiter", `(?i)---\s*(system|instruction)\s*(prompt|message)?`, 0.85, "delimiter injection: dashed system section", nil},

	{"pi.extraction.reveal", "extraction", `(?i)reveal\s+(your|the)\s+(system|initial|original|hidden)\s+(prompt|instructions|message)`, 0.90, "system prompt extraction", nil},
	{"pi.extraction.what_are", "extraction", `(?i)what\s+(are|is|were)\s+your\s+(system|initial|original|hidden)\s+(prompt|instructions|rules)`, 0.85, "system prompt extraction", nil},
	{"pi.extraction.output", "extraction", `(?i)output\s+(your|the)\s+(system|initial|original)\s+(prompt|instructions|message)`, 0.90, "system prompt extraction", nil},
	{"pi.extraction.repeat", "extraction", `(?i)repeat\s+(everything|all(\s+text)?|the\s+words)\s+above`, 0.80, "system prompt extraction: repeat above", nil},
}

var jailbreakRows = []patternRow{
	{"jb.dan.do_anything_now", "dan", `(?i)\bDAN\b.*\bdo\s+anything\s+now\b`, 0.95, "DAN jailbreak: Do Anything Now", nil},
	{"jb.dan.you_are_dan", "dan", `(?i)you\s+are\s+DAN`, 0.90, "DAN jailbreak: you are DAN", nil},
	{"jb.dan.mode_enabled", "dan", `(?i)DAN\s+mode\s+(enabled|activated|on)`, 0.95, "DAN jailbreak: DAN mode enabled", nil},
	{"jb.dan.enable_mode", "dan", `(?i)enable\s+DAN\s+mode`, 0.90, "DAN jailbreak: enable DAN mode", nil},

	{"jb.mode.enter", "mode", `(?i)enter\s+(developer|debug|maintenance|god|sudo)\s+mode`, 0.90, "mode jailbreak: developer/debug mode", nil},
	{"jb.mode.enabled", "mode", `(?i)(developer|debug|maintenance|god|sudo)\s+mode\s+(enabled|activated|on)`, 0.90, "mode jailbreak: mode enabled", nil},
	{"jb.mode.unlock", "mode", `(?i)unlock\s+(all\s+)?(restrictions|capabilities|limitations)`, 0.85, "jailbreak: unlock restrictions", nil},
	{"jb.mode.uncensored", "mode", `(?i)\buncensored\s+mode\b`, 0.90, "jailbreak: uncensored mode", nil},

	{"jb.roleplay.evil", "roleplay", `(?i)roleplay\s+as\s+(an?\s+)?(evil|unfiltered|unrestricted|uncensored)`, 0.90, "roleplay jailbreak: evil/unfiltered character", nil},
	{"jb.roleplay.no_restrictions", "roleplay", `(?i)you\s+have\s+no\s+(restrictions|rules|limitations|guidelines|filters)`, 0.90, "jailbreak: no restrictions claim", nil},
	{"jb.roleplay.no_ethics", "roleplay", `(?i)without\s+(any\s+)?(ethical|moral|safety)\s+(guidelines|restrictions|constraints|considerations)`, 0.85, "jailbreak: without ethical guidelines", nil},

	{"jb.encoding.respond_in", "encoding", `(?i)respond\s+(only\s+)?in\s+(base64|hex|rot13|binary|morse)`, 0.80, "encoding trick: respond in encoded format", nil},
	{"jb.encoding.encode_response", "encoding", `(?i)encode\s+(your\s+)?(response|answer|output)\s+in\s+(base64|hex|rot13)`, 0.80, "encoding trick: encode response", nil},

	{"jb.framing.hypothetical", "framing", `(?i)in\s+a\s+(hypothetical|fictional)\s+(world|scenario|universe)\s+where\s+(there\s+are\s+)?no\s+(rules|restrictions|laws)`, 0.80, "fictional framing: hypothetical world without rules", nil},
	{"jb.framing.educational", "framing", `(?i)for\s+(educational|research|academic)\s+purposes\s+only.*\b(how\s+to|explain|describe)\b`, 0.65, "educational framing: may be legitimate or jailbreak", nil},

	{"jb.smuggling.split", "smuggling", `(?i)split\s+(your\s+)?(response|answer)\s+into\s+(parts|segments|tokens)`, 0.70, "token smuggling: split response", nil},
	{"jb.smuggling.continue", "smuggling", `(?i)continue\s+from\s+where\s+you\s+left\s+off`, 0.50, "continuation: may be legitimate or jailbreak", nil},

	{"jb.keyword.jailbreak", "keyword", `(?i)\bjailbreak\b`, 0.75, "explicit jailbreak keyword", nil},
}

// PromptInjection returns the built-in catalog covering both direct prompt
// injection and jailbreak templates.
func PromptInjection() *Catalog {
	rules := make([]Rule, 0, len(injectionRows)+len(jailbreakRows))
	rules = appendRows(rules, engine.KindPromptInjection, injectionRows, 0.9)
	rules = appendRows(rules, engine.KindJailbreak, jailbreakRows, 0.85)
	return &Catalog{Name: "prompt_injection", Version: InjectionVersion, Rules: rules}
}

func appendRows(rules []Rule, kind engine.Kind, rows []patternRow, confidence float64) []Rule {
	for _, r := range rows {
		rules = append(rules, Rule{
			ID:         r.id,
			Kind:       kind,
			Category:   r.category,
			Pattern:    regexp.MustCompile(r.pattern),
			Severity:   r.severity,
			Confidence: confidence,
			Tags:       r.tags,
			Detail:     r.detail,
		})
	}
	return rules
}
