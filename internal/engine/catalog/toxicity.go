package catalog

import (
	"regexp"

	"github.com/triage-ai/palisade-gateway/internal/engine"
)

// ToxicityVersion is the built-in toxicity lexicon version.
const ToxicityVersion = "2025.1.0"

// Toxicity categories, in the order the score vector is reported.
const (
	ToxToxicity       = "toxicity"
	ToxSevereToxicity = "severe_toxicity"
	ToxObscene        = "obscene"
	ToxThreat         = "threat"
	ToxInsult         = "insult"
	ToxIdentityAttack = "identity_attack"
)

// ToxicityCategories lists the fixed score-vector categories.
var ToxicityCategories = []string{
	ToxToxicity, ToxSevereToxicity, ToxObscene, ToxThreat, ToxInsult, ToxIdentityAttack,
}

var toxicityPatterns = []patternRow{
	{"tox.threat.weapon_creation", ToxThreat, `(?i)\b(how\s+to\s+)?(make|build|create|construct)\s+(a\s+)?(bomb|explosive|weapon|gun|firearm)\b`, 0.90, "violence: weapon/explosive creation instructions", nil},
	{"tox.threat.harm_people", ToxThreat, `(?i)\b(how\s+to\s+)?(kill|murder|assassinate|poison)\s+(a\s+)?(person|someone|people|human)\b`, 0.95, "violence: instructions to harm people", nil},
	{"tox.threat.weapon_guide", ToxThreat, `(?i)\b(detailed\s+)?(instructions|steps|guide)\s+(for|to|on)\s+(making|creating|building)\s+(a\s+)?(bomb|explosive|weapon)\b`, 0.95, "violence: detailed weapon instructions", nil},
	{"tox.threat.direct", ToxThreat, `(?i)\bi(?:'ll|\s+will|'m\s+going\s+to|\s+am\s+going\s+to|'m\s+gonna|\s+am\s+gonna)\s+(?:kill|hurt|destroy|find|beat)\s+you\b`, 0.95, "threat: direct threat of harm", nil},
	{"tox.threat.you_are_dead", ToxThreat, `(?i)\byou(?:'re|\s+are)\s+(?:dead|going\s+to\s+die)\b`, 0.90, "threat: death threat", nil},
	{"tox.threat.watch_back", ToxThreat, `(?i)\bwatch\s+your\s+back\b`, 0.70, "threat: veiled threat", nil},

	{"tox.severe.suicide_instructions", ToxSevereToxicity, `(?i)\b(how\s+to\s+)(commit\s+suicide|kill\s+(myself|yourself)|end\s+(my|your)\s+life)\b`, 0.95, "self-harm: suicide instructions", nil},
	{"tox.severe.suicide_methods", ToxSevereToxicity, `(?i)\b(methods|ways)\s+(of|to|for)\s+(committing\s+)?suicide\b`, 0.90, "self-harm: suicide methods", nil},
	{"tox.severe.encourage_self_harm", ToxSevereToxicity, `(?i)\b(encourage|encouraging|promote|promoting)\s+(self[- ]?harm|suicide|cutting)\b`, 0.90, "self-harm: encouraging self-harm", nil},
	{"tox.severe.kys", ToxSevereToxicity, `(?i)\b(?:go\s+)?kill\s+yourself\b`, 0.95, "harassment: telling someone to kill themselves", nil},
	{"tox.severe.go_die", ToxSevereToxicity, `(?i)\bgo\s+die\b`, 0.90, "harassment: wishing death", nil},
	{"tox.severe.drug_synthesis", ToxSevereToxicity, `(?i)\b(synthesize|manufacture|produce|cook)\s+(methamphetamine|fentanyl|heroin|cocaine|meth)\b`, 0.95, "illegal: drug manufacturing instructions", nil},
	{"tox.severe.critical_hacking", ToxSevereToxicity, `(?i)\b(how\s+to\s+)(hack|breach|break\s+into)\s+(a\s+)?(bank|government|military)\s+(system|server|database|network)\b`, 0.85, "illegal: hacking instructions for critical systems", nil},

	{"tox.obscene.csam_a", ToxObscene, `(?i)\b(child|minor|underage|kid)\s+(sexual|porn|nude|naked|explicit)\b`, 0.99, "CSAM: child sexual content", nil},
	{"tox.obscene.csam_b", ToxObscene, `(?i)\b(sexual|porn|nude|naked|explicit)\s+(child|minor|underage|kid)\b`, 0.99, "CSAM: child sexual content", nil},
	{"tox.obscene.csam_term", ToxObscene, `(?i)\bchild\s+porn(?:ography)?\b`, 0.99, "CSAM: explicit term", nil},

	{"tox.identity.generalization", ToxIdentityAttack, `(?i)\ball\s+(?:immigrants|muslims|jews|christians|women|men|gays|blacks|whites|asians|mexicans|arabs)\s+are\s+(?:stupid|animals|criminals|evil|trash|inferior|subhuman|vermin)\b`, 0.90, "identity attack: group generalization", nil},

	{"tox.general.hate_you", ToxToxicity, `(?i)\bi\s+hate\s+you\b`, 0.70, "toxicity: hostility", nil},
	{"tox.general.you_suck", ToxToxicity, `(?i)\byou\s+suck\b`, 0.60, "toxicity: hostility", nil},
	{"tox.general.shut_up", ToxToxicity, `(?i)\bshut\s+up\b`, 0.50, "toxicity: dismissive", nil},
}

type lexiconTerm struct {
	category string
	term     string
	severity float64
}

var toxicityLexicon = []lexiconTerm{
	{ToxInsult, "idiot", 0.75},
	{ToxInsult, "moron", 0.80},
	{ToxInsult, "imbecile", 0.80},
	{ToxInsult, "stupid", 0.60},
	{ToxInsult, "dumb", 0.55},
	{ToxInsult, "loser", 0.60},
	{ToxInsult, "pathetic", 0.55},
	{ToxInsult, "worthless", 0.70},
	{ToxObscene, "fuck", 0.80},
	{ToxObscene, "fucking", 0.80},
	{ToxObscene, "shit", 0.60},
	{ToxObscene, "bitch", 0.80},
	{ToxObscene, "asshole", 0.85},
	{ToxObscene, "bastard", 0.70},
	{ToxIdentityAttack, "subhuman", 0.70},
	{ToxIdentityAttack, "vermin", 0.65},
}

// Toxicity returns the built-in toxicity catalog: harm patterns plus a weighted
// lexicon.
func Toxicity() *Catalog {
	rules := make([]Rule, 0, len(toxicityPatterns)+len(toxicityLexicon))
	for _, r := range toxicityPatterns {
		rules = append(rules, Rule{
			ID:         r.id,
			Kind:       engine.KindToxicity,
			Category:   r.category,
			Pattern:    regexp.MustCompile(r.pattern),
			Severity:   r.severity,
			Confidence: 0.9,
			Detail:     r.detail,
		})
	}
	for _, t := range toxicityLexicon {
		rules = append(rules, Rule{
			ID:         "tox.lexicon." + t.term,
			Kind:       engine.KindToxicity,
			Category:   t.category,
			Pattern:    keyword(t.term),
			Severity:   t.severity,
			Confidence: 0.8,
			Detail:     t.category + ": lexicon term",
		})
	}
	return &Catalog{Name: "toxicity", Version: ToxicityVersion, Rules: rules}
}
