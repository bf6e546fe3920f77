package catalog

import (
	"regexp"

	"github.com/triage-ai/palisade-gateway/internal/engine"
)

// ExfiltrationVersion is the built-in exfiltration catalog version.
const ExfiltrationVersion = "2025.2.1"

type tieredRow struct {
	id       string
	category string
	tier     Tier
	pattern  string
	severity float64
	detail   string
}

var exfiltrationRows = []tieredRow{
	// Credentials. Any one of these in model output is a leak.
	{"ex.cred.openai_key", "api_key", TierCredential, `\bsk-(?:proj-|ant-)?[A-Za-z0-9_\-]{20,}`, 0.95, "credential: provider API key"},
	{"ex.cred.aws_access_key", "cloud_credential", TierCredential, `\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`, 0.95, "credential: AWS access key id"},
	{"ex.cred.aws_secret", "cloud_credential", TierCredential, `(?i)aws_secret_access_key\s*[:=]\s*["']?[A-Za-z0-9/+=]{40}`, 0.95, "credential: AWS secret access key"},
	{"ex.cred.github_token", "api_key", TierCredential, `\bgh[pousr]_[A-Za-z0-9]{36,}\b`, 0.95, "credential: GitHub token"},
	{"ex.cred.slack_token", "api_key", TierCredential, `\bxox[baprs]-[A-Za-z0-9-]{10,}`, 0.90, "credential: Slack token"},
	{"ex.cred.private_key", "private_key", TierCredential, `-----BEGIN (?:RSA |EC |OPENSSH |DSA |PGP )?PRIVATE KEY(?: BLOCK)?-----`, 0.99, "credential: private key block"},
	{"ex.cred.jwt", "token", TierCredential, `\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`, 0.85, "credential: JSON web token"},
	{"ex.cred.bearer", "token", TierCredential, `(?i)\bbearer\s+[A-Za-z0-9._\-+/=]{20,}`, 0.90, "credential: bearer token"},
	{"ex.cred.assignment", "secret", TierCredential, `(?i)\b(?:api[_-]?key|secret[_-]?key|access[_-]?token|client[_-]?secret|password)\s*[:=]\s*["']?[A-Za-z0-9._\-+/=!@#$%^&*]{8,}`, 0.85, "credential: secret assignment"},
	{"ex.cred.connection_string", "connection_string", TierCredential, `(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqps?|mssql|clickhouse)://[^\s:/@]+:[^\s@]+@[^\s/]+`, 0.95, "credential: connection string with password"},

	// PII adjacent to a label, which indicates a record being dumped.
	{"ex.pii.ssn_labeled", "pii_record", TierPIIAdjacent, `(?i)\b(?:ssn|social\s+security(?:\s+number)?)\s*[:#]?\s*\d{3}-?\d{2}-?\d{4}\b`, 0.60, "PII: labeled social security number"},
	{"ex.pii.card_labeled", "pii_record", TierPIIAdjacent, `(?i)\b(?:card\s+number|credit\s+card|cc)\s*[:#]?\s*(?:\d[ -]?){12,18}\d\b`, 0.60, "PII: labeled card number"},
	{"ex.pii.dob_labeled", "pii_record", TierPIIAdjacent, `(?i)\b(?:date\s+of\s+birth|dob)\s*[:#]?\s*\d{1,4}[-/.]\d{1,2}[-/.]\d{1,4}\b`, 0.55, "PII: labeled date of birth"},
	{"ex.pii.passport_labeled", "pii_record", TierPIIAdjacent, `(?i)\bpassport\s+(?:no\.?|number)\s*[:#]?\s*[A-Z0-9]{6,9}\b`, 0.60, "PII: labeled passport number"},

	// Methods used to move data off the box.
	{"ex.method.markdown_image", "exfil_method", TierIndicator, `!\[[^\]]*\]\(https?://[^)\s]+\?[^)\s]*=[^)\s]*\)`, 0.75, "exfiltration: markdown image beacon with query data"},
	{"ex.method.send_to", "exfil_method", TierIndicator, `(?i)\b(?:send|post|upload|transmit|forward|exfiltrate)\s+.{0,40}?\b(?:data|info(?:rmation)?|credentials?|keys?|tokens?|passwords?|secrets?)\s+to\b`, 0.70, "exfiltration: instruction to send data elsewhere"},
	{"ex.method.encode_data", "exfil_method", TierIndicator, `(?i)\b(?:base64|hex|rot13)[- ]?encode(?:d)?\s+(?:the\s+|all\s+|this\s+)?(?:data|contents?|secrets?|credentials?|conversation|history|keys?)`, 0.60, "exfiltration: encode data before transfer"},
	{"ex.method.curl", "exfil_method", TierIndicator, `(?i)\b(?:curl|wget)\s+(?:-{1,2}[A-Za-z-]+\s+(?:\S+\s+)?)*https?://`, 0.60, "exfiltration: shell transfer to remote URL"},
	{"ex.method.fetch", "exfil_method", TierIndicator, `(?i)\bfetch\(\s*["']https?://`, 0.55, "exfiltration: script fetch to remote URL"},

	// URLs are classified against the trusted-domain list by the monitor.
	{"ex.url.any", "untrusted_url", TierURL, `https?://[^\s"'<>()\[\]{}]+`, 0.50, "URL to a domain outside the trusted list"},
}

// Exfiltration returns the built-in output-side exfiltration catalog.
func Exfiltration() *Catalog {
	rules := make([]Rule, 0, len(exfiltrationRows))
	for _, r := range exfiltrationRows {
		rules = append(rules, Rule{
			ID:         r.id,
			Kind:       engine.KindDataExfiltration,
			Category:   r.category,
			Pattern:    regexp.MustCompile(r.pattern),
			Severity:   r.severity,
			Confidence: 0.9,
			Tier:       r.tier,
			Block:      r.tier == TierCredential,
			Detail:     r.detail,
		})
	}
	return &Catalog{Name: "data_exfiltration", Version: ExfiltrationVersion, Rules: rules}
}
