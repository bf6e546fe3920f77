package catalog

import (
	"regexp"

	"github.com/triage-ai/palisade-gateway/internal/engine"
)

// PIIVersion is the built-in PII catalog version.
const PIIVersion = "2025.1.4"

// PII type names. These double as finding categories and redaction labels.
const (
	PIIEmail      = "email"
	PIIPhone      = "phone"
	PIISSN        = "ssn"
	PIICreditCard = "credit_card"
	PIIIBAN       = "iban"
	PIIIPAddress  = "ip_address"
	PIIPersonName = "person_name"
)

// PII returns the built-in PII catalog. Structural matches carry confidence 1.0;
// the free-text name heuristic is scored lower.
func PII() *Catalog {
	rules := []Rule{
		{ID: "pii.ssn", Category: PIISSN, Pattern: regexp.MustCompile(`\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`), Severity: 0.9, Confidence: 1.0, Block: true, Detail: "PII: Social Security Number", Validate: validSSN},
		{ID: "pii.credit_card.visa", Category: PIICreditCard, Pattern: regexp.MustCompile(`\b4\d{3}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), Severity: 0.9, Confidence: 1.0, Block: true, Detail: "PII: credit card (Visa)", Validate: Luhn},
		{ID: "pii.credit_card.mastercard", Category: PIICreditCard, Pattern: regexp.MustCompile(`\b5[1-5]\d{2}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), Severity: 0.9, Confidence: 1.0, Block: true, Detail: "PII: credit card (Mastercard)", Validate: Luhn},
		{ID: "pii.credit_card.amex", Category: PIICreditCard, Pattern: regexp.MustCompile(`\b3[47]\d{2}[-\s]?\d{6}[-\s]?\d{5}\b`), Severity: 0.9, Confidence: 1.0, Block: true, Detail: "PII: credit card (Amex)", Validate: Luhn},
		{ID: "pii.credit_card.discover", Category: PIICreditCard, Pattern: regexp.MustCompile(`\b6011[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), Severity: 0.9, Confidence: 1.0, Block: true, Detail: "PII: credit card (Discover)", Validate: Luhn},
		{ID: "pii.email", Category: PIIEmail, Pattern: regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`), Severity: 0.5, Confidence: 1.0, Detail: "PII: email address"},
		{ID: "pii.phone.us", Category: PIIPhone, Pattern: regexp.MustCompile(`(?:\+1[-\s]?)?(?:\(\d{3}\)|\b\d{3})[-\s.]?\d{3}[-\s.]?\d{4}\b`), Severity: 0.5, Confidence: 1.0, Detail: "PII: phone number (US)"},
		{ID: "pii.phone.intl", Category: PIIPhone, Pattern: regexp.MustCompile(`\+\d{1,3}[-\s]?\d{1,4}[-\s]?\d{3,4}[-\s]?\d{3,4}\b`), Severity: 0.5, Confidence: 1.0, Detail: "PII: phone number (international)"},
		{ID: "pii.iban", Category: PIIIBAN, Pattern: regexp.MustCompile(`\b[A-Z]{2}\d{2}[-\s]?[A-Z0-9]{4}[-\s]?(?:[A-Z0-9]{4}[-\s]?){1,7}[A-Z0-9]{1,4}\b`), Severity: 0.8, Confidence: 1.0, Detail: "PII: IBAN"},
		{ID: "pii.ip_address", Category: PIIIPAddress, Pattern: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\b`), Severity: 0.3, Confidence: 1.0, Detail: "PII: IP address"},
		{ID: "pii.person_name.intro", Category: PIIPersonName, Pattern: regexp.MustCompile(`\b(?:[Mm]y name is|[Ii] am called|[Nn]ame:)\s+([A-Z][a-z]+(?:\s[A-Z][a-z]+)?)`), Group: 1, Severity: 0.4, Confidence: 0.6, Detail: "PII: person name"},
	}
	for i := range rules {
		rules[i].Kind = engine.KindPII
	}
	return &Catalog{Name: "pii", Version: PIIVersion, Rules: rules}
}

// Luhn validates a card number, ignoring spaces and dashes.
func Luhn(s string) bool {
	var sum, n int
	double := false
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c == ' ' || c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
		n++
	}
	return n >= 12 && sum%10 == 0
}

// validSSN rejects the area/group/serial values that are never issued.
func validSSN(s string) bool {
	digits := make([]byte, 0, 9)
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			digits = append(digits, s[i])
		}
	}
	if len(digits) != 9 {
		return false
	}
	area, group, serial := string(digits[:3]), string(digits[3:5]), string(digits[5:])
	return area != "000" && area != "666" && area[0] != '9' && group != "00" && serial != "0000"
}
