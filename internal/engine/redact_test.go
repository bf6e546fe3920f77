package engine

import "testing"

func TestRedact_DescendingOffsets(t *testing.T) {
	text := "a@b.io and c@d.io"
	findings := []Finding{
		{Category: "email", Severity: 0.5, Span: Span{Start: 0, End: 6}},
		{Category: "email", Severity: 0.5, Span: Span{Start: 11, End: 17}},
	}
	got := Redact(text, findings, nil)
	want := "[EMAIL_REDACTED] and [EMAIL_REDACTED]"
	if got != want {
		t.Errorf("Redact = %q, want %q", got, want)
	}
}

func TestRedact_CustomLabel(t *testing.T) {
	got := Redact("key=abc", []Finding{{Category: "secret", Span: Span{Start: 4, End: 7}}}, func(Finding) string { return "***" })
	if got != "key=***" {
		t.Errorf("Redact = %q", got)
	}
}

func TestSelectSpans(t *testing.T) {
	findings := []Finding{
		{Category: "phone", Severity: 0.5, Span: Span{Start: 5, End: 15}},
		{Category: "credit_card", Severity: 0.9, Span: Span{Start: 0, End: 19}},
		{Category: "email", Severity: 0.5, Span: Span{Start: 25, End: 35}},
		{Category: "out_of_range", Severity: 1, Span: Span{Start: 30, End: 99}},
		{Category: "empty", Severity: 1, Span: Span{Start: 20, End: 20}},
	}
	got := SelectSpans(findings, 40)
	if len(got) != 2 {
		t.Fatalf("expected 2 spans, got %+v", got)
	}
	if got[0].Category != "credit_card" || got[1].Category != "email" {
		t.Errorf("unexpected selection: %+v", got)
	}
}

func TestSelectSpans_SameLengthPrefersSeverity(t *testing.T) {
	findings := []Finding{
		{Category: "low", Severity: 0.3, Span: Span{Start: 0, End: 5}},
		{Category: "high", Severity: 0.8, Span: Span{Start: 2, End: 7}},
	}
	got := SelectSpans(findings, 10)
	if len(got) != 1 || got[0].Category != "high" {
		t.Errorf("unexpected selection: %+v", got)
	}
}

func TestRedact_NoFindings(t *testing.T) {
	if got := Redact("clean", nil, nil); got != "clean" {
		t.Errorf("Redact = %q", got)
	}
}
