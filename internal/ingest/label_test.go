package ingest

import (
	"strings"
	"testing"
)

func TestIsTrainingObject(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		want        bool
	}{
		{"documents/INVOICE/a.pdf", "application/pdf", true},
		{"documents/a.pdf", "application/pdf", true},
		{"documents/INVOICE/a.pdf", "image/png", false},
		{"uploads/INVOICE/a.pdf", "application/pdf", false},
		{"documents/INVOICE/", "application/pdf", false},
		// scan path: no content type, extension decides
		{"documents/INVOICE/a.pdf", "", true},
		{"documents/INVOICE/a.txt", "", false},
	}
	for _, c := range cases {
		if got := IsTrainingObject(c.name, c.contentType); got != c.want {
			t.Fatalf("IsTrainingObject(%q, %q) = %v, want %v", c.name, c.contentType, got, c.want)
		}
	}
}

func TestDocumentIDFor_IsStableAndSanitized(t *testing.T) {
	a := DocumentIDFor("documents/INVOICE/my statement (final).pdf")
	b := DocumentIDFor("documents/INVOICE/my statement (final).pdf")
	if a != b {
		t.Fatalf("same path must map to same id: %q vs %q", a, b)
	}
	if strings.ContainsAny(a, " ()") {
		t.Fatalf("id must be sanitized, got %q", a)
	}
	if !strings.HasPrefix(a, "my_statement__final__") {
		t.Fatalf("unexpected sanitized prefix in %q", a)
	}

	// same file name in a different folder gets a different hash suffix
	c := DocumentIDFor("documents/RECEIPT/my statement (final).pdf")
	if a == c {
		t.Fatalf("different paths must not collide")
	}
}

func TestDocumentIDFor_TruncatesLongNames(t *testing.T) {
	long := strings.Repeat("x", 80) + ".pdf"
	id := DocumentIDFor("documents/" + long)
	// 40 chars of name, underscore, 8 hex chars
	if len(id) != 40+1+8 {
		t.Fatalf("unexpected id length %d (%q)", len(id), id)
	}
}

func TestLabelFor(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"documents/INVOICE/a.pdf", "INVOICE"},
		{"documents/bank statement/a.pdf", "BANK_STATEMENT"},
		{"documents/tax-form/a.pdf", "TAX_FORM"},
		{"documents/a.pdf", ""},
		{"uploads/INVOICE/a.pdf", ""},
	}
	for _, c := range cases {
		if got := LabelFor(c.name); got != c.want {
			t.Fatalf("LabelFor(%q) = %q, want %q", c.name, got, c.want)
		}
	}
}
