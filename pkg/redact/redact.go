// Package redact masks patient identifiers in transcript text before it
// reaches logs, artifacts or notifications.
package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

type rule struct {
	re    *regexp.Regexp
	label string
}

// Order matters: record numbers and dates are masked before the phone rule
// can swallow their digits.
var rules = []rule{
	{regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), "[EMAIL]"},
	{regexp.MustCompile(`(?i)\b(?:mrn|file|record)\s*(?:no\.?|number|#|:)?\s*[:#]?\s*[a-z]{0,3}\d{4,}\b`), "[RECORD]"},
	{regexp.MustCompile(`\b\d{1,2}[/.\-]\d{1,2}[/.\-](?:19|20)\d{2}\b`), "[DATE]"},
	{regexp.MustCompile(`\+?\d[\d\s\-]{7,}\d`), "[PHONE]"},
	{regexp.MustCompile(`[\x{0660}-\x{0669}][\x{0660}-\x{0669}\s\-]{7,}[\x{0660}-\x{0669}]`), "[PHONE]"},
}

func SetEnabled(v bool) {
	enabled.Store(v)
}

func Enabled() bool {
	return enabled.Load()
}

// Text masks emails, record numbers, dates and phone numbers (Latin or
// Arabic-Indic digits) when redaction is enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := in
	for _, r := range rules {
		out = r.re.ReplaceAllString(out, r.label)
	}
	return out
}
