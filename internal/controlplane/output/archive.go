// Package output archives raw task output into a bounded (summary, detail)
// pair with sensitive values redacted.
package output

import (
	"regexp"
	"unicode/utf8"
)

const (
	// SummaryLimit bounds the short form stored on every task.
	SummaryLimit = 1024
	// DetailLimit bounds the long form.
	DetailLimit = 64 * 1024

	truncationSuffix = "…(truncated)"
)

// Sensitive key/value pairs of the form key:value or key=value. The value is
// masked, the key and separator survive.
var secretPattern = regexp.MustCompile(`(?i)((?:password|passwd|pwd|api_key|secret|token)\s*[:=]\s*)\S+`)

// Email local parts are masked, the domain survives.
var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@([A-Za-z0-9.-]+\.[A-Za-z]{2,})`)

// Archive redacts raw output and returns the bounded summary and detail
// forms. Redaction happens before truncation so a cut can never expose the
// tail of a secret. The function is pure: same input, same output.
func Archive(raw string) (summary, detail string) {
	redacted := Redact(raw)
	return truncate(redacted, SummaryLimit), truncate(redacted, DetailLimit)
}

// Redact masks sensitive key/value pairs and email local parts.
func Redact(s string) string {
	s = secretPattern.ReplaceAllString(s, "${1}****")
	s = emailPattern.ReplaceAllString(s, "***@${1}")
	return s
}

// truncate cuts s to at most limit bytes, appending the truncation suffix
// when anything was cut. The cut point never splits a UTF-8 sequence.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}

	cut := limit - len(truncationSuffix)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationSuffix
}
