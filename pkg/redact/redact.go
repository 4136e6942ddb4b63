// Package redact provides small helpers for keeping secrets and
// customer-supplied text out of logs.
package redact

import (
	"strings"
)

// Token masks a bearer token or API key for logging. It keeps a short
// prefix so operators can correlate log lines against the token store
// without exposing the credential itself.
func Token(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:6] + "..."
}

// Secret fully masks a secret value while preserving whether it was set.
func Secret(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

// Sanitize removes control characters except tab/newline/CR and trims
// surrounding whitespace. Use it before logging request-derived strings.
func Sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
