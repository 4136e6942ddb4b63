// Package redact contains tests for the logging helpers.
package redact

import "testing"

func TestToken(t *testing.T) {
	if got := Token("0123456789abcdef0123456789abcdef"); got != "012345..." {
		t.Fatalf("unexpected: %q", got)
	}
	if got := Token("short"); got != "****" {
		t.Fatalf("unexpected: %q", got)
	}
	if got := Token(""); got != "" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestSecret(t *testing.T) {
	if got := Secret("whsec_abcdef"); got != "****" {
		t.Fatalf("unexpected: %q", got)
	}
	if got := Secret(""); got != "" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestSanitize(t *testing.T) {
	in := "mo\x00del\nna\x7fme\t!"
	got := Sanitize(in)
	if got != "model\nname\t!" {
		t.Fatalf("unexpected: %q", got)
	}
}
