// Package stripe verifies and decodes billing-provider webhook payloads.
//
// The reducer never calls back into the provider API; everything it needs is
// carried by the signed event body, so this adapter is HMAC verification
// plus payload structs decoding only the fields the handlers use.
package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// DefaultTolerance bounds how stale a signed timestamp may be before the
// event is rejected as a possible replay.
const DefaultTolerance = 5 * time.Minute

// VerifySignature checks a Stripe-Signature header
// ("t=<unix>,v1=<hex hmac>") against the shared signing secret. The signed
// payload is "<t>.<body>"; comparison is constant time.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if secret == "" {
		return fmt.Errorf("op=stripe.verify: %w: signing secret not configured", domain.ErrInternal)
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	var ts int64
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("op=stripe.verify: %w: bad timestamp", domain.ErrUnauthorized)
			}
			ts = parsed
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return fmt.Errorf("op=stripe.verify: %w: malformed signature header", domain.ErrUnauthorized)
	}
	if d := now.Sub(time.Unix(ts, 0)); d > tolerance || d < -tolerance {
		return fmt.Errorf("op=stripe.verify: %w: timestamp outside tolerance", domain.ErrUnauthorized)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))
	for _, sig := range sigs {
		if hmac.Equal([]byte(want), []byte(sig)) {
			return nil
		}
	}
	return fmt.Errorf("op=stripe.verify: %w: signature mismatch", domain.ErrUnauthorized)
}

// SignPayload produces a valid Stripe-Signature header for tests and local
// tooling.
func SignPayload(payload []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}
