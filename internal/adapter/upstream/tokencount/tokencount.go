// Package tokencount estimates token counts for responses the upstream
// returned without a usage block (e.g. streams opened without
// stream_options.include_usage). Estimates feed a metric and a warn log so
// the loss is visible; they are never billed.
package tokencount

import (
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Counter provides thread-safe token estimation.
type Counter struct {
	encodingCache map[string]*tiktoken.Tiktoken
	mu            sync.RWMutex
}

// NewCounter creates a new token counter instance.
func NewCounter() *Counter {
	return &Counter{encodingCache: make(map[string]*tiktoken.Tiktoken)}
}

// getEncoding returns a cached encoding for the model. Unknown models fall
// back to cl100k_base, which is close enough for a loss estimate.
func (c *Counter) getEncoding(model string) (*tiktoken.Tiktoken, error) {
	key := normalizeModel(model)

	c.mu.RLock()
	if enc, ok := c.encodingCache[key]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodingCache[key]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(key)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.encodingCache[key] = enc
	return enc, nil
}

// Estimate returns the approximate token count of text under the model's
// encoding. Zero on failure; the caller only loses an estimate.
func (c *Counter) Estimate(model, text string) int64 {
	if text == "" {
		return 0
	}
	enc, err := c.getEncoding(model)
	if err != nil {
		slog.Warn("token estimate unavailable", slog.String("model", model), slog.Any("error", err))
		return 0
	}
	return int64(len(enc.Encode(text, nil, nil)))
}

func normalizeModel(model string) string {
	m := strings.ToLower(model)
	// Vendor-prefixed names (kimi-coding/k2p5) carry no tiktoken mapping.
	if i := strings.IndexByte(m, '/'); i >= 0 {
		m = m[i+1:]
	}
	if strings.HasPrefix(m, "gpt-") {
		return m
	}
	return "cl100k_base"
}
