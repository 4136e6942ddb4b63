package upstream

import (
	"encoding/json"
	"strings"
)

// StreamScanner folds SSE lines into metering metadata as they are relayed.
// The usage block arrives on the terminal data chunk (when the caller asked
// for it via stream_options.include_usage); model and id appear on every
// chunk.
type StreamScanner struct {
	meta Meta
}

// Observe inspects one relayed SSE line. Non-data lines and the [DONE]
// sentinel are ignored.
func (s *StreamScanner) Observe(line string) {
	payload, ok := strings.CutPrefix(strings.TrimSpace(line), "data:")
	if !ok {
		return
	}
	payload = strings.TrimSpace(payload)
	if payload == "" || payload == "[DONE]" {
		return
	}
	var chunk unaryBody
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return
	}
	if chunk.Model != "" {
		s.meta.Model = chunk.Model
	}
	if chunk.ID != "" {
		s.meta.ID = chunk.ID
	}
	if chunk.Usage != nil {
		s.meta.Usage = *chunk.Usage
		s.meta.SawUsage = true
	}
}

// Meta returns what the scanner has gathered so far.
func (s *StreamScanner) Meta() Meta { return s.meta }
