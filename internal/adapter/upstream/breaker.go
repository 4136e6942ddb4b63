package upstream

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState represents the state of the upstream circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows requests to pass through.
	BreakerClosed BreakerState = iota
	// BreakerOpen blocks requests after consecutive failures.
	BreakerOpen
	// BreakerHalfOpen probes recovery with limited requests.
	BreakerHalfOpen
)

// Breaker guards the single upstream endpoint. Three consecutive failures
// open it; after the recovery timeout one probe is let through.
type Breaker struct {
	mu               sync.RWMutex
	failureThreshold int
	recoveryTimeout  time.Duration
	state            BreakerState
	failureCount     int
	lastFailureTime  time.Time
}

// NewBreaker constructs a breaker with the default thresholds.
func NewBreaker() *Breaker {
	return &Breaker{
		failureThreshold: 3,
		recoveryTimeout:  30 * time.Second,
		state:            BreakerClosed,
	}
}

// ShouldAttempt determines if a request should be attempted.
func (b *Breaker) ShouldAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.lastFailureTime) > b.recoveryTimeout {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	case BreakerHalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	if b.state != BreakerClosed {
		slog.Info("upstream circuit closed")
		b.state = BreakerClosed
	}
}

// RecordFailure counts a failure, opening the circuit at the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.lastFailureTime = time.Now()
	if b.state == BreakerHalfOpen || b.failureCount >= b.failureThreshold {
		if b.state != BreakerOpen {
			slog.Warn("upstream circuit opened", slog.Int("failures", b.failureCount))
		}
		b.state = BreakerOpen
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}
