package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type JobType string

const (
	JobProvision         JobType = "provision"
	JobUpdate            JobType = "update"
	JobDestroy           JobType = "destroy"
	JobSuspend           JobType = "suspend"
	JobReactivate        JobType = "reactivate"
	JobResize            JobType = "resize"
	JobHealthCheck       JobType = "health_check"
	JobUpdateConnections JobType = "update_connections"
)

// Known reports whether the type is one the operator dispatches on. Unknown
// types are logged and dropped, never requeued.
func (t JobType) Known() bool {
	switch t {
	case JobProvision, JobUpdate, JobDestroy, JobSuspend, JobReactivate,
		JobResize, JobHealthCheck, JobUpdateConnections:
		return true
	}
	return false
}

type JobState string

const (
	JobQueued   JobState = "queued"
	JobRunning  JobState = "running"
	JobComplete JobState = "complete"
	JobFailed   JobState = "failed"
)

// OperatorJob is the audit record for one envelope. Rows are append-mostly;
// a failed row never blocks a re-enqueue of the same work.
type OperatorJob struct {
	ID          string
	CustomerID  string
	BoxID       *string
	Type        JobType
	Status      JobState
	Payload     json.RawMessage
	ErrorLog    string
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// JobEnvelope is the queue wire format. Producers are at-least-once; handlers
// must be idempotent per Kubernetes resource name.
type JobEnvelope struct {
	JobID      string          `json:"job_id"`
	Type       JobType         `json:"type"`
	CustomerID string          `json:"customer_id"`
	BoxID      string          `json:"box_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload unmarshals the envelope payload into v. Legacy producers
// double-encode the payload as a JSON string; both forms are accepted. A nil
// or empty payload leaves v untouched.
func (e JobEnvelope) DecodePayload(v any) error {
	raw := e.Payload
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return fmt.Errorf("op=job.decode_payload: %w: %v", ErrInvalidArgument, err)
		}
		raw = []byte(inner)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("op=job.decode_payload: %w: %v", ErrInvalidArgument, err)
	}
	return nil
}

// Per-type payload schemas. Each handler decodes only its own.

type ProvisionPayload struct {
	Tier           Tier   `json:"tier"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

type UpdatePayload struct {
	SecretData map[string]string `json:"secret_data"`
}

type DestroyPayload struct {
	ProxyTokenID string `json:"proxy_token_id,omitempty"`
}

type ResizePayload struct {
	NewTier Tier `json:"new_tier"`
	OldTier Tier `json:"old_tier,omitempty"`
}

// JobQueue is the producer side of the shared FIFO queue.
type JobQueue interface {
	Enqueue(ctx Context, env JobEnvelope) error
}

// Lease is a held per-customer lock. Release tolerates "not owned".
type Lease interface {
	Release(ctx Context) error
}

// Locker serializes orchestrator work per customer. Acquire blocks up to the
// configured wait and returns ErrConflict when another worker holds the key.
type Locker interface {
	Acquire(ctx Context, customerID string) (Lease, error)
}

// UsageRecord is one metering sample pushed onto the usage stream.
type UsageRecord struct {
	CustomerID       string
	BoxID            string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	RequestID        string
	At               time.Time
}

func (r UsageRecord) Total() int64 { return r.PromptTokens + r.CompletionTokens }

// UsageStream is the producer side of the durable usage stream.
type UsageStream interface {
	Publish(ctx Context, rec UsageRecord) error
}

// TokenClaims is the cached identity behind a raw proxy token.
type TokenClaims struct {
	CustomerID string `json:"customer_id"`
	TokenID    string `json:"token_id"`
	BoxID      string `json:"box_id,omitempty"`
}

// TokenCache maps raw bearer tokens to claims with a short TTL.
type TokenCache interface {
	Get(ctx Context, raw string) (TokenClaims, bool, error)
	Set(ctx Context, raw string, claims TokenClaims) error
}

// LimitCache holds per-customer budget snapshots. Add bumps the used counter
// in place, preserving the entry's remaining TTL; absent entries are ignored.
type LimitCache interface {
	Get(ctx Context, customerID string) (LimitSnapshot, bool, error)
	Set(ctx Context, customerID string, snap LimitSnapshot) error
	Add(ctx Context, customerID string, delta int64) error
}

// RateLimiter admits or rejects one request for a customer.
type RateLimiter interface {
	Allow(ctx Context, customerID string) (bool, error)
}

// MintedToken is the one-time response from the proxy's mint endpoint; Token
// is never stored.
type MintedToken struct {
	TokenID string `json:"token_id"`
	Token   string `json:"token"`
}

// TokenIssuer is the operator-side client for the proxy's internal token API.
type TokenIssuer interface {
	Mint(ctx Context, customerID, boxID string) (MintedToken, error)
	Revoke(ctx Context, tokenID string) error
}
