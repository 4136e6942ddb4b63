// Package domain holds the entities, enumerations, error taxonomy and ports
// shared by the operator, billing reducer, token proxy and API shell.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidState         = errors.New("invalid state")
	ErrRateLimited          = errors.New("rate limited")
	ErrMonthlyLimitExceeded = errors.New("monthly limit exceeded")
	ErrUpstream             = errors.New("upstream error")
	ErrInternal             = errors.New("internal error")
)

// Context is an alias so ports stay decoupled from call sites; adapters and
// usecases pass context.Context through unchanged.
type Context = context.Context

type SubscriptionStatus string

const (
	SubscriptionTrialing  SubscriptionStatus = "trialing"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionSuspended SubscriptionStatus = "suspended"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

type BoxStatus string

const (
	BoxPending      BoxStatus = "pending"
	BoxProvisioning BoxStatus = "provisioning"
	BoxActive       BoxStatus = "active"
	BoxUpdating     BoxStatus = "updating"
	BoxSuspended    BoxStatus = "suspended"
	BoxUnhealthy    BoxStatus = "unhealthy"
	BoxDestroying   BoxStatus = "destroying"
	BoxDestroyed    BoxStatus = "destroyed"
)

// Terminal reports whether the status admits no further transitions.
func (s BoxStatus) Terminal() bool { return s == BoxDestroyed }

// Admits reports whether a lifecycle job of the given type may be issued for
// a box currently in status s. Admissibility is enforced at the API boundary;
// the operator trusts the envelope it is handed.
func (s BoxStatus) Admits(t JobType) bool {
	if s.Terminal() {
		return false
	}
	switch t {
	case JobProvision:
		return s == BoxPending
	case JobUpdate, JobResize, JobUpdateConnections:
		return s == BoxActive || s == BoxUpdating
	case JobSuspend:
		return s == BoxActive
	case JobReactivate:
		return s == BoxSuspended
	case JobDestroy:
		return s != BoxDestroying
	case JobHealthCheck:
		return s == BoxActive || s == BoxUnhealthy
	default:
		return false
	}
}

type ConnectionStatus string

const (
	ConnectionActive  ConnectionStatus = "active"
	ConnectionDeleted ConnectionStatus = "deleted"
)

type Customer struct {
	ID               string
	Email            string
	StripeCustomerID *string
	CreatedAt        time.Time
	DeletedAt        *time.Time
}

type Subscription struct {
	ID                   string
	CustomerID           string
	StripeSubscriptionID string
	StripePriceID        string
	Tier                 Tier
	Status               SubscriptionStatus
	TokensLimit          int64
	CurrentPeriodStart   time.Time
	CurrentPeriodEnd     time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Box is one customer's isolated workload: a namespace, a config secret and a
// single-replica deployment, sized by the subscription tier.
type Box struct {
	ID              string
	CustomerID      string
	SubscriptionID  string
	Namespace       string
	TelegramUserIDs []int64
	Language        string
	Model           string
	ThinkingLevel   string
	BundleID        *string
	Status          BoxStatus
	HealthFailures  int
	LastSeen        *time.Time
	CreatedAt       time.Time
	ActivatedAt     *time.Time
	LastUpdated     *time.Time
	DestroyedAt     *time.Time
}

// ProxyToken stores only the bcrypt hash; the raw secret is returned once at
// mint time and never persisted.
type ProxyToken struct {
	ID         string
	CustomerID string
	BoxID      string
	TokenHash  string
	CreatedAt  time.Time
	RevokedAt  *time.Time
}

func (t ProxyToken) Active() bool { return t.RevokedAt == nil }

type UsageMonthly struct {
	ID          string
	CustomerID  string
	PeriodStart time.Time
	PeriodEnd   time.Time
	TokensUsed  int64
	TokensLimit int64
	ResetAt     *time.Time
}

type UsageEvent struct {
	ID               int64
	CustomerID       string
	BoxID            string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	RequestID        string
	CreatedAt        time.Time
}

type Connection struct {
	ID                string
	CustomerID        string
	Provider          string
	NangoConnectionID string
	Status            ConnectionStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type OnboardingSession struct {
	ID         string
	CustomerID *string
	Email      string
	State      string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

type Bundle struct {
	ID           string
	Name         string
	Niche        string
	SystemPrompt string
	Providers    []string
	CreatedAt    time.Time
}

// Repositories (ports)

type CustomerRepository interface {
	Create(ctx Context, c Customer) error
	Get(ctx Context, id string) (Customer, error)
	GetByEmail(ctx Context, email string) (Customer, error)
	SetStripeCustomerID(ctx Context, id, stripeCustomerID string) error
	List(ctx Context) ([]Customer, error)
}

type SubscriptionRepository interface {
	Create(ctx Context, s Subscription) error
	GetByStripeID(ctx Context, stripeSubscriptionID string) (Subscription, error)
	GetActiveByCustomer(ctx Context, customerID string) (Subscription, error)
	UpdateStatus(ctx Context, id string, status SubscriptionStatus) error
	UpdatePeriods(ctx Context, id string, start, end time.Time) error
	UpdatePlan(ctx Context, id string, tier Tier, tokensLimit int64, stripePriceID string) error
	UpdatePlanByCustomer(ctx Context, customerID string, tier Tier, tokensLimit int64) error
}

type BoxRepository interface {
	Create(ctx Context, b Box) error
	Get(ctx Context, id string) (Box, error)
	// GetLiveByCustomer returns the customer's box that is not destroyed.
	GetLiveByCustomer(ctx Context, customerID string) (Box, error)
	// GetByCustomerInStatus returns the customer's box only when its current
	// status is one of the given set.
	GetByCustomerInStatus(ctx Context, customerID string, statuses ...BoxStatus) (Box, error)
	UpdateStatus(ctx Context, id string, status BoxStatus) error
	// UpdateSpec rewrites the mutable spec fields; nil/empty inputs keep the
	// current values.
	UpdateSpec(ctx Context, id string, telegramUserIDs []int64, model, thinkingLevel string) error
	// MarkActive sets status active and stamps activated_at.
	MarkActive(ctx Context, id string) error
	// MarkDestroyed sets status destroyed and stamps destroyed_at.
	MarkDestroyed(ctx Context, id string) error
	// TouchUpdated stamps last_updated.
	TouchUpdated(ctx Context, id string) error
	// TouchSeen stamps last_seen and clears the health-failure counter.
	TouchSeen(ctx Context, id string) error
	UpdateHealth(ctx Context, id string, failures int, status BoxStatus) error
	List(ctx Context) ([]Box, error)
}

type ProxyTokenRepository interface {
	Create(ctx Context, t ProxyToken) error
	ListActive(ctx Context) ([]ProxyToken, error)
	GetActiveByBox(ctx Context, boxID string) (ProxyToken, error)
	// Revoke stamps revoked_at on a still-active token; ErrNotFound when the
	// token is absent or already revoked.
	Revoke(ctx Context, id string) error
}

// LimitSnapshot is the cached view of a customer's monthly budget.
type LimitSnapshot struct {
	Used  int64 `json:"used"`
	Limit int64 `json:"limit"`
	Tier  Tier  `json:"tier"`
}

func (s LimitSnapshot) Exceeded() bool { return s.Limit > 0 && s.Used >= s.Limit }

// NearLimit reports whether usage crossed 90% of the budget.
func (s LimitSnapshot) NearLimit() bool {
	return s.Limit > 0 && s.Used*10 >= s.Limit*9
}

type UsageRepository interface {
	// CreateBucket inserts the per-period row; duplicates on
	// (customer_id, period_start) are skipped.
	CreateBucket(ctx Context, u UsageMonthly) error
	GetBucket(ctx Context, customerID string, at time.Time) (UsageMonthly, error)
	// CurrentLimit joins the bucket covering at with the customer's active
	// subscription; ErrNotFound when either side is missing.
	CurrentLimit(ctx Context, customerID string, at time.Time) (LimitSnapshot, error)
	UpdateBucketLimit(ctx Context, customerID string, periodStart time.Time, tokensLimit int64) error
	// ApplyBatch inserts the events that carry a box id (request-id duplicates
	// skipped) and increments each customer's current bucket, atomically.
	ApplyBatch(ctx Context, events []UsageEvent, perCustomer map[string]int64) error
}

type JobAuditRepository interface {
	Insert(ctx Context, j OperatorJob) error
	// MarkRunning records the job as picked up, upserting over the producer's
	// queued row when one exists.
	MarkRunning(ctx Context, j OperatorJob) error
	Finish(ctx Context, id string, status JobState, errorLog string) error
	ListRunningBefore(ctx Context, cutoff time.Time, limit, offset int) ([]OperatorJob, error)
	ListByCustomer(ctx Context, customerID string, limit int) ([]OperatorJob, error)
}

type ConnectionRepository interface {
	ListActiveByCustomer(ctx Context, customerID string) ([]Connection, error)
}
