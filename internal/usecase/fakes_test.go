package usecase

import (
	"fmt"
	"sync"
	"time"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// In-memory ports shared by the service tests.

type fakeCustomers struct {
	mu        sync.Mutex
	customers map[string]domain.Customer
}

func newFakeCustomers() *fakeCustomers {
	return &fakeCustomers{customers: map[string]domain.Customer{}}
}

func (f *fakeCustomers) Create(_ domain.Context, c domain.Customer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.customers {
		if existing.Email == c.Email {
			return domain.ErrConflict
		}
	}
	c.CreatedAt = time.Now().UTC()
	f.customers[c.ID] = c
	return nil
}

func (f *fakeCustomers) Get(_ domain.Context, id string) (domain.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.customers[id]
	if !ok {
		return domain.Customer{}, domain.ErrNotFound
	}
	return c, nil
}

func (f *fakeCustomers) GetByEmail(_ domain.Context, email string) (domain.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.customers {
		if c.Email == email {
			return c, nil
		}
	}
	return domain.Customer{}, domain.ErrNotFound
}

func (f *fakeCustomers) SetStripeCustomerID(_ domain.Context, id, stripeCustomerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.customers[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.StripeCustomerID = &stripeCustomerID
	f.customers[id] = c
	return nil
}

func (f *fakeCustomers) List(_ domain.Context) ([]domain.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Customer, 0, len(f.customers))
	for _, c := range f.customers {
		out = append(out, c)
	}
	return out, nil
}

type fakeSubs struct {
	mu   sync.Mutex
	subs map[string]domain.Subscription
}

func newFakeSubs() *fakeSubs { return &fakeSubs{subs: map[string]domain.Subscription{}} }

func (f *fakeSubs) Create(_ domain.Context, s domain.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.subs {
		if existing.StripeSubscriptionID == s.StripeSubscriptionID {
			return domain.ErrConflict
		}
	}
	f.subs[s.ID] = s
	return nil
}

func (f *fakeSubs) GetByStripeID(_ domain.Context, stripeID string) (domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.StripeSubscriptionID == stripeID {
			return s, nil
		}
	}
	return domain.Subscription{}, domain.ErrNotFound
}

func (f *fakeSubs) GetActiveByCustomer(_ domain.Context, customerID string) (domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.CustomerID == customerID && s.Status == domain.SubscriptionActive {
			return s, nil
		}
	}
	return domain.Subscription{}, domain.ErrNotFound
}

func (f *fakeSubs) UpdateStatus(_ domain.Context, id string, status domain.SubscriptionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.Status = status
	f.subs[id] = s
	return nil
}

func (f *fakeSubs) UpdatePeriods(_ domain.Context, id string, start, end time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.CurrentPeriodStart, s.CurrentPeriodEnd = start, end
	f.subs[id] = s
	return nil
}

func (f *fakeSubs) UpdatePlan(_ domain.Context, id string, tier domain.Tier, tokensLimit int64, stripePriceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.Tier, s.TokensLimit, s.StripePriceID = tier, tokensLimit, stripePriceID
	f.subs[id] = s
	return nil
}

func (f *fakeSubs) UpdatePlanByCustomer(_ domain.Context, customerID string, tier domain.Tier, tokensLimit int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, s := range f.subs {
		if s.CustomerID == customerID && s.Status == domain.SubscriptionActive {
			s.Tier, s.TokensLimit = tier, tokensLimit
			f.subs[id] = s
			return nil
		}
	}
	return domain.ErrNotFound
}

type fakeBoxes struct {
	mu    sync.Mutex
	boxes map[string]domain.Box
}

func newFakeBoxes(boxes ...domain.Box) *fakeBoxes {
	f := &fakeBoxes{boxes: map[string]domain.Box{}}
	for _, b := range boxes {
		f.boxes[b.ID] = b
	}
	return f
}

func (f *fakeBoxes) Create(_ domain.Context, b domain.Box) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.boxes {
		if existing.Namespace == b.Namespace {
			return domain.ErrConflict
		}
	}
	b.CreatedAt = time.Now().UTC()
	f.boxes[b.ID] = b
	return nil
}

func (f *fakeBoxes) Get(_ domain.Context, id string) (domain.Box, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.boxes[id]
	if !ok {
		return domain.Box{}, domain.ErrNotFound
	}
	return b, nil
}

func (f *fakeBoxes) GetLiveByCustomer(_ domain.Context, customerID string) (domain.Box, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.boxes {
		if b.CustomerID == customerID && b.Status != domain.BoxDestroyed {
			return b, nil
		}
	}
	return domain.Box{}, domain.ErrNotFound
}

func (f *fakeBoxes) GetByCustomerInStatus(_ domain.Context, customerID string, statuses ...domain.BoxStatus) (domain.Box, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.boxes {
		if b.CustomerID != customerID {
			continue
		}
		for _, s := range statuses {
			if b.Status == s {
				return b, nil
			}
		}
	}
	return domain.Box{}, domain.ErrNotFound
}

func (f *fakeBoxes) UpdateStatus(_ domain.Context, id string, status domain.BoxStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.boxes[id]
	if !ok || b.Status.Terminal() {
		return domain.ErrInvalidState
	}
	b.Status = status
	f.boxes[id] = b
	return nil
}

func (f *fakeBoxes) UpdateSpec(_ domain.Context, id string, telegramUserIDs []int64, model, thinkingLevel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.boxes[id]
	if !ok || b.Status.Terminal() {
		return domain.ErrInvalidState
	}
	if telegramUserIDs != nil {
		b.TelegramUserIDs = telegramUserIDs
	}
	if model != "" {
		b.Model = model
	}
	if thinkingLevel != "" {
		b.ThinkingLevel = thinkingLevel
	}
	f.boxes[id] = b
	return nil
}

func (f *fakeBoxes) MarkActive(_ domain.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.boxes[id]
	if !ok || b.Status.Terminal() {
		return domain.ErrInvalidState
	}
	now := time.Now().UTC()
	b.Status = domain.BoxActive
	if b.ActivatedAt == nil {
		b.ActivatedAt = &now
	}
	f.boxes[id] = b
	return nil
}

func (f *fakeBoxes) MarkDestroyed(_ domain.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.boxes[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	b.Status = domain.BoxDestroyed
	if b.DestroyedAt == nil {
		b.DestroyedAt = &now
	}
	f.boxes[id] = b
	return nil
}

func (f *fakeBoxes) TouchUpdated(_ domain.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.boxes[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	b.LastUpdated = &now
	f.boxes[id] = b
	return nil
}

func (f *fakeBoxes) TouchSeen(_ domain.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.boxes[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	b.LastSeen = &now
	b.HealthFailures = 0
	f.boxes[id] = b
	return nil
}

func (f *fakeBoxes) UpdateHealth(_ domain.Context, id string, failures int, status domain.BoxStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.boxes[id]
	if !ok || b.Status.Terminal() {
		return domain.ErrInvalidState
	}
	b.HealthFailures = failures
	b.Status = status
	f.boxes[id] = b
	return nil
}

func (f *fakeBoxes) List(_ domain.Context) ([]domain.Box, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Box, 0, len(f.boxes))
	for _, b := range f.boxes {
		out = append(out, b)
	}
	return out, nil
}

type fakeUsage struct {
	mu      sync.Mutex
	buckets map[string]domain.UsageMonthly // key customer|period_start
	events  []domain.UsageEvent

	// Each injected error fires once, then the fake heals.
	createErr      error
	updateLimitErr error
}

func newFakeUsage() *fakeUsage { return &fakeUsage{buckets: map[string]domain.UsageMonthly{}} }

func bucketKey(customerID string, start time.Time) string {
	return fmt.Sprintf("%s|%d", customerID, start.Unix())
}

func (f *fakeUsage) CreateBucket(_ domain.Context, u domain.UsageMonthly) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		err := f.createErr
		f.createErr = nil
		return err
	}
	key := bucketKey(u.CustomerID, u.PeriodStart)
	if _, ok := f.buckets[key]; ok {
		return nil
	}
	f.buckets[key] = u
	return nil
}

func (f *fakeUsage) GetBucket(_ domain.Context, customerID string, at time.Time) (domain.UsageMonthly, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.buckets {
		if b.CustomerID == customerID && !at.Before(b.PeriodStart) && at.Before(b.PeriodEnd) {
			return b, nil
		}
	}
	return domain.UsageMonthly{}, domain.ErrNotFound
}

func (f *fakeUsage) CurrentLimit(ctx domain.Context, customerID string, at time.Time) (domain.LimitSnapshot, error) {
	b, err := f.GetBucket(ctx, customerID, at)
	if err != nil {
		return domain.LimitSnapshot{}, err
	}
	return domain.LimitSnapshot{Used: b.TokensUsed, Limit: b.TokensLimit}, nil
}

func (f *fakeUsage) UpdateBucketLimit(_ domain.Context, customerID string, periodStart time.Time, tokensLimit int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateLimitErr != nil {
		err := f.updateLimitErr
		f.updateLimitErr = nil
		return err
	}
	key := bucketKey(customerID, periodStart)
	b, ok := f.buckets[key]
	if !ok {
		return domain.ErrNotFound
	}
	b.TokensLimit = tokensLimit
	f.buckets[key] = b
	return nil
}

func (f *fakeUsage) ApplyBatch(_ domain.Context, events []domain.UsageEvent, perCustomer map[string]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	for _, e := range events {
		dup := false
		for _, existing := range f.events {
			if e.RequestID != "" && existing.RequestID == e.RequestID {
				dup = true
				break
			}
		}
		if !dup {
			f.events = append(f.events, e)
		}
	}
	for customerID, delta := range perCustomer {
		for key, b := range f.buckets {
			if b.CustomerID == customerID && !now.Before(b.PeriodStart) && now.Before(b.PeriodEnd) {
				b.TokensUsed += delta
				f.buckets[key] = b
			}
		}
	}
	return nil
}

type fakeTokensRepo struct {
	mu     sync.Mutex
	tokens map[string]domain.ProxyToken
}

func newFakeTokensRepo() *fakeTokensRepo { return &fakeTokensRepo{tokens: map[string]domain.ProxyToken{}} }

func (f *fakeTokensRepo) Create(_ domain.Context, t domain.ProxyToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.tokens {
		if existing.BoxID == t.BoxID && existing.Active() {
			return domain.ErrConflict
		}
	}
	t.CreatedAt = time.Now().UTC()
	f.tokens[t.ID] = t
	return nil
}

func (f *fakeTokensRepo) ListActive(_ domain.Context) ([]domain.ProxyToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ProxyToken
	for _, t := range f.tokens {
		if t.Active() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTokensRepo) GetActiveByBox(_ domain.Context, boxID string) (domain.ProxyToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tokens {
		if t.BoxID == boxID && t.Active() {
			return t, nil
		}
	}
	return domain.ProxyToken{}, domain.ErrNotFound
}

func (f *fakeTokensRepo) Revoke(_ domain.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[id]
	if !ok || !t.Active() {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	t.RevokedAt = &now
	f.tokens[id] = t
	return nil
}

type fakeAudit struct {
	mu   sync.Mutex
	rows map[string]domain.OperatorJob
}

func newFakeAudit() *fakeAudit { return &fakeAudit{rows: map[string]domain.OperatorJob{}} }

func (f *fakeAudit) Insert(_ domain.Context, j domain.OperatorJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[j.ID] = j
	return nil
}

func (f *fakeAudit) MarkRunning(_ domain.Context, j domain.OperatorJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j.Status = domain.JobRunning
	f.rows[j.ID] = j
	return nil
}

func (f *fakeAudit) Finish(_ domain.Context, id string, status domain.JobState, errorLog string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = status
	j.ErrorLog = errorLog
	f.rows[id] = j
	return nil
}

func (f *fakeAudit) ListRunningBefore(_ domain.Context, cutoff time.Time, limit, offset int) ([]domain.OperatorJob, error) {
	return nil, nil
}

func (f *fakeAudit) ListByCustomer(_ domain.Context, customerID string, limit int) ([]domain.OperatorJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.OperatorJob
	for _, j := range f.rows {
		if j.CustomerID == customerID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeAudit) get(id string) (domain.OperatorJob, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.rows[id]
	return j, ok
}

type fakeQueue struct {
	mu        sync.Mutex
	envelopes []domain.JobEnvelope
	err       error
}

func (f *fakeQueue) Enqueue(_ domain.Context, env domain.JobEnvelope) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envelopes = append(f.envelopes, env)
	return nil
}

func (f *fakeQueue) all() []domain.JobEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.JobEnvelope, len(f.envelopes))
	copy(out, f.envelopes)
	return out
}

type fakeConns struct {
	conns []domain.Connection
}

func (f *fakeConns) ListActiveByCustomer(_ domain.Context, customerID string) ([]domain.Connection, error) {
	var out []domain.Connection
	for _, c := range f.conns {
		if c.CustomerID == customerID && c.Status == domain.ConnectionActive {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeIssuer struct {
	mu      sync.Mutex
	minted  []string
	revoked []string
	err     error
}

func (f *fakeIssuer) Mint(_ domain.Context, customerID, boxID string) (domain.MintedToken, error) {
	if f.err != nil {
		return domain.MintedToken{}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.minted = append(f.minted, boxID)
	return domain.MintedToken{TokenID: "tok-" + boxID, Token: "raw-" + boxID}, nil
}

func (f *fakeIssuer) Revoke(_ domain.Context, tokenID string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, tokenID)
	return nil
}

// fakeCluster records calls; failures are injected per method name.
type fakeCluster struct {
	mu     sync.Mutex
	calls  []string
	fail   map[string]error
	ready  bool
	secret map[string]string
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{fail: map[string]error{}, ready: true, secret: map[string]string{}}
}

func (f *fakeCluster) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.fail[name]
}

func (f *fakeCluster) called(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == name {
			return true
		}
	}
	return false
}

func (f *fakeCluster) EnsureNamespace(_ domain.Context, _, _ string, _ domain.Tier) error {
	return f.record("EnsureNamespace")
}
func (f *fakeCluster) DeleteNamespace(_ domain.Context, _ string) error {
	return f.record("DeleteNamespace")
}
func (f *fakeCluster) EnsureConfigSecret(_ domain.Context, _ string, data map[string]string) error {
	if err := f.record("EnsureConfigSecret"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range data {
		f.secret[k] = v
	}
	return nil
}
func (f *fakeCluster) PatchConfigSecret(_ domain.Context, _ string, data map[string]string) error {
	if err := f.record("PatchConfigSecret"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range data {
		f.secret[k] = v
	}
	return nil
}
func (f *fakeCluster) EnsureQuota(_ domain.Context, _ string, _ domain.Tier) error {
	return f.record("EnsureQuota")
}
func (f *fakeCluster) PatchQuota(_ domain.Context, _ string, _ domain.Tier) error {
	return f.record("PatchQuota")
}
func (f *fakeCluster) EnsureNetworkPolicy(_ domain.Context, _ string) error {
	return f.record("EnsureNetworkPolicy")
}
func (f *fakeCluster) EnsureDeployment(_ domain.Context, _ string, _ domain.Tier) error {
	return f.record("EnsureDeployment")
}
func (f *fakeCluster) ScaleDeployment(_ domain.Context, _ string, replicas int32) error {
	return f.record(fmt.Sprintf("ScaleDeployment:%d", replicas))
}
func (f *fakeCluster) RestartDeployment(_ domain.Context, _ string) error {
	return f.record("RestartDeployment")
}
func (f *fakeCluster) PatchDeploymentResources(_ domain.Context, _ string, _ domain.Tier) error {
	return f.record("PatchDeploymentResources")
}
func (f *fakeCluster) DeploymentReady(_ domain.Context, _ string) (bool, error) {
	if err := f.record("DeploymentReady"); err != nil {
		return false, err
	}
	return f.ready, nil
}
func (f *fakeCluster) WaitPodReady(_ domain.Context, _ string, _ time.Duration) error {
	return f.record("WaitPodReady")
}
func (f *fakeCluster) WaitRollout(_ domain.Context, _ string, _ time.Duration) error {
	return f.record("WaitRollout")
}

type fakeLease struct{ released *bool }

func (l fakeLease) Release(domain.Context) error {
	*l.released = true
	return nil
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
	err  error
}

func newFakeLocker() *fakeLocker { return &fakeLocker{held: map[string]bool{}} }

func (f *fakeLocker) Acquire(_ domain.Context, customerID string) (domain.Lease, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[customerID] {
		return nil, domain.ErrConflict
	}
	released := false
	return fakeLease{released: &released}, nil
}

type fakeTokenCache struct {
	mu      sync.Mutex
	entries map[string]domain.TokenClaims
	getErr  error
}

func newFakeTokenCache() *fakeTokenCache {
	return &fakeTokenCache{entries: map[string]domain.TokenClaims{}}
}

func (f *fakeTokenCache) Get(_ domain.Context, raw string) (domain.TokenClaims, bool, error) {
	if f.getErr != nil {
		return domain.TokenClaims{}, false, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.entries[raw]
	return c, ok, nil
}

func (f *fakeTokenCache) Set(_ domain.Context, raw string, claims domain.TokenClaims) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[raw] = claims
	return nil
}

type fakeLimitCache struct {
	mu      sync.Mutex
	entries map[string]domain.LimitSnapshot
	adds    map[string]int64
}

func newFakeLimitCache() *fakeLimitCache {
	return &fakeLimitCache{entries: map[string]domain.LimitSnapshot{}, adds: map[string]int64{}}
}

func (f *fakeLimitCache) Get(_ domain.Context, customerID string) (domain.LimitSnapshot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.entries[customerID]
	return s, ok, nil
}

func (f *fakeLimitCache) Set(_ domain.Context, customerID string, snap domain.LimitSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[customerID] = snap
	return nil
}

func (f *fakeLimitCache) Add(_ domain.Context, customerID string, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adds[customerID] += delta
	if s, ok := f.entries[customerID]; ok {
		s.Used += delta
		f.entries[customerID] = s
	}
	return nil
}
