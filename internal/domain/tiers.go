package domain

import "fmt"

// Tier is the pricing/resource plan tag controlling CPU, memory and the
// monthly token allowance.
type Tier string

const (
	TierStarter Tier = "starter"
	TierPro     Tier = "pro"
	TierTeam    Tier = "team"
)

// TierResources holds the quota and container sizing for one tier, as
// Kubernetes quantity strings.
type TierResources struct {
	CPURequest    string
	CPULimit      string
	MemoryRequest string
	MemoryLimit   string
}

var tierResources = map[Tier]TierResources{
	TierStarter: {CPURequest: "250m", CPULimit: "500m", MemoryRequest: "128Mi", MemoryLimit: "256Mi"},
	TierPro:     {CPURequest: "500m", CPULimit: "1000m", MemoryRequest: "256Mi", MemoryLimit: "512Mi"},
	TierTeam:    {CPURequest: "1000m", CPULimit: "2000m", MemoryRequest: "512Mi", MemoryLimit: "1Gi"},
}

var tierTokenLimits = map[Tier]int64{
	TierStarter: 1_000_000,
	TierPro:     5_000_000,
	TierTeam:    20_000_000,
}

func (t Tier) Valid() bool {
	_, ok := tierResources[t]
	return ok
}

// ParseTier validates a tier name coming off a wire payload.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("op=tier.parse: %w: unknown tier %q", ErrInvalidArgument, s)
	}
	return t, nil
}

// Resources returns the sizing for the tier.
func (t Tier) Resources() (TierResources, error) {
	r, ok := tierResources[t]
	if !ok {
		return TierResources{}, fmt.Errorf("op=tier.resources: %w: unknown tier %q", ErrInvalidArgument, t)
	}
	return r, nil
}

// TokenLimit returns the monthly token allowance for the tier.
func (t Tier) TokenLimit() (int64, error) {
	l, ok := tierTokenLimits[t]
	if !ok {
		return 0, fmt.Errorf("op=tier.token_limit: %w: unknown tier %q", ErrInvalidArgument, t)
	}
	return l, nil
}
