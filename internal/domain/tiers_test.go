package domain

import "testing"

func TestTierTokenLimits(t *testing.T) {
	tests := []struct {
		tier Tier
		want int64
	}{
		{TierStarter, 1_000_000},
		{TierPro, 5_000_000},
		{TierTeam, 20_000_000},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			got, err := tt.tier.TokenLimit()
			if err != nil {
				t.Fatalf("TokenLimit(%s): %v", tt.tier, err)
			}
			if got != tt.want {
				t.Errorf("TokenLimit(%s) = %d, want %d", tt.tier, got, tt.want)
			}
		})
	}
}

func TestTierResources(t *testing.T) {
	tests := []struct {
		tier Tier
		want TierResources
	}{
		{TierStarter, TierResources{"250m", "500m", "128Mi", "256Mi"}},
		{TierPro, TierResources{"500m", "1000m", "256Mi", "512Mi"}},
		{TierTeam, TierResources{"1000m", "2000m", "512Mi", "1Gi"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			got, err := tt.tier.Resources()
			if err != nil {
				t.Fatalf("Resources(%s): %v", tt.tier, err)
			}
			if got != tt.want {
				t.Errorf("Resources(%s) = %+v, want %+v", tt.tier, got, tt.want)
			}
		})
	}
}

func TestParseTier(t *testing.T) {
	if _, err := ParseTier("starter"); err != nil {
		t.Errorf("ParseTier(starter): %v", err)
	}
	if _, err := ParseTier("enterprise"); err == nil {
		t.Error("ParseTier(enterprise) must fail")
	}
	if _, err := ParseTier(""); err == nil {
		t.Error("ParseTier(empty) must fail")
	}
	if Tier("Starter").Valid() {
		t.Error("tier names are case sensitive")
	}
}
