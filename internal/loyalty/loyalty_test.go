package loyalty

import (
	"os"
	"path/filepath"
	"testing"

	"posledger/backend/internal/domain"
)

func TestEarnedAppliesTierBonus(t *testing.T) {
	p := DefaultProgram()
	cases := []struct {
		name      string
		final     int64
		tier      string
		wantBase  int64
		wantBonus int64
	}{
		{"bronze", 120000, domain.TierBronze, 120, 0},
		{"silver", 120000, domain.TierSilver, 120, 30},
		{"gold rounds down", 101000, domain.TierGold, 101, 50},
		{"platinum doubles", 50000, domain.TierPlatinum, 50, 50},
		{"below one unit", 999, domain.TierPlatinum, 0, 0},
		{"unknown tier has no bonus", 5000, "DIAMOND", 5, 0},
		{"zero sale", 0, domain.TierGold, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			base, bonus := p.Earned(tc.final, tc.tier)
			if base != tc.wantBase || bonus != tc.wantBonus {
				t.Fatalf("expected %d+%d, got %d+%d", tc.wantBase, tc.wantBonus, base, bonus)
			}
		})
	}
}

func TestQualifyingTierIsMonotonic(t *testing.T) {
	p := DefaultProgram()
	prev := -1
	for lifetime := int64(0); lifetime <= 12000; lifetime += 250 {
		rank := p.Rank(p.QualifyingTier(lifetime))
		if rank < prev {
			t.Fatalf("tier rank dropped from %d to %d at lifetime %d", prev, rank, lifetime)
		}
		prev = rank
	}
	if got := p.QualifyingTier(999); got != domain.TierBronze {
		t.Fatalf("expected BRONZE at 999, got %s", got)
	}
	if got := p.QualifyingTier(1000); got != domain.TierSilver {
		t.Fatalf("expected SILVER at 1000, got %s", got)
	}
	if got := p.QualifyingTier(10000); got != domain.TierPlatinum {
		t.Fatalf("expected PLATINUM at 10000, got %s", got)
	}
}

func TestWithTiersPrefersGivenOrder(t *testing.T) {
	p := DefaultProgram().WithTiers([]domain.TierConfig{
		{Tier: "GOLD", Rank: 2, MinLifetimePoint: 300, Multiplier: 1.5},
		{Tier: "BRONZE", Rank: 0, MinLifetimePoint: 0, Multiplier: 1},
	})
	if p.BaseTier() != "BRONZE" {
		t.Fatalf("expected BRONZE base tier, got %s", p.BaseTier())
	}
	if got := p.QualifyingTier(300); got != "GOLD" {
		t.Fatalf("expected GOLD at 300, got %s", got)
	}
	if unchanged := p.WithTiers(nil); len(unchanged.Tiers) != 2 {
		t.Fatalf("expected empty tiers to keep current table, got %d", len(unchanged.Tiers))
	}
}

func TestProportionalReversal(t *testing.T) {
	cases := []struct {
		earned, refund, final, want int64
	}{
		{120, 60000, 120000, 60},
		{120, 120000, 120000, 120},
		{120, 130000, 120000, 120},
		{7, 1000, 3000, 2},
		{0, 1000, 3000, 0},
		{10, 1000, 0, 0},
	}
	for _, tc := range cases {
		if got := ProportionalReversal(tc.earned, tc.refund, tc.final); got != tc.want {
			t.Fatalf("reversal(%d,%d,%d): expected %d, got %d", tc.earned, tc.refund, tc.final, tc.want, got)
		}
	}
}

func TestLoadProgramTOMLAndYAML(t *testing.T) {
	dir := t.TempDir()

	tomlPath := filepath.Join(dir, "program.toml")
	tomlBody := `points_per_unit_cents = 500

[[tiers]]
tier = "BRONZE"
rank = 0
min_lifetime_points = 0
multiplier = 1.0

[[tiers]]
tier = "VIP"
rank = 1
min_lifetime_points = 200
multiplier = 3.0
`
	if err := os.WriteFile(tomlPath, []byte(tomlBody), 0o600); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	p, err := LoadProgram(tomlPath)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if p.PointsPerUnitCents != 500 || p.PointValueCents != DefaultPointValueCents {
		t.Fatalf("unexpected rates %+v", p)
	}
	if base, bonus := p.Earned(5000, "VIP"); base != 10 || bonus != 20 {
		t.Fatalf("expected 10+20 for VIP, got %d+%d", base, bonus)
	}

	yamlPath := filepath.Join(dir, "program.yaml")
	yamlBody := "point_value_cents: 50\n"
	if err := os.WriteFile(yamlPath, []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	p, err = LoadProgram(yamlPath)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if p.PointValueCents != 50 || len(p.Tiers) != 4 {
		t.Fatalf("expected defaults with overridden point value, got %+v", p)
	}
}

func TestLoadProgramRejectsInvalidTiers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yml")
	body := "tiers:\n  - tier: SILVER\n    rank: 1\n    min_lifetime_points: 100\n    multiplier: 0.5\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadProgram(path); err == nil {
		t.Fatalf("expected invalid program error")
	}
	if _, err := LoadProgram(filepath.Join(dir, "program.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
