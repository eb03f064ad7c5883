// Package loyalty holds the points and tier arithmetic shared by checkout,
// returns and voids. It has no storage of its own.
package loyalty

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"posledger/backend/internal/domain"
)

const (
	DefaultPointsPerUnitCents int64 = 1000
	DefaultPointValueCents    int64 = 100
)

type Program struct {
	PointsPerUnitCents int64               `toml:"points_per_unit_cents" yaml:"points_per_unit_cents"`
	PointValueCents    int64               `toml:"point_value_cents" yaml:"point_value_cents"`
	Tiers              []domain.TierConfig `toml:"tiers" yaml:"tiers"`
}

func DefaultTiers() []domain.TierConfig {
	return []domain.TierConfig{
		{Tier: domain.TierBronze, Rank: 0, MinLifetimePoint: 0, Multiplier: 1.0},
		{Tier: domain.TierSilver, Rank: 1, MinLifetimePoint: 1000, Multiplier: 1.25},
		{Tier: domain.TierGold, Rank: 2, MinLifetimePoint: 5000, Multiplier: 1.5},
		{Tier: domain.TierPlatinum, Rank: 3, MinLifetimePoint: 10000, Multiplier: 2.0},
	}
}

func DefaultProgram() Program {
	return Program{
		PointsPerUnitCents: DefaultPointsPerUnitCents,
		PointValueCents:    DefaultPointValueCents,
		Tiers:              DefaultTiers(),
	}
}

// LoadProgram reads a TOML or YAML program file. Fields left unset keep the
// built-in defaults.
func LoadProgram(path string) (Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Program{}, fmt.Errorf("reading loyalty program %s: %w", path, err)
	}

	var p Program
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &p); err != nil {
			return Program{}, fmt.Errorf("parsing loyalty program: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return Program{}, fmt.Errorf("parsing loyalty program: %w", err)
		}
	default:
		return Program{}, fmt.Errorf("unsupported loyalty program format %q", filepath.Ext(path))
	}

	defaults := DefaultProgram()
	if p.PointsPerUnitCents == 0 {
		p.PointsPerUnitCents = defaults.PointsPerUnitCents
	}
	if p.PointValueCents == 0 {
		p.PointValueCents = defaults.PointValueCents
	}
	if len(p.Tiers) == 0 {
		p.Tiers = defaults.Tiers
	}
	if err := p.Validate(); err != nil {
		return Program{}, err
	}
	return p.WithTiers(p.Tiers), nil
}

func (p Program) Validate() error {
	if p.PointsPerUnitCents <= 0 {
		return fmt.Errorf("points_per_unit_cents must be positive")
	}
	if p.PointValueCents <= 0 {
		return fmt.Errorf("point_value_cents must be positive")
	}
	seen := make(map[string]struct{}, len(p.Tiers))
	hasEntry := false
	for _, t := range p.Tiers {
		if strings.TrimSpace(t.Tier) == "" {
			return fmt.Errorf("tier name is required")
		}
		if _, ok := seen[t.Tier]; ok {
			return fmt.Errorf("duplicate tier %s", t.Tier)
		}
		seen[t.Tier] = struct{}{}
		if t.Multiplier < 1 {
			return fmt.Errorf("tier %s multiplier must be at least 1", t.Tier)
		}
		if t.MinLifetimePoint == 0 {
			hasEntry = true
		}
	}
	if !hasEntry {
		return fmt.Errorf("one tier must start at 0 lifetime points")
	}
	return nil
}

// WithTiers returns a copy of p using tiers, ordered by rank. An empty slice
// keeps the current tiers.
func (p Program) WithTiers(tiers []domain.TierConfig) Program {
	if len(tiers) == 0 {
		return p
	}
	sorted := append([]domain.TierConfig(nil), tiers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Rank != sorted[j].Rank {
			return sorted[i].Rank < sorted[j].Rank
		}
		return sorted[i].MinLifetimePoint < sorted[j].MinLifetimePoint
	})
	p.Tiers = sorted
	return p
}

func (p Program) tier(name string) (domain.TierConfig, bool) {
	for _, t := range p.Tiers {
		if t.Tier == name {
			return t, true
		}
	}
	return domain.TierConfig{}, false
}

// Rank orders tiers ascending. Unknown tiers rank below every configured one.
func (p Program) Rank(name string) int {
	if t, ok := p.tier(name); ok {
		return t.Rank
	}
	return -1
}

// BaseTier is the tier a new customer starts in.
func (p Program) BaseTier() string {
	if len(p.Tiers) == 0 {
		return domain.TierBronze
	}
	return p.Tiers[0].Tier
}

// QualifyingTier is the highest tier whose threshold lifetime reaches.
func (p Program) QualifyingTier(lifetime int64) string {
	best := p.BaseTier()
	bestRank := p.Rank(best)
	for _, t := range p.Tiers {
		if lifetime >= t.MinLifetimePoint && t.Rank > bestRank {
			best = t.Tier
			bestRank = t.Rank
		}
	}
	return best
}

// Earned splits the points for a sale of finalCents into the base amount and
// the tier bonus.
func (p Program) Earned(finalCents int64, tierName string) (base int64, bonus int64) {
	if finalCents <= 0 || p.PointsPerUnitCents <= 0 {
		return 0, 0
	}
	base = finalCents / p.PointsPerUnitCents

	mult := decimal.NewFromInt(1)
	if t, ok := p.tier(tierName); ok {
		mult = decimal.NewFromFloat(t.Multiplier)
	}
	extra := mult.Sub(decimal.NewFromInt(1))
	if extra.IsPositive() {
		bonus = decimal.NewFromInt(base).Mul(extra).Floor().IntPart()
	}
	return base, bonus
}

// RedemptionValue is the discount in cents that points buy.
func (p Program) RedemptionValue(points int64) int64 {
	if points <= 0 {
		return 0
	}
	return points * p.PointValueCents
}

// ProportionalReversal is floor(earned * refund / originalFinal), bounded by
// earned.
func ProportionalReversal(earned int64, refundCents int64, originalFinalCents int64) int64 {
	if earned <= 0 || refundCents <= 0 || originalFinalCents <= 0 {
		return 0
	}
	if refundCents >= originalFinalCents {
		return earned
	}
	return decimal.NewFromInt(earned).
		Mul(decimal.NewFromInt(refundCents)).
		Div(decimal.NewFromInt(originalFinalCents)).
		Floor().
		IntPart()
}
