package exit

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Tier maps a confidence floor to a take-profit target, both in percent.
type Tier struct {
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence" mapstructure:"min_confidence"`
	TargetPct     float64 `json:"target_pct" yaml:"target_pct" mapstructure:"target_pct"`
}

// Policy is an immutable TP lookup table keyed by regime.
type Policy struct {
	tiers map[Regime][]Tier // sorted by MinConfidence, descending
}

var ErrInvalidPolicy = errors.New("invalid tp policy")

// DefaultTiers returns the built-in table.
func DefaultTiers() map[Regime][]Tier {
	return map[Regime][]Tier{
		RegimeHighVol: {
			{MinConfidence: 90, TargetPct: 60},
			{MinConfidence: 80, TargetPct: 45},
			{MinConfidence: 0, TargetPct: 30},
		},
		RegimeNormal: {
			{MinConfidence: 90, TargetPct: 50},
			{MinConfidence: 85, TargetPct: 40},
			{MinConfidence: 75, TargetPct: 30},
			{MinConfidence: 0, TargetPct: 20},
		},
	}
}

var defaultPolicy = mustPolicy(DefaultTiers())

func mustPolicy(tiers map[Regime][]Tier) *Policy {
	p, err := NewPolicy(tiers)
	if err != nil {
		panic(err)
	}
	return p
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *Policy { return defaultPolicy }

// NewPolicy validates and freezes a tier table. Every regime needs a floor
// tier at confidence 0, targets must not decrease as confidence grows, and
// highVol must pay at least as much as normal at every breakpoint.
func NewPolicy(tiers map[Regime][]Tier) (*Policy, error) {
	p := &Policy{tiers: make(map[Regime][]Tier, 2)}
	for _, regime := range []Regime{RegimeNormal, RegimeHighVol} {
		list := append([]Tier(nil), tiers[regime]...)
		if len(list) == 0 {
			return nil, fmt.Errorf("%w: regime %s has no tiers", ErrInvalidPolicy, regime)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].MinConfidence > list[j].MinConfidence })
		if floor := list[len(list)-1]; floor.MinConfidence != 0 {
			return nil, fmt.Errorf("%w: regime %s lacks a floor tier at confidence 0", ErrInvalidPolicy, regime)
		}
		for i, t := range list {
			if t.MinConfidence < 0 || t.MinConfidence > 100 {
				return nil, fmt.Errorf("%w: regime %s confidence %.2f out of range", ErrInvalidPolicy, regime, t.MinConfidence)
			}
			if t.TargetPct <= 0 || math.IsNaN(t.TargetPct) || math.IsInf(t.TargetPct, 0) {
				return nil, fmt.Errorf("%w: regime %s target %.2f must be positive", ErrInvalidPolicy, regime, t.TargetPct)
			}
			if i > 0 {
				higher := list[i-1]
				if higher.MinConfidence == t.MinConfidence {
					return nil, fmt.Errorf("%w: regime %s duplicates confidence %.2f", ErrInvalidPolicy, regime, t.MinConfidence)
				}
				if higher.TargetPct < t.TargetPct {
					return nil, fmt.Errorf("%w: regime %s target decreases above confidence %.2f", ErrInvalidPolicy, regime, t.MinConfidence)
				}
			}
		}
		p.tiers[regime] = list
	}
	for _, c := range p.Breakpoints() {
		if p.lookup(c, RegimeHighVol) < p.lookup(c, RegimeNormal) {
			return nil, fmt.Errorf("%w: highVol target below normal at confidence %.2f", ErrInvalidPolicy, c)
		}
	}
	return p, nil
}

// Target returns the TP percent for a confidence in [0,100]. NaN means
// "unspecified" and falls back to DefaultConfidence; an empty regime is normal.
func (p *Policy) Target(confidence float64, regime Regime) float64 {
	if p == nil {
		p = defaultPolicy
	}
	if math.IsNaN(confidence) {
		confidence = DefaultConfidence
	}
	return p.lookup(clamp(confidence, 0, 100), regime)
}

// lookup must not refer to defaultPolicy: NewPolicy builds it.
func (p *Policy) lookup(confidence float64, regime Regime) float64 {
	if regime != RegimeHighVol {
		regime = RegimeNormal
	}
	for _, t := range p.tiers[regime] {
		if confidence >= t.MinConfidence {
			return t.TargetPct
		}
	}
	return 0
}

// Tiers returns a copy of the table for one regime, highest confidence first.
func (p *Policy) Tiers(regime Regime) []Tier {
	if p == nil {
		return nil
	}
	return append([]Tier(nil), p.tiers[regime]...)
}

// Breakpoints lists every confidence floor used by any regime, ascending.
func (p *Policy) Breakpoints() []float64 {
	seen := map[float64]struct{}{100: {}}
	for _, list := range p.tiers {
		for _, t := range list {
			seen[t.MinConfidence] = struct{}{}
		}
	}
	out := make([]float64, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Float64s(out)
	return out
}

// TargetPct evaluates the built-in table.
func TargetPct(confidence float64, regime Regime) float64 {
	return defaultPolicy.Target(confidence, regime)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
