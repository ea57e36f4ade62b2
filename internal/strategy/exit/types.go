package exit

import "strings"

// Regime is a coarse volatility classification that selects the TP table.
type Regime string

const (
	RegimeNormal  Regime = "normal"
	RegimeHighVol Regime = "highVol"
)

// ParseRegime accepts the spellings used by signal producers
// ("highVol", "high_vol", "HIGHVOL"...). Anything unknown is normal.
func ParseRegime(raw string) Regime {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("_", "", "-", "", " ", "").Replace(s)
	switch s {
	case "highvol", "high", "volatile":
		return RegimeHighVol
	default:
		return RegimeNormal
	}
}

// TrendPhase is supplied by a trend classifier and consulted only while
// a position is in moon mode.
type TrendPhase string

const (
	PhaseNeutral  TrendPhase = "neutral"
	PhaseRising   TrendPhase = "rising"
	PhaseFalling  TrendPhase = "falling"
	PhasePeak     TrendPhase = "peak"
	PhaseReversal TrendPhase = "reversal"
)

func ParseTrendPhase(raw string) TrendPhase {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return PhaseNeutral
	}
	return TrendPhase(s)
}

const (
	DefaultConfidence         = 70.0
	DefaultMoonEnterDelta     = 120.0
	DefaultMoonExitConfidence = 60.0
)
