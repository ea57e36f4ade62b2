package exit

// MoonGate holds the thresholds of the extended-hold phase entered after
// TP1 is banked. It keeps no state between calls.
type MoonGate struct {
	EnterDelta     float64
	ExitConfidence float64
}

func DefaultMoonGate() MoonGate {
	return MoonGate{EnterDelta: DefaultMoonEnterDelta, ExitConfidence: DefaultMoonExitConfidence}
}

// Enter reports whether the run-up since TP1 is large enough for moon mode.
func (g MoonGate) Enter(deltaROI float64, tp1Hit bool) bool {
	return tp1Hit && decimalGTE(deltaROI, g.EnterDelta)
}

// Exit reports whether a weak-conviction reversal signal ends moon mode.
func (g MoonGate) Exit(phase TrendPhase, confidence float64) bool {
	switch phase {
	case PhaseReversal, PhasePeak:
		return decimalLT(confidence, g.ExitConfidence)
	default:
		return false
	}
}

func EnterMoon(deltaROI float64, tp1Hit bool) bool {
	return DefaultMoonGate().Enter(deltaROI, tp1Hit)
}

func ExitMoon(phase TrendPhase, confidence float64) bool {
	return DefaultMoonGate().Exit(phase, confidence)
}
