package exit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnterMoon(t *testing.T) {
	// roiAtTP1 = 50, peak = 175
	assert.True(t, EnterMoon(175-50, true))
	assert.True(t, EnterMoon(120, true))
	assert.False(t, EnterMoon(119.99, true))
	assert.False(t, EnterMoon(500, false))
}

func TestExitMoon(t *testing.T) {
	assert.True(t, ExitMoon(PhaseReversal, 50))
	assert.True(t, ExitMoon(PhasePeak, 59.9))
	assert.False(t, ExitMoon(PhaseReversal, 60))
	assert.False(t, ExitMoon(PhaseRising, 10))
	assert.False(t, ExitMoon(PhaseNeutral, 10))
}

func TestMoonGateCustomThresholds(t *testing.T) {
	g := MoonGate{EnterDelta: 80, ExitConfidence: 75}
	assert.True(t, g.Enter(80, true))
	assert.True(t, g.Exit(PhasePeak, 70))
}
