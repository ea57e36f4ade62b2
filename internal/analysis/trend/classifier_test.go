package trend

import (
	"testing"

	"moonwatch/internal/strategy/exit"
	"moonwatch/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(c *Classifier, contract string, side types.Side, prices []float64) (Reading, bool) {
	var (
		r       Reading
		changed bool
	)
	for _, p := range prices {
		r, changed = c.Observe(contract, side, p)
	}
	return r, changed
}

func ramp(from float64, n int, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from + float64(i)*step
	}
	return out
}

func TestObserveNeedsWarmup(t *testing.T) {
	c := NewClassifier(Config{})
	r, changed := feed(c, "BTCUSDT", types.SideLong, ramp(100, 10, 1))
	assert.False(t, r.Complete)
	assert.False(t, changed)
	assert.Equal(t, exit.PhaseNeutral, r.Phase)
	assert.Equal(t, 10, r.Samples)
}

func TestObserveRisingThenUnchanged(t *testing.T) {
	c := NewClassifier(Config{})
	_, _ = feed(c, "BTCUSDT", types.SideLong, ramp(100, 40, 1))
	r, changed := c.Observe("BTCUSDT", types.SideLong, 140)
	require.True(t, r.Complete)
	assert.Equal(t, exit.PhaseRising, r.Phase)
	assert.False(t, changed, "same phase is not reported twice")
	assert.Greater(t, r.FastEMA, r.SlowEMA)
}

func TestObserveFirstCompleteReadingIsAChange(t *testing.T) {
	c := NewClassifier(Config{})
	var sawChange bool
	for _, p := range ramp(100, 40, 1) {
		if _, changed := c.Observe("ETHUSDT", types.SideLong, p); changed {
			sawChange = true
		}
	}
	assert.True(t, sawChange)
}

func TestObservePeakOnFadingMomentum(t *testing.T) {
	c := NewClassifier(Config{})
	_, _ = feed(c, "BTCUSDT", types.SideLong, ramp(100, 41, 1))
	r, changed := c.Observe("BTCUSDT", types.SideLong, 135.5)
	require.True(t, r.Complete)
	assert.True(t, changed)
	assert.Equal(t, exit.PhasePeak, r.Phase)
	assert.GreaterOrEqual(t, r.RSI, 70.0)
}

func TestObserveReversalOnCrossAgainstLong(t *testing.T) {
	c := NewClassifier(Config{})
	_, _ = feed(c, "BTCUSDT", types.SideLong, ramp(100, 40, 1))
	var phases []exit.TrendPhase
	for _, p := range ramp(138, 30, -1.5) {
		r, changed := c.Observe("BTCUSDT", types.SideLong, p)
		if changed {
			phases = append(phases, r.Phase)
		}
	}
	assert.Contains(t, phases, exit.PhaseReversal)
	assert.Equal(t, exit.PhaseFalling, phases[len(phases)-1])
}

func TestObserveShortMirrorsLong(t *testing.T) {
	c := NewClassifier(Config{})
	_, _ = feed(c, "SOLUSDT", types.SideShort, ramp(200, 40, -1))
	r, _ := c.Observe("SOLUSDT", types.SideShort, 160)
	assert.Equal(t, exit.PhaseFalling, r.Phase)

	var phases []exit.TrendPhase
	for _, p := range ramp(162, 30, 1.5) {
		r, changed := c.Observe("SOLUSDT", types.SideShort, p)
		if changed {
			phases = append(phases, r.Phase)
		}
	}
	assert.Contains(t, phases, exit.PhaseReversal)
}

func TestObserveIgnoresInvalidPrice(t *testing.T) {
	c := NewClassifier(Config{})
	r, changed := c.Observe("BTCUSDT", types.SideLong, -1)
	assert.False(t, changed)
	assert.Equal(t, exit.PhaseNeutral, r.Phase)
	assert.Equal(t, 0, c.windows.Len("BTCUSDT"))
}

func TestForgetResetsContract(t *testing.T) {
	c := NewClassifier(Config{})
	_, _ = feed(c, "BTCUSDT", types.SideLong, ramp(100, 40, 1))
	c.Forget("BTCUSDT")
	assert.Equal(t, 0, c.windows.Len("BTCUSDT"))
	r, changed := feed(c, "BTCUSDT", types.SideLong, ramp(100, 40, 1))
	assert.True(t, r.Complete)
	assert.Equal(t, exit.PhaseRising, r.Phase)
	assert.False(t, changed)
}

func TestWindowsTrimToMax(t *testing.T) {
	w := newWindows(4)
	for i := 0; i < 10; i++ {
		w.Put("A", float64(i), 3)
	}
	assert.Equal(t, []float64{7, 8, 9}, w.Get("A"))
	assert.Empty(t, w.Get("B"))

	got := w.Get("A")
	got[0] = 99
	assert.Equal(t, 7.0, w.Get("A")[0], "Get returns a copy")
}
