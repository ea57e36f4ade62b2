package exit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestROI(t *testing.T) {
	assert.InDelta(t, 10.0, ROI("long", 100, 110), 1e-9)
	assert.InDelta(t, -10.0, ROI("LONG", 100, 90), 1e-9)
	assert.InDelta(t, 10.0, ROI("short", 100, 90), 1e-9)
	assert.InDelta(t, -25.0, ROI("SHORT", 100, 125), 1e-9)
	assert.Equal(t, 0.0, ROI("long", 100, math.NaN()))
	assert.Equal(t, 0.0, ROI("long", 0, 100))
}

func TestValidPrice(t *testing.T) {
	assert.True(t, ValidPrice(0.0001))
	assert.False(t, ValidPrice(0))
	assert.False(t, ValidPrice(-1))
	assert.False(t, ValidPrice(math.Inf(1)))
	assert.False(t, ValidPrice(math.NaN()))
}

func TestThresholdHelpers(t *testing.T) {
	assert.True(t, Reached(0.1+0.2, 0.3))
	assert.True(t, Breached(-40, -40))
	assert.False(t, Breached(-39.999, -40))
	assert.InDelta(t, 10.0, Drawdown(30, 20), 1e-9)
}
