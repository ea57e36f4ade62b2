package trader

import (
	"math"
	"testing"
	"time"

	"moonwatch/internal/strategy/exit"
	"moonwatch/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestTracker(side types.Side, confidence float64, regime exit.Regime) *Tracker {
	return NewTracker(Position{
		ID:         "pos-1",
		Contract:   "BTCUSDT",
		Side:       side,
		EntryPrice: 100,
		Confidence: confidence,
		Regime:     regime,
		Stake:      50,
		OpenedAt:   t0,
	}, TrackerConfig{}, StaticPolicy(nil))
}

func states(step Step) []State {
	out := make([]State, 0, len(step.Transitions))
	for _, tr := range step.Transitions {
		out = append(out, tr.State)
	}
	return out
}

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func TestTrackerStopLossBeforeTP1(t *testing.T) {
	tr := newTestTracker(types.SideLong, 70, exit.RegimeNormal)

	step := tr.OnTick(59, at(1))
	assert.Equal(t, []State{StateSLHit, StateClosed}, states(step))
	require.NotNil(t, step.Result)
	res := *step.Result
	assert.Equal(t, types.OutcomeLoss, res.Result)
	assert.Equal(t, types.ExitStopLoss, res.Reason)
	assert.Equal(t, -41.0, res.ROIAtExit)
	assert.Equal(t, 70.0, res.ConfidenceAtOpen)
	assert.Equal(t, "pos-1", res.PositionID)
	assert.Equal(t, 50.0, res.Stake)
	assert.False(t, res.TookTP1)
	assert.True(t, tr.Closed())
}

func TestTrackerPursuitEmittedOnce(t *testing.T) {
	tr := newTestTracker(types.SideLong, 70, exit.RegimeNormal)

	assert.Equal(t, []State{StatePursuit}, states(tr.OnTick(105, at(1))))
	assert.Empty(t, tr.OnTick(106, at(2)).Transitions)
	assert.Empty(t, tr.OnTick(97, at(3)).Transitions)
	assert.Equal(t, "targeting TP1 (-3.00% → 20.00%)", tr.StatusLine())
}

func TestTrackerBanksTP1ThenTrailsOut(t *testing.T) {
	tr := newTestTracker(types.SideLong, 70, exit.RegimeNormal)
	assert.Equal(t, "targeting TP1 (0.00% → 20.00%)", tr.StatusLine())

	step := tr.OnTick(120, at(1))
	assert.Equal(t, []State{StateTP1Taken, StateTrailing}, states(step))
	assert.Nil(t, step.Result)
	pos := tr.Position()
	assert.True(t, pos.TookTP1)
	assert.True(t, pos.TrailActive)
	assert.Equal(t, 20.0, pos.ROIAtTP1)
	assert.Equal(t, "TP1 banked • trailing", tr.StatusLine())

	assert.Empty(t, tr.OnTick(125, at(2)).Transitions)
	assert.Empty(t, tr.OnTick(116, at(3)).Transitions)

	step = tr.OnTick(114, at(4))
	assert.Equal(t, []State{StateTrailExit, StateClosed}, states(step))
	require.NotNil(t, step.Result)
	assert.Equal(t, types.OutcomeWin, step.Result.Result)
	assert.Equal(t, types.ExitTrailingDrawdown, step.Result.Reason)
	assert.Equal(t, 25.0, step.Result.PeakROI)
	assert.Equal(t, 14.0, step.Result.ROIAtExit)
	assert.True(t, step.Result.TookTP1)
	assert.Equal(t, at(4), step.Result.ClosedAt)
}

func TestTrackerShortSide(t *testing.T) {
	tr := newTestTracker(types.SideShort, 70, exit.RegimeNormal)
	step := tr.OnTick(80, at(1))
	assert.Equal(t, []State{StateTP1Taken, StateTrailing}, states(step))
	assert.Equal(t, 20.0, tr.Position().ROI)

	tr = newTestTracker(types.SideShort, 70, exit.RegimeNormal)
	step = tr.OnTick(141, at(1))
	assert.Equal(t, []State{StateSLHit, StateClosed}, states(step))
}

func TestTrackerHighVolTarget(t *testing.T) {
	tr := newTestTracker(types.SideLong, 92, exit.RegimeHighVol)
	assert.Equal(t, 60.0, tr.Position().TargetPct)
	assert.Equal(t, []State{StatePursuit}, states(tr.OnTick(159, at(1))))
	assert.Equal(t, []State{StateTP1Taken, StateTrailing}, states(tr.OnTick(160, at(2))))
}

func TestTrackerMoonEntryAndReversalExit(t *testing.T) {
	tr := newTestTracker(types.SideLong, 50, exit.RegimeNormal)

	require.Equal(t, []State{StateTP1Taken, StateTrailing}, states(tr.OnTick(150, at(1))))
	assert.Empty(t, tr.OnTick(225, at(2)).Transitions)

	step := tr.OnTick(275, at(3))
	assert.Equal(t, []State{StateMoon}, states(step))
	assert.True(t, tr.Position().Moon)

	// Reversal is only read on the next tick.
	assert.Empty(t, tr.SetTrend(exit.PhaseReversal).Transitions)

	step = tr.OnTick(270, at(4))
	assert.Equal(t, []State{StateTrailExit, StateClosed}, states(step))
	require.NotNil(t, step.Result)
	assert.Equal(t, types.ExitMoonReversal, step.Result.Reason)
	assert.Equal(t, types.OutcomeWin, step.Result.Result)
	assert.Equal(t, 175.0, step.Result.PeakROI)
}

func TestTrackerMoonHoldsWithHighConfidence(t *testing.T) {
	tr := newTestTracker(types.SideLong, 80, exit.RegimeNormal)
	tr.OnTick(130, at(1))
	require.True(t, tr.Position().TookTP1)
	require.Equal(t, []State{StateMoon}, states(tr.OnTick(260, at(2))))

	tr.SetTrend(exit.PhasePeak)
	assert.Empty(t, tr.OnTick(255, at(3)).Transitions)
	assert.False(t, tr.Closed())

	step := tr.OnTick(249, at(4))
	assert.Equal(t, types.ExitTrailingDrawdown, step.Result.Reason)
}

func TestTrackerIgnoresInvalidPrices(t *testing.T) {
	tr := newTestTracker(types.SideLong, 70, exit.RegimeNormal)
	for _, price := range []float64{0, -5, math.NaN(), math.Inf(1), math.Inf(-1)} {
		step := tr.OnTick(price, at(1))
		assert.True(t, step.Ignored)
		assert.Empty(t, step.Transitions)
	}
	pos := tr.Position()
	assert.Equal(t, 0, pos.Ticks)
	assert.Equal(t, StateOpened, pos.State)
	assert.Zero(t, pos.ROI)
}

func TestTrackerIgnoresInputAfterClose(t *testing.T) {
	tr := newTestTracker(types.SideLong, 70, exit.RegimeNormal)
	step := tr.OnTick(50, at(1))
	require.NotNil(t, step.Result)

	step = tr.OnTick(200, at(2))
	assert.True(t, step.Ignored)
	assert.Nil(t, step.Result)
	assert.True(t, tr.SetTrend(exit.PhaseReversal).Ignored)
	assert.True(t, tr.Close(types.ExitManual, at(3)).Ignored)

	pos := tr.Position()
	assert.Equal(t, -50.0, pos.ROI)
	assert.Equal(t, StateClosed, pos.State)
}

func TestTrackerPeakIsMonotonic(t *testing.T) {
	tr := newTestTracker(types.SideLong, 95, exit.RegimeHighVol)
	prices := []float64{101, 99, 104, 103, 110, 96, 108, 112, 111, 90, 130}
	prevPeak := math.Inf(-1)
	for i, price := range prices {
		tr.OnTick(price, at(i))
		pos := tr.Position()
		assert.GreaterOrEqual(t, pos.PeakROI, pos.ROI)
		assert.GreaterOrEqual(t, pos.PeakROI, prevPeak)
		prevPeak = pos.PeakROI
	}
	assert.Equal(t, 30.0, prevPeak)
}

func TestTrackerFirstTickSeedsPeak(t *testing.T) {
	tr := newTestTracker(types.SideLong, 70, exit.RegimeNormal)
	tr.OnTick(90, at(1))
	assert.Equal(t, -10.0, tr.Position().PeakROI)
}

func TestTrackerManualClose(t *testing.T) {
	tr := newTestTracker(types.SideLong, 70, exit.RegimeNormal)
	tr.OnTick(110, at(1))

	step := tr.Close("", at(2))
	assert.Equal(t, []State{StateClosed}, states(step))
	require.NotNil(t, step.Result)
	assert.Equal(t, types.ExitManual, step.Result.Reason)
	assert.Equal(t, 10.0, step.Result.ROIAtExit)
	assert.Equal(t, types.OutcomeWin, step.Result.Result)

	res, ok := tr.Result()
	assert.True(t, ok)
	assert.Equal(t, *step.Result, res)
	assert.Equal(t, "closed at 10.00%", tr.StatusLine())
}

func TestTrackerZeroROIIsLoss(t *testing.T) {
	tr := newTestTracker(types.SideLong, 70, exit.RegimeNormal)
	step := tr.Close(types.ExitManual, at(1))
	assert.Equal(t, types.OutcomeLoss, step.Result.Result)
}

type swapPolicy struct{ p *exit.Policy }

func (s *swapPolicy) Policy() *exit.Policy { return s.p }

func TestTrackerReadsCurrentPolicyEachTick(t *testing.T) {
	src := &swapPolicy{p: exit.DefaultPolicy()}
	tr := NewTracker(Position{Contract: "ETHUSDT", Side: types.SideLong, EntryPrice: 100, Confidence: 70, Regime: exit.RegimeNormal}, TrackerConfig{}, src)
	tr.OnTick(110, at(1))
	assert.Equal(t, 20.0, tr.Position().TargetPct)

	tighter, err := exit.NewPolicy(map[exit.Regime][]exit.Tier{
		exit.RegimeNormal:  {{MinConfidence: 0, TargetPct: 10}},
		exit.RegimeHighVol: {{MinConfidence: 0, TargetPct: 15}},
	})
	require.NoError(t, err)
	src.p = tighter

	step := tr.OnTick(110, at(2))
	assert.Equal(t, []State{StateTP1Taken, StateTrailing}, states(step))
}
