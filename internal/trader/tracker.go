package trader

import (
	"fmt"
	"time"

	"moonwatch/internal/strategy/exit"
	"moonwatch/internal/types"
)

const (
	DefaultStopLossPct         = -40.0
	DefaultTrailingDrawdownPct = 10.0
)

// PolicySource hands out the TP table in force right now.
type PolicySource interface {
	Policy() *exit.Policy
}

type staticPolicy struct{ p *exit.Policy }

func (s staticPolicy) Policy() *exit.Policy { return s.p }

// StaticPolicy wraps a fixed table.
func StaticPolicy(p *exit.Policy) PolicySource {
	if p == nil {
		p = exit.DefaultPolicy()
	}
	return staticPolicy{p: p}
}

// TrackerConfig holds the exit thresholds shared by all trackers.
type TrackerConfig struct {
	StopLossPct         float64
	TrailingDrawdownPct float64
	Moon                exit.MoonGate
}

func (c TrackerConfig) withDefaults() TrackerConfig {
	if c.StopLossPct == 0 {
		c.StopLossPct = DefaultStopLossPct
	}
	if c.StopLossPct > 0 {
		c.StopLossPct = -c.StopLossPct
	}
	if c.TrailingDrawdownPct <= 0 {
		c.TrailingDrawdownPct = DefaultTrailingDrawdownPct
	}
	if c.Moon.EnterDelta <= 0 {
		c.Moon.EnterDelta = exit.DefaultMoonEnterDelta
	}
	if c.Moon.ExitConfidence <= 0 {
		c.Moon.ExitConfidence = exit.DefaultMoonExitConfidence
	}
	return c
}

// Transition is one state change, in emission order.
type Transition struct {
	State State
	Text  string
	ROI   float64
	Peak  float64
	At    time.Time
}

// Step is what one input did to a tracker.
type Step struct {
	Transitions []Transition
	Result      *types.Result
	// Ignored is set for invalid prices and input after close.
	Ignored bool
}

// Tracker is the exit state machine of a single position. It is not safe
// for concurrent use; a contract actor owns it.
type Tracker struct {
	pos    Position
	cfg    TrackerConfig
	policy PolicySource
	result *types.Result
}

func NewTracker(pos Position, cfg TrackerConfig, policy PolicySource) *Tracker {
	if policy == nil {
		policy = StaticPolicy(nil)
	}
	if pos.State == "" {
		pos.State = StateOpened
	}
	if pos.TrendPhase == "" {
		pos.TrendPhase = exit.PhaseNeutral
	}
	t := &Tracker{pos: pos, cfg: cfg.withDefaults(), policy: policy}
	t.pos.TargetPct = t.target()
	t.pos.Status = t.StatusLine()
	return t
}

// Position returns a copy of the current state.
func (t *Tracker) Position() Position { return t.pos.clone() }

// Result is set once the tracker has closed.
func (t *Tracker) Result() (types.Result, bool) {
	if t.result == nil {
		return types.Result{}, false
	}
	return *t.result, true
}

func (t *Tracker) Closed() bool { return t.pos.State == StateClosed }

// Opened is the transition announcing the position.
func (t *Tracker) Opened() Transition {
	return Transition{
		State: StateOpened,
		Text: fmt.Sprintf("%s %s @ %s • conf %.0f • %s • TP1 %.2f%%",
			t.pos.Side, t.pos.Contract, formatPrice(t.pos.EntryPrice), t.pos.Confidence, t.pos.Regime, t.pos.TargetPct),
		At: t.pos.OpenedAt,
	}
}

// OnTick folds one price into the position.
func (t *Tracker) OnTick(price float64, ts time.Time) Step {
	if t.Closed() || !exit.ValidPrice(price) {
		return Step{Ignored: true}
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	p := &t.pos
	roi := exit.ROI(string(p.Side), p.EntryPrice, price)
	p.ROI = roi
	if p.Ticks == 0 || roi > p.PeakROI {
		p.PeakROI = roi
	}
	p.Ticks++
	p.LastTickAt = ts

	var step Step
	if !p.TookTP1 {
		t.pursue(&step, ts)
	} else {
		t.trail(&step, ts)
	}
	p.Status = t.StatusLine()
	return step
}

func (t *Tracker) pursue(step *Step, ts time.Time) {
	p := &t.pos
	p.TargetPct = t.target()
	switch {
	case exit.Reached(p.ROI, p.TargetPct):
		p.TookTP1 = true
		p.TrailActive = true
		p.ROIAtTP1 = p.ROI
		t.advance(step, StateTP1Taken, ts, fmt.Sprintf("TP1 banked at %.2f%% (target %.2f%%)", p.ROI, p.TargetPct))
		t.advance(step, StateTrailing, ts, fmt.Sprintf("trailing • drawdown limit %.2f%%", t.cfg.TrailingDrawdownPct))
	case exit.Breached(p.ROI, t.cfg.StopLossPct):
		t.advance(step, StateSLHit, ts, fmt.Sprintf("stop loss at %.2f%% (limit %.2f%%)", p.ROI, t.cfg.StopLossPct))
		t.finish(step, types.ExitStopLoss, ts)
	default:
		if p.State == StateOpened {
			t.advance(step, StatePursuit, ts, t.StatusLine())
		}
	}
}

func (t *Tracker) trail(step *Step, ts time.Time) {
	p := &t.pos
	delta := exit.Drawdown(p.PeakROI, p.ROIAtTP1)
	if !p.Moon && t.cfg.Moon.Enter(delta, p.TookTP1) {
		p.Moon = true
		t.advance(step, StateMoon, ts, fmt.Sprintf("moon mode • +%.2f%% since TP1", delta))
	}
	if dd := exit.Drawdown(p.PeakROI, p.ROI); exit.Reached(dd, t.cfg.TrailingDrawdownPct) {
		t.advance(step, StateTrailExit, ts, fmt.Sprintf("trail exit at %.2f%% (peak %.2f%%, drawdown %.2f%%)", p.ROI, p.PeakROI, dd))
		t.finish(step, types.ExitTrailingDrawdown, ts)
		return
	}
	if p.Moon && t.cfg.Moon.Exit(p.TrendPhase, p.Confidence) {
		t.advance(step, StateTrailExit, ts, fmt.Sprintf("moon exit on %s at %.2f%% (conf %.0f)", p.TrendPhase, p.ROI, p.Confidence))
		t.finish(step, types.ExitMoonReversal, ts)
	}
}

// SetTrend records the latest trend phase; it is read on the next tick.
func (t *Tracker) SetTrend(phase exit.TrendPhase) Step {
	if t.Closed() {
		return Step{Ignored: true}
	}
	if phase == "" {
		phase = exit.PhaseNeutral
	}
	t.pos.TrendPhase = phase
	return Step{}
}

// Close ends the position at its last observed ROI.
func (t *Tracker) Close(reason types.ExitReason, ts time.Time) Step {
	if t.Closed() {
		return Step{Ignored: true}
	}
	if reason == "" {
		reason = types.ExitManual
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	var step Step
	t.finish(&step, reason, ts)
	t.pos.Status = t.StatusLine()
	return step
}

// StatusLine is a one-line human summary for display.
func (t *Tracker) StatusLine() string {
	p := t.pos
	switch {
	case p.State == StateClosed:
		return fmt.Sprintf("closed at %.2f%%", p.ROI)
	case p.TookTP1:
		return "TP1 banked • trailing"
	default:
		return fmt.Sprintf("targeting TP1 (%.2f%% → %.2f%%)", p.ROI, p.TargetPct)
	}
}

func (t *Tracker) target() float64 {
	return t.policy.Policy().Target(t.pos.Confidence, t.pos.Regime)
}

func (t *Tracker) advance(step *Step, next State, ts time.Time, text string) {
	if stateRank[next] < stateRank[t.pos.State] {
		return
	}
	t.pos.State = next
	step.Transitions = append(step.Transitions, Transition{
		State: next,
		Text:  text,
		ROI:   t.pos.ROI,
		Peak:  t.pos.PeakROI,
		At:    ts,
	})
}

func (t *Tracker) finish(step *Step, reason types.ExitReason, ts time.Time) {
	p := &t.pos
	p.ClosedAt = ts
	outcome := types.OutcomeFor(p.ROI)
	t.advance(step, StateClosed, ts, fmt.Sprintf("%s %s closed • %s • %s at %.2f%%", p.Side, p.Contract, outcome, reason, p.ROI))
	res := types.Result{
		PositionID:       p.ID,
		Contract:         p.Contract,
		Side:             p.Side,
		Result:           outcome,
		ROIAtExit:        p.ROI,
		ConfidenceAtOpen: p.Confidence,
		Meta:             types.CloneMeta(p.Meta),
		Reason:           reason,
		TookTP1:          p.TookTP1,
		ROIAtTP1:         p.ROIAtTP1,
		PeakROI:          p.PeakROI,
		Stake:            p.Stake,
		OpenedAt:         p.OpenedAt,
		ClosedAt:         ts,
	}
	t.result = &res
	step.Result = &res
}

func formatPrice(v float64) string {
	return fmt.Sprintf("%g", v)
}
