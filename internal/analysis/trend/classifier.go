package trend

import (
	"math"
	"sync"

	"moonwatch/internal/strategy/exit"
	"moonwatch/internal/types"

	"github.com/markcheno/go-talib"
)

type Config struct {
	FastPeriod int
	SlowPeriod int
	RSIPeriod  int
	Window     int
	Overbought float64
	Oversold   float64
}

func (c Config) withDefaults() Config {
	if c.FastPeriod <= 0 {
		c.FastPeriod = 9
	}
	if c.SlowPeriod <= 0 {
		c.SlowPeriod = 21
	}
	if c.SlowPeriod <= c.FastPeriod {
		c.SlowPeriod = c.FastPeriod * 2
	}
	if c.RSIPeriod <= 0 {
		c.RSIPeriod = 14
	}
	if c.Overbought == 0 {
		c.Overbought = 70
	}
	if c.Oversold == 0 {
		c.Oversold = 30
	}
	minWindow := c.SlowPeriod + 2
	if c.RSIPeriod+2 > minWindow {
		minWindow = c.RSIPeriod + 2
	}
	if c.Window < minWindow {
		c.Window = max(minWindow, 120)
	}
	return c
}

// Reading is the indicator state behind a phase.
type Reading struct {
	Phase    exit.TrendPhase
	FastEMA  float64
	SlowEMA  float64
	RSI      float64
	Samples  int
	Complete bool
}

// Classifier turns a contract's recent prices into a trend phase using an
// EMA cross and RSI. Phases are judged relative to the position side: a
// cross against the position is a reversal, an overextended RSI with a
// fading fast EMA is a peak.
type Classifier struct {
	cfg     Config
	windows *Windows

	mu   sync.Mutex
	last map[string]exit.TrendPhase
}

func NewClassifier(cfg Config) *Classifier {
	return &Classifier{
		cfg:     cfg.withDefaults(),
		windows: NewWindows(),
		last:    make(map[string]exit.TrendPhase),
	}
}

// Observe adds price and reports the phase plus whether it differs from
// the last phase reported for the contract.
func (c *Classifier) Observe(contract string, side types.Side, price float64) (Reading, bool) {
	if !exit.ValidPrice(price) {
		return Reading{Phase: exit.PhaseNeutral}, false
	}
	series := c.windows.Put(contract, price, c.cfg.Window)
	reading := c.classify(series, side)
	if !reading.Complete {
		return reading, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, seen := c.last[contract]
	if seen && prev == reading.Phase {
		return reading, false
	}
	c.last[contract] = reading.Phase
	return reading, true
}

// Forget drops the window and last phase of a closed contract.
func (c *Classifier) Forget(contract string) {
	c.windows.Drop(contract)
	c.mu.Lock()
	delete(c.last, contract)
	c.mu.Unlock()
}

func (c *Classifier) classify(series []float64, side types.Side) Reading {
	r := Reading{Phase: exit.PhaseNeutral, Samples: len(series)}
	need := max(c.cfg.SlowPeriod, c.cfg.RSIPeriod) + 2
	if len(series) < need {
		return r
	}
	fast := talib.Ema(series, c.cfg.FastPeriod)
	slow := talib.Ema(series, c.cfg.SlowPeriod)
	rsi := talib.Rsi(series, c.cfg.RSIPeriod)
	n := len(series)
	fastNow, fastPrev := fast[n-1], fast[n-2]
	slowNow, slowPrev := slow[n-1], slow[n-2]
	r.FastEMA, r.SlowEMA, r.RSI = fastNow, slowNow, rsi[n-1]
	if anyInvalid(fastNow, fastPrev, slowNow, slowPrev) || math.IsNaN(r.RSI) {
		return r
	}
	r.Complete = true

	crossDown := fastPrev >= slowPrev && fastNow < slowNow
	crossUp := fastPrev <= slowPrev && fastNow > slowNow
	short := side.IsShort()

	switch {
	case (!short && crossDown) || (short && crossUp):
		r.Phase = exit.PhaseReversal
	case !short && r.RSI >= c.cfg.Overbought && fastNow < fastPrev:
		r.Phase = exit.PhasePeak
	case short && r.RSI <= c.cfg.Oversold && fastNow > fastPrev:
		r.Phase = exit.PhasePeak
	case fastNow > slowNow:
		r.Phase = exit.PhaseRising
	case fastNow < slowNow:
		r.Phase = exit.PhaseFalling
	}
	return r
}

func anyInvalid(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) || v == 0 {
			return true
		}
	}
	return false
}
