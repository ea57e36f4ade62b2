package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"moonwatch/internal/feed"
	"moonwatch/internal/logger"
	"moonwatch/internal/types"

	"github.com/shopspring/decimal"
)

const (
	DefaultInitialScore         = 70
	DefaultWinBonus             = 5
	DefaultLossPenalty          = 10
	DefaultRecoveryThreshold    = 50
	DefaultMaxConsecutiveLosses = 3

	// Contract name used for capital events on the feed.
	FeedContract = "CAPITAL"
)

const (
	EventCapital         = "CAPITAL"
	EventPreservationOn  = "PRESERVATION_ON"
	EventPreservationOff = "PRESERVATION_OFF"
)

type Config struct {
	TotalCapital         float64 `toml:"total_capital"`
	InitialScore         int     `toml:"initial_score"`
	WinBonus             int     `toml:"win_bonus"`
	LossPenalty          int     `toml:"loss_penalty"`
	RecoveryThreshold    int     `toml:"recovery_threshold"`
	MaxConsecutiveLosses int     `toml:"max_consecutive_losses"`
}

func DefaultConfig() Config {
	return Config{
		InitialScore:         DefaultInitialScore,
		WinBonus:             DefaultWinBonus,
		LossPenalty:          DefaultLossPenalty,
		RecoveryThreshold:    DefaultRecoveryThreshold,
		MaxConsecutiveLosses: DefaultMaxConsecutiveLosses,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialScore <= 0 {
		c.InitialScore = d.InitialScore
	}
	if c.WinBonus <= 0 {
		c.WinBonus = d.WinBonus
	}
	if c.LossPenalty <= 0 {
		c.LossPenalty = d.LossPenalty
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = d.RecoveryThreshold
	}
	if c.MaxConsecutiveLosses <= 0 {
		c.MaxConsecutiveLosses = d.MaxConsecutiveLosses
	}
	c.InitialScore = clampScore(c.InitialScore)
	return c
}

// Snapshot is a copy of the capital state.
type Snapshot struct {
	TotalCapital      decimal.Decimal `json:"total_capital"`
	CapitalUsed       decimal.Decimal `json:"capital_used"`
	ProfitRecycled    decimal.Decimal `json:"profit_recycled"`
	ConsecutiveWins   int             `json:"consecutive_wins"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	CapitalScore      int             `json:"capital_score"`
	PreservationMode  bool            `json:"preservation_mode"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Available is capital not currently reserved by open positions.
func (s Snapshot) Available() decimal.Decimal {
	avail := s.TotalCapital.Sub(s.CapitalUsed)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

type Persister interface {
	SaveCapital(ctx context.Context, snap Snapshot) error
	LoadCapital(ctx context.Context) (Snapshot, bool, error)
}

type Submitter interface {
	Submit(key string, op func(ctx context.Context) error) bool
}

// Observer is told about every applied change; metrics hang off it.
type Observer func(Snapshot)

// Engine scores recent trade outcomes and decides whether new risk may be
// taken. Results are applied one at a time in arrival order.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	state    Snapshot
	sink     feed.Sink
	store    Persister
	writer   Submitter
	observer Observer
	now      func() time.Time
}

type Option func(*Engine)

func WithFeed(sink feed.Sink) Option {
	return func(e *Engine) {
		if sink != nil {
			e.sink = sink
		}
	}
}

func WithPersister(p Persister, w Submitter) Option {
	return func(e *Engine) {
		e.store = p
		e.writer = w
	}
}

func WithObserver(fn Observer) Option {
	return func(e *Engine) { e.observer = fn }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:  cfg,
		sink: feed.Discard,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.state = Snapshot{
		TotalCapital:   nonNegative(decimal.NewFromFloat(cfg.TotalCapital)),
		CapitalUsed:    decimal.Zero,
		ProfitRecycled: decimal.Zero,
		CapitalScore:   cfg.InitialScore,
		UpdatedAt:      e.now(),
	}
	e.state.PreservationMode = e.enterPreservation(e.state)
	return e
}

func (e *Engine) Config() Config { return e.cfg }

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	if e == nil {
		return Snapshot{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// AllowEntry reports whether new positions may be opened.
func (e *Engine) AllowEntry() bool {
	if e == nil {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.state.PreservationMode
}

// Reserve books stake as in use by an opening position.
func (e *Engine) Reserve(stake float64) Snapshot {
	if e == nil {
		return Snapshot{}
	}
	amount := decimal.NewFromFloat(stake)
	if !amount.IsPositive() {
		return e.Snapshot()
	}
	e.mu.Lock()
	e.state.CapitalUsed = e.state.CapitalUsed.Add(amount)
	e.state.UpdatedAt = e.now()
	snap := e.state
	e.mu.Unlock()

	e.after(snap, false, false)
	return snap
}

// Release returns a reserved stake without booking any outcome.
func (e *Engine) Release(stake float64) Snapshot {
	if e == nil {
		return Snapshot{}
	}
	e.mu.Lock()
	e.release(decimal.NewFromFloat(stake))
	e.state.UpdatedAt = e.now()
	snap := e.state
	e.mu.Unlock()

	e.after(snap, false, false)
	return snap
}

// Apply folds one terminal result into the score, streaks and capital.
func (e *Engine) Apply(res types.Result) Snapshot {
	if e == nil {
		return Snapshot{}
	}
	e.mu.Lock()
	prev := e.state
	next := prev

	if res.Win() {
		next.ConsecutiveWins++
		next.ConsecutiveLosses = 0
		next.CapitalScore = clampScore(next.CapitalScore + e.cfg.WinBonus)
	} else {
		next.ConsecutiveLosses++
		next.ConsecutiveWins = 0
		next.CapitalScore = clampScore(next.CapitalScore - e.cfg.LossPenalty)
	}

	stake := decimal.NewFromFloat(res.Stake)
	if stake.IsPositive() {
		pnl := stake.Mul(decimal.NewFromFloat(res.ROIAtExit)).Div(decimal.NewFromInt(100))
		next.TotalCapital = nonNegative(next.TotalCapital.Add(pnl))
		if pnl.IsPositive() {
			next.ProfitRecycled = next.ProfitRecycled.Add(pnl)
		}
	}

	switch {
	case !prev.PreservationMode && e.enterPreservation(next):
		next.PreservationMode = true
	case prev.PreservationMode && next.CapitalScore > e.cfg.RecoveryThreshold &&
		next.ConsecutiveLosses < e.cfg.MaxConsecutiveLosses:
		next.PreservationMode = false
	}
	next.UpdatedAt = e.now()
	e.state = next
	if stake.IsPositive() {
		e.release(stake)
	}
	snap := e.state
	e.mu.Unlock()

	entered := !prev.PreservationMode && snap.PreservationMode
	cleared := prev.PreservationMode && !snap.PreservationMode
	logger.With("component", "risk").Info("result applied",
		"contract", res.Contract,
		"result", string(res.Result),
		"score", snap.CapitalScore,
		"wins", snap.ConsecutiveWins,
		"losses", snap.ConsecutiveLosses,
		"preservation", snap.PreservationMode)
	e.after(snap, entered, cleared)
	return snap
}

// Hydrate restores persisted state. Call before any Apply.
func (e *Engine) Hydrate(ctx context.Context) (bool, error) {
	if e == nil || e.store == nil {
		return false, nil
	}
	snap, ok, err := e.store.LoadCapital(ctx)
	if err != nil || !ok {
		return false, err
	}
	snap.CapitalScore = clampScore(snap.CapitalScore)
	if snap.ConsecutiveWins > 0 && snap.ConsecutiveLosses > 0 {
		return false, fmt.Errorf("persisted capital state has both win and loss streaks")
	}
	snap.TotalCapital = nonNegative(snap.TotalCapital)
	snap.CapitalUsed = nonNegative(snap.CapitalUsed)
	snap.ProfitRecycled = nonNegative(snap.ProfitRecycled)
	e.mu.Lock()
	e.state = snap
	e.mu.Unlock()
	return true, nil
}

func (e *Engine) enterPreservation(s Snapshot) bool {
	return s.CapitalScore < e.cfg.RecoveryThreshold || s.ConsecutiveLosses >= e.cfg.MaxConsecutiveLosses
}

// release drops stake from CapitalUsed. Caller holds mu.
func (e *Engine) release(stake decimal.Decimal) {
	if !stake.IsPositive() {
		return
	}
	e.state.CapitalUsed = nonNegative(e.state.CapitalUsed.Sub(stake))
}

func (e *Engine) after(snap Snapshot, entered, cleared bool) {
	if e.observer != nil {
		e.observer(snap)
	}
	ts := snap.UpdatedAt.UnixMilli()
	e.sink.Publish(feed.Event{
		TS:       ts,
		Contract: FeedContract,
		State:    EventCapital,
		Text: fmt.Sprintf("score %d • capital %s (used %s, recycled %s)",
			snap.CapitalScore, snap.TotalCapital.StringFixed(2), snap.CapitalUsed.StringFixed(2), snap.ProfitRecycled.StringFixed(2)),
	})
	switch {
	case entered:
		logger.Warnf("risk: capital preservation ON (score=%d, losses=%d)", snap.CapitalScore, snap.ConsecutiveLosses)
		e.sink.Publish(feed.Event{TS: ts, Contract: FeedContract, State: EventPreservationOn,
			Text: fmt.Sprintf("capital preservation on • score %d • %d losses in a row", snap.CapitalScore, snap.ConsecutiveLosses)})
	case cleared:
		logger.Infof("risk: capital preservation OFF (score=%d)", snap.CapitalScore)
		e.sink.Publish(feed.Event{TS: ts, Contract: FeedContract, State: EventPreservationOff,
			Text: fmt.Sprintf("capital preservation off • score %d", snap.CapitalScore)})
	}
	e.persist()
}

// persist queues the latest state; the op reads it at write time so a
// coalesced backlog always lands the newest snapshot.
func (e *Engine) persist() {
	if e.store == nil || e.writer == nil {
		return
	}
	if !e.writer.Submit("capital", func(ctx context.Context) error {
		return e.store.SaveCapital(ctx, e.Snapshot())
	}) {
		logger.Warnf("risk: capital persist not queued; in-memory state kept")
	}
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
