package memory

import (
	"context"
	"math"
	"sync"
	"time"

	"moonwatch/internal/logger"
	"moonwatch/internal/pkg/symbol"
	"moonwatch/internal/types"
)

const (
	DefaultStreakWeight = 2.0
	DefaultMaxBias      = 10.0
)

// Record is the learned outcome history of one (symbol, side).
// Trades == Wins + Losses + Pending always holds.
type Record struct {
	Symbol         string         `json:"symbol"`
	Side           string         `json:"side"`
	Trades         int            `json:"trades"`
	Wins           int            `json:"wins"`
	Losses         int            `json:"losses"`
	Pending        int            `json:"pending"`
	LastResult     types.Outcome  `json:"last_result"`
	LastDelta      float64        `json:"last_delta"`
	LastConfidence float64        `json:"last_confidence"`
	CurrentStreak  int            `json:"current_streak"`
	Meta           map[string]any `json:"meta,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (r Record) clone() Record {
	r.Meta = types.CloneMeta(r.Meta)
	return r
}

// WinRate is Wins over settled trades, zero when nothing settled.
func (r Record) WinRate() float64 {
	settled := r.Wins + r.Losses
	if settled == 0 {
		return 0
	}
	return float64(r.Wins) / float64(settled)
}

// Persister stores records. Calls come from the persistence worker, never
// from the Record caller.
type Persister interface {
	SaveMemory(ctx context.Context, rec Record) error
	LoadMemories(ctx context.Context) ([]Record, error)
}

// Submitter runs keyed writes in the background.
type Submitter interface {
	Submit(key string, op func(ctx context.Context) error) bool
}

type Config struct {
	StreakWeight float64 `toml:"streak_weight"`
	MaxBias      float64 `toml:"max_bias"`
}

type key struct {
	symbol string
	side   string
}

// Memory is the in-process authority for per-symbol outcome history. Every
// mutation is serialized by one mutex; persistence happens asynchronously
// and never rolls back in-memory state.
type Memory struct {
	mu      sync.Mutex
	records map[key]*Record
	cfg     Config
	store   Persister
	writer  Submitter
	now     func() time.Time
}

type Option func(*Memory)

// WithPersister enables async persistence of every update through w.
func WithPersister(p Persister, w Submitter) Option {
	return func(m *Memory) {
		m.store = p
		m.writer = w
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

func New(cfg Config, opts ...Option) *Memory {
	if cfg.StreakWeight <= 0 {
		cfg.StreakWeight = DefaultStreakWeight
	}
	if cfg.MaxBias <= 0 {
		cfg.MaxBias = DefaultMaxBias
	}
	m := &Memory{
		records: make(map[key]*Record),
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func keyFor(sym, side string) key {
	return key{symbol: symbol.Normalize(sym), side: symbol.NormalizeSide(side)}
}

// entry returns the live record for k, creating it. Caller holds mu.
func (m *Memory) entry(k key) *Record {
	rec, ok := m.records[k]
	if !ok {
		rec = &Record{Symbol: k.symbol, Side: k.side}
		m.records[k] = rec
	}
	return rec
}

// Record folds one settled trade into the (symbol, side) history. Outcomes
// other than win and loss are ignored and the current record returned.
func (m *Memory) Record(sym, side string, result types.Outcome, deltaPercent, confidence float64, meta map[string]any) Record {
	if m == nil {
		return Record{}
	}
	if result != types.OutcomeWin && result != types.OutcomeLoss {
		logger.Warnf("memory: ignoring %s/%s result with outcome %q", sym, side, result)
		return m.Get(sym, side)
	}
	k := keyFor(sym, side)
	m.mu.Lock()
	rec := m.entry(k)
	if rec.Pending > 0 {
		rec.Pending--
	} else {
		rec.Trades++
	}
	if result == types.OutcomeWin {
		rec.Wins++
		rec.CurrentStreak++
	} else {
		rec.Losses++
		rec.CurrentStreak--
	}
	rec.LastResult = result
	rec.LastDelta = deltaPercent
	rec.LastConfidence = confidence
	rec.Meta = types.CloneMeta(meta)
	rec.UpdatedAt = m.now()
	out := rec.clone()
	m.mu.Unlock()

	m.persist(out)
	return out
}

// RecordResult is Record fed from a tracker result.
func (m *Memory) RecordResult(res types.Result) Record {
	return m.Record(res.Contract, string(res.Side), res.Result, res.ROIAtExit, res.ConfidenceAtOpen, res.Meta)
}

// MarkPending counts an open position as a trade whose outcome is unknown.
func (m *Memory) MarkPending(sym, side string) Record {
	if m == nil {
		return Record{}
	}
	k := keyFor(sym, side)
	m.mu.Lock()
	rec := m.entry(k)
	rec.Trades++
	rec.Pending++
	rec.UpdatedAt = m.now()
	out := rec.clone()
	m.mu.Unlock()

	m.persist(out)
	return out
}

// ClearPending withdraws a pending trade that will never settle.
func (m *Memory) ClearPending(sym, side string) Record {
	if m == nil {
		return Record{}
	}
	k := keyFor(sym, side)
	m.mu.Lock()
	rec, ok := m.records[k]
	if !ok || rec.Pending == 0 {
		m.mu.Unlock()
		return Record{Symbol: k.symbol, Side: k.side}
	}
	rec.Pending--
	rec.Trades--
	rec.UpdatedAt = m.now()
	out := rec.clone()
	m.mu.Unlock()

	m.persist(out)
	return out
}

// Get returns a copy of the record, zeroed when the key was never seen.
func (m *Memory) Get(sym, side string) Record {
	k := keyFor(sym, side)
	if m == nil {
		return Record{Symbol: k.symbol, Side: k.side}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[k]; ok {
		return rec.clone()
	}
	return Record{Symbol: k.symbol, Side: k.side}
}

// All returns copies of every record.
func (m *Memory) All() []Record {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.clone())
	}
	return out
}

// Bias is the confidence adjustment implied by the current streak.
func (m *Memory) Bias(sym, side string) float64 {
	if m == nil {
		return 0
	}
	rec := m.Get(sym, side)
	bias := float64(rec.CurrentStreak) * m.cfg.StreakWeight
	return math.Max(-m.cfg.MaxBias, math.Min(m.cfg.MaxBias, bias))
}

// AdjustConfidence applies Bias to c and keeps the result in [0,100].
func (m *Memory) AdjustConfidence(sym, side string, c float64) float64 {
	if math.IsNaN(c) {
		return c
	}
	adjusted := c + m.Bias(sym, side)
	return math.Max(0, math.Min(100, adjusted))
}

// Hydrate replaces in-memory state with persisted records. Intended for
// startup before any Record call.
func (m *Memory) Hydrate(ctx context.Context) (int, error) {
	if m == nil || m.store == nil {
		return 0, nil
	}
	recs, err := m.store.LoadMemories(ctx)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		k := keyFor(rec.Symbol, rec.Side)
		if k.symbol == "" || k.side == "" {
			continue
		}
		rec.Symbol, rec.Side = k.symbol, k.side
		if sum := rec.Wins + rec.Losses + rec.Pending; rec.Trades != sum {
			logger.Warnf("memory: %s/%s trades=%d does not match wins+losses+pending=%d, using the sum",
				k.symbol, k.side, rec.Trades, sum)
			rec.Trades = sum
		}
		r := rec.clone()
		m.records[k] = &r
	}
	return len(recs), nil
}

func (m *Memory) persist(rec Record) {
	if m.store == nil || m.writer == nil {
		return
	}
	store := m.store
	queued := m.writer.Submit("memory:"+rec.Symbol+":"+rec.Side, func(ctx context.Context) error {
		return store.SaveMemory(ctx, rec)
	})
	if !queued {
		logger.Warnf("memory: persist of %s/%s not queued; in-memory state kept", rec.Symbol, rec.Side)
	}
}
