package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"moonwatch/internal/feed"
	"moonwatch/internal/logger"
	"moonwatch/internal/pkg/symbol"
	"moonwatch/internal/strategy/exit"
	"moonwatch/internal/types"

	"github.com/google/uuid"
)

const defaultMailboxSize = 64

// Gate decides whether a new position may be opened.
type Gate interface {
	AllowEntry() bool
}

// ConfidenceAdjuster biases a signalled confidence with learned history.
type ConfidenceAdjuster interface {
	AdjustConfidence(symbol, side string, confidence float64) float64
}

// ResultSink consumes terminal results. Sinks run on the emitting actor,
// one result at a time, in the order results are produced.
type ResultSink func(types.Result)

// Observer receives lifecycle counters; metrics implement it.
type Observer interface {
	Transition(state string)
	Result(res types.Result)
	TickDropped()
	OpenPositions(n int)
}

type noopObserver struct{}

func (noopObserver) Transition(string)   {}
func (noopObserver) Result(types.Result) {}
func (noopObserver) TickDropped()        {}
func (noopObserver) OpenPositions(int)   {}

type Config struct {
	Tracker           TrackerConfig
	DefaultConfidence float64
	DefaultRegime     exit.Regime
	MailboxSize       int
}

func (c Config) withDefaults() Config {
	c.Tracker = c.Tracker.withDefaults()
	if c.DefaultConfidence <= 0 || c.DefaultConfidence > 100 {
		c.DefaultConfidence = exit.DefaultConfidence
	}
	if c.DefaultRegime == "" {
		c.DefaultRegime = exit.RegimeNormal
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = defaultMailboxSize
	}
	return c
}

// Trader tracks every open position. Each contract gets its own actor
// goroutine with a mailbox, so a contract's events are handled strictly
// in order while different contracts proceed in parallel. Terminal
// results are handed to the result sinks serialized in arrival order.
type Trader struct {
	cfg           Config
	policy        PolicySource
	gate          Gate
	adjuster      ConfidenceAdjuster
	sinks         []ResultSink
	onOpen        []func(Position)
	feed          feed.Sink
	store         EventStore
	observer      Observer
	eventRegistry *HandlerRegistry
	now           func() time.Time

	mu     sync.RWMutex
	actors map[string]*contractActor

	resultMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type contractActor struct {
	contract string
	tracker  *Tracker
	mailbox  chan EventEnvelope
	done     chan struct{}
	snapshot atomic.Pointer[Position]
}

type Option func(*Trader)

func WithPolicy(p PolicySource) Option {
	return func(t *Trader) {
		if p != nil {
			t.policy = p
		}
	}
}

func WithGate(g Gate) Option {
	return func(t *Trader) { t.gate = g }
}

func WithConfidenceAdjuster(a ConfidenceAdjuster) Option {
	return func(t *Trader) { t.adjuster = a }
}

// WithResultSink appends a consumer of terminal results.
func WithResultSink(fn ResultSink) Option {
	return func(t *Trader) {
		if fn != nil {
			t.sinks = append(t.sinks, fn)
		}
	}
}

// WithOpenHook runs fn on the actor right after a position opens.
func WithOpenHook(fn func(Position)) Option {
	return func(t *Trader) {
		if fn != nil {
			t.onOpen = append(t.onOpen, fn)
		}
	}
}

func WithFeed(sink feed.Sink) Option {
	return func(t *Trader) {
		if sink != nil {
			t.feed = sink
		}
	}
}

func WithEventStore(store EventStore) Option {
	return func(t *Trader) { t.store = store }
}

func WithObserver(o Observer) Option {
	return func(t *Trader) {
		if o != nil {
			t.observer = o
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Trader) {
		if now != nil {
			t.now = now
		}
	}
}

func NewTrader(cfg Config, opts ...Option) *Trader {
	eventReg := NewHandlerRegistry()
	eventReg.RegisterDefaultHandlers()

	t := &Trader{
		cfg:           cfg.withDefaults(),
		policy:        StaticPolicy(nil),
		feed:          feed.Discard,
		observer:      noopObserver{},
		eventRegistry: eventReg,
		now:           time.Now,
		actors:        make(map[string]*contractActor),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open starts tracking a new position and returns its initial state.
func (t *Trader) Open(ctx context.Context, sig OpenSignal) (Position, error) {
	if t.stopped() {
		return Position{}, ErrStopped
	}
	pos, err := t.newPosition(sig)
	if err != nil {
		return Position{}, err
	}
	if t.gate != nil && !t.gate.AllowEntry() {
		return Position{}, fmt.Errorf("%w: %s", ErrEntryBlocked, pos.Contract)
	}

	a := &contractActor{
		contract: pos.Contract,
		tracker:  NewTracker(pos, t.cfg.Tracker, t.policy),
		mailbox:  make(chan EventEnvelope, t.cfg.MailboxSize),
		done:     make(chan struct{}),
	}
	a.storeSnapshot()

	t.mu.Lock()
	if _, exists := t.actors[pos.Contract]; exists {
		t.mu.Unlock()
		return Position{}, fmt.Errorf("%w: %s", ErrTrackerExists, pos.Contract)
	}
	t.actors[pos.Contract] = a
	open := len(t.actors)
	t.wg.Add(1)
	go t.runLoop(a)
	t.mu.Unlock()
	t.observer.OpenPositions(open)

	env, err := t.envelope(EvtPositionOpen, pos.Contract, sig)
	if err != nil {
		return Position{}, err
	}
	if err := t.sendSync(ctx, a, env); err != nil {
		return Position{}, err
	}
	return a.position(), nil
}

// Tick feeds one price to the contract's tracker and waits until it has
// been processed.
func (t *Trader) Tick(ctx context.Context, tick Tick) error {
	a, err := t.lookup(tick.Contract)
	if err != nil {
		return err
	}
	tick.Contract = a.contract
	if tick.Timestamp.IsZero() {
		tick.Timestamp = t.now()
	}
	env, err := t.envelope(EvtPriceTick, a.contract, tick)
	if err != nil {
		return err
	}
	return t.sendSync(ctx, a, env)
}

// Trend records the latest trend phase for a contract.
func (t *Trader) Trend(ctx context.Context, upd TrendUpdate) error {
	a, err := t.lookup(upd.Contract)
	if err != nil {
		return err
	}
	upd.Contract = a.contract
	upd.Phase = exit.ParseTrendPhase(string(upd.Phase))
	env, err := t.envelope(EvtTrendUpdate, a.contract, upd)
	if err != nil {
		return err
	}
	return t.sendSync(ctx, a, env)
}

// Close ends a position at its last observed ROI.
func (t *Trader) Close(ctx context.Context, contract string, reason types.ExitReason) (types.Result, error) {
	a, err := t.lookup(contract)
	if err != nil {
		return types.Result{}, err
	}
	if reason == "" {
		reason = types.ExitManual
	}
	env, err := t.envelope(EvtPositionClose, a.contract, CloseRequest{Contract: a.contract, Reason: reason})
	if err != nil {
		return types.Result{}, err
	}
	if err := t.sendSync(ctx, a, env); err != nil {
		return types.Result{}, err
	}
	res, ok := a.tracker.Result()
	if !ok {
		return types.Result{}, fmt.Errorf("%w: %s", ErrNoTracker, a.contract)
	}
	return res, nil
}

// Position returns the last published state of an open contract.
func (t *Trader) Position(contract string) (Position, bool) {
	a, err := t.lookup(contract)
	if err != nil {
		return Position{}, false
	}
	return a.position(), true
}

// Positions lists open positions ordered by contract.
func (t *Trader) Positions() []Position {
	t.mu.RLock()
	out := make([]Position, 0, len(t.actors))
	for _, a := range t.actors {
		out = append(out, a.position())
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Contract < out[j].Contract })
	return out
}

// Stop halts every actor. Positions stay open in memory but receive no
// further events.
func (t *Trader) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		t.wg.Wait()
		if t.store != nil {
			if err := t.store.Close(); err != nil {
				logger.Warnf("Trader: event store close failed: %v", err)
			}
		}
	})
}

func (t *Trader) stopped() bool {
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

func (t *Trader) newPosition(sig OpenSignal) (Position, error) {
	contract := symbol.Normalize(sig.Contract)
	if contract == "" {
		return Position{}, fmt.Errorf("%w: contract is required", ErrInvalidSignal)
	}
	side, ok := types.ParseSide(sig.Side)
	if !ok {
		return Position{}, fmt.Errorf("%w: side %q", ErrInvalidSignal, sig.Side)
	}
	if !exit.ValidPrice(sig.EntryPrice) {
		return Position{}, fmt.Errorf("%w: entry price %v", ErrInvalidSignal, sig.EntryPrice)
	}
	if math.IsNaN(sig.Stake) || math.IsInf(sig.Stake, 0) || sig.Stake < 0 {
		return Position{}, fmt.Errorf("%w: stake %v", ErrInvalidSignal, sig.Stake)
	}
	raw := t.cfg.DefaultConfidence
	if sig.Confidence != nil {
		raw = *sig.Confidence
		if math.IsNaN(raw) || math.IsInf(raw, 0) {
			return Position{}, fmt.Errorf("%w: confidence %v", ErrInvalidSignal, raw)
		}
		raw = math.Max(0, math.Min(100, raw))
	}
	confidence := raw
	if t.adjuster != nil {
		confidence = t.adjuster.AdjustConfidence(contract, string(side), raw)
	}
	regime := t.cfg.DefaultRegime
	if strings.TrimSpace(sig.Regime) != "" {
		regime = exit.ParseRegime(sig.Regime)
	}
	return Position{
		ID:            uuid.NewString(),
		Contract:      contract,
		Side:          side,
		EntryPrice:    sig.EntryPrice,
		Confidence:    confidence,
		RawConfidence: raw,
		Regime:        regime,
		Stake:         sig.Stake,
		Meta:          types.CloneMeta(sig.Meta),
		OpenedAt:      t.now(),
	}, nil
}

func (t *Trader) lookup(contract string) (*contractActor, error) {
	if t.stopped() {
		return nil, ErrStopped
	}
	key := symbol.Normalize(contract)
	t.mu.RLock()
	a, ok := t.actors[key]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTracker, key)
	}
	return a, nil
}

func (t *Trader) envelope(typ EventType, contract string, payload any) (EventEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}
	return EventEnvelope{
		ID:        uuid.NewString(),
		Type:      typ,
		Payload:   raw,
		CreatedAt: t.now(),
		Contract:  contract,
	}, nil
}

func (t *Trader) send(a *contractActor, evt EventEnvelope) error {
	select {
	case a.mailbox <- evt:
		return nil
	case <-a.done:
		return fmt.Errorf("%w: %s", ErrNoTracker, a.contract)
	case <-t.stopCh:
		return ErrStopped
	}
}

func (t *Trader) sendSync(ctx context.Context, a *contractActor, evt EventEnvelope) error {
	if evt.ReplyCh == nil {
		evt.ReplyCh = make(chan error, 1)
	}
	if err := t.send(a, evt); err != nil {
		return err
	}
	select {
	case err := <-evt.ReplyCh:
		return err
	case <-a.done:
		select {
		case err := <-evt.ReplyCh:
			return err
		default:
			return fmt.Errorf("%w: %s", ErrNoTracker, a.contract)
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-t.stopCh:
		return ErrStopped
	}
}

func (t *Trader) runLoop(a *contractActor) {
	defer t.wg.Done()
	defer close(a.done)
	for {
		select {
		case evt := <-a.mailbox:
			t.handleEvent(a, evt)
			if a.tracker.Closed() {
				return
			}
		case <-t.stopCh:
			return
		}
	}
}

// handleEvent runs one envelope through its handler. A panicking handler
// is logged and reported to the caller; the actor keeps running.
func (t *Trader) handleEvent(a *contractActor, evt EventEnvelope) {
	var err error
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Trader panic handling event %s for %s: %v", evt.Type, a.contract, r)
			debug.PrintStack()
			err = fmt.Errorf("panic: %v", r)
		}
		a.storeSnapshot()
		// Retire before replying so callers never see a closed contract
		// still registered.
		if a.tracker.Closed() {
			t.retire(a)
		}
		if evt.ReplyCh != nil {
			evt.ReplyCh <- err
			close(evt.ReplyCh)
		}
		if dur := time.Since(start); dur > 100*time.Millisecond {
			logger.Warnf("Slow event %s took %v", evt.Type, dur)
		}
	}()

	if t.store != nil && shouldPersistEvent(evt.Type) {
		if err := t.store.Append(evt); err != nil {
			logger.Errorf("Failed to persist event %s: %v", evt.Type, err)
		}
	}

	handler, ok := t.eventRegistry.Get(evt.Type)
	if !ok {
		logger.Warnf("No handler registered for event type: %s", evt.Type)
		return
	}
	err = handler.Handle(newHandlerContext(t, a), evt.Payload, evt.ID)
	if err != nil {
		logger.Errorf("Trader failed to handle %s: %v", evt.Type, err)
	}
}

// apply publishes a step's transitions and delivers its result.
func (t *Trader) apply(a *contractActor, step Step) {
	if len(step.Transitions) > 0 {
		t.publish(a.tracker.Position(), step.Transitions)
	}
	if step.Result != nil {
		t.deliver(*step.Result)
	}
}

func (t *Trader) publish(pos Position, transitions []Transition) {
	for _, tr := range transitions {
		at := tr.At
		if at.IsZero() {
			at = t.now()
		}
		t.observer.Transition(string(tr.State))
		t.feed.Publish(feed.Event{
			TS:       at.UnixMilli(),
			Contract: pos.Contract,
			State:    string(tr.State),
			Text:     tr.Text,
			ROI:      tr.ROI,
			Peak:     tr.Peak,
		})
	}
}

func (t *Trader) deliver(res types.Result) {
	t.resultMu.Lock()
	defer t.resultMu.Unlock()

	logger.With("component", "trader").Info("position closed",
		"contract", res.Contract,
		"side", string(res.Side),
		"result", string(res.Result),
		"reason", string(res.Reason),
		"roi", res.ROIAtExit,
		"peak", res.PeakROI)
	t.observer.Result(res)
	t.appendFact(EvtPositionClosed, res.Contract, res)
	for i, sink := range t.sinks {
		t.runSink(i, sink, res)
	}
}

func (t *Trader) runSink(i int, sink ResultSink, res types.Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Trader: result sink %d panicked for %s: %v", i, res.Contract, r)
		}
	}()
	sink(res)
}

// appendFact journals an opened/closed fact outside the mailbox flow.
func (t *Trader) appendFact(typ EventType, contract string, payload any) {
	if t.store == nil {
		return
	}
	env, err := t.envelope(typ, contract, payload)
	if err != nil {
		logger.Warnf("Trader: %v", err)
		return
	}
	if err := t.store.Append(env); err != nil {
		logger.Errorf("Failed to persist event %s: %v", typ, err)
	}
}

func (t *Trader) retire(a *contractActor) {
	t.mu.Lock()
	if cur, ok := t.actors[a.contract]; ok && cur == a {
		delete(t.actors, a.contract)
	}
	open := len(t.actors)
	t.mu.Unlock()
	t.observer.OpenPositions(open)
}

func (a *contractActor) storeSnapshot() {
	pos := a.tracker.Position()
	a.snapshot.Store(&pos)
}

func (a *contractActor) position() Position {
	if p := a.snapshot.Load(); p != nil {
		return p.clone()
	}
	return Position{Contract: a.contract}
}

func shouldPersistEvent(typ EventType) bool {
	switch typ {
	case EvtPositionOpen, EvtPositionClose, EvtTrendUpdate:
		return true
	default:
		return false
	}
}
