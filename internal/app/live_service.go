package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"moonwatch/internal/analysis/trend"
	"moonwatch/internal/feed"
	"moonwatch/internal/logger"
	"moonwatch/internal/memory"
	"moonwatch/internal/persistence"
	"moonwatch/internal/risk"
	"moonwatch/internal/scheduler"
	"moonwatch/internal/store"
	"moonwatch/internal/store/journal"
	"moonwatch/internal/trader"
	"moonwatch/internal/types"
)

// LiveService glues the trader to capital risk, symbol memory, the trend
// classifier and persistence. It is the Service behind the HTTP router.
type LiveService struct {
	trader     *trader.Trader
	risk       *risk.Engine
	memory     *memory.Memory
	ring       *feed.Ring
	journal    *journal.Journal
	gateway    *store.Gateway
	writer     *persistence.Writer
	classifier *trend.Classifier

	statusEvery time.Duration
	closeOnce   sync.Once
}

type LiveServiceParams struct {
	Trader     *trader.Trader
	Risk       *risk.Engine
	Memory     *memory.Memory
	Ring       *feed.Ring
	Journal    *journal.Journal
	Gateway    *store.Gateway
	Writer     *persistence.Writer
	Classifier *trend.Classifier
	// StatusEvery is the interval of the periodic status log; 0 disables it.
	StatusEvery time.Duration
}

func NewLiveService(p LiveServiceParams) *LiveService {
	return &LiveService{
		trader:      p.Trader,
		risk:        p.Risk,
		memory:      p.Memory,
		ring:        p.Ring,
		journal:     p.Journal,
		gateway:     p.Gateway,
		writer:      p.Writer,
		classifier:  p.Classifier,
		statusEvery: p.StatusEvery,
	}
}

// Run blocks until ctx is done, logging open positions on every
// statusEvery boundary.
func (s *LiveService) Run(ctx context.Context) error {
	if s.statusEvery <= 0 {
		<-ctx.Done()
		return nil
	}
	scheduler.NewAlignedScheduler(ctx, s.statusEvery, 0).Start(s.logStatus)
	return nil
}

func (s *LiveService) logStatus() {
	snap := s.risk.Snapshot()
	positions := s.trader.Positions()
	logger.Infof("[live] open=%d score=%d preservation=%v capital=%s used=%s pending_writes=%d",
		len(positions), snap.CapitalScore, snap.PreservationMode,
		snap.TotalCapital.StringFixed(2), snap.CapitalUsed.StringFixed(2), s.writer.Stats().Pending)
	for _, pos := range positions {
		logger.Debugf("[live] %s %s %s roi=%.2f%% peak=%.2f%% %s",
			pos.Contract, pos.Side, pos.State, pos.ROI, pos.PeakROI, pos.Status)
	}
}

// Shutdown stops the trader, which closes its event store, and flushes
// pending writes before closing the stores.
func (s *LiveService) Shutdown() {
	s.closeOnce.Do(func() {
		s.trader.Stop()
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.writer.Flush(flushCtx); err != nil {
			logger.Warnf("[live] flush pending writes: %v", err)
		}
		cancel()
		_ = s.writer.Close()
		if st := s.writer.Stats(); st.Failed > 0 || st.Dropped > 0 {
			logger.Warnf("[live] persistence: written=%d failed=%d dropped=%d", st.Written, st.Failed, st.Dropped)
		}
		if s.journal != nil {
			if err := s.journal.Close(); err != nil {
				logger.Warnf("[live] close journal: %v", err)
			}
		}
		if s.gateway != nil {
			if err := s.gateway.Close(); err != nil {
				logger.Warnf("[live] close store: %v", err)
			}
		}
	})
}

func (s *LiveService) Open(ctx context.Context, sig trader.OpenSignal) (trader.Position, error) {
	return s.trader.Open(ctx, sig)
}

// Tick forwards the price and, when auto trend is on, feeds the classifier.
// A phase change is sent as a trend update, which the tracker consults
// from the next tick on.
func (s *LiveService) Tick(ctx context.Context, tick trader.Tick) error {
	if err := s.trader.Tick(ctx, tick); err != nil {
		return err
	}
	if s.classifier == nil {
		return nil
	}
	pos, ok := s.trader.Position(tick.Contract)
	if !ok || pos.State.Terminal() {
		return nil
	}
	reading, changed := s.classifier.Observe(pos.Contract, pos.Side, tick.Price)
	if !changed {
		return nil
	}
	logger.Debugf("[trend] %s %s -> %s (ema %.4f/%.4f rsi %.1f)",
		pos.Contract, pos.Side, reading.Phase, reading.FastEMA, reading.SlowEMA, reading.RSI)
	err := s.trader.Trend(ctx, trader.TrendUpdate{Contract: pos.Contract, Phase: reading.Phase})
	if err != nil && !errors.Is(err, trader.ErrNoTracker) {
		return err
	}
	return nil
}

func (s *LiveService) Trend(ctx context.Context, upd trader.TrendUpdate) error {
	return s.trader.Trend(ctx, upd)
}

func (s *LiveService) Close(ctx context.Context, contract string, reason types.ExitReason) (types.Result, error) {
	return s.trader.Close(ctx, contract, reason)
}

func (s *LiveService) Positions() []trader.Position {
	return s.trader.Positions()
}

// FeedSince returns events after since, oldest first. The ring serves what
// it still holds; older events come from the journal, bounded by the ring's
// oldest Seq so nothing is returned twice or lost to a pending write.
func (s *LiveService) FeedSince(ctx context.Context, since int64, limit int) ([]feed.Event, error) {
	events := s.ring.Since(since)
	oldest, ok := s.ring.Oldest()
	if s.journal != nil && (!ok || oldest.TS > since) {
		var before uint64
		if ok {
			before = oldest.Seq
		}
		older, err := s.journal.EventsBefore(ctx, since, before, limit)
		if err != nil {
			return nil, err
		}
		events = append(older, events...)
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *LiveService) SubscribeFeed(buffer int) (<-chan feed.Event, func()) {
	return s.ring.Subscribe(buffer)
}

func (s *LiveService) Capital() risk.Snapshot {
	return s.risk.Snapshot()
}

func (s *LiveService) Memory(symbol, side string) memory.Record {
	return s.memory.Get(symbol, side)
}

func (s *LiveService) Results(ctx context.Context, contract string, limit int) ([]types.Result, error) {
	if s.gateway == nil {
		return nil, nil
	}
	return s.gateway.ListResults(ctx, contract, limit)
}

// onOpen reserves the stake and marks the memory slot pending.
func (s *LiveService) onOpen(pos trader.Position) {
	s.memory.MarkPending(pos.Contract, string(pos.Side))
	if pos.Stake > 0 {
		s.risk.Reserve(pos.Stake)
	}
}

func (s *LiveService) onResult(res types.Result) {
	if s.classifier != nil {
		s.classifier.Forget(res.Contract)
	}
}
