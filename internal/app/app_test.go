package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"moonwatch/internal/config"
	"moonwatch/internal/strategy/exit"
	"moonwatch/internal/trader"
	"moonwatch/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.App.HTTPAddr = ""
	cfg.Store.Path = filepath.Join(dir, "state.db")
	cfg.Store.JournalPath = filepath.Join(dir, "journal.db")
	cfg.Persist.BackoffMs = 5
	return cfg
}

func build(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := NewAppBuilder(cfg, WithoutHTTP()).Build(context.Background())
	require.NoError(t, err)
	require.NotNil(t, a.LiveService())
	return a
}

func flush(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.live.writer.Flush(ctx))
}

func TestStopLossFlowUpdatesCapitalMemoryAndStore(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	a := build(t, cfg)
	live := a.LiveService()
	ctx := context.Background()

	conf := 70.0
	pos, err := live.Open(ctx, trader.OpenSignal{Contract: "btcusdt", Side: "long", EntryPrice: 100, Confidence: &conf, Stake: 50})
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", pos.Contract)
	assert.Equal(t, "50.00", live.Capital().CapitalUsed.StringFixed(2))
	assert.Equal(t, 1, live.Memory("BTCUSDT", "LONG").Pending)

	require.NoError(t, live.Tick(ctx, trader.Tick{Contract: "BTCUSDT", Price: 101}))
	require.NoError(t, live.Tick(ctx, trader.Tick{Contract: "BTCUSDT", Price: 59}))

	assert.Empty(t, live.Positions())
	snap := live.Capital()
	assert.Equal(t, 60, snap.CapitalScore)
	assert.Equal(t, "0.00", snap.CapitalUsed.StringFixed(2))
	assert.Equal(t, "979.50", snap.TotalCapital.StringFixed(2))

	rec := live.Memory("BTCUSDT", "LONG")
	assert.Equal(t, 1, rec.Losses)
	assert.Equal(t, 0, rec.Pending)
	assert.Equal(t, -1, rec.CurrentStreak)

	flush(t, a)
	results, err := live.Results(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, types.ExitStopLoss, results[0].Reason)

	events, err := live.FeedSince(ctx, 0, 100)
	require.NoError(t, err)
	var states []string
	for _, evt := range events {
		if evt.Contract == "BTCUSDT" {
			states = append(states, evt.State)
		}
	}
	assert.Equal(t, []string{"OPENED", "PURSUIT", "SL_HIT", "CLOSED"}, states)

	_, err = live.Close(ctx, "BTCUSDT", "")
	assert.ErrorIs(t, err, trader.ErrNoTracker)
	live.Shutdown()
}

func TestRestartHydratesCapitalAndMemory(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	ctx := context.Background()

	first := build(t, cfg)
	live := first.LiveService()
	_, err := live.Open(ctx, trader.OpenSignal{Contract: "ETHUSDT", Side: "short", EntryPrice: 100})
	require.NoError(t, err)
	require.NoError(t, live.Tick(ctx, trader.Tick{Contract: "ETHUSDT", Price: 141}))
	live.Shutdown()

	second := build(t, cfg)
	defer second.LiveService().Shutdown()
	assert.True(t, second.Summary.Hydrated.Capital)
	assert.Equal(t, 1, second.Summary.Hydrated.Memories)
	assert.Equal(t, 60, second.LiveService().Capital().CapitalScore)
	rec := second.LiveService().Memory("ETHUSDT", "SHORT")
	assert.Equal(t, 1, rec.Trades)
	assert.Equal(t, -1, rec.CurrentStreak)

	// The feed survives restarts through the journal.
	events, err := second.LiveService().FeedSince(ctx, 0, 100)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestAutoTrendFeedsTracker(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Trend.Auto = true
	a := build(t, cfg)
	live := a.LiveService()
	defer live.Shutdown()
	ctx := context.Background()

	_, err := live.Open(ctx, trader.OpenSignal{Contract: "SOLUSDT", Side: "long", EntryPrice: 1000})
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		require.NoError(t, live.Tick(ctx, trader.Tick{Contract: "SOLUSDT", Price: 1000 + float64(i)*0.5}))
	}
	pos, ok := a.live.trader.Position("SOLUSDT")
	require.True(t, ok)
	assert.Equal(t, exit.PhaseRising, pos.TrendPhase)

	require.NoError(t, live.Trend(ctx, trader.TrendUpdate{Contract: "SOLUSDT", Phase: exit.PhasePeak}))
	pos, _ = a.live.trader.Position("SOLUSDT")
	assert.Equal(t, exit.PhasePeak, pos.TrendPhase, "explicit updates override")
}

func TestSummaryMentionsPolicy(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	a := build(t, cfg)
	defer a.LiveService().Shutdown()
	out := a.Summary.String()
	assert.Contains(t, out, "builtin")
	assert.Contains(t, out, "stop loss: -40.00%")
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	a := build(t, cfg)
	a.Summary = nil
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	_, err := a.LiveService().Open(context.Background(), trader.OpenSignal{Contract: "X", Side: "long", EntryPrice: 1})
	assert.ErrorIs(t, err, trader.ErrStopped)
}

func TestFeedServesRecentEventsBeforeTheyAreJournaled(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	a := build(t, cfg)
	live := a.LiveService()
	defer live.Shutdown()
	ctx := context.Background()

	_, err := live.Open(ctx, trader.OpenSignal{Contract: "BTCUSDT", Side: "long", EntryPrice: 100})
	require.NoError(t, err)
	require.NoError(t, live.Tick(ctx, trader.Tick{Contract: "BTCUSDT", Price: 101}))
	require.NoError(t, live.Tick(ctx, trader.Tick{Contract: "BTCUSDT", Price: 59}))

	events, err := live.FeedSince(ctx, 0, 100)
	require.NoError(t, err)
	assert.Len(t, events, live.ring.Len())
	var states []string
	for i, evt := range events {
		if i > 0 {
			assert.Greater(t, evt.Seq, events[i-1].Seq)
		}
		if evt.Contract == "BTCUSDT" {
			states = append(states, evt.State)
		}
	}
	assert.Equal(t, []string{"OPENED", "PURSUIT", "SL_HIT", "CLOSED"}, states)
}

func TestRestartContinuesFeedSequence(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	ctx := context.Background()

	first := build(t, cfg)
	_, err := first.LiveService().Open(ctx, trader.OpenSignal{Contract: "BTCUSDT", Side: "long", EntryPrice: 100})
	require.NoError(t, err)
	_, err = first.LiveService().Close(ctx, "BTCUSDT", "")
	require.NoError(t, err)
	before, err := first.LiveService().FeedSince(ctx, 0, 100)
	require.NoError(t, err)
	require.NotEmpty(t, before)
	first.LiveService().Shutdown()

	second := build(t, cfg)
	live := second.LiveService()
	defer live.Shutdown()
	_, err = live.Open(ctx, trader.OpenSignal{Contract: "ETHUSDT", Side: "long", EntryPrice: 100})
	require.NoError(t, err)

	events, err := live.FeedSince(ctx, 0, 100)
	require.NoError(t, err)
	require.Greater(t, len(events), len(before))
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}
	assert.Equal(t, "ETHUSDT", events[len(events)-1].Contract)
}

func TestRestartAbandonsPositionsLeftOpen(t *testing.T) {
	for name, eventsPath := range map[string]string{"journal": "", "jsonl": "events.jsonl"} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			cfg := testConfig(t, dir)
			if eventsPath != "" {
				cfg.Store.EventsPath = filepath.Join(dir, eventsPath)
			}
			ctx := context.Background()

			first := build(t, cfg)
			_, err := first.LiveService().Open(ctx, trader.OpenSignal{Contract: "ETHUSDT", Side: "long", EntryPrice: 100, Stake: 200})
			require.NoError(t, err)
			assert.Equal(t, "200.00", first.LiveService().Capital().CapitalUsed.StringFixed(2))
			first.LiveService().Shutdown()

			second := build(t, cfg)
			live := second.LiveService()
			assert.Equal(t, 1, second.Summary.Hydrated.Abandoned)
			assert.Empty(t, live.Positions())
			assert.Equal(t, "0.00", live.Capital().CapitalUsed.StringFixed(2))
			rec := live.Memory("ETHUSDT", "LONG")
			assert.Equal(t, 0, rec.Pending)
			assert.Equal(t, 0, rec.Trades)
			live.Shutdown()

			third := build(t, cfg)
			defer third.LiveService().Shutdown()
			assert.Equal(t, 0, third.Summary.Hydrated.Abandoned)
			assert.Equal(t, "0.00", third.LiveService().Capital().CapitalUsed.StringFixed(2))
			assert.Equal(t, 0, third.LiveService().Memory("ETHUSDT", "LONG").Pending)
		})
	}
}
