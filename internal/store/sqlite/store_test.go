package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"moonwatch/internal/memory"
	"moonwatch/internal/risk"
	"moonwatch/internal/store"
	"moonwatch/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T) *store.Gateway {
	t.Helper()
	s, err := NewSqliteStore(filepath.Join(t.TempDir(), "moonwatch.db"))
	require.NoError(t, err)
	gw := store.NewGateway(s)
	t.Cleanup(func() { _ = gw.Close() })
	return gw
}

func TestMemoryUpsertAndLoad(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()
	now := time.UnixMilli(1_715_000_000_000)

	rec := memory.Record{
		Symbol: "BTCUSDT", Side: "LONG", Trades: 3, Wins: 2, Losses: 1,
		LastResult: types.OutcomeWin, LastDelta: 12.5, LastConfidence: 81,
		CurrentStreak: 1, Meta: map[string]any{"setup": "breakout"}, UpdatedAt: now,
	}
	require.NoError(t, gw.SaveMemory(ctx, rec))

	rec.Trades, rec.Wins, rec.CurrentStreak = 4, 3, 2
	rec.Meta = map[string]any{"setup": "retest"}
	require.NoError(t, gw.SaveMemory(ctx, rec))
	require.NoError(t, gw.SaveMemory(ctx, memory.Record{Symbol: "ETHUSDT", Side: "SHORT", Trades: 1, Pending: 1, UpdatedAt: now}))

	loaded, err := gw.LoadMemories(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	btc := loaded[0]
	assert.Equal(t, "BTCUSDT", btc.Symbol)
	assert.Equal(t, 4, btc.Trades)
	assert.Equal(t, 3, btc.Wins)
	assert.Equal(t, 2, btc.CurrentStreak)
	assert.Equal(t, types.OutcomeWin, btc.LastResult)
	assert.Equal(t, "retest", btc.Meta["setup"])
	assert.True(t, btc.UpdatedAt.Equal(now))
	assert.Nil(t, loaded[1].Meta)
	assert.Equal(t, 1, loaded[1].Pending)
}

func TestCapitalSaveAndLoad(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	_, ok, err := gw.LoadCapital(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	snap := risk.Snapshot{
		TotalCapital:      decimal.RequireFromString("1020.125"),
		CapitalUsed:       decimal.NewFromInt(50),
		ProfitRecycled:    decimal.RequireFromString("20.125"),
		ConsecutiveLosses: 2,
		CapitalScore:      45,
		PreservationMode:  true,
		UpdatedAt:         time.UnixMilli(1_715_000_000_000),
	}
	require.NoError(t, gw.SaveCapital(ctx, snap))
	snap.CapitalScore = 40
	require.NoError(t, gw.SaveCapital(ctx, snap))

	got, ok, err := gw.LoadCapital(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.TotalCapital.Equal(snap.TotalCapital))
	assert.True(t, got.ProfitRecycled.Equal(snap.ProfitRecycled))
	assert.Equal(t, 40, got.CapitalScore)
	assert.Equal(t, 2, got.ConsecutiveLosses)
	assert.True(t, got.PreservationMode)
}

func TestResultsAppendOnce(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()
	base := time.UnixMilli(1_715_000_000_000)

	first := types.Result{
		PositionID: "p1", Contract: "BTCUSDT", Side: types.SideLong, Result: types.OutcomeWin,
		ROIAtExit: 14, ConfidenceAtOpen: 70, Reason: types.ExitTrailingDrawdown, TookTP1: true,
		ROIAtTP1: 20, PeakROI: 25, Stake: 100, Meta: map[string]any{"k": "v"},
		OpenedAt: base, ClosedAt: base.Add(time.Minute),
	}
	second := types.Result{
		PositionID: "p2", Contract: "ETHUSDT", Side: types.SideShort, Result: types.OutcomeLoss,
		ROIAtExit: -41, Reason: types.ExitStopLoss, OpenedAt: base, ClosedAt: base.Add(2 * time.Minute),
	}
	require.NoError(t, gw.AppendResult(ctx, first))
	require.NoError(t, gw.AppendResult(ctx, second))
	require.NoError(t, gw.AppendResult(ctx, first))

	all, err := gw.ListResults(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "p2", all[0].PositionID)
	assert.Equal(t, first, all[1])

	btc, err := gw.ListResults(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, btc, 1)
	assert.Equal(t, types.ExitTrailingDrawdown, btc[0].Reason)
}

func TestMemoryHydratesFromStore(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()
	require.NoError(t, gw.SaveMemory(ctx, memory.Record{Symbol: "SOLUSDT", Side: "LONG", Trades: 3, Losses: 3, CurrentStreak: -3}))

	m := memory.New(memory.Config{}, memory.WithPersister(gw, nil))
	n, err := m.Hydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, -6.0, m.Bias("sol/usdt", "long"))
}
