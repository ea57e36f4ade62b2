package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"moonwatch/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	saved   []Record
	loaded  []Record
	saveErr error
}

func (f *fakeStore) SaveMemory(_ context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, rec)
	return nil
}

func (f *fakeStore) LoadMemories(context.Context) ([]Record, error) {
	return f.loaded, nil
}

// inlineWriter runs ops synchronously.
type inlineWriter struct{ keys []string }

func (w *inlineWriter) Submit(key string, op func(ctx context.Context) error) bool {
	w.keys = append(w.keys, key)
	_ = op(context.Background())
	return true
}

func TestRecordNormalizesKey(t *testing.T) {
	m := New(Config{})
	m.Record("btc/usdt", "buy", types.OutcomeWin, 12.5, 80, map[string]any{"note": "first"})

	rec := m.Get("BTCUSDT", "LONG")
	assert.Equal(t, "BTCUSDT", rec.Symbol)
	assert.Equal(t, "LONG", rec.Side)
	assert.Equal(t, 1, rec.Trades)
	assert.Equal(t, 1, rec.Wins)
	assert.Equal(t, types.OutcomeWin, rec.LastResult)
	assert.Equal(t, 12.5, rec.LastDelta)
	assert.Equal(t, 80.0, rec.LastConfidence)
	assert.Equal(t, "first", rec.Meta["note"])

	assert.Equal(t, rec, m.Get("btc-usdt", "Buy"))
}

func TestStreakNeverResetsOnSignFlip(t *testing.T) {
	cases := []struct {
		name   string
		result types.Outcome
		want   int
	}{
		{"loss extends negative streak", types.OutcomeLoss, -4},
		{"win walks negative streak up by one", types.OutcomeWin, -2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := New(Config{})
			for i := 0; i < 3; i++ {
				m.Record("ETHUSDT", "SHORT", types.OutcomeLoss, -5, 70, nil)
			}
			require.Equal(t, -3, m.Get("ETHUSDT", "SHORT").CurrentStreak)

			rec := m.Record("ETHUSDT", "SHORT", tc.result, 1, 70, nil)
			assert.Equal(t, tc.want, rec.CurrentStreak)
			assert.Equal(t, 4, rec.Trades)
			assert.Equal(t, rec.Trades, rec.Wins+rec.Losses+rec.Pending)
		})
	}
}

func TestMetaOverwrittenWholesale(t *testing.T) {
	m := New(Config{})
	m.Record("SOLUSDT", "LONG", types.OutcomeWin, 3, 70, map[string]any{"a": 1, "b": 2})
	m.Record("SOLUSDT", "LONG", types.OutcomeWin, 3, 70, map[string]any{"c": 3})

	meta := m.Get("SOLUSDT", "LONG").Meta
	assert.Equal(t, map[string]any{"c": 3}, meta)
}

func TestGetUnknownKeyReturnsZeroRecord(t *testing.T) {
	m := New(Config{})
	rec := m.Get("doge/usdt", "sell")
	assert.Equal(t, "DOGEUSDT", rec.Symbol)
	assert.Equal(t, "SHORT", rec.Side)
	assert.Zero(t, rec.Trades)
	assert.Zero(t, rec.CurrentStreak)
	assert.Empty(t, m.All())
}

func TestPendingKeepsTradeCountConsistent(t *testing.T) {
	m := New(Config{})
	rec := m.MarkPending("BTCUSDT", "LONG")
	assert.Equal(t, 1, rec.Trades)
	assert.Equal(t, 1, rec.Pending)

	rec = m.Record("BTCUSDT", "LONG", types.OutcomeLoss, -40, 70, nil)
	assert.Equal(t, 1, rec.Trades)
	assert.Equal(t, 0, rec.Pending)
	assert.Equal(t, 1, rec.Losses)

	m.MarkPending("BTCUSDT", "LONG")
	rec = m.ClearPending("BTCUSDT", "LONG")
	assert.Equal(t, 1, rec.Trades)
	assert.Equal(t, 0, rec.Pending)
	assert.Equal(t, rec.Trades, rec.Wins+rec.Losses+rec.Pending)
}

func TestRecordIgnoresUnknownOutcome(t *testing.T) {
	m := New(Config{})
	m.MarkPending("BTCUSDT", "LONG")

	for _, outcome := range []types.Outcome{"", "draw", types.ParseOutcome("breakeven")} {
		rec := m.Record("BTCUSDT", "LONG", outcome, 0, 70, map[string]any{"k": "v"})
		assert.Equal(t, 1, rec.Trades)
		assert.Equal(t, 1, rec.Pending)
		assert.Nil(t, rec.Meta)
	}

	rec := m.Record("ETHUSDT", "SHORT", "draw", 0, 70, nil)
	assert.Zero(t, rec.Trades)
	assert.Len(t, m.All(), 1, "an ignored result creates no record")

	rec = m.Get("BTCUSDT", "LONG")
	assert.Equal(t, rec.Trades, rec.Wins+rec.Losses+rec.Pending)
}

func TestBiasAndAdjustConfidence(t *testing.T) {
	m := New(Config{})
	assert.Zero(t, m.Bias("BTCUSDT", "LONG"))

	m.Record("BTCUSDT", "LONG", types.OutcomeWin, 5, 70, nil)
	m.Record("BTCUSDT", "LONG", types.OutcomeWin, 5, 70, nil)
	assert.Equal(t, 4.0, m.Bias("BTCUSDT", "LONG"))
	assert.Equal(t, 74.0, m.AdjustConfidence("BTCUSDT", "LONG", 70))
	assert.Equal(t, 100.0, m.AdjustConfidence("BTCUSDT", "LONG", 99))

	for i := 0; i < 10; i++ {
		m.Record("XRPUSDT", "SHORT", types.OutcomeLoss, -5, 70, nil)
	}
	assert.Equal(t, -10.0, m.Bias("XRPUSDT", "SHORT"))
	assert.Equal(t, 0.0, m.AdjustConfidence("XRPUSDT", "SHORT", 4))
}

func TestPersistsThroughWriter(t *testing.T) {
	store := &fakeStore{}
	w := &inlineWriter{}
	m := New(Config{}, WithPersister(store, w))

	m.Record("BTCUSDT", "LONG", types.OutcomeWin, 5, 70, nil)
	require.Len(t, store.saved, 1)
	assert.Equal(t, "BTCUSDT", store.saved[0].Symbol)
	assert.Equal(t, []string{"memory:BTCUSDT:LONG"}, w.keys)
}

func TestPersistFailureKeepsMemoryState(t *testing.T) {
	store := &fakeStore{saveErr: errors.New("locked")}
	m := New(Config{}, WithPersister(store, &inlineWriter{}))

	m.Record("BTCUSDT", "LONG", types.OutcomeWin, 5, 70, nil)
	assert.Equal(t, 1, m.Get("BTCUSDT", "LONG").Wins)
}

func TestHydrate(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{loaded: []Record{
		{Symbol: "btcusdt", Side: "long", Trades: 5, Wins: 3, Losses: 2, CurrentStreak: 1, UpdatedAt: now},
		{Symbol: "ETHUSDT", Side: "SHORT", Trades: 9, Wins: 1, Losses: 1},
	}}
	m := New(Config{}, WithPersister(store, &inlineWriter{}))

	n, err := m.Hydrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, m.Get("BTCUSDT", "LONG").Wins)
	assert.Equal(t, 2.0, m.Bias("BTCUSDT", "LONG"))
	assert.Equal(t, 2, m.Get("ETHUSDT", "SHORT").Trades)
}

func TestConcurrentRecords(t *testing.T) {
	m := New(Config{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome := types.OutcomeWin
			if i%2 == 0 {
				outcome = types.OutcomeLoss
			}
			m.Record("BTCUSDT", "LONG", outcome, 1, 70, nil)
		}(i)
	}
	wg.Wait()
	rec := m.Get("BTCUSDT", "LONG")
	assert.Equal(t, 50, rec.Trades)
	assert.Equal(t, 25, rec.Wins)
	assert.Equal(t, 0, rec.CurrentStreak)
}
