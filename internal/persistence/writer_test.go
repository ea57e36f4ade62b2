package persistence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flush(t *testing.T, w *Writer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Flush(ctx))
}

func TestWriterRunsSubmittedOps(t *testing.T) {
	w := NewWriter(Config{})
	defer w.Close()

	var mu sync.Mutex
	var got []string
	for _, key := range []string{"a", "b", "c"} {
		k := key
		ok := w.Submit(k, func(context.Context) error {
			mu.Lock()
			got = append(got, k)
			mu.Unlock()
			return nil
		})
		require.True(t, ok)
	}
	flush(t, w)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, uint64(3), w.Stats().Written)
}

func TestWriterCoalescesQueuedOps(t *testing.T) {
	w := NewWriter(Config{})
	defer w.Close()

	gate := make(chan struct{})
	w.Submit("block", func(context.Context) error {
		<-gate
		return nil
	})

	var last atomic.Int64
	var calls atomic.Int64
	for i := 1; i <= 5; i++ {
		v := int64(i)
		w.Submit("memory:BTCUSDT:LONG", func(context.Context) error {
			calls.Add(1)
			last.Store(v)
			return nil
		})
	}
	close(gate)
	flush(t, w)

	assert.Equal(t, int64(5), last.Load())
	assert.LessOrEqual(t, calls.Load(), int64(2))
	assert.GreaterOrEqual(t, w.Stats().Coalesced, uint64(3))
}

func TestWriterRetriesThenGivesUp(t *testing.T) {
	var failedKey string
	var failures atomic.Int64
	w := NewWriter(Config{
		MaxAttempts:      3,
		Backoff:          time.Millisecond,
		BreakerThreshold: 100,
		OnFailure: func(key string, err error) {
			failedKey = key
			failures.Add(1)
		},
	})
	defer w.Close()

	var calls atomic.Int64
	w.Submit("capital", func(context.Context) error {
		calls.Add(1)
		return errors.New("disk full")
	})
	flush(t, w)

	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, int64(1), failures.Load())
	assert.Equal(t, "capital", failedKey)
	stats := w.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(2), stats.Retries)
}

func TestWriterRetrySucceeds(t *testing.T) {
	w := NewWriter(Config{MaxAttempts: 3, Backoff: time.Millisecond})
	defer w.Close()

	var calls atomic.Int64
	w.Submit("k", func(context.Context) error {
		if calls.Add(1) < 2 {
			return errors.New("busy")
		}
		return nil
	})
	flush(t, w)

	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, uint64(1), w.Stats().Written)
	assert.Zero(t, w.Stats().Failed)
}

func TestWriterQueueFullDrops(t *testing.T) {
	w := NewWriter(Config{QueueSize: 1})
	defer w.Close()

	gate := make(chan struct{})
	started := make(chan struct{})
	w.Submit("block", func(context.Context) error {
		close(started)
		<-gate
		return nil
	})
	<-started

	assert.True(t, w.Submit("a", func(context.Context) error { return nil }))
	assert.False(t, w.Submit("b", func(context.Context) error { return nil }))
	close(gate)
	flush(t, w)
	assert.Equal(t, uint64(1), w.Stats().Dropped)
}

func TestWriterCloseDrainsAndRejects(t *testing.T) {
	w := NewWriter(Config{})
	var calls atomic.Int64
	for _, k := range []string{"a", "b"} {
		w.Submit(k, func(context.Context) error {
			calls.Add(1)
			return nil
		})
	}
	require.NoError(t, w.Close())
	assert.Equal(t, int64(2), calls.Load())
	assert.False(t, w.Submit("c", func(context.Context) error { return nil }))
	assert.NoError(t, w.Close())
}

func TestNilWriterIsInert(t *testing.T) {
	var w *Writer
	assert.False(t, w.Submit("k", func(context.Context) error { return nil }))
	assert.NoError(t, w.Close())
}
