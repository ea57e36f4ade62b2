package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingKeepsBoundedWindow(t *testing.T) {
	r := NewRing(3)
	for i := 1; i <= 5; i++ {
		r.Publish(Event{TS: int64(i), Contract: "BTCUSDT", State: "PURSUIT"})
	}
	assert.Equal(t, 3, r.Len())
	got := r.Recent(0)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{got[0].TS, got[1].TS, got[2].TS})
	assert.Equal(t, uint64(5), got[2].Seq)
}

func TestRingSince(t *testing.T) {
	r := NewRing(10)
	for i := 1; i <= 4; i++ {
		r.Publish(Event{TS: int64(i * 100)})
	}
	got := r.Since(200)
	require.Len(t, got, 2)
	assert.Equal(t, int64(300), got[0].TS)
	assert.Empty(t, r.Since(400))
	assert.Len(t, r.Recent(1), 1)
}

func TestRingStampsMissingTimestamp(t *testing.T) {
	r := NewRing(2)
	fixed := time.UnixMilli(1_700_000_000_000)
	r.now = func() time.Time { return fixed }
	r.Publish(Event{Contract: "ETHUSDT"})
	assert.Equal(t, fixed.UnixMilli(), r.Recent(1)[0].TS)
}

func TestSubscribeNeverBlocksPublisher(t *testing.T) {
	r := NewRing(8)
	ch, cancel := r.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			r.Publish(Event{TS: int64(i + 1)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
	evt := <-ch
	assert.Equal(t, int64(1), evt.TS)
}

func TestCancelClosesChannel(t *testing.T) {
	r := NewRing(2)
	ch, cancel := r.Subscribe(1)
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	r.Publish(Event{TS: 1})
}

func TestFanoutSkipsNil(t *testing.T) {
	var got []string
	s := Fanout(nil, SinkFunc(func(e Event) { got = append(got, e.State) }), Discard)
	s.Publish(Event{State: "CLOSED"})
	assert.Equal(t, []string{"CLOSED"}, got)
}

func TestRingForwardsStampedEvents(t *testing.T) {
	r := NewRing(2)
	r.Resume(41)
	var got []Event
	r.Forward(SinkFunc(func(e Event) { got = append(got, e) }))

	r.Publish(Event{TS: 10, State: "OPENED"})
	r.Publish(Event{TS: 20, State: "PURSUIT"})
	r.Publish(Event{TS: 30, State: "CLOSED"})

	require.Len(t, got, 3)
	assert.Equal(t, []uint64{42, 43, 44}, []uint64{got[0].Seq, got[1].Seq, got[2].Seq})
	oldest, ok := r.Oldest()
	require.True(t, ok)
	assert.Equal(t, uint64(43), oldest.Seq)

	r.Resume(5)
	r.Publish(Event{TS: 40})
	assert.Equal(t, uint64(45), got[3].Seq)
}

func TestOldestOnEmptyRing(t *testing.T) {
	_, ok := NewRing(4).Oldest()
	assert.False(t, ok)
}
