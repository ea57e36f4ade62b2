package feed

import (
	"sync"
	"time"
)

// Event is one immutable entry on the feed. TS is unix milliseconds.
type Event struct {
	Seq      uint64  `json:"seq"`
	TS       int64   `json:"ts"`
	Contract string  `json:"contract"`
	State    string  `json:"state"`
	Text     string  `json:"text"`
	ROI      float64 `json:"roi"`
	Peak     float64 `json:"peak"`
}

// Sink accepts events. Implementations must not block the publisher.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(evt Event) { f(evt) }

// Discard drops everything.
var Discard Sink = SinkFunc(func(Event) {})

type fanout []Sink

func (f fanout) Publish(evt Event) {
	for _, s := range f {
		s.Publish(evt)
	}
}

// Fanout publishes every event to each non-nil sink in order.
func Fanout(sinks ...Sink) Sink {
	out := make(fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

const DefaultCapacity = 512

// Ring keeps the most recent events in a fixed-size buffer and pushes new
// ones to subscribers. Slow subscribers miss events rather than stall
// publishers.
type Ring struct {
	mu     sync.RWMutex
	buf    []Event
	next   int
	full   bool
	seq    uint64
	now    func() time.Time
	fwd    Sink
	subs   map[int]chan Event
	nextID int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		buf:  make([]Event, capacity),
		now:  time.Now,
		subs: make(map[int]chan Event),
	}
}

// Forward hands every stamped event to sinks after it is stored. Call it
// before the first Publish.
func (r *Ring) Forward(sinks ...Sink) {
	r.mu.Lock()
	r.fwd = Fanout(sinks...)
	r.mu.Unlock()
}

// Resume continues numbering after seq, e.g. the last journaled one.
func (r *Ring) Resume(seq uint64) {
	r.mu.Lock()
	if seq > r.seq {
		r.seq = seq
	}
	r.mu.Unlock()
}

// Publish stores evt, stamping Seq and, when missing, TS, then forwards it.
func (r *Ring) Publish(evt Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.seq++
	evt.Seq = r.seq
	if evt.TS == 0 {
		evt.TS = r.now().UnixMilli()
	}
	r.buf[r.next] = evt
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	for _, ch := range r.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	fwd := r.fwd
	r.mu.Unlock()
	if fwd != nil {
		fwd.Publish(evt)
	}
}

// Oldest returns the oldest retained event.
func (r *Ring) Oldest() (Event, bool) {
	if r == nil {
		return Event{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch {
	case r.full:
		return r.buf[r.next], true
	case r.next > 0:
		return r.buf[0], true
	default:
		return Event{}, false
	}
}

// Since returns retained events with TS strictly after ts, oldest first.
func (r *Ring) Since(ts int64) []Event {
	all := r.snapshot()
	out := all[:0]
	for _, evt := range all {
		if evt.TS > ts {
			out = append(out, evt)
		}
	}
	return out
}

// Recent returns up to n of the newest events, oldest first.
func (r *Ring) Recent(n int) []Event {
	all := r.snapshot()
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// Len reports how many events are retained.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Subscribe returns a channel receiving future events and a cancel func
// that closes it.
func (r *Ring) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			close(ch)
			r.mu.Unlock()
		})
	}
}

func (r *Ring) snapshot() []Event {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.full {
		return append([]Event(nil), r.buf[:r.next]...)
	}
	out := make([]Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
