package persistence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"moonwatch/internal/logger"
	"moonwatch/internal/pkg/circuit"

	"golang.org/x/time/rate"
)

// Op is one durable write. It must be safe to run more than once.
type Op = func(ctx context.Context) error

// Config tunes the background writer.
type Config struct {
	QueueSize        int
	MaxAttempts      int
	Backoff          time.Duration
	WritesPerSecond  float64
	BreakerThreshold int
	BreakerCooldown  time.Duration
	OpTimeout        time.Duration
	// OnFailure is called after an op exhausted its attempts.
	OnFailure func(key string, err error)
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 200 * time.Millisecond
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 10 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 5 * time.Second
	}
}

// Stats are cumulative counters since start.
type Stats struct {
	Submitted  uint64 `json:"submitted"`
	Coalesced  uint64 `json:"coalesced"`
	Written    uint64 `json:"written"`
	Retries    uint64 `json:"retries"`
	Failed     uint64 `json:"failed"`
	Dropped    uint64 `json:"dropped"`
	Superseded uint64 `json:"superseded"`
	Pending    int    `json:"pending"`
}

var ErrClosed = errors.New("persistence writer closed")

// Writer runs durable writes off the caller's goroutine. Ops are keyed; a
// newer op for a key replaces a queued older one, so the store converges on
// the latest in-memory state. A single worker drains the queue in FIFO key
// order with bounded retry, a rate limit and a circuit breaker.
type Writer struct {
	cfg     Config
	limiter *rate.Limiter
	breaker *circuit.Breaker

	mu       sync.Mutex
	pending  map[string]Op
	order    []string
	inflight string
	gen      map[string]uint64
	closed   bool

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	submitted, coalesced, written, retries, failed, dropped, superseded atomic.Uint64
}

func NewWriter(cfg Config) *Writer {
	cfg.applyDefaults()
	limit := rate.Inf
	if cfg.WritesPerSecond > 0 {
		limit = rate.Limit(cfg.WritesPerSecond)
	}
	w := &Writer{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		breaker: circuit.NewBreaker("persistence", cfg.BreakerThreshold, cfg.BreakerCooldown),
		pending: make(map[string]Op),
		gen:     make(map[string]uint64),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Submit queues op under key and returns immediately. It reports false when
// the writer is closed or the queue is full.
func (w *Writer) Submit(key string, op Op) bool {
	if w == nil || op == nil {
		return false
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.submitted.Add(1)
	w.gen[key]++
	if _, queued := w.pending[key]; queued {
		w.pending[key] = op
		w.coalesced.Add(1)
		w.mu.Unlock()
		w.wake()
		return true
	}
	if len(w.order) >= w.cfg.QueueSize {
		w.dropped.Add(1)
		w.mu.Unlock()
		logger.Warnf("persistence: queue full (%d), dropping write %s", w.cfg.QueueSize, key)
		return false
	}
	w.pending[key] = op
	w.order = append(w.order, key)
	w.mu.Unlock()
	w.wake()
	return true
}

// Flush blocks until everything queued so far has been attempted.
func (w *Writer) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		w.mu.Lock()
		idle := len(w.order) == 0 && w.inflight == ""
		w.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops accepting ops, gives each queued op one final attempt and
// waits for the worker to exit.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	close(w.done)
	w.wg.Wait()
	return nil
}

func (w *Writer) Stats() Stats {
	w.mu.Lock()
	pending := len(w.order)
	w.mu.Unlock()
	return Stats{
		Submitted:  w.submitted.Load(),
		Coalesced:  w.coalesced.Load(),
		Written:    w.written.Load(),
		Retries:    w.retries.Load(),
		Failed:     w.failed.Load(),
		Dropped:    w.dropped.Load(),
		Superseded: w.superseded.Load(),
		Pending:    pending,
	}
}

func (w *Writer) wake() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *Writer) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			w.drain()
			return
		case <-w.notify:
		}
		for {
			key, op, gen, ok := w.next()
			if !ok {
				break
			}
			w.run(key, op, gen)
			select {
			case <-w.done:
				w.drain()
				return
			default:
			}
		}
	}
}

func (w *Writer) next() (string, Op, uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.order) == 0 {
		return "", nil, 0, false
	}
	key := w.order[0]
	w.order = w.order[1:]
	op := w.pending[key]
	delete(w.pending, key)
	w.inflight = key
	return key, op, w.gen[key], true
}

func (w *Writer) finish() {
	w.mu.Lock()
	w.inflight = ""
	w.mu.Unlock()
}

// stale reports whether a newer op for key arrived after gen was taken.
func (w *Writer) stale(key string, gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gen[key] != gen
}

func (w *Writer) run(key string, op Op, gen uint64) {
	defer w.finish()
	var err error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if w.stale(key, gen) {
				w.superseded.Add(1)
				return
			}
			w.retries.Add(1)
			if !w.sleep(time.Duration(attempt-1) * w.cfg.Backoff) {
				break
			}
		}
		if !w.breaker.Allow() {
			// Park the op until the breaker half-opens; attempts are not spent.
			w.sleep(w.cfg.Backoff)
			w.requeue(key, op)
			return
		}
		if err = w.attempt(op); err == nil {
			w.breaker.RecordSuccess()
			w.written.Add(1)
			return
		}
		w.breaker.RecordFailure()
		logger.Debugf("persistence: write %s attempt %d/%d failed: %v", key, attempt, w.cfg.MaxAttempts, err)
	}
	w.fail(key, err)
}

// requeue puts op back at the tail unless a newer op for key is queued.
func (w *Writer) requeue(key string, op Op) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, queued := w.pending[key]; queued {
		return
	}
	w.pending[key] = op
	w.order = append(w.order, key)
}

func (w *Writer) attempt(op Op) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.OpTimeout)
	defer cancel()
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	return op(ctx)
}

func (w *Writer) fail(key string, err error) {
	if err == nil {
		err = ErrClosed
	}
	w.failed.Add(1)
	logger.Warnf("persistence: giving up on %s: %v", key, err)
	if w.cfg.OnFailure != nil {
		w.cfg.OnFailure(key, err)
	}
}

// sleep waits d unless the writer is closing.
func (w *Writer) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-w.done:
		return false
	}
}

func (w *Writer) drain() {
	for {
		key, op, _, ok := w.next()
		if !ok {
			return
		}
		if err := w.attempt(op); err != nil {
			w.fail(key, err)
		} else {
			w.written.Add(1)
		}
		w.finish()
	}
}
