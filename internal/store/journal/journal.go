package journal

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"moonwatch/internal/feed"
	"moonwatch/internal/logger"

	_ "modernc.org/sqlite"
)

// Journal is an append-only audit log of feed events and actor envelopes.
type Journal struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// EnvelopeRecord is one journaled actor message or fact.
type EnvelopeRecord struct {
	// Row is the insertion cursor; LoadEnvelopes pages on it.
	Row       int64
	ID        string
	Type      string
	Contract  string
	Payload   []byte
	CreatedAt time.Time
}

// Submitter runs keyed writes in the background.
type Submitter interface {
	Submit(key string, op func(ctx context.Context) error) bool
}

func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db, path: path}, nil
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS feed_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			seq INTEGER NOT NULL DEFAULT 0,
			ts INTEGER NOT NULL,
			contract TEXT NOT NULL,
			state TEXT NOT NULL,
			text TEXT,
			roi REAL NOT NULL DEFAULT 0,
			peak REAL NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS envelopes (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			contract TEXT NOT NULL,
			payload TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_feed_events_ts ON feed_events(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_feed_events_contract ON feed_events(contract);`,
		`CREATE INDEX IF NOT EXISTS idx_envelopes_created ON envelopes(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("journal schema: %w", err)
		}
	}
	return nil
}

func (j *Journal) conn() *sql.DB {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.db
}

func (j *Journal) AppendEvent(ctx context.Context, evt feed.Event) error {
	db := j.conn()
	if db == nil {
		return fmt.Errorf("journal closed")
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO feed_events (seq, ts, contract, state, text, roi, peak) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.Seq, evt.TS, evt.Contract, evt.State, evt.Text, evt.ROI, evt.Peak)
	return err
}

// EventsSince returns journaled events with ts strictly after since,
// oldest first. limit <= 0 means 500.
func (j *Journal) EventsSince(ctx context.Context, since int64, limit int) ([]feed.Event, error) {
	db := j.conn()
	if db == nil {
		return nil, fmt.Errorf("journal closed")
	}
	if limit <= 0 {
		limit = 500
	}
	return scanEvents(db.QueryContext(ctx,
		`SELECT seq, ts, contract, state, COALESCE(text, ''), roi, peak FROM feed_events
		 WHERE ts > ? ORDER BY ts ASC, id ASC LIMIT ?`, since, limit))
}

// EventsBefore returns events with ts after since and Seq below before, in
// Seq order. before == 0 means no upper bound.
func (j *Journal) EventsBefore(ctx context.Context, since int64, before uint64, limit int) ([]feed.Event, error) {
	db := j.conn()
	if db == nil {
		return nil, fmt.Errorf("journal closed")
	}
	if limit <= 0 {
		limit = 500
	}
	bound := int64(math.MaxInt64)
	if before > 0 {
		bound = int64(before)
	}
	return scanEvents(db.QueryContext(ctx,
		`SELECT seq, ts, contract, state, COALESCE(text, ''), roi, peak FROM feed_events
		 WHERE ts > ? AND seq < ? ORDER BY seq ASC, id ASC LIMIT ?`, since, bound, limit))
}

// LastSeq is the highest journaled Seq, 0 for an empty journal.
func (j *Journal) LastSeq(ctx context.Context) (uint64, error) {
	db := j.conn()
	if db == nil {
		return 0, fmt.Errorf("journal closed")
	}
	var seq int64
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM feed_events`).Scan(&seq); err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

func scanEvents(rows *sql.Rows, err error) ([]feed.Event, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []feed.Event
	for rows.Next() {
		var evt feed.Event
		if err := rows.Scan(&evt.Seq, &evt.TS, &evt.Contract, &evt.State, &evt.Text, &evt.ROI, &evt.Peak); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (j *Journal) AppendEnvelope(ctx context.Context, rec EnvelopeRecord) error {
	db := j.conn()
	if db == nil {
		return fmt.Errorf("journal closed")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO envelopes (id, type, contract, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Type, rec.Contract, string(rec.Payload), rec.CreatedAt.UnixMilli())
	return err
}

// LoadEnvelopes returns up to limit envelopes inserted after row afterRow,
// in insertion order. Pass 0 to start from the beginning.
func (j *Journal) LoadEnvelopes(ctx context.Context, afterRow int64, limit int) ([]EnvelopeRecord, error) {
	db := j.conn()
	if db == nil {
		return nil, fmt.Errorf("journal closed")
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := db.QueryContext(ctx,
		`SELECT rowid, id, type, contract, COALESCE(payload, ''), created_at FROM envelopes
		 WHERE rowid > ? ORDER BY rowid ASC LIMIT ?`, afterRow, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EnvelopeRecord
	for rows.Next() {
		var (
			rec     EnvelopeRecord
			payload string
			created int64
		)
		if err := rows.Scan(&rec.Row, &rec.ID, &rec.Type, &rec.Contract, &payload, &created); err != nil {
			return nil, err
		}
		rec.Payload = []byte(payload)
		rec.CreatedAt = time.UnixMilli(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

type sink struct {
	j   *Journal
	w   Submitter
	seq atomic.Uint64
}

// Sink journals every published event through w. Each event gets its own
// key so nothing is coalesced away.
func (j *Journal) Sink(w Submitter) feed.Sink {
	return &sink{j: j, w: w}
}

func (s *sink) Publish(evt feed.Event) {
	key := "journal:" + strconv.FormatUint(s.seq.Add(1), 10)
	if !s.w.Submit(key, func(ctx context.Context) error {
		return s.j.AppendEvent(ctx, evt)
	}) {
		logger.Warnf("journal: event %s/%s not queued", evt.Contract, evt.State)
	}
}
