package trader

import (
	"context"
	"encoding/json"
	"fmt"

	"moonwatch/internal/store/journal"
)

// SQLiteEventStore keeps envelopes in the shared journal database.
type SQLiteEventStore struct {
	j *journal.Journal
}

func NewSQLiteEventStore(j *journal.Journal) *SQLiteEventStore {
	return &SQLiteEventStore{j: j}
}

func (s *SQLiteEventStore) Append(evt EventEnvelope) error {
	if s.j == nil {
		return fmt.Errorf("sqlite store: journal is nil")
	}
	return s.j.AppendEnvelope(context.Background(), journal.EnvelopeRecord{
		ID:        evt.ID,
		Type:      string(evt.Type),
		Contract:  evt.Contract,
		Payload:   []byte(evt.Payload),
		CreatedAt: evt.CreatedAt,
	})
}

// LoadAll pages through the whole journal in insertion order.
func (s *SQLiteEventStore) LoadAll() ([]EventEnvelope, error) {
	if s.j == nil {
		return nil, fmt.Errorf("sqlite store: journal is nil")
	}
	ctx := context.Background()
	const limit = 1000
	var (
		after int64
		out   []EventEnvelope
	)
	for {
		recs, err := s.j.LoadEnvelopes(ctx, after, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to load events from sqlite: %w", err)
		}
		for _, r := range recs {
			out = append(out, EventEnvelope{
				ID:        r.ID,
				Type:      EventType(r.Type),
				Payload:   json.RawMessage(r.Payload),
				CreatedAt: r.CreatedAt,
				Contract:  r.Contract,
			})
		}
		if len(recs) < limit {
			break
		}
		after = recs[len(recs)-1].Row
	}
	return out, nil
}

// Close is a no-op; the journal is owned by the app.
func (s *SQLiteEventStore) Close() error {
	return nil
}
