package trader

import (
	"encoding/json"
	"fmt"
	"time"

	"moonwatch/internal/logger"
	"moonwatch/internal/types"

	"github.com/google/uuid"
)

// Orphans returns positions whose opened fact has neither a closed nor an
// abandoned fact after it: they were live when the process went down and
// their trackers are gone. Oldest first.
func Orphans(store EventStore) ([]Position, error) {
	if store == nil {
		return nil, nil
	}
	envs, err := store.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load envelopes: %w", err)
	}
	open := make(map[string]Position)
	var order []string
	for _, env := range envs {
		switch env.Type {
		case EvtPositionOpened:
			var pos Position
			if err := json.Unmarshal(env.Payload, &pos); err != nil || pos.ID == "" {
				logger.Warnf("Trader: skipping unreadable opened fact %s: %v", env.ID, err)
				continue
			}
			if _, seen := open[pos.ID]; !seen {
				order = append(order, pos.ID)
			}
			open[pos.ID] = pos
		case EvtPositionClosed:
			var res types.Result
			if err := json.Unmarshal(env.Payload, &res); err != nil {
				logger.Warnf("Trader: skipping unreadable closed fact %s: %v", env.ID, err)
				continue
			}
			delete(open, res.PositionID)
		case EvtPositionAbandoned:
			var pos Position
			if err := json.Unmarshal(env.Payload, &pos); err != nil {
				logger.Warnf("Trader: skipping unreadable abandoned fact %s: %v", env.ID, err)
				continue
			}
			delete(open, pos.ID)
		}
	}
	out := make([]Position, 0, len(open))
	for _, id := range order {
		if pos, ok := open[id]; ok {
			out = append(out, pos)
		}
	}
	return out, nil
}

// Abandon records that pos will never settle, so later Orphans calls skip it.
func Abandon(store EventStore, pos Position, at time.Time) error {
	if store == nil {
		return nil
	}
	raw, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("failed to marshal abandoned position: %w", err)
	}
	return store.Append(EventEnvelope{
		ID:        uuid.NewString(),
		Type:      EvtPositionAbandoned,
		Payload:   raw,
		CreatedAt: at,
		Contract:  pos.Contract,
	})
}
