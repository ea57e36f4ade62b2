package trader

import (
	"encoding/json"
	"errors"
	"time"

	"moonwatch/internal/strategy/exit"
	"moonwatch/internal/types"
)

var (
	ErrTrackerExists = errors.New("position already tracked for contract")
	ErrNoTracker     = errors.New("no position tracked for contract")
	ErrEntryBlocked  = errors.New("new entries blocked by capital preservation")
	ErrInvalidSignal = errors.New("invalid open signal")
	ErrStopped       = errors.New("trader is stopped")
)

// State is the lifecycle stage of a tracked position. States only move
// forward; a closed contract needs a new position.
type State string

const (
	StateOpened    State = "OPENED"
	StatePursuit   State = "PURSUIT"
	StateTP1Taken  State = "TP1_TAKEN"
	StateTrailing  State = "TRAILING"
	StateMoon      State = "MOON"
	StateTrailExit State = "TRAIL_EXIT"
	StateSLHit     State = "SL_HIT"
	StateClosed    State = "CLOSED"
)

var stateRank = map[State]int{
	StateOpened:    0,
	StatePursuit:   1,
	StateTP1Taken:  2,
	StateTrailing:  3,
	StateMoon:      4,
	StateTrailExit: 5,
	StateSLHit:     5,
	StateClosed:    6,
}

// Terminal reports whether no further ticks are processed in s.
func (s State) Terminal() bool {
	return s == StateTrailExit || s == StateSLHit || s == StateClosed
}

// Tick is one price observation for a contract.
type Tick struct {
	Contract  string    `json:"contract"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// OpenSignal asks for a new position to be tracked. A nil Confidence means
// the configured default.
type OpenSignal struct {
	Contract   string         `json:"contract"`
	Side       string         `json:"side"`
	EntryPrice float64        `json:"entry_price"`
	Confidence *float64       `json:"confidence,omitempty"`
	Regime     string         `json:"regime,omitempty"`
	Stake      float64        `json:"stake,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// TrendUpdate carries the latest trend phase for a contract.
type TrendUpdate struct {
	Contract string          `json:"contract"`
	Phase    exit.TrendPhase `json:"phase"`
}

type CloseRequest struct {
	Contract string           `json:"contract"`
	Reason   types.ExitReason `json:"reason"`
}

// Position is the tracked state of one open trade.
type Position struct {
	ID            string          `json:"id"`
	Contract      string          `json:"contract"`
	Side          types.Side      `json:"side"`
	EntryPrice    float64         `json:"entry_price"`
	Confidence    float64         `json:"confidence"`
	RawConfidence float64         `json:"raw_confidence"`
	Regime        exit.Regime     `json:"regime"`
	State         State           `json:"state"`
	ROI           float64         `json:"roi"`
	PeakROI       float64         `json:"peak_roi"`
	TargetPct     float64         `json:"target_pct"`
	TookTP1       bool            `json:"took_tp1"`
	TrailActive   bool            `json:"trail_active"`
	ROIAtTP1      float64         `json:"roi_at_tp1"`
	Moon          bool            `json:"moon"`
	TrendPhase    exit.TrendPhase `json:"trend_phase"`
	Stake         float64         `json:"stake,omitempty"`
	Meta          map[string]any  `json:"meta,omitempty"`
	Ticks         int             `json:"ticks"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedAt      time.Time       `json:"closed_at,omitempty"`
	LastTickAt    time.Time       `json:"last_tick_at,omitempty"`
	Status        string          `json:"status"`
}

func (p Position) clone() Position {
	p.Meta = types.CloneMeta(p.Meta)
	return p
}

// EventType names a message handled by a contract actor.
type EventType string

const (
	EvtPositionOpen  EventType = "POSITION_OPEN"
	EvtPriceTick     EventType = "PRICE_TICK"
	EvtTrendUpdate   EventType = "TREND_UPDATE"
	EvtPositionClose EventType = "POSITION_CLOSE"

	// Facts appended to the event store, never dispatched.
	EvtPositionOpened    EventType = "POSITION_OPENED"
	EvtPositionClosed    EventType = "POSITION_CLOSED"
	EvtPositionAbandoned EventType = "POSITION_ABANDONED"
)

// EventEnvelope is the message unit of a contract actor's mailbox.
type EventEnvelope struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Contract  string          `json:"contract"`

	ReplyCh chan error `json:"-"`
}
