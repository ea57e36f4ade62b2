package types

import (
	"strings"
	"time"

	"moonwatch/internal/pkg/symbol"
)

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// ParseSide accepts LONG/SHORT as well as BUY/SELL in any case.
func ParseSide(raw string) (Side, bool) {
	switch s := Side(symbol.NormalizeSide(raw)); s {
	case SideLong, SideShort:
		return s, true
	default:
		return "", false
	}
}

func (s Side) IsShort() bool { return s == SideShort }

type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
)

// OutcomeFor classifies an exit purely by the sign of its ROI.
func OutcomeFor(roi float64) Outcome {
	if roi > 0 {
		return OutcomeWin
	}
	return OutcomeLoss
}

func ParseOutcome(raw string) Outcome {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "win":
		return OutcomeWin
	case "loss":
		return OutcomeLoss
	default:
		return ""
	}
}

type ExitReason string

const (
	ExitStopLoss         ExitReason = "stop_loss"
	ExitTrailingDrawdown ExitReason = "trailing_drawdown"
	ExitMoonReversal     ExitReason = "moon_reversal"
	ExitManual           ExitReason = "manual"
)

// Result is emitted exactly once when a position reaches a terminal state.
type Result struct {
	PositionID       string         `json:"position_id"`
	Contract         string         `json:"contract"`
	Side             Side           `json:"side"`
	Result           Outcome        `json:"result"`
	ROIAtExit        float64        `json:"roi_at_exit"`
	ConfidenceAtOpen float64        `json:"confidence_at_open"`
	Meta             map[string]any `json:"meta,omitempty"`

	Reason   ExitReason `json:"reason"`
	TookTP1  bool       `json:"took_tp1"`
	ROIAtTP1 float64    `json:"roi_at_tp1,omitempty"`
	PeakROI  float64    `json:"peak_roi"`
	Stake    float64    `json:"stake,omitempty"`
	OpenedAt time.Time  `json:"opened_at"`
	ClosedAt time.Time  `json:"closed_at"`
}

func (r Result) Win() bool { return r.Result == OutcomeWin }

// CloneMeta copies a meta bag one level deep.
func CloneMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
