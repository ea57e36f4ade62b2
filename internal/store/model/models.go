package model

import (
	"gorm.io/datatypes"
)

type SymbolMemoryModel struct {
	ID             int64          `gorm:"column:id;primaryKey"`
	Symbol         string         `gorm:"column:symbol;uniqueIndex:idx_symbol_memory,priority:1"`
	Side           string         `gorm:"column:side;uniqueIndex:idx_symbol_memory,priority:2"`
	Trades         int            `gorm:"column:trades"`
	Wins           int            `gorm:"column:wins"`
	Losses         int            `gorm:"column:losses"`
	Pending        int            `gorm:"column:pending"`
	LastResult     string         `gorm:"column:last_result"`
	LastDelta      float64        `gorm:"column:last_delta"`
	LastConfidence float64        `gorm:"column:last_confidence"`
	CurrentStreak  int            `gorm:"column:current_streak"`
	Meta           datatypes.JSON `gorm:"column:meta;type:TEXT"`
	UpdatedAtUnix  int64          `gorm:"column:updated_at"`
}

func (SymbolMemoryModel) TableName() string { return "symbol_memory" }

// CapitalStateModel is a single-row table; money columns hold decimal text.
type CapitalStateModel struct {
	ID                int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	TotalCapital      string `gorm:"column:total_capital;type:TEXT"`
	CapitalUsed       string `gorm:"column:capital_used;type:TEXT"`
	ProfitRecycled    string `gorm:"column:profit_recycled;type:TEXT"`
	ConsecutiveWins   int    `gorm:"column:consecutive_wins"`
	ConsecutiveLosses int    `gorm:"column:consecutive_losses"`
	CapitalScore      int    `gorm:"column:capital_score"`
	PreservationMode  bool   `gorm:"column:preservation_mode"`
	UpdatedAtUnix     int64  `gorm:"column:updated_at"`
}

func (CapitalStateModel) TableName() string { return "capital_state" }

const CapitalStateRowID int64 = 1

type TradeResultModel struct {
	ID               int64          `gorm:"column:id;primaryKey"`
	PositionID       string         `gorm:"column:position_id;uniqueIndex"`
	Contract         string         `gorm:"column:contract;index"`
	Side             string         `gorm:"column:side"`
	Result           string         `gorm:"column:result"`
	Reason           string         `gorm:"column:reason"`
	ROIAtExit        float64        `gorm:"column:roi_at_exit"`
	ConfidenceAtOpen float64        `gorm:"column:confidence_at_open"`
	TookTP1          bool           `gorm:"column:took_tp1"`
	ROIAtTP1         float64        `gorm:"column:roi_at_tp1"`
	PeakROI          float64        `gorm:"column:peak_roi"`
	Stake            float64        `gorm:"column:stake"`
	Meta             datatypes.JSON `gorm:"column:meta;type:TEXT"`
	OpenedAtUnix     int64          `gorm:"column:opened_at"`
	ClosedAtUnix     int64          `gorm:"column:closed_at;index"`
}

func (TradeResultModel) TableName() string { return "trade_results" }
