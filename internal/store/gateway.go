package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"moonwatch/internal/logger"
	"moonwatch/internal/memory"
	"moonwatch/internal/risk"
	"moonwatch/internal/store/model"
	"moonwatch/internal/types"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Submitter runs keyed writes in the background.
type Submitter interface {
	Submit(key string, op func(ctx context.Context) error) bool
}

// Gateway maps domain state onto the repositories. It satisfies
// memory.Persister and risk.Persister.
type Gateway struct {
	store Store
}

func NewGateway(s Store) *Gateway {
	return &Gateway{store: s}
}

// withTx runs fn inside a unit of work, committing on success.
func (g *Gateway) withTx(ctx context.Context, fn func(UnitOfWork) error) (err error) {
	uow, err := g.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = uow.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := uow.Rollback(); rbErr != nil {
				logger.Warnf("store: rollback failed: %v", rbErr)
			}
		}
	}()
	if err = fn(uow); err != nil {
		return err
	}
	return uow.Commit()
}

func (g *Gateway) SaveMemory(ctx context.Context, rec memory.Record) error {
	row, err := memoryToModel(rec)
	if err != nil {
		return err
	}
	return g.withTx(ctx, func(uow UnitOfWork) error {
		return uow.Memories().Upsert(ctx, row)
	})
}

func (g *Gateway) LoadMemories(ctx context.Context) ([]memory.Record, error) {
	var rows []model.SymbolMemoryModel
	err := g.withTx(ctx, func(uow UnitOfWork) error {
		var err error
		rows, err = uow.Memories().ListAll(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]memory.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := memoryFromModel(row)
		if err != nil {
			logger.Warnf("store: skipping memory %s/%s: %v", row.Symbol, row.Side, err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (g *Gateway) SaveCapital(ctx context.Context, snap risk.Snapshot) error {
	row := &model.CapitalStateModel{
		TotalCapital:      snap.TotalCapital.String(),
		CapitalUsed:       snap.CapitalUsed.String(),
		ProfitRecycled:    snap.ProfitRecycled.String(),
		ConsecutiveWins:   snap.ConsecutiveWins,
		ConsecutiveLosses: snap.ConsecutiveLosses,
		CapitalScore:      snap.CapitalScore,
		PreservationMode:  snap.PreservationMode,
		UpdatedAtUnix:     snap.UpdatedAt.UnixMilli(),
	}
	return g.withTx(ctx, func(uow UnitOfWork) error {
		return uow.Capital().Save(ctx, row)
	})
}

func (g *Gateway) LoadCapital(ctx context.Context) (risk.Snapshot, bool, error) {
	var row *model.CapitalStateModel
	err := g.withTx(ctx, func(uow UnitOfWork) error {
		var err error
		row, err = uow.Capital().Load(ctx)
		return err
	})
	if err != nil || row == nil {
		return risk.Snapshot{}, false, err
	}
	total, err := parseDecimal(row.TotalCapital)
	if err != nil {
		return risk.Snapshot{}, false, fmt.Errorf("total_capital: %w", err)
	}
	used, err := parseDecimal(row.CapitalUsed)
	if err != nil {
		return risk.Snapshot{}, false, fmt.Errorf("capital_used: %w", err)
	}
	recycled, err := parseDecimal(row.ProfitRecycled)
	if err != nil {
		return risk.Snapshot{}, false, fmt.Errorf("profit_recycled: %w", err)
	}
	return risk.Snapshot{
		TotalCapital:      total,
		CapitalUsed:       used,
		ProfitRecycled:    recycled,
		ConsecutiveWins:   row.ConsecutiveWins,
		ConsecutiveLosses: row.ConsecutiveLosses,
		CapitalScore:      row.CapitalScore,
		PreservationMode:  row.PreservationMode,
		UpdatedAt:         time.UnixMilli(row.UpdatedAtUnix),
	}, true, nil
}

func (g *Gateway) AppendResult(ctx context.Context, res types.Result) error {
	meta, err := encodeMeta(res.Meta)
	if err != nil {
		return err
	}
	row := &model.TradeResultModel{
		PositionID:       res.PositionID,
		Contract:         res.Contract,
		Side:             string(res.Side),
		Result:           string(res.Result),
		Reason:           string(res.Reason),
		ROIAtExit:        res.ROIAtExit,
		ConfidenceAtOpen: res.ConfidenceAtOpen,
		TookTP1:          res.TookTP1,
		ROIAtTP1:         res.ROIAtTP1,
		PeakROI:          res.PeakROI,
		Stake:            res.Stake,
		Meta:             meta,
		OpenedAtUnix:     res.OpenedAt.UnixMilli(),
		ClosedAtUnix:     res.ClosedAt.UnixMilli(),
	}
	return g.withTx(ctx, func(uow UnitOfWork) error {
		return uow.Results().Insert(ctx, row)
	})
}

// ListResults returns recent results, newest first.
func (g *Gateway) ListResults(ctx context.Context, contract string, limit int) ([]types.Result, error) {
	var rows []model.TradeResultModel
	err := g.withTx(ctx, func(uow UnitOfWork) error {
		var err error
		rows, err = uow.Results().ListRecent(ctx, contract, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]types.Result, 0, len(rows))
	for _, row := range rows {
		res := types.Result{
			PositionID:       row.PositionID,
			Contract:         row.Contract,
			Side:             types.Side(row.Side),
			Result:           types.ParseOutcome(row.Result),
			ROIAtExit:        row.ROIAtExit,
			ConfidenceAtOpen: row.ConfidenceAtOpen,
			Reason:           types.ExitReason(row.Reason),
			TookTP1:          row.TookTP1,
			ROIAtTP1:         row.ROIAtTP1,
			PeakROI:          row.PeakROI,
			Stake:            row.Stake,
			OpenedAt:         time.UnixMilli(row.OpenedAtUnix),
			ClosedAt:         time.UnixMilli(row.ClosedAtUnix),
		}
		if meta, err := decodeMeta(row.Meta); err == nil {
			res.Meta = meta
		}
		out = append(out, res)
	}
	return out, nil
}

// ResultSink persists each result through w without blocking the caller.
func (g *Gateway) ResultSink(w Submitter) func(types.Result) {
	return func(res types.Result) {
		if !w.Submit("result:"+res.PositionID, func(ctx context.Context) error {
			return g.AppendResult(ctx, res)
		}) {
			logger.Warnf("store: result %s for %s not queued", res.PositionID, res.Contract)
		}
	}
}

func (g *Gateway) Close() error {
	if g == nil || g.store == nil {
		return nil
	}
	return g.store.Close()
}

func memoryToModel(rec memory.Record) (*model.SymbolMemoryModel, error) {
	meta, err := encodeMeta(rec.Meta)
	if err != nil {
		return nil, err
	}
	return &model.SymbolMemoryModel{
		Symbol:         rec.Symbol,
		Side:           rec.Side,
		Trades:         rec.Trades,
		Wins:           rec.Wins,
		Losses:         rec.Losses,
		Pending:        rec.Pending,
		LastResult:     string(rec.LastResult),
		LastDelta:      rec.LastDelta,
		LastConfidence: rec.LastConfidence,
		CurrentStreak:  rec.CurrentStreak,
		Meta:           meta,
		UpdatedAtUnix:  rec.UpdatedAt.UnixMilli(),
	}, nil
}

func memoryFromModel(row model.SymbolMemoryModel) (memory.Record, error) {
	meta, err := decodeMeta(row.Meta)
	if err != nil {
		return memory.Record{}, err
	}
	return memory.Record{
		Symbol:         row.Symbol,
		Side:           row.Side,
		Trades:         row.Trades,
		Wins:           row.Wins,
		Losses:         row.Losses,
		Pending:        row.Pending,
		LastResult:     types.ParseOutcome(row.LastResult),
		LastDelta:      row.LastDelta,
		LastConfidence: row.LastConfidence,
		CurrentStreak:  row.CurrentStreak,
		Meta:           meta,
		UpdatedAt:      time.UnixMilli(row.UpdatedAtUnix),
	}, nil
}

func encodeMeta(meta map[string]any) (datatypes.JSON, error) {
	if len(meta) == 0 {
		return datatypes.JSON("{}"), nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	return datatypes.JSON(raw), nil
}

func decodeMeta(raw datatypes.JSON) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
