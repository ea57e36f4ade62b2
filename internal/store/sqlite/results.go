package sqlite

import (
	"context"
	"errors"

	"moonwatch/internal/store/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type resultRepository struct {
	db *gorm.DB
}

func NewResultRepo(db *gorm.DB) *resultRepository {
	return &resultRepository{db: db}
}

// Insert stores a result once; a replay of the same position is ignored.
func (r *resultRepository) Insert(ctx context.Context, res *model.TradeResultModel) error {
	if res == nil {
		return errors.New("trade result cannot be nil")
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "position_id"}},
		DoNothing: true,
	}).Create(res).Error
}

// ListRecent returns newest first, optionally for one contract.
func (r *resultRepository) ListRecent(ctx context.Context, contract string, limit int) ([]model.TradeResultModel, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.db.WithContext(ctx)
	if contract != "" {
		q = q.Where("contract = ?", contract)
	}
	var out []model.TradeResultModel
	if err := q.Order("closed_at DESC, id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
