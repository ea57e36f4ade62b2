package sqlite

import (
	"context"
	"errors"

	"moonwatch/internal/store/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type memoryRepository struct {
	db *gorm.DB
}

func NewMemoryRepo(db *gorm.DB) *memoryRepository {
	return &memoryRepository{db: db}
}

// Upsert writes the row for (symbol, side), replacing every column.
func (r *memoryRepository) Upsert(ctx context.Context, rec *model.SymbolMemoryModel) error {
	if rec == nil {
		return errors.New("memory record cannot be nil")
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "side"}},
		UpdateAll: true,
	}).Create(rec).Error
}

// Find returns nil, nil when nothing is stored.
func (r *memoryRepository) Find(ctx context.Context, symbol, side string) (*model.SymbolMemoryModel, error) {
	var rec model.SymbolMemoryModel
	err := r.db.WithContext(ctx).Where("symbol = ? AND side = ?", symbol, side).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *memoryRepository) ListAll(ctx context.Context) ([]model.SymbolMemoryModel, error) {
	var recs []model.SymbolMemoryModel
	if err := r.db.WithContext(ctx).Order("symbol ASC, side ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}
