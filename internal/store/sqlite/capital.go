package sqlite

import (
	"context"
	"errors"

	"moonwatch/internal/store/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type capitalRepository struct {
	db *gorm.DB
}

func NewCapitalRepo(db *gorm.DB) *capitalRepository {
	return &capitalRepository{db: db}
}

func (r *capitalRepository) Save(ctx context.Context, state *model.CapitalStateModel) error {
	if state == nil {
		return errors.New("capital state cannot be nil")
	}
	state.ID = model.CapitalStateRowID
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(state).Error
}

// Load returns nil, nil before the first Save.
func (r *capitalRepository) Load(ctx context.Context) (*model.CapitalStateModel, error) {
	var state model.CapitalStateModel
	err := r.db.WithContext(ctx).Where("id = ?", model.CapitalStateRowID).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}
