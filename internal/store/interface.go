package store

import (
	"context"

	"moonwatch/internal/store/model"
)

// UnitOfWork is one transaction scope.
type UnitOfWork interface {
	Commit() error
	Rollback() error

	Memories() MemoryRepository
	Capital() CapitalRepository
	Results() ResultRepository
}

// Store is the entry point for durable state.
type Store interface {
	Begin(ctx context.Context) (UnitOfWork, error)
	Close() error
}

type MemoryRepository interface {
	Upsert(ctx context.Context, rec *model.SymbolMemoryModel) error
	Find(ctx context.Context, symbol, side string) (*model.SymbolMemoryModel, error)
	ListAll(ctx context.Context) ([]model.SymbolMemoryModel, error)
}

type CapitalRepository interface {
	Save(ctx context.Context, state *model.CapitalStateModel) error
	Load(ctx context.Context) (*model.CapitalStateModel, error)
}

type ResultRepository interface {
	Insert(ctx context.Context, res *model.TradeResultModel) error
	ListRecent(ctx context.Context, contract string, limit int) ([]model.TradeResultModel, error)
}
