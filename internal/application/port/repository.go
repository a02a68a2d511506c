package port

import (
	"context"

	"fundarb/internal/domain/model"
)

// Repository 持久化端口
// 核心只发起单实体原子操作，不依赖跨实体事务
type Repository interface {
	// Opportunities：按 (symbol, long, short) 键 upsert，保证同键唯一 ACTIVE
	UpsertOpportunity(ctx context.Context, opp *model.ArbitrageOpportunity) error
	GetActiveOpportunity(ctx context.Context, symbol, longEx, shortEx string) (*model.ArbitrageOpportunity, error)
	ListActiveOpportunities(ctx context.Context, symbol string) ([]*model.ArbitrageOpportunity, error)
	InsertEndHistory(ctx context.Context, h *model.OpportunityEndHistory) error

	// Positions
	CreatePosition(ctx context.Context, pos *model.Position) error
	UpdatePosition(ctx context.Context, pos *model.Position) error
	GetPosition(ctx context.Context, id string) (*model.Position, error)
	ListPositionsByStatus(ctx context.Context, status string) ([]*model.Position, error)

	// Trades
	InsertTrade(ctx context.Context, tr *model.Trade) error

	Close() error
}
