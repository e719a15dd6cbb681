package ports

import (
	"context"

	"github.com/tushaar82/velox-engine/internal/domain"
)

// 持久化是外部协作者：核心只通过这些窄接口写审计行，
// 业务不变量在应用层保证，不假设底层存储强制约束。

// OrderStore 订单持久化
type OrderStore interface {
	SaveOrder(ctx context.Context, o *domain.Order) error
	UpdateOrder(ctx context.Context, o *domain.Order) error
}

// TradeStore 成交持久化（成交创建后不可变，只有插入）
type TradeStore interface {
	SaveTrade(ctx context.Context, t *domain.Trade) error
}

// PositionStore 仓位持久化
type PositionStore interface {
	SavePosition(ctx context.Context, p *domain.Position) error
	UpdatePosition(ctx context.Context, p *domain.Position) error
}
