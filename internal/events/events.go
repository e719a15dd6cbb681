package events

import (
	"time"

	"github.com/tushaar82/velox-engine/internal/domain"
)

// TickEvent 价格 tick 事件
type TickEvent struct {
	Symbol    string
	Price     float64
	Mode      domain.TradingMode
	Timestamp time.Time
}

// OrderFilledEvent 订单成交事件（Order 为成交后的订单快照）
type OrderFilledEvent struct {
	Order     *domain.Order
	Timestamp time.Time
}

// OrderRejectedEvent 订单拒绝事件
type OrderRejectedEvent struct {
	Order     *domain.Order
	Timestamp time.Time
}

// PositionOpenedEvent 开仓事件
type PositionOpenedEvent struct {
	Position  *domain.Position
	Timestamp time.Time
}

// PositionUpdatedEvent 仓位变更事件（加仓/减仓/价格标记）
type PositionUpdatedEvent struct {
	Position  *domain.Position
	Timestamp time.Time
}

// PositionClosedEvent 平仓事件
type PositionClosedEvent struct {
	Position    *domain.Position
	RealizedPnL float64
	Timestamp   time.Time
}

// StopTriggeredEvent 追踪止损触发事件
// Position 是触发时刻的快照。
type StopTriggeredEvent struct {
	Position  *domain.Position
	StopPrice float64
	Price     float64
	Timestamp time.Time
}
