package ports

import (
	"context"

	"github.com/tushaar82/velox-engine/internal/domain"
	"github.com/tushaar82/velox-engine/internal/events"
)

// Small capability interfaces shared across layers (router/ledger/dispatcher).
// 核心只依赖这些窄接口，不依赖任何具体实现。

// BrokerOrder 发往券商连接器的订单请求
type BrokerOrder struct {
	VenueSymbol string // venue 原生标的标识
	Exchange    string // 交易所代码
	Side        domain.Side
	Quantity    int64
	Kind        domain.OrderKind
	LimitPrice  float64 // 0 表示未设置
	StopPrice   float64 // 0 表示未设置
	ClientTag   string  // 内部订单 ID，回传用
}

// BrokerAck 券商受理回执
type BrokerAck struct {
	ExternalOrderID string
	Status          string // venue 原生状态字符串
}

// BrokerConnector 券商连接器（注入，按券商名区分）
// Order Router 只依赖此接口，从不依赖具体券商实现。
type BrokerConnector interface {
	Connect(ctx context.Context, credentials map[string]string) error
	IsConnected() bool
	PlaceOrder(ctx context.Context, req BrokerOrder) (*BrokerAck, error)
	CancelOrder(ctx context.Context, externalOrderID string) error
	GetOrderStatus(ctx context.Context, externalOrderID string) (string, error)
}

// MappingDetails venue 侧标的参数
type MappingDetails struct {
	Exchange string
	LotSize  int64
	TickSize float64
}

// SymbolMapper 标准标的 -> venue 原生标识映射（注入）
// 映射缺失对 live 订单是硬拒绝。
type SymbolMapper interface {
	// GetVenueSymbol 返回 venue 原生标识；未映射返回 ("", false, nil)
	GetVenueSymbol(ctx context.Context, broker, symbol string) (string, bool, error)
	GetMappingDetails(ctx context.Context, broker, symbol string) (*MappingDetails, error)
}

// RiskChecker 风控检查（注入，fire-and-forget）
// 每次影响盈亏的变更后调用；核心不消费返回值。
type RiskChecker interface {
	CheckLossLimit(accountID string, mode domain.TradingMode)
}

// BroadcastSink 仓位/订单/行情事件的下游分发（注入）
// 核心只生产事件，不关心投递结果。
type BroadcastSink interface {
	PublishTick(ev *events.TickEvent)
	PublishPositionUpdate(position *domain.Position)
	PublishOrderUpdate(order *domain.Order)
}
