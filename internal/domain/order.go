package domain

import (
	"time"

	"github.com/google/uuid"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Invert 返回相反方向（用于生成出场订单）
func (s Side) Invert() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderKind 订单类型
type OrderKind string

const (
	OrderKindMarket    OrderKind = "market"
	OrderKindLimit     OrderKind = "limit"
	OrderKindStop      OrderKind = "stop"
	OrderKindStopLimit OrderKind = "stop_limit"
)

// TradingMode 交易模式（paper=本地模拟，live=真实券商）
// 订单创建后不可变更。
type TradingMode string

const (
	ModePaper TradingMode = "paper"
	ModeLive  TradingMode = "live"
)

// OrderStatus 订单状态
// 生命周期：pending -> submitted -> filled | cancelled | rejected
// 终态订单不可再被修改。
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Order 订单领域模型
type Order struct {
	ID         string      // 订单 ID
	AccountID  string      // 账户 ID
	StrategyID string      // 策略 ID（可选）
	Symbol     string      // 标的代码
	Side       Side        // 订单方向
	Quantity   int64       // 订单数量（正整数）
	Kind       OrderKind   // 订单类型
	LimitPrice *float64    // 限价（limit/stop_limit 必填）
	StopPrice  *float64    // 触发价（stop/stop_limit 必填）
	Mode       TradingMode // 交易模式（创建后不可变）
	Status     OrderStatus // 订单状态

	FilledQuantity int64   // 已成交数量
	AvgFillPrice   float64 // 平均成交价格

	// StopTriggered 标记 stop/stop_limit 订单已触发：
	// 触发后的 stop_limit 按挂单限价继续撮合，不再检查触发价。
	StopTriggered bool

	ExternalOrderID string // 券商侧订单 ID（live 模式）

	CreatedAt   time.Time
	UpdatedAt   time.Time
	SubmittedAt time.Time // 提交到 venue 的时间（超时扫描用）
}

// NewOrderID 生成订单 ID
func NewOrderID() string {
	return "ord_" + uuid.NewString()
}

// IsTerminal 检查订单是否处于终态
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusFilled ||
		o.Status == OrderStatusCancelled ||
		o.Status == OrderStatusRejected
}

// IsCancellable 只有 pending/submitted 订单可以取消
func (o *Order) IsCancellable() bool {
	return o.Status == OrderStatusPending || o.Status == OrderStatusSubmitted
}

// Validate 校验订单请求（快速失败，校验失败不落库）
func (o *Order) Validate() error {
	if o.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "symbol is required"}
	}
	if o.AccountID == "" {
		return &ValidationError{Field: "account_id", Symbol: o.Symbol, Reason: "account is required"}
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return &ValidationError{Field: "side", Symbol: o.Symbol, Reason: "side must be buy or sell"}
	}
	if o.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Symbol: o.Symbol, Reason: "quantity must be positive"}
	}
	switch o.Kind {
	case OrderKindMarket:
	case OrderKindLimit:
		if o.LimitPrice == nil {
			return &ValidationError{Field: "limit_price", Symbol: o.Symbol, Reason: "limit order requires limit price"}
		}
	case OrderKindStop:
		if o.StopPrice == nil {
			return &ValidationError{Field: "stop_price", Symbol: o.Symbol, Reason: "stop order requires stop price"}
		}
	case OrderKindStopLimit:
		if o.StopPrice == nil {
			return &ValidationError{Field: "stop_price", Symbol: o.Symbol, Reason: "stop-limit order requires stop price"}
		}
		if o.LimitPrice == nil {
			return &ValidationError{Field: "limit_price", Symbol: o.Symbol, Reason: "stop-limit order requires limit price"}
		}
	default:
		return &ValidationError{Field: "kind", Symbol: o.Symbol, Reason: "unknown order kind: " + string(o.Kind)}
	}
	if o.LimitPrice != nil && *o.LimitPrice <= 0 {
		return &ValidationError{Field: "limit_price", Symbol: o.Symbol, Reason: "limit price must be positive"}
	}
	if o.StopPrice != nil && *o.StopPrice <= 0 {
		return &ValidationError{Field: "stop_price", Symbol: o.Symbol, Reason: "stop price must be positive"}
	}
	if o.Mode != ModePaper && o.Mode != ModeLive {
		return &ValidationError{Field: "mode", Symbol: o.Symbol, Reason: "mode must be paper or live"}
	}
	return nil
}
