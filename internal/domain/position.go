package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// PositionSide 仓位方向（开仓时确定，不会翻转；完全平仓后再开是新仓位）
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// PositionSideForFill 由首笔成交方向推导仓位方向（buy->long，sell->short）
func PositionSideForFill(s Side) PositionSide {
	if s == SideBuy {
		return PositionLong
	}
	return PositionShort
}

// PositionStatus 仓位状态
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Position 仓位领域模型
// 不变量：Quantity == 0 当且仅当 ClosedAt 已设置；已平仓仓位的未实现盈亏恒为 0。
// 仓位由 Position Ledger 独占持有；追踪止损子状态由 Trailing-Stop Engine 维护，
// 但作为仓位记录的一部分持久化。
type Position struct {
	ID         string         // 仓位 ID
	AccountID  string         // 账户 ID
	StrategyID string         // 策略 ID（可选）
	Symbol     string         // 标的代码
	Side       PositionSide   // 仓位方向
	Quantity   int64          // 当前持仓数量（>=0，0 表示已平仓）
	EntryPrice float64        // 入场价格（数量加权平均成本）
	Mode       TradingMode    // 交易模式
	Status     PositionStatus // 仓位状态

	CurrentPrice  float64 // 最近一次标记价格
	UnrealizedPnL float64 // 未实现盈亏（每次价格更新重算）
	RealizedPnL   float64 // 已实现盈亏（平仓/减仓成交与手续费累计）

	TrailingStop *TrailingStop // 追踪止损配置（可选）

	OpenedAt  time.Time
	ClosedAt  *time.Time
	UpdatedAt time.Time
}

// TrailingStop 追踪止损子状态（固定四字段，不用开放 map）
// 不变量：long 仓位的 StopPrice 单调不减，short 仓位的 StopPrice 单调不增
// —— 棘轮只朝对持仓人有利的方向移动。
type TrailingStop struct {
	Enabled   bool    // 是否启用
	Percent   float64 // 追踪百分比（0 < p < 1）
	StopPrice float64 // 当前止损价
	Watermark float64 // long=最高价水位，short=最低价水位
	Triggered bool    // 已触发（对该配置为终态）
}

// NewPositionID 生成仓位 ID
func NewPositionID() string {
	return "pos_" + uuid.NewString()
}

// Round2 四舍五入到 2 位小数（货币口径）
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// IsOpen 检查仓位是否开放
func (p *Position) IsOpen() bool {
	return p.Status == PositionStatusOpen && p.Quantity > 0
}

// AddFill 同方向加仓：入场价更新为数量加权平均
// newEntry = (oldEntry*oldQty + fillPrice*fillQty) / (oldQty+fillQty)
// 手续费立即计入已实现亏损。
func (p *Position) AddFill(quantity int64, price, commission float64) {
	if quantity <= 0 {
		return
	}
	totalCost := p.EntryPrice*float64(p.Quantity) + price*float64(quantity)
	p.Quantity += quantity
	p.EntryPrice = totalCost / float64(p.Quantity)
	p.RealizedPnL = Round2(p.RealizedPnL - commission)
}

// ReduceFill 反方向成交（减仓/平仓）：
// 已实现盈亏增量 = (fillPrice-entry)*qty（long）或 (entry-fillPrice)*qty（short），再减手续费。
// 超过持仓数量的成交是错误（不静默截断）。数量减到 0 即平仓。
func (p *Position) ReduceFill(quantity int64, price, commission float64, at time.Time) error {
	if quantity > p.Quantity {
		return &OverfillError{PositionID: p.ID, Have: p.Quantity, Requested: quantity}
	}
	delta := p.pnlPerShare(price) * float64(quantity)
	p.RealizedPnL = Round2(p.RealizedPnL + delta - commission)
	p.Quantity -= quantity
	p.CurrentPrice = price
	if p.Quantity == 0 {
		closedAt := at
		p.ClosedAt = &closedAt
		p.Status = PositionStatusClosed
		p.UnrealizedPnL = 0
	} else {
		p.UnrealizedPnL = Round2(p.pnlPerShare(price) * float64(p.Quantity))
	}
	return nil
}

// Mark 按当前价格重算未实现盈亏；不触碰已实现盈亏。
// 返回（未实现盈亏，总盈亏=已实现+未实现）。
func (p *Position) Mark(price float64) (unrealized, total float64) {
	p.CurrentPrice = price
	if p.Quantity == 0 {
		p.UnrealizedPnL = 0
		return 0, p.RealizedPnL
	}
	p.UnrealizedPnL = Round2(p.pnlPerShare(price) * float64(p.Quantity))
	return p.UnrealizedPnL, Round2(p.RealizedPnL + p.UnrealizedPnL)
}

// TotalPnL 总盈亏 = 已实现 + 未实现
func (p *Position) TotalPnL() float64 {
	return Round2(p.RealizedPnL + p.UnrealizedPnL)
}

// pnlPerShare 单股盈亏（符号约定：long 为 price-entry，short 为 entry-price）
func (p *Position) pnlPerShare(price float64) float64 {
	if p.Side == PositionLong {
		return price - p.EntryPrice
	}
	return p.EntryPrice - price
}
