package sim

import (
	"github.com/shopspring/decimal"

	"github.com/tushaar82/velox-engine/internal/domain"
)

// 纸面交易撮合模拟器：给定订单与当前市场价，判定成交与否并计算执行价格。
// 纯函数，无副作用——结果由调用方负责落库。
//
// 语义（与真实 venue 对齐）：
// - market: 立即成交，滑点加在不利方向（买更贵，卖更便宜）
// - limit:  当前价对订单方向 at-or-better 才成交，成交价恰为限价（挂单不吃滑点）
// - stop / stop_limit: 当前价反向穿越触发价后触发；stop 按市价成交（吃滑点），
//   stop_limit 转为按限价挂单
// 所有货币输出在成交点四舍五入到 2 位小数，之前的计算不做舍入。

// Config 模拟撮合参数（注入配置，不硬编码）
type Config struct {
	SlippageRate   float64 // 市价单滑点率（如 0.001 = 0.1%）
	CommissionRate float64 // 手续费率（按成交金额）
	MinCommission  float64 // 最低手续费
}

// Outcome 撮合结果
// Filled=false 表示订单继续挂起等待后续价格检查；
// Triggered=true（且未成交）表示 stop_limit 已触发、已转为限价挂单。
type Outcome struct {
	Filled     bool
	Price      float64 // 执行价格（2 位小数）
	Commission float64 // 手续费（2 位小数）
	Triggered  bool
}

// Simulator 撮合模拟器
type Simulator struct {
	cfg Config
}

// New 创建撮合模拟器
func New(cfg Config) *Simulator {
	return &Simulator{cfg: cfg}
}

// AttemptFill 尝试撮合一笔订单
func (s *Simulator) AttemptFill(order *domain.Order, price float64) Outcome {
	switch order.Kind {
	case domain.OrderKindMarket:
		return s.fillMarket(order, price)
	case domain.OrderKindLimit:
		return s.fillLimit(order, price)
	case domain.OrderKindStop:
		if !order.StopTriggered && !stopCrossed(order.Side, *order.StopPrice, price) {
			return Outcome{}
		}
		// stop 触发后按市价执行
		out := s.fillMarket(order, price)
		out.Triggered = true
		return out
	case domain.OrderKindStopLimit:
		if !order.StopTriggered {
			if !stopCrossed(order.Side, *order.StopPrice, price) {
				return Outcome{}
			}
			// 首次触发：转为限价挂单，同一 tick 内直接按限价检查
			out := s.fillLimit(order, price)
			out.Triggered = true
			return out
		}
		return s.fillLimit(order, price)
	}
	return Outcome{}
}

// fillMarket 市价成交：滑点只朝不利方向
func (s *Simulator) fillMarket(order *domain.Order, price float64) Outcome {
	p := decimal.NewFromFloat(price)
	slip := decimal.NewFromFloat(s.cfg.SlippageRate)
	if order.Side == domain.SideBuy {
		p = p.Mul(decimal.NewFromInt(1).Add(slip))
	} else {
		p = p.Mul(decimal.NewFromInt(1).Sub(slip))
	}
	exec := p.Round(2)
	return Outcome{
		Filled:     true,
		Price:      exec.InexactFloat64(),
		Commission: s.commission(exec, order.Quantity),
	}
}

// fillLimit 限价成交：当前价 at-or-better 才成交，成交价恰为限价
func (s *Simulator) fillLimit(order *domain.Order, price float64) Outcome {
	limit := *order.LimitPrice
	ok := (order.Side == domain.SideBuy && price <= limit) ||
		(order.Side == domain.SideSell && price >= limit)
	if !ok {
		return Outcome{}
	}
	exec := decimal.NewFromFloat(limit).Round(2)
	return Outcome{
		Filled:     true,
		Price:      exec.InexactFloat64(),
		Commission: s.commission(exec, order.Quantity),
	}
}

// commission = max(execPrice * quantity * rate, minCommission)，2 位小数
func (s *Simulator) commission(execPrice decimal.Decimal, quantity int64) float64 {
	c := execPrice.
		Mul(decimal.NewFromInt(quantity)).
		Mul(decimal.NewFromFloat(s.cfg.CommissionRate))
	minC := decimal.NewFromFloat(s.cfg.MinCommission)
	if c.LessThan(minC) {
		c = minC
	}
	return c.Round(2).InexactFloat64()
}

// stopCrossed 触发判定：当前价朝不利方向穿越触发价
// buy: price >= stop；sell: price <= stop
func stopCrossed(side domain.Side, stop, price float64) bool {
	if side == domain.SideBuy {
		return price >= stop
	}
	return price <= stop
}
