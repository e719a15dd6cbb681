package trailing

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tushaar82/velox-engine/internal/domain"
	"github.com/tushaar82/velox-engine/internal/events"
	"github.com/tushaar82/velox-engine/internal/ledger"
)

var log = logrus.WithField("component", "trailing_stop")

// Engine 追踪止损状态机：per-position 状态 disabled -> armed -> triggered。
//
// 核心不变量（棘轮）：long 仓位的止损价只会上移，short 仓位只会下移——
// 追踪止损永远不会朝对持仓人不利的方向后退。
//
// 止损子状态内嵌在仓位记录上，所有推进/触发检查都经由台账的
// 仓位锁执行，与盈亏更新天然串行。
type Engine struct {
	ledger *ledger.Ledger

	mu   sync.RWMutex
	subs map[int]TriggerHandler
	next int
}

// TriggerHandler 触发回调：收到触发时刻的仓位快照。
// 单个回调的失败/恐慌会被隔离，不影响其他回调。
type TriggerHandler func(ctx context.Context, ev *events.StopTriggeredEvent)

// Subscription 回调订阅句柄
type Subscription struct {
	engine *Engine
	id     int
	once   sync.Once
}

// Cancel 取消订阅
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.engine.mu.Lock()
		delete(s.engine.subs, s.id)
		s.engine.mu.Unlock()
	})
}

// NewEngine 创建追踪止损引擎
func NewEngine(l *ledger.Ledger) *Engine {
	return &Engine{
		ledger: l,
		subs:   make(map[int]TriggerHandler),
	}
}

// Subscribe 注册触发回调，返回可取消的订阅句柄
func (e *Engine) Subscribe(h TriggerHandler) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	id := e.next
	e.subs[id] = h
	return &Subscription{engine: e, id: id}
}

// Configure 为仓位配置（armed）追踪止损。
// percent 必须严格在 (0, 1) 区间：
//   - long:  初始止损 = currentPrice*(1-p)，水位 = max(currentPrice, entryPrice)
//   - short: 初始止损 = currentPrice*(1+p)，水位 = min(currentPrice, entryPrice)
func (e *Engine) Configure(positionID string, percent, currentPrice float64) error {
	if percent <= 0 || percent >= 1 {
		return &domain.ValidationError{Field: "trailing_percent", Reason: "percent must be in (0, 1)"}
	}
	if currentPrice <= 0 {
		return &domain.ValidationError{Field: "price", Reason: "price must be positive"}
	}
	return e.ledger.WithPosition(positionID, func(p *domain.Position) bool {
		ts := &domain.TrailingStop{Enabled: true, Percent: percent}
		if p.Side == domain.PositionLong {
			ts.StopPrice = domain.Round2(currentPrice * (1 - percent))
			ts.Watermark = maxf(currentPrice, p.EntryPrice)
		} else {
			ts.StopPrice = domain.Round2(currentPrice * (1 + percent))
			ts.Watermark = minf(currentPrice, p.EntryPrice)
		}
		p.TrailingStop = ts
		log.Infof("止损配置: position=%s percent=%.4f stop=%.2f watermark=%.2f",
			p.ID, percent, ts.StopPrice, ts.Watermark)
		return true
	})
}

// Disable 关闭仓位的追踪止损：推进/触发检查对其变为 no-op，直到重新配置。
func (e *Engine) Disable(positionID string) error {
	return e.ledger.WithPosition(positionID, func(p *domain.Position) bool {
		if p.TrailingStop == nil {
			return false
		}
		p.TrailingStop.Enabled = false
		return true
	})
}

// AdvanceSymbol 对 (symbol, mode) 下所有 armed 止损推进棘轮并做触发检查，
// 返回本次 tick 新触发的事件列表（每个触发恰好一个事件），
// 并对每个事件调用全部注册回调。
func (e *Engine) AdvanceSymbol(ctx context.Context, symbol string, price float64, mode domain.TradingMode) []*events.StopTriggeredEvent {
	var triggered []*events.StopTriggeredEvent

	e.ledger.ForEachOpen(symbol, mode, func(p *domain.Position) bool {
		ts := p.TrailingStop
		if ts == nil || !ts.Enabled || ts.Triggered {
			return false
		}

		advance(p.Side, ts, price)

		if crossed(p.Side, ts.StopPrice, price) {
			ts.Triggered = true
			triggered = append(triggered, &events.StopTriggeredEvent{
				Position:  clone(p),
				StopPrice: ts.StopPrice,
				Price:     price,
				Timestamp: time.Now(),
			})
			log.Warnf("止损触发: position=%s %s stop=%.2f price=%.2f",
				p.ID, p.Side, ts.StopPrice, price)
		}
		return true
	})

	for _, ev := range triggered {
		e.emit(ctx, ev)
	}
	return triggered
}

// emit 逐个调用回调；单个回调 panic 只记日志，不阻断其余回调
func (e *Engine) emit(ctx context.Context, ev *events.StopTriggeredEvent) {
	e.mu.RLock()
	handlers := make([]TriggerHandler, 0, len(e.subs))
	for _, h := range e.subs {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("止损回调 panic: position=%s err=%v", ev.Position.ID, r)
				}
			}()
			h(ctx, ev)
		}()
	}
}

// advance 推进棘轮：
//   - long:  水位 = max(水位, price)，候选 = 水位*(1-p)，止损 = max(旧止损, 候选)
//   - short: 水位 = min(水位, price)，候选 = 水位*(1+p)，止损 = min(旧止损, 候选)
func advance(side domain.PositionSide, ts *domain.TrailingStop, price float64) {
	if side == domain.PositionLong {
		ts.Watermark = maxf(ts.Watermark, price)
		candidate := domain.Round2(ts.Watermark * (1 - ts.Percent))
		ts.StopPrice = maxf(ts.StopPrice, candidate)
	} else {
		ts.Watermark = minf(ts.Watermark, price)
		candidate := domain.Round2(ts.Watermark * (1 + ts.Percent))
		ts.StopPrice = minf(ts.StopPrice, candidate)
	}
}

// crossed 触发判定：long 为 price <= stop，short 为 price >= stop
func crossed(side domain.PositionSide, stop, price float64) bool {
	if side == domain.PositionLong {
		return price <= stop
	}
	return price >= stop
}

func clone(p *domain.Position) *domain.Position {
	cp := *p
	if p.TrailingStop != nil {
		ts := *p.TrailingStop
		cp.TrailingStop = &ts
	}
	return &cp
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
