package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tushaar82/velox-engine/internal/domain"
	"github.com/tushaar82/velox-engine/internal/events"
	"github.com/tushaar82/velox-engine/internal/ledger"
	"github.com/tushaar82/velox-engine/internal/ports"
	"github.com/tushaar82/velox-engine/internal/router"
	"github.com/tushaar82/velox-engine/internal/trailing"
)

var log = logrus.WithField("component", "tick_dispatcher")

// Dispatcher 每个价格 tick 的入口：把一次价格更新扇出到所有受影响的
// 仓位与止损检查，并把新触发的止损转成出场订单。
//
// 单 tick 内对单一 symbol 的顺序保证：
//  1. 挂起 paper 订单重新撮合（成交与标记使用同一 tick 价格）
//  2. 台账批量更新该 (symbol, mode) 的所有未平仓仓位
//  3. 追踪止损推进 + 触发检查
//  4. 每个新触发的止损合成一笔出场订单（方向取反、数量=剩余全部、市价、同模式）
//  5. tick 与更新后的仓位发布到广播 sink
//
// 不同 symbol 的 tick 可以并发处理；同一 symbol 串行（per-symbol 锁）。
type Dispatcher struct {
	ledger *ledger.Ledger
	stops  *trailing.Engine
	router *router.Router
	sink   ports.BroadcastSink // 可为 nil

	mu    sync.Mutex
	locks map[string]*sync.Mutex // symbol:mode -> 串行锁
}

// Result 单次 tick 的处理结果
type Result struct {
	PositionsUpdated int
	StopsTriggered   int
}

// New 创建 tick 分发器
func New(l *ledger.Ledger, stops *trailing.Engine, r *router.Router, sink ports.BroadcastSink) *Dispatcher {
	return &Dispatcher{
		ledger: l,
		stops:  stops,
		router: r,
		sink:   sink,
		locks:  make(map[string]*sync.Mutex),
	}
}

// OnPriceUpdate 处理一条 (symbol, price, mode) 价格 tick
func (d *Dispatcher) OnPriceUpdate(ctx context.Context, symbol string, price float64, mode domain.TradingMode) Result {
	if price <= 0 || symbol == "" {
		return Result{}
	}

	lock := d.symbolLock(symbol, mode)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	d.router.SetLastPrice(symbol, mode, price)

	// (1) 挂起 paper 订单先撮合，保证成交价与本 tick 标记价一致
	fills := d.router.CheckPending(ctx, symbol, price, mode)

	// (2) 批量标记盈亏
	updated := d.ledger.BatchMark(symbol, price, mode)

	// (3) 止损推进 + 触发检查
	triggered := d.stops.AdvanceSymbol(ctx, symbol, price, mode)

	// (4) 触发的止损合成出场订单；单个仓位失败只记日志，不影响同 tick 其他仓位
	for _, ev := range triggered {
		if err := d.submitExit(ctx, ev.Position); err != nil {
			log.Errorf("止损出场订单提交失败: position=%s err=%v", ev.Position.ID, err)
		}
	}

	// (5) 对外广播：先 tick 本身，再更新后的仓位
	if d.sink != nil {
		d.sink.PublishTick(&events.TickEvent{Symbol: symbol, Price: price, Mode: mode, Timestamp: start})
		for _, p := range updated {
			d.sink.PublishPositionUpdate(p)
		}
	}

	log.Debugf("tick 处理完成: %s@%.2f mode=%s positions=%d fills=%d stops=%d elapsed=%s",
		symbol, price, mode, len(updated), len(fills), len(triggered), time.Since(start))

	return Result{PositionsUpdated: len(updated), StopsTriggered: len(triggered)}
}

// submitExit 为触发止损的仓位合成出场订单：
// 方向为仓位方向的反向，数量等于剩余持仓全部，市价单，交易模式与仓位一致。
func (d *Dispatcher) submitExit(ctx context.Context, pos *domain.Position) error {
	side := domain.SideSell
	if pos.Side == domain.PositionShort {
		side = domain.SideBuy
	}
	_, err := d.router.Submit(ctx, router.Request{
		AccountID:  pos.AccountID,
		StrategyID: pos.StrategyID,
		Symbol:     pos.Symbol,
		Side:       side,
		Quantity:   pos.Quantity,
		Kind:       domain.OrderKindMarket,
		Mode:       pos.Mode,
	})
	return err
}

func (d *Dispatcher) symbolLock(symbol string, mode domain.TradingMode) *sync.Mutex {
	key := symbol + ":" + string(mode)
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	d.locks[key] = l
	return l
}
