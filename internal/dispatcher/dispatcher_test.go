package dispatcher

import (
	"context"
	"sync"
	"testing"

	"github.com/tushaar82/velox-engine/internal/domain"
	"github.com/tushaar82/velox-engine/internal/events"
	"github.com/tushaar82/velox-engine/internal/ledger"
	"github.com/tushaar82/velox-engine/internal/router"
	"github.com/tushaar82/velox-engine/internal/sim"
	"github.com/tushaar82/velox-engine/internal/trailing"
)

// captureSink 记录发布顺序的广播 sink
type captureSink struct {
	mu        sync.Mutex
	ticks     []*events.TickEvent
	positions []*domain.Position
	orders    []*domain.Order
}

func (c *captureSink) PublishTick(ev *events.TickEvent) {
	c.mu.Lock()
	c.ticks = append(c.ticks, ev)
	c.mu.Unlock()
}

func (c *captureSink) PublishPositionUpdate(p *domain.Position) {
	c.mu.Lock()
	c.positions = append(c.positions, p)
	c.mu.Unlock()
}

func (c *captureSink) PublishOrderUpdate(o *domain.Order) {
	c.mu.Lock()
	c.orders = append(c.orders, o)
	c.mu.Unlock()
}

func newTestStack(sink *captureSink) (*Dispatcher, *router.Router, *ledger.Ledger, *trailing.Engine) {
	l := ledger.New(ledger.Options{})
	r := router.New(router.Options{
		Simulator: sim.New(sim.Config{SlippageRate: 0, CommissionRate: 0, MinCommission: 0}),
		Ledger:    l,
		Sink:      sink,
	})
	stops := trailing.NewEngine(l)
	d := New(l, stops, r, sink)
	return d, r, l, stops
}

func TestOnPriceUpdate_MarksPositions(t *testing.T) {
	sink := &captureSink{}
	d, r, l, _ := newTestStack(sink)
	ctx := context.Background()

	r.SetLastPrice("RELIANCE", domain.ModePaper, 2450.00)
	if _, err := r.Submit(ctx, router.Request{
		AccountID: "acc1", Symbol: "RELIANCE", Side: domain.SideBuy,
		Quantity: 10, Kind: domain.OrderKindMarket, Mode: domain.ModePaper,
	}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	res := d.OnPriceUpdate(ctx, "RELIANCE", 2500.00, domain.ModePaper)
	if res.PositionsUpdated != 1 || res.StopsTriggered != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	pos, ok := l.FindOpen("acc1", "RELIANCE", domain.ModePaper)
	if !ok {
		t.Fatalf("position missing")
	}
	if pos.UnrealizedPnL != 500.00 || pos.CurrentPrice != 2500.00 {
		t.Fatalf("tick should mark position: %+v", pos)
	}
	if len(sink.positions) != 1 {
		t.Fatalf("updated position should be broadcast")
	}
	if len(sink.ticks) != 1 || sink.ticks[0].Price != 2500.00 || sink.ticks[0].Symbol != "RELIANCE" {
		t.Fatalf("tick itself should be broadcast: %+v", sink.ticks)
	}
}

func TestOnPriceUpdate_PendingFillUsesTickPrice(t *testing.T) {
	sink := &captureSink{}
	d, r, l, _ := newTestStack(sink)
	ctx := context.Background()

	limit := 100.00
	r.SetLastPrice("RELIANCE", domain.ModePaper, 105.00)
	order, err := r.Submit(ctx, router.Request{
		AccountID: "acc1", Symbol: "RELIANCE", Side: domain.SideBuy,
		Quantity: 10, Kind: domain.OrderKindLimit, LimitPrice: &limit, Mode: domain.ModePaper,
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if order.Status != domain.OrderStatusSubmitted {
		t.Fatalf("limit should rest above market")
	}

	// 同一 tick：先撮合挂单，再标记盈亏——成交价与标记价一致
	res := d.OnPriceUpdate(ctx, "RELIANCE", 100.00, domain.ModePaper)
	if res.PositionsUpdated != 1 {
		t.Fatalf("fill in this tick should be marked in the same tick: %+v", res)
	}
	pos, ok := l.FindOpen("acc1", "RELIANCE", domain.ModePaper)
	if !ok {
		t.Fatalf("position missing")
	}
	if pos.EntryPrice != 100.00 || pos.CurrentPrice != 100.00 || pos.UnrealizedPnL != 0 {
		t.Fatalf("fill and mark must share the tick price: %+v", pos)
	}
}

func TestOnPriceUpdate_StopTriggerSubmitsExit(t *testing.T) {
	sink := &captureSink{}
	d, r, l, stops := newTestStack(sink)
	ctx := context.Background()

	r.SetLastPrice("RELIANCE", domain.ModePaper, 2450.00)
	if _, err := r.Submit(ctx, router.Request{
		AccountID: "acc1", Symbol: "RELIANCE", Side: domain.SideBuy,
		Quantity: 10, Kind: domain.OrderKindMarket, Mode: domain.ModePaper,
	}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	pos, _ := l.FindOpen("acc1", "RELIANCE", domain.ModePaper)
	if err := stops.Configure(pos.ID, 0.02, 2450.00); err != nil {
		t.Fatalf("configure failed: %v", err)
	}

	// 上行推棘轮
	d.OnPriceUpdate(ctx, "RELIANCE", 2500.00, domain.ModePaper)
	// 回落触发：出场市价单在同一 tick 提交并成交，仓位平掉
	res := d.OnPriceUpdate(ctx, "RELIANCE", 2400.00, domain.ModePaper)
	if res.StopsTriggered != 1 {
		t.Fatalf("expected one stop trigger: %+v", res)
	}

	closed, err := l.Get(pos.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if closed.Status != domain.PositionStatusClosed {
		t.Fatalf("stop trigger should flatten the position: %+v", closed)
	}
	// (2400-2450)*10 = -500
	if closed.RealizedPnL != -500.00 {
		t.Fatalf("unexpected realized pnl: %.2f", closed.RealizedPnL)
	}

	// 出场订单：方向取反、数量=剩余全部、市价
	var exit *domain.Order
	for _, o := range sink.orders {
		if o.Side == domain.SideSell {
			exit = o
		}
	}
	if exit == nil {
		t.Fatalf("exit order not published")
	}
	if exit.Quantity != 10 || exit.Kind != domain.OrderKindMarket || exit.Mode != domain.ModePaper {
		t.Fatalf("unexpected exit order: %+v", exit)
	}
}

func TestOnPriceUpdate_IgnoresInvalidTicks(t *testing.T) {
	sink := &captureSink{}
	d, _, _, _ := newTestStack(sink)
	ctx := context.Background()

	if res := d.OnPriceUpdate(ctx, "RELIANCE", 0, domain.ModePaper); res.PositionsUpdated != 0 {
		t.Fatalf("zero price must be ignored")
	}
	if res := d.OnPriceUpdate(ctx, "", 100.00, domain.ModePaper); res.PositionsUpdated != 0 {
		t.Fatalf("empty symbol must be ignored")
	}
}

func TestOnPriceUpdate_ModesAreIsolated(t *testing.T) {
	sink := &captureSink{}
	d, r, l, _ := newTestStack(sink)
	ctx := context.Background()

	r.SetLastPrice("RELIANCE", domain.ModePaper, 100.00)
	if _, err := r.Submit(ctx, router.Request{
		AccountID: "acc1", Symbol: "RELIANCE", Side: domain.SideBuy,
		Quantity: 10, Kind: domain.OrderKindMarket, Mode: domain.ModePaper,
	}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// live tick 不碰 paper 仓位
	d.OnPriceUpdate(ctx, "RELIANCE", 200.00, domain.ModeLive)
	pos, _ := l.FindOpen("acc1", "RELIANCE", domain.ModePaper)
	if pos.CurrentPrice != 100.00 {
		t.Fatalf("live tick must not touch paper positions: %+v", pos)
	}
}
