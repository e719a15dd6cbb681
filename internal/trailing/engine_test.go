package trailing

import (
	"context"
	"math"
	"testing"
	"testing/quick"
	"time"

	"github.com/tushaar82/velox-engine/internal/domain"
	"github.com/tushaar82/velox-engine/internal/events"
	"github.com/tushaar82/velox-engine/internal/ledger"
)

func openLong(t *testing.T, l *ledger.Ledger, qty int64, entry float64) *domain.Position {
	t.Helper()
	pos, err := l.Open(context.Background(), &domain.Trade{
		ID: domain.NewTradeID(), OrderID: domain.NewOrderID(),
		AccountID: "acc1", Symbol: "RELIANCE", Side: domain.SideBuy,
		Quantity: qty, Price: entry, Mode: domain.ModePaper, ExecutedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	return pos
}

func openShort(t *testing.T, l *ledger.Ledger, qty int64, entry float64) *domain.Position {
	t.Helper()
	pos, err := l.Open(context.Background(), &domain.Trade{
		ID: domain.NewTradeID(), OrderID: domain.NewOrderID(),
		AccountID: "acc1", Symbol: "RELIANCE", Side: domain.SideSell,
		Quantity: qty, Price: entry, Mode: domain.ModePaper, ExecutedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	return pos
}

func stopOf(t *testing.T, l *ledger.Ledger, positionID string) *domain.TrailingStop {
	t.Helper()
	pos, err := l.Get(positionID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if pos.TrailingStop == nil {
		t.Fatalf("trailing stop not configured")
	}
	return pos.TrailingStop
}

func TestConfigure_InitialStopAndWatermark(t *testing.T) {
	l := ledger.New(ledger.Options{})
	e := NewEngine(l)
	pos := openLong(t, l, 10, 2450.00)

	if err := e.Configure(pos.ID, 0.02, 2450.00); err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	ts := stopOf(t, l, pos.ID)
	if ts.StopPrice != 2401.00 { // 2450 * 0.98
		t.Fatalf("unexpected initial stop: %.2f", ts.StopPrice)
	}
	if ts.Watermark != 2450.00 {
		t.Fatalf("unexpected watermark: %.2f", ts.Watermark)
	}
}

func TestConfigure_PercentOutOfRange(t *testing.T) {
	l := ledger.New(ledger.Options{})
	e := NewEngine(l)
	pos := openLong(t, l, 10, 100.00)

	for _, p := range []float64{0, -0.1, 1, 1.5} {
		if err := e.Configure(pos.ID, p, 100.00); err == nil {
			t.Fatalf("percent %v must be rejected", p)
		}
	}
}

func TestAdvance_RatchetNeverRetreats(t *testing.T) {
	l := ledger.New(ledger.Options{})
	e := NewEngine(l)
	ctx := context.Background()
	pos := openLong(t, l, 10, 2450.00)
	if err := e.Configure(pos.ID, 0.02, 2450.00); err != nil {
		t.Fatalf("configure failed: %v", err)
	}

	// 价格上行：止损跟着上移
	e.AdvanceSymbol(ctx, "RELIANCE", 2500.00, domain.ModePaper)
	if ts := stopOf(t, l, pos.ID); ts.StopPrice != 2450.00 {
		t.Fatalf("stop should ratchet up to 2450.00, got %.2f", ts.StopPrice)
	}

	// 价格回落但未触发：止损保持不动
	e.AdvanceSymbol(ctx, "RELIANCE", 2460.00, domain.ModePaper)
	if ts := stopOf(t, l, pos.ID); ts.StopPrice != 2450.00 {
		t.Fatalf("stop must not retreat, got %.2f", ts.StopPrice)
	}
}

func TestAdvance_TriggerExactlyOnce(t *testing.T) {
	l := ledger.New(ledger.Options{})
	e := NewEngine(l)
	ctx := context.Background()
	pos := openLong(t, l, 10, 2450.00)
	if err := e.Configure(pos.ID, 0.02, 2450.00); err != nil {
		t.Fatalf("configure failed: %v", err)
	}

	var fired []*events.StopTriggeredEvent
	e.Subscribe(func(ctx context.Context, ev *events.StopTriggeredEvent) {
		fired = append(fired, ev)
	})

	e.AdvanceSymbol(ctx, "RELIANCE", 2500.00, domain.ModePaper) // stop -> 2450
	triggered := e.AdvanceSymbol(ctx, "RELIANCE", 2400.00, domain.ModePaper)
	if len(triggered) != 1 {
		t.Fatalf("expected one trigger, got %d", len(triggered))
	}
	if triggered[0].StopPrice != 2450.00 || triggered[0].Price != 2400.00 {
		t.Fatalf("unexpected trigger event: %+v", triggered[0])
	}
	if len(fired) != 1 {
		t.Fatalf("callback should fire exactly once, got %d", len(fired))
	}

	// 已触发是终态：后续 tick 不再触发
	again := e.AdvanceSymbol(ctx, "RELIANCE", 2300.00, domain.ModePaper)
	if len(again) != 0 || len(fired) != 1 {
		t.Fatalf("triggered stop must not fire again")
	}
}

func TestAdvance_ShortSideMirrored(t *testing.T) {
	l := ledger.New(ledger.Options{})
	e := NewEngine(l)
	ctx := context.Background()
	pos := openShort(t, l, 10, 100.00)
	if err := e.Configure(pos.ID, 0.05, 100.00); err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	if ts := stopOf(t, l, pos.ID); ts.StopPrice != 105.00 {
		t.Fatalf("unexpected short initial stop: %.2f", ts.StopPrice)
	}

	// 价格下行对 short 有利：止损下移
	e.AdvanceSymbol(ctx, "RELIANCE", 90.00, domain.ModePaper)
	if ts := stopOf(t, l, pos.ID); ts.StopPrice != 94.50 { // 90 * 1.05
		t.Fatalf("short stop should ratchet down to 94.50, got %.2f", ts.StopPrice)
	}

	// 反弹到止损价：触发
	triggered := e.AdvanceSymbol(ctx, "RELIANCE", 94.50, domain.ModePaper)
	if len(triggered) != 1 {
		t.Fatalf("short stop should trigger at stop price")
	}
}

func TestDisable_MakesAdvanceNoop(t *testing.T) {
	l := ledger.New(ledger.Options{})
	e := NewEngine(l)
	ctx := context.Background()
	pos := openLong(t, l, 10, 100.00)
	if err := e.Configure(pos.ID, 0.02, 100.00); err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	if err := e.Disable(pos.ID); err != nil {
		t.Fatalf("disable failed: %v", err)
	}

	triggered := e.AdvanceSymbol(ctx, "RELIANCE", 1.00, domain.ModePaper)
	if len(triggered) != 0 {
		t.Fatalf("disabled stop must not trigger")
	}
	before := stopOf(t, l, pos.ID).StopPrice
	e.AdvanceSymbol(ctx, "RELIANCE", 200.00, domain.ModePaper)
	if stopOf(t, l, pos.ID).StopPrice != before {
		t.Fatalf("disabled stop must not advance")
	}
}

func TestCallbackPanicIsolated(t *testing.T) {
	l := ledger.New(ledger.Options{})
	e := NewEngine(l)
	ctx := context.Background()
	pos := openLong(t, l, 10, 100.00)
	if err := e.Configure(pos.ID, 0.02, 100.00); err != nil {
		t.Fatalf("configure failed: %v", err)
	}

	e.Subscribe(func(ctx context.Context, ev *events.StopTriggeredEvent) {
		panic("boom")
	})
	called := false
	e.Subscribe(func(ctx context.Context, ev *events.StopTriggeredEvent) {
		called = true
	})

	e.AdvanceSymbol(ctx, "RELIANCE", 90.00, domain.ModePaper)
	if !called {
		t.Fatalf("panic in one callback must not block others")
	}
}

func TestSubscriptionCancel(t *testing.T) {
	l := ledger.New(ledger.Options{})
	e := NewEngine(l)
	ctx := context.Background()
	pos := openLong(t, l, 10, 100.00)
	if err := e.Configure(pos.ID, 0.02, 100.00); err != nil {
		t.Fatalf("configure failed: %v", err)
	}

	called := false
	sub := e.Subscribe(func(ctx context.Context, ev *events.StopTriggeredEvent) {
		called = true
	})
	sub.Cancel()
	sub.Cancel() // 幂等

	e.AdvanceSymbol(ctx, "RELIANCE", 90.00, domain.ModePaper)
	if called {
		t.Fatalf("cancelled subscription must not fire")
	}
}

// 属性：任意价格序列下，long 仓位的止损价单调不减
func TestProperty_LongStopMonotonic(t *testing.T) {
	property := func(rawPrices []float64) bool {
		l := ledger.New(ledger.Options{})
		e := NewEngine(l)
		ctx := context.Background()
		pos := openQuietLong(l)
		if err := e.Configure(pos.ID, 0.03, 100.00); err != nil {
			return false
		}

		prev := stopPriceOf(l, pos.ID)
		for _, raw := range rawPrices {
			price := 1 + math.Abs(raw)
			if math.IsNaN(price) || math.IsInf(price, 0) || price > 1e6 {
				continue
			}
			e.AdvanceSymbol(ctx, "RELIANCE", price, domain.ModePaper)
			cur := stopPriceOf(l, pos.ID)
			if cur < prev {
				return false
			}
			prev = cur
			p, _ := l.Get(pos.ID)
			if p.TrailingStop.Triggered {
				break
			}
		}
		return true
	}
	if err := quick.Check(property, &quick.Config{MaxCount: 200}); err != nil {
		t.Fatalf("property failed: %v", err)
	}
}

func openQuietLong(l *ledger.Ledger) *domain.Position {
	pos, _ := l.Open(context.Background(), &domain.Trade{
		ID: domain.NewTradeID(), OrderID: domain.NewOrderID(),
		AccountID: "acc1", Symbol: "RELIANCE", Side: domain.SideBuy,
		Quantity: 10, Price: 100.00, Mode: domain.ModePaper, ExecutedAt: time.Now(),
	})
	return pos
}

func stopPriceOf(l *ledger.Ledger, positionID string) float64 {
	p, _ := l.Get(positionID)
	if p == nil || p.TrailingStop == nil {
		return 0
	}
	return p.TrailingStop.StopPrice
}
