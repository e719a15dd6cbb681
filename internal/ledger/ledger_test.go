package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tushaar82/velox-engine/internal/domain"
)

func newTrade(side domain.Side, qty int64, price, commission float64) *domain.Trade {
	return &domain.Trade{
		ID: domain.NewTradeID(), OrderID: domain.NewOrderID(),
		AccountID: "acc1", Symbol: "RELIANCE", Side: side,
		Quantity: qty, Price: price, Commission: commission,
		Mode: domain.ModePaper, ExecutedAt: time.Now(),
	}
}

func TestOpenThenMarkThenClose(t *testing.T) {
	l := New(Options{})
	ctx := context.Background()

	pos, err := l.Open(ctx, newTrade(domain.SideBuy, 10, 2450.00, 7.35))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if pos.Side != domain.PositionLong || pos.EntryPrice != 2450.00 {
		t.Fatalf("unexpected position: %+v", pos)
	}
	if pos.RealizedPnL != -7.35 {
		t.Fatalf("entry commission should be realized loss: %.4f", pos.RealizedPnL)
	}

	unrealized, total, err := l.MarkPrice(pos.ID, 2500.00)
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if unrealized != 500.00 || total != 492.65 {
		t.Fatalf("unexpected pnl: unrealized=%.2f total=%.2f", unrealized, total)
	}

	closed, err := l.Update(ctx, pos.ID, newTrade(domain.SideSell, 10, 2500.00, 7.35))
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if closed.RealizedPnL != 485.30 {
		t.Fatalf("unexpected realized pnl: %.4f", closed.RealizedPnL)
	}
	if closed.Status != domain.PositionStatusClosed || closed.ClosedAt == nil {
		t.Fatalf("flat position must be closed")
	}
	if closed.UnrealizedPnL != 0 {
		t.Fatalf("closed position must have zero unrealized pnl")
	}

	// 已平仓仓位不再出现在 symbol 索引里
	if _, ok := l.FindOpen("acc1", "RELIANCE", domain.ModePaper); ok {
		t.Fatalf("closed position should not be findable as open")
	}
}

func TestUpdate_SameDirectionAveragesEntry(t *testing.T) {
	l := New(Options{})
	ctx := context.Background()

	pos, err := l.Open(ctx, newTrade(domain.SideBuy, 10, 100.00, 0))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	updated, err := l.Update(ctx, pos.ID, newTrade(domain.SideBuy, 10, 110.00, 0))
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Quantity != 20 || updated.EntryPrice != 105.00 {
		t.Fatalf("unexpected averaged position: qty=%d entry=%.2f", updated.Quantity, updated.EntryPrice)
	}
}

func TestUpdate_OverfillLeavesPositionIntact(t *testing.T) {
	l := New(Options{})
	ctx := context.Background()

	pos, err := l.Open(ctx, newTrade(domain.SideBuy, 10, 100.00, 0))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	_, err = l.Update(ctx, pos.ID, newTrade(domain.SideSell, 11, 100.00, 0))
	var oe *domain.OverfillError
	if !errors.As(err, &oe) {
		t.Fatalf("expected OverfillError, got %v", err)
	}

	got, err := l.Get(pos.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Quantity != 10 || got.Status != domain.PositionStatusOpen {
		t.Fatalf("failed update must not mutate position: %+v", got)
	}
}

func TestGet_UnknownPosition(t *testing.T) {
	l := New(Options{})
	_, err := l.Get("pos_missing")
	var nf *domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestBatchMark_OnlySymbolAndMode(t *testing.T) {
	l := New(Options{})
	ctx := context.Background()

	p1, _ := l.Open(ctx, newTrade(domain.SideBuy, 10, 100.00, 0))
	other := newTrade(domain.SideBuy, 5, 50.00, 0)
	other.Symbol = "TCS"
	p2, _ := l.Open(ctx, other)

	updated := l.BatchMark("RELIANCE", 110.00, domain.ModePaper)
	if len(updated) != 1 || updated[0].ID != p1.ID {
		t.Fatalf("batch mark should only touch the ticked symbol: %d", len(updated))
	}
	if updated[0].UnrealizedPnL != 100.00 {
		t.Fatalf("unexpected unrealized: %.2f", updated[0].UnrealizedPnL)
	}

	got, _ := l.Get(p2.ID)
	if got.UnrealizedPnL != 0 {
		t.Fatalf("other symbol must be untouched")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	l := New(Options{})
	ctx := context.Background()

	pos, _ := l.Open(ctx, newTrade(domain.SideBuy, 10, 100.00, 0))
	pos.Quantity = 999 // 改快照不应影响台账内部状态

	got, _ := l.Get(pos.ID)
	if got.Quantity != 10 {
		t.Fatalf("snapshot mutation leaked into ledger: qty=%d", got.Quantity)
	}
}

func TestConcurrentMarkPrice(t *testing.T) {
	l := New(Options{})
	ctx := context.Background()
	pos, _ := l.Open(ctx, newTrade(domain.SideBuy, 10, 100.00, 0))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _, _ = l.MarkPrice(pos.ID, 100.00+float64(n%10))
		}(i)
	}
	wg.Wait()

	got, err := l.Get(pos.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	// 终值必须是某一次标记的一致结果
	want := domain.Round2((got.CurrentPrice - 100.00) * 10)
	if got.UnrealizedPnL != want {
		t.Fatalf("inconsistent pnl after concurrent marks: price=%.2f pnl=%.2f", got.CurrentPrice, got.UnrealizedPnL)
	}
}

func TestAccountPositions_IncludesClosed(t *testing.T) {
	l := New(Options{})
	ctx := context.Background()

	pos, _ := l.Open(ctx, newTrade(domain.SideBuy, 10, 100.00, 0))
	if _, err := l.Update(ctx, pos.ID, newTrade(domain.SideSell, 10, 90.00, 0)); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	all := l.AccountPositions("acc1", domain.ModePaper)
	if len(all) != 1 {
		t.Fatalf("closed position must remain visible for risk accounting: %d", len(all))
	}
	if all[0].RealizedPnL != -100.00 {
		t.Fatalf("unexpected realized pnl: %.2f", all[0].RealizedPnL)
	}
}
