package domain

import (
	"errors"
	"math"
	"testing"
	"testing/quick"
	"time"
)

func newLong(qty int64, entry float64) *Position {
	return &Position{
		ID: NewPositionID(), AccountID: "acc1", Symbol: "RELIANCE",
		Side: PositionLong, Quantity: qty, EntryPrice: entry,
		Mode: ModePaper, Status: PositionStatusOpen,
		OpenedAt: time.Now(), UpdatedAt: time.Now(),
	}
}

func TestAddFill_WeightedAverageEntry(t *testing.T) {
	p := newLong(10, 100.00)
	p.AddFill(10, 110.00, 5.00)

	if p.Quantity != 20 {
		t.Fatalf("unexpected quantity: %d", p.Quantity)
	}
	// (100*10 + 110*10) / 20 = 105
	if p.EntryPrice != 105.00 {
		t.Fatalf("unexpected weighted entry: %.4f", p.EntryPrice)
	}
	// 手续费立即计入已实现亏损
	if p.RealizedPnL != -5.00 {
		t.Fatalf("commission should hit realized pnl: %.4f", p.RealizedPnL)
	}
}

func TestReduceFill_RealizedPnLAndClose(t *testing.T) {
	p := newLong(10, 2450.00)
	p.RealizedPnL = -7.35 // 开仓手续费

	if err := p.ReduceFill(10, 2500.00, 7.35, time.Now()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	// -7.35 + (2500-2450)*10 - 7.35 = 485.30
	if p.RealizedPnL != 485.30 {
		t.Fatalf("unexpected realized pnl: %.4f", p.RealizedPnL)
	}
	if p.Quantity != 0 {
		t.Fatalf("position should be flat")
	}
	if p.ClosedAt == nil || p.Status != PositionStatusClosed {
		t.Fatalf("flat position must be closed")
	}
	if p.UnrealizedPnL != 0 {
		t.Fatalf("closed position must have zero unrealized pnl")
	}
}

func TestReduceFill_ShortSide(t *testing.T) {
	p := newLong(10, 100.00)
	p.Side = PositionShort

	if err := p.ReduceFill(4, 90.00, 1.00, time.Now()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	// short: (100-90)*4 - 1 = 39
	if p.RealizedPnL != 39.00 {
		t.Fatalf("unexpected short realized pnl: %.4f", p.RealizedPnL)
	}
	if p.Quantity != 6 || p.Status != PositionStatusOpen {
		t.Fatalf("partial reduce should keep position open: qty=%d", p.Quantity)
	}
}

func TestReduceFill_OverfillIsError(t *testing.T) {
	p := newLong(10, 100.00)
	err := p.ReduceFill(11, 100.00, 0, time.Now())
	if err == nil {
		t.Fatalf("overfill must be an error")
	}
	var oe *OverfillError
	if !errors.As(err, &oe) {
		t.Fatalf("expected OverfillError, got %T", err)
	}
	if oe.Have != 10 || oe.Requested != 11 {
		t.Fatalf("unexpected overfill detail: %+v", oe)
	}
	// 不静默截断：仓位保持不变
	if p.Quantity != 10 {
		t.Fatalf("overfill must not mutate position: qty=%d", p.Quantity)
	}
}

func TestMark_DoesNotTouchRealized(t *testing.T) {
	p := newLong(10, 2450.00)
	p.RealizedPnL = -7.35

	unrealized, total := p.Mark(2500.00)
	if unrealized != 500.00 {
		t.Fatalf("unexpected unrealized: %.4f", unrealized)
	}
	if total != 492.65 {
		t.Fatalf("unexpected total: %.4f", total)
	}
	if p.RealizedPnL != -7.35 {
		t.Fatalf("mark must not touch realized pnl")
	}

	// 重复标记同一价格幂等
	u2, t2 := p.Mark(2500.00)
	if u2 != unrealized || t2 != total {
		t.Fatalf("mark should be idempotent for same price")
	}
}

// 属性：加权平均入场价永远落在两次成交价之间
func TestProperty_WeightedAverageBounded(t *testing.T) {
	property := func(q1, q2 int64, p1, p2 float64) bool {
		q1, q2 = 1+abs64(q1)%1000, 1+abs64(q2)%1000
		p1, p2 = 1+math.Abs(p1), 1+math.Abs(p2)
		if math.IsNaN(p1) || math.IsNaN(p2) || p1 > 1e8 || p2 > 1e8 {
			return true
		}
		pos := newLong(q1, p1)
		pos.AddFill(q2, p2, 0)

		lo, hi := math.Min(p1, p2), math.Max(p1, p2)
		return pos.EntryPrice >= lo-1e-9 && pos.EntryPrice <= hi+1e-9
	}
	if err := quick.Check(property, &quick.Config{MaxCount: 500}); err != nil {
		t.Fatalf("property failed: %v", err)
	}
}

func abs64(v int64) int64 {
	if v == math.MinInt64 {
		return 0
	}
	if v < 0 {
		return -v
	}
	return v
}
