package domain

import (
	"errors"
	"testing"
)

func validOrder() *Order {
	return &Order{
		ID: NewOrderID(), AccountID: "acc1", Symbol: "RELIANCE",
		Side: SideBuy, Quantity: 10, Kind: OrderKindMarket,
		Mode: ModePaper, Status: OrderStatusPending,
	}
}

func TestOrderValidate(t *testing.T) {
	cases := []struct {
		name      string
		mutate    func(*Order)
		wantField string
	}{
		{"valid market", func(o *Order) {}, ""},
		{"missing symbol", func(o *Order) { o.Symbol = "" }, "symbol"},
		{"missing account", func(o *Order) { o.AccountID = "" }, "account_id"},
		{"bad side", func(o *Order) { o.Side = "hold" }, "side"},
		{"zero quantity", func(o *Order) { o.Quantity = 0 }, "quantity"},
		{"negative quantity", func(o *Order) { o.Quantity = -5 }, "quantity"},
		{"limit without price", func(o *Order) { o.Kind = OrderKindLimit }, "limit_price"},
		{"stop without trigger", func(o *Order) { o.Kind = OrderKindStop }, "stop_price"},
		{"stop-limit without limit", func(o *Order) {
			o.Kind = OrderKindStopLimit
			v := 100.0
			o.StopPrice = &v
		}, "limit_price"},
		{"non-positive limit price", func(o *Order) {
			o.Kind = OrderKindLimit
			v := 0.0
			o.LimitPrice = &v
		}, "limit_price"},
		{"unknown kind", func(o *Order) { o.Kind = "iceberg" }, "kind"},
		{"bad mode", func(o *Order) { o.Mode = "backtest" }, "mode"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := validOrder()
			tc.mutate(o)
			err := o.Validate()
			if tc.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected err: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tc.wantField {
				t.Fatalf("expected field %q, got %q", tc.wantField, ve.Field)
			}
		})
	}
}

func TestOrderTerminalAndCancellable(t *testing.T) {
	o := validOrder()
	for status, terminal := range map[OrderStatus]bool{
		OrderStatusPending:   false,
		OrderStatusSubmitted: false,
		OrderStatusFilled:    true,
		OrderStatusCancelled: true,
		OrderStatusRejected:  true,
	} {
		o.Status = status
		if o.IsTerminal() != terminal {
			t.Fatalf("status %s: terminal should be %v", status, terminal)
		}
		if o.IsCancellable() == terminal {
			t.Fatalf("status %s: cancellable must be the inverse of terminal", status)
		}
	}
}

func TestSideInvert(t *testing.T) {
	if SideBuy.Invert() != SideSell || SideSell.Invert() != SideBuy {
		t.Fatalf("side invert broken")
	}
}
