package usecase_test

import (
	"testing"

	"github.com/pivox/tradingV3-sub005/internal/domain"
	"github.com/pivox/tradingV3-sub005/internal/usecase"
)

func TestQuantizer_PriceSnapping(t *testing.T) {
	q := usecase.NewQuantizer(&domain.SymbolFilters{TickSize: 0.01, StepSize: 0.001})

	cases := []struct {
		name  string
		in    float64
		floor float64
		ceil  float64
	}{
		{"between ticks", 100.0049, 100.00, 100.01},
		{"on grid", 100.01, 100.01, 100.01},
		{"tiny price", 0.0151, 0.01, 0.02},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := q.PriceFloor(tc.in); got != tc.floor {
				t.Errorf("PriceFloor(%v) = %v, want %v", tc.in, got, tc.floor)
			}
			if got := q.PriceCeil(tc.in); got != tc.ceil {
				t.Errorf("PriceCeil(%v) = %v, want %v", tc.in, got, tc.ceil)
			}
		})
	}
}

func TestQuantizer_SnappingIsIdempotent(t *testing.T) {
	q := usecase.NewQuantizer(&domain.SymbolFilters{TickSize: 0.01, StepSize: 0.001})

	for _, p := range []float64{100.004, 0.013, 98765.43219, 0.0001} {
		once := q.PriceFloor(p)
		twice := q.PriceFloor(once)
		if once != twice {
			t.Errorf("PriceFloor not idempotent for %v: %v then %v", p, once, twice)
		}

		qOnce := q.QtyFloor(p)
		qTwice := q.QtyFloor(qOnce)
		if qOnce != qTwice {
			t.Errorf("QtyFloor not idempotent for %v: %v then %v", p, qOnce, qTwice)
		}
	}
}

func TestQuantizer_PriceForSide(t *testing.T) {
	q := usecase.NewQuantizer(&domain.SymbolFilters{TickSize: 0.01})

	// Long bias: never pay more than asked.
	if got := q.PriceForSide(100.019, domain.SideLong); got != 100.01 {
		t.Errorf("long side price = %v, want 100.01", got)
	}
	// Short bias: never sell for less.
	if got := q.PriceForSide(100.011, domain.SideShort); got != 100.02 {
		t.Errorf("short side price = %v, want 100.02", got)
	}
}

func TestQuantizer_ZeroGridPassesThrough(t *testing.T) {
	q := usecase.NewQuantizer(&domain.SymbolFilters{})

	if got := q.PriceFloor(123.456); got != 123.456 {
		t.Errorf("zero tick should pass through, got %v", got)
	}
	if got := q.QtyCeil(0.777); got != 0.777 {
		t.Errorf("zero step should pass through, got %v", got)
	}
}

func TestQuantizer_ClampAndBounds(t *testing.T) {
	q := usecase.NewQuantizer(&domain.SymbolFilters{
		TickSize: 0.01, StepSize: 0.001,
		MinPrice: 1, MaxPrice: 1000,
		MinQty: 0.01, MaxQty: 10,
	})

	if got := q.ClampPrice(0.5); got != 1 {
		t.Errorf("ClampPrice below min = %v, want 1", got)
	}
	if got := q.ClampPrice(5000); got != 1000 {
		t.Errorf("ClampPrice above max = %v, want 1000", got)
	}
	if got := q.ClampQty(0.001); got != 0.01 {
		t.Errorf("ClampQty below min = %v, want 0.01", got)
	}
	if q.WithinQtyBounds(11) {
		t.Error("11 should be outside max qty 10")
	}
	if !q.WithinQtyBounds(5) {
		t.Error("5 should be inside bounds")
	}
}
