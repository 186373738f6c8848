package usecase

import (
	"github.com/shopspring/decimal"

	"github.com/pivox/tradingV3-sub005/internal/domain"
)

// Quantizer snaps raw prices and quantities onto the exchange tick/step grids
// for one symbol. All arithmetic is decimal so snapping is exact and
// idempotent; float64 only appears at the boundary.
type Quantizer struct {
	tick decimal.Decimal
	step decimal.Decimal

	minPrice decimal.Decimal
	maxPrice decimal.Decimal
	minQty   decimal.Decimal
	maxQty   decimal.Decimal
}

func NewQuantizer(f *domain.SymbolFilters) *Quantizer {
	return &Quantizer{
		tick:     decimal.NewFromFloat(f.TickSize),
		step:     decimal.NewFromFloat(f.StepSize),
		minPrice: decimal.NewFromFloat(f.MinPrice),
		maxPrice: decimal.NewFromFloat(f.MaxPrice),
		minQty:   decimal.NewFromFloat(f.MinQty),
		maxQty:   decimal.NewFromFloat(f.MaxQty),
	}
}

func (q *Quantizer) Tick() float64 {
	v, _ := q.tick.Float64()
	return v
}

func (q *Quantizer) Step() float64 {
	v, _ := q.step.Float64()
	return v
}

func snapDown(v, grid decimal.Decimal) decimal.Decimal {
	if grid.IsZero() {
		return v
	}
	return v.Div(grid).Floor().Mul(grid)
}

func snapUp(v, grid decimal.Decimal) decimal.Decimal {
	if grid.IsZero() {
		return v
	}
	return v.Div(grid).Ceil().Mul(grid)
}

// PriceFloor snaps a price down to the tick grid.
func (q *Quantizer) PriceFloor(p float64) float64 {
	v, _ := snapDown(decimal.NewFromFloat(p), q.tick).Float64()
	return v
}

// PriceCeil snaps a price up to the tick grid.
func (q *Quantizer) PriceCeil(p float64) float64 {
	v, _ := snapUp(decimal.NewFromFloat(p), q.tick).Float64()
	return v
}

// PriceForSide snaps toward the conservative direction for the side: down for
// LONG, up for SHORT.
func (q *Quantizer) PriceForSide(p float64, side domain.Side) float64 {
	if side == domain.SideShort {
		return q.PriceCeil(p)
	}
	return q.PriceFloor(p)
}

// QtyFloor snaps a quantity down to the step grid.
func (q *Quantizer) QtyFloor(qty float64) float64 {
	v, _ := snapDown(decimal.NewFromFloat(qty), q.step).Float64()
	return v
}

// QtyCeil snaps a quantity up to the step grid.
func (q *Quantizer) QtyCeil(qty float64) float64 {
	v, _ := snapUp(decimal.NewFromFloat(qty), q.step).Float64()
	return v
}

// ClampPrice bounds a price into the exchange min/max window. Zero bounds are
// treated as absent.
func (q *Quantizer) ClampPrice(p float64) float64 {
	v := decimal.NewFromFloat(p)
	if !q.minPrice.IsZero() && v.LessThan(q.minPrice) {
		v = q.minPrice
	}
	if !q.maxPrice.IsZero() && v.GreaterThan(q.maxPrice) {
		v = q.maxPrice
	}
	f, _ := v.Float64()
	return f
}

// ClampQty bounds a quantity into the exchange min/max window.
func (q *Quantizer) ClampQty(qty float64) float64 {
	v := decimal.NewFromFloat(qty)
	if !q.minQty.IsZero() && v.LessThan(q.minQty) {
		v = q.minQty
	}
	if !q.maxQty.IsZero() && v.GreaterThan(q.maxQty) {
		v = q.maxQty
	}
	f, _ := v.Float64()
	return f
}

// WithinQtyBounds reports whether qty sits inside the exchange window without
// clamping it.
func (q *Quantizer) WithinQtyBounds(qty float64) bool {
	v := decimal.NewFromFloat(qty)
	if !q.minQty.IsZero() && v.LessThan(q.minQty) {
		return false
	}
	if !q.maxQty.IsZero() && v.GreaterThan(q.maxQty) {
		return false
	}
	return true
}
