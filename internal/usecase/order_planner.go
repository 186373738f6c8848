package usecase

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pivox/tradingV3-sub005/internal/domain"
)

// ErrInvalidPlan marks a construction failure. It is fatal for the attempt:
// the upstream sizing or price inputs were wrong and retrying cannot help.
var ErrInvalidPlan = errors.New("invalid order plan")

// DefaultTP1Portion is the share of the position closed at the first target.
const DefaultTP1Portion = 0.6

// PlanInput is the raw trade intent before quantization.
type PlanInput struct {
	Symbol     string
	Side       domain.Side
	Entry      float64
	Qty        float64
	Stop       float64
	TP1        float64
	TP1Portion float64 // 0 means DefaultTP1Portion
	Leverage   float64
	PostOnly   bool
	ReduceOnly bool
}

// OrderPlanner turns a raw intent into an exchange-legal OrderPlan. Prices
// land on the tick grid with conservative bias, quantities on the step grid,
// and the directional ordering stop<entry<tp1 (long) / stop>entry>tp1 (short)
// is a hard precondition of the returned plan.
type OrderPlanner struct {
	logger *zap.Logger
}

func NewOrderPlanner(logger *zap.Logger) *OrderPlanner {
	return &OrderPlanner{logger: logger}
}

func (p *OrderPlanner) Build(filters *domain.SymbolFilters, in PlanInput) (*domain.OrderPlan, error) {
	if in.Side != domain.SideLong && in.Side != domain.SideShort {
		return nil, fmt.Errorf("%w: side %q is not tradeable", ErrInvalidPlan, in.Side)
	}
	if in.Entry <= 0 || in.Qty <= 0 {
		return nil, fmt.Errorf("%w: non-positive entry or quantity", ErrInvalidPlan)
	}

	q := NewQuantizer(filters)
	tick := decimal.NewFromFloat(filters.TickSize)
	if tick.IsZero() {
		return nil, fmt.Errorf("%w: %s has no tick size", ErrInvalidPlan, in.Symbol)
	}

	// 1. Snap all three prices toward the conservative direction.
	entry := decimal.NewFromFloat(q.ClampPrice(q.PriceForSide(in.Entry, in.Side)))
	stop := decimal.NewFromFloat(q.ClampPrice(q.PriceForSide(in.Stop, in.Side)))
	tp1 := decimal.NewFromFloat(q.ClampPrice(q.PriceForSide(in.TP1, in.Side)))

	// 2. Quantization can collapse the gap between entry and stop/tp1. Nudge
	// by exactly one tick instead of failing.
	switch in.Side {
	case domain.SideLong:
		if !stop.LessThan(entry) {
			stop = entry.Sub(tick)
		}
		if !tp1.GreaterThan(entry) {
			tp1 = entry.Add(tick)
		}
	case domain.SideShort:
		if !stop.GreaterThan(entry) {
			stop = entry.Add(tick)
		}
		if !tp1.LessThan(entry) {
			tp1 = entry.Sub(tick)
		}
	}
	if stop.Sign() <= 0 {
		return nil, fmt.Errorf("%w: stop collapsed to %s after nudge", ErrInvalidPlan, stop)
	}

	// 3. Quantize and split the quantity.
	portion := in.TP1Portion
	if portion <= 0 || portion >= 1 {
		portion = DefaultTP1Portion
	}
	total := decimal.NewFromFloat(q.QtyFloor(in.Qty))
	if total.Sign() <= 0 {
		return nil, fmt.Errorf("%w: quantity %f below step %f", ErrInvalidPlan, in.Qty, filters.StepSize)
	}

	// 4. Bump to the exchange minimum notional if sizing came in under it.
	entryF, _ := entry.Float64()
	totalF, _ := total.Float64()
	if filters.MinNotional > 0 && entryF*totalF < filters.MinNotional {
		required := q.QtyCeil(filters.MinNotional / entryF)
		p.logger.Warn("bumping quantity to exchange minimum notional",
			zap.String("symbol", in.Symbol),
			zap.Float64("qty", totalF),
			zap.Float64("required", required))
		total = decimal.NewFromFloat(required)
		totalF = required
	}
	if !q.WithinQtyBounds(totalF) {
		return nil, fmt.Errorf("%w: quantity %f outside exchange bounds [%f, %f]",
			ErrInvalidPlan, totalF, filters.MinQty, filters.MaxQty)
	}

	tp1Qty, runnerQty := splitQty(total, portion, decimal.NewFromFloat(filters.StepSize))

	// 5. Directional ordering is a hard precondition of every returned plan.
	plan := &domain.OrderPlan{
		Symbol:     in.Symbol,
		Side:       in.Side,
		EntryPrice: mustF(entry),
		TotalQty:   mustF(total),
		TP1Price:   mustF(tp1),
		TP1Qty:     mustF(tp1Qty),
		StopPrice:  mustF(stop),
		RunnerQty:  mustF(runnerQty),
		Leverage:   in.Leverage,
		PostOnly:   in.PostOnly,
		ReduceOnly: in.ReduceOnly,
	}
	if !plan.OrderedPrices() {
		return nil, fmt.Errorf("%w: %s price ordering violated (stop=%f entry=%f tp1=%f)",
			ErrInvalidPlan, plan.Side, plan.StopPrice, plan.EntryPrice, plan.TP1Price)
	}
	return plan, nil
}

// splitQty carves total into a tp1 portion and a runner remainder, both on the
// step grid, never exceeding total. A split that would leave a zero-sized
// portion collapses everything into tp1.
func splitQty(total decimal.Decimal, portion float64, step decimal.Decimal) (tp1, runner decimal.Decimal) {
	tp1 = snapDown(total.Mul(decimal.NewFromFloat(portion)), step)
	runner = snapDown(total.Sub(tp1), step)

	// Rebalance: rounding must never push the sum above total.
	if tp1.Add(runner).GreaterThan(total) {
		runner = total.Sub(tp1)
		if runner.Sign() < 0 {
			runner = decimal.Zero
		}
	}
	if tp1.Sign() <= 0 || runner.Sign() <= 0 {
		return total, decimal.Zero
	}
	return tp1, runner
}

func mustF(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
