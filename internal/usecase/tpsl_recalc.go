package usecase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pivox/tradingV3-sub005/internal/domain"
)

// TPSLRecalculator refreshes the protective orders of positions already open
// on the exchange. Those symbols never enter the cascade (the admission gate
// excludes them), so this is the only path that keeps their stop and target on
// the current grid after the run.
type TPSLRecalculator struct {
	state     domain.ExchangeState
	filters   domain.FilterRepository
	planner   *OrderPlanner
	cfg       SizerConfig
	submitter domain.OrderSubmitter
	ledger    *AuditLedger
	logger    *zap.Logger
}

func NewTPSLRecalculator(state domain.ExchangeState, filters domain.FilterRepository, planner *OrderPlanner, cfg SizerConfig, submitter domain.OrderSubmitter, ledger *AuditLedger, logger *zap.Logger) *TPSLRecalculator {
	return &TPSLRecalculator{
		state:     state,
		filters:   filters,
		planner:   planner,
		cfg:       cfg.withDefaults(),
		submitter: submitter,
		ledger:    ledger,
		logger:    logger,
	}
}

// Recalculate rebuilds reduce-only stop/target plans for every open position.
// A failure on one position does not stop the others.
func (r *TPSLRecalculator) Recalculate(ctx context.Context, runID string) error {
	positions, err := r.state.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("loading positions: %w", err)
	}

	var firstErr error
	for _, pos := range positions {
		if pos.Size == 0 {
			continue
		}
		if err := r.recalcPosition(ctx, runID, pos); err != nil {
			r.logger.Warn("protective order recalculation failed",
				zap.String("symbol", pos.Symbol), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *TPSLRecalculator) recalcPosition(ctx context.Context, runID string, pos *domain.Position) error {
	filters, err := r.filters.GetFilters(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("loading filters: %w", err)
	}

	// Anchor on the recorded entry. leverage = risk_pct / stop_pct at sizing
	// time, so the position's own leverage recovers its stop distance when no
	// fresh ATR is available for the symbol.
	stopPct := r.cfg.RiskPct
	if pos.Leverage > 0 {
		stopPct = r.cfg.RiskPct / pos.Leverage
	}
	stopDist := pos.EntryPrice * stopPct
	tpDist := stopDist * r.cfg.RMultiple

	var stop, tp1 float64
	if pos.Side == domain.SideShort {
		stop = pos.EntryPrice + stopDist
		tp1 = pos.EntryPrice - tpDist
	} else {
		stop = pos.EntryPrice - stopDist
		tp1 = pos.EntryPrice + tpDist
	}

	plan, err := r.planner.Build(filters, PlanInput{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Entry:      pos.EntryPrice,
		Qty:        pos.Size,
		Stop:       stop,
		TP1:        tp1,
		Leverage:   pos.Leverage,
		ReduceOnly: true,
	})
	if err != nil {
		return err
	}
	if err := r.submitter.Submit(ctx, plan); err != nil {
		return fmt.Errorf("submitting protective orders: %w", err)
	}
	r.ledger.Record(ctx, runID, pos.Symbol, "", StepOrderSubmitted, "tpsl_recalculated", plan, nil, domain.SeverityInfo)
	return nil
}
