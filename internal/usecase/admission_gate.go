package usecase

import (
	"context"

	"go.uber.org/zap"

	"github.com/pivox/tradingV3-sub005/internal/domain"
)

// AdmissionGate filters out symbols that already carry exchange exposure.
// Exclusion is recorded as a run-level audit event so the excluded symbol
// itself accrues no per-symbol rows. Collaborator failures admit everything
// (fail-open) with a warning, per the error taxonomy.
type AdmissionGate struct {
	state    domain.ExchangeState
	switches *SwitchRegistry
	ledger   *AuditLedger
	logger   *zap.Logger
}

func NewAdmissionGate(state domain.ExchangeState, switches *SwitchRegistry, ledger *AuditLedger, logger *zap.Logger) *AdmissionGate {
	return &AdmissionGate{state: state, switches: switches, ledger: ledger, logger: logger}
}

// Filter splits the resolved set into admitted and excluded symbols.
func (g *AdmissionGate) Filter(ctx context.Context, runID string, symbols []string) (admitted, excluded []string) {
	busy, err := g.activitySet(ctx)
	if err != nil {
		g.logger.Warn("exchange state unreachable, admitting all symbols", zap.Error(err))
		g.ledger.Record(ctx, runID, "", "", StepAdmissionWarning, "exchange_state_unreachable",
			map[string]any{"error": err.Error()}, nil, domain.SeverityWarning)
		return symbols, nil
	}

	// Symbols whose activity cleared since the last run go back ON before
	// this run's exclusion decision.
	g.switches.ReactivateCleared(ctx, busy)

	for _, sym := range symbols {
		if !busy[sym] {
			admitted = append(admitted, sym)
			continue
		}
		excluded = append(excluded, sym)

		key := domain.SwitchKey(sym)
		if g.switches.IsOn(ctx, key) {
			// First collision with live exposure: back off harder.
			if err := g.switches.TurnOff(ctx, key, SwitchBackoffWindow, "open exchange activity"); err != nil {
				g.logger.Warn("failed to back off switch", zap.String("symbol", sym), zap.Error(err))
			}
		} else {
			// Already off and still busy: just push the recheck out.
			if err := g.switches.ExtendExpiry(ctx, key, SwitchRecheckWindow); err != nil {
				g.logger.Warn("failed to extend switch", zap.String("symbol", sym), zap.Error(err))
			}
		}
	}

	if len(excluded) > 0 {
		g.logger.Info("excluded symbols with open exchange activity", zap.Strings("symbols", excluded))
		g.ledger.Record(ctx, runID, "", "", StepAdmissionExcluded, "open_exchange_activity",
			map[string]any{"symbols": excluded}, nil, domain.SeverityInfo)
	}
	return admitted, excluded
}

func (g *AdmissionGate) activitySet(ctx context.Context) (map[string]bool, error) {
	busy := make(map[string]bool)

	positions, err := g.state.OpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if p.Size != 0 {
			busy[p.Symbol] = true
		}
	}

	orders, err := g.state.OpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		busy[o.Symbol] = true
	}
	return busy, nil
}
