package usecase

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/pivox/tradingV3-sub005/internal/domain"
)

// DefaultSymbols keeps the pipeline alive when the contract catalog is
// unreachable and no explicit list was given.
var DefaultSymbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}

// SymbolResolver produces the candidate set for a run: the explicit list or
// the active catalog, always merged with symbols whose switch expiry just
// passed so a temporarily disabled symbol is re-considered instead of
// silently dropped.
type SymbolResolver struct {
	catalog  domain.ContractCatalog
	switches *SwitchRegistry
	logger   *zap.Logger
}

func NewSymbolResolver(catalog domain.ContractCatalog, switches *SwitchRegistry, logger *zap.Logger) *SymbolResolver {
	return &SymbolResolver{catalog: catalog, switches: switches, logger: logger}
}

func (r *SymbolResolver) Resolve(ctx context.Context, explicit []string) []string {
	var base []string
	if len(explicit) > 0 {
		base = explicit
	} else {
		active, err := r.catalog.ActiveSymbols(ctx)
		if err != nil {
			r.logger.Warn("contract catalog unavailable, using fallback set", zap.Error(err))
			base = DefaultSymbols
		} else {
			base = active
		}
	}

	// Symbols re-queued by expiring switches join every run exactly once.
	requeued := r.switches.ConsumeExpiredSymbols(ctx)

	seen := make(map[string]bool)
	var out []string
	for _, s := range append(base, requeued...) {
		sym := strings.ToUpper(strings.TrimSpace(s))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}
