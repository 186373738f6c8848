package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pivox/tradingV3-sub005/internal/domain"
)

// Switch windows used by the admission gate: a symbol that is still busy gets
// a short expiry extension; a symbol that was ON and turns out busy is backed
// off harder.
const (
	SwitchRecheckWindow = 1 * time.Minute
	SwitchBackoffWindow = 5 * time.Minute
)

// SwitchRegistry manages the per-symbol and global time-boxed gates. Missing
// switches and expired switches are both permissive, so a fresh symbol trades
// by default and a disabled one self-heals after expiry.
type SwitchRegistry struct {
	repo   domain.SwitchRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewSwitchRegistry(repo domain.SwitchRepository, logger *zap.Logger) *SwitchRegistry {
	return &SwitchRegistry{repo: repo, logger: logger, now: time.Now}
}

// IsOn reports the effective state of one switch. Unknown keys are ON.
func (r *SwitchRegistry) IsOn(ctx context.Context, key string) bool {
	sw, err := r.repo.GetSwitch(ctx, key)
	if err != nil || sw == nil {
		return true
	}
	return sw.EffectiveOn(r.now())
}

// SymbolEnabled requires both the symbol switch and the global switch.
func (r *SwitchRegistry) SymbolEnabled(ctx context.Context, symbol string) bool {
	return r.IsOn(ctx, domain.GlobalSwitchKey) && r.IsOn(ctx, domain.SwitchKey(symbol))
}

func (r *SwitchRegistry) TurnOn(ctx context.Context, key, description string) error {
	return r.repo.UpsertSwitch(ctx, &domain.Switch{
		Key:         key,
		IsOn:        true,
		ExpiresAt:   nil,
		Description: description,
		UpdatedAt:   r.now(),
	})
}

func (r *SwitchRegistry) TurnOff(ctx context.Context, key string, d time.Duration, description string) error {
	exp := r.now().Add(d)
	return r.repo.UpsertSwitch(ctx, &domain.Switch{
		Key:         key,
		IsOn:        false,
		ExpiresAt:   &exp,
		Description: description,
		UpdatedAt:   r.now(),
	})
}

// ExtendExpiry pushes the expiry of an OFF switch further out without
// changing its state. A missing or ON switch is left alone.
func (r *SwitchRegistry) ExtendExpiry(ctx context.Context, key string, d time.Duration) error {
	sw, err := r.repo.GetSwitch(ctx, key)
	if err != nil || sw == nil || sw.IsOn {
		return err
	}
	exp := r.now().Add(d)
	sw.ExpiresAt = &exp
	sw.UpdatedAt = r.now()
	return r.repo.UpsertSwitch(ctx, sw)
}

// ConsumeExpiredSymbols returns the symbols whose switch expiry has just
// passed and re-arms those switches ON, so each expiry is consumed exactly
// once and the symbol re-enters exactly one run.
func (r *SwitchRegistry) ConsumeExpiredSymbols(ctx context.Context) []string {
	expired, err := r.repo.ExpiredSymbolSwitches(ctx, r.now())
	if err != nil {
		r.logger.Warn("failed to read expired switches", zap.Error(err))
		return nil
	}

	var symbols []string
	for _, sw := range expired {
		symbol, ok := domain.SymbolFromSwitchKey(sw.Key)
		if !ok {
			continue
		}
		if err := r.TurnOn(ctx, sw.Key, "switch expiry consumed"); err != nil {
			r.logger.Warn("failed to re-arm expired switch", zap.String("key", sw.Key), zap.Error(err))
			continue
		}
		symbols = append(symbols, symbol)
	}
	if len(symbols) > 0 {
		r.logger.Info("consumed expired symbol switches", zap.Strings("symbols", symbols))
	}
	return symbols
}

// ReactivateCleared flips OFF symbol switches back ON for symbols that no
// longer appear in the exchange activity set. This runs before each admission
// decision so the extend/back-off loop self-heals.
func (r *SwitchRegistry) ReactivateCleared(ctx context.Context, busy map[string]bool) {
	switches, err := r.repo.ListSwitches(ctx)
	if err != nil {
		r.logger.Warn("failed to list switches for reactivation", zap.Error(err))
		return
	}
	for _, sw := range switches {
		symbol, ok := domain.SymbolFromSwitchKey(sw.Key)
		if !ok || sw.IsOn || busy[symbol] {
			continue
		}
		if err := r.TurnOn(ctx, sw.Key, "exchange activity cleared"); err != nil {
			r.logger.Warn("failed to reactivate switch", zap.String("key", sw.Key), zap.Error(err))
			continue
		}
		r.logger.Info("reactivated symbol switch", zap.String("symbol", symbol))
	}
}
