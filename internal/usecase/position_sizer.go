package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pivox/tradingV3-sub005/internal/domain"
)

// ErrLiquidationTooClose rejects a sizing attempt whose stop sits too close to
// the estimated liquidation price. Fatal for the attempt, never retried.
var ErrLiquidationTooClose = errors.New("stop too close to estimated liquidation price")

// LiquidationGuard estimates where the exchange would liquidate a position.
type LiquidationGuard interface {
	EstimateLiquidationPrice(side domain.Side, entry, leverage float64) float64
}

// IsolatedMarginGuard approximates the liquidation price of an isolated
// position, ignoring the maintenance margin haircut.
type IsolatedMarginGuard struct{}

func (IsolatedMarginGuard) EstimateLiquidationPrice(side domain.Side, entry, leverage float64) float64 {
	if leverage <= 0 {
		return 0
	}
	if side == domain.SideShort {
		return entry * (1 + 1/leverage)
	}
	return entry * (1 - 1/leverage)
}

type SizerConfig struct {
	RiskPct        float64 `yaml:"risk_pct"`         // share of equity risked per trade
	KAtr           float64 `yaml:"k_atr"`            // stop distance in ATR multiples
	RMultiple      float64 `yaml:"r_multiple"`       // tp1 distance in stop-distance multiples
	MaxLeverage    float64 `yaml:"max_leverage"`
	LiqDistanceMin float64 `yaml:"liq_distance_min"` // liq distance must be >= this x stop distance
	EquityCacheTTL time.Duration `yaml:"-"`
}

func (c *SizerConfig) withDefaults() SizerConfig {
	out := *c
	if out.RiskPct <= 0 {
		out.RiskPct = 0.01
	}
	if out.KAtr <= 0 {
		out.KAtr = 1.5
	}
	if out.RMultiple <= 0 {
		out.RMultiple = 1.5
	}
	if out.MaxLeverage <= 0 {
		out.MaxLeverage = 25
	}
	if out.LiqDistanceMin <= 0 {
		out.LiqDistanceMin = 3
	}
	if out.EquityCacheTTL <= 0 {
		out.EquityCacheTTL = 30 * time.Second
	}
	return out
}

// SizeResult is the sized intent handed to the planner.
type SizeResult struct {
	Qty       float64
	Leverage  float64
	StopPct   float64
	StopPrice float64
	TP1Price  float64
	RiskUSDT  float64
}

// PositionSizer derives quantity and leverage from account equity and an
// externally computed ATR. Equity is cached with a short TTL so parallel
// symbol work does not hammer the account endpoint.
type PositionSizer struct {
	account domain.AccountSource
	guard   LiquidationGuard
	cfg     SizerConfig
	logger  *zap.Logger

	mu          sync.Mutex
	cachedEquity float64
	equityAt     time.Time
}

func NewPositionSizer(account domain.AccountSource, guard LiquidationGuard, cfg SizerConfig, logger *zap.Logger) *PositionSizer {
	if guard == nil {
		guard = IsolatedMarginGuard{}
	}
	return &PositionSizer{
		account: account,
		guard:   guard,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

func (s *PositionSizer) equity(ctx context.Context) (float64, error) {
	s.mu.Lock()
	if s.cachedEquity > 0 && time.Since(s.equityAt) < s.cfg.EquityCacheTTL {
		eq := s.cachedEquity
		s.mu.Unlock()
		return eq, nil
	}
	s.mu.Unlock()

	eq, err := s.account.EquityUSDT(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.cachedEquity = eq
	s.equityAt = time.Now()
	s.mu.Unlock()
	return eq, nil
}

// Size computes a risk-based position for the given entry and ATR:
// risk = equity * risk_pct; stop_pct = k_atr * atr / entry;
// leverage = risk_pct / stop_pct; qty = risk / (entry * stop_pct).
func (s *PositionSizer) Size(ctx context.Context, symbol string, side domain.Side, entryPrice, atr float64) (*SizeResult, error) {
	if entryPrice <= 0 || atr <= 0 {
		return nil, fmt.Errorf("sizing %s: entry %f and atr %f must be positive", symbol, entryPrice, atr)
	}

	eq, err := s.equity(ctx)
	if err != nil {
		return nil, fmt.Errorf("sizing %s: equity lookup: %w", symbol, err)
	}

	entry := decimal.NewFromFloat(entryPrice)
	stopPct := decimal.NewFromFloat(s.cfg.KAtr * atr).Div(entry)
	if stopPct.Sign() <= 0 {
		return nil, fmt.Errorf("sizing %s: degenerate stop distance", symbol)
	}

	riskUSDT := decimal.NewFromFloat(eq * s.cfg.RiskPct)
	leverage := decimal.NewFromFloat(s.cfg.RiskPct).Div(stopPct)
	maxLev := decimal.NewFromFloat(s.cfg.MaxLeverage)
	if leverage.GreaterThan(maxLev) {
		leverage = maxLev
	}
	if leverage.LessThan(decimal.NewFromInt(1)) {
		leverage = decimal.NewFromInt(1)
	}

	qty := riskUSDT.Div(entry.Mul(stopPct))

	stopDist := entry.Mul(stopPct)
	var stopPrice, tp1Price decimal.Decimal
	tpDist := stopDist.Mul(decimal.NewFromFloat(s.cfg.RMultiple))
	if side == domain.SideShort {
		stopPrice = entry.Add(stopDist)
		tp1Price = entry.Sub(tpDist)
	} else {
		stopPrice = entry.Sub(stopDist)
		tp1Price = entry.Add(tpDist)
	}

	levF := mustF(leverage)
	liq := s.guard.EstimateLiquidationPrice(side, entryPrice, levF)
	liqDist := decimal.NewFromFloat(entryPrice - liq).Abs()
	minLiqDist := stopDist.Mul(decimal.NewFromFloat(s.cfg.LiqDistanceMin))
	if liq > 0 && liqDist.LessThan(minLiqDist) {
		s.logger.Warn("liquidation guard rejected sizing",
			zap.String("symbol", symbol),
			zap.Float64("liq_price", liq),
			zap.Float64("stop_price", mustF(stopPrice)),
			zap.Float64("leverage", levF))
		return nil, fmt.Errorf("sizing %s: %w (liq=%f stop=%f)", symbol, ErrLiquidationTooClose, liq, mustF(stopPrice))
	}

	return &SizeResult{
		Qty:       mustF(qty),
		Leverage:  levF,
		StopPct:   mustF(stopPct),
		StopPrice: mustF(stopPrice),
		TP1Price:  mustF(tp1Price),
		RiskUSDT:  mustF(riskUSDT),
	}, nil
}
