package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pivox/tradingV3-sub005/internal/domain"
)

// candleLookback is how many candles each timeframe evaluation feeds to the
// signal engine.
const candleLookback = 200

type cachedSignal struct {
	side       domain.Side
	candleOpen time.Time
}

// CascadeValidator walks one symbol through the timeframe hierarchy, coarse to
// fine. A timeframe is evaluated only when its gates allow it; a confirmed
// side descends, anything else halts the cascade. Every transition appends one
// audit event.
//
// Signals already validated this run are cached per symbol/timeframe; a finer
// timeframe never causes a coarser one to be recomputed, the recorded value is
// authoritative.
type CascadeValidator struct {
	engine   domain.SignalEngine
	candles  domain.CandleSource
	switches *SwitchRegistry
	ledger   *AuditLedger
	logger   *zap.Logger
	now      func() time.Time

	mu          sync.Mutex
	cache       map[string]cachedSignal // "symbol|tf"
	lastMetrics map[string]map[string]float64
}

func NewCascadeValidator(engine domain.SignalEngine, candles domain.CandleSource, switches *SwitchRegistry, ledger *AuditLedger, logger *zap.Logger) *CascadeValidator {
	return &CascadeValidator{
		engine:      engine,
		candles:     candles,
		switches:    switches,
		ledger:      ledger,
		logger:      logger,
		now:         time.Now,
		cache:       make(map[string]cachedSignal),
		lastMetrics: make(map[string]map[string]float64),
	}
}

// LastMetrics returns the most recent signal-engine metrics seen for a
// symbol, used by sizing once the cascade confirms.
func (v *CascadeValidator) LastMetrics(symbol string) map[string]float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastMetrics[symbol]
}

func cacheKey(symbol string, tf domain.Timeframe) string {
	return symbol + "|" + string(tf)
}

func (v *CascadeValidator) cachedFresh(symbol string, tf domain.Timeframe, currentOpen time.Time) (cachedSignal, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.cache[cacheKey(symbol, tf)]
	if !ok {
		return cachedSignal{}, false
	}
	// Stale once a newer candle has opened for this timeframe.
	if c.candleOpen.Before(currentOpen) {
		return cachedSignal{}, false
	}
	return c, true
}

func (v *CascadeValidator) storeSignal(symbol string, tf domain.Timeframe, side domain.Side, candleOpen time.Time) {
	v.mu.Lock()
	v.cache[cacheKey(symbol, tf)] = cachedSignal{side: side, candleOpen: candleOpen}
	v.mu.Unlock()
}

// ValidateSymbol runs the full cascade for one symbol and returns its result.
// Timeframe evaluation is strictly sequential, coarse to fine.
func (v *CascadeValidator) ValidateSymbol(ctx context.Context, runID, symbol string, req domain.RunRequest) *domain.CascadeResult {
	result := &domain.CascadeResult{
		Symbol:      symbol,
		FinalSignal: domain.SideNone,
	}

	// Gate (a): switch state. A disabled symbol produces no validation work
	// and no audit rows.
	if !req.ForceRun && !v.switches.SymbolEnabled(ctx, symbol) {
		v.logger.Debug("symbol switch off, skipping cascade", zap.String("symbol", symbol))
		result.Status = domain.CascadeSkipped
		return result
	}

	var runSide domain.Side = domain.SideNone

	// Per timeframe the machine moves PENDING -> VALIDATING -> VALID, or halts
	// in INVALID/ERROR and finalizes the result.
	for _, tf := range domain.TimeframeOrder {
		currentOpen := tf.AlignOpen(v.now())

		// Gate (b): staleness. A signal recorded for the still-open candle is
		// served from cache unless recomputation is forced.
		forced := req.ForceTimeframeCheck || req.CurrentTF == tf
		if !forced {
			if c, ok := v.cachedFresh(symbol, tf, currentOpen); ok {
				if halted := v.applySide(ctx, runID, symbol, tf, c.side, runSide, nil, result); halted {
					return result
				}
				if runSide == domain.SideNone {
					runSide = c.side
				}
				result.LastValidatedTimeframe = tf
				continue
			}
		}

		end := currentOpen
		start := end.Add(-candleLookback * tf.Duration())

		// An empty window is an idempotent no-op, not an error: zero candles,
		// signal NONE, SKIPPED at any depth.
		if !start.Before(end) {
			v.skipEmptyWindow(ctx, runID, symbol, tf, start, end, result)
			return result
		}

		candles, err := v.candles.Candles(ctx, symbol, tf, start, end)
		if err != nil {
			v.failWithError(ctx, runID, symbol, tf, fmt.Errorf("loading candles: %w", err), result)
			return result
		}
		if len(candles) == 0 {
			v.skipEmptyWindow(ctx, runID, symbol, tf, start, end, result)
			return result
		}

		eval, err := v.engine.Evaluate(ctx, symbol, tf, candles)
		if err != nil {
			v.failWithError(ctx, runID, symbol, tf, fmt.Errorf("signal engine: %w", err), result)
			return result
		}

		candleOpen := eval.CandleOpen
		if candleOpen.IsZero() {
			candleOpen = currentOpen
		}
		if len(eval.Metrics) > 0 {
			v.mu.Lock()
			v.lastMetrics[symbol] = eval.Metrics
			v.mu.Unlock()
		}

		side := eval.Side
		failedLong := eval.FailedConditionsLong
		failedShort := eval.FailedConditionsShort

		if side != domain.SideNone && eval.Valid {
			// Confirmation layer on top of the engine verdict.
			if confirmFailed := failedConfirmations(tf, side, eval.Metrics); len(confirmFailed) > 0 {
				if side == domain.SideShort {
					failedShort = append(failedShort, confirmFailed...)
				} else {
					failedLong = append(failedLong, confirmFailed...)
				}
				side = domain.SideNone
			}
		} else if !eval.Valid {
			side = domain.SideNone
		}

		if side == domain.SideNone {
			result.FailedConditionsLong = failedLong
			result.FailedConditionsShort = failedShort
			v.ledger.RecordTimeframe(ctx, runID, symbol, tf, StepValidationFailed, "conditions_not_met",
				map[string]any{
					"side":                    eval.Side,
					"failed_conditions_long":  failedLong,
					"failed_conditions_short": failedShort,
				}, &candleOpen, domain.SeverityInfo)
			v.haltOnNone(tf, result)
			return result
		}

		if halted := v.applySide(ctx, runID, symbol, tf, side, runSide, &candleOpen, result); halted {
			return result
		}

		v.storeSignal(symbol, tf, side, candleOpen)
		v.ledger.RecordTimeframe(ctx, runID, symbol, tf, StepValidationSuccess, "validated",
			map[string]any{"side": side}, &candleOpen, domain.SeverityInfo)

		if runSide == domain.SideNone {
			runSide = side
		}
		result.LastValidatedTimeframe = tf
	}

	// All timeframes down to the finest confirmed the same side.
	result.Status = domain.CascadeSuccess
	result.FinalSignal = runSide
	return result
}

// applySide checks the descending side against the authoritative coarser
// signal. A disagreement halts the cascade as INVALID; the coarser value is
// never recomputed.
func (v *CascadeValidator) applySide(ctx context.Context, runID, symbol string, tf domain.Timeframe, side, runSide domain.Side, candleOpen *time.Time, result *domain.CascadeResult) (halted bool) {
	if side == domain.SideNone {
		if candleOpen != nil {
			v.ledger.RecordTimeframe(ctx, runID, symbol, tf, StepValidationFailed, "no_signal",
				map[string]any{"side": side}, candleOpen, domain.SeverityInfo)
		}
		v.haltOnNone(tf, result)
		return true
	}
	if runSide != domain.SideNone && side != runSide {
		result.Status = domain.CascadeFailed
		result.FailedTimeframe = tf
		v.ledger.RecordTimeframe(ctx, runID, symbol, tf, StepValidationFailed, "side_disagrees_with_higher_timeframe",
			map[string]any{"side": side, "higher_side": runSide}, candleOpen, domain.SeverityInfo)
		return true
	}
	return false
}

// skipEmptyWindow finalizes a cascade whose candle range yielded nothing. The
// symbol is neither validated nor failed; the run simply has no work for it.
func (v *CascadeValidator) skipEmptyWindow(ctx context.Context, runID, symbol string, tf domain.Timeframe, start, end time.Time, result *domain.CascadeResult) {
	v.ledger.RecordTimeframe(ctx, runID, symbol, tf, StepValidationSkipped, "empty_candle_window",
		map[string]any{"start": start, "end": end}, nil, domain.SeverityInfo)
	result.Status = domain.CascadeSkipped
}

// haltOnNone finalizes a cascade stopped by a NONE signal. At the coarsest
// timeframe that is a neutral market (SKIPPED); deeper it is a failure.
func (v *CascadeValidator) haltOnNone(tf domain.Timeframe, result *domain.CascadeResult) {
	if tf == domain.TimeframeOrder[0] {
		result.Status = domain.CascadeSkipped
		return
	}
	result.Status = domain.CascadeFailed
	result.FailedTimeframe = tf
}

func (v *CascadeValidator) failWithError(ctx context.Context, runID, symbol string, tf domain.Timeframe, err error, result *domain.CascadeResult) {
	v.logger.Error("cascade evaluation error",
		zap.String("symbol", symbol),
		zap.String("timeframe", string(tf)),
		zap.Error(err))
	result.Status = domain.CascadeError
	result.FailedTimeframe = tf
	result.Error = err.Error()
	v.ledger.RecordTimeframe(ctx, runID, symbol, tf, StepValidationError, "evaluation_error",
		map[string]any{"error": err.Error()}, nil, domain.SeverityError)
}
