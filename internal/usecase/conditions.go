package usecase

import "github.com/pivox/tradingV3-sub005/internal/domain"

// ConditionKind is the closed set of confirmation checks the cascade can
// require on top of the signal engine's own verdict. Dispatch goes through
// conditionFuncs, a lookup table of pure functions over the evaluation.
type ConditionKind string

const (
	CondMacdAlignment ConditionKind = "macd_alignment"
	CondEmaTrend      ConditionKind = "ema_trend"
	CondAtrFloor      ConditionKind = "atr_floor"
	CondVolumeFloor   ConditionKind = "volume_floor"
)

type conditionFunc func(side domain.Side, metrics map[string]float64) bool

var conditionFuncs = map[ConditionKind]conditionFunc{
	// MACD histogram must point the same way as the candidate side.
	CondMacdAlignment: func(side domain.Side, m map[string]float64) bool {
		hist, ok := m["macd_hist"]
		if !ok {
			return true
		}
		if side == domain.SideShort {
			return hist < 0
		}
		return hist > 0
	},
	// Fast EMA above slow for longs, below for shorts.
	CondEmaTrend: func(side domain.Side, m map[string]float64) bool {
		fast, okF := m["ema_fast"]
		slow, okS := m["ema_slow"]
		if !okF || !okS {
			return true
		}
		if side == domain.SideShort {
			return fast < slow
		}
		return fast > slow
	},
	// Reject dead markets: ATR must clear a floor relative to price.
	CondAtrFloor: func(_ domain.Side, m map[string]float64) bool {
		atr, okA := m["atr"]
		price, okP := m["close"]
		if !okA || !okP || price <= 0 {
			return true
		}
		return atr/price >= 0.0005
	},
	// Current volume must not collapse below half its average.
	CondVolumeFloor: func(_ domain.Side, m map[string]float64) bool {
		vol, okV := m["volume"]
		avg, okA := m["volume_avg"]
		if !okV || !okA || avg <= 0 {
			return true
		}
		return vol >= avg*0.5
	},
}

// defaultConfirmations lists the conditions each timeframe must clear once the
// signal engine reports a side. Finer timeframes confirm harder.
var defaultConfirmations = map[domain.Timeframe][]ConditionKind{
	domain.Timeframe4h:  {CondEmaTrend},
	domain.Timeframe1h:  {CondEmaTrend, CondMacdAlignment},
	domain.Timeframe15m: {CondEmaTrend, CondMacdAlignment},
	domain.Timeframe5m:  {CondMacdAlignment, CondAtrFloor},
	domain.Timeframe1m:  {CondMacdAlignment, CondAtrFloor, CondVolumeFloor},
}

// failedConfirmations returns the names of required conditions that did not
// hold for the given side.
func failedConfirmations(tf domain.Timeframe, side domain.Side, metrics map[string]float64) []string {
	var failed []string
	for _, kind := range defaultConfirmations[tf] {
		fn, ok := conditionFuncs[kind]
		if !ok {
			continue
		}
		if !fn(side, metrics) {
			failed = append(failed, string(kind))
		}
	}
	return failed
}
