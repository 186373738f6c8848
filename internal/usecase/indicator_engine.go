package usecase

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pivox/tradingV3-sub005/internal/domain"
)

// IndicatorEngine is the built-in signal engine. It computes EMA trend, MACD
// histogram, Wilder ATR and average volume over the supplied candles and
// derives a side from EMA alignment confirmed by the MACD histogram. Any
// engine satisfying domain.SignalEngine can replace it.
type IndicatorEngine struct {
	EmaFastPeriod int
	EmaSlowPeriod int
	MacdFast      int
	MacdSlow      int
	MacdSignal    int
	AtrPeriod     int
	VolumePeriod  int
}

func NewIndicatorEngine() *IndicatorEngine {
	return &IndicatorEngine{
		EmaFastPeriod: 20,
		EmaSlowPeriod: 50,
		MacdFast:      12,
		MacdSlow:      26,
		MacdSignal:    9,
		AtrPeriod:     14,
		VolumePeriod:  20,
	}
}

func (e *IndicatorEngine) Evaluate(ctx context.Context, symbol string, tf domain.Timeframe, candles []domain.Candle) (*domain.SignalEvaluation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	minBars := e.EmaSlowPeriod
	if e.MacdSlow+e.MacdSignal > minBars {
		minBars = e.MacdSlow + e.MacdSignal
	}
	if len(candles) < minBars {
		return nil, fmt.Errorf("%s %s: need %d candles, got %d", symbol, tf, minBars, len(candles))
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	emaFast := ema(closes, e.EmaFastPeriod)
	emaSlow := ema(closes, e.EmaSlowPeriod)
	macdHist := e.macdHistogram(closes)
	atr := wilderATR(candles, e.AtrPeriod)
	volAvg := averageVolume(candles, e.VolumePeriod)

	last := candles[len(candles)-1]
	metrics := map[string]float64{
		"close":      last.Close,
		"volume":     last.Volume,
		"ema_fast":   emaFast,
		"ema_slow":   emaSlow,
		"macd_hist":  macdHist,
		"atr":        atr,
		"volume_avg": volAvg,
	}

	side := domain.SideNone
	var failedLong, failedShort []string

	if emaFast > emaSlow {
		if macdHist > 0 {
			side = domain.SideLong
		} else {
			failedLong = append(failedLong, "macd_hist_not_positive")
		}
		failedShort = append(failedShort, "ema_fast_above_slow")
	} else if emaFast < emaSlow {
		if macdHist < 0 {
			side = domain.SideShort
		} else {
			failedShort = append(failedShort, "macd_hist_not_negative")
		}
		failedLong = append(failedLong, "ema_fast_below_slow")
	} else {
		failedLong = append(failedLong, "ema_flat")
		failedShort = append(failedShort, "ema_flat")
	}

	return &domain.SignalEvaluation{
		Side:                  side,
		Valid:                 side != domain.SideNone,
		FailedConditionsLong:  failedLong,
		FailedConditionsShort: failedShort,
		CandleOpen:            time.UnixMilli(last.OpenTime).UTC(),
		Metrics:               metrics,
	}, nil
}

// ema returns the last EMA value, seeded with the SMA of the first period bars.
func ema(values []float64, period int) float64 {
	if len(values) < period {
		return 0
	}
	var sma float64
	for i := 0; i < period; i++ {
		sma += values[i]
	}
	cur := sma / float64(period)

	alpha := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		cur = values[i]*alpha + cur*(1-alpha)
	}
	return cur
}

// emaSeries returns the full EMA series, zero before the seed index.
func emaSeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) < period {
		return out
	}
	var sma float64
	for i := 0; i < period; i++ {
		sma += values[i]
	}
	out[period-1] = sma / float64(period)

	alpha := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		out[i] = values[i]*alpha + out[i-1]*(1-alpha)
	}
	return out
}

// macdHistogram returns the last MACD histogram value (macd line minus its
// signal line EMA).
func (e *IndicatorEngine) macdHistogram(closes []float64) float64 {
	fast := emaSeries(closes, e.MacdFast)
	slow := emaSeries(closes, e.MacdSlow)

	macd := make([]float64, 0, len(closes)-e.MacdSlow+1)
	for i := e.MacdSlow - 1; i < len(closes); i++ {
		macd = append(macd, fast[i]-slow[i])
	}
	if len(macd) < e.MacdSignal {
		return 0
	}
	signal := ema(macd, e.MacdSignal)
	return macd[len(macd)-1] - signal
}

// wilderATR seeds with the SMA of the first period true ranges, then applies
// Wilder's smoothing.
func wilderATR(candles []domain.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 0
	}
	tr := make([]float64, len(candles))
	for i := 1; i < len(candles); i++ {
		highLow := candles[i].High - candles[i].Low
		highClose := math.Abs(candles[i].High - candles[i-1].Close)
		lowClose := math.Abs(candles[i].Low - candles[i-1].Close)
		tr[i] = math.Max(highLow, math.Max(highClose, lowClose))
	}

	var atr float64
	for i := 1; i <= period; i++ {
		atr += tr[i]
	}
	atr /= float64(period)

	for i := period + 1; i < len(candles); i++ {
		atr = (atr*float64(period-1) + tr[i]) / float64(period)
	}
	return atr
}

func averageVolume(candles []domain.Candle, period int) float64 {
	if len(candles) == 0 {
		return 0
	}
	start := len(candles) - period
	if start < 0 {
		start = 0
	}
	var sum float64
	for _, c := range candles[start:] {
		sum += c.Volume
	}
	return sum / float64(len(candles)-start)
}
