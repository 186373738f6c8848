package domain

import "time"

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
	SideNone  Side = "NONE"
)

type Candle struct {
	OpenTime int64   `json:"open_time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

// SignalEvaluation is what the signal engine reports for one symbol/timeframe.
type SignalEvaluation struct {
	Side                  Side               `json:"side"`
	Valid                 bool               `json:"valid"`
	FailedConditionsLong  []string           `json:"failed_conditions_long"`
	FailedConditionsShort []string           `json:"failed_conditions_short"`
	CandleOpen            time.Time          `json:"candle_open"`
	Metrics               map[string]float64 `json:"metrics,omitempty"`
}

type CascadeStatus string

const (
	CascadeSuccess CascadeStatus = "SUCCESS"
	CascadeFailed  CascadeStatus = "FAILED"
	CascadeSkipped CascadeStatus = "SKIPPED"
	CascadeError   CascadeStatus = "ERROR"
)

// CascadeResult is the per-symbol outcome of one full cascade descent.
type CascadeResult struct {
	Symbol                 string        `json:"symbol"`
	Status                 CascadeStatus `json:"status"`
	LastValidatedTimeframe Timeframe     `json:"last_validated_timeframe,omitempty"`
	FailedTimeframe        Timeframe     `json:"failed_timeframe,omitempty"`
	FailedConditionsLong   []string      `json:"failed_conditions_long,omitempty"`
	FailedConditionsShort  []string      `json:"failed_conditions_short,omitempty"`
	FinalSignal            Side          `json:"final_signal"`
	Error                  string        `json:"error,omitempty"`
}
