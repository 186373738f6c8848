package domain

import "time"

// Timeframe is a candle aggregation period. The cascade walks them coarse to
// fine: 4h -> 1h -> 15m -> 5m -> 1m.
type Timeframe string

const (
	Timeframe4h  Timeframe = "4h"
	Timeframe1h  Timeframe = "1h"
	Timeframe15m Timeframe = "15m"
	Timeframe5m  Timeframe = "5m"
	Timeframe1m  Timeframe = "1m"
)

// TimeframeOrder lists all timeframes from coarsest to finest.
var TimeframeOrder = []Timeframe{Timeframe4h, Timeframe1h, Timeframe15m, Timeframe5m, Timeframe1m}

func ParseTimeframe(s string) (Timeframe, bool) {
	for _, tf := range TimeframeOrder {
		if string(tf) == s {
			return tf, true
		}
	}
	return "", false
}

func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1h:
		return time.Hour
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe1m:
		return time.Minute
	}
	return 0
}

// Next returns the next finer timeframe, or false at the finest.
func (tf Timeframe) Next() (Timeframe, bool) {
	for i, t := range TimeframeOrder {
		if t == tf && i+1 < len(TimeframeOrder) {
			return TimeframeOrder[i+1], true
		}
	}
	return "", false
}

// IsFinest reports whether tf is the terminal timeframe of the cascade.
func (tf Timeframe) IsFinest() bool {
	return tf == TimeframeOrder[len(TimeframeOrder)-1]
}

// AlignOpen truncates t down to the open boundary of the candle containing it.
func (tf Timeframe) AlignOpen(t time.Time) time.Time {
	return t.UTC().Truncate(tf.Duration())
}

// Label returns the upper-cased form used in audit step names, e.g. "15M".
func (tf Timeframe) Label() string {
	b := []byte(tf)
	for i := range b {
		if b[i] >= 'a' && b[i] <= 'z' {
			b[i] -= 'a' - 'A'
		}
	}
	return string(b)
}
