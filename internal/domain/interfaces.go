package domain

import (
	"context"
	"time"
)

// SignalEngine computes indicator-based signals for one symbol/timeframe. The
// orchestrator treats it as a black box.
type SignalEngine interface {
	Evaluate(ctx context.Context, symbol string, tf Timeframe, candles []Candle) (*SignalEvaluation, error)
}

// ContractCatalog exposes the exchange contract universe and trading rules.
type ContractCatalog interface {
	ActiveSymbols(ctx context.Context) ([]string, error)
	SymbolFilters(ctx context.Context, symbol string) (*SymbolFilters, error)
}

// ExchangeState reports live exposure used by the admission gate.
type ExchangeState interface {
	OpenPositions(ctx context.Context) ([]*Position, error)
	OpenOrders(ctx context.Context) ([]*OpenOrder, error)
}

// CandleSource returns historical candles, newest last. Start/end bound the
// candle open times; an empty range is legal and yields no candles.
type CandleSource interface {
	Candles(ctx context.Context, symbol string, tf Timeframe, start, end time.Time) ([]Candle, error)
}

// PriceStream is a live last-price feed over the exchange's public stream.
// LastPrice returns 0 until the first tick for a symbol arrives.
type PriceStream interface {
	SubscribeKlines(symbols []string, tf Timeframe) error
	LastPrice(symbol string) float64
	CloseStream()
}

// AccountSource reports account equity for risk sizing.
type AccountSource interface {
	EquityUSDT(ctx context.Context) (float64, error)
}

// OrderSubmitter hands a finished plan to the execution layer. Dry runs never
// reach it.
type OrderSubmitter interface {
	Submit(ctx context.Context, plan *OrderPlan) error
}

// AuditRepository persists and aggregates the append-only run ledger.
type AuditRepository interface {
	InsertEvent(ctx context.Context, ev *AuditEvent) error
	EventsForRun(ctx context.Context, runID string) ([]*AuditEvent, error)
	CountEventsForSymbol(ctx context.Context, runID, symbol string) (int, error)
	StepStats(ctx context.Context, since time.Time) ([]StepStat, error)
	BlockingConditions(ctx context.Context, since time.Time, limit int) ([]ConditionStat, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SwitchRepository persists the time-boxed gates.
type SwitchRepository interface {
	GetSwitch(ctx context.Context, key string) (*Switch, error)
	UpsertSwitch(ctx context.Context, sw *Switch) error
	ListSwitches(ctx context.Context) ([]*Switch, error)
	ExpiredSymbolSwitches(ctx context.Context, now time.Time) ([]*Switch, error)
}

// LockRepository persists advisory run locks.
type LockRepository interface {
	GetLock(ctx context.Context, key string) (*Lock, error)
	UpsertLock(ctx context.Context, lock *Lock) error
	DeleteLock(ctx context.Context, key, holder string) error
}

// RunRepository persists run summaries.
type RunRepository interface {
	InsertRun(ctx context.Context, summary *RunSummary) error
	GetRun(ctx context.Context, runID string) (*RunSummary, error)
	RecentRuns(ctx context.Context, limit int) ([]*RunSummary, error)
}

// FilterRepository caches catalog filters so coordinator and workers share one
// snapshot per run.
type FilterRepository interface {
	UpsertFilters(ctx context.Context, f *SymbolFilters) error
	GetFilters(ctx context.Context, symbol string) (*SymbolFilters, error)
}
