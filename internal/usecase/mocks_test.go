package usecase_test

import (
	"context"
	"sync"
	"time"

	"github.com/pivox/tradingV3-sub005/internal/domain"
)

// Shared hand-rolled mocks for the usecase tests. Each mock keeps just enough
// state for assertions.

type MockSwitchRepo struct {
	mu       sync.Mutex
	Switches map[string]*domain.Switch
	Err      error
}

func NewMockSwitchRepo() *MockSwitchRepo {
	return &MockSwitchRepo{Switches: make(map[string]*domain.Switch)}
}

func (m *MockSwitchRepo) GetSwitch(ctx context.Context, key string) (*domain.Switch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	sw, ok := m.Switches[key]
	if !ok {
		return nil, nil
	}
	cp := *sw
	return &cp, nil
}

func (m *MockSwitchRepo) UpsertSwitch(ctx context.Context, sw *domain.Switch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	cp := *sw
	m.Switches[sw.Key] = &cp
	return nil
}

func (m *MockSwitchRepo) ListSwitches(ctx context.Context) ([]*domain.Switch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []*domain.Switch
	for _, sw := range m.Switches {
		cp := *sw
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockSwitchRepo) ExpiredSymbolSwitches(ctx context.Context, now time.Time) ([]*domain.Switch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []*domain.Switch
	for _, sw := range m.Switches {
		if _, ok := domain.SymbolFromSwitchKey(sw.Key); !ok {
			continue
		}
		if !sw.IsOn && sw.ExpiresAt != nil && sw.ExpiresAt.Before(now) {
			cp := *sw
			out = append(out, &cp)
		}
	}
	return out, nil
}

type MockLockRepo struct {
	mu    sync.Mutex
	Locks map[string]*domain.Lock
}

func NewMockLockRepo() *MockLockRepo {
	return &MockLockRepo{Locks: make(map[string]*domain.Lock)}
}

func (m *MockLockRepo) GetLock(ctx context.Context, key string) (*domain.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.Locks[key]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (m *MockLockRepo) UpsertLock(ctx context.Context, lock *domain.Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *lock
	m.Locks[lock.Key] = &cp
	return nil
}

func (m *MockLockRepo) DeleteLock(ctx context.Context, key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.Locks[key]; ok && l.Holder == holder {
		delete(m.Locks, key)
	}
	return nil
}

type MockAuditRepo struct {
	mu     sync.Mutex
	Events []*domain.AuditEvent
	Err    error
}

func (m *MockAuditRepo) InsertEvent(ctx context.Context, ev *domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	cp := *ev
	m.Events = append(m.Events, &cp)
	return nil
}

func (m *MockAuditRepo) EventsForRun(ctx context.Context, runID string) ([]*domain.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.AuditEvent
	for _, ev := range m.Events {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MockAuditRepo) CountEventsForSymbol(ctx context.Context, runID, symbol string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.Events {
		if ev.RunID == runID && ev.Symbol == symbol {
			n++
		}
	}
	return n, nil
}

func (m *MockAuditRepo) StepStats(ctx context.Context, since time.Time) ([]domain.StepStat, error) {
	return nil, nil
}

func (m *MockAuditRepo) BlockingConditions(ctx context.Context, since time.Time, limit int) ([]domain.ConditionStat, error) {
	return nil, nil
}

func (m *MockAuditRepo) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// EventsForSymbol filters recorded events, run-level rows excluded.
func (m *MockAuditRepo) EventsForSymbol(symbol string) []*domain.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.AuditEvent
	for _, ev := range m.Events {
		if ev.Symbol == symbol {
			out = append(out, ev)
		}
	}
	return out
}

type MockCandleSource struct {
	ByTF map[domain.Timeframe][]domain.Candle
	Err  error
}

func (m *MockCandleSource) Candles(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Candle, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if m.ByTF == nil {
		return defaultCandles(), nil
	}
	return m.ByTF[tf], nil
}

type MockSignalEngine struct {
	mu    sync.Mutex
	Evals map[domain.Timeframe]*domain.SignalEvaluation
	Err   error
	Calls []domain.Timeframe
}

func (m *MockSignalEngine) Evaluate(ctx context.Context, symbol string, tf domain.Timeframe, candles []domain.Candle) (*domain.SignalEvaluation, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, tf)
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if ev, ok := m.Evals[tf]; ok {
		return ev, nil
	}
	return sideEval(domain.SideLong), nil
}

func (m *MockSignalEngine) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

type MockExchangeState struct {
	Positions []*domain.Position
	Orders    []*domain.OpenOrder
	Err       error
}

func (m *MockExchangeState) OpenPositions(ctx context.Context) ([]*domain.Position, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Positions, nil
}

func (m *MockExchangeState) OpenOrders(ctx context.Context) ([]*domain.OpenOrder, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Orders, nil
}

type MockCatalog struct {
	Symbols []string
	Filters map[string]*domain.SymbolFilters
	Err     error
}

func (m *MockCatalog) ActiveSymbols(ctx context.Context) ([]string, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Symbols, nil
}

func (m *MockCatalog) SymbolFilters(ctx context.Context, symbol string) (*domain.SymbolFilters, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if f, ok := m.Filters[symbol]; ok {
		return f, nil
	}
	return btcFilters(), nil
}

type MockAccount struct {
	mu     sync.Mutex
	Equity float64
	Err    error
	Calls  int
}

func (m *MockAccount) EquityUSDT(ctx context.Context) (float64, error) {
	m.mu.Lock()
	m.Calls++
	m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	return m.Equity, nil
}

func (m *MockAccount) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

type MockSubmitter struct {
	mu    sync.Mutex
	Plans []*domain.OrderPlan
	Err   error
}

func (m *MockSubmitter) Submit(ctx context.Context, plan *domain.OrderPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Plans = append(m.Plans, plan)
	return nil
}

type MockPriceStream struct {
	mu         sync.Mutex
	Prices     map[string]float64
	Subscribed []string
	TF         domain.Timeframe
	Closed     bool
	Err        error
}

func (m *MockPriceStream) SubscribeKlines(symbols []string, tf domain.Timeframe) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Subscribed = append(m.Subscribed, symbols...)
	m.TF = tf
	return nil
}

func (m *MockPriceStream) LastPrice(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Prices[symbol]
}

func (m *MockPriceStream) CloseStream() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
}

type MockRunRepo struct {
	mu   sync.Mutex
	Runs []*domain.RunSummary
}

func (m *MockRunRepo) InsertRun(ctx context.Context, summary *domain.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Runs = append(m.Runs, summary)
	return nil
}

func (m *MockRunRepo) GetRun(ctx context.Context, runID string) (*domain.RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.Runs {
		if r.RunID == runID {
			return r, nil
		}
	}
	return nil, nil
}

func (m *MockRunRepo) RecentRuns(ctx context.Context, limit int) ([]*domain.RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Runs, nil
}

type MockFilterRepo struct {
	mu      sync.Mutex
	Filters map[string]*domain.SymbolFilters
}

func NewMockFilterRepo() *MockFilterRepo {
	return &MockFilterRepo{Filters: make(map[string]*domain.SymbolFilters)}
}

func (m *MockFilterRepo) UpsertFilters(ctx context.Context, f *domain.SymbolFilters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Filters[f.Symbol] = f
	return nil
}

func (m *MockFilterRepo) GetFilters(ctx context.Context, symbol string) (*domain.SymbolFilters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.Filters[symbol]; ok {
		return f, nil
	}
	return btcFilters(), nil
}

// --- fixtures ---

func btcFilters() *domain.SymbolFilters {
	return &domain.SymbolFilters{
		Symbol:      "BTCUSDT",
		TickSize:    0.01,
		StepSize:    0.001,
		MinQty:      0.001,
		MaxQty:      1000,
		MinNotional: 5,
		Status:      "Trading",
	}
}

func defaultCandles() []domain.Candle {
	out := make([]domain.Candle, 200)
	for i := range out {
		out[i] = domain.Candle{
			OpenTime: int64(i) * 60_000,
			Open:     100, High: 101, Low: 99, Close: 100.5,
			Volume: 1000,
		}
	}
	return out
}

// sideEval builds an evaluation whose metrics satisfy every confirmation for
// the given side.
func sideEval(side domain.Side) *domain.SignalEvaluation {
	hist := 1.0
	fast, slow := 105.0, 100.0
	if side == domain.SideShort {
		hist = -1.0
		fast, slow = 100.0, 105.0
	}
	return &domain.SignalEvaluation{
		Side:  side,
		Valid: side != domain.SideNone,
		Metrics: map[string]float64{
			"close":      100,
			"atr":        0.5,
			"macd_hist":  hist,
			"ema_fast":   fast,
			"ema_slow":   slow,
			"volume":     1000,
			"volume_avg": 900,
		},
	}
}
