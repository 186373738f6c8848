package usecase_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pivox/tradingV3-sub005/internal/domain"
	"github.com/pivox/tradingV3-sub005/internal/usecase"
)

type validatorFixture struct {
	validator  *usecase.CascadeValidator
	engine     *MockSignalEngine
	switchRepo *MockSwitchRepo
	audit      *MockAuditRepo
}

func newValidatorFixture(engine *MockSignalEngine) *validatorFixture {
	log := zap.NewNop()
	switchRepo := NewMockSwitchRepo()
	audit := &MockAuditRepo{}
	switches := usecase.NewSwitchRegistry(switchRepo, log)
	ledger := usecase.NewAuditLedger(audit, log)
	return &validatorFixture{
		validator:  usecase.NewCascadeValidator(engine, &MockCandleSource{}, switches, ledger, log),
		engine:     engine,
		switchRepo: switchRepo,
		audit:      audit,
	}
}

func TestCascadeValidator_AllTimeframesConfirm(t *testing.T) {
	engine := &MockSignalEngine{Evals: map[domain.Timeframe]*domain.SignalEvaluation{}}
	for _, tf := range domain.TimeframeOrder {
		engine.Evals[tf] = sideEval(domain.SideLong)
	}
	f := newValidatorFixture(engine)

	res := f.validator.ValidateSymbol(context.Background(), "run-1", "BTCUSDT",
		domain.RunRequest{ForceTimeframeCheck: true})

	if res.Status != domain.CascadeSuccess {
		t.Fatalf("Status = %s, want SUCCESS (err=%s)", res.Status, res.Error)
	}
	if res.FinalSignal != domain.SideLong {
		t.Errorf("FinalSignal = %s, want LONG", res.FinalSignal)
	}
	if res.LastValidatedTimeframe != domain.Timeframe1m {
		t.Errorf("LastValidatedTimeframe = %s, want 1m", res.LastValidatedTimeframe)
	}

	// One VALIDATION_SUCCESS event per timeframe, timeframe-prefixed.
	events := f.audit.EventsForSymbol("BTCUSDT")
	if len(events) != len(domain.TimeframeOrder) {
		t.Fatalf("got %d audit events, want %d", len(events), len(domain.TimeframeOrder))
	}
	for i, tf := range domain.TimeframeOrder {
		want := tf.Label() + "_" + usecase.StepValidationSuccess
		if events[i].Step != want {
			t.Errorf("event %d step = %s, want %s", i, events[i].Step, want)
		}
	}
}

func TestCascadeValidator_NoneAtCoarsestIsSkipped(t *testing.T) {
	engine := &MockSignalEngine{Evals: map[domain.Timeframe]*domain.SignalEvaluation{
		domain.Timeframe4h: sideEval(domain.SideNone),
	}}
	f := newValidatorFixture(engine)

	res := f.validator.ValidateSymbol(context.Background(), "run-1", "BTCUSDT",
		domain.RunRequest{ForceTimeframeCheck: true})

	if res.Status != domain.CascadeSkipped {
		t.Errorf("Status = %s, want SKIPPED at the coarsest timeframe", res.Status)
	}
	// Exactly one event: the 4h failure. No finer timeframe was touched.
	events := f.audit.EventsForSymbol("BTCUSDT")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if engine.CallCount() != 1 {
		t.Errorf("engine called %d times, want 1: cascade must stop at 4h", engine.CallCount())
	}
}

func TestCascadeValidator_NoneDeeperIsFailed(t *testing.T) {
	engine := &MockSignalEngine{Evals: map[domain.Timeframe]*domain.SignalEvaluation{
		domain.Timeframe4h:  sideEval(domain.SideLong),
		domain.Timeframe1h:  sideEval(domain.SideLong),
		domain.Timeframe15m: sideEval(domain.SideNone),
	}}
	f := newValidatorFixture(engine)

	res := f.validator.ValidateSymbol(context.Background(), "run-1", "BTCUSDT",
		domain.RunRequest{ForceTimeframeCheck: true})

	if res.Status != domain.CascadeFailed {
		t.Errorf("Status = %s, want FAILED below the coarsest", res.Status)
	}
	if res.FailedTimeframe != domain.Timeframe15m {
		t.Errorf("FailedTimeframe = %s, want 15m", res.FailedTimeframe)
	}
	if engine.CallCount() != 3 {
		t.Errorf("engine called %d times, want 3: no finer timeframe after the halt", engine.CallCount())
	}
}

func TestCascadeValidator_SideDisagreementFails(t *testing.T) {
	engine := &MockSignalEngine{Evals: map[domain.Timeframe]*domain.SignalEvaluation{
		domain.Timeframe4h: sideEval(domain.SideLong),
		domain.Timeframe1h: sideEval(domain.SideShort),
	}}
	f := newValidatorFixture(engine)

	res := f.validator.ValidateSymbol(context.Background(), "run-1", "BTCUSDT",
		domain.RunRequest{ForceTimeframeCheck: true})

	if res.Status != domain.CascadeFailed {
		t.Fatalf("Status = %s, want FAILED on side disagreement", res.Status)
	}
	if res.FailedTimeframe != domain.Timeframe1h {
		t.Errorf("FailedTimeframe = %s, want 1h", res.FailedTimeframe)
	}

	events := f.audit.EventsForSymbol("BTCUSDT")
	last := events[len(events)-1]
	if last.Cause != "side_disagrees_with_higher_timeframe" {
		t.Errorf("last event cause = %s", last.Cause)
	}
}

func TestCascadeValidator_SwitchOffProducesNoWork(t *testing.T) {
	engine := &MockSignalEngine{}
	f := newValidatorFixture(engine)

	future := time.Now().Add(time.Hour)
	f.switchRepo.Switches[domain.SwitchKey("BTCUSDT")] = &domain.Switch{
		Key: domain.SwitchKey("BTCUSDT"), IsOn: false, ExpiresAt: &future,
	}

	res := f.validator.ValidateSymbol(context.Background(), "run-1", "BTCUSDT", domain.RunRequest{})

	if res.Status != domain.CascadeSkipped {
		t.Errorf("Status = %s, want SKIPPED", res.Status)
	}
	if engine.CallCount() != 0 {
		t.Errorf("engine called %d times, want 0 for a disabled symbol", engine.CallCount())
	}
	if events := f.audit.EventsForSymbol("BTCUSDT"); len(events) != 0 {
		t.Errorf("disabled symbol accrued %d audit rows, want 0", len(events))
	}
}

func TestCascadeValidator_ForceRunBypassesSwitch(t *testing.T) {
	engine := &MockSignalEngine{}
	f := newValidatorFixture(engine)

	future := time.Now().Add(time.Hour)
	f.switchRepo.Switches[domain.GlobalSwitchKey] = &domain.Switch{
		Key: domain.GlobalSwitchKey, IsOn: false, ExpiresAt: &future,
	}

	res := f.validator.ValidateSymbol(context.Background(), "run-1", "BTCUSDT",
		domain.RunRequest{ForceRun: true, ForceTimeframeCheck: true})

	if res.Status != domain.CascadeSuccess {
		t.Errorf("Status = %s, want SUCCESS under force-run", res.Status)
	}
}

func TestCascadeValidator_EngineErrorHaltsWithError(t *testing.T) {
	engine := &MockSignalEngine{Err: errors.New("boom")}
	f := newValidatorFixture(engine)

	res := f.validator.ValidateSymbol(context.Background(), "run-1", "BTCUSDT",
		domain.RunRequest{ForceTimeframeCheck: true})

	if res.Status != domain.CascadeError {
		t.Fatalf("Status = %s, want ERROR", res.Status)
	}
	if !strings.Contains(res.Error, "boom") {
		t.Errorf("Error = %q, want the engine error surfaced", res.Error)
	}
	events := f.audit.EventsForSymbol("BTCUSDT")
	if len(events) != 1 || !strings.HasSuffix(events[0].Step, usecase.StepValidationError) {
		t.Errorf("want one VALIDATION_ERROR event, got %+v", events)
	}
}

func TestCascadeValidator_ConfirmationLayerDemotesSide(t *testing.T) {
	// Engine says LONG on 1m but volume collapsed below half its average; the
	// 1m confirmation set includes the volume floor.
	eval := sideEval(domain.SideLong)
	eval.Metrics["volume"] = 100
	eval.Metrics["volume_avg"] = 1000

	engine := &MockSignalEngine{Evals: map[domain.Timeframe]*domain.SignalEvaluation{
		domain.Timeframe1m: eval,
	}}
	f := newValidatorFixture(engine)

	res := f.validator.ValidateSymbol(context.Background(), "run-1", "BTCUSDT",
		domain.RunRequest{ForceTimeframeCheck: true})

	if res.Status != domain.CascadeFailed {
		t.Fatalf("Status = %s, want FAILED on the 1m confirmation", res.Status)
	}
	if res.FailedTimeframe != domain.Timeframe1m {
		t.Errorf("FailedTimeframe = %s, want 1m", res.FailedTimeframe)
	}
	found := false
	for _, c := range res.FailedConditionsLong {
		if c == "volume_floor" {
			found = true
		}
	}
	if !found {
		t.Errorf("FailedConditionsLong = %v, want volume_floor listed", res.FailedConditionsLong)
	}
}

func TestCascadeValidator_CachedSignalSkipsRecomputation(t *testing.T) {
	engine := &MockSignalEngine{Evals: map[domain.Timeframe]*domain.SignalEvaluation{}}
	for _, tf := range domain.TimeframeOrder {
		engine.Evals[tf] = sideEval(domain.SideLong)
	}
	f := newValidatorFixture(engine)
	ctx := context.Background()
	req := domain.RunRequest{}

	first := f.validator.ValidateSymbol(ctx, "run-1", "BTCUSDT", req)
	if first.Status != domain.CascadeSuccess {
		t.Fatalf("first pass Status = %s, want SUCCESS", first.Status)
	}
	callsAfterFirst := engine.CallCount()

	// Same candles are still open: the second pass must serve every
	// timeframe from cache.
	second := f.validator.ValidateSymbol(ctx, "run-2", "BTCUSDT", req)
	if second.Status != domain.CascadeSuccess {
		t.Fatalf("second pass Status = %s, want SUCCESS", second.Status)
	}
	if engine.CallCount() != callsAfterFirst {
		t.Errorf("cached pass re-evaluated: %d -> %d engine calls", callsAfterFirst, engine.CallCount())
	}
}

func TestCascadeValidator_CurrentTFForcesRecomputation(t *testing.T) {
	engine := &MockSignalEngine{Evals: map[domain.Timeframe]*domain.SignalEvaluation{}}
	for _, tf := range domain.TimeframeOrder {
		engine.Evals[tf] = sideEval(domain.SideLong)
	}
	f := newValidatorFixture(engine)
	ctx := context.Background()

	f.validator.ValidateSymbol(ctx, "run-1", "BTCUSDT", domain.RunRequest{})
	callsAfterFirst := engine.CallCount()

	// The triggering timeframe is always re-evaluated even with a fresh cache.
	f.validator.ValidateSymbol(ctx, "run-2", "BTCUSDT", domain.RunRequest{CurrentTF: domain.Timeframe15m})
	if engine.CallCount() != callsAfterFirst+1 {
		t.Errorf("want exactly one extra evaluation for the current timeframe, got %d -> %d",
			callsAfterFirst, engine.CallCount())
	}
}

func TestCascadeValidator_EmptyCandleWindowSkipsAtAnyDepth(t *testing.T) {
	engine := &MockSignalEngine{Evals: map[domain.Timeframe]*domain.SignalEvaluation{}}
	log := zap.NewNop()
	switches := usecase.NewSwitchRegistry(NewMockSwitchRepo(), log)
	audit := &MockAuditRepo{}
	ledger := usecase.NewAuditLedger(audit, log)
	// 4h delivers candles, every finer window comes back empty.
	source := &MockCandleSource{ByTF: map[domain.Timeframe][]domain.Candle{
		domain.Timeframe4h: defaultCandles(),
	}}
	v := usecase.NewCascadeValidator(engine, source, switches, ledger, log)

	res := v.ValidateSymbol(context.Background(), "run-1", "BTCUSDT",
		domain.RunRequest{ForceTimeframeCheck: true})

	if res.Status != domain.CascadeSkipped {
		t.Fatalf("Status = %s, want SKIPPED on an empty candle window", res.Status)
	}
	if res.FailedTimeframe != "" {
		t.Errorf("FailedTimeframe = %s, want unset for a no-op window", res.FailedTimeframe)
	}
	if engine.CallCount() != 1 {
		t.Errorf("engine calls = %d, want 1: only 4h had candles to evaluate", engine.CallCount())
	}

	events := audit.EventsForSymbol("BTCUSDT")
	if len(events) == 0 {
		t.Fatal("expected audit events")
	}
	last := events[len(events)-1]
	wantStep := domain.Timeframe1h.Label() + "_" + usecase.StepValidationSkipped
	if last.Step != wantStep || last.Cause != "empty_candle_window" {
		t.Errorf("last event = %s/%s, want %s/empty_candle_window", last.Step, last.Cause, wantStep)
	}
}
