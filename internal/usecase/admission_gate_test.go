package usecase_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pivox/tradingV3-sub005/internal/domain"
	"github.com/pivox/tradingV3-sub005/internal/usecase"
)

func newGate(state *MockExchangeState, switchRepo *MockSwitchRepo, audit *MockAuditRepo) *usecase.AdmissionGate {
	log := zap.NewNop()
	switches := usecase.NewSwitchRegistry(switchRepo, log)
	ledger := usecase.NewAuditLedger(audit, log)
	return usecase.NewAdmissionGate(state, switches, ledger, log)
}

func TestAdmissionGate_ExcludesBusySymbols(t *testing.T) {
	state := &MockExchangeState{
		Positions: []*domain.Position{{Symbol: "BTCUSDT", Size: 0.5}},
		Orders:    []*domain.OpenOrder{{Symbol: "ETHUSDT", OrderID: "1"}},
	}
	audit := &MockAuditRepo{}
	gate := newGate(state, NewMockSwitchRepo(), audit)

	admitted, excluded := gate.Filter(context.Background(), "run-1", []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"})

	if !reflect.DeepEqual(admitted, []string{"SOLUSDT"}) {
		t.Errorf("admitted = %v, want [SOLUSDT]", admitted)
	}
	if !reflect.DeepEqual(excluded, []string{"BTCUSDT", "ETHUSDT"}) {
		t.Errorf("excluded = %v, want [BTCUSDT ETHUSDT]", excluded)
	}

	// Exclusion is recorded at run level only: no per-symbol rows accrue.
	if rows := audit.EventsForSymbol("BTCUSDT"); len(rows) != 0 {
		t.Errorf("excluded symbol accrued %d audit rows, want 0", len(rows))
	}
	events, _ := audit.EventsForRun(context.Background(), "run-1")
	found := false
	for _, ev := range events {
		if ev.Step == usecase.StepAdmissionExcluded && ev.Symbol == "" {
			found = true
		}
	}
	if !found {
		t.Error("missing run-level ADMISSION_EXCLUDED event")
	}
}

func TestAdmissionGate_ZeroSizePositionIsNotBusy(t *testing.T) {
	state := &MockExchangeState{
		Positions: []*domain.Position{{Symbol: "BTCUSDT", Size: 0}},
	}
	gate := newGate(state, NewMockSwitchRepo(), &MockAuditRepo{})

	admitted, excluded := gate.Filter(context.Background(), "run-1", []string{"BTCUSDT"})
	if len(excluded) != 0 || len(admitted) != 1 {
		t.Errorf("zero-size position must not exclude: admitted=%v excluded=%v", admitted, excluded)
	}
}

func TestAdmissionGate_BusySymbolSwitchBackoff(t *testing.T) {
	state := &MockExchangeState{
		Positions: []*domain.Position{{Symbol: "BTCUSDT", Size: 1}},
	}
	switchRepo := NewMockSwitchRepo()
	gate := newGate(state, switchRepo, &MockAuditRepo{})
	ctx := context.Background()
	key := domain.SwitchKey("BTCUSDT")

	// First collision: switch was ON (missing), backed off hard.
	gate.Filter(ctx, "run-1", []string{"BTCUSDT"})
	sw := switchRepo.Switches[key]
	if sw == nil || sw.IsOn {
		t.Fatal("busy symbol must be switched OFF")
	}
	firstExpiry := *sw.ExpiresAt

	// Still busy on the next run: only the recheck expiry moves.
	time.Sleep(5 * time.Millisecond)
	gate.Filter(ctx, "run-2", []string{"BTCUSDT"})
	sw = switchRepo.Switches[key]
	if sw.IsOn {
		t.Error("still-busy symbol must stay OFF")
	}
	secondExpiry := *sw.ExpiresAt
	if !secondExpiry.Before(firstExpiry) {
		// Backoff window is 5m, recheck 1m, so the second expiry is closer.
		t.Errorf("second expiry %v should use the shorter recheck window than %v", secondExpiry, firstExpiry)
	}
}

func TestAdmissionGate_FailOpenOnExchangeError(t *testing.T) {
	state := &MockExchangeState{Err: errors.New("exchange down")}
	audit := &MockAuditRepo{}
	gate := newGate(state, NewMockSwitchRepo(), audit)

	admitted, excluded := gate.Filter(context.Background(), "run-1", []string{"BTCUSDT", "ETHUSDT"})
	if len(admitted) != 2 || len(excluded) != 0 {
		t.Errorf("exchange failure must admit all: admitted=%v excluded=%v", admitted, excluded)
	}

	events, _ := audit.EventsForRun(context.Background(), "run-1")
	if len(events) != 1 || events[0].Step != usecase.StepAdmissionWarning {
		t.Errorf("want one ADMISSION_WARNING event, got %+v", events)
	}
}

func TestAdmissionGate_ReactivatesClearedBeforeDeciding(t *testing.T) {
	switchRepo := NewMockSwitchRepo()
	future := time.Now().Add(time.Hour)
	switchRepo.Switches[domain.SwitchKey("SOLUSDT")] = &domain.Switch{
		Key: domain.SwitchKey("SOLUSDT"), IsOn: false, ExpiresAt: &future,
	}
	state := &MockExchangeState{} // no activity at all
	gate := newGate(state, switchRepo, &MockAuditRepo{})

	gate.Filter(context.Background(), "run-1", []string{"SOLUSDT"})

	if !switchRepo.Switches[domain.SwitchKey("SOLUSDT")].IsOn {
		t.Error("symbol with cleared activity must be reactivated")
	}
}
