package usecase_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pivox/tradingV3-sub005/internal/domain"
	"github.com/pivox/tradingV3-sub005/internal/usecase"
)

func TestSwitchRegistry_MissingSwitchIsOn(t *testing.T) {
	reg := usecase.NewSwitchRegistry(NewMockSwitchRepo(), zap.NewNop())

	if !reg.IsOn(context.Background(), domain.SwitchKey("BTCUSDT")) {
		t.Error("unknown switch must default ON")
	}
	if !reg.SymbolEnabled(context.Background(), "BTCUSDT") {
		t.Error("symbol with no switches must be enabled")
	}
}

func TestSwitchRegistry_TurnOffThenExpire(t *testing.T) {
	repo := NewMockSwitchRepo()
	reg := usecase.NewSwitchRegistry(repo, zap.NewNop())
	ctx := context.Background()
	key := domain.SwitchKey("BTCUSDT")

	if err := reg.TurnOff(ctx, key, time.Hour, "test"); err != nil {
		t.Fatalf("TurnOff failed: %v", err)
	}
	if reg.IsOn(ctx, key) {
		t.Error("switch must be OFF inside its window")
	}

	// Force the expiry into the past: expired means permissive.
	past := time.Now().Add(-time.Minute)
	repo.Switches[key].ExpiresAt = &past
	if !reg.IsOn(ctx, key) {
		t.Error("expired switch must read as ON")
	}
}

func TestSwitchRegistry_GlobalGatesSymbol(t *testing.T) {
	repo := NewMockSwitchRepo()
	reg := usecase.NewSwitchRegistry(repo, zap.NewNop())
	ctx := context.Background()

	if err := reg.TurnOff(ctx, domain.GlobalSwitchKey, time.Hour, "maintenance"); err != nil {
		t.Fatalf("TurnOff failed: %v", err)
	}
	if reg.SymbolEnabled(ctx, "BTCUSDT") {
		t.Error("global OFF must disable every symbol")
	}
}

func TestSwitchRegistry_ExtendExpiryOnlyOffSwitches(t *testing.T) {
	repo := NewMockSwitchRepo()
	reg := usecase.NewSwitchRegistry(repo, zap.NewNop())
	ctx := context.Background()
	key := domain.SwitchKey("BTCUSDT")

	// Missing switch: no-op, no error.
	if err := reg.ExtendExpiry(ctx, key, time.Minute); err != nil {
		t.Fatalf("ExtendExpiry on missing switch: %v", err)
	}
	if _, ok := repo.Switches[key]; ok {
		t.Error("ExtendExpiry must not create a switch")
	}

	if err := reg.TurnOff(ctx, key, time.Second, "test"); err != nil {
		t.Fatalf("TurnOff failed: %v", err)
	}
	before := *repo.Switches[key].ExpiresAt
	if err := reg.ExtendExpiry(ctx, key, time.Hour); err != nil {
		t.Fatalf("ExtendExpiry failed: %v", err)
	}
	after := *repo.Switches[key].ExpiresAt
	if !after.After(before) {
		t.Errorf("expiry not extended: %v -> %v", before, after)
	}
	if repo.Switches[key].IsOn {
		t.Error("ExtendExpiry must not flip the switch ON")
	}
}

func TestSwitchRegistry_ConsumeExpiredExactlyOnce(t *testing.T) {
	repo := NewMockSwitchRepo()
	reg := usecase.NewSwitchRegistry(repo, zap.NewNop())
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	repo.Switches[domain.SwitchKey("BTCUSDT")] = &domain.Switch{
		Key: domain.SwitchKey("BTCUSDT"), IsOn: false, ExpiresAt: &past,
	}
	// Global switch must never be consumed as a symbol.
	repo.Switches[domain.GlobalSwitchKey] = &domain.Switch{
		Key: domain.GlobalSwitchKey, IsOn: false, ExpiresAt: &past,
	}

	first := reg.ConsumeExpiredSymbols(ctx)
	if len(first) != 1 || first[0] != "BTCUSDT" {
		t.Fatalf("first consume = %v, want [BTCUSDT]", first)
	}
	if !repo.Switches[domain.SwitchKey("BTCUSDT")].IsOn {
		t.Error("consumed switch must be re-armed ON")
	}

	second := reg.ConsumeExpiredSymbols(ctx)
	if len(second) != 0 {
		t.Errorf("second consume = %v, want empty: expiry is consumed exactly once", second)
	}
}

func TestSwitchRegistry_ReactivateCleared(t *testing.T) {
	repo := NewMockSwitchRepo()
	reg := usecase.NewSwitchRegistry(repo, zap.NewNop())
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	repo.Switches[domain.SwitchKey("BTCUSDT")] = &domain.Switch{
		Key: domain.SwitchKey("BTCUSDT"), IsOn: false, ExpiresAt: &future,
	}
	repo.Switches[domain.SwitchKey("ETHUSDT")] = &domain.Switch{
		Key: domain.SwitchKey("ETHUSDT"), IsOn: false, ExpiresAt: &future,
	}

	reg.ReactivateCleared(ctx, map[string]bool{"ETHUSDT": true})

	if !repo.Switches[domain.SwitchKey("BTCUSDT")].IsOn {
		t.Error("cleared symbol must be reactivated")
	}
	if repo.Switches[domain.SwitchKey("ETHUSDT")].IsOn {
		t.Error("still-busy symbol must stay OFF")
	}
}
