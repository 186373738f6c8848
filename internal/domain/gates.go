package domain

import (
	"strings"
	"time"
)

// GlobalSwitchKey gates every run; per-symbol switches use SwitchKey.
const GlobalSwitchKey = "GLOBAL"

const symbolSwitchPrefix = "SYMBOL:"

func SwitchKey(symbol string) string {
	return symbolSwitchPrefix + strings.ToUpper(symbol)
}

// SymbolFromSwitchKey extracts the symbol from a per-symbol switch key, or
// returns false for the global switch.
func SymbolFromSwitchKey(key string) (string, bool) {
	if strings.HasPrefix(key, symbolSwitchPrefix) {
		return strings.TrimPrefix(key, symbolSwitchPrefix), true
	}
	return "", false
}

// Switch is a time-boxed boolean gate. An expired switch defaults to
// permissive: EffectiveOn treats a past ExpiresAt as ON regardless of IsOn.
type Switch struct {
	Key         string
	IsOn        bool
	ExpiresAt   *time.Time
	Description string
	UpdatedAt   time.Time
}

func (s Switch) EffectiveOn(now time.Time) bool {
	if s.IsOn {
		return true
	}
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

// Lock is a cooperative, TTL-bound hint, not a mutex. A held lock is observed
// and logged by contenders, never enforced.
type Lock struct {
	Key        string
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

func (l Lock) Live(now time.Time) bool {
	return l.ExpiresAt.After(now)
}
