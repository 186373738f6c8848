package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pivox/tradingV3-sub005/internal/domain"
)

const (
	GlobalLockKey   = "mtf:run"
	DefaultLockTTL  = 10 * time.Minute
	symbolLockPrefix = "mtf:symbol:"
)

func SymbolLockKey(symbol string) string {
	return symbolLockPrefix + symbol
}

// LockRegistry hands out advisory, TTL-bound run locks. Acquire never errors
// on contention: a live holder is logged and the caller proceeds, because
// order-layer idempotency, not this lock, protects trading correctness.
type LockRegistry struct {
	repo   domain.LockRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewLockRegistry(repo domain.LockRepository, logger *zap.Logger) *LockRegistry {
	return &LockRegistry{repo: repo, logger: logger, now: time.Now}
}

// Acquire records holder as the owner of key for ttl. The returned flag is
// false when another live holder was observed; the row is still overwritten so
// the TTL keeps moving and a crashed holder cannot wedge the key forever.
func (r *LockRegistry) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	now := r.now()

	existing, err := r.repo.GetLock(ctx, key)
	if err != nil {
		return false, err
	}
	contested := existing != nil && existing.Holder != holder && existing.Live(now)
	if contested {
		r.logger.Warn("lock already held, proceeding anyway",
			zap.String("key", key),
			zap.String("holder", existing.Holder),
			zap.Time("expires_at", existing.ExpiresAt))
	}

	err = r.repo.UpsertLock(ctx, &domain.Lock{
		Key:        key,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	})
	if err != nil {
		return false, err
	}
	return !contested, nil
}

// Release drops the lock if holder still owns it.
func (r *LockRegistry) Release(ctx context.Context, key, holder string) {
	if err := r.repo.DeleteLock(ctx, key, holder); err != nil {
		r.logger.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
	}
}
