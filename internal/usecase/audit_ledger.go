package usecase

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/pivox/tradingV3-sub005/internal/domain"
)

// Audit step names. Timeframe-scoped steps are prefixed with the timeframe
// label, e.g. "15M_VALIDATION_FAILED".
const (
	StepValidationSuccess = "VALIDATION_SUCCESS"
	StepValidationFailed  = "VALIDATION_FAILED"
	StepValidationError   = "VALIDATION_ERROR"
	StepValidationSkipped = "VALIDATION_SKIPPED"

	StepAdmissionExcluded = "ADMISSION_EXCLUDED"
	StepAdmissionWarning  = "ADMISSION_WARNING"
	StepSymbolsResolved   = "SYMBOLS_RESOLVED"
	StepLockObserved      = "LOCK_ALREADY_HELD"
	StepPlanBuilt         = "ORDER_PLAN_BUILT"
	StepPlanRejected      = "ORDER_PLAN_REJECTED"
	StepOrderSubmitted    = "ORDER_SUBMITTED"
	StepRunFinished       = "RUN_FINISHED"
)

// AuditLedger is the write path of the run ledger plus its read model. Writes
// never fail a run: a storage error is logged and swallowed, because losing
// one forensic row is cheaper than aborting live orchestration.
type AuditLedger struct {
	repo   domain.AuditRepository
	logger *zap.Logger
}

func NewAuditLedger(repo domain.AuditRepository, logger *zap.Logger) *AuditLedger {
	return &AuditLedger{repo: repo, logger: logger}
}

// Record appends one event. details is marshalled to JSON; a nil details
// stores an empty object.
func (l *AuditLedger) Record(ctx context.Context, runID, symbol string, tf domain.Timeframe, step, cause string, details any, candleOpen *time.Time, sev domain.Severity) {
	payload := "{}"
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			payload = string(b)
		} else {
			l.logger.Error("failed to marshal audit details", zap.String("step", step), zap.Error(err))
		}
	}

	ev := &domain.AuditEvent{
		RunID:      runID,
		Symbol:     symbol,
		Timeframe:  tf,
		Step:       step,
		Cause:      cause,
		Details:    payload,
		CandleOpen: candleOpen,
		Severity:   sev,
		CreatedAt:  time.Now().UTC(),
	}
	if err := l.repo.InsertEvent(ctx, ev); err != nil {
		l.logger.Error("failed to append audit event",
			zap.String("run_id", runID),
			zap.String("symbol", symbol),
			zap.String("step", step),
			zap.Error(err))
	}
}

// RecordTimeframe appends a timeframe-scoped event with the "<TF>_<step>"
// naming used for later correlation.
func (l *AuditLedger) RecordTimeframe(ctx context.Context, runID, symbol string, tf domain.Timeframe, step, cause string, details any, candleOpen *time.Time, sev domain.Severity) {
	l.Record(ctx, runID, symbol, tf, tf.Label()+"_"+step, cause, details, candleOpen, sev)
}

// RunTimeline returns every event of a run in insertion order.
func (l *AuditLedger) RunTimeline(ctx context.Context, runID string) ([]*domain.AuditEvent, error) {
	return l.repo.EventsForRun(ctx, runID)
}

// PassRates aggregates validation outcomes per timeframe since the cutoff.
func (l *AuditLedger) PassRates(ctx context.Context, since time.Time) ([]domain.StepStat, error) {
	return l.repo.StepStats(ctx, since)
}

// TopBlockingConditions lists the condition names that most often halted a
// cascade since the cutoff.
func (l *AuditLedger) TopBlockingConditions(ctx context.Context, since time.Time, limit int) ([]domain.ConditionStat, error) {
	return l.repo.BlockingConditions(ctx, since, limit)
}

// PurgeBefore is the only delete path of the ledger: a time-boxed bulk delete
// for retention.
func (l *AuditLedger) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := l.repo.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.Info("purged audit events", zap.Int64("rows", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}
