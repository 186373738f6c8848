package domain

import "time"

type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// AuditEvent is one immutable fact in the run ledger. Rows are only ever
// inserted; retention cleanup is the single delete path.
type AuditEvent struct {
	ID          int64
	RunID       string
	Symbol      string
	Timeframe   Timeframe // empty for run-level events
	Step        string
	Cause       string
	Details     string // JSON payload
	CandleOpen  *time.Time
	Severity    Severity
	CreatedAt   time.Time
}

// StepStat is an aggregate over the ledger: how often a step occurred and how
// often it passed, per timeframe.
type StepStat struct {
	Timeframe Timeframe
	Step      string
	Count     int
	PassRate  float64
}

// ConditionStat counts how often a named condition blocked validation.
type ConditionStat struct {
	Condition string
	Count     int
}
