package domain

import "time"

// RunRequest is the full set of options for one orchestration invocation. The
// CLI and any outer transport map onto this struct unchanged.
type RunRequest struct {
	Symbols             []string      `json:"symbols"`
	DryRun              bool          `json:"dry_run"`
	ForceRun            bool          `json:"force_run"`
	CurrentTF           Timeframe     `json:"current_tf,omitempty"`
	ForceTimeframeCheck bool          `json:"force_timeframe_check"`
	AutoSwitchInvalid   bool          `json:"auto_switch_invalid"`
	SwitchDuration      time.Duration `json:"switch_duration"`
	Workers             int           `json:"workers"`
	LockPerSymbol       bool          `json:"lock_per_symbol"`
}

type RunStatus string

const (
	RunCompleted           RunStatus = "completed"
	RunCompletedWithErrors RunStatus = "completed_with_errors"
	RunFailed              RunStatus = "failed"
)

// RunSummary is the persisted outcome of one run.
type RunSummary struct {
	RunID             string    `json:"run_id"`
	ExecutionTimeSecs float64   `json:"execution_time_seconds"`
	SymbolsRequested  int       `json:"symbols_requested"`
	SymbolsProcessed  int       `json:"symbols_processed"`
	SymbolsSuccessful int       `json:"symbols_successful"`
	SymbolsFailed     int       `json:"symbols_failed"`
	SymbolsSkipped    int       `json:"symbols_skipped"`
	SuccessRate       float64   `json:"success_rate"`
	DryRun            bool      `json:"dry_run"`
	ForceRun          bool      `json:"force_run"`
	CurrentTF         Timeframe `json:"current_tf,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	Status            RunStatus `json:"status"`
	Errors            []string  `json:"errors,omitempty"`
}

// WorkerOutput is the one-line JSON a worker subprocess writes to stdout.
type WorkerOutput struct {
	Symbols []string       `json:"symbols"`
	Yielded []string       `json:"yielded"`
	Final   WorkerFinal    `json:"final"`
	Options map[string]any `json:"options"`
}

type WorkerFinal struct {
	Summary RunSummary               `json:"summary"`
	Results map[string]CascadeResult `json:"results"`
}
