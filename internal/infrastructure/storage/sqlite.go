package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pivox/tradingV3-sub005/internal/domain"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS mtf_audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			symbol TEXT NOT NULL DEFAULT '',
			timeframe TEXT NOT NULL DEFAULT '',
			step TEXT NOT NULL,
			cause TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT '{}',
			candle_open_ts DATETIME,
			severity TEXT NOT NULL DEFAULT 'INFO',
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_run ON mtf_audit_events(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_run_symbol ON mtf_audit_events(run_id, symbol);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_created ON mtf_audit_events(created_at);`,
		`CREATE TABLE IF NOT EXISTS switches (
			key TEXT PRIMARY KEY,
			is_on BOOLEAN NOT NULL DEFAULT 1,
			expires_at DATETIME,
			description TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS locks (
			lock_key TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			acquired_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS mtf_runs (
			run_id TEXT PRIMARY KEY,
			execution_time_seconds REAL NOT NULL,
			symbols_requested INTEGER NOT NULL,
			symbols_processed INTEGER NOT NULL,
			symbols_successful INTEGER NOT NULL,
			symbols_failed INTEGER NOT NULL,
			symbols_skipped INTEGER NOT NULL,
			success_rate REAL NOT NULL,
			dry_run BOOLEAN NOT NULL,
			force_run BOOLEAN NOT NULL,
			current_tf TEXT NOT NULL DEFAULT '',
			errors TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS symbol_filters (
			symbol TEXT PRIMARY KEY,
			tick_size REAL NOT NULL,
			step_size REAL NOT NULL,
			min_price REAL NOT NULL DEFAULT 0,
			max_price REAL NOT NULL DEFAULT 0,
			min_qty REAL NOT NULL DEFAULT 0,
			max_qty REAL NOT NULL DEFAULT 0,
			min_notional REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	// Migration: older databases predate the cause column.
	_, _ = s.db.Exec(`ALTER TABLE mtf_audit_events ADD COLUMN cause TEXT NOT NULL DEFAULT ''`)

	return nil
}

// AuditRepository implementation

func (s *SQLiteStore) InsertEvent(ctx context.Context, ev *domain.AuditEvent) error {
	query := `INSERT INTO mtf_audit_events (run_id, symbol, timeframe, step, cause, details, candle_open_ts, severity, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		ev.RunID, ev.Symbol, string(ev.Timeframe), ev.Step, ev.Cause, ev.Details, ev.CandleOpen, string(ev.Severity), ev.CreatedAt)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

func (s *SQLiteStore) EventsForRun(ctx context.Context, runID string) ([]*domain.AuditEvent, error) {
	query := `SELECT id, run_id, symbol, timeframe, step, cause, details, candle_open_ts, severity, created_at
			  FROM mtf_audit_events WHERE run_id = ? ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.AuditEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (*domain.AuditEvent, error) {
	var ev domain.AuditEvent
	var tf, severity string
	var candleOpen sql.NullTime
	if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Symbol, &tf, &ev.Step, &ev.Cause, &ev.Details, &candleOpen, &severity, &ev.CreatedAt); err != nil {
		return nil, err
	}
	ev.Timeframe = domain.Timeframe(tf)
	ev.Severity = domain.Severity(severity)
	if candleOpen.Valid {
		t := candleOpen.Time
		ev.CandleOpen = &t
	}
	return &ev, nil
}

func (s *SQLiteStore) CountEventsForSymbol(ctx context.Context, runID, symbol string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mtf_audit_events WHERE run_id = ? AND symbol = ?`, runID, symbol).Scan(&n)
	return n, err
}

func (s *SQLiteStore) StepStats(ctx context.Context, since time.Time) ([]domain.StepStat, error) {
	// A validation step name is "<TF>_VALIDATION_<outcome>"; pass rate is
	// successes over successes+failures per timeframe.
	query := `SELECT timeframe,
			   SUM(CASE WHEN step LIKE '%_VALIDATION_SUCCESS' THEN 1 ELSE 0 END) AS passed,
			   SUM(CASE WHEN step LIKE '%_VALIDATION_FAILED' THEN 1 ELSE 0 END) AS failed
			  FROM mtf_audit_events
			  WHERE created_at >= ? AND timeframe != ''
			  GROUP BY timeframe`
	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []domain.StepStat
	for rows.Next() {
		var tf string
		var passed, failed int
		if err := rows.Scan(&tf, &passed, &failed); err != nil {
			return nil, err
		}
		total := passed + failed
		st := domain.StepStat{
			Timeframe: domain.Timeframe(tf),
			Step:      "VALIDATION",
			Count:     total,
		}
		if total > 0 {
			st.PassRate = float64(passed) / float64(total)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) BlockingConditions(ctx context.Context, since time.Time, limit int) ([]domain.ConditionStat, error) {
	query := `SELECT details FROM mtf_audit_events
			  WHERE created_at >= ? AND step LIKE '%_VALIDATION_FAILED'`
	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var details string
		if err := rows.Scan(&details); err != nil {
			return nil, err
		}
		var payload struct {
			FailedLong  []string `json:"failed_conditions_long"`
			FailedShort []string `json:"failed_conditions_short"`
		}
		if err := json.Unmarshal([]byte(details), &payload); err != nil {
			continue
		}
		for _, c := range payload.FailedLong {
			counts[c]++
		}
		for _, c := range payload.FailedShort {
			counts[c]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats := make([]domain.ConditionStat, 0, len(counts))
	for cond, n := range counts {
		stats = append(stats, domain.ConditionStat{Condition: cond, Count: n})
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Count > stats[j].Count
	})
	if limit > 0 && len(stats) > limit {
		stats = stats[:limit]
	}
	return stats, nil
}

func (s *SQLiteStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mtf_audit_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SwitchRepository implementation

func (s *SQLiteStore) GetSwitch(ctx context.Context, key string) (*domain.Switch, error) {
	query := `SELECT key, is_on, expires_at, description, updated_at FROM switches WHERE key = ?`
	row := s.db.QueryRowContext(ctx, query, key)

	var sw domain.Switch
	var expires sql.NullTime
	err := row.Scan(&sw.Key, &sw.IsOn, &expires, &sw.Description, &sw.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		t := expires.Time
		sw.ExpiresAt = &t
	}
	return &sw, nil
}

func (s *SQLiteStore) UpsertSwitch(ctx context.Context, sw *domain.Switch) error {
	query := `INSERT INTO switches (key, is_on, expires_at, description, updated_at)
			  VALUES (?, ?, ?, ?, ?)
			  ON CONFLICT(key) DO UPDATE SET
			  is_on=excluded.is_on,
			  expires_at=excluded.expires_at,
			  description=excluded.description,
			  updated_at=excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query, sw.Key, sw.IsOn, sw.ExpiresAt, sw.Description, sw.UpdatedAt)
	return err
}

func (s *SQLiteStore) ListSwitches(ctx context.Context) ([]*domain.Switch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, is_on, expires_at, description, updated_at FROM switches`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSwitches(rows)
}

func (s *SQLiteStore) ExpiredSymbolSwitches(ctx context.Context, now time.Time) ([]*domain.Switch, error) {
	query := `SELECT key, is_on, expires_at, description, updated_at FROM switches
			  WHERE is_on = 0 AND expires_at IS NOT NULL AND expires_at < ? AND key LIKE 'SYMBOL:%'`
	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSwitches(rows)
}

func scanSwitches(rows *sql.Rows) ([]*domain.Switch, error) {
	var switches []*domain.Switch
	for rows.Next() {
		var sw domain.Switch
		var expires sql.NullTime
		if err := rows.Scan(&sw.Key, &sw.IsOn, &expires, &sw.Description, &sw.UpdatedAt); err != nil {
			return nil, err
		}
		if expires.Valid {
			t := expires.Time
			sw.ExpiresAt = &t
		}
		switches = append(switches, &sw)
	}
	return switches, rows.Err()
}

// LockRepository implementation

func (s *SQLiteStore) GetLock(ctx context.Context, key string) (*domain.Lock, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT lock_key, holder, acquired_at, expires_at FROM locks WHERE lock_key = ?`, key)

	var l domain.Lock
	err := row.Scan(&l.Key, &l.Holder, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *SQLiteStore) UpsertLock(ctx context.Context, lock *domain.Lock) error {
	query := `INSERT INTO locks (lock_key, holder, acquired_at, expires_at)
			  VALUES (?, ?, ?, ?)
			  ON CONFLICT(lock_key) DO UPDATE SET
			  holder=excluded.holder,
			  acquired_at=excluded.acquired_at,
			  expires_at=excluded.expires_at`
	_, err := s.db.ExecContext(ctx, query, lock.Key, lock.Holder, lock.AcquiredAt, lock.ExpiresAt)
	return err
}

func (s *SQLiteStore) DeleteLock(ctx context.Context, key, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE lock_key = ? AND holder = ?`, key, holder)
	return err
}

// RunRepository implementation

func (s *SQLiteStore) InsertRun(ctx context.Context, summary *domain.RunSummary) error {
	errsJSON, err := json.Marshal(summary.Errors)
	if err != nil {
		errsJSON = []byte("[]")
	}
	query := `INSERT INTO mtf_runs (run_id, execution_time_seconds, symbols_requested, symbols_processed,
			  symbols_successful, symbols_failed, symbols_skipped, success_rate, dry_run, force_run,
			  current_tf, errors, status, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		summary.RunID, summary.ExecutionTimeSecs, summary.SymbolsRequested, summary.SymbolsProcessed,
		summary.SymbolsSuccessful, summary.SymbolsFailed, summary.SymbolsSkipped, summary.SuccessRate,
		summary.DryRun, summary.ForceRun, string(summary.CurrentTF), string(errsJSON), string(summary.Status), summary.Timestamp)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.RunSummary, error) {
	row := s.db.QueryRowContext(ctx, runSelect+` WHERE run_id = ?`, runID)
	return scanRun(row)
}

func (s *SQLiteStore) RecentRuns(ctx context.Context, limit int) ([]*domain.RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, runSelect+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.RunSummary
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

const runSelect = `SELECT run_id, execution_time_seconds, symbols_requested, symbols_processed,
	symbols_successful, symbols_failed, symbols_skipped, success_rate, dry_run, force_run,
	current_tf, errors, status, created_at FROM mtf_runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.RunSummary, error) {
	var r domain.RunSummary
	var tf, errsJSON, status string
	err := row.Scan(&r.RunID, &r.ExecutionTimeSecs, &r.SymbolsRequested, &r.SymbolsProcessed,
		&r.SymbolsSuccessful, &r.SymbolsFailed, &r.SymbolsSkipped, &r.SuccessRate,
		&r.DryRun, &r.ForceRun, &tf, &errsJSON, &status, &r.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.CurrentTF = domain.Timeframe(tf)
	r.Status = domain.RunStatus(status)
	if err := json.Unmarshal([]byte(errsJSON), &r.Errors); err != nil {
		r.Errors = nil
	}
	return &r, nil
}

// FilterRepository implementation

func (s *SQLiteStore) UpsertFilters(ctx context.Context, f *domain.SymbolFilters) error {
	query := `INSERT INTO symbol_filters (symbol, tick_size, step_size, min_price, max_price, min_qty, max_qty, min_notional, status, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(symbol) DO UPDATE SET
			  tick_size=excluded.tick_size,
			  step_size=excluded.step_size,
			  min_price=excluded.min_price,
			  max_price=excluded.max_price,
			  min_qty=excluded.min_qty,
			  max_qty=excluded.max_qty,
			  min_notional=excluded.min_notional,
			  status=excluded.status,
			  updated_at=excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		strings.ToUpper(f.Symbol), f.TickSize, f.StepSize, f.MinPrice, f.MaxPrice, f.MinQty, f.MaxQty, f.MinNotional, f.Status, f.UpdatedAt)
	return err
}

func (s *SQLiteStore) GetFilters(ctx context.Context, symbol string) (*domain.SymbolFilters, error) {
	query := `SELECT symbol, tick_size, step_size, min_price, max_price, min_qty, max_qty, min_notional, status, updated_at
			  FROM symbol_filters WHERE symbol = ?`
	row := s.db.QueryRowContext(ctx, query, strings.ToUpper(symbol))

	var f domain.SymbolFilters
	err := row.Scan(&f.Symbol, &f.TickSize, &f.StepSize, &f.MinPrice, &f.MaxPrice, &f.MinQty, &f.MaxQty, &f.MinNotional, &f.Status, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}
