package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/pivox/tradingV3-sub005/internal/infrastructure/logger"
	"github.com/pivox/tradingV3-sub005/internal/infrastructure/storage"
	"github.com/pivox/tradingV3-sub005/internal/usecase"
)

// mtfreport reads the run ledger: recent runs, per-timeframe pass rates, the
// conditions that block most cascades, a single run's timeline, and retention
// cleanup.
func main() {
	var (
		dbPath    = flag.String("db", "mtf.db", "path to the sqlite database")
		since     = flag.Duration("since", 7*24*time.Hour, "aggregation window")
		runID     = flag.String("run", "", "print the full event timeline of one run")
		topN      = flag.Int("top", 10, "how many blocking conditions to list")
		runsN     = flag.Int("runs", 10, "how many recent runs to list")
		purgeDays = flag.Int("purge-days", 0, "delete audit events older than N days and exit")
	)
	flag.Parse()

	log, err := logger.NewLogger("warn")
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	store, err := storage.NewSQLiteStore(*dbPath)
	if err != nil {
		log.Fatal("Failed to open sqlite", zap.Error(err))
	}
	defer store.Close()

	ctx := context.Background()
	ledger := usecase.NewAuditLedger(store, log)

	if *purgeDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -*purgeDays)
		n, err := ledger.PurgeBefore(ctx, cutoff)
		if err != nil {
			log.Fatal("Purge failed", zap.Error(err))
		}
		fmt.Printf("Purged %d audit events older than %s\n", n, cutoff.Format("2006-01-02"))
		return
	}

	if *runID != "" {
		printTimeline(ctx, ledger, *runID, log)
		return
	}

	printRecentRuns(ctx, store, *runsN, log)
	printPassRates(ctx, ledger, *since, log)
	printBlockingConditions(ctx, ledger, *since, *topN, log)
}

func printTimeline(ctx context.Context, ledger *usecase.AuditLedger, runID string, log *zap.Logger) {
	events, err := ledger.RunTimeline(ctx, runID)
	if err != nil {
		log.Fatal("Failed to load timeline", zap.String("run_id", runID), zap.Error(err))
	}
	if len(events) == 0 {
		fmt.Printf("No events for run %s\n", runID)
		return
	}

	fmt.Printf("Run %s (%d events)\n", runID, len(events))
	for _, ev := range events {
		symbol := ev.Symbol
		if symbol == "" {
			symbol = "-"
		}
		fmt.Printf("  %s  %-8s %-10s %-28s %s\n",
			ev.CreatedAt.Format("15:04:05.000"), ev.Severity, symbol, ev.Step, ev.Cause)
	}
}

func printRecentRuns(ctx context.Context, store *storage.SQLiteStore, limit int, log *zap.Logger) {
	runs, err := store.RecentRuns(ctx, limit)
	if err != nil {
		log.Fatal("Failed to load runs", zap.Error(err))
	}

	fmt.Printf("Recent runs (%d)\n", len(runs))
	for _, r := range runs {
		fmt.Printf("  %s  %-22s %s  processed=%d ok=%d failed=%d skipped=%d rate=%.0f%% %.1fs\n",
			r.Timestamp.Format("2006-01-02 15:04"), r.Status, r.RunID,
			r.SymbolsProcessed, r.SymbolsSuccessful, r.SymbolsFailed, r.SymbolsSkipped,
			r.SuccessRate*100, r.ExecutionTimeSecs)
	}
}

func printPassRates(ctx context.Context, ledger *usecase.AuditLedger, since time.Duration, log *zap.Logger) {
	cutoff := time.Now().UTC().Add(-since)
	stats, err := ledger.PassRates(ctx, cutoff)
	if err != nil {
		log.Fatal("Failed to aggregate pass rates", zap.Error(err))
	}

	fmt.Printf("\nValidation pass rates since %s\n", cutoff.Format("2006-01-02"))
	for _, s := range stats {
		fmt.Printf("  %-4s evaluations=%-6d pass=%.1f%%\n", s.Timeframe.Label(), s.Count, s.PassRate*100)
	}
}

func printBlockingConditions(ctx context.Context, ledger *usecase.AuditLedger, since time.Duration, limit int, log *zap.Logger) {
	cutoff := time.Now().UTC().Add(-since)
	conds, err := ledger.TopBlockingConditions(ctx, cutoff, limit)
	if err != nil {
		log.Fatal("Failed to aggregate blocking conditions", zap.Error(err))
	}

	fmt.Printf("\nTop blocking conditions since %s\n", cutoff.Format("2006-01-02"))
	for i, c := range conds {
		fmt.Printf("  %2d. %-36s %d\n", i+1, c.Condition, c.Count)
	}
}
