package usecase

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pivox/tradingV3-sub005/internal/domain"
	"github.com/pivox/tradingV3-sub005/internal/metrics"
)

// MtfRunnerService composes one orchestration run: resolve symbols, sync
// exchange filters, filter admission, take locks, fan the cascade out, build
// and submit order plans for confirmed signals, update switches, persist the
// summary.
type MtfRunnerService struct {
	resolver  *SymbolResolver
	gate      *AdmissionGate
	locks     *LockRegistry
	switches  *SwitchRegistry
	validator *CascadeValidator
	scheduler *RunScheduler
	planner   *OrderPlanner
	sizer     *PositionSizer
	recalc    *TPSLRecalculator
	ledger    *AuditLedger

	catalog   domain.ContractCatalog
	filters   domain.FilterRepository
	submitter domain.OrderSubmitter
	runs      domain.RunRepository
	prices    domain.PriceStream

	logger *zap.Logger
	now    func() time.Time
}

type RunnerDeps struct {
	Resolver  *SymbolResolver
	Gate      *AdmissionGate
	Locks     *LockRegistry
	Switches  *SwitchRegistry
	Validator *CascadeValidator
	Planner   *OrderPlanner
	Sizer     *PositionSizer
	Recalc    *TPSLRecalculator
	Ledger    *AuditLedger
	Catalog   domain.ContractCatalog
	Filters   domain.FilterRepository
	Submitter domain.OrderSubmitter
	Runs      domain.RunRepository
	Prices    domain.PriceStream // optional live feed; nil falls back to cascade metrics
}

func NewMtfRunnerService(deps RunnerDeps, logger *zap.Logger) *MtfRunnerService {
	s := &MtfRunnerService{
		resolver:  deps.Resolver,
		gate:      deps.Gate,
		locks:     deps.Locks,
		switches:  deps.Switches,
		validator: deps.Validator,
		planner:   deps.Planner,
		sizer:     deps.Sizer,
		recalc:    deps.Recalc,
		ledger:    deps.Ledger,
		catalog:   deps.Catalog,
		filters:   deps.Filters,
		submitter: deps.Submitter,
		runs:      deps.Runs,
		prices:    deps.Prices,
		logger:    logger,
		now:       time.Now,
	}
	s.scheduler = NewRunScheduler(s, logger)
	return s
}

// Scheduler exposes the scheduler for worker-command configuration.
func (s *MtfRunnerService) Scheduler() *RunScheduler {
	return s.scheduler
}

// RunSymbol implements SymbolRunner: one symbol's full cascade.
func (s *MtfRunnerService) RunSymbol(ctx context.Context, runID, symbol string, req domain.RunRequest) *domain.CascadeResult {
	res := s.validator.ValidateSymbol(ctx, runID, symbol, req)
	metrics.SymbolOutcomes.WithLabelValues(string(res.Status)).Inc()
	return res
}

// Run executes one full orchestration invocation and returns its summary and
// per-symbol results.
func (s *MtfRunnerService) Run(ctx context.Context, req domain.RunRequest) (*domain.RunSummary, map[string]domain.CascadeResult, error) {
	runID := uuid.New().String()
	started := s.now()
	log := s.logger.With(zap.String("run_id", runID))
	log.Info("starting run",
		zap.Strings("symbols", req.Symbols),
		zap.Bool("dry_run", req.DryRun),
		zap.Int("workers", req.Workers))

	symbols := s.resolver.Resolve(ctx, req.Symbols)
	s.ledger.Record(ctx, runID, "", "", StepSymbolsResolved, "resolved",
		map[string]any{"symbols": symbols}, nil, domain.SeverityInfo)

	s.syncFilters(ctx, symbols, log)

	admitted, excluded := s.gate.Filter(ctx, runID, symbols)
	metrics.AdmissionExcluded.Add(float64(len(excluded)))

	// Live last prices for the admitted set; order placement prefers them over
	// the candle close the cascade evaluated.
	if s.prices != nil && len(admitted) > 0 {
		if err := s.prices.SubscribeKlines(admitted, domain.Timeframe1m); err != nil {
			log.Warn("kline stream unavailable, falling back to cascade prices", zap.Error(err))
		} else {
			defer s.prices.CloseStream()
		}
	}

	holder := runID
	released := s.acquireLocks(ctx, runID, holder, admitted, req, log)
	defer released()

	sched := s.scheduler.Run(ctx, runID, admitted, req)
	errs := append([]string(nil), sched.Errors...)

	// Post-cascade switch maintenance: a symbol whose signal came back invalid
	// is benched for the configured window.
	if req.AutoSwitchInvalid {
		for sym, res := range sched.Results {
			if res.Status == domain.CascadeFailed {
				if err := s.switches.TurnOff(ctx, domain.SwitchKey(sym), req.SwitchDuration, "invalid signal"); err != nil {
					log.Warn("failed to bench invalid symbol", zap.String("symbol", sym), zap.Error(err))
				}
			}
		}
	}

	// Confirmed signals become order plans.
	for sym, res := range sched.Results {
		if res.Status != domain.CascadeSuccess || res.FinalSignal == domain.SideNone {
			continue
		}
		if err := s.placeOrder(ctx, runID, sym, res.FinalSignal, req.DryRun); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", sym, err))
		}
	}

	// Refresh protective orders for positions that survived admission checks
	// on earlier runs.
	if s.recalc != nil && !req.DryRun {
		if err := s.recalc.Recalculate(ctx, runID); err != nil {
			log.Warn("tp/sl recalculation failed", zap.Error(err))
		}
	}

	summary := s.buildSummary(runID, started, symbols, admitted, sched, req, errs)
	if err := s.runs.InsertRun(ctx, summary); err != nil {
		log.Error("failed to persist run summary", zap.Error(err))
	}
	s.ledger.Record(ctx, runID, "", "", StepRunFinished, string(summary.Status),
		summary, nil, domain.SeverityInfo)

	metrics.Runs.WithLabelValues(string(summary.Status)).Inc()
	metrics.RunDuration.Observe(summary.ExecutionTimeSecs)

	log.Info("run finished",
		zap.String("status", string(summary.Status)),
		zap.Int("processed", summary.SymbolsProcessed),
		zap.Int("successful", summary.SymbolsSuccessful),
		zap.Float64("seconds", summary.ExecutionTimeSecs))
	return summary, sched.Results, nil
}

// syncFilters snapshots the catalog trading rules into storage so the
// coordinator and every worker quantize against the same grid this run.
func (s *MtfRunnerService) syncFilters(ctx context.Context, symbols []string, log *zap.Logger) {
	for _, sym := range symbols {
		f, err := s.catalog.SymbolFilters(ctx, sym)
		if err != nil {
			log.Warn("failed to sync symbol filters", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		if err := s.filters.UpsertFilters(ctx, f); err != nil {
			log.Warn("failed to store symbol filters", zap.String("symbol", sym), zap.Error(err))
		}
	}
}

func (s *MtfRunnerService) acquireLocks(ctx context.Context, runID, holder string, admitted []string, req domain.RunRequest, log *zap.Logger) func() {
	keys := []string{GlobalLockKey}
	if req.LockPerSymbol {
		keys = keys[:0]
		for _, sym := range admitted {
			keys = append(keys, SymbolLockKey(sym))
		}
	}
	for _, key := range keys {
		clean, err := s.locks.Acquire(ctx, key, holder, DefaultLockTTL)
		if err != nil {
			log.Warn("lock acquisition failed", zap.String("key", key), zap.Error(err))
			continue
		}
		if !clean {
			s.ledger.Record(ctx, runID, "", "", StepLockObserved, "duplicate_run_tolerated",
				map[string]any{"lock_key": key}, nil, domain.SeverityWarning)
		}
	}
	return func() {
		for _, key := range keys {
			s.locks.Release(ctx, key, holder)
		}
	}
}

// placeOrder sizes and quantizes a confirmed signal into an order plan and, in
// live mode, hands it to the submitter. Construction errors are fatal for the
// attempt and never retried.
func (s *MtfRunnerService) placeOrder(ctx context.Context, runID, symbol string, side domain.Side, dryRun bool) error {
	filters, err := s.filters.GetFilters(ctx, symbol)
	if err != nil {
		return fmt.Errorf("loading filters: %w", err)
	}

	m := s.validator.LastMetrics(symbol)
	entry := m["close"]
	atr := m["atr"]
	if s.prices != nil {
		if last := s.prices.LastPrice(symbol); last > 0 {
			entry = last
		}
	}

	size, err := s.sizer.Size(ctx, symbol, side, entry, atr)
	if err != nil {
		s.ledger.Record(ctx, runID, symbol, "", StepPlanRejected, "sizing_failed",
			map[string]any{"error": err.Error()}, nil, domain.SeverityError)
		metrics.Plans.WithLabelValues(string(side), "rejected").Inc()
		return err
	}

	plan, err := s.planner.Build(filters, PlanInput{
		Symbol:   symbol,
		Side:     side,
		Entry:    entry,
		Qty:      size.Qty,
		Stop:     size.StopPrice,
		TP1:      size.TP1Price,
		Leverage: size.Leverage,
		PostOnly: true,
	})
	if err != nil {
		s.ledger.Record(ctx, runID, symbol, "", StepPlanRejected, "construction_failed",
			map[string]any{"error": err.Error()}, nil, domain.SeverityError)
		metrics.Plans.WithLabelValues(string(side), "rejected").Inc()
		return err
	}

	s.ledger.Record(ctx, runID, symbol, "", StepPlanBuilt, "plan_ready", plan, nil, domain.SeverityInfo)
	metrics.Plans.WithLabelValues(string(side), "built").Inc()

	if dryRun {
		s.logger.Info("dry run, skipping order submission",
			zap.String("symbol", symbol), zap.String("side", string(side)))
		return nil
	}
	if err := s.submitter.Submit(ctx, plan); err != nil {
		return fmt.Errorf("submitting plan: %w", err)
	}
	s.ledger.Record(ctx, runID, symbol, "", StepOrderSubmitted, "submitted", plan, nil, domain.SeverityInfo)
	return nil
}

func (s *MtfRunnerService) buildSummary(runID string, started time.Time, requested, admitted []string, sched *SchedulerResult, req domain.RunRequest, errs []string) *domain.RunSummary {
	var successful, failed, skipped, errored int
	for _, res := range sched.Results {
		switch res.Status {
		case domain.CascadeSuccess:
			successful++
		case domain.CascadeFailed:
			failed++
		case domain.CascadeSkipped:
			skipped++
		case domain.CascadeError:
			errored++
		}
	}

	processed := len(sched.Results)
	rate := 0.0
	if processed > 0 {
		rate = float64(successful) / float64(processed)
	}

	status := domain.RunCompleted
	if len(errs) > 0 {
		status = domain.RunCompletedWithErrors
	}
	if processed > 0 && errored == processed {
		status = domain.RunFailed
	}

	return &domain.RunSummary{
		RunID:             runID,
		ExecutionTimeSecs: time.Since(started).Seconds(),
		SymbolsRequested:  len(requested),
		SymbolsProcessed:  processed,
		SymbolsSuccessful: successful,
		SymbolsFailed:     failed + errored,
		SymbolsSkipped:    skipped,
		SuccessRate:       rate,
		DryRun:            req.DryRun,
		ForceRun:          req.ForceRun,
		CurrentTF:         req.CurrentTF,
		Timestamp:         started.UTC(),
		Status:            status,
		Errors:            errs,
	}
}

// BuildWorkerOutput shapes the single JSON line a worker subprocess emits.
func BuildWorkerOutput(summary *domain.RunSummary, results map[string]domain.CascadeResult, req domain.RunRequest) *domain.WorkerOutput {
	return &domain.WorkerOutput{
		Symbols: req.Symbols,
		Yielded: sortedKeys(results),
		Final: domain.WorkerFinal{
			Summary: *summary,
			Results: results,
		},
		Options: map[string]any{
			"dry_run":               req.DryRun,
			"force_run":             req.ForceRun,
			"current_tf":            string(req.CurrentTF),
			"force_timeframe_check": req.ForceTimeframeCheck,
			"switch_duration":       req.SwitchDuration.String(),
			"workers":               req.Workers,
		},
	}
}

func sortedKeys(m map[string]domain.CascadeResult) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
