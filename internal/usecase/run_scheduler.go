package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pivox/tradingV3-sub005/internal/domain"
)

// SymbolRunner executes the full cascade for one symbol.
type SymbolRunner interface {
	RunSymbol(ctx context.Context, runID, symbol string, req domain.RunRequest) *domain.CascadeResult
}

// SchedulerResult aggregates per-symbol outcomes for one run.
type SchedulerResult struct {
	Results  map[string]domain.CascadeResult
	Errors   []string
	Duration time.Duration
}

// RunScheduler fans the per-symbol cascade out. Sequential mode iterates
// in-process; parallel mode uses a bounded goroutine pool, or subprocess
// workers speaking the JSON stdout protocol when a worker command is
// configured. A failing unit contributes an error entry and never aborts its
// siblings.
type RunScheduler struct {
	runner       SymbolRunner
	logger       *zap.Logger
	workerCmd    []string // argv prefix for subprocess mode; empty = in-process
	pollInterval time.Duration
}

func NewRunScheduler(runner SymbolRunner, logger *zap.Logger) *RunScheduler {
	return &RunScheduler{
		runner:       runner,
		logger:       logger,
		pollInterval: 100 * time.Millisecond,
	}
}

// WithWorkerCommand switches parallel mode to subprocess fan-out. argv is the
// command prefix; per-symbol flags are appended.
func (s *RunScheduler) WithWorkerCommand(argv []string) *RunScheduler {
	s.workerCmd = argv
	return s
}

func (s *RunScheduler) Run(ctx context.Context, runID string, symbols []string, req domain.RunRequest) *SchedulerResult {
	start := time.Now()
	var out *SchedulerResult
	switch {
	case req.Workers > 1 && len(s.workerCmd) > 0:
		out = s.runSubprocess(ctx, symbols, req)
	case req.Workers > 1:
		out = s.runPool(ctx, runID, symbols, req)
	default:
		out = s.runSequential(ctx, runID, symbols, req)
	}
	out.Duration = time.Since(start)
	return out
}

// runSequential processes symbols one at a time. Cancellation is honored
// between symbols, never mid-cascade.
func (s *RunScheduler) runSequential(ctx context.Context, runID string, symbols []string, req domain.RunRequest) *SchedulerResult {
	out := &SchedulerResult{Results: make(map[string]domain.CascadeResult)}
	for _, sym := range symbols {
		if ctx.Err() != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: run cancelled", sym))
			continue
		}
		res := s.runOne(ctx, runID, sym, req)
		out.Results[sym] = *res
		if res.Status == domain.CascadeError && res.Error != "" {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %s", sym, res.Error))
		}
	}
	return out
}

// runPool is the in-process parallel mode: a buffered work channel feeding
// req.Workers goroutines, results merged off a channel. Unit failures are
// isolated by a per-unit recover.
func (s *RunScheduler) runPool(ctx context.Context, runID string, symbols []string, req domain.RunRequest) *SchedulerResult {
	work := make(chan string, len(symbols))
	results := make(chan *domain.CascadeResult, len(symbols))
	for _, sym := range symbols {
		work <- sym
	}
	close(work)

	var wg sync.WaitGroup
	for i := 0; i < req.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sym := range work {
				results <- s.runOne(ctx, runID, sym, req)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	out := &SchedulerResult{Results: make(map[string]domain.CascadeResult)}
	for r := range results {
		out.Results[r.Symbol] = *r
		if r.Status == domain.CascadeError && r.Error != "" {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %s", r.Symbol, r.Error))
		}
	}
	return out
}

// runOne executes a single symbol with panic isolation.
func (s *RunScheduler) runOne(ctx context.Context, runID, symbol string, req domain.RunRequest) (result *domain.CascadeResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("symbol unit panicked", zap.String("symbol", symbol), zap.Any("panic", r))
			result = &domain.CascadeResult{
				Symbol:      symbol,
				Status:      domain.CascadeError,
				FinalSignal: domain.SideNone,
				Error:       fmt.Sprintf("panic: %v", r),
			}
		}
	}()
	return s.runner.RunSymbol(ctx, runID, symbol, req)
}

type workerUnit struct {
	symbol string
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
	done   chan error
	err    error
	exited bool
}

// runSubprocess partitions symbols into a queue and keeps up to req.Workers
// worker processes alive, each handling exactly one symbol per invocation.
// The coordinator polls for completed units with a short sleep instead of a
// blocking wait so every worker is serviced.
func (s *RunScheduler) runSubprocess(ctx context.Context, symbols []string, req domain.RunRequest) *SchedulerResult {
	out := &SchedulerResult{Results: make(map[string]domain.CascadeResult)}

	queue := append([]string(nil), symbols...)
	active := make([]*workerUnit, 0, req.Workers)

	// Drain the queue first, then the still-running units.
	for len(queue) > 0 || len(active) > 0 {
		for len(active) < req.Workers && len(queue) > 0 {
			sym := queue[0]
			queue = queue[1:]
			unit, err := s.spawn(ctx, sym, req)
			if err != nil {
				out.Results[sym] = errorResult(sym, fmt.Sprintf("spawn worker: %v", err))
				out.Errors = append(out.Errors, fmt.Sprintf("%s: spawn worker: %v", sym, err))
				continue
			}
			active = append(active, unit)
		}

		time.Sleep(s.pollInterval)

		remaining := active[:0]
		for _, unit := range active {
			select {
			case err := <-unit.done:
				unit.err = err
				unit.exited = true
			default:
			}
			if !unit.exited {
				remaining = append(remaining, unit)
				continue
			}
			res, err := s.collect(unit)
			if err != nil {
				out.Results[unit.symbol] = errorResult(unit.symbol, err.Error())
				out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", unit.symbol, err))
				continue
			}
			out.Results[unit.symbol] = *res
			if res.Status == domain.CascadeError && res.Error != "" {
				out.Errors = append(out.Errors, fmt.Sprintf("%s: %s", unit.symbol, res.Error))
			}
		}
		active = remaining
	}
	return out
}

func (s *RunScheduler) spawn(ctx context.Context, symbol string, req domain.RunRequest) (*workerUnit, error) {
	args := append([]string(nil), s.workerCmd[1:]...)
	args = append(args,
		"--worker",
		"--symbols="+symbol,
		fmt.Sprintf("--workers=%d", 1),
		fmt.Sprintf("--switch-duration=%s", req.SwitchDuration),
	)
	if req.DryRun {
		args = append(args, "--dry-run")
	}
	if req.ForceRun {
		args = append(args, "--force-run")
	}
	if req.CurrentTF != "" {
		args = append(args, "--tf="+string(req.CurrentTF))
	}
	if req.ForceTimeframeCheck {
		args = append(args, "--force-timeframe-check")
	}

	unit := &workerUnit{
		symbol: symbol,
		done:   make(chan error, 1),
	}
	unit.cmd = exec.CommandContext(ctx, s.workerCmd[0], args...)
	unit.cmd.Stdout = &unit.stdout
	unit.cmd.Stderr = &unit.stderr
	if err := unit.cmd.Start(); err != nil {
		return nil, err
	}
	go func() {
		unit.done <- unit.cmd.Wait()
	}()
	s.logger.Info("spawned worker", zap.String("symbol", symbol), zap.Int("pid", unit.cmd.Process.Pid))
	return unit, nil
}

// collect parses the worker's single JSON stdout line and extracts the
// symbol's result. Non-zero exit or unparseable output is a per-symbol error.
func (s *RunScheduler) collect(unit *workerUnit) (*domain.CascadeResult, error) {
	if unit.err != nil {
		return nil, fmt.Errorf("worker exited: %v (stderr: %s)", unit.err, strings.TrimSpace(unit.stderr.String()))
	}

	line := lastJSONLine(unit.stdout.String())
	if line == "" {
		return nil, fmt.Errorf("worker produced no output")
	}

	var payload domain.WorkerOutput
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		return nil, fmt.Errorf("unparseable worker output: %w", err)
	}
	res, ok := payload.Final.Results[unit.symbol]
	if !ok {
		return nil, fmt.Errorf("worker output missing result for %s", unit.symbol)
	}
	return &res, nil
}

func lastJSONLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "{") {
			return line
		}
	}
	return ""
}

func errorResult(symbol, msg string) domain.CascadeResult {
	return domain.CascadeResult{
		Symbol:      symbol,
		Status:      domain.CascadeError,
		FinalSignal: domain.SideNone,
		Error:       msg,
	}
}
