package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pivox/tradingV3-sub005/internal/domain"
	"github.com/pivox/tradingV3-sub005/internal/infrastructure/exchange"
	"github.com/pivox/tradingV3-sub005/internal/infrastructure/logger"
	"github.com/pivox/tradingV3-sub005/internal/infrastructure/storage"
	"github.com/pivox/tradingV3-sub005/internal/metrics"
	"github.com/pivox/tradingV3-sub005/internal/usecase"
)

type Config struct {
	Exchange struct {
		APIKey       string `yaml:"api_key"`
		APISecret    string `yaml:"api_secret"`
		RESTEndpoint string `yaml:"rest_endpoint"`
		WSEndpoint   string `yaml:"ws_endpoint"`
	} `yaml:"exchange"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Logging struct {
		Level      string `yaml:"level"`
		WorkerFile string `yaml:"worker_file"`
	} `yaml:"logging"`
	Risk struct {
		usecase.SizerConfig `yaml:",inline"`
		EquityCacheTTLMs    int `yaml:"equity_cache_ttl_ms"`
	} `yaml:"risk"`
	Metrics struct {
		Addr string `yaml:"addr"` // empty disables the /metrics listener
	} `yaml:"metrics"`
	Run struct {
		Workers    int  `yaml:"workers"`
		Subprocess bool `yaml:"subprocess"`
	} `yaml:"run"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func main() {
	var (
		configPath       = flag.String("config", "config/config.yaml", "path to config file")
		symbolsFlag      = flag.String("symbols", "", "comma-separated symbols, empty for catalog defaults")
		dryRun           = flag.Bool("dry-run", false, "validate without submitting orders")
		forceRun         = flag.Bool("force-run", false, "ignore the global switch")
		tfFlag           = flag.String("tf", "", "timeframe whose candle close triggered this run")
		forceTfCheck     = flag.Bool("force-timeframe-check", false, "re-evaluate every timeframe, ignore cached signals")
		autoSwitch       = flag.Bool("auto-switch-invalid", false, "bench symbols that fail the cascade")
		switchDuration   = flag.Duration("switch-duration", 4*time.Hour, "bench duration for auto-switched symbols")
		workers          = flag.Int("workers", 0, "parallel workers, 0 uses config, 1 is sequential")
		lockPerSymbol    = flag.Bool("lock-per-symbol", false, "take one advisory lock per symbol instead of the run lock")
		workerMode       = flag.Bool("worker", false, "run as a fan-out worker: one JSON result line on stdout")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Workers keep stdout clean for the result line and log to a file instead.
	var log *zap.Logger
	if *workerMode {
		workerFile := cfg.Logging.WorkerFile
		if workerFile == "" {
			workerFile = "mtf_worker.log"
		}
		log, err = logger.NewFileLogger(workerFile, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "mtf.db"
	}
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	adapter := exchange.NewBybitAdapter(
		cfg.Exchange.APIKey, cfg.Exchange.APISecret,
		cfg.Exchange.RESTEndpoint, cfg.Exchange.WSEndpoint, log)

	svc := buildRunner(cfg, store, adapter, log)

	req := domain.RunRequest{
		DryRun:              *dryRun,
		ForceRun:            *forceRun,
		ForceTimeframeCheck: *forceTfCheck,
		AutoSwitchInvalid:   *autoSwitch,
		SwitchDuration:      *switchDuration,
		Workers:             *workers,
		LockPerSymbol:       *lockPerSymbol,
	}
	if *symbolsFlag != "" {
		req.Symbols = strings.Split(*symbolsFlag, ",")
	}
	if *tfFlag != "" {
		tf, ok := domain.ParseTimeframe(*tfFlag)
		if !ok {
			log.Fatal("Invalid timeframe", zap.String("tf", *tfFlag))
		}
		req.CurrentTF = tf
	}
	if req.Workers == 0 {
		req.Workers = cfg.Run.Workers
	}

	if *workerMode {
		runWorker(svc, req, log)
		return
	}

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := <-metrics.Serve(cfg.Metrics.Addr); err != nil {
				log.Warn("metrics listener stopped", zap.Error(err))
			}
		}()
		log.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
	}

	if cfg.Run.Subprocess {
		self, err := os.Executable()
		if err != nil {
			self = os.Args[0]
		}
		svc.Scheduler().WithWorkerCommand([]string{self, "--config", *configPath})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	summary, _, err := svc.Run(ctx, req)
	if err != nil {
		log.Fatal("Run failed", zap.Error(err))
	}

	log.Info("run finished",
		zap.String("run_id", summary.RunID),
		zap.String("status", string(summary.Status)),
		zap.Int("processed", summary.SymbolsProcessed),
		zap.Int("successful", summary.SymbolsSuccessful),
		zap.Float64("success_rate", summary.SuccessRate),
		zap.Float64("execution_seconds", summary.ExecutionTimeSecs))

	if summary.Status == domain.RunFailed {
		os.Exit(1)
	}
}

func buildRunner(cfg *Config, store *storage.SQLiteStore, adapter *exchange.BybitAdapter, log *zap.Logger) *usecase.MtfRunnerService {
	riskCfg := cfg.Risk.SizerConfig
	riskCfg.EquityCacheTTL = time.Duration(cfg.Risk.EquityCacheTTLMs) * time.Millisecond

	ledger := usecase.NewAuditLedger(store, log)
	switches := usecase.NewSwitchRegistry(store, log)
	locks := usecase.NewLockRegistry(store, log)
	resolver := usecase.NewSymbolResolver(adapter, switches, log)
	gate := usecase.NewAdmissionGate(adapter, switches, ledger, log)
	engine := usecase.NewIndicatorEngine()
	validator := usecase.NewCascadeValidator(engine, adapter, switches, ledger, log)
	planner := usecase.NewOrderPlanner(log)
	sizer := usecase.NewPositionSizer(adapter, usecase.IsolatedMarginGuard{}, riskCfg, log)
	recalc := usecase.NewTPSLRecalculator(adapter, store, planner, riskCfg, adapter, ledger, log)

	return usecase.NewMtfRunnerService(usecase.RunnerDeps{
		Resolver:  resolver,
		Gate:      gate,
		Locks:     locks,
		Switches:  switches,
		Validator: validator,
		Planner:   planner,
		Sizer:     sizer,
		Recalc:    recalc,
		Ledger:    ledger,
		Catalog:   adapter,
		Filters:   store,
		Submitter: adapter,
		Runs:      store,
		Prices:    adapter,
	}, log)
}

// runWorker executes the request sequentially and writes exactly one JSON line
// to stdout. The coordinator parses that line; everything else goes to the
// worker log file.
func runWorker(svc *usecase.MtfRunnerService, req domain.RunRequest, log *zap.Logger) {
	req.Workers = 1

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	summary, results, err := svc.Run(ctx, req)
	if err != nil {
		log.Error("worker run failed", zap.Error(err))
		os.Exit(1)
	}

	out := usecase.BuildWorkerOutput(summary, results, req)
	line, err := json.Marshal(out)
	if err != nil {
		log.Error("worker output marshal failed", zap.Error(err))
		os.Exit(1)
	}
	fmt.Println(string(line))

	if summary.Status == domain.RunFailed {
		os.Exit(1)
	}
}
