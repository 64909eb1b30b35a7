// Command engine runs the covered call lifecycle: position accounting, tiered
// call deployment, expiration-day rolls, and cost basis tracking.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/eddiefleurent/covered_caller/internal/broker"
	"github.com/eddiefleurent/covered_caller/internal/calendar"
	"github.com/eddiefleurent/covered_caller/internal/config"
	"github.com/eddiefleurent/covered_caller/internal/dashboard"
	"github.com/eddiefleurent/covered_caller/internal/ledger"
	"github.com/eddiefleurent/covered_caller/internal/orders"
	"github.com/eddiefleurent/covered_caller/internal/planner"
	"github.com/eddiefleurent/covered_caller/internal/positions"
	"github.com/eddiefleurent/covered_caller/internal/roller"
)

func main() {
	var configPath string
	var dryRun bool
	var once bool
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.BoolVar(&dryRun, "dry-run", false, "Simulate order submission regardless of config")
	flag.BoolVar(&once, "once", false, "Run a single cycle and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if dryRun {
		cfg.Environment.DryRun = true
	}

	logWriter := buildLogWriter(cfg)
	logger := log.New(logWriter, "[ENGINE] ", log.LstdFlags)

	logger.Printf("Starting covered call engine in %s mode", cfg.Environment.Mode)
	if cfg.Environment.DryRun {
		logger.Println("DRY-RUN MODE - orders will be simulated")
	} else if !cfg.IsSandbox() {
		logger.Println("LIVE TRADING MODE - real money at risk!")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	tradier := broker.NewTradierClientWithBaseURL(
		cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.IsSandbox(), cfg.Broker.APIEndpoint)
	var b broker.Broker = tradier
	if cfg.Broker.CircuitBreaker {
		b = broker.NewCircuitBreakerBroker(tradier)
	}

	store, err := ledger.NewStore(cfg.Ledger.Backend, cfg.Ledger.Path)
	if err != nil {
		logger.Fatalf("Failed to open ledger store: %v", err)
	}
	led, err := ledger.New(store, logger)
	if err != nil {
		logger.Fatalf("Failed to load ledger: %v", err)
	}

	svc := positions.NewService(b, led, logger)
	plannerCfg := planner.Config{
		MinDaysToExpiration: cfg.Strategy.MinDaysToExpiration,
		MaxDaysToExpiration: cfg.Strategy.MaxDaysToExpiration,
		NumTiers:            cfg.Strategy.NumTiers,
		MaxCandidates:       planner.DefaultConfig.MaxCandidates,
		NearMoneyRatio:      cfg.Strategy.NearMoneyRatio,
	}

	engine := &Engine{
		config:    cfg,
		broker:    b,
		positions: svc,
		planner:   planner.New(b, led, planner.HeuristicEstimator{}, logger, plannerCfg),
		roller:    roller.New(b, led, nil, logger),
		executor:  orders.NewExecutor(b, logger, cfg.Environment.DryRun),
		ledger:    led,
		calendar:  calendar.New(b, logger),
		logger:    logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("Shutdown signal received, stopping engine...")
		cancel()
	}()

	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.Dashboard.Enabled {
		dashLogger := logrus.New()
		dashLogger.SetOutput(logWriter)
		dash := dashboard.NewServer(cfg.Dashboard.Addr, cfg.Symbols(), svc, led, b, dashLogger)
		engine.dashboard = dash

		group.Go(func() error {
			if err := dash.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return dash.Shutdown(shutdownCtx)
		})
	}

	group.Go(func() error {
		defer cancel()
		return engine.Run(groupCtx, once)
	})

	err = group.Wait()
	if closeErr := store.Close(); closeErr != nil {
		logger.Printf("Failed to close ledger store: %v", closeErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Engine error: %v", err)
	}
	logger.Println("Engine stopped successfully")
}

// buildLogWriter tees logs to stdout and, when configured, a rotated file.
func buildLogWriter(cfg *config.Config) io.Writer {
	if cfg.Logging.File == "" {
		return os.Stdout
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.Logging.File,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}
	return io.MultiWriter(os.Stdout, rotator)
}
