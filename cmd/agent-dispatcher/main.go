package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/uengine-oss/agent-dispatcher/internal/bus"
	"github.com/uengine-oss/agent-dispatcher/internal/config"
	ctxprep "github.com/uengine-oss/agent-dispatcher/internal/context"
	"github.com/uengine-oss/agent-dispatcher/internal/events"
	"github.com/uengine-oss/agent-dispatcher/internal/executor"
	"github.com/uengine-oss/agent-dispatcher/internal/executor/echo"
	"github.com/uengine-oss/agent-dispatcher/internal/schedule"
	"github.com/uengine-oss/agent-dispatcher/internal/store"
	"github.com/uengine-oss/agent-dispatcher/internal/store/sqlitestore"
	"github.com/uengine-oss/agent-dispatcher/internal/telemetry"
	"github.com/uengine-oss/agent-dispatcher/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

WORKER MODE (default):
  %s                          Start the poll-claim-execute worker loop

SUBCOMMANDS:
  %s status                   Print local queue/lease counts
  %s help                     Show this message

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  DISPATCHER_HOME            Data directory (default: ~/.agent-dispatcher)
  CONSUMER_ID                Lease owner identity (default: hostname:pid)
  AGENT_ORCH                 Scope claims to one orchestrator (default: any)
  STORE_PATH                 SQLite database path
  LOG_LEVEL                  debug, info, warn, error
  METRICS_ENABLED            1 to serve Prometheus /metrics
  OTEL_ENABLED               1 to enable tracing

EXAMPLES:
  Run the worker:            %s
  Check queue depth:         %s status
`, os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand())
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "E_CONFIG_LOAD: %v\n", err)
		os.Exit(1)
	}

	quietLogs := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("DISPATCHER_QUIET") != ""
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "E_LOGGER_INIT: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := telemetry.InitOTel(ctx, telemetry.OTelConfig{
		Enabled:     cfg.OTelEnabled,
		Exporter:    cfg.OTelExporter,
		ServiceName: "agent-dispatcher",
		SampleRate:  cfg.OTelSampleRate,
	})
	if err != nil {
		logger.Error("E_OTEL_INIT", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	if cfg.MetricsEnabled {
		go func() {
			if err := telemetry.ServeMetrics(cfg.MetricsPort, reg); err != nil {
				logger.Warn("metrics_server_stopped", "error", err)
			}
		}()
	}

	st, err := sqlitestore.Open(cfg.StorePath)
	if err != nil {
		logger.Error("E_STORE_OPEN", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	eventBus := bus.New()
	coalescer := events.NewCoalescer(st, cfg.EventCoalesceBatch, cfg.EventCoalesceDelay(), logger)
	preparer := ctxprep.New(st, nil)

	if interval := cfg.LeaseSweepInterval(); interval > 0 {
		sweeper := schedule.New(schedule.Config{Store: st, Logger: logger, Interval: interval})
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	srv := worker.New(worker.Config{
		Store:              st,
		Preparer:           preparer,
		ExecutorFactory:    func(task *store.Task) executor.Executor { return echo.New() },
		Coalescer:          coalescer,
		Bus:                eventBus,
		Metrics:            metrics,
		Logger:             logger,
		ConsumerID:         cfg.ConsumerID,
		AgentOrch:          cfg.AgentOrch,
		Env:                cfg.Env,
		IdlePollInterval:   cfg.IdlePollInterval(),
		CancelPollInterval: cfg.CancelPollInterval(),
	})

	logger.Info("worker_starting", "consumer_id", cfg.ConsumerID, "agent_orch", cfg.AgentOrch)
	if err := srv.Run(ctx); err != nil {
		logger.Error("worker_run_failed", "error", err)
		os.Exit(1)
	}
	logger.Info("worker_stopped")
}
