package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"ledgermatch/internal/interfaces/scheduler"
	"ledgermatch/internal/shared/config"
	"ledgermatch/internal/shared/logging"
	"ledgermatch/internal/shared/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "application error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Environment)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:  cfg.Telemetry.ServiceName,
			Environment:  cfg.Environment,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			MetricsPort:  cfg.Telemetry.MetricsPort,
		}, logger)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(ctx); err != nil {
				logger.Error("telemetry shutdown failed", zap.Error(err))
			}
		}()
	}

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	sched, err := startScheduler(cfg, deps, logger)
	if err != nil {
		return err
	}

	handler := SetupRoutes(deps, cfg, logger)
	errCh := make(chan error, 1)
	srv, redirectSrv := StartServers(NewServerConfigFromConfig(handler, cfg), logger, errCh)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	GracefulShutdown(srv, redirectSrv, sched, shutdownTimeout, logger)
	return nil
}

// startScheduler runs auto-match for every tenant with an active connection
// at the configured times. It returns nil when the scheduler is disabled.
func startScheduler(cfg *config.Config, deps *Dependencies, logger *zap.Logger) (*scheduler.Scheduler, error) {
	if !cfg.Scheduler.Enabled {
		logger.Info("scheduler is disabled")
		return nil, nil
	}

	sched, err := scheduler.NewScheduler(scheduler.Config{
		ScheduleTimes: cfg.Scheduler.ScheduleTimes,
		WorkerCount:   cfg.Scheduler.WorkerCount,
		JobDelay:      cfg.Scheduler.JobDelay,
		QueueSize:     cfg.Scheduler.QueueSize,
		RunOnStartup:  cfg.Scheduler.RunOnStartup,
		JobProvider: scheduler.AutoMatchJobs(
			deps.ConnectionRepo,
			deps.AutoApplier,
			deps.Connections,
			cfg.Matching.AutoApplyWindow,
			cfg.Matching.AutoApplyThreshold,
			logger,
		),
	}, logger)
	if err != nil {
		return nil, err
	}

	sched.Start()
	logger.Info("scheduler started",
		zap.Strings("times", cfg.Scheduler.ScheduleTimes),
		zap.Time("next_run", sched.NextRun()),
	)
	return sched, nil
}
