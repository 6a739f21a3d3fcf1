package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rezkam/botfleet/internal/application/dispatch"
	"github.com/rezkam/botfleet/internal/application/orchestrator"
	"github.com/rezkam/botfleet/internal/application/policy"
	"github.com/rezkam/botfleet/internal/application/recovery"
	"github.com/rezkam/botfleet/internal/application/scheduler"
	"github.com/rezkam/botfleet/internal/config"
	apihttp "github.com/rezkam/botfleet/internal/infrastructure/http"
	"github.com/rezkam/botfleet/internal/infrastructure/http/handler"
	"github.com/rezkam/botfleet/internal/infrastructure/persistence/postgres"
	"github.com/rezkam/botfleet/pkg/observability"
)

const serviceName = "botfleet-orchestrator"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Queue.Validate(); err != nil {
		return err
	}
	if err := cfg.Dispatch.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Observability first so everything below logs through it. Collector
	// endpoint and headers come from standard OTEL_* env vars.
	lp, logger, err := observability.InitLogger(ctx, serviceName, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer shutdownProvider(lp.Shutdown, "logger provider")
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, serviceName, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init tracer provider: %w", err)
	}
	defer shutdownProvider(tp.Shutdown, "tracer provider")

	mp, err := observability.InitMeterProvider(ctx, serviceName, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init meter provider: %w", err)
	}
	defer shutdownProvider(mp.Shutdown, "meter provider")

	slog.InfoContext(ctx, "starting botfleet orchestrator", "env", cfg.Env)

	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(pool); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	slog.InfoContext(ctx, "storage initialized", "dsn", maskPassword(cfg.Database.DSN))

	store := postgres.NewStore(pool, cfg.Queue, cfg.Recovery)
	metrics := observability.NewOrchestratorMetrics()

	orc, err := orchestrator.New(
		orchestrator.Stores{
			Queue:       store.Jobs,
			Robots:      store.Robots,
			Checkpoints: store.Checkpoints,
			Schedules:   store.Schedules,
			DeadLetters: store.DeadLetters,
			Escalations: store.Escalations,
			Leases:      store.Leases,
		},
		orchestratorConfig(cfg),
		orchestrator.WithLogger(logger),
		orchestrator.WithDispatchMetrics(metrics.Dispatch()),
		orchestrator.WithRecoveryMetrics(metrics.Recovery()),
		orchestrator.WithSchedulerMetrics(metrics.Scheduler()),
	)
	if err != nil {
		return fmt.Errorf("failed to build orchestrator: %w", err)
	}

	if err := orc.Start(ctx); err != nil {
		return err
	}
	defer orc.Stop()

	server := apihttp.NewAPIServer(handler.NewRouter(orc), apihttp.ServerConfig{
		Host: cfg.HTTPHost,
		Port: cfg.HTTPPort,
	})

	errResult := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errResult <- fmt.Errorf("failed to serve HTTP: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.WarnContext(shutdownCtx, "HTTP server shutdown timed out", "error", err)
		}
		return nil
	case err := <-errResult:
		return err
	}
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	return orchestrator.Config{
		MaxRetries:          cfg.Queue.MaxRetries,
		Backoff:             cfg.Queue.BackoffSchedule(),
		DefaultRequeueDelay: cfg.Queue.DefaultRequeueDelay,
		DLQEnabled:          cfg.Queue.DLQEnabled,
		DepthSoftLimit:      cfg.Queue.DepthSoftLimit,
		HeartbeatTimeout:    cfg.Recovery.HeartbeatTimeout,
		Dispatch: dispatch.Config{
			Interval:  cfg.Dispatch.Interval,
			BatchSize: cfg.Dispatch.BatchSize,
			Policy:    cfg.Dispatch.LoadBalancing,
		},
		Recovery: recovery.Config{
			MonitorInterval:    cfg.Recovery.MonitorInterval,
			JobTimeout:         cfg.Recovery.JobTimeout,
			VisibilityTimeout:  cfg.Queue.VisibilityTimeout,
			CheckpointRecovery: cfg.Recovery.CheckpointRecovery,
		},
		Scheduler: scheduler.Config{
			TickInterval:            cfg.Schedule.TickInterval,
			MaxConcurrentExecutions: cfg.Schedule.MaxConcurrentExecutions,
			HistoryRetention:        time.Duration(cfg.Schedule.HistoryRetentionDays) * 24 * time.Hour,
		},
		Breakers: policy.BreakerSettings{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
		},
		Rules: policy.DefaultRules(),
	}
}

// shutdownProvider flushes an OTel provider with a timeout so an unreachable
// collector cannot hang process exit.
func shutdownProvider(shutdown func(context.Context) error, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to shutdown "+name, "error", err)
	}
}

// maskPassword masks the password in a connection string for logging.
func maskPassword(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil {
		return "[REDACTED]"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxxx")
		}
	}
	return u.String()
}
