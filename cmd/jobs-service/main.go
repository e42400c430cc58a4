// jobs-service serves the jobs API and runs polling passes on a schedule.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentimental/internal/api"
	"sentimental/internal/app"
	"sentimental/internal/config"
	"sentimental/internal/observability"
	"sentimental/internal/poller"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.LoadServiceConfig()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	components, err := app.New(ctx, cfg, metrics)
	if err != nil {
		return err
	}

	var scheduler *poller.Scheduler
	if cfg.Poll.Schedule != "" {
		scheduler, err = poller.NewScheduler(cfg.Poll.Schedule, cfg.Poll.Deadline, components.Poller)
		if err != nil {
			_ = components.Close(ctx)
			return err
		}
		scheduler.Start()
		slog.Info("Poll schedule started", "schedule", cfg.Poll.Schedule, "deadline", cfg.Poll.Deadline)
	} else {
		slog.Info("Poll schedule disabled, passes run only via POST /v1/poll")
	}

	router := api.NewRouter(api.RouterConfig{
		JobService:    components.Service,
		Poller:        components.Poller,
		Metrics:       metrics,
		HealthChecker: components.Health,
		APIKey:        cfg.APIKey,
		PollDeadline:  cfg.Poll.Deadline,
	})

	if cfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	apiServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// POST /v1/poll answers after a full pass.
		WriteTimeout: cfg.Poll.Deadline + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case runErr = <-serverErr:
		slog.Error("Server failed to start", "error", runErr)
	}

	// Fail readiness first so load balancers stop routing here.
	components.Health.SetShuttingDown()
	if runErr == nil && cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	slog.Info("Starting graceful shutdown")
	if scheduler != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Poll.Deadline)
		scheduler.Stop(stopCtx)
		cancel()
	}
	shutdown(25 * time.Second)

	// A pass interrupted here resumes on the next invocation: the job stays
	// in its last written status.
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := components.Close(closeCtx); err != nil {
		slog.Warn("Notifier shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
	return runErr
}
