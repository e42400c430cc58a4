// job-poller runs a single polling pass and prints its summary as JSON. It
// is meant to be invoked by an external scheduler; overlapping invocations
// are safe.
//
// The exit code is 1 only when the configuration is invalid. An unreachable
// dependency or failed pass is reported in the output and left to the next
// invocation.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentimental/internal/app"
	"sentimental/internal/apperrors"
	"sentimental/internal/config"
	"sentimental/internal/poller"
)

const notifyDrainTimeout = 10 * time.Second

type output struct {
	poller.Summary
	Error string `json:"error,omitempty"`
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadServiceConfig()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		return 1
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.Poll.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Poll.Deadline)
		defer cancel()
	}

	components, err := app.New(ctx, cfg, nil)
	if err != nil {
		if errors.Is(err, apperrors.ErrConfiguration) {
			slog.Error("Invalid configuration", "error", err)
			return 1
		}
		slog.Error("Dependencies unavailable", "error", err)
		emit(output{Error: err.Error()})
		return 0
	}

	summary, err := components.Poller.Run(ctx)
	out := output{Summary: summary}
	if err != nil {
		out.Error = err.Error()
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyDrainTimeout)
	defer cancel()
	if err := components.Close(closeCtx); err != nil {
		slog.Warn("Notifier shutdown error", "error", err)
	}

	emit(out)
	return 0
}

func emit(out output) {
	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(out); err != nil {
		slog.Error("Failed to write summary", "error", err)
	}
}
