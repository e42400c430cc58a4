package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"sentimental/internal/apperrors"
)

// Runner runs one pass.
type Runner interface {
	Run(ctx context.Context) (Summary, error)
}

// Scheduler triggers passes on a cron schedule. Each pass gets its own
// deadline; a tick that arrives while a pass is still running is skipped.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler registers r on expr (standard five-field cron syntax).
func NewScheduler(expr string, deadline time.Duration, r Runner) (*Scheduler, error) {
	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug))
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(logger)))

	_, err := c.AddFunc(expr, func() {
		ctx := context.Background()
		if deadline > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, deadline)
			defer cancel()
		}
		if _, err := r.Run(ctx); err != nil {
			slog.Error("Scheduled poll pass failed", "error", err)
		}
	})
	if err != nil {
		return nil, apperrors.Configuration("POLL_SCHEDULE", "invalid cron expression "+expr+": "+err.Error())
	}
	return &Scheduler{cron: c}, nil
}

// Start begins triggering passes.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the schedule and waits for a running pass to return.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
