// Package app assembles the service's components from configuration. Both
// the long-running jobs service and the one-shot poller build on it.
package app

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"sentimental/internal/config"
	"sentimental/internal/document"
	"sentimental/internal/health"
	"sentimental/internal/job"
	"sentimental/internal/notify"
	"sentimental/internal/observability"
	"sentimental/internal/poller"
	"sentimental/internal/provider"
	"sentimental/internal/sink"
	"sentimental/internal/store"
)

// App holds the wired components.
type App struct {
	Jobs     store.Backend
	Docs     document.Backend
	Sink     sink.Backend
	Provider provider.Provider
	Notifier notify.Notifier
	Service  *job.Service
	Poller   *poller.Poller
	Health   *health.Checker

	closers []func()
}

// New connects every backend named in cfg. On failure, whatever was already
// opened is released.
func New(ctx context.Context, cfg *config.ServiceConfig, metrics *observability.Metrics) (_ *App, err error) {
	clock := clockwork.NewRealClock()
	a := &App{}
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	p, err := provider.New(ctx, cfg.Provider, metrics)
	if err != nil {
		return nil, err
	}
	a.Provider = p

	jobs, closeJobs, err := store.Open(ctx, cfg.Store, clock)
	if err != nil {
		return nil, err
	}
	a.Jobs = jobs
	a.closers = append(a.closers, closeJobs)

	docs, closeDocs, err := document.Open(ctx, cfg.Documents, cfg.Store.JobTTL, clock)
	if err != nil {
		return nil, err
	}
	a.Docs = docs
	a.closers = append(a.closers, closeDocs)

	results, closeSink, err := sink.Open(ctx, cfg.Sink)
	if err != nil {
		return nil, err
	}
	a.Sink = results
	a.closers = append(a.closers, closeSink)

	var notifyMetrics notify.MetricsRecorder
	if metrics != nil {
		notifyMetrics = metrics
	}
	a.Notifier = notify.New(cfg.Notify, notifyMetrics)

	a.Service = job.NewService(jobs, docs, p, metrics, clock)
	a.Poller = poller.New(poller.Config{
		Concurrency:  cfg.Poll.Concurrency,
		ReclaimAfter: cfg.Poll.ReclaimAfter,
	}, jobs, docs, p, results, a.Notifier, metrics, clock)
	a.Health = health.NewChecker(map[string]health.ReadinessChecker{
		"store":     jobs,
		"documents": docs,
		"sink":      results,
	}, clock)

	slog.Info("Components ready",
		"provider", p.Name(),
		"store", cfg.Store.Backend,
		"documents", cfg.Documents.Backend,
		"sink", cfg.Sink.Backend,
		"notify", cfg.Notify.URL != "",
	)
	return a, nil
}

// Close drains queued notifications and releases every connection.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.Notifier != nil {
		err = a.Notifier.Close(ctx)
	}
	a.release()
	return err
}

func (a *App) release() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
