// Package poller drives jobs through their lifecycle. Each pass reads the
// non-terminal jobs, asks the provider for their status and advances them
// with conditional writes. Completed jobs are claimed, their results fetched
// and written to the sink, and the job is closed out.
//
// Passes hold no lock. Any number may run at once; every write is a
// compare-and-set on the job's version, so exactly one pass wins each
// transition and the losers drop the job until their next pass.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"sentimental/internal/apperrors"
	"sentimental/internal/job"
	"sentimental/internal/notify"
	"sentimental/internal/observability"
	"sentimental/internal/provider"
	"sentimental/internal/sentiment"
	"sentimental/internal/sink"
)

// DocumentReader loads a job's documents in the order of ids. A missing
// document fails with ErrNotFound.
type DocumentReader interface {
	GetMany(ctx context.Context, ids []string) ([]sentiment.Document, error)
}

// Config tunes a pass.
type Config struct {
	Concurrency  int           // jobs handled in parallel
	ReclaimAfter time.Duration // STORING jobs idle this long are extracted again
}

// Summary counts what one pass did.
type Summary struct {
	Scanned   int     `json:"scanned"`
	Advanced  int     `json:"advanced"`
	Processed int     `json:"processed"`
	Failed    int     `json:"failed"`
	Errored   int     `json:"errored"`
	Reclaimed int     `json:"reclaimed"`
	Conflicts int     `json:"conflicts"`
	Retries   int     `json:"retries"`
	Errors    int     `json:"errors"`
	Stored    int     `json:"stored"`
	Skipped   int     `json:"skipped"`
	Duration  float64 `json:"durationSeconds"`
}

// Poller runs passes. It is safe to call Run concurrently.
type Poller struct {
	store    job.Store
	docs     DocumentReader
	provider provider.Provider
	sink     sink.Sink
	notifier notify.Notifier
	metrics  *observability.Metrics
	clock    clockwork.Clock
	cfg      Config
	logger   *slog.Logger
}

// New creates a Poller. notifier, metrics and clock may be nil.
func New(cfg Config, store job.Store, docs DocumentReader, p provider.Provider, s sink.Sink, notifier notify.Notifier, metrics *observability.Metrics, clock clockwork.Clock) *Poller {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Poller{
		store:    store,
		docs:     docs,
		provider: p,
		sink:     s,
		notifier: notifier,
		metrics:  metrics,
		clock:    clock,
		cfg:      cfg,
		logger:   slog.With("component", "poller", "provider", p.Name()),
	}
}

// tally is the pass summary shared by the job workers.
type tally struct {
	mu sync.Mutex
	s  Summary
}

func (t *tally) add(fn func(s *Summary)) {
	t.mu.Lock()
	fn(&t.s)
	t.mu.Unlock()
}

// Run performs one pass. Failures on individual jobs are counted and logged
// but never end the pass; only failing to list jobs returns an error. The
// caller's context bounds the pass.
func (p *Poller) Run(ctx context.Context) (Summary, error) {
	start := p.clock.Now()

	pending, err := p.pending(ctx)
	if err != nil {
		p.logger.Error("Failed to list pending jobs", "error", err)
		p.record(func(m *observability.Metrics) {
			m.RecordPollPass(ctx, 0, false, p.clock.Since(start).Seconds())
		})
		return Summary{}, err
	}

	t := &tally{}
	t.s.Scanned = len(pending)

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for _, j := range pending {
		g.Go(func() error {
			p.process(ctx, j, t)
			return nil
		})
	}
	_ = g.Wait()

	summary := t.s
	summary.Duration = p.clock.Since(start).Seconds()
	p.record(func(m *observability.Metrics) {
		m.RecordPollPass(ctx, summary.Scanned, summary.Errors == 0, summary.Duration)
	})

	p.logger.Info("Poll pass finished",
		"scanned", summary.Scanned,
		"advanced", summary.Advanced,
		"processed", summary.Processed,
		"failed", summary.Failed,
		"errored", summary.Errored,
		"conflicts", summary.Conflicts,
		"errors", summary.Errors,
	)
	return summary, nil
}

// pending lists the jobs a pass looks at: everything awaiting the provider,
// completed jobs whose claim never happened and stalled extractions.
func (p *Poller) pending(ctx context.Context) ([]*job.Job, error) {
	var out []*job.Job
	for _, status := range []job.Status{job.StatusSubmitted, job.StatusInProgress, job.StatusCompleted} {
		found, err := p.store.GetByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}

	storing, err := p.store.GetByStatus(ctx, job.StatusStoring)
	if err != nil {
		return nil, err
	}
	for _, j := range storing {
		if p.clock.Since(j.UpdatedAt) >= p.cfg.ReclaimAfter {
			out = append(out, j)
		}
	}
	return out, nil
}

func (p *Poller) process(ctx context.Context, j *job.Job, t *tally) {
	logger := p.logger.With("jobId", j.ID, "status", j.Status, "version", j.Version)

	switch j.Status {
	case job.StatusSubmitted, job.StatusInProgress:
		p.advance(ctx, j, t, logger)
	case job.StatusCompleted:
		if p.claim(ctx, j, t, logger) {
			p.extract(ctx, j, t, logger)
		}
	case job.StatusStoring:
		logger.Warn("Reclaiming stalled extraction", "idle", p.clock.Since(j.UpdatedAt).String())
		if p.claim(ctx, j, t, logger) {
			t.add(func(s *Summary) { s.Reclaimed++ })
			p.extract(ctx, j, t, logger)
		}
	}
}

// advance polls the provider and records a status change.
func (p *Poller) advance(ctx context.Context, j *job.Job, t *tally, logger *slog.Logger) {
	res, err := p.provider.Poll(ctx, j)
	if err != nil {
		logger.Warn("Provider poll failed", "error", err)
		t.add(func(s *Summary) { s.Errors++ })
		return
	}
	if res.Status == j.Status {
		return
	}
	if !job.CanTransition(j.Status, res.Status) {
		logger.Warn("Ignoring provider status", "reported", res.Status)
		return
	}

	if !p.write(ctx, j, res.Status, res.Metadata, t, logger) {
		return
	}
	t.add(func(s *Summary) { s.Advanced++ })

	switch j.Status {
	case job.StatusFailed:
		t.add(func(s *Summary) { s.Failed++ })
		p.notify(notify.Outcome{Job: j, Reason: "provider reported failure"}, logger)
	case job.StatusCompleted:
		if p.claim(ctx, j, t, logger) {
			p.extract(ctx, j, t, logger)
		}
	}
}

// claim moves j to STORING. Only the pass whose write lands extracts.
func (p *Poller) claim(ctx context.Context, j *job.Job, t *tally, logger *slog.Logger) bool {
	return p.write(ctx, j, job.StatusStoring, nil, t, logger)
}

// extract fetches the results of a STORING job, writes them to the sink and
// closes the job out.
func (p *Poller) extract(ctx context.Context, j *job.Job, t *tally, logger *slog.Logger) {
	docs, err := p.docs.GetMany(ctx, j.DocumentIDs)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			logger.Error("Job documents are gone", "error", err)
			p.finish(ctx, j, job.StatusFailed, notify.Outcome{Reason: err.Error()}, t, logger)
			return
		}
		logger.Warn("Failed to load documents", "error", err)
		t.add(func(s *Summary) { s.Errors++ })
		return
	}

	fetched, err := p.provider.FetchResults(ctx, j, docs)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrResultUnavailable):
		logger.Warn("Results not available yet, will retry", "error", err)
		t.add(func(s *Summary) { s.Retries++ })
		p.record(func(m *observability.Metrics) { m.RecordExtractionRetry(ctx, j.ProviderName) })
		return
	case errors.Is(err, apperrors.ErrCorrelationMismatch), errors.Is(err, apperrors.ErrProviderFailed):
		logger.Error("Results cannot be used", "error", err)
		p.finish(ctx, j, job.StatusFailed, notify.Outcome{Reason: err.Error()}, t, logger)
		return
	default:
		logger.Warn("Failed to fetch results", "error", err)
		t.add(func(s *Summary) { s.Errors++ })
		return
	}

	rows := sink.NewRows(fetched.Results, docs)
	skipped := fetched.Skipped + fetched.Errors + len(fetched.Results) - len(rows)

	if err := p.sink.Upsert(ctx, rows); err != nil {
		logger.Error("Failed to store results", "rows", len(rows), "error", err)
		p.finish(ctx, j, job.StatusError, notify.Outcome{Reason: err.Error()}, t, logger)
		return
	}
	p.record(func(m *observability.Metrics) { m.RecordResults(ctx, j.ProviderName, len(rows), skipped) })

	if p.finish(ctx, j, job.StatusProcessed, notify.Outcome{Stored: len(rows), Skipped: skipped}, t, logger) {
		t.add(func(s *Summary) {
			s.Stored += len(rows)
			s.Skipped += skipped
		})
		logger.Info("Results stored", "stored", len(rows), "skipped", skipped)
	}
}

// finish writes a terminal status and announces it.
func (p *Poller) finish(ctx context.Context, j *job.Job, to job.Status, o notify.Outcome, t *tally, logger *slog.Logger) bool {
	if !p.write(ctx, j, to, nil, t, logger) {
		return false
	}
	t.add(func(s *Summary) {
		switch to {
		case job.StatusProcessed:
			s.Processed++
		case job.StatusFailed:
			s.Failed++
		case job.StatusError:
			s.Errored++
		}
	})
	o.Job = j
	p.notify(o, logger)
	return true
}

// write applies one conditional write and updates j in place when it lands.
// A lost race is counted and reported as false.
func (p *Poller) write(ctx context.Context, j *job.Job, to job.Status, meta job.ProviderMetadata, t *tally, logger *slog.Logger) bool {
	res, err := p.store.CompareAndSet(ctx, j.ID, j.Version, to, meta)
	if err != nil {
		logger.Error("Failed to write job status", "to", to, "error", err)
		t.add(func(s *Summary) { s.Errors++ })
		return false
	}
	if res.Conflict {
		logger.Debug("Lost status write to another poller", "to", to)
		t.add(func(s *Summary) { s.Conflicts++ })
		p.record(func(m *observability.Metrics) { m.RecordCASConflict(ctx, j.ProviderName, string(to)) })
		return false
	}

	from := j.Status
	j.Status = to
	j.Version = res.Version
	j.UpdatedAt = p.clock.Now().UTC()
	if meta != nil {
		j.Metadata = meta
	}
	p.record(func(m *observability.Metrics) { m.RecordTransition(ctx, j.ProviderName, string(from), string(to)) })
	logger.Info("Job status changed", "from", from, "to", to, "version", res.Version)
	return true
}

func (p *Poller) notify(o notify.Outcome, logger *slog.Logger) {
	if err := p.notifier.Notify(o); err != nil {
		logger.Warn("Notification not queued", "error", err)
	}
}

func (p *Poller) record(fn func(m *observability.Metrics)) {
	if p.metrics != nil {
		fn(p.metrics)
	}
}
