package notify

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"sentimental/pkg/backoff"
	"sentimental/pkg/circuitbreaker"
	"sentimental/pkg/cloudevent"
)

const (
	defaultQueueSize        = 1000
	defaultWorkers          = 2
	defaultMaxAttempts      = 4
	defaultHTTPTimeout      = 10 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 10
)

// MetricsRecorder receives delivery metrics.
type MetricsRecorder interface {
	RecordNotifyDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifyFailed(ctx context.Context)
	RecordNotifyDropped(ctx context.Context)
	RecordNotifyRequeued(ctx context.Context)
	RecordNotifyQueueSize(ctx context.Context, size int64)
}

// WebhookConfig configures a Webhook notifier.
type WebhookConfig struct {
	URL         string
	SigningKey  string
	QueueSize   int
	Workers     int
	MaxAttempts int
	HTTPTimeout time.Duration
	Backoff     backoff.Config
	Cooldown    time.Duration // breaker cooldown and requeue delay
	Clock       clockwork.Clock
}

func (c WebhookConfig) withDefaults() WebhookConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultBreakerCooldown
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Stats holds delivery counters.
type Stats struct {
	QueueDepth int
	Queued     int64
	Delivered  int64
	Failed     int64
	Dropped    int64
	Requeued   int64
}

type queued struct {
	event    *cloudevent.CloudEvent
	requeues int
}

// Webhook posts events to one URL from a bounded queue served by a worker
// pool. Each delivery is retried with backoff; 4xx answers are final. A
// circuit breaker per host defers deliveries while the endpoint is down.
type Webhook struct {
	cfg      WebhookConfig
	queue    chan *queued
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	metrics  MetricsRecorder
	logger   *slog.Logger

	queued    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	requeued  atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewWebhook starts the worker pool. metrics may be nil.
func NewWebhook(cfg WebhookConfig, metrics MetricsRecorder) *Webhook {
	cfg = cfg.withDefaults()

	w := &Webhook{
		cfg:    cfg,
		queue:  make(chan *queued, cfg.QueueSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  cfg.Cooldown,
			Clock:     cfg.Clock,
		}),
		metrics:  metrics,
		logger:   slog.With("component", "notifier", "destination", host(cfg.URL)),
		shutdown: make(chan struct{}),
	}

	w.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go w.worker()
	}

	w.logger.Info("Notifier started", "workers", cfg.Workers, "buffer", cfg.QueueSize)
	return w
}

// Notify queues the outcome's event. Non-terminal jobs are ignored.
func (w *Webhook) Notify(o Outcome) error {
	if w.closed.Load() {
		return ErrClosed
	}
	event := BuildEvent(o, w.cfg.Clock.Now())
	if event == nil {
		return nil
	}

	select {
	case w.queue <- &queued{event: event}:
		w.queued.Add(1)
		w.recordQueueSize()
		return nil
	default:
		w.drop(event, "buffer full")
		return ErrBufferFull
	}
}

// Stats returns delivery counters.
func (w *Webhook) Stats() Stats {
	return Stats{
		QueueDepth: len(w.queue),
		Queued:     w.queued.Load(),
		Delivered:  w.delivered.Load(),
		Failed:     w.failed.Load(),
		Dropped:    w.dropped.Load(),
		Requeued:   w.requeued.Load(),
	}
}

// Close stops accepting events and waits for the queue to drain.
func (w *Webhook) Close(ctx context.Context) error {
	if w.closed.Swap(true) {
		return nil
	}
	w.logger.Info("Notifier shutting down", "queued", len(w.queue))
	close(w.shutdown)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Notifier shutdown complete",
			"delivered", w.delivered.Load(),
			"failed", w.failed.Load(),
			"dropped", w.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		w.logger.Warn("Notifier shutdown timed out", "remaining", len(w.queue))
		return ctx.Err()
	}
}

func (w *Webhook) worker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.shutdown:
			w.drain()
			return
		case q := <-w.queue:
			w.deliver(q)
		}
	}
}

func (w *Webhook) drain() {
	for {
		select {
		case q := <-w.queue:
			w.deliver(q)
		default:
			return
		}
	}
}

func (w *Webhook) deliver(q *queued) {
	breaker := w.breakers.Get(host(w.cfg.URL))
	if !breaker.Allow() {
		w.requeue(q)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	err := backoff.Retry(ctx, w.cfg.MaxAttempts, &w.cfg.Backoff, func(ctx context.Context) error {
		err := w.sender.Send(ctx, w.cfg.URL, q.event, w.cfg.SigningKey)
		if cloudevent.IsClientError(err) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		if cloudevent.IsClientError(err) {
			breaker.RecordSuccess()
		} else {
			breaker.RecordFailure()
		}
		w.failed.Add(1)
		if w.metrics != nil {
			w.metrics.RecordNotifyFailed(ctx)
		}
		w.logger.Warn("Delivery failed", "type", q.event.Type, "jobId", q.event.Subject, "error", err)
		return
	}

	breaker.RecordSuccess()
	w.delivered.Add(1)
	if w.metrics != nil {
		w.metrics.RecordNotifyDelivered(ctx, time.Since(start).Seconds())
	}
	w.recordQueueSize()
}

// requeue puts an event back after the breaker cooldown.
func (w *Webhook) requeue(q *queued) {
	if q.requeues >= defaultMaxRequeues {
		w.drop(q.event, "max requeues reached")
		return
	}
	q.requeues++
	w.requeued.Add(1)
	if w.metrics != nil {
		w.metrics.RecordNotifyRequeued(context.Background())
	}

	go func() {
		select {
		case <-w.shutdown:
			return
		case <-w.cfg.Clock.After(w.cfg.Cooldown):
		}

		select {
		case w.queue <- q:
		case <-w.shutdown:
		default:
			w.drop(q.event, "buffer full on requeue")
		}
	}()
}

func (w *Webhook) drop(event *cloudevent.CloudEvent, reason string) {
	w.dropped.Add(1)
	if w.metrics != nil {
		w.metrics.RecordNotifyDropped(context.Background())
	}
	w.logger.Warn("Event dropped", "reason", reason, "type", event.Type, "jobId", event.Subject)
}

func (w *Webhook) recordQueueSize() {
	if w.metrics != nil {
		w.metrics.RecordNotifyQueueSize(context.Background(), int64(len(w.queue)))
	}
}

// host extracts the host from a URL for breaker keying and logs.
func host(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Notifier = (*Webhook)(nil)
