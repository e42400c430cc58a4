package observability

import (
	"context"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics:
//   - HTTP: latency, traffic and errors of the API
//   - Jobs: submissions, status transitions, CAS conflicts, stored and skipped results
//   - Poller: passes, pass latency and jobs scanned
//   - Providers: latency and failures of calls to scoring backends
//   - Notifier: lifecycle event delivery
type Metrics struct {
	meter metric.Meter

	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	JobsSubmitted      metric.Int64Counter
	DocumentsSubmitted metric.Int64Counter
	JobTransitions     metric.Int64Counter
	CASConflicts       metric.Int64Counter
	ResultsStored      metric.Int64Counter
	ResultsSkipped     metric.Int64Counter
	ExtractionRetries  metric.Int64Counter

	PollPasses   metric.Int64Counter
	PollDuration metric.Float64Histogram
	JobsScanned  metric.Int64Counter

	ProviderDuration metric.Float64Histogram
	ProviderErrors   metric.Int64Counter

	NotifyDuration  metric.Float64Histogram
	NotifyDelivered metric.Int64Counter
	NotifyFailed    metric.Int64Counter
	NotifyDropped   metric.Int64Counter
	NotifyRequeued  metric.Int64Counter
	NotifyQueueSize metric.Int64Gauge
}

// NewMetrics creates all metrics on a dedicated Prometheus registry and
// returns the handler that serves it.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	reg := promclient.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("sentimental")
	m := &Metrics{meter: meter}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.HTTPRequestsTotal, "http_requests_total", "Total number of HTTP requests"},
		{&m.HTTPErrorsTotal, "http_errors_total", "Total number of HTTP errors (4xx and 5xx)"},
		{&m.JobsSubmitted, "jobs_submitted_total", "Jobs submitted to a provider"},
		{&m.DocumentsSubmitted, "documents_submitted_total", "Documents submitted to a provider"},
		{&m.JobTransitions, "job_transitions_total", "Accepted job status transitions"},
		{&m.CASConflicts, "job_cas_conflicts_total", "Conditional writes lost to a concurrent poller"},
		{&m.ResultsStored, "results_stored_total", "Score results upserted into the sink"},
		{&m.ResultsSkipped, "results_skipped_total", "Result items skipped as malformed or unknown"},
		{&m.ExtractionRetries, "extraction_retries_total", "Extractions deferred because results were not yet readable"},
		{&m.PollPasses, "poll_passes_total", "Completed polling passes"},
		{&m.JobsScanned, "poll_jobs_scanned_total", "Jobs examined by polling passes"},
		{&m.ProviderErrors, "provider_errors_total", "Failed calls to scoring backends"},
		{&m.NotifyDelivered, "notify_delivered_total", "Lifecycle events delivered"},
		{&m.NotifyFailed, "notify_failed_total", "Lifecycle events failed after retries"},
		{&m.NotifyDropped, "notify_dropped_total", "Lifecycle events dropped (buffer full or max requeues)"},
		{&m.NotifyRequeued, "notify_requeued_total", "Lifecycle events requeued due to open circuit"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, nil, err
		}
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PollDuration, err = meter.Float64Histogram(
		"poll_pass_duration_seconds",
		metric.WithDescription("Polling pass duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ProviderDuration, err = meter.Float64Histogram(
		"provider_request_duration_seconds",
		metric.WithDescription("Scoring backend call latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDuration, err = meter.Float64Histogram(
		"notify_duration_seconds",
		metric.WithDescription("Lifecycle event delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyQueueSize, err = meter.Int64Gauge(
		"notify_queue_size",
		metric.WithDescription("Current number of events in the notifier queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobSubmitted records a job accepted by a provider.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, provider string, documents int) {
	attrs := metric.WithAttributes(providerAttr(provider))
	m.JobsSubmitted.Add(ctx, 1, attrs)
	m.DocumentsSubmitted.Add(ctx, int64(documents), attrs)
}

// RecordTransition records an accepted status change.
func (m *Metrics) RecordTransition(ctx context.Context, provider, from, to string) {
	m.JobTransitions.Add(ctx, 1, metric.WithAttributes(providerAttr(provider), fromAttr(from), toAttr(to)))
}

// RecordCASConflict records a conditional write lost to another poller.
func (m *Metrics) RecordCASConflict(ctx context.Context, provider, to string) {
	m.CASConflicts.Add(ctx, 1, metric.WithAttributes(providerAttr(provider), toAttr(to)))
}

// RecordResults records the outcome of one extraction.
func (m *Metrics) RecordResults(ctx context.Context, provider string, stored, skipped int) {
	attrs := metric.WithAttributes(providerAttr(provider))
	m.ResultsStored.Add(ctx, int64(stored), attrs)
	if skipped > 0 {
		m.ResultsSkipped.Add(ctx, int64(skipped), attrs)
	}
}

// RecordExtractionRetry records an extraction deferred to a later pass.
func (m *Metrics) RecordExtractionRetry(ctx context.Context, provider string) {
	m.ExtractionRetries.Add(ctx, 1, metric.WithAttributes(providerAttr(provider)))
}

// RecordPollPass records a finished polling pass.
func (m *Metrics) RecordPollPass(ctx context.Context, scanned int, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(successAttr(success))
	m.PollPasses.Add(ctx, 1, attrs)
	m.PollDuration.Record(ctx, durationSeconds, attrs)
	m.JobsScanned.Add(ctx, int64(scanned))
}

// RecordProviderCall records one call to a scoring backend.
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, op string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(providerAttr(provider), opAttr(op), successAttr(success))
	m.ProviderDuration.Record(ctx, durationSeconds, attrs)
	if !success {
		m.ProviderErrors.Add(ctx, 1, attrs)
	}
}

// RecordNotifyDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordNotifyDelivered(ctx context.Context, durationSeconds float64) {
	m.NotifyDelivered.Add(ctx, 1)
	m.NotifyDuration.Record(ctx, durationSeconds)
}

// RecordNotifyFailed records a failed event delivery.
func (m *Metrics) RecordNotifyFailed(ctx context.Context) {
	m.NotifyFailed.Add(ctx, 1)
}

// RecordNotifyDropped records a dropped event.
func (m *Metrics) RecordNotifyDropped(ctx context.Context) {
	m.NotifyDropped.Add(ctx, 1)
}

// RecordNotifyRequeued records a requeued event.
func (m *Metrics) RecordNotifyRequeued(ctx context.Context) {
	m.NotifyRequeued.Add(ctx, 1)
}

// RecordNotifyQueueSize records the current queue size.
func (m *Metrics) RecordNotifyQueueSize(ctx context.Context, size int64) {
	m.NotifyQueueSize.Record(ctx, size)
}
