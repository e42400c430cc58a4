// Package notify announces jobs reaching a terminal status as CloudEvents
// posted to a webhook. Delivery is asynchronous and best effort; a lost
// notification never affects job state.
package notify

import (
	"context"
	"errors"
	"time"

	"sentimental/internal/config"
	"sentimental/internal/job"
	"sentimental/pkg/cloudevent"
)

// Event types, one per terminal status.
const (
	EventJobProcessed = "sentimental.job.processed"
	EventJobFailed    = "sentimental.job.failed"
	EventJobError     = "sentimental.job.error"
)

// Source identifies this service in emitted events.
const Source = "sentimental/poller"

// ErrBufferFull is returned when the queue is full and the event is dropped.
var ErrBufferFull = errors.New("notifier buffer full, event dropped")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("notifier is closed")

// Outcome describes how a job ended.
type Outcome struct {
	Job     *job.Job
	Stored  int    // results written to the sink
	Skipped int    // malformed or unknown result items
	Reason  string // why the job failed or errored
}

// Notifier queues terminal-status notifications.
type Notifier interface {
	// Notify queues an event for the job's terminal status. Non-blocking.
	Notify(o Outcome) error
	// Close delivers what is queued until ctx ends.
	Close(ctx context.Context) error
}

// EventType returns the event type for a terminal status, or "" for any
// other status.
func EventType(s job.Status) string {
	switch s {
	case job.StatusProcessed:
		return EventJobProcessed
	case job.StatusFailed:
		return EventJobFailed
	case job.StatusError:
		return EventJobError
	default:
		return ""
	}
}

// BuildEvent turns an outcome into a CloudEvent. It returns nil when the job
// is not terminal.
func BuildEvent(o Outcome, at time.Time) *cloudevent.CloudEvent {
	eventType := EventType(o.Job.Status)
	if eventType == "" {
		return nil
	}
	data := map[string]any{
		"jobId":     o.Job.ID,
		"jobName":   o.Job.Name,
		"provider":  o.Job.ProviderName,
		"status":    string(o.Job.Status),
		"documents": len(o.Job.DocumentIDs),
		"stored":    o.Stored,
		"skipped":   o.Skipped,
	}
	if o.Reason != "" {
		data["reason"] = o.Reason
	}
	return cloudevent.New(eventType, Source, o.Job.ID, at, data)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(Outcome) error        { return nil }
func (Nop) Close(context.Context) error { return nil }

// New returns a webhook notifier for cfg.URL, or Nop when no URL is set.
func New(cfg config.NotifyConfig, metrics MetricsRecorder) Notifier {
	if cfg.URL == "" {
		return Nop{}
	}
	return NewWebhook(WebhookConfig{
		URL:         cfg.URL,
		SigningKey:  cfg.SigningKey,
		QueueSize:   cfg.QueueSize,
		Workers:     cfg.Workers,
		MaxAttempts: cfg.MaxAttempts,
	}, metrics)
}
