// Package provider adapts external batch scoring backends to one contract:
// submit documents as a job, poll the job's status and fetch its results
// once complete.
//
// Two families exist. Bulk-file backends (AWS Comprehend) return one output
// line per input line and results are correlated by position. Tagged-batch
// backends (the OpenAI batch API) echo a caller-chosen id on every result and
// results are correlated by that id.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/comprehend"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"sentimental/internal/apperrors"
	"sentimental/internal/config"
	"sentimental/internal/job"
	"sentimental/internal/observability"
	"sentimental/internal/sentiment"
)

// Provider kinds accepted by PROVIDER.
const (
	KindBulkFile = "comprehend"
	KindTagged   = "chatgpt"
)

// PollResult is the provider's view of a job. Metadata is nil when the
// provider has nothing new to record.
type PollResult struct {
	Status   job.Status
	Metadata job.ProviderMetadata
}

// FetchResult holds the scores recovered for a completed job. Skipped counts
// items that were malformed or referenced unknown documents; Errors counts
// entries in a provider error artifact.
type FetchResult struct {
	Results []sentiment.ScoreResult
	Skipped int
	Errors  int
}

// Provider is a scoring backend.
type Provider interface {
	Name() string

	// Submit starts a batch for docs and returns a SUBMITTED job carrying the
	// provider's metadata. Fails with ErrEmptyInput when docs is empty.
	Submit(ctx context.Context, docs []sentiment.Document, jobName string) (*job.Job, error)

	// Poll asks the backend for the job's current status. Unknown backend
	// states report the job's current status unchanged.
	Poll(ctx context.Context, j *job.Job) (PollResult, error)

	// FetchResults reads a completed job's output. docs must be the job's
	// documents in submission order.
	FetchResults(ctx context.Context, j *job.Job, docs []sentiment.Document) (*FetchResult, error)
}

// New builds the provider selected by cfg.Kind.
func New(ctx context.Context, cfg config.ProviderConfig, metrics *observability.Metrics) (Provider, error) {
	switch cfg.Kind {
	case KindBulkFile:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return nil, apperrors.Configuration("AWS_REGION", fmt.Sprintf("cannot load AWS configuration: %v", err))
		}
		p, err := NewBulkFile(
			BulkFileConfig{
				Bucket:       cfg.AWS.Bucket,
				RoleARN:      cfg.AWS.RoleARN,
				InputPrefix:  cfg.AWS.InputPrefix,
				OutputPrefix: cfg.AWS.OutputPrefix,
				LanguageCode: cfg.AWS.LanguageCode,
			},
			NewS3Objects(s3.NewFromConfig(awsCfg), cfg.AWS.Bucket),
			NewComprehendJobs(comprehend.NewFromConfig(awsCfg)),
			metrics,
		)
		if err != nil {
			return nil, err
		}
		return p, nil

	case KindTagged:
		client, err := NewOpenAIClient(cfg.OpenAI, &http.Client{Timeout: 60 * time.Second})
		if err != nil {
			return nil, err
		}
		return NewTagged(TaggedConfig{
			Model:       cfg.OpenAI.Model,
			Temperature: cfg.OpenAI.Temperature,
			MaxTokens:   cfg.OpenAI.MaxTokens,
		}, client, metrics), nil

	default:
		return nil, apperrors.Configuration("PROVIDER", fmt.Sprintf("unknown provider %q", cfg.Kind))
	}
}

// observe records latency and outcome of one backend call.
func observe(ctx context.Context, metrics *observability.Metrics, provider, op string, fn func() error) error {
	start := time.Now()
	err := fn()
	if metrics != nil {
		metrics.RecordProviderCall(ctx, provider, op, err == nil, time.Since(start).Seconds())
	}
	return err
}
