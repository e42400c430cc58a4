package job

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/jonboulle/clockwork"

	"sentimental/internal/apperrors"
	"sentimental/internal/observability"
	"sentimental/internal/sentiment"
)

// Validation limits
const (
	maxJobNameLength = 128
	maxDocuments     = 25000
)

// jobNamePattern allows alphanumeric, hyphens, underscores and dots
var jobNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Submitter starts a batch on a scoring backend. The returned job is in
// SUBMITTED with its provider metadata filled in.
type Submitter interface {
	Name() string
	Submit(ctx context.Context, docs []sentiment.Document, jobName string) (*Job, error)
}

// DocumentWriter keeps submitted documents until their results are stored.
type DocumentWriter interface {
	Put(ctx context.Context, docs []sentiment.Document) error
}

// Service creates jobs and answers job queries. It holds no job state; the
// Store is the only source of truth.
type Service struct {
	store    Store
	docs     DocumentWriter
	provider Submitter
	metrics  *observability.Metrics
	clock    clockwork.Clock
}

// NewService creates a new job service.
func NewService(store Store, docs DocumentWriter, provider Submitter, metrics *observability.Metrics, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		store:    store,
		docs:     docs,
		provider: provider,
		metrics:  metrics,
		clock:    clock,
	}
}

// Submit validates the documents, hands them to the provider and records the
// resulting job in SUBMITTED at version 0.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*Job, error) {
	docs, err := prepareDocuments(req.Documents)
	if err != nil {
		return nil, err
	}

	name := req.Name
	if name == "" {
		name = DefaultJobName(s.clock)
	}
	if err := validateJobName(name); err != nil {
		return nil, err
	}

	logger := slog.With("jobName", name, "provider", s.provider.Name(), "documents", len(docs))

	if err := s.docs.Put(ctx, docs); err != nil {
		logger.Error("Failed to store documents", "error", err)
		return nil, apperrors.Internal("documents.put", err)
	}

	j, err := s.provider.Submit(ctx, docs, name)
	if err != nil {
		logger.Error("Provider rejected submission", "error", err)
		return nil, err
	}

	now := s.clock.Now().UTC()
	j.Name = name
	j.Status = StatusSubmitted
	j.ProviderName = s.provider.Name()
	j.DocumentIDs = documentIDs(docs)
	j.CreatedAt = now
	j.UpdatedAt = now
	j.Version = 0

	if err := s.store.Create(ctx, j); err != nil {
		logger.Error("Failed to record job", "jobId", j.ID, "error", err)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordJobSubmitted(ctx, j.ProviderName, len(docs))
	}

	logger.Info("Job submitted", "jobId", j.ID)
	return j, nil
}

// Get returns a single job.
func (s *Service) Get(ctx context.Context, jobID string) (*Job, error) {
	return s.store.Get(ctx, jobID)
}

// List returns the jobs in status, or in every status when status is empty.
func (s *Service) List(ctx context.Context, status Status) (*ListResponse, error) {
	statuses := AllStatuses
	if status != "" {
		statuses = []Status{status}
	}

	jobs := make([]*Job, 0)
	for _, st := range statuses {
		found, err := s.store.GetByStatus(ctx, st)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, found...)
	}
	return &ListResponse{Jobs: jobs}, nil
}

// DefaultJobName derives a name from the current time.
func DefaultJobName(clock clockwork.Clock) string {
	return "job_" + clock.Now().UTC().Format("20060102_150405")
}

// prepareDocuments rejects empty and mixed-execution submissions and drops
// duplicate ids, keeping the first occurrence and the original order.
func prepareDocuments(in []sentiment.Document) ([]sentiment.Document, error) {
	if len(in) == 0 {
		return nil, apperrors.EmptyInput("no documents to analyze")
	}
	if len(in) > maxDocuments {
		return nil, apperrors.Validation("documents", fmt.Sprintf("documents exceed maximum of %d", maxDocuments))
	}

	executionID := in[0].ExecutionID
	seen := make(map[string]struct{}, len(in))
	out := make([]sentiment.Document, 0, len(in))
	for i := range in {
		d := in[i]
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if d.ExecutionID != executionID {
			return nil, apperrors.Validation("execution_id", "all documents must share one execution id")
		}
		if _, dup := seen[d.ID]; dup {
			continue
		}
		seen[d.ID] = struct{}{}
		out = append(out, d)
	}
	return out, nil
}

func validateJobName(name string) error {
	if len(name) > maxJobNameLength {
		return apperrors.Validation("job_name", fmt.Sprintf("job name exceeds maximum length of %d", maxJobNameLength))
	}
	if !jobNamePattern.MatchString(name) {
		return apperrors.Validation("job_name", "job name must be alphanumeric (hyphens, underscores and dots allowed)")
	}
	return nil
}

func documentIDs(docs []sentiment.Document) []string {
	ids := make([]string, len(docs))
	for i := range docs {
		ids[i] = docs[i].ID
	}
	return ids
}
