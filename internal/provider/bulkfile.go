package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	comprehendtypes "github.com/aws/aws-sdk-go-v2/service/comprehend/types"
	"github.com/google/uuid"
	"github.com/gosimple/slug"

	"sentimental/internal/apperrors"
	"sentimental/internal/job"
	"sentimental/internal/observability"
	"sentimental/internal/sentiment"
)

// outputMember is the archive entry holding one result line per input line.
const outputMember = "output"

// ObjectStore reads and writes blobs in the provider's bucket.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	// Get returns ErrResultUnavailable when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	// URI returns the backend's address for key (s3://bucket/key).
	URI(key string) string
	// KeyFromURI is the inverse of URI.
	KeyFromURI(uri string) (string, error)
}

// DetectionRequest starts an asynchronous sentiment detection job.
type DetectionRequest struct {
	JobName      string
	InputURI     string
	OutputURI    string
	RoleARN      string
	LanguageCode string
}

// DetectionJob is what the backend reports about a job.
type DetectionJob struct {
	Status    comprehendtypes.JobStatus
	OutputURI string
	Message   string
}

// DetectionJobs starts and describes detection jobs.
type DetectionJobs interface {
	Start(ctx context.Context, req DetectionRequest) (string, error)
	Describe(ctx context.Context, jobID string) (*DetectionJob, error)
}

// BulkFileConfig holds bucket layout and job parameters.
type BulkFileConfig struct {
	Bucket       string
	RoleARN      string
	InputPrefix  string
	OutputPrefix string
	LanguageCode string
}

// BulkFile submits documents as a one-document-per-line file and correlates
// results by line position.
type BulkFile struct {
	cfg     BulkFileConfig
	objects ObjectStore
	jobs    DetectionJobs
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewBulkFile validates cfg and creates the provider.
func NewBulkFile(cfg BulkFileConfig, objects ObjectStore, jobs DetectionJobs, metrics *observability.Metrics) (*BulkFile, error) {
	if cfg.Bucket == "" {
		return nil, apperrors.Configuration("S3_BUCKET_NAME", "S3_BUCKET_NAME is required for the comprehend provider")
	}
	if cfg.RoleARN == "" {
		return nil, apperrors.Configuration("COMPREHEND_ROLE_ARN", "COMPREHEND_ROLE_ARN is required for the comprehend provider")
	}
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = "en"
	}
	return &BulkFile{
		cfg:     cfg,
		objects: objects,
		jobs:    jobs,
		metrics: metrics,
		logger:  slog.With("provider", KindBulkFile),
	}, nil
}

func (p *BulkFile) Name() string { return KindBulkFile }

// Submit uploads the canonical text of docs, one per line, and starts a job
// reading it.
func (p *BulkFile) Submit(ctx context.Context, docs []sentiment.Document, jobName string) (*job.Job, error) {
	if len(docs) == 0 {
		return nil, apperrors.EmptyInput("no documents to analyze")
	}

	lines := make([]string, len(docs))
	for i := range docs {
		lines[i] = docs[i].Text()
	}
	inputKey := path.Join(p.cfg.InputPrefix, fmt.Sprintf("%s-%s.txt", slug.Make(jobName), uuid.NewString()[:8]))

	err := observe(ctx, p.metrics, p.Name(), "upload", func() error {
		return p.objects.Put(ctx, inputKey, []byte(strings.Join(lines, "\n")), "text/plain")
	})
	if err != nil {
		return nil, apperrors.Internal("comprehend.upload", err)
	}

	var jobID string
	err = observe(ctx, p.metrics, p.Name(), "submit", func() error {
		var err error
		jobID, err = p.jobs.Start(ctx, DetectionRequest{
			JobName:      jobName,
			InputURI:     p.objects.URI(inputKey),
			OutputURI:    p.objects.URI(p.cfg.OutputPrefix) + "/",
			RoleARN:      p.cfg.RoleARN,
			LanguageCode: p.cfg.LanguageCode,
		})
		return err
	})
	if err != nil {
		return nil, apperrors.Internal("comprehend.start", err)
	}

	p.logger.Info("Detection job started", "jobId", jobID, "input", inputKey, "documents", len(docs))
	return &job.Job{
		ID:       jobID,
		Status:   job.StatusSubmitted,
		Metadata: &job.BulkFileMetadata{},
	}, nil
}

// Poll maps the backend status onto the job lifecycle.
func (p *BulkFile) Poll(ctx context.Context, j *job.Job) (PollResult, error) {
	desc, err := p.describe(ctx, j.ID)
	if err != nil {
		return PollResult{}, err
	}
	return PollResult{Status: mapDetectionStatus(desc.Status, j.Status)}, nil
}

func mapDetectionStatus(s comprehendtypes.JobStatus, current job.Status) job.Status {
	switch s {
	case comprehendtypes.JobStatusCompleted:
		return job.StatusCompleted
	case comprehendtypes.JobStatusFailed, comprehendtypes.JobStatusStopRequested, comprehendtypes.JobStatusStopped:
		return job.StatusFailed
	case comprehendtypes.JobStatusInProgress:
		return job.StatusInProgress
	default:
		return current
	}
}

// detectionLine is one line of the output member. Error lines carry
// ErrorCode instead of a sentiment.
type detectionLine struct {
	Line           *int             `json:"Line"`
	Sentiment      string           `json:"Sentiment"`
	SentimentScore sentiment.Scores `json:"SentimentScore"`
	ErrorCode      string           `json:"ErrorCode"`
	ErrorMessage   string           `json:"ErrorMessage"`
}

// FetchResults downloads the output archive and pairs the k-th result line
// with the k-th document. A line count that differs from the document count,
// or two lines resolving to the same document, fails the whole extraction
// with ErrCorrelationMismatch.
func (p *BulkFile) FetchResults(ctx context.Context, j *job.Job, docs []sentiment.Document) (*FetchResult, error) {
	desc, err := p.describe(ctx, j.ID)
	if err != nil {
		return nil, err
	}
	if desc.OutputURI == "" {
		return nil, apperrors.ResultUnavailable("comprehend.output", errors.New("job reports no output location"))
	}
	key, err := p.objects.KeyFromURI(desc.OutputURI)
	if err != nil {
		return nil, apperrors.Internal("comprehend.output", err)
	}

	var archive []byte
	err = observe(ctx, p.metrics, p.Name(), "download", func() error {
		var err error
		archive, err = p.objects.Get(ctx, key)
		return err
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrResultUnavailable) {
			return nil, err
		}
		return nil, apperrors.ResultUnavailable("comprehend.download", err)
	}

	output, err := readArchiveMember(archive, outputMember)
	if err != nil {
		return nil, apperrors.ResultUnavailable("comprehend.unarchive", err)
	}

	lines := splitLines(output)
	if len(lines) != len(docs) {
		return nil, apperrors.CorrelationMismatch(j.ID, len(docs), len(lines))
	}

	res := &FetchResult{Results: make([]sentiment.ScoreResult, 0, len(lines))}
	assigned := make(map[string]struct{}, len(lines))
	for i, raw := range lines {
		r, err := parseDetectionLine(j.ID, i, raw, docs)
		if err != nil {
			res.Skipped++
			p.logger.Warn("Skipping result line", "jobId", j.ID, "line", i, "error", err)
			continue
		}
		if _, dup := assigned[r.DocumentID]; dup {
			return nil, apperrors.DuplicateCorrelation(j.ID, r.DocumentID)
		}
		assigned[r.DocumentID] = struct{}{}
		res.Results = append(res.Results, r)
	}
	return res, nil
}

func parseDetectionLine(jobID string, index int, raw []byte, docs []sentiment.Document) (sentiment.ScoreResult, error) {
	var line detectionLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return sentiment.ScoreResult{}, apperrors.Malformed("comprehend.parse", err)
	}
	if line.ErrorCode != "" {
		return sentiment.ScoreResult{}, apperrors.Malformed("comprehend.parse", fmt.Errorf("%s: %s", line.ErrorCode, line.ErrorMessage))
	}

	// The backend numbers lines from zero; prefer its index when present.
	if line.Line != nil {
		if *line.Line < 0 || *line.Line >= len(docs) {
			return sentiment.ScoreResult{}, apperrors.Malformed("comprehend.parse", fmt.Errorf("line %d out of range", *line.Line))
		}
		index = *line.Line
	}

	r, err := sentiment.NewScoreResult(jobID, docs[index].ID, line.Sentiment, line.SentimentScore)
	if err != nil {
		return sentiment.ScoreResult{}, apperrors.Malformed("comprehend.parse", err)
	}
	return r, nil
}

func (p *BulkFile) describe(ctx context.Context, jobID string) (*DetectionJob, error) {
	var desc *DetectionJob
	err := observe(ctx, p.metrics, p.Name(), "poll", func() error {
		var err error
		desc, err = p.jobs.Describe(ctx, jobID)
		return err
	})
	if err != nil {
		return nil, apperrors.Internal("comprehend.describe", err)
	}
	return desc, nil
}

// splitLines returns the non-blank lines of data.
func splitLines(data []byte) [][]byte {
	var out [][]byte
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		out = append(out, append([]byte(nil), line...))
	}
	return out
}
