package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/gosimple/slug"

	"sentimental/internal/apperrors"
	"sentimental/internal/job"
	"sentimental/internal/observability"
	"sentimental/internal/sentiment"
)

const systemPrompt = "You are a sentiment analysis tool. " +
	"Analyze the sentiment of the following text " +
	"and respond with ONLY a JSON object with the format: " +
	`{"sentiment": "POSITIVE|NEGATIVE|NEUTRAL|MIXED", ` +
	`"scores": {"Positive": float, "Negative": float, "Neutral": float, "Mixed": float}}` +
	" The scores should sum to 1.0."

// Batch states reported by the API.
const (
	batchValidating = "validating"
	batchInProgress = "in_progress"
	batchFinalizing = "finalizing"
	batchCompleted  = "completed"
	batchFailed     = "failed"
	batchExpired    = "expired"
	batchCancelling = "cancelling"
	batchCancelled  = "cancelled"
)

// BatchAPI is the remote batch service.
type BatchAPI interface {
	UploadFile(ctx context.Context, filename string, content []byte) (string, error)
	CreateBatch(ctx context.Context, inputFileID string, metadata map[string]string) (*Batch, error)
	RetrieveBatch(ctx context.Context, batchID string) (*Batch, error)
	FileContent(ctx context.Context, fileID string) ([]byte, error)
}

// TaggedConfig holds the chat completion parameters of each request.
type TaggedConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Tagged submits one chat completion request per document, tagged with the
// document id, and correlates results by that tag.
type Tagged struct {
	cfg     TaggedConfig
	api     BatchAPI
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewTagged creates the provider.
func NewTagged(cfg TaggedConfig, api BatchAPI, metrics *observability.Metrics) *Tagged {
	if cfg.Model == "" {
		cfg.Model = "gpt-3.5-turbo"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1000
	}
	return &Tagged{
		cfg:     cfg,
		api:     api,
		metrics: metrics,
		logger:  slog.With("provider", KindTagged),
	}
}

func (p *Tagged) Name() string { return KindTagged }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type batchRequestLine struct {
	CustomID string      `json:"custom_id"`
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Body     chatRequest `json:"body"`
}

// Submit uploads the request file, starts a batch and returns a job under a
// locally generated id.
func (p *Tagged) Submit(ctx context.Context, docs []sentiment.Document, jobName string) (*job.Job, error) {
	if len(docs) == 0 {
		return nil, apperrors.EmptyInput("no documents to analyze")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range docs {
		line := batchRequestLine{
			CustomID: docs[i].ID,
			Method:   "POST",
			URL:      batchEndpoint,
			Body: chatRequest{
				Model: p.cfg.Model,
				Messages: []chatMessage{
					{Role: "system", Content: systemPrompt},
					{Role: "user", Content: docs[i].Text()},
				},
				Temperature: p.cfg.Temperature,
				MaxTokens:   p.cfg.MaxTokens,
			},
		}
		if err := enc.Encode(line); err != nil {
			return nil, apperrors.Internal("chatgpt.encode", err)
		}
	}

	var fileID string
	err := observe(ctx, p.metrics, p.Name(), "upload", func() error {
		var err error
		fileID, err = p.api.UploadFile(ctx, slug.Make(jobName)+".jsonl", buf.Bytes())
		return err
	})
	if err != nil {
		return nil, apperrors.Internal("chatgpt.upload", err)
	}

	var batch *Batch
	err = observe(ctx, p.metrics, p.Name(), "submit", func() error {
		var err error
		batch, err = p.api.CreateBatch(ctx, fileID, map[string]string{"job_name": jobName})
		return err
	})
	if err != nil {
		return nil, apperrors.Internal("chatgpt.createBatch", err)
	}

	id := uuid.NewString()
	p.logger.Info("Batch created", "jobId", id, "batchId", batch.ID, "documents", len(docs))
	return &job.Job{
		ID:     id,
		Status: job.StatusSubmitted,
		Metadata: &job.TaggedBatchMetadata{
			BatchID:     batch.ID,
			InputHandle: fileID,
		},
	}, nil
}

// Poll maps the batch status onto the job lifecycle. On completion the
// returned metadata carries the output and error file handles.
func (p *Tagged) Poll(ctx context.Context, j *job.Job) (PollResult, error) {
	meta, err := taggedMetadata(j)
	if err != nil {
		return PollResult{}, err
	}
	batch, err := p.retrieve(ctx, meta.BatchID)
	if err != nil {
		return PollResult{}, err
	}

	switch batch.Status {
	case batchCompleted:
		updated := *meta
		updated.OutputHandle = batch.OutputFileID
		updated.ErrorHandle = batch.ErrorFileID
		p.logger.Info("Batch completed", "jobId", j.ID, "batchId", batch.ID,
			"completed", batch.RequestCounts.Completed, "failed", batch.RequestCounts.Failed)
		return PollResult{Status: job.StatusCompleted, Metadata: &updated}, nil
	case batchFailed, batchCancelling, batchCancelled, batchExpired:
		p.logger.Warn("Batch did not complete", "jobId", j.ID, "batchId", batch.ID, "status", batch.Status)
		return PollResult{Status: job.StatusFailed}, nil
	case batchInProgress:
		return PollResult{Status: job.StatusInProgress}, nil
	default:
		// validating, finalizing and anything newer
		return PollResult{Status: j.Status}, nil
	}
}

// batchResultLine is one line of the output or error file.
type batchResultLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		} `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type scoredContent struct {
	Sentiment string           `json:"sentiment"`
	Scores    sentiment.Scores `json:"scores"`
}

// FetchResults reads the output file and pairs each line with the document
// named by its custom_id. Order is irrelevant. Lines with a non-200 status,
// unparsable content or an unknown id are skipped. A repeated custom_id keeps
// its first valid line.
func (p *Tagged) FetchResults(ctx context.Context, j *job.Job, docs []sentiment.Document) (*FetchResult, error) {
	meta, err := taggedMetadata(j)
	if err != nil {
		return nil, err
	}

	// A job can reach COMPLETED without handles when it was written by an
	// older poller; the batch is the authority.
	if meta.OutputHandle == "" && meta.ErrorHandle == "" {
		batch, err := p.retrieve(ctx, meta.BatchID)
		if err != nil {
			return nil, err
		}
		meta = &job.TaggedBatchMetadata{
			BatchID:      meta.BatchID,
			InputHandle:  meta.InputHandle,
			OutputHandle: batch.OutputFileID,
			ErrorHandle:  batch.ErrorFileID,
		}
	}

	res := &FetchResult{}
	if meta.ErrorHandle != "" {
		res.Errors, err = p.logErrorFile(ctx, j.ID, meta.ErrorHandle)
		if err != nil {
			return nil, err
		}
	}
	if meta.OutputHandle == "" {
		if meta.ErrorHandle != "" {
			return nil, apperrors.ProviderFailed("chatgpt.fetch", fmt.Sprintf("batch %s produced only errors (%d)", meta.BatchID, res.Errors))
		}
		return nil, apperrors.ResultUnavailable("chatgpt.fetch", errors.New("batch has no output file"))
	}

	content, err := p.download(ctx, meta.OutputHandle)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]struct{}, len(docs))
	for i := range docs {
		byID[docs[i].ID] = struct{}{}
	}

	stored := make(map[string]struct{}, len(docs))
	for i, raw := range splitLines(content) {
		r, err := parseBatchResult(j.ID, raw, byID)
		if err != nil {
			res.Skipped++
			p.logger.Warn("Skipping result line", "jobId", j.ID, "line", i, "error", err)
			continue
		}
		if _, dup := stored[r.DocumentID]; dup {
			res.Skipped++
			p.logger.Warn("Skipping duplicate result", "jobId", j.ID, "line", i, "documentId", r.DocumentID)
			continue
		}
		stored[r.DocumentID] = struct{}{}
		res.Results = append(res.Results, r)
	}
	return res, nil
}

func parseBatchResult(jobID string, raw []byte, known map[string]struct{}) (sentiment.ScoreResult, error) {
	var line batchResultLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return sentiment.ScoreResult{}, apperrors.Malformed("chatgpt.parse", err)
	}
	if _, ok := known[line.CustomID]; !ok {
		return sentiment.ScoreResult{}, apperrors.Malformed("chatgpt.parse", fmt.Errorf("unknown document id %q", line.CustomID))
	}
	if line.Response == nil || line.Response.StatusCode != 200 {
		code := 0
		if line.Response != nil {
			code = line.Response.StatusCode
		}
		return sentiment.ScoreResult{}, apperrors.Malformed("chatgpt.parse", fmt.Errorf("document %s: status %d", line.CustomID, code))
	}
	if len(line.Response.Body.Choices) == 0 {
		return sentiment.ScoreResult{}, apperrors.Malformed("chatgpt.parse", fmt.Errorf("document %s: no choices", line.CustomID))
	}

	var scored scoredContent
	text := stripCodeFence(line.Response.Body.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(text), &scored); err != nil {
		return sentiment.ScoreResult{}, apperrors.Malformed("chatgpt.parse", fmt.Errorf("document %s: %w", line.CustomID, err))
	}

	r, err := sentiment.NewScoreResult(jobID, line.CustomID, scored.Sentiment, scored.Scores)
	if err != nil {
		return sentiment.ScoreResult{}, apperrors.Malformed("chatgpt.parse", fmt.Errorf("document %s: %w", line.CustomID, err))
	}
	return r, nil
}

// stripCodeFence removes a markdown code fence some models wrap JSON in.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func (p *Tagged) logErrorFile(ctx context.Context, jobID, fileID string) (int, error) {
	content, err := p.download(ctx, fileID)
	if err != nil {
		return 0, err
	}
	lines := splitLines(content)
	for _, raw := range lines {
		var line batchResultLine
		if json.Unmarshal(raw, &line) != nil {
			p.logger.Warn("Unreadable batch error line", "jobId", jobID)
			continue
		}
		attrs := []any{"jobId", jobID, "documentId", line.CustomID}
		if line.Error != nil {
			attrs = append(attrs, "code", line.Error.Code, "message", line.Error.Message)
		}
		if line.Response != nil {
			attrs = append(attrs, "statusCode", line.Response.StatusCode)
		}
		p.logger.Warn("Batch request failed", attrs...)
	}
	return len(lines), nil
}

func (p *Tagged) retrieve(ctx context.Context, batchID string) (*Batch, error) {
	var batch *Batch
	err := observe(ctx, p.metrics, p.Name(), "poll", func() error {
		var err error
		batch, err = p.api.RetrieveBatch(ctx, batchID)
		return err
	})
	if err != nil {
		return nil, apperrors.Internal("chatgpt.retrieveBatch", err)
	}
	return batch, nil
}

func (p *Tagged) download(ctx context.Context, fileID string) ([]byte, error) {
	var content []byte
	err := observe(ctx, p.metrics, p.Name(), "download", func() error {
		var err error
		content, err = p.api.FileContent(ctx, fileID)
		return err
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrResultUnavailable) {
			return nil, err
		}
		return nil, apperrors.ResultUnavailable("chatgpt.download", err)
	}
	return content, nil
}

func taggedMetadata(j *job.Job) (*job.TaggedBatchMetadata, error) {
	meta, ok := j.TaggedMetadata()
	if !ok || meta.BatchID == "" {
		return nil, apperrors.Internal("chatgpt.metadata", fmt.Errorf("job %s has no batch metadata", j.ID))
	}
	return meta, nil
}
