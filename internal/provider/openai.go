package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"sentimental/internal/apperrors"
	"sentimental/internal/config"
	"sentimental/pkg/backoff"
	"sentimental/pkg/circuitbreaker"
)

const (
	batchEndpoint        = "/v1/chat/completions"
	maxErrorBody         = 4096
	defaultClientRetries = 3
)

// Batch is the batch object returned by the OpenAI API.
type Batch struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	InputFileID      string `json:"input_file_id"`
	OutputFileID     string `json:"output_file_id"`
	ErrorFileID      string `json:"error_file_id"`
	CompletionWindow string `json:"completion_window"`
	RequestCounts    struct {
		Total     int `json:"total"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	} `json:"request_counts"`
	Errors *struct {
		Data []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Line    *int   `json:"line"`
		} `json:"data"`
	} `json:"errors"`
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openai: HTTP %d: %s", e.StatusCode, e.Message)
}

// retryable reports whether the request may succeed if repeated.
func (e *APIError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// OpenAIClient is a minimal client for the files and batches endpoints.
// Every request passes a rate limiter and a circuit breaker and is retried
// with exponential backoff on 429, 5xx and transport errors.
type OpenAIClient struct {
	baseURL  string
	apiKey   string
	window   string
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *circuitbreaker.Breaker
	retry    backoff.Config
	attempts int
}

// NewOpenAIClient creates a client. An empty API key is a configuration error.
func NewOpenAIClient(cfg config.OpenAIConfig, httpClient *http.Client) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.Configuration("OPENAI_API_KEY", "OPENAI_API_KEY is required for the chatgpt provider")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	window := cfg.CompletionWindow
	if window == "" {
		window = "24h"
	}
	return &OpenAIClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		window:   window,
		http:     httpClient,
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		breaker:  circuitbreaker.New(circuitbreaker.DefaultConfig()),
		retry:    backoff.Config{Initial: 500 * time.Millisecond, Max: 10 * time.Second},
		attempts: defaultClientRetries + 1,
	}, nil
}

// UploadFile stores a JSONL request file for batch use and returns its id.
func (c *OpenAIClient) UploadFile(ctx context.Context, filename string, content []byte) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, "files.upload", &out, func(ctx context.Context) (*http.Request, error) {
		var body bytes.Buffer
		w := multipart.NewWriter(&body)
		if err := w.WriteField("purpose", "batch"); err != nil {
			return nil, err
		}
		part, err := w.CreateFormFile("file", filename)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(content); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/files", &body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		return req, nil
	})
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("openai: file upload returned no id")
	}
	return out.ID, nil
}

// CreateBatch starts a batch over an uploaded request file.
func (c *OpenAIClient) CreateBatch(ctx context.Context, inputFileID string, metadata map[string]string) (*Batch, error) {
	payload, err := json.Marshal(map[string]any{
		"input_file_id":     inputFileID,
		"endpoint":          batchEndpoint,
		"completion_window": c.window,
		"metadata":          metadata,
	})
	if err != nil {
		return nil, err
	}

	var b Batch
	err = c.do(ctx, "batches.create", &b, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/batches", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	if b.Errors != nil && len(b.Errors.Data) > 0 {
		return nil, fmt.Errorf("openai: batch rejected: %s: %s", b.Errors.Data[0].Code, b.Errors.Data[0].Message)
	}
	return &b, nil
}

// RetrieveBatch returns the current state of a batch.
func (c *OpenAIClient) RetrieveBatch(ctx context.Context, batchID string) (*Batch, error) {
	var b Batch
	err := c.do(ctx, "batches.retrieve", &b, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/batches/"+batchID, nil)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// FileContent downloads a file. A missing file is ErrResultUnavailable.
func (c *OpenAIClient) FileContent(ctx context.Context, fileID string) ([]byte, error) {
	var raw []byte
	err := c.do(ctx, "files.content", &raw, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/files/"+fileID+"/content", nil)
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, apperrors.ResultUnavailable("openai.files.content", err)
		}
		return nil, err
	}
	return raw, nil
}

// do sends the request built by newReq and decodes a JSON response into out,
// or copies the raw body when out is *[]byte.
func (c *OpenAIClient) do(ctx context.Context, op string, out any, newReq func(context.Context) (*http.Request, error)) error {
	return backoff.Retry(ctx, c.attempts, &c.retry, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		err := c.breaker.Do(func() error {
			return c.send(ctx, out, newReq)
		}, func(err error) bool {
			var apiErr *APIError
			return !errors.As(err, &apiErr) || apiErr.retryable()
		})
		if err == nil {
			return nil
		}

		err = fmt.Errorf("%s: %w", op, err)
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.retryable() {
			return backoff.Permanent(err)
		}
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return backoff.Permanent(err)
		}
		return err
	})
}

func (c *OpenAIClient) send(ctx context.Context, out any, newReq func(context.Context) (*http.Request, error)) error {
	req, err := newReq(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, Message: apiErrorMessage(body)}
	}

	if raw, ok := out.(*[]byte); ok {
		*raw, err = io.ReadAll(resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// apiErrorMessage extracts error.message from an error body, falling back to
// the raw text.
func apiErrorMessage(body []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return strings.TrimSpace(string(body))
}
