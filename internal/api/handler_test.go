package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"sentimental/internal/apperrors"
	"sentimental/internal/document"
	"sentimental/internal/health"
	"sentimental/internal/job"
	"sentimental/internal/poller"
	"sentimental/internal/sentiment"
	"sentimental/internal/store"
)

type fakeSubmitter struct{}

func (fakeSubmitter) Name() string { return "fake" }

func (fakeSubmitter) Submit(_ context.Context, _ []sentiment.Document, name string) (*job.Job, error) {
	return &job.Job{ID: "job-" + name, Status: job.StatusSubmitted, Metadata: &job.BulkFileMetadata{}}, nil
}

type fakePoller struct {
	summary  poller.Summary
	err      error
	calls    int
	deadline time.Time
}

func (f *fakePoller) Run(ctx context.Context) (poller.Summary, error) {
	f.calls++
	f.deadline, _ = ctx.Deadline()
	return f.summary, f.err
}

type readyDep struct{ err error }

func (d readyDep) Ready(context.Context) error { return d.err }

const testAPIKey = "test-key"

func newTestRouter(t *testing.T, p PassRunner) (http.Handler, *store.MemoryStore) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	jobs := store.NewMemoryStore(time.Hour, clock)
	docs := document.NewMemoryStore(time.Hour, clock)
	svc := job.NewService(jobs, docs, fakeSubmitter{}, nil, clock)

	router := NewRouter(RouterConfig{
		JobService:    svc,
		Poller:        p,
		HealthChecker: health.NewChecker(map[string]health.ReadinessChecker{"store": jobs, "documents": docs}, clock),
		APIKey:        testAPIKey,
	})
	return router, jobs
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandler_Livez(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(nil, nil),
	}

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	handler.Livez(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response health.Response
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if response.Status != health.StatusHealthy {
		t.Errorf("Expected status healthy, got %s", response.Status)
	}
}

func TestHandler_Readyz_DependencyDown(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(map[string]health.ReadinessChecker{
			"sink": readyDep{err: errors.New("connection refused")},
		}, nil),
	}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	handler.Readyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestRouter_ReadyzWithoutAuth(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, &fakePoller{})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
}

func TestRouter_RequiresAPIKey(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, &fakePoller{})

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic " + testAPIKey},
		{"wrong key", "Bearer nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
			}
		})
	}
}

func TestRouter_SubmitAndGetJob(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, &fakePoller{})

	body := `{"job_name":"daily","documents":[{"id":"a","title":"hello","execution_id":"e1"},{"id":"b","title":"world","execution_id":"e1"}]}`
	w := do(t, router, http.MethodPost, "/v1/jobs", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}

	var created job.Job
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID != "job-daily" || created.Status != job.StatusSubmitted {
		t.Fatalf("Unexpected job %+v", created)
	}
	if len(created.DocumentIDs) != 2 {
		t.Errorf("Expected 2 document ids, got %d", len(created.DocumentIDs))
	}

	w = do(t, router, http.MethodGet, "/v1/jobs/job-daily", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var got job.Job
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Name != "daily" {
		t.Errorf("Expected job name daily, got %q", got.Name)
	}
}

func TestRouter_SubmitRejectsEmptyInput(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, &fakePoller{})

	w := do(t, router, http.MethodPost, "/v1/jobs", `{"documents":[]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestRouter_CreateJobInvalidJSON(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, &fakePoller{})

	w := do(t, router, http.MethodPost, "/v1/jobs", "invalid json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestRouter_GetUnknownJob(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, &fakePoller{})

	w := do(t, router, http.MethodGet, "/v1/jobs/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestRouter_ListJobsByStatus(t *testing.T) {
	t.Parallel()
	router, jobs := newTestRouter(t, &fakePoller{})
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := jobs.Create(ctx, &job.Job{ID: id, Status: job.StatusSubmitted, Metadata: &job.BulkFileMetadata{}}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := jobs.CompareAndSet(ctx, "b", 0, job.StatusInProgress, nil); err != nil {
		t.Fatalf("cas: %v", err)
	}

	w := do(t, router, http.MethodGet, "/v1/jobs?status=IN_PROGRESS", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var resp job.ListResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Jobs) != 1 || resp.Jobs[0].ID != "b" {
		t.Errorf("Expected only job b, got %+v", resp.Jobs)
	}

	w = do(t, router, http.MethodGet, "/v1/jobs", "")
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Jobs) != 2 {
		t.Errorf("Expected 2 jobs, got %d", len(resp.Jobs))
	}

	w = do(t, router, http.MethodGet, "/v1/jobs?status=DONE", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestRouter_PollReturnsSummary(t *testing.T) {
	t.Parallel()
	p := &fakePoller{summary: poller.Summary{Scanned: 3, Processed: 1}}
	router, _ := newTestRouter(t, p)

	w := do(t, router, http.MethodPost, "/v1/poll", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var summary poller.Summary
	if err := json.NewDecoder(w.Body).Decode(&summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.Scanned != 3 || summary.Processed != 1 || p.calls != 1 {
		t.Errorf("Unexpected summary %+v after %d calls", summary, p.calls)
	}
}

func TestHandler_PollAppliesDeadline(t *testing.T) {
	t.Parallel()
	p := &fakePoller{}
	h := NewHandler(nil, p, nil)
	h.pollDeadline = time.Minute

	before := time.Now()
	w := httptest.NewRecorder()
	h.Poll(w, httptest.NewRequest(http.MethodPost, "/v1/poll", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if p.deadline.IsZero() {
		t.Fatal("Expected the pass to run with a deadline")
	}
	if p.deadline.Before(before) || p.deadline.After(before.Add(time.Minute+time.Second)) {
		t.Errorf("Unexpected deadline %v", p.deadline)
	}
}

func TestRouter_PollFailure(t *testing.T) {
	t.Parallel()
	p := &fakePoller{err: apperrors.Internal("store.list", errors.New("redis down"))}
	router, _ := newTestRouter(t, p)

	w := do(t, router, http.MethodPost, "/v1/poll", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := RecoveryMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	handler := ContentTypeMiddleware()(inner)

	tests := []struct {
		contentType string
		want        int
	}{
		{"application/json", http.StatusOK},
		{"application/json; charset=utf-8", http.StatusOK},
		{"", http.StatusOK},
		{"text/plain", http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader("{}"))
		if tt.contentType != "" {
			req.Header.Set("Content-Type", tt.contentType)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("Content-Type %q: expected %d, got %d", tt.contentType, tt.want, w.Code)
		}
	}
}

func TestMiddleware_RequestID(t *testing.T) {
	t.Parallel()
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	})
	handler := RequestIDMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if seen != "abc-123" || w.Header().Get(RequestIDHeader) != "abc-123" {
		t.Errorf("Expected request id to be kept, got %q / %q", seen, w.Header().Get(RequestIDHeader))
	}

	req = httptest.NewRequest(http.MethodGet, "/livez", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if seen == "" || seen == "abc-123" {
		t.Errorf("Expected a generated request id, got %q", seen)
	}
}

func TestRouteLabel(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"/v1/jobs":     "/v1/jobs",
		"/v1/jobs/abc": "/v1/jobs/{jobId}",
		"/v1/poll":     "/v1/poll",
		"/readyz":      "/readyz",
	}
	for in, want := range tests {
		if got := routeLabel(in); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
