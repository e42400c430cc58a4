package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentimental/internal/apperrors"
	"sentimental/internal/document"
	"sentimental/internal/job"
	"sentimental/internal/notify"
	"sentimental/internal/provider"
	"sentimental/internal/sentiment"
	"sentimental/internal/sink"
	"sentimental/internal/store"
)

// fakeProvider reports a fixed status for every job and serves scripted
// fetch outcomes.
type fakeProvider struct {
	mu        sync.Mutex
	status    map[string]job.Status
	pollErr   error
	fetchErrs []error // consumed one per fetch before results are served
	fetches   atomic.Int32
	polls     atomic.Int32
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{status: make(map[string]job.Status)}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Submit(context.Context, []sentiment.Document, string) (*job.Job, error) {
	return nil, errors.New("not used")
}

func (f *fakeProvider) setStatus(id string, s job.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = s
}

func (f *fakeProvider) Poll(_ context.Context, j *job.Job) (provider.PollResult, error) {
	f.polls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return provider.PollResult{}, f.pollErr
	}
	s, ok := f.status[j.ID]
	if !ok {
		s = j.Status
	}
	return provider.PollResult{Status: s}, nil
}

func (f *fakeProvider) FetchResults(_ context.Context, j *job.Job, docs []sentiment.Document) (*provider.FetchResult, error) {
	f.fetches.Add(1)
	f.mu.Lock()
	if len(f.fetchErrs) > 0 {
		err := f.fetchErrs[0]
		f.fetchErrs = f.fetchErrs[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()

	out := &provider.FetchResult{}
	for _, d := range docs {
		out.Results = append(out.Results, sentiment.ScoreResult{
			JobID:      j.ID,
			DocumentID: d.ID,
			Sentiment:  sentiment.Positive,
			Scores:     sentiment.Scores{Positive: 0.9, Neutral: 0.1},
		})
	}
	out.Skipped = 1
	return out, nil
}

type failingSink struct{}

func (failingSink) Upsert(context.Context, []sink.Row) error {
	return apperrors.SinkWrite("test", errors.New("connection refused"))
}

type recordingNotifier struct {
	mu       sync.Mutex
	outcomes []notify.Outcome
}

func (r *recordingNotifier) Notify(o notify.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *recordingNotifier) Close(context.Context) error { return nil }

func (r *recordingNotifier) list() []notify.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Outcome(nil), r.outcomes...)
}

type harness struct {
	clock    *clockwork.FakeClock
	store    *store.MemoryStore
	docs     *document.MemoryStore
	provider *fakeProvider
	sink     *sink.MemorySink
	notifier *recordingNotifier
	poller   *Poller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    clockwork.NewFakeClockAt(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)),
		provider: newFakeProvider(),
		sink:     sink.NewMemorySink(),
		notifier: &recordingNotifier{},
	}
	h.store = store.NewMemoryStore(24*time.Hour, h.clock)
	h.docs = document.NewMemoryStore(24*time.Hour, h.clock)
	h.poller = New(Config{Concurrency: 4, ReclaimAfter: 10 * time.Minute},
		h.store, h.docs, h.provider, h.sink, h.notifier, nil, h.clock)
	return h
}

// addJob stores a SUBMITTED job over two documents.
func (h *harness) addJob(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	docs := []sentiment.Document{
		{ID: id + "-a", Keyword: "go", Source: "reddit", Title: "a", ExecutionID: "e"},
		{ID: id + "-b", Keyword: "go", Source: "reddit", Title: "b", ExecutionID: "e"},
	}
	require.NoError(t, h.docs.Put(ctx, docs))
	require.NoError(t, h.store.Create(ctx, &job.Job{
		ID:           id,
		Name:         "test",
		Status:       job.StatusSubmitted,
		ProviderName: "fake",
		Metadata:     &job.BulkFileMetadata{},
		DocumentIDs:  []string{id + "-a", id + "-b"},
	}))
}

func (h *harness) get(t *testing.T, id string) *job.Job {
	t.Helper()
	j, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestRunCompletesJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addJob(t, "job-1")
	h.provider.setStatus("job-1", job.StatusCompleted)

	summary, err := h.poller.Run(context.Background())
	require.NoError(t, err)

	j := h.get(t, "job-1")
	assert.Equal(t, job.StatusProcessed, j.Status)
	assert.Equal(t, int64(3), j.Version)
	assert.Len(t, h.sink.Rows(), 2)

	assert.Equal(t, 1, summary.Scanned)
	assert.Equal(t, 1, summary.Advanced)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 2, summary.Stored)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, summary.Errors)

	outcomes := h.notifier.list()
	require.Len(t, outcomes, 1)
	assert.Equal(t, job.StatusProcessed, outcomes[0].Job.Status)
	assert.Equal(t, 2, outcomes[0].Stored)
}

func TestRunRecordsProgress(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addJob(t, "job-1")
	h.provider.setStatus("job-1", job.StatusInProgress)

	_, err := h.poller.Run(context.Background())
	require.NoError(t, err)
	j := h.get(t, "job-1")
	assert.Equal(t, job.StatusInProgress, j.Status)
	assert.Equal(t, int64(1), j.Version)

	// An unchanged status is not written again.
	summary, err := h.poller.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Advanced)
	assert.Equal(t, int64(1), h.get(t, "job-1").Version)
	assert.Empty(t, h.notifier.list())
}

func TestRunIgnoresStatusRegression(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addJob(t, "job-1")
	h.provider.setStatus("job-1", job.StatusInProgress)
	_, err := h.poller.Run(context.Background())
	require.NoError(t, err)

	h.provider.setStatus("job-1", job.StatusSubmitted)
	_, err = h.poller.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.StatusInProgress, h.get(t, "job-1").Status)
}

func TestRunProviderFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addJob(t, "job-1")
	h.provider.setStatus("job-1", job.StatusFailed)

	summary, err := h.poller.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, h.get(t, "job-1").Status)
	assert.Equal(t, 1, summary.Failed)
	assert.Zero(t, h.provider.fetches.Load())

	outcomes := h.notifier.list()
	require.Len(t, outcomes, 1)
	assert.Equal(t, job.StatusFailed, outcomes[0].Job.Status)
}

func TestRunCorrelationMismatchFailsJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addJob(t, "job-1")
	h.provider.setStatus("job-1", job.StatusCompleted)
	h.provider.fetchErrs = []error{apperrors.CorrelationMismatch("job-1", 2, 3)}

	summary, err := h.poller.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, job.StatusFailed, h.get(t, "job-1").Status)
	assert.Empty(t, h.sink.Rows())
	assert.Equal(t, 1, summary.Failed)
	outcomes := h.notifier.list()
	require.Len(t, outcomes, 1)
	assert.NotEmpty(t, outcomes[0].Reason)
}

func TestRunSinkFailureErrorsJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.poller = New(Config{ReclaimAfter: 10 * time.Minute}, h.store, h.docs, h.provider, failingSink{}, h.notifier, nil, h.clock)
	h.addJob(t, "job-1")
	h.provider.setStatus("job-1", job.StatusCompleted)

	summary, err := h.poller.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.StatusError, h.get(t, "job-1").Status)
	assert.Equal(t, 1, summary.Errored)

	outcomes := h.notifier.list()
	require.Len(t, outcomes, 1)
	assert.Equal(t, job.StatusError, outcomes[0].Job.Status)
}

func TestRunMissingDocumentsFailsJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Create(ctx, &job.Job{
		ID:          "job-1",
		Status:      job.StatusSubmitted,
		Metadata:    &job.BulkFileMetadata{},
		DocumentIDs: []string{"gone"},
	}))
	h.provider.setStatus("job-1", job.StatusCompleted)

	_, err := h.poller.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, h.get(t, "job-1").Status)
	assert.Zero(t, h.provider.fetches.Load())
}

func TestRunRetriesUnavailableResults(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addJob(t, "job-1")
	h.provider.setStatus("job-1", job.StatusCompleted)
	h.provider.fetchErrs = []error{apperrors.ResultUnavailable("fetch", errors.New("no output yet"))}

	summary, err := h.poller.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Retries)
	assert.Equal(t, job.StatusStoring, h.get(t, "job-1").Status)

	// A fresh STORING job belongs to whoever claimed it.
	summary, err = h.poller.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Scanned)

	h.clock.Advance(10 * time.Minute)
	summary, err = h.poller.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Reclaimed)
	assert.Equal(t, 1, summary.Processed)

	j := h.get(t, "job-1")
	assert.Equal(t, job.StatusProcessed, j.Status)
	assert.Equal(t, int64(4), j.Version)
	assert.Len(t, h.sink.Rows(), 2)
}

func TestRunSkipsTerminalJobs(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addJob(t, "job-1")
	h.provider.setStatus("job-1", job.StatusCompleted)
	_, err := h.poller.Run(context.Background())
	require.NoError(t, err)
	polls := h.provider.polls.Load()

	h.provider.setStatus("job-1", job.StatusFailed)
	summary, err := h.poller.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Scanned)
	assert.Equal(t, polls, h.provider.polls.Load())
	assert.Equal(t, job.StatusProcessed, h.get(t, "job-1").Status)
}

func TestRunContinuesPastJobErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addJob(t, "job-1")
	h.addJob(t, "job-2")
	h.provider.pollErr = errors.New("throttled")

	summary, err := h.poller.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Scanned)
	assert.Equal(t, 2, summary.Errors)
}

func TestStaleWriteLosesRace(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.addJob(t, "job-1")
	stale := h.get(t, "job-1")

	res, err := h.store.CompareAndSet(ctx, "job-1", 0, job.StatusInProgress, nil)
	require.NoError(t, err)
	require.False(t, res.Conflict)

	h.provider.setStatus("job-1", job.StatusCompleted)
	tl := &tally{}
	h.poller.process(ctx, stale, tl)

	assert.Equal(t, 1, tl.s.Conflicts)
	assert.Zero(t, h.provider.fetches.Load())
	j := h.get(t, "job-1")
	assert.Equal(t, job.StatusInProgress, j.Status)
	assert.Equal(t, int64(1), j.Version)
}

func TestConcurrentPassesExtractOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addJob(t, "job-1")
	h.provider.setStatus("job-1", job.StatusCompleted)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.poller.Run(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	j := h.get(t, "job-1")
	assert.Equal(t, job.StatusProcessed, j.Status)
	assert.Equal(t, int64(3), j.Version)
	assert.Equal(t, int32(1), h.provider.fetches.Load())
	assert.Len(t, h.notifier.list(), 1)
	assert.Len(t, h.sink.Rows(), 2)
}
