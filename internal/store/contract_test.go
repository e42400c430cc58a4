package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentimental/internal/apperrors"
	"sentimental/internal/job"
)

// runStoreContract checks the behaviour every job.Store must share. Job ids
// are unique per test so backends may be shared between tests.
func runStoreContract(t *testing.T, newStore func(t *testing.T) job.Store) {
	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		j := newTestJob(&job.TaggedBatchMetadata{BatchID: "batch_1"})

		require.NoError(t, s.Create(ctx, j))

		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), got.Version)
		assert.Equal(t, job.StatusSubmitted, got.Status)
		assert.Equal(t, j.DocumentIDs, got.DocumentIDs)
		meta, ok := got.TaggedMetadata()
		require.True(t, ok)
		assert.Equal(t, "batch_1", meta.BatchID)
		assert.True(t, got.ExpiresAt.After(got.UpdatedAt))
	})

	t.Run("duplicate create conflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		j := newTestJob(&job.BulkFileMetadata{})

		require.NoError(t, s.Create(ctx, j))
		err := s.Create(ctx, newTestJobWithID(j.ID))
		assert.ErrorIs(t, err, apperrors.ErrConflict)
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "missing-"+uuid.NewString())
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("versions increase by one", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		j := newTestJob(&job.BulkFileMetadata{})
		require.NoError(t, s.Create(ctx, j))

		path := []job.Status{job.StatusInProgress, job.StatusCompleted, job.StatusStoring, job.StatusProcessed}
		for i, status := range path {
			res, err := s.CompareAndSet(ctx, j.ID, int64(i), status, nil)
			require.NoError(t, err)
			require.False(t, res.Conflict, "step %d", i)
			assert.Equal(t, int64(i+1), res.Version)
		}

		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusProcessed, got.Status)
		assert.Equal(t, int64(len(path)), got.Version)
	})

	t.Run("stale version conflicts without side effects", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		j := newTestJob(&job.TaggedBatchMetadata{BatchID: "batch_1"})
		require.NoError(t, s.Create(ctx, j))

		_, err := s.CompareAndSet(ctx, j.ID, 0, job.StatusInProgress, nil)
		require.NoError(t, err)

		res, err := s.CompareAndSet(ctx, j.ID, 0, job.StatusFailed,
			&job.TaggedBatchMetadata{BatchID: "other"})
		require.NoError(t, err)
		assert.True(t, res.Conflict)
		assert.Equal(t, int64(1), res.Version)

		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusInProgress, got.Status)
		assert.Equal(t, int64(1), got.Version)
		meta, _ := got.TaggedMetadata()
		assert.Equal(t, "batch_1", meta.BatchID)
	})

	t.Run("single writer wins a race", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		j := newTestJob(&job.BulkFileMetadata{})
		require.NoError(t, s.Create(ctx, j))

		const racers = 16
		var wins, conflicts atomic.Int64
		var wg sync.WaitGroup
		for range racers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := s.CompareAndSet(ctx, j.ID, 0, job.StatusInProgress, nil)
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				if res.Conflict {
					conflicts.Add(1)
				} else {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(1), wins.Load())
		assert.Equal(t, int64(racers-1), conflicts.Load())

		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("terminal status cannot be left", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		j := newTestJob(&job.BulkFileMetadata{})
		require.NoError(t, s.Create(ctx, j))

		_, err := s.CompareAndSet(ctx, j.ID, 0, job.StatusFailed, nil)
		require.NoError(t, err)

		for _, next := range []job.Status{job.StatusSubmitted, job.StatusInProgress, job.StatusStoring, job.StatusProcessed} {
			_, err := s.CompareAndSet(ctx, j.ID, 1, next, nil)
			assert.ErrorIs(t, err, apperrors.ErrInvalidTransition, "FAILED -> %s", next)
		}

		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, got.Status)
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("status index follows transitions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		j := newTestJob(&job.BulkFileMetadata{})
		require.NoError(t, s.Create(ctx, j))

		assert.Contains(t, jobIDs(t, s, job.StatusSubmitted), j.ID)

		_, err := s.CompareAndSet(ctx, j.ID, 0, job.StatusInProgress, nil)
		require.NoError(t, err)

		assert.NotContains(t, jobIDs(t, s, job.StatusSubmitted), j.ID)
		assert.Contains(t, jobIDs(t, s, job.StatusInProgress), j.ID)
	})

	t.Run("metadata replaced only when given", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		j := newTestJob(&job.TaggedBatchMetadata{BatchID: "batch_1"})
		require.NoError(t, s.Create(ctx, j))

		_, err := s.CompareAndSet(ctx, j.ID, 0, job.StatusInProgress, nil)
		require.NoError(t, err)
		_, err = s.CompareAndSet(ctx, j.ID, 1, job.StatusCompleted, &job.TaggedBatchMetadata{
			BatchID:      "batch_1",
			OutputHandle: "file-out",
			ErrorHandle:  "file-err",
		})
		require.NoError(t, err)

		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		meta, ok := got.TaggedMetadata()
		require.True(t, ok)
		assert.Equal(t, "file-out", meta.OutputHandle)
		assert.Equal(t, "file-err", meta.ErrorHandle)
	})

	t.Run("storing can be reclaimed", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		j := newTestJob(&job.BulkFileMetadata{})
		require.NoError(t, s.Create(ctx, j))

		for i, st := range []job.Status{job.StatusCompleted, job.StatusStoring, job.StatusStoring} {
			res, err := s.CompareAndSet(ctx, j.ID, int64(i), st, nil)
			require.NoError(t, err)
			require.False(t, res.Conflict)
		}
		assert.Contains(t, jobIDs(t, s, job.StatusStoring), j.ID)
	})

	t.Run("cas on missing job", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CompareAndSet(context.Background(), "missing-"+uuid.NewString(), 0, job.StatusInProgress, nil)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func newTestJob(meta job.ProviderMetadata) *job.Job {
	j := newTestJobWithID("job-" + uuid.NewString())
	j.Metadata = meta
	return j
}

func newTestJobWithID(id string) *job.Job {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &job.Job{
		ID:           id,
		Name:         "job_20250101_120000",
		Status:       job.StatusSubmitted,
		ProviderName: "chatgpt",
		Metadata:     &job.BulkFileMetadata{},
		DocumentIDs:  []string{"p1", "p2", "p3"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func jobIDs(t *testing.T, s job.Store, status job.Status) []string {
	t.Helper()
	jobs, err := s.GetByStatus(context.Background(), status)
	require.NoError(t, err)
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}
