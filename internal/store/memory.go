// Package store provides job.Store implementations: Redis (primary),
// PostgreSQL and an in-process map for tests and single-node development.
package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"sentimental/internal/apperrors"
	"sentimental/internal/job"
)

// MemoryStore keeps jobs in a mutex-guarded map with a per-status index.
// Expired jobs are dropped lazily on access.
type MemoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]*job.Job
	byStatus map[job.Status]map[string]struct{}
	ttl      time.Duration
	clock    clockwork.Clock
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(ttl time.Duration, clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		jobs:     make(map[string]*job.Job),
		byStatus: make(map[job.Status]map[string]struct{}),
		ttl:      ttl,
		clock:    clock,
	}
}

// Create inserts j at version 0.
func (s *MemoryStore) Create(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	if existing, ok := s.jobs[j.ID]; ok && !s.expired(existing, now) {
		return apperrors.Conflict("job", j.ID, "job "+j.ID+" already exists")
	}
	s.drop(j.ID)

	stored := j.Clone()
	stored.Version = 0
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.ExpiresAt = now.Add(s.ttl)
	s.put(stored)

	j.Version = 0
	j.ExpiresAt = stored.ExpiresAt
	return nil
}

// Get returns a copy of the job.
func (s *MemoryStore) Get(_ context.Context, id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok || s.expired(j, s.clock.Now()) {
		return nil, apperrors.NotFound("job", id)
	}
	return j.Clone(), nil
}

// GetByStatus returns copies of every live job in status, oldest first.
func (s *MemoryStore) GetByStatus(_ context.Context, status job.Status) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	out := make([]*job.Job, 0, len(s.byStatus[status]))
	for id := range s.byStatus[status] {
		j := s.jobs[id]
		if s.expired(j, now) {
			s.drop(id)
			continue
		}
		out = append(out, j.Clone())
	}
	slices.SortFunc(out, func(a, b *job.Job) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// CompareAndSet applies the write only if the version still matches.
func (s *MemoryStore) CompareAndSet(_ context.Context, id string, expectedVersion int64, status job.Status, meta job.ProviderMetadata) (job.CASResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	current, ok := s.jobs[id]
	if !ok || s.expired(current, now) {
		return job.CASResult{}, apperrors.NotFound("job", id)
	}
	if current.Version != expectedVersion {
		return job.CASResult{Version: current.Version, Conflict: true}, nil
	}
	if err := job.ValidateTransition(current.Status, status); err != nil {
		return job.CASResult{}, err
	}

	next := current.Clone()
	delete(s.byStatus[current.Status], id)
	next.Status = status
	if meta != nil {
		next.Metadata = job.CloneMetadata(meta)
	}
	next.Version++
	next.UpdatedAt = now
	next.ExpiresAt = now.Add(s.ttl)
	s.put(next)

	return job.CASResult{Version: next.Version}, nil
}

// Ready always succeeds.
func (s *MemoryStore) Ready(context.Context) error { return nil }

func (s *MemoryStore) put(j *job.Job) {
	s.jobs[j.ID] = j
	idx, ok := s.byStatus[j.Status]
	if !ok {
		idx = make(map[string]struct{})
		s.byStatus[j.Status] = idx
	}
	idx[j.ID] = struct{}{}
}

func (s *MemoryStore) drop(id string) {
	if j, ok := s.jobs[id]; ok {
		delete(s.byStatus[j.Status], id)
		delete(s.jobs, id)
	}
}

func (s *MemoryStore) expired(j *job.Job, now time.Time) bool {
	return !j.ExpiresAt.IsZero() && !now.Before(j.ExpiresAt)
}
