package sink

import (
	"context"
	"sort"
	"sync"
)

type rowKey struct {
	documentID string
	jobID      string
}

// MemorySink keeps rows in a map. For tests and local runs.
type MemorySink struct {
	mu   sync.Mutex
	rows map[rowKey]Row
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{rows: make(map[rowKey]Row)}
}

func (s *MemorySink) Upsert(_ context.Context, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.rows[rowKey{documentID: r.DocumentID, jobID: r.JobID}] = r
	}
	return nil
}

// Rows returns the stored rows ordered by job then document.
func (s *MemorySink) Rows() []Row {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Row, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JobID != out[j].JobID {
			return out[i].JobID < out[j].JobID
		}
		return out[i].DocumentID < out[j].DocumentID
	})
	return out
}

// Ready always succeeds.
func (s *MemorySink) Ready(context.Context) error { return nil }
