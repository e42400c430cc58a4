package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sentimental/internal/sentiment"
)

// Job is one externally executed scoring batch.
type Job struct {
	ID           string
	Name         string
	Status       Status
	ProviderName string
	Metadata     ProviderMetadata
	DocumentIDs  []string // submission order; bulk-file results are correlated by this order
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Version      int64
	ExpiresAt    time.Time
}

// jobJSON mirrors Job but with json.RawMessage for metadata.
type jobJSON struct {
	ID           string          `json:"job_id"`
	Name         string          `json:"job_name"`
	Status       Status          `json:"status"`
	ProviderName string          `json:"provider_name"`
	Metadata     json.RawMessage `json:"provider_metadata,omitempty"`
	DocumentIDs  []string        `json:"document_ids"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Version      int64           `json:"version"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

// MarshalJSON implements custom marshaling for Job.
func (j Job) MarshalJSON() ([]byte, error) {
	raw := jobJSON{
		ID:           j.ID,
		Name:         j.Name,
		Status:       j.Status,
		ProviderName: j.ProviderName,
		DocumentIDs:  j.DocumentIDs,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		Version:      j.Version,
		ExpiresAt:    j.ExpiresAt,
	}
	if j.Metadata != nil {
		data, err := MarshalMetadata(j.Metadata)
		if err != nil {
			return nil, err
		}
		raw.Metadata = data
	}
	return json.Marshal(raw)
}

// UnmarshalJSON implements custom unmarshaling for Job.
func (j *Job) UnmarshalJSON(data []byte) error {
	var raw jobJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	j.ID = raw.ID
	j.Name = raw.Name
	j.Status = raw.Status
	j.ProviderName = raw.ProviderName
	j.DocumentIDs = raw.DocumentIDs
	j.CreatedAt = raw.CreatedAt
	j.UpdatedAt = raw.UpdatedAt
	j.Version = raw.Version
	j.ExpiresAt = raw.ExpiresAt

	meta, err := UnmarshalMetadata(raw.Metadata)
	if err != nil {
		return fmt.Errorf("failed to unmarshal provider metadata: %w", err)
	}
	j.Metadata = meta
	return nil
}

// TaggedMetadata returns the tagged-batch metadata or false for any other variant.
func (j *Job) TaggedMetadata() (*TaggedBatchMetadata, bool) {
	m, ok := j.Metadata.(*TaggedBatchMetadata)
	return m, ok && m != nil
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	c := *j
	c.DocumentIDs = append([]string(nil), j.DocumentIDs...)
	c.Metadata = CloneMetadata(j.Metadata)
	return &c
}

// CloneMetadata copies a metadata value so callers cannot alias stored state.
func CloneMetadata(m ProviderMetadata) ProviderMetadata {
	switch v := m.(type) {
	case *BulkFileMetadata:
		return &BulkFileMetadata{}
	case *TaggedBatchMetadata:
		if v == nil {
			return nil
		}
		c := *v
		return &c
	default:
		return m
	}
}

// CASResult is the outcome of a conditional write. A conflict is an expected
// outcome under concurrent pollers, not an error.
type CASResult struct {
	Version  int64
	Conflict bool
}

// Store persists jobs with optimistic concurrency.
type Store interface {
	// Create inserts a new job at version 0. Fails with ErrConflict if the id exists.
	Create(ctx context.Context, j *Job) error

	// Get returns a job or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// GetByStatus returns every live job currently in status.
	GetByStatus(ctx context.Context, status Status) ([]*Job, error)

	// CompareAndSet writes status and metadata (nil keeps the current metadata)
	// only if the stored version equals expectedVersion. On success the version
	// increases by one and the TTL restarts. A version mismatch returns
	// CASResult{Conflict: true} and changes nothing.
	CompareAndSet(ctx context.Context, id string, expectedVersion int64, status Status, meta ProviderMetadata) (CASResult, error)
}

// SubmitRequest is the API input for creating a job.
type SubmitRequest struct {
	Name      string               `json:"job_name,omitempty"`
	Documents []sentiment.Document `json:"documents"`
}

// ListResponse represents the response for listing jobs.
type ListResponse struct {
	Jobs []*Job `json:"jobs"`
}
