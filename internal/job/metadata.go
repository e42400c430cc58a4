package job

import (
	"encoding/json"
	"fmt"
)

// Metadata type discriminators.
const (
	MetadataBulkFile    = "bulk_file"
	MetadataTaggedBatch = "tagged_batch"
)

// ProviderMetadata is the provider-specific state a job carries between
// polls. It is a closed set: BulkFileMetadata or TaggedBatchMetadata.
type ProviderMetadata interface {
	MetadataType() string
	sealed()
}

// BulkFileMetadata carries nothing: the job id is the backend's own handle
// and results are correlated by line position.
type BulkFileMetadata struct{}

// TaggedBatchMetadata tracks a batch whose results are correlated by id.
type TaggedBatchMetadata struct {
	BatchID      string `json:"batch_id"`
	InputHandle  string `json:"input_handle,omitempty"`
	OutputHandle string `json:"output_handle,omitempty"`
	ErrorHandle  string `json:"error_handle,omitempty"`
}

func (*BulkFileMetadata) MetadataType() string    { return MetadataBulkFile }
func (*TaggedBatchMetadata) MetadataType() string { return MetadataTaggedBatch }

func (*BulkFileMetadata) sealed()    {}
func (*TaggedBatchMetadata) sealed() {}

type metadataEnvelope struct {
	Type string `json:"type"`
}

// MarshalMetadata encodes m with its type discriminator.
func MarshalMetadata(m ProviderMetadata) ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	fields["type"] = m.MetadataType()

	return json.Marshal(fields)
}

// UnmarshalMetadata decodes metadata written by MarshalMetadata.
func UnmarshalMetadata(data []byte) (ProviderMetadata, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var env metadataEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to determine metadata type: %w", err)
	}

	var m ProviderMetadata
	switch env.Type {
	case MetadataBulkFile:
		m = &BulkFileMetadata{}
	case MetadataTaggedBatch:
		m = &TaggedBatchMetadata{}
	default:
		return nil, fmt.Errorf("unknown metadata type: %q", env.Type)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s metadata: %w", env.Type, err)
	}
	return m, nil
}
