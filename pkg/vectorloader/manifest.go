// Package vectorloader loads an encrypted vector database from
// content-addressed storage and returns its decoded vectors; it does
// not insert them into any store or index itself. Bounded-parallel chunk fetch is grounded on
// golang.org/x/sync/errgroup, already present in the module's
// dependency graph via go-ethereum's module closure.
package vectorloader

import (
	"encoding/json"
	"fmt"
	"time"
)

// Chunk describes one vector-database shard.
type Chunk struct {
	ID          int    `json:"id"`
	VectorCount int    `json:"vectorCount"`
	Path        string `json:"path"`
}

// Manifest is the vector database descriptor.
type Manifest struct {
	Name       string    `json:"name"`
	Owner      string    `json:"owner"`
	Dimensions int       `json:"dimensions"`
	VectorCount int      `json:"vectorCount"`
	Chunks      []Chunk  `json:"chunks"`
	Deleted     bool      `json:"deleted"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Validate checks the manifest's internal consistency invariant
// == manifest.vector_count).
func (m *Manifest) Validate() error {
	sum := 0
	for _, c := range m.Chunks {
		sum += c.VectorCount
	}
	if sum != m.VectorCount {
		return fmt.Errorf("manifest vector count mismatch: chunks sum to %d, manifest declares %d", sum, m.VectorCount)
	}
	return nil
}

// ChunkVector is one decoded vector within a chunk payload.
type ChunkVector struct {
	ID       string          `json:"id"`
	Vector   []float32       `json:"vector"`
	Metadata json.RawMessage `json:"metadata"`
}

// ChunkPayload is the decrypted shape of one chunk blob.
type ChunkPayload struct {
	Vectors []ChunkVector `json:"vectors"`
}
