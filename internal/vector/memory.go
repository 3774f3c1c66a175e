package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryIndex is an exact brute-force index for tests and deployments
// without Redis. Fine for corpora up to a few thousand entries.
type MemoryIndex struct {
	mu      sync.RWMutex
	dim     int
	entries map[string]Entry
}

// NewMemoryIndex creates an empty index for vectors of the given dimension
func NewMemoryIndex(dim int) *MemoryIndex {
	return &MemoryIndex{
		dim:     dim,
		entries: make(map[string]Entry),
	}
}

func (m *MemoryIndex) EnsureIndex(_ context.Context) error {
	return nil
}

func (m *MemoryIndex) Upsert(_ context.Context, e Entry) error {
	if len(e.Vector) != m.dim {
		return fmt.Errorf("vector dimension mismatch: got %d, want %d", len(e.Vector), m.dim)
	}
	vec := make([]float32, len(e.Vector))
	copy(vec, e.Vector)
	e.Vector = vec

	m.mu.Lock()
	m.entries[e.ID] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, vec []float32, k int, category string) ([]Hit, error) {
	if len(vec) != m.dim {
		return nil, fmt.Errorf("vector dimension mismatch: got %d, want %d", len(vec), m.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	hits := make([]Hit, 0, len(m.entries))
	for _, e := range m.entries {
		if category != "" && e.Category != category {
			continue
		}
		hits = append(hits, Hit{
			ID:         e.ID,
			Similarity: Cosine(vec, e.Vector),
			Text:       e.Text,
			Category:   e.Category,
			Severity:   e.Severity,
			Metadata:   e.Metadata,
		})
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *MemoryIndex) Count(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.entries)), nil
}

func (m *MemoryIndex) Close() error {
	return nil
}
