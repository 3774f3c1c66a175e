// Package vector provides the similarity index over the corpus of
// known-sensitive texts used by the semantic detector.
package vector

import (
	"context"
	"encoding/binary"
	"math"
	"time"
)

// Entry is a corpus pattern stored in the index
type Entry struct {
	ID        string
	Vector    []float32
	Text      string
	Category  string
	Severity  string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Hit is a single nearest-neighbour result. Similarity is cosine
// similarity in [0,1] for unit-norm vectors, higher is closer.
type Hit struct {
	ID         string
	Similarity float64
	Text       string
	Category   string
	Severity   string
	Metadata   map[string]any
}

// Index stores corpus entries and answers k-nearest-neighbour queries
type Index interface {
	// EnsureIndex creates the backing index if it does not exist
	EnsureIndex(ctx context.Context) error

	// Upsert stores an entry, replacing any entry with the same ID
	Upsert(ctx context.Context, e Entry) error

	// Delete removes an entry; deleting an absent ID is not an error
	Delete(ctx context.Context, id string) error

	// Search returns up to k hits sorted by descending similarity.
	// An empty category matches all entries.
	Search(ctx context.Context, vec []float32, k int, category string) ([]Hit, error)

	// Count returns the number of stored entries
	Count(ctx context.Context) (int64, error)

	// Close releases underlying resources
	Close() error
}

// EncodeVector serializes a vector as little-endian FLOAT32 bytes,
// the layout the Redis vector field expects
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector
func DecodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// Cosine returns the cosine similarity of two equal-length vectors,
// or 0 when either has zero magnitude
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
