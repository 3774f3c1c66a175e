// Package embed turns text into fixed-dimension unit-norm vectors for
// the semantic detector.
package embed

import (
	"context"
	"math"
)

// Embedder produces a fixed-dimension vector for a text. Vectors are
// L2-normalized so cosine similarity and dot product agree.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Normalize scales vec to unit length in place. A zero vector is left
// unchanged.
func Normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
