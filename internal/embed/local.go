package embed

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// Local is a deterministic feature-hashing embedder: token unigrams and
// character trigrams are projected into dim signed buckets and the
// result L2-normalized. It is not a sentence encoder, but texts sharing
// vocabulary and surface forms score high, which is enough for the
// default deployment and for tests. Production setups wanting model
// embeddings configure the remote provider instead.
type Local struct {
	dim int
}

// NewLocal creates a local embedder producing vectors of the given dimension
func NewLocal(dim int) *Local {
	return &Local{dim: dim}
}

func (l *Local) Dimension() int {
	return l.dim
}

func (l *Local) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, l.dim)
	lower := strings.ToLower(text)

	tokens := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		l.add(vec, "w:"+tok, 1.0)
	}

	// Character trigrams catch key and number formats that tokenization
	// splits apart
	for i := 0; i+3 <= len(lower); i++ {
		l.add(vec, "t:"+lower[i:i+3], 0.5)
	}

	Normalize(vec)
	return vec, nil
}

func (l *Local) add(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()

	sign := float32(1)
	if sum&(1<<63) != 0 {
		sign = -1
	}
	vec[sum%uint64(l.dim)] += sign * weight
}
