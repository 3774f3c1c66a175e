package vector

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"
	"time"
)

func TestEncodeDecodeVector(t *testing.T) {
	vec := []float32{0.25, -1.5, 0, 3.14159, 1e-7}
	buf := EncodeVector(vec)
	if len(buf) != 4*len(vec) {
		t.Fatalf("encoded length = %d, want %d", len(buf), 4*len(vec))
	}
	got := DecodeVector(buf)
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("component %d = %v, want %v", i, got[i], vec[i])
		}
	}
}

func TestCosine(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}
	if got := Cosine(a, a); math.Abs(got-1) > 1e-9 {
		t.Errorf("Cosine(a,a) = %v, want 1", got)
	}
	if got := Cosine(a, b); math.Abs(got) > 1e-9 {
		t.Errorf("Cosine(orthogonal) = %v, want 0", got)
	}
	if got := Cosine(a, []float32{0, 0, 0}); got != 0 {
		t.Errorf("Cosine(zero vector) = %v, want 0", got)
	}
	if got := Cosine(a, []float32{1, 0}); got != 0 {
		t.Errorf("Cosine(length mismatch) = %v, want 0", got)
	}
}

func TestMemoryIndexSearch(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(3)

	entries := []Entry{
		{ID: "exact", Vector: []float32{1, 0, 0}, Text: "exact match", Category: "pii", Severity: "critical"},
		{ID: "close", Vector: []float32{0.9, 0.1, 0}, Text: "close match", Category: "pii", Severity: "high"},
		{ID: "far", Vector: []float32{0, 0, 1}, Text: "unrelated", Category: "api_keys", Severity: "low"},
	}
	for _, e := range entries {
		if err := idx.Upsert(ctx, e); err != nil {
			t.Fatalf("Upsert(%s) error = %v", e.ID, err)
		}
	}

	hits, err := idx.Search(ctx, []float32{1, 0, 0}, 10, "")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("got %d hits, want 3", len(hits))
	}
	if hits[0].ID != "exact" || hits[1].ID != "close" || hits[2].ID != "far" {
		t.Errorf("hit order = [%s %s %s], want [exact close far]", hits[0].ID, hits[1].ID, hits[2].ID)
	}
	if math.Abs(hits[0].Similarity-1) > 1e-6 {
		t.Errorf("exact similarity = %v, want 1", hits[0].Similarity)
	}
	if hits[2].Similarity > 0.01 {
		t.Errorf("orthogonal similarity = %v, want ~0", hits[2].Similarity)
	}
}

func TestMemoryIndexCategoryFilter(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(2)
	idx.Upsert(ctx, Entry{ID: "a", Vector: []float32{1, 0}, Category: "pii"})
	idx.Upsert(ctx, Entry{ID: "b", Vector: []float32{1, 0}, Category: "api_keys"})

	hits, err := idx.Search(ctx, []float32{1, 0}, 10, "pii")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != "a" {
		t.Errorf("filtered hits = %+v, want only a", hits)
	}
}

func TestMemoryIndexTruncatesToK(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(2)
	for _, id := range []string{"a", "b", "c", "d"} {
		idx.Upsert(ctx, Entry{ID: id, Vector: []float32{1, 0}})
	}
	hits, err := idx.Search(ctx, []float32{1, 0}, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Errorf("got %d hits, want 2", len(hits))
	}
}

func TestMemoryIndexUpsertReplacesAndDelete(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(2)

	idx.Upsert(ctx, Entry{ID: "a", Vector: []float32{1, 0}, Severity: "low"})
	idx.Upsert(ctx, Entry{ID: "a", Vector: []float32{0, 1}, Severity: "critical"})

	n, _ := idx.Count(ctx)
	if n != 1 {
		t.Errorf("Count() = %d after double upsert, want 1", n)
	}

	hits, _ := idx.Search(ctx, []float32{0, 1}, 1, "")
	if len(hits) != 1 || hits[0].Severity != "critical" {
		t.Errorf("upsert did not replace entry: %+v", hits)
	}

	if err := idx.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := idx.Delete(ctx, "a"); err != nil {
		t.Errorf("Delete(absent) error = %v", err)
	}
	n, _ = idx.Count(ctx)
	if n != 0 {
		t.Errorf("Count() = %d after delete, want 0", n)
	}
}

func TestMemoryIndexDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(3)
	if err := idx.Upsert(ctx, Entry{ID: "a", Vector: []float32{1, 0}}); err == nil {
		t.Error("Upsert() should reject wrong dimension")
	}
	if _, err := idx.Search(ctx, []float32{1, 0}, 5, ""); err == nil {
		t.Error("Search() should reject wrong dimension")
	}
}

func TestKNNQuery(t *testing.T) {
	if got := knnQuery(10, ""); got != "(*)=>[KNN 10 @embedding $embedding AS score]" {
		t.Errorf("knnQuery = %q", got)
	}
	if got := knnQuery(5, "pii"); got != "(@category:{pii})=>[KNN 5 @embedding $embedding AS score]" {
		t.Errorf("knnQuery with filter = %q", got)
	}
}

func TestIsMissingIndex(t *testing.T) {
	if !isMissingIndex(errors.New("prompt_embeddings: no such index")) {
		t.Error("should detect 'no such index'")
	}
	if !isMissingIndex(errors.New("Unknown index name")) {
		t.Error("should detect 'Unknown index name'")
	}
	if isMissingIndex(errors.New("connection refused")) {
		t.Error("should not match unrelated errors")
	}
	if isMissingIndex(nil) {
		t.Error("nil is not a missing index")
	}
}

// TestRedisIndexIntegration exercises the RediSearch adapter end to end.
// It needs a redis-stack server; set REDIS_ADDR to run it.
func TestRedisIndexIntegration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping RediSearch integration test")
	}

	ctx := context.Background()
	idx, err := NewRedisIndex(RedisOptions{Addr: addr}, "test_embeddings", "test_embedding:", 4)
	if err != nil {
		t.Fatalf("NewRedisIndex() error = %v", err)
	}
	defer idx.Close()

	if err := idx.EnsureIndex(ctx); err != nil {
		t.Fatalf("EnsureIndex() error = %v", err)
	}

	e := Entry{
		ID:        "it_1",
		Vector:    []float32{1, 0, 0, 0},
		Text:      "integration pattern",
		Category:  "pii",
		Severity:  "high",
		Metadata:  map[string]any{"source": "test"},
		CreatedAt: time.Now(),
	}
	if err := idx.Upsert(ctx, e); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	defer idx.Delete(ctx, "it_1")

	hits, err := idx.Search(ctx, []float32{1, 0, 0, 0}, 10, "")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("Search() returned no hits")
	}
	if hits[0].ID != "it_1" {
		t.Errorf("top hit = %q, want it_1", hits[0].ID)
	}
	if hits[0].Similarity < 0.99 {
		t.Errorf("similarity = %v, want ~1", hits[0].Similarity)
	}
}
