package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"rampart/internal/breaker"
	"rampart/internal/embed"
	"rampart/internal/metrics"
	"rampart/internal/vector"
)

const (
	defaultThreshold = 0.85
	defaultTopK      = 10
)

// SemanticOptions configures a SemanticDetector. Zero values fall back
// to defaults.
type SemanticOptions struct {
	Threshold        float64       // minimum similarity for a detection
	TopK             int           // neighbours requested per search
	FailureThreshold int           // breaker failures before opening
	RecoveryTimeout  time.Duration // breaker open window
	Breakers         *breaker.Registry
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
}

// SemanticDetector flags prompts that are semantically close to known
// sensitive texts. The prompt is embedded, the vector index is queried
// for nearest neighbours, and every hit at or above the similarity
// threshold becomes a detection. Both backend calls run behind circuit
// breakers, and any failure degrades to an empty result rather than an
// error: the pipeline must keep working on regex alone.
type SemanticDetector struct {
	embedder embed.Embedder
	index    vector.Index
	topK     int
	m        *metrics.Metrics
	log      *slog.Logger

	embedBreaker  *breaker.Breaker
	searchBreaker *breaker.Breaker

	mu        sync.RWMutex
	threshold float64
}

// NewSemanticDetector wires an embedder and a vector index behind
// circuit breakers registered as "embedding" and "vector_search".
func NewSemanticDetector(embedder embed.Embedder, index vector.Index, opts SemanticOptions) *SemanticDetector {
	if opts.Threshold <= 0 {
		opts.Threshold = defaultThreshold
	}
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	if opts.Breakers == nil {
		opts.Breakers = breaker.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	// Caller cancellation is not a backend failure and must not trip
	// the breakers.
	notCancelled := func(err error) bool {
		return !errors.Is(err, context.Canceled)
	}
	countFailure := func(name string) func() {
		if opts.Metrics == nil {
			return nil
		}
		return func() {
			opts.Metrics.ErrorsTotal.WithLabelValues("circuit_breaker_failure", name).Inc()
		}
	}

	return &SemanticDetector{
		embedder:  embedder,
		index:     index,
		topK:      opts.TopK,
		m:         opts.Metrics,
		log:       opts.Logger,
		threshold: opts.Threshold,
		embedBreaker: opts.Breakers.GetOrCreate("embedding", breaker.Options{
			FailureThreshold: opts.FailureThreshold,
			RecoveryTimeout:  opts.RecoveryTimeout,
			IsFailure:        notCancelled,
			OnFailure:        countFailure("embedding"),
		}),
		searchBreaker: opts.Breakers.GetOrCreate("vector_search", breaker.Options{
			FailureThreshold: opts.FailureThreshold,
			RecoveryTimeout:  opts.RecoveryTimeout,
			IsFailure:        notCancelled,
			OnFailure:        countFailure("vector_search"),
		}),
	}
}

// Check embeds the prompt and turns every sufficiently similar corpus
// entry into a detection. It never returns an error: embedding or
// search failures are logged and yield an empty result.
func (d *SemanticDetector) Check(ctx context.Context, prompt string) []Detection {
	vec, err := d.embed(ctx, prompt)
	if err != nil {
		d.log.Error("semantic detection failed", "stage", "embedding", "error", err)
		return nil
	}

	start := time.Now()
	hits, err := breaker.Do(ctx, d.searchBreaker, func(ctx context.Context) ([]vector.Hit, error) {
		return d.index.Search(ctx, vec, d.topK, "")
	})
	if d.m != nil {
		d.m.VectorSearchDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		d.log.Error("semantic detection failed", "stage", "vector_search", "error", err)
		return nil
	}

	threshold := d.Threshold()
	var detections []Detection

	for _, hit := range hits {
		if hit.Similarity < threshold {
			continue
		}

		bucket := confidenceBucket(hit.Similarity)
		if d.m != nil {
			d.m.SemanticDetections.WithLabelValues(bucket).Inc()
		}

		category := hit.Category
		if category == "" {
			category = "unknown"
		}

		md := map[string]any{
			"pattern_text":      hit.Text,
			"similarity_score":  hit.Similarity,
			"threshold":         threshold,
			"confidence_bucket": bucket,
		}
		for k, v := range hit.Metadata {
			md[k] = v
		}

		detections = append(detections, Detection{
			Type:           KindSemantic,
			MatchedPattern: hit.ID,
			Confidence:     hit.Similarity,
			Severity:       ParseSeverity(hit.Severity),
			Category:       category,
			Metadata:       md,
		})

		d.log.Debug("semantic match found",
			"pattern_id", hit.ID,
			"similarity", hit.Similarity,
			"category", category)
	}

	return detections
}

func (d *SemanticDetector) embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := breaker.Do(ctx, d.embedBreaker, func(ctx context.Context) ([]float32, error) {
		return d.embedder.Embed(ctx, text)
	})
	if d.m != nil {
		d.m.EmbeddingDuration.Observe(time.Since(start).Seconds())
	}
	return vec, err
}

// AddPattern embeds a sensitive text and stores it in the corpus.
func (d *SemanticDetector) AddPattern(ctx context.Context, id, text, category, severity string, metadata map[string]any) error {
	vec, err := d.embed(ctx, text)
	if err != nil {
		return fmt.Errorf("failed to embed pattern %s: %w", id, err)
	}

	entry := vector.Entry{
		ID:        id,
		Vector:    vec,
		Text:      text,
		Category:  category,
		Severity:  severity,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	if err := d.index.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("failed to store pattern %s: %w", id, err)
	}

	d.log.Info("sensitive pattern added", "pattern_id", id, "category", category)
	return nil
}

// RemovePattern deletes a corpus entry. Removing an absent id is not
// an error.
func (d *SemanticDetector) RemovePattern(ctx context.Context, id string) error {
	if err := d.index.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to remove pattern %s: %w", id, err)
	}
	d.log.Info("sensitive pattern removed", "pattern_id", id)
	return nil
}

// Count returns the number of corpus entries.
func (d *SemanticDetector) Count(ctx context.Context) (int64, error) {
	return d.index.Count(ctx)
}

// Threshold returns the current similarity threshold.
func (d *SemanticDetector) Threshold() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.threshold
}

// SetThreshold updates the similarity threshold.
func (d *SemanticDetector) SetThreshold(threshold float64) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %v", threshold)
	}
	d.mu.Lock()
	d.threshold = threshold
	d.mu.Unlock()

	d.log.Info("semantic threshold updated", "threshold", threshold)
	return nil
}

// confidenceBucket maps a similarity score onto the bucket labels used
// by the semantic detection counter.
func confidenceBucket(similarity float64) string {
	switch {
	case similarity >= 0.95:
		return "very_high"
	case similarity >= 0.90:
		return "high"
	case similarity >= 0.85:
		return "medium"
	default:
		return "low"
	}
}
