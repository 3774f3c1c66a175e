package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions holds Redis connection configuration
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisIndex implements Index on RediSearch (FT.*) with a FLAT FLOAT32
// cosine vector field over hashes under a key prefix.
type RedisIndex struct {
	client    *redis.Client
	indexName string
	keyPrefix string
	dim       int
}

// NewRedisIndex connects to Redis and verifies the connection. The index
// itself is created lazily by EnsureIndex.
func NewRedisIndex(opts RedisOptions, indexName, keyPrefix string, dim int) (*RedisIndex, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if keyPrefix == "" {
		keyPrefix = "embedding:"
	}

	slog.Info("vector index initialized", "addr", opts.Addr, "index", indexName, "dimension", dim)

	return &RedisIndex{
		client:    client,
		indexName: indexName,
		keyPrefix: keyPrefix,
		dim:       dim,
	}, nil
}

// EnsureIndex creates the search index if it does not exist. Creation
// failure is logged and swallowed so the service can come up without
// RediSearch; searches then return empty results.
func (r *RedisIndex) EnsureIndex(ctx context.Context) error {
	if _, err := r.client.FTInfo(ctx, r.indexName).Result(); err == nil {
		slog.Debug("vector index exists", "index", r.indexName)
		return nil
	}

	_, err := r.client.FTCreate(ctx, r.indexName,
		&redis.FTCreateOptions{
			OnHash: true,
			Prefix: []any{r.keyPrefix},
		},
		&redis.FieldSchema{FieldName: "pattern_text", FieldType: redis.SearchFieldTypeText},
		&redis.FieldSchema{FieldName: "category", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: "severity", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{
			FieldName: "embedding",
			FieldType: redis.SearchFieldTypeVector,
			VectorArgs: &redis.FTVectorArgs{
				FlatOptions: &redis.FTFlatOptions{
					Type:           "FLOAT32",
					Dim:            r.dim,
					DistanceMetric: "COSINE",
				},
			},
		},
		&redis.FieldSchema{FieldName: "created_at", FieldType: redis.SearchFieldTypeNumeric},
	).Result()
	if err != nil {
		slog.Error("vector index creation failed", "index", r.indexName, "error", err)
		slog.Warn("continuing without vector index")
		return nil
	}

	slog.Info("vector index created", "index", r.indexName, "dimension", r.dim)
	return nil
}

func (r *RedisIndex) key(id string) string {
	return r.keyPrefix + id
}

func (r *RedisIndex) Upsert(ctx context.Context, e Entry) error {
	if len(e.Vector) != r.dim {
		return fmt.Errorf("vector dimension mismatch: got %d, want %d", len(e.Vector), r.dim)
	}

	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	err = r.client.HSet(ctx, r.key(e.ID), map[string]any{
		"pattern_text": e.Text,
		"category":     e.Category,
		"severity":     e.Severity,
		"embedding":    EncodeVector(e.Vector),
		"metadata":     string(meta),
		"created_at":   createdAt.Unix(),
	}).Err()
	if err != nil {
		return fmt.Errorf("storing embedding: %w", err)
	}
	return nil
}

func (r *RedisIndex) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("deleting embedding: %w", err)
	}
	return nil
}

// knnQuery builds the KNN search query over an optional category filter
func knnQuery(k int, category string) string {
	base := "*"
	if category != "" {
		base = fmt.Sprintf("@category:{%s}", category)
	}
	return fmt.Sprintf("(%s)=>[KNN %d @embedding $embedding AS score]", base, k)
}

// isMissingIndex reports whether err means the search index does not exist
func isMissingIndex(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such index") || strings.Contains(msg, "unknown index")
}

func (r *RedisIndex) Search(ctx context.Context, vec []float32, k int, category string) ([]Hit, error) {
	if len(vec) != r.dim {
		return nil, fmt.Errorf("vector dimension mismatch: got %d, want %d", len(vec), r.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	res, err := r.client.FTSearchWithArgs(ctx, r.indexName, knnQuery(k, category),
		&redis.FTSearchOptions{
			Return: []redis.FTSearchReturn{
				{FieldName: "pattern_text"},
				{FieldName: "category"},
				{FieldName: "severity"},
				{FieldName: "metadata"},
				{FieldName: "score"},
			},
			SortBy:         []redis.FTSearchSortBy{{FieldName: "score", Asc: true}},
			LimitOffset:    0,
			Limit:          k,
			Params:         map[string]any{"embedding": EncodeVector(vec)},
			DialectVersion: 2,
		},
	).Result()
	if err != nil {
		// A missing index is recoverable: regex detection still covers
		// the request, so log and return nothing.
		if isMissingIndex(err) {
			slog.Warn("vector search skipped, index missing", "index", r.indexName)
			return nil, nil
		}
		return nil, fmt.Errorf("vector search: %w", err)
	}

	hits := make([]Hit, 0, len(res.Docs))
	for _, doc := range res.Docs {
		distance, err := strconv.ParseFloat(doc.Fields["score"], 64)
		if err != nil {
			distance = 1.0
		}

		var meta map[string]any
		if raw := doc.Fields["metadata"]; raw != "" {
			_ = json.Unmarshal([]byte(raw), &meta)
		}

		hits = append(hits, Hit{
			ID:         strings.TrimPrefix(doc.ID, r.keyPrefix),
			Similarity: 1.0 - distance,
			Text:       doc.Fields["pattern_text"],
			Category:   doc.Fields["category"],
			Severity:   doc.Fields["severity"],
			Metadata:   meta,
		})
	}
	return hits, nil
}

func (r *RedisIndex) Count(ctx context.Context) (int64, error) {
	var count int64
	iter := r.client.Scan(ctx, 0, r.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("counting embeddings: %w", err)
	}
	return count, nil
}

func (r *RedisIndex) Close() error {
	return r.client.Close()
}
