package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RemoteOptions holds OpenAI-compatible embedding service configuration
type RemoteOptions struct {
	URL        string // service base URL; /v1/embeddings is appended
	Model      string
	APIKey     string
	Dimension  int
	Timeout    time.Duration
	MaxRetries int
}

// Remote calls an OpenAI-compatible /v1/embeddings endpoint, retrying
// transient failures with exponential backoff.
type Remote struct {
	url        string
	model      string
	apiKey     string
	dim        int
	maxRetries int
	client     *http.Client
}

// NewRemote creates a remote embedder
func NewRemote(opts RemoteOptions) *Remote {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Remote{
		url:        opts.URL + "/v1/embeddings",
		model:      opts.Model,
		apiKey:     opts.APIKey,
		dim:        opts.Dimension,
		maxRetries: maxRetries,
		client:     &http.Client{Timeout: timeout},
	}
}

func (r *Remote) Dimension() int {
	return r.dim
}

type embeddingRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// statusError is an HTTP failure from the embedding service
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("embedding service returned status %d", e.code)
}

// retryable reports whether the request is worth repeating: network
// errors, 429, and 5xx are transient, other HTTP statuses are not
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return true
}

func (r *Remote) Embed(ctx context.Context, text string) ([]float32, error) {
	operation := func() ([]float32, error) {
		vec, err := r.embedOnce(ctx, text)
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return vec, err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 100 * time.Millisecond

	vec, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(r.maxRetries)),
	)
	if err != nil {
		return nil, fmt.Errorf("embedding generation failed: %w", err)
	}
	return vec, nil
}

func (r *Remote) embedOnce(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Input: text, Model: r.model})
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("marshaling request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode}
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embedding response contained no data")
	}

	raw := parsed.Data[0].Embedding
	if len(raw) != r.dim {
		return nil, backoff.Permanent(
			fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(raw), r.dim))
	}

	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	Normalize(vec)
	return vec, nil
}
