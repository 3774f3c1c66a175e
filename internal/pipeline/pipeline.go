// Package pipeline orchestrates prompt validation: cache lookup,
// parallel regex and semantic detection, policy evaluation, and result
// caching. A single detector failing degrades the result, never the
// request.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"rampart/internal/breaker"
	"rampart/internal/cache"
	"rampart/internal/detect"
	"rampart/internal/metrics"
	"rampart/internal/policy"
	"rampart/internal/telemetry"
	"rampart/internal/vector"
)

// Status is the user-facing outcome of a validation
type Status string

const (
	StatusAllowed Status = "allowed"
	StatusWarned  Status = "warned"
	StatusBlocked Status = "blocked"
	StatusError   Status = "error"
)

// Request is a single prompt to validate. PolicyID and UserID are
// optional; an empty PolicyID selects the default policy.
type Request struct {
	Prompt   string         `json:"prompt"`
	UserID   string         `json:"user_id,omitempty"`
	PolicyID string         `json:"policy_id,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

// Result is the outcome of validating one prompt.
type Result struct {
	Status     Status             `json:"status"`
	IsSafe     bool               `json:"is_safe"`
	Detections []detect.Detection `json:"detections"`
	PolicyID   string             `json:"policy_id"`
	LatencyMs  float64            `json:"latency_ms"`
	Message    string             `json:"message"`
	Cached     bool               `json:"cached"`
	RequestID  string             `json:"request_id"`
}

// Options wires a Pipeline. Regex and Policies are required; Semantic,
// Cache, Index, Metrics and Telemetry are optional.
type Options struct {
	Regex     *detect.RegexDetector
	Semantic  *detect.SemanticDetector // nil disables semantic detection
	Policies  *policy.Engine
	Cache     *cache.Manager // nil disables result caching
	Index     vector.Index   // ensured on Initialize; nil skips
	Metrics   *metrics.Metrics
	Telemetry *telemetry.Provider
	Breakers  *breaker.Registry

	RecentDetections int // flagged results kept in memory
	Logger           *slog.Logger
	Now              func() time.Time // injectable clock
}

// Pipeline validates prompts. Safe for concurrent use.
type Pipeline struct {
	regex    *detect.RegexDetector
	semantic *detect.SemanticDetector
	policies *policy.Engine
	cache    *cache.Manager
	index    vector.Index
	m        *metrics.Metrics
	tp       *telemetry.Provider
	breakers *breaker.Registry
	recorder *Recorder
	log      *slog.Logger
	now      func() time.Time

	initOnce sync.Once
}

// New assembles a pipeline from its collaborators.
func New(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NoopProvider()
	}
	if opts.Breakers == nil {
		opts.Breakers = breaker.NewRegistry()
	}

	return &Pipeline{
		regex:    opts.Regex,
		semantic: opts.Semantic,
		policies: opts.Policies,
		cache:    opts.Cache,
		index:    opts.Index,
		m:        opts.Metrics,
		tp:       opts.Telemetry,
		breakers: opts.Breakers,
		recorder: NewRecorder(opts.RecentDetections),
		log:      opts.Logger,
		now:      opts.Now,
	}
}

// Initialize prepares external dependencies, currently the vector
// index. Idempotent and safe to call concurrently; Validate calls it
// lazily. An unavailable index is logged and tolerated: semantic
// searches then return empty results.
func (p *Pipeline) Initialize(ctx context.Context) {
	p.initOnce.Do(func() {
		if p.index == nil {
			return
		}
		if err := p.index.EnsureIndex(ctx); err != nil {
			p.log.Warn("vector index unavailable, semantic detection degraded", "error", err)
			p.countError("index_init", "pipeline")
		}
	})
}

// Validate classifies a prompt under the requested policy. It always
// returns a Result; failures surface as status "error" with a clean
// message.
func (p *Pipeline) Validate(ctx context.Context, req Request) Result {
	p.Initialize(ctx)

	start := p.now()
	requestID := newRequestID(req.Prompt, start)

	policyID := req.PolicyID
	if policyID == "" {
		policyID = p.policies.DefaultID()
	}

	ctx, span := p.tp.StartValidationSpan(ctx, requestID, policyID, len(req.Prompt))

	// Cache hit short-circuits detection entirely. The stored result
	// keeps its original status and detections; only latency and the
	// cached flag reflect this request.
	if cached, ok := p.cacheLookup(ctx, policyID, req.Prompt); ok {
		cached.Cached = true
		cached.LatencyMs = p.sinceMs(start)
		cached.RequestID = requestID
		p.countValidation(cached.Status, policyID, start)
		p.tp.EndValidationSpan(span, string(cached.Status), len(cached.Detections), true, nil)
		return cached
	}

	detections := p.runDetectors(ctx, req.Prompt)

	if err := ctx.Err(); err != nil {
		result := p.errorResult(requestID, policyID, start, "Validation deadline exceeded")
		p.tp.EndValidationSpan(span, string(StatusError), 0, false, err)
		return result
	}

	action, reason, err := p.policies.Evaluate(req.Prompt, detections, req.PolicyID)
	if err != nil {
		p.log.Error("policy evaluation failed", "request_id", requestID, "policy_id", policyID, "error", err)
		p.countError("policy", "pipeline")
		result := p.errorResult(requestID, policyID, start, err.Error())
		p.tp.EndValidationSpan(span, string(StatusError), len(detections), false, err)
		return result
	}

	status, isSafe := mapAction(action)

	result := Result{
		Status:     status,
		IsSafe:     isSafe,
		Detections: detections,
		PolicyID:   policyID,
		LatencyMs:  p.sinceMs(start),
		Message:    reason,
		RequestID:  requestID,
	}

	// Only safe verdicts are cached: a blocked result must always be
	// re-evaluated against the current policy.
	if result.IsSafe {
		p.cacheStore(ctx, policyID, req.Prompt, result)
	}
	if result.Status != StatusAllowed {
		p.record(req.Prompt, result)
	}

	p.countValidation(result.Status, policyID, start)
	p.countDetections(detections, result.Status == StatusBlocked)
	p.exportRecord(ctx, req, result)
	p.tp.EndValidationSpan(span, string(result.Status), len(detections), false, nil)

	p.log.Info("prompt validated",
		"request_id", requestID,
		"policy_id", policyID,
		"status", result.Status,
		"detections", len(detections),
		"latency_ms", result.LatencyMs)

	return result
}

// BatchValidate runs every request concurrently. A panicking item
// yields a synthesized error result; the batch never aborts and
// results are returned in input order.
func (p *Pipeline) BatchValidate(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))

	var g errgroup.Group
	for i, req := range reqs {
		g.Go(func() error {
			results[i] = p.safeValidate(ctx, req)
			return nil
		})
	}
	_ = g.Wait() // branches never return errors

	return results
}

func (p *Pipeline) safeValidate(ctx context.Context, req Request) (result Result) {
	start := p.now()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("validation panicked", "panic", r)
			p.countError("panic", "pipeline")
			result = p.errorResult("", req.PolicyID, start, fmt.Sprintf("Validation error: %v", r))
		}
	}()
	return p.Validate(ctx, req)
}

// runDetectors fans out the regex and semantic checks in parallel and
// joins their outputs, regex first. Each branch recovers its own
// panics so one detector failing never costs the other's detections.
func (p *Pipeline) runDetectors(ctx context.Context, prompt string) []detect.Detection {
	var regexOut, semanticOut []detect.Detection
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer p.recoverBranch("regex")
		regexOut = p.regex.Check(prompt)
	}()

	if p.semantic != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.recoverBranch("semantic")
			semanticOut = p.semantic.Check(ctx, prompt)
		}()
	}

	wg.Wait()
	return append(regexOut, semanticOut...)
}

func (p *Pipeline) recoverBranch(name string) {
	if r := recover(); r != nil {
		p.log.Error("detector failed", "detector", name, "panic", r)
		p.countError("detector_panic", name)
	}
}

// Reload re-reads pattern and policy configuration. The semantic
// corpus is managed through its own endpoints and is not reloaded.
func (p *Pipeline) Reload() error {
	if err := p.regex.Reload(); err != nil {
		return fmt.Errorf("reloading patterns: %w", err)
	}
	if err := p.policies.Reload(); err != nil {
		return fmt.Errorf("reloading policies: %w", err)
	}
	p.log.Info("configuration reloaded")
	return nil
}

// Recent returns up to n recent flagged validations, newest first.
func (p *Pipeline) Recent(n int) []Record {
	return p.recorder.Recent(n)
}

// Semantic exposes the semantic detector for corpus management, nil
// when semantic detection is disabled.
func (p *Pipeline) Semantic() *detect.SemanticDetector {
	return p.semantic
}

// Stats is a point-in-time operational summary of the pipeline.
type Stats struct {
	PatternCategories []string                    `json:"pattern_categories"`
	Policies          []string                    `json:"policies"`
	DefaultPolicy     string                      `json:"default_policy"`
	CacheEnabled      bool                        `json:"cache_enabled"`
	Cache             *cache.Stats                `json:"cache,omitempty"`
	SemanticEnabled   bool                        `json:"semantic_enabled"`
	Threshold         float64                     `json:"semantic_threshold,omitempty"`
	CorpusCount       int64                       `json:"corpus_count"`
	Breakers          map[string]breaker.Snapshot `json:"circuit_breakers"`
	RecentFlagged     int                         `json:"recent_flagged"`
}

// Stats reports the pipeline's current configuration and counters.
func (p *Pipeline) Stats(ctx context.Context) Stats {
	s := Stats{
		PatternCategories: p.regex.Categories(),
		Policies:          p.policies.List(),
		DefaultPolicy:     p.policies.DefaultID(),
		CacheEnabled:      p.cache != nil,
		SemanticEnabled:   p.semantic != nil,
		Breakers:          p.breakers.Snapshots(),
		RecentFlagged:     p.recorder.Len(),
	}
	if p.cache != nil {
		cs := p.cache.Stats()
		s.Cache = &cs
	}
	if p.semantic != nil {
		s.Threshold = p.semantic.Threshold()
		if n, err := p.semantic.Count(ctx); err == nil {
			s.CorpusCount = n
		}
	}
	return s
}

func (p *Pipeline) cacheLookup(ctx context.Context, policyID, prompt string) (Result, bool) {
	if p.cache == nil {
		return Result{}, false
	}
	data, ok := p.cache.Get(ctx, cacheNamespace(policyID), promptKey(prompt))
	if !ok {
		return Result{}, false
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		p.log.Warn("discarding undecodable cached result", "error", err)
		p.countError("cache_decode", "pipeline")
		return Result{}, false
	}
	return result, true
}

func (p *Pipeline) cacheStore(ctx context.Context, policyID, prompt string, result Result) {
	if p.cache == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		p.log.Warn("failed to encode result for cache", "error", err)
		return
	}
	p.cache.Set(ctx, cacheNamespace(policyID), promptKey(prompt), data, 0)
}

func (p *Pipeline) record(prompt string, result Result) {
	rec := Record{
		RequestID:      result.RequestID,
		Timestamp:      p.now(),
		Status:         string(result.Status),
		PolicyID:       result.PolicyID,
		PromptExcerpt:  excerpt(prompt),
		DetectionCount: len(result.Detections),
		Message:        result.Message,
	}

	seen := map[string]bool{}
	top := detect.SeverityLow
	order := map[detect.Severity]int{
		detect.SeverityLow: 0, detect.SeverityMedium: 1,
		detect.SeverityHigh: 2, detect.SeverityCritical: 3,
	}
	for _, d := range result.Detections {
		if !seen[d.Category] {
			seen[d.Category] = true
			rec.Categories = append(rec.Categories, d.Category)
		}
		if order[d.Severity] > order[top] {
			top = d.Severity
		}
	}
	if len(result.Detections) > 0 {
		rec.MaxSeverity = string(top)
	}

	p.recorder.Add(rec)
}

func (p *Pipeline) exportRecord(ctx context.Context, req Request, result Result) {
	if result.Status == StatusAllowed || !p.tp.Enabled() {
		return
	}
	rec := telemetry.ValidationRecord{
		RequestID:    result.RequestID,
		UserID:       req.UserID,
		PolicyID:     result.PolicyID,
		Status:       string(result.Status),
		Cached:       result.Cached,
		LatencyMs:    result.LatencyMs,
		PromptLength: len(req.Prompt),
	}
	for _, d := range result.Detections {
		rec.Detections = append(rec.Detections, telemetry.Detection{
			Type:       string(d.Type),
			Pattern:    d.MatchedPattern,
			Severity:   string(d.Severity),
			Category:   d.Category,
			Confidence: d.Confidence,
		})
	}
	p.tp.ExportValidationRecord(ctx, rec)
}

func (p *Pipeline) errorResult(requestID, policyID string, start time.Time, message string) Result {
	if policyID == "" {
		policyID = p.policies.DefaultID()
	}
	p.countValidation(StatusError, policyID, start)
	return Result{
		Status:     StatusError,
		IsSafe:     false,
		Detections: nil,
		PolicyID:   policyID,
		LatencyMs:  p.sinceMs(start),
		Message:    message,
		RequestID:  requestID,
	}
}

func (p *Pipeline) countValidation(status Status, policyID string, start time.Time) {
	if p.m == nil {
		return
	}
	p.m.ValidationsTotal.WithLabelValues(string(status), policyID).Inc()
	p.m.ValidationDuration.WithLabelValues(policyID).Observe(p.now().Sub(start).Seconds())
}

func (p *Pipeline) countDetections(detections []detect.Detection, blocked bool) {
	if p.m == nil {
		return
	}
	for _, d := range detections {
		p.m.DetectionsByType.WithLabelValues(
			string(d.Type), string(d.Severity), strconv.FormatBool(blocked)).Inc()
	}
}

func (p *Pipeline) countError(errorType, component string) {
	if p.m != nil {
		p.m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
	}
}

func (p *Pipeline) sinceMs(start time.Time) float64 {
	return float64(p.now().Sub(start).Microseconds()) / 1000.0
}

func mapAction(action policy.Action) (Status, bool) {
	switch action {
	case policy.ActionBlock:
		return StatusBlocked, false
	case policy.ActionWarn:
		return StatusWarned, true
	default:
		return StatusAllowed, true
	}
}

func cacheNamespace(policyID string) string {
	return "validation:" + policyID
}

func promptKey(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

func newRequestID(prompt string, t0 time.Time) string {
	h := sha256.New()
	h.Write([]byte(prompt))
	h.Write([]byte(t0.Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil)[:8])
}
