// Package cache implements the two-tier validation cache: a small
// in-process LRU in front of a shared key-value store. The local tier
// absorbs repeat traffic on a single instance; the remote tier shares
// verdicts across instances. Remote failures are logged and counted,
// never surfaced to callers.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"rampart/internal/metrics"
	"rampart/internal/store"
)

const (
	defaultLocalSize = 1000
	defaultLocalTTL  = 5 * time.Minute
	defaultRemoteTTL = time.Hour

	// remoteWriteTimeout bounds remote writes that run detached from
	// the request context, so a cancelled request cannot abort them
	// and a stalled store cannot hold them forever.
	remoteWriteTimeout = 2 * time.Second
)

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	LocalSize int           // max entries held in process
	LocalTTL  time.Duration // expiry for the in-process tier
	RemoteTTL time.Duration // default expiry for the shared tier
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Manager is a two-tier cache keyed by namespace and key. Entries are
// stored under "cache:{namespace}:{key}" in both tiers.
type Manager struct {
	local     *expirable.LRU[string, []byte]
	remote    store.KV
	remoteTTL time.Duration
	localSize int

	metrics *metrics.Metrics
	log     *slog.Logger

	l1Hits atomic.Uint64
	l2Hits atomic.Uint64
	misses atomic.Uint64
	errors atomic.Uint64
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	L1Hits    uint64  `json:"l1_hits"`
	L2Hits    uint64  `json:"l2_hits"`
	Misses    uint64  `json:"misses"`
	Errors    uint64  `json:"errors"`
	L1HitRate float64 `json:"l1_hit_rate"`
	L2HitRate float64 `json:"l2_hit_rate"`
	HitRate   float64 `json:"overall_hit_rate"`
	L1Size    int     `json:"l1_size"`
	L1MaxSize int     `json:"l1_maxsize"`
}

// New creates a Manager backed by remote for the shared tier.
func New(remote store.KV, opts Options) *Manager {
	if opts.LocalSize <= 0 {
		opts.LocalSize = defaultLocalSize
	}
	if opts.LocalTTL <= 0 {
		opts.LocalTTL = defaultLocalTTL
	}
	if opts.RemoteTTL <= 0 {
		opts.RemoteTTL = defaultRemoteTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Manager{
		local:     expirable.NewLRU[string, []byte](opts.LocalSize, nil, opts.LocalTTL),
		remote:    remote,
		remoteTTL: opts.RemoteTTL,
		localSize: opts.LocalSize,
		metrics:   opts.Metrics,
		log:       opts.Logger,
	}
}

func cacheKey(namespace, key string) string {
	return "cache:" + namespace + ":" + key
}

// Get looks up a value, checking the local tier first and promoting
// remote hits into it.
func (c *Manager) Get(ctx context.Context, namespace, key string) ([]byte, bool) {
	ck := cacheKey(namespace, key)

	if v, ok := c.local.Get(ck); ok {
		c.l1Hits.Add(1)
		c.countOp("get", "l1_hit")
		c.updateHitRate()
		return clone(v), true
	}

	v, err := c.remote.Get(ctx, ck)
	switch {
	case err == nil:
		c.local.Add(ck, v)
		c.l2Hits.Add(1)
		c.countOp("get", "l2_hit")
		c.updateHitRate()
		return clone(v), true
	case errors.Is(err, store.ErrNotFound):
	default:
		c.errors.Add(1)
		c.countOp("get", "error")
		c.log.Error("remote cache read failed", "namespace", namespace, "error", err)
	}

	c.misses.Add(1)
	c.countOp("get", "miss")
	c.updateHitRate()
	return nil, false
}

// GetWithFill looks up a value and, on a miss, calls fill and stores
// its result in both tiers. The second return reports whether the
// value came from cache.
func (c *Manager) GetWithFill(ctx context.Context, namespace, key string, fill func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	if v, ok := c.Get(ctx, namespace, key); ok {
		return v, true, nil
	}

	v, err := fill(ctx)
	if err != nil {
		return nil, false, err
	}
	if v != nil {
		c.Set(ctx, namespace, key, v, 0)
	}
	return v, false, nil
}

// Set stores a value in both tiers. A ttl <= 0 uses the default remote
// TTL; the local tier always uses its own cache-wide expiry. Remote
// failures are swallowed.
func (c *Manager) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) {
	ck := cacheKey(namespace, key)
	c.local.Add(ck, clone(value))

	if ttl <= 0 {
		ttl = c.remoteTTL
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), remoteWriteTimeout)
	defer cancel()

	if err := c.remote.Set(wctx, ck, value, ttl); err != nil {
		c.errors.Add(1)
		c.countOp("set", "error")
		c.log.Error("remote cache write failed", "namespace", namespace, "error", err)
		return
	}
	c.countOp("set", "success")
}

// Delete removes a key from both tiers.
func (c *Manager) Delete(ctx context.Context, namespace, key string) {
	ck := cacheKey(namespace, key)
	c.local.Remove(ck)

	if err := c.remote.Delete(ctx, ck); err != nil {
		c.errors.Add(1)
		c.countOp("delete", "error")
		c.log.Error("remote cache delete failed", "namespace", namespace, "error", err)
		return
	}
	c.countOp("delete", "success")
}

// InvalidateNamespace drops every entry in a namespace from both tiers
// and returns the number of remote keys removed.
func (c *Manager) InvalidateNamespace(ctx context.Context, namespace string) int {
	prefix := cacheKey(namespace, "")

	for _, k := range c.local.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.local.Remove(k)
		}
	}

	keys, err := c.remote.Scan(ctx, prefix+"*")
	if err != nil {
		c.errors.Add(1)
		c.log.Error("namespace scan failed", "namespace", namespace, "error", err)
		return 0
	}

	removed := 0
	for _, k := range keys {
		if err := c.remote.Delete(ctx, k); err != nil {
			c.errors.Add(1)
			c.log.Error("namespace delete failed", "namespace", namespace, "key", k, "error", err)
			continue
		}
		removed++
	}

	c.log.Info("cache namespace invalidated", "namespace", namespace, "removed", removed)
	return removed
}

// Stats returns current counters and derived hit rates.
func (c *Manager) Stats() Stats {
	l1 := c.l1Hits.Load()
	l2 := c.l2Hits.Load()
	miss := c.misses.Load()
	total := l1 + l2 + miss

	s := Stats{
		L1Hits:    l1,
		L2Hits:    l2,
		Misses:    miss,
		Errors:    c.errors.Load(),
		L1Size:    c.local.Len(),
		L1MaxSize: c.localSize,
	}
	if total > 0 {
		s.L1HitRate = float64(l1) / float64(total)
		s.L2HitRate = float64(l2) / float64(total)
		s.HitRate = float64(l1+l2) / float64(total)
	}
	return s
}

func (c *Manager) countOp(operation, status string) {
	if c.metrics != nil {
		c.metrics.CacheOperations.WithLabelValues(operation, status).Inc()
	}
}

func (c *Manager) updateHitRate() {
	if c.metrics == nil {
		return
	}
	l1 := c.l1Hits.Load()
	l2 := c.l2Hits.Load()
	total := l1 + l2 + c.misses.Load()
	if total > 0 {
		c.metrics.CacheHitRate.Set(float64(l1+l2) / float64(total))
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
