package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/maypok86/otter"

	"github.com/rafaeljc/verdict/internal/observability"
	"github.com/rafaeljc/verdict/internal/ruleengine"
)

// ResultCache is the L1 layer memoizing evaluation results, using the
// contention-free S3-FIFO algorithm provided by the 'otter' library.
//
// Keys embed the snapshot version, so a new snapshot never serves results
// computed against an older one.
type ResultCache struct {
	store otter.Cache[string, *ruleengine.Result]
}

// NewResultCache initializes the in-memory cache with strict limits.
// capacity: Max number of results (Hard Cap to prevent OOM).
// ttl: Time-To-Live for results (Safety net for eventual consistency).
func NewResultCache(capacity int, ttl time.Duration) (*ResultCache, error) {
	cache, err := otter.MustBuilder[string, *ruleengine.Result](capacity).
		CollectStats().
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, err
	}

	return &ResultCache{store: cache}, nil
}

// ResultKey builds the memoization key for one evaluation. It fails when the
// context cannot be serialized, in which case the result must not be cached.
// encoding/json sorts map keys, which makes the context part canonical.
func ResultKey(version int64, flag, environment string, ctx ruleengine.Context) (string, error) {
	canonical, err := json.Marshal(ctx)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.Grow(24 + len(flag) + len(environment) + len(canonical))
	b.WriteString(strconv.FormatInt(version, 10))
	b.WriteByte(0)
	b.WriteString(flag)
	b.WriteByte(0)
	b.WriteString(environment)
	b.WriteByte(0)
	b.Write(canonical)
	return b.String(), nil
}

// Get retrieves a result from memory.
// This operation is virtually lock-free and extremely fast.
func (c *ResultCache) Get(key string) (*ruleengine.Result, bool) {
	res, ok := c.store.Get(key)
	if ok {
		observability.ResultCacheHits.Inc()
	} else {
		observability.ResultCacheMisses.Inc()
	}
	return res, ok
}

// Set stores res when it is cacheable and reports whether it was stored.
// Results drawn from a random stickiness key are never stored.
func (c *ResultCache) Set(key string, res *ruleengine.Result) bool {
	if res == nil || !res.Cacheable() {
		return false
	}
	if !c.store.Set(key, res) {
		observability.ResultCacheDropped.Inc()
		return false
	}
	return true
}

// Purge drops every entry. Called when a new snapshot is installed, since
// older keys can no longer be hit.
func (c *ResultCache) Purge() {
	c.store.Clear()
}

// Len returns the current number of entries.
func (c *ResultCache) Len() int {
	return c.store.Size()
}

// RunMetricsCollector exports size and eviction statistics every interval.
// It blocks until ctx is cancelled.
func (c *ResultCache) RunMetricsCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var evicted float64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			observability.ResultCacheItems.Set(float64(c.store.Size()))
			evicted = observability.AddDelta(observability.ResultCacheEvictions, evicted, float64(c.store.Stats().EvictedCount()))
		}
	}
}

// Close gracefully shuts down the cache and its background cleanup goroutines.
func (c *ResultCache) Close() {
	c.store.Close()
}
