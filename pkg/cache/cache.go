// Package cache is an in-memory TTL cache for completed results.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"

	"github.com/pario-ai/llmrace/pkg/metrics"
	"github.com/pario-ai/llmrace/pkg/models"
)

var logger = xlog.NewPackageLogger("github.com/pario-ai/llmrace", "cache")

const (
	// DefaultTTL applies to entries set with a zero ttl.
	DefaultTTL = 10 * time.Minute
	// DefaultSweepInterval is how often expired entries are purged in the background.
	DefaultSweepInterval = time.Minute

	topKeys = 10
	// rough per-entry overhead for MemoryUsageEstimate
	entryOverhead = 64
)

// ErrNegativeTTL is returned by Set for a ttl below zero.
var ErrNegativeTTL = errors.New("ttl must not be negative")

type entry[V any] struct {
	value       V
	createdAt   time.Time
	expiresAt   time.Time
	accessCount int64
}

type options struct {
	ttl   time.Duration
	sweep time.Duration
	now   func() time.Time
}

// Option configures a Cache.
type Option func(*options)

// WithDefaultTTL sets the ttl used when Set is called with zero.
func WithDefaultTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithSweepInterval sets how often expired entries are purged in the
// background. Zero or negative disables the sweeper.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		o.sweep = d
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Cache maps string keys to values of type V with per-entry expiry.
// All methods are safe for concurrent use.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	ttl     time.Duration
	now     func() time.Time
	hits    int64
	misses  int64

	stop    chan struct{}
	stopped sync.WaitGroup
	once    sync.Once
}

// New creates a Cache and starts its sweeper.
func New[V any](opts ...Option) *Cache[V] {
	o := options{
		ttl:   DefaultTTL,
		sweep: DefaultSweepInterval,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Cache[V]{
		entries: make(map[string]*entry[V]),
		ttl:     o.ttl,
		now:     o.now,
		stop:    make(chan struct{}),
	}
	if o.sweep > 0 {
		c.stopped.Add(1)
		go c.sweepLoop(o.sweep)
	}
	return c
}

func (c *Cache[V]) sweepLoop(every time.Duration) {
	defer c.stopped.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			if n := c.Sweep(); n > 0 {
				logger.KV(xlog.DEBUG, "status", "sweep", "expired", n)
			}
		}
	}
}

// Sweep purges expired entries and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	metrics.RecordCacheExpired(n)
	return n
}

// Set stores v under key. A zero ttl uses the default.
func (c *Cache[V]) Set(key string, v V, ttl time.Duration) error {
	if ttl < 0 {
		return errors.Wrapf(ErrNegativeTTL, "cache set operation: key %q ttl %s", key, ttl)
	}
	if ttl == 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[key] = &entry[V]{
		value:       v,
		createdAt:   now,
		expiresAt:   now.Add(ttl),
		accessCount: 1,
	}
	return nil
}

// live returns the entry for key, dropping it if expired. mu must be held.
func (c *Cache[V]) live(key string) (*entry[V], bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		metrics.RecordCacheExpired(1)
		return nil, false
	}
	return e, true
}

// Get returns the value for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.live(key)
	metrics.RecordCacheLookup(ok)
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	e.accessCount++
	return e.value, true
}

// Has reports whether key is present and not expired. It counts as an access.
func (c *Cache[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.live(key)
	if ok {
		e.accessCount++
	}
	return ok
}

// Delete removes key and reports whether it was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

// Clear removes every entry and resets hit statistics.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry[V])
	c.hits = 0
	c.misses = 0
}

// GetOrSet returns the cached value for key, or computes it with fn and
// stores it with the default ttl. Failed computations are not cached.
// Concurrent misses on the same key may each call fn.
func (c *Cache[V]) GetOrSet(ctx context.Context, key string, fn func(context.Context) (V, error)) (V, error) {
	if err := ctx.Err(); err != nil {
		var zero V
		return zero, errors.Wrap(err, "cache get operation")
	}
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err := fn(ctx)
	if err != nil {
		var zero V
		return zero, errors.Wrap(err, "cache get-or-set operation")
	}
	if err := c.Set(key, v, 0); err != nil {
		return v, err
	}
	return v, nil
}

// GetOrSetFunc is GetOrSet for computations that take no context.
func (c *Cache[V]) GetOrSetFunc(key string, fn func() (V, error)) (V, error) {
	return c.GetOrSet(context.Background(), key, func(context.Context) (V, error) {
		return fn()
	})
}

// Stats returns a snapshot of the cache.
func (c *Cache[V]) Stats() models.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	st := models.CacheStats{
		TotalEntries: len(c.entries),
		Hits:         c.hits,
		Misses:       c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		st.HitRate = float64(c.hits) / float64(total)
	}

	var age time.Duration
	keys := make([]models.KeyAccess, 0, len(c.entries))
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			st.ExpiredEntries++
		} else {
			st.ValidEntries++
		}
		age += now.Sub(e.createdAt)
		st.MemoryUsageEstimate += int64(len(k)) + entryOverhead + valueSize(e.value)
		keys = append(keys, models.KeyAccess{Key: k, AccessCount: e.accessCount})
	}
	if len(c.entries) > 0 {
		st.AverageAge = age / time.Duration(len(c.entries))
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].AccessCount != keys[j].AccessCount {
			return keys[i].AccessCount > keys[j].AccessCount
		}
		return keys[i].Key < keys[j].Key
	})
	if len(keys) > topKeys {
		keys = keys[:topKeys]
	}
	st.TopKeys = keys
	return st
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Destroy stops the sweeper and drops all entries. It is safe to call more than once.
func (c *Cache[V]) Destroy() {
	c.once.Do(func() {
		close(c.stop)
		c.stopped.Wait()
		c.Clear()
	})
}

func valueSize(v any) int64 {
	switch t := v.(type) {
	case string:
		return int64(len(t))
	case []byte:
		return int64(len(t))
	case fmt.Stringer:
		return int64(len(t.String()))
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(data))
}

// HashPrompt computes a SHA-256 key of the model, messages and sampling parameters.
func HashPrompt(model string, messages []models.ChatMessage, params models.CompletionParams) string {
	h := sha256.New()
	h.Write([]byte(model))
	data, _ := json.Marshal(messages)
	h.Write(data)
	data, _ = json.Marshal(params)
	h.Write(data)
	return fmt.Sprintf("%x", h.Sum(nil))
}
