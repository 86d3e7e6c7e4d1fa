// Package pool bounds and reuses outbound clients keyed by endpoint configuration.
package pool

import (
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/pario-ai/llmrace/pkg/metrics"
	"github.com/pario-ai/llmrace/pkg/models"
)

var logger = xlog.NewPackageLogger("github.com/pario-ai/llmrace", "pool")

const (
	// DefaultMaxSize is the number of clients retained when WithMaxSize is not given.
	DefaultMaxSize = 16
	// DefaultMaxIdle is how long an unused client stays reusable by default.
	DefaultMaxIdle = 5 * time.Minute
)

// ErrInvalidSize is returned when the pool is resized below one entry.
var ErrInvalidSize = errors.New("pool size must be at least 1")

// EndpointConfig identifies an upstream endpoint. BaseURL, APIKey and Timeout
// form the pool key; Headers are only keyed by AcquireSecure.
type EndpointConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Headers map[string]string
}

// Factory constructs a client for cfg.
type Factory[C any] func(cfg EndpointConfig) (C, error)

type entry[C any] struct {
	client   C
	usage    int64
	lastUsed time.Time
}

type options struct {
	maxSize int
	maxIdle time.Duration
	now     func() time.Time
}

// Option configures a Pool.
type Option func(*options)

// WithMaxSize sets the maximum number of retained clients.
func WithMaxSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSize = n
		}
	}
}

// WithMaxIdle sets how long an unused client stays reusable.
func WithMaxIdle(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxIdle = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Pool retains at most MaxPoolSize clients and evicts the least recently used.
// All methods are safe for concurrent use.
type Pool[C any] struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[string, *entry[C]]
	factory Factory[C]
	maxSize int
	maxIdle time.Duration
	now     func() time.Time
	// reason labels evictions triggered by the operation holding mu
	reason string
}

// New creates a Pool that builds clients with factory.
func New[C any](factory Factory[C], opts ...Option) *Pool[C] {
	o := options{
		maxSize: DefaultMaxSize,
		maxIdle: DefaultMaxIdle,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Pool[C]{
		factory: factory,
		maxSize: o.maxSize,
		maxIdle: o.maxIdle,
		now:     o.now,
		reason:  "lru",
	}
	// only fails for a non-positive size, which options rule out
	p.lru, _ = simplelru.NewLRU[string, *entry[C]](o.maxSize, p.onEvict)
	return p
}

func (p *Pool[C]) onEvict(key string, e *entry[C]) {
	metrics.RecordPoolEviction(p.reason)
	logger.KV(xlog.DEBUG, "status", "evict", "key", key, "reason", p.reason, "usage", e.usage)
	if c, ok := any(e.client).(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.KV(xlog.WARNING, "status", "close_failed", "key", key, "err", err.Error())
		}
	}
}

// Acquire returns a pooled client for cfg, constructing one if needed.
// cfg.Headers is ignored; use AcquireSecure for header-bearing clients.
func (p *Pool[C]) Acquire(cfg EndpointConfig) (C, error) {
	cfg.Headers = nil
	return p.acquire(Key(cfg), cfg)
}

// AcquireSecure is Acquire with extra headers folded into the key and passed
// to the factory.
func (p *Pool[C]) AcquireSecure(cfg EndpointConfig, headers map[string]string) (C, error) {
	merged := make(map[string]string, len(cfg.Headers)+len(headers))
	for k, v := range cfg.Headers {
		merged[k] = v
	}
	for k, v := range headers {
		merged[k] = v
	}
	cfg.Headers = merged
	return p.acquire(Key(cfg), cfg)
}

func (p *Pool[C]) acquire(key string, cfg EndpointConfig) (C, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if e, ok := p.lru.Get(key); ok {
		if now.Sub(e.lastUsed) <= p.maxIdle {
			e.usage++
			e.lastUsed = now
			metrics.RecordPoolAcquire("hit")
			logger.KV(xlog.DEBUG, "status", "reuse", "key", key, "usage", e.usage)
			return e.client, nil
		}
		p.reason = "idle"
		p.lru.Remove(key)
		p.reason = "lru"
		metrics.RecordPoolAcquire("stale")
	} else {
		metrics.RecordPoolAcquire("miss")
	}

	c, err := p.factory(cfg)
	if err != nil {
		metrics.PoolFactoryErrors.Inc()
		var zero C
		return zero, errors.Wrap(err, "connection pool client creation")
	}

	// Add evicts the least recently used entry when full
	p.lru.Add(key, &entry[C]{client: c, usage: 1, lastUsed: now})
	logger.KV(xlog.DEBUG, "status", "create", "key", key, "base_url", cfg.BaseURL, "size", p.lru.Len())
	return c, nil
}

// Stats returns a snapshot of the pool, most recently used first.
func (p *Pool[C]) Stats() models.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := p.lru.Keys()
	st := models.PoolStats{
		TotalConnections: len(keys),
		MaxPoolSize:      p.maxSize,
		Connections:      make([]models.ConnectionStat, 0, len(keys)),
	}
	for i := len(keys) - 1; i >= 0; i-- {
		e, ok := p.lru.Peek(keys[i])
		if !ok {
			continue
		}
		st.TotalUsage += e.usage
		st.Connections = append(st.Connections, models.ConnectionStat{
			Key:      keys[i],
			Usage:    e.usage,
			LastUsed: e.lastUsed,
		})
	}
	return st
}

// Len returns the number of retained clients.
func (p *Pool[C]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Len()
}

// SetMaxPoolSize changes the capacity, evicting least recently used clients to fit.
func (p *Pool[C]) SetMaxPoolSize(n int) error {
	if n < 1 {
		return errors.Wrapf(ErrInvalidSize, "got %d", n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.reason = "resize"
	evicted := p.lru.Resize(n)
	p.reason = "lru"
	p.maxSize = n
	if evicted > 0 {
		logger.KV(xlog.DEBUG, "status", "resize", "size", n, "evicted", evicted)
	}
	return nil
}

// SetMaxIdleTime changes the staleness threshold for future acquisitions.
// Non-positive values are ignored, as in WithMaxIdle.
func (p *Pool[C]) SetMaxIdleTime(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxIdle = d
}

// Clear drops and closes every retained client.
func (p *Pool[C]) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.reason = "clear"
	p.lru.Purge()
	p.reason = "lru"
}

// Key returns the pool key for cfg: the xxhash64 of the endpoint identity
// plus sorted header pairs.
func Key(cfg EndpointConfig) string {
	d := xxhash.New()
	_, _ = d.WriteString(cfg.BaseURL)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(cfg.APIKey)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(cfg.Timeout.String())

	if len(cfg.Headers) > 0 {
		names := make([]string, 0, len(cfg.Headers))
		for k := range cfg.Headers {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			_, _ = d.WriteString("\x00")
			_, _ = d.WriteString(k)
			_, _ = d.WriteString("=")
			_, _ = d.WriteString(cfg.Headers[k])
		}
	}
	return strconv.FormatUint(d.Sum64(), 16)
}
