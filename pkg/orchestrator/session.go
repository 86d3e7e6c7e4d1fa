package orchestrator

import (
	"github.com/pario-ai/llmrace/pkg/cache"
	"github.com/pario-ai/llmrace/pkg/client"
	"github.com/pario-ai/llmrace/pkg/config"
	"github.com/pario-ai/llmrace/pkg/models"
	"github.com/pario-ai/llmrace/pkg/pool"
)

// Session owns the resources shared by the units of a run: the client pool
// and, for synchronous runs, the result cache. Create one per run and Close
// it when the run is over.
type Session struct {
	Pool  *pool.Pool[client.Client]
	Cache *cache.Cache[models.Completion]
}

// NewSession builds the pool and cache from cfg. The cache is nil when disabled.
func NewSession(cfg *config.Config, factory pool.Factory[client.Client]) *Session {
	s := &Session{
		Pool: pool.New(factory,
			pool.WithMaxSize(cfg.Pool.MaxSize),
			pool.WithMaxIdle(cfg.Pool.MaxIdle),
		),
	}
	if cfg.Cache.Enabled {
		s.Cache = cache.New[models.Completion](
			cache.WithDefaultTTL(cfg.Cache.TTL),
			cache.WithSweepInterval(cfg.Cache.SweepInterval),
		)
	}
	return s
}

// PoolStats returns the pool snapshot.
func (s *Session) PoolStats() models.PoolStats {
	return s.Pool.Stats()
}

// CacheStats returns the cache snapshot, or false when caching is disabled.
func (s *Session) CacheStats() (models.CacheStats, bool) {
	if s.Cache == nil {
		return models.CacheStats{}, false
	}
	return s.Cache.Stats(), true
}

// Close clears the pool and destroys the cache.
func (s *Session) Close() {
	s.Pool.Clear()
	if s.Cache != nil {
		s.Cache.Destroy()
	}
}
