package models

import "time"

// CacheStats reports result cache metrics.
type CacheStats struct {
	TotalEntries        int           `json:"total_entries"`
	ValidEntries        int           `json:"valid_entries"`
	ExpiredEntries      int           `json:"expired_entries"`
	Hits                int64         `json:"hits"`
	Misses              int64         `json:"misses"`
	HitRate             float64       `json:"hit_rate"`
	AverageAge          time.Duration `json:"average_age"`
	MemoryUsageEstimate int64         `json:"memory_usage_estimate"`
	TopKeys             []KeyAccess   `json:"top_keys"`
}

// KeyAccess is the access count of a single cache key.
type KeyAccess struct {
	Key         string `json:"key"`
	AccessCount int64  `json:"access_count"`
}

// PoolStats reports connection pool metrics.
type PoolStats struct {
	TotalConnections int              `json:"total_connections"`
	MaxPoolSize      int              `json:"max_pool_size"`
	TotalUsage       int64            `json:"total_usage"`
	Connections      []ConnectionStat `json:"connections"`
}

// ConnectionStat describes one pooled client.
type ConnectionStat struct {
	Key      string    `json:"key"`
	Usage    int64     `json:"usage"`
	LastUsed time.Time `json:"last_used"`
}
