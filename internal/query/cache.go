package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nmxmxh/kgraph/internal/config"
	"github.com/nmxmxh/kgraph/internal/metrics"
	"github.com/nmxmxh/kgraph/internal/storage"
)

// Cache memoizes query responses in Redis. Keys embed the graph version, so
// publishing a new version invalidates everything implicitly and old
// entries age out through the TTL. Cache failures degrade to direct reads.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

// NewCache connects to Redis per config; returns nil when the cache is
// disabled.
func NewCache(ctx context.Context, cfg config.CacheConfig, log *zap.Logger) (*Cache, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Cache{
		client: client,
		ttl:    time.Duration(cfg.TTLS) * time.Second,
		log:    log.With(zap.String("component", "query_cache")),
	}, nil
}

// Close shuts the Redis connection down.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Get loads a cached result into out; false on miss or error.
func (c *Cache) Get(ctx context.Context, version string, p storage.QueryParams, out *storage.QueryResult) bool {
	data, err := c.client.Get(ctx, cacheKey(version, p)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("cache read failed", zap.Error(err))
		}
		metrics.CacheHits.WithLabelValues("miss").Inc()
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.log.Warn("cache entry unreadable", zap.Error(err))
		metrics.CacheHits.WithLabelValues("miss").Inc()
		return false
	}
	metrics.CacheHits.WithLabelValues("hit").Inc()
	return true
}

// Set stores a result best-effort.
func (c *Cache) Set(ctx context.Context, version string, p storage.QueryParams, result storage.QueryResult) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(version, p), data, c.ttl).Err(); err != nil {
		c.log.Warn("cache write failed", zap.Error(err))
	}
}

func cacheKey(version string, p storage.QueryParams) string {
	raw, _ := json.Marshal(p)
	sum := sha256.Sum256(raw)
	return "kg:query:" + version + ":" + hex.EncodeToString(sum[:8])
}
