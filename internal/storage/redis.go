package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/ignite/direct-optimizer/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisLock is a cross-process tick lock. It satisfies the optimizer's Locker
// so two engine instances sharing a database never optimize the same campaign
// concurrently.
type RedisLock struct {
	client *redis.Client
	prefix string
}

// NewRedisLock wraps an existing redis client.
func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client, prefix: "direct-optimizer:lock:"}
}

// TryLock acquires the key if free. The TTL guards against a crashed holder.
func (l *RedisLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	return ok, nil
}

// Unlock releases the key.
func (l *RedisLock) Unlock(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.prefix+key).Err(); err != nil {
		return fmt.Errorf("releasing lock %s: %w", key, err)
	}
	return nil
}

// MetricsCache keeps each campaign's latest metrics batch in redis so the API
// can serve recent performance without a database round-trip. Each tick
// replaces the batch, so the cache is never staler than one optimization pass.
type MetricsCache struct {
	client *redis.Client
	ttl    time.Duration
}

// metricsBatch is the stored envelope. Since is the earliest row timestamp:
// the batch provably covers [Since, stored-at], so any narrower window can be
// answered from it.
type metricsBatch struct {
	Since   time.Time                  `json:"since"`
	Metrics []domain.PerformanceMetric `json:"metrics"`
}

// NewMetricsCache wraps an existing redis client.
func NewMetricsCache(client *redis.Client, ttl time.Duration) *MetricsCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MetricsCache{client: client, ttl: ttl}
}

func (c *MetricsCache) key(campaignID string) string {
	return "direct-optimizer:metrics:" + campaignID
}

// Store replaces the cached batch for a campaign. Empty batches are ignored.
func (c *MetricsCache) Store(ctx context.Context, campaignID string, metrics []domain.PerformanceMetric) error {
	if len(metrics) == 0 {
		return nil
	}
	batch := metricsBatch{Since: metrics[0].Timestamp, Metrics: metrics}
	for _, m := range metrics[1:] {
		if m.Timestamp.Before(batch.Since) {
			batch.Since = m.Timestamp
		}
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshaling metrics: %w", err)
	}
	if err := c.client.Set(ctx, c.key(campaignID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("caching metrics: %w", err)
	}
	return nil
}

// Latest returns the cached batch, or nil when the cache is cold.
func (c *MetricsCache) Latest(ctx context.Context, campaignID string) ([]domain.PerformanceMetric, error) {
	batch, err := c.load(ctx, campaignID)
	if err != nil || batch == nil {
		return nil, err
	}
	return batch.Metrics, nil
}

// Covering returns the cached rows at or after since when the batch spans the
// requested window, with ok=false on a cold cache or a window reaching back
// before the batch starts.
func (c *MetricsCache) Covering(ctx context.Context, campaignID string, since time.Time) ([]domain.PerformanceMetric, bool, error) {
	batch, err := c.load(ctx, campaignID)
	if err != nil || batch == nil {
		return nil, false, err
	}
	if since.Before(batch.Since) {
		return nil, false, nil
	}
	out := make([]domain.PerformanceMetric, 0, len(batch.Metrics))
	for _, m := range batch.Metrics {
		if !m.Timestamp.Before(since) {
			out = append(out, m)
		}
	}
	return out, true, nil
}

func (c *MetricsCache) load(ctx context.Context, campaignID string) (*metricsBatch, error) {
	data, err := c.client.Get(ctx, c.key(campaignID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cached metrics: %w", err)
	}
	var batch metricsBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("parsing cached metrics: %w", err)
	}
	return &batch, nil
}

// MetricsReader is the database reader behind the cache.
type MetricsReader interface {
	GetMetrics(ctx context.Context, campaignID string, since sql.NullTime) ([]domain.PerformanceMetric, error)
}

// CachedMetrics fronts a database metrics reader with the redis cache: a
// window the last cached batch covers is served from redis, anything wider
// falls through. Cache errors never fail a read.
type CachedMetrics struct {
	db    MetricsReader
	cache *MetricsCache
}

// NewCachedMetrics builds the read-through reader.
func NewCachedMetrics(db MetricsReader, cache *MetricsCache) *CachedMetrics {
	return &CachedMetrics{db: db, cache: cache}
}

func (s *CachedMetrics) GetMetrics(ctx context.Context, campaignID string, since sql.NullTime) ([]domain.PerformanceMetric, error) {
	if since.Valid {
		rows, ok, err := s.cache.Covering(ctx, campaignID, since.Time)
		if err != nil {
			log.Printf("[Storage] Metrics cache read for %s failed, using database: %v", campaignID, err)
		} else if ok {
			return rows, nil
		}
	}
	return s.db.GetMetrics(ctx, campaignID, since)
}
