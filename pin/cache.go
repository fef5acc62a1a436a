package pin

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/redis/go-redis/v9"
)

// Cache holds branch lists per repository URL. Only successful lookups are
// stored, so a failed remote is queried again on the next resolution.
type Cache interface {
	Get(ctx context.Context, url string) ([]string, bool)
	Set(ctx context.Context, url string, branches []string, ttl time.Duration)
}

type MemoryCache struct {
	c *ristretto.Cache
}

func NewMemoryCache() (*MemoryCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &MemoryCache{c: c}, nil
}

func (m *MemoryCache) Get(_ context.Context, url string) ([]string, bool) {
	v, ok := m.c.Get(url)
	if !ok {
		return nil, false
	}
	bs, ok := v.([]string)
	return bs, ok
}

func (m *MemoryCache) Set(_ context.Context, url string, branches []string, ttl time.Duration) {
	var cost int64 = 1
	for _, b := range branches {
		cost += int64(len(b))
	}
	m.c.SetWithTTL(url, branches, cost, ttl)
	// make the entry visible to the concurrently running stages
	m.c.Wait()
}

func (m *MemoryCache) Close() {
	m.c.Close()
}

const branchesKey = "tandem:branches:"

// RedisCache shares branch lists between CI jobs running on different hosts.
type RedisCache struct {
	rdb *redis.Client
	l   *slog.Logger
}

func NewRedisCache(addr string, l *slog.Logger) *RedisCache {
	return &RedisCache{
		rdb: redis.NewClient(&redis.Options{
			Addr:                  addr,
			ContextTimeoutEnabled: true,
		}),
		l: l,
	}
}

func (r *RedisCache) Get(ctx context.Context, url string) ([]string, bool) {
	val, err := r.rdb.Get(ctx, branchesKey+url).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.l.Warn("branch cache read failed", "url", url, "error", err)
		}
		return nil, false
	}

	var bs []string
	if err := json.Unmarshal(val, &bs); err != nil {
		r.l.Warn("branch cache entry is corrupt", "url", url, "error", err)
		return nil, false
	}
	return bs, true
}

func (r *RedisCache) Set(ctx context.Context, url string, branches []string, ttl time.Duration) {
	val, err := json.Marshal(branches)
	if err != nil {
		return
	}
	if err := r.rdb.Set(ctx, branchesKey+url, val, ttl).Err(); err != nil {
		r.l.Warn("branch cache write failed", "url", url, "error", err)
	}
}

func (r *RedisCache) Close() error {
	return r.rdb.Close()
}
