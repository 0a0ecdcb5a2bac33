package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/models"
)

const DefaultCatalogTTL = 60 * time.Second

// CatalogCache holds the last successful catalog response. A miss or an error
// both mean "query the provider".
type CatalogCache interface {
	Get(ctx context.Context) ([]models.ModelDescriptor, bool, error)
	Set(ctx context.Context, catalog []models.ModelDescriptor, ttl time.Duration) error
}

type MemoryCache struct {
	mu        sync.RWMutex
	catalog   []models.ModelDescriptor
	expiresAt time.Time
	now       func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{now: time.Now}
}

func (m *MemoryCache) Get(ctx context.Context) ([]models.ModelDescriptor, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.expiresAt.IsZero() || !m.now().Before(m.expiresAt) {
		return nil, false, nil
	}
	return append([]models.ModelDescriptor(nil), m.catalog...), true, nil
}

func (m *MemoryCache) Set(ctx context.Context, catalog []models.ModelDescriptor, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalog = append([]models.ModelDescriptor(nil), catalog...)
	m.expiresAt = m.now().Add(ttl)
	return nil
}

// RedisCache shares one catalog view across gate replicas.
type RedisCache struct {
	client redis.Cmdable
	key    string
}

func NewRedisCache(client redis.Cmdable, key string) *RedisCache {
	if key == "" {
		key = "carbon-gate:lowcarbon:catalog"
	}
	return &RedisCache{client: client, key: key}
}

// NewRedisCacheFromAddr dials a single Redis node. Timeouts are short and
// retries off: a slow cache falls through to the provider.
func NewRedisCacheFromAddr(addr, password string, db int) *RedisCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  DefaultCacheTimeout,
		WriteTimeout: DefaultCacheTimeout,
		MaxRetries:   -1,
	})
	return NewRedisCache(rdb, "")
}

func (r *RedisCache) Get(ctx context.Context) ([]models.ModelDescriptor, bool, error) {
	raw, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis catalog get: %w", err)
	}
	var catalog []models.ModelDescriptor
	if err := json.Unmarshal(raw, &catalog); err != nil {
		return nil, false, fmt.Errorf("redis catalog decode: %w", err)
	}
	return catalog, true, nil
}

func (r *RedisCache) Set(ctx context.Context, catalog []models.ModelDescriptor, ttl time.Duration) error {
	b, err := json.Marshal(catalog)
	if err != nil {
		return fmt.Errorf("redis catalog encode: %w", err)
	}
	if err := r.client.Set(ctx, r.key, b, ttl).Err(); err != nil {
		return fmt.Errorf("redis catalog set: %w", err)
	}
	return nil
}
