// Package proxycache memoizes upstream responses of proxy repositories and
// evicts stale cached bytes.
package proxycache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lgulliver/cairn/internal/common"
	"github.com/lgulliver/cairn/pkg/utils"
	gocache "github.com/patrickmn/go-cache"
)

// Entry is one cached upstream response
type Entry struct {
	StoredAt    time.Time              `json:"storedAt"`
	Payload     []byte                 `json:"payload"`
	ContentType string                 `json:"contentType,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Cache stores entries with a per-call TTL
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Key builds the cache key for an upstream URL of a repository
func Key(repositoryID, upstreamURL string) string {
	return fmt.Sprintf("proxy:%s:%s", repositoryID, utils.ComputeSHA256([]byte(upstreamURL)))
}

// RedisCache keeps entries in Redis, shared by every instance
type RedisCache struct {
	cache *common.Cache
}

// NewRedisCache wraps a Redis cache
func NewRedisCache(cache *common.Cache) *RedisCache {
	return &RedisCache{cache: cache}
}

func (r *RedisCache) Get(ctx context.Context, key string) (*Entry, bool, error) {
	var entry Entry
	if err := r.cache.Get(ctx, key, &entry); err != nil {
		if errors.Is(err, common.ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &entry, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	return r.cache.Set(ctx, key, entry, ttl)
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	return r.cache.Delete(ctx, key)
}

// MemoryCache keeps entries in process. Entries are lost on restart and not
// shared between instances.
type MemoryCache struct {
	cache *gocache.Cache
}

// NewMemoryCache creates a MemoryCache that sweeps expired entries every cleanupInterval
func NewMemoryCache(defaultTTL, cleanupInterval time.Duration) *MemoryCache {
	return &MemoryCache{cache: gocache.New(defaultTTL, cleanupInterval)}
}

func (m *MemoryCache) Get(ctx context.Context, key string) (*Entry, bool, error) {
	value, found := m.cache.Get(key)
	if !found {
		return nil, false, nil
	}
	entry, ok := value.(*Entry)
	if !ok {
		m.cache.Delete(key)
		return nil, false, nil
	}
	return entry, true, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	m.cache.Set(key, entry, ttl)
	return nil
}

func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}
