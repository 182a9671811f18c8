package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	goCache "github.com/patrickmn/go-cache"

	"github.com/meteroid-oss/meteroid-sub001/internal/config"
)

// DefaultExpiration mirrors the teacher's default TTL for entries set
// without an explicit expiration.
const DefaultExpiration = 30 * time.Minute

// DefaultCleanupInterval is how often go-cache sweeps expired entries.
const DefaultCleanupInterval = 1 * time.Hour

// InMemoryCache wraps patrickmn/go-cache, gated by cfg.Cache.Enabled so
// a deployment can disable caching without touching call sites.
type InMemoryCache struct {
	cache *goCache.Cache
	cfg   *config.Configuration
}

var (
	once        sync.Once
	globalCache *InMemoryCache
)

// NewInMemoryCache builds an InMemoryCache honoring cfg.Cache's TTL.
func NewInMemoryCache(cfg *config.Configuration) Cache {
	ttl := DefaultExpiration
	if cfg.Cache.DefaultTTLSeconds > 0 {
		ttl = time.Duration(cfg.Cache.DefaultTTLSeconds) * time.Second
	}
	return &InMemoryCache{cache: goCache.New(ttl, DefaultCleanupInterval), cfg: cfg}
}

// GlobalInMemoryCache lazily builds a process-wide cache instance, for
// call sites that do not thread one through.
func GlobalInMemoryCache(cfg *config.Configuration) Cache {
	once.Do(func() {
		globalCache = NewInMemoryCache(cfg).(*InMemoryCache)
	})
	return globalCache
}

func (c *InMemoryCache) Get(_ context.Context, key string) (interface{}, bool) {
	if !c.cfg.Cache.Enabled {
		return nil, false
	}
	return c.cache.Get(key)
}

func (c *InMemoryCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) {
	if !c.cfg.Cache.Enabled {
		return
	}
	c.cache.Set(key, value, expiration)
}

func (c *InMemoryCache) Delete(_ context.Context, key string) {
	if !c.cfg.Cache.Enabled {
		return
	}
	c.cache.Delete(key)
}

func (c *InMemoryCache) DeleteByPrefix(_ context.Context, prefix string) {
	if !c.cfg.Cache.Enabled {
		return
	}
	for k := range c.cache.Items() {
		if strings.HasPrefix(k, prefix) {
			c.cache.Delete(k)
		}
	}
}

func (c *InMemoryCache) Flush(_ context.Context) {
	if !c.cfg.Cache.Enabled {
		return
	}
	c.cache.Flush()
}
