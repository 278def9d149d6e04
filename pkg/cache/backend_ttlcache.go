package cache

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// TTLCacheBackend implements Backend on top of
// github.com/jellydator/ttlcache/v3, standing in for the historical
// memcached cluster the original cache client spoke to. Per-Set TTLs are
// honored directly since ttlcache supports per-item TTL overrides.
type TTLCacheBackend struct {
	cache *ttlcache.Cache[string, []byte]
}

// NewTTLCacheBackend constructs a backend with defaultTTL as the cache's
// fallback expiration (used only for entries set via ttlcache.DefaultTTL;
// every Set call from Client passes an explicit, already-clamped TTL).
func NewTTLCacheBackend(defaultTTL time.Duration) *TTLCacheBackend {
	c := ttlcache.New(
		ttlcache.WithTTL[string, []byte](defaultTTL),
	)
	go c.Start()
	return &TTLCacheBackend{cache: c}
}

func (b *TTLCacheBackend) Get(key string) ([]byte, bool) {
	item := b.cache.Get(key)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (b *TTLCacheBackend) Set(key string, value []byte, ttl time.Duration) {
	b.cache.Set(key, value, ttl)
}

func (b *TTLCacheBackend) Delete(key string) {
	b.cache.Delete(key)
}

func (b *TTLCacheBackend) Shutdown() {
	b.cache.Stop()
}
