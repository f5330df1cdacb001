package embeddings

import (
	"container/list"
	"context"
	"sync"

	"github.com/zeebo/xxh3"
)

const defaultCacheSize = 1000

// CachedProvider wraps a Provider with an LRU cache keyed by a hash of the
// model and text.
type CachedProvider struct {
	provider Provider
	cache    *lruCache
}

// CachedProviderOption is a functional option for CachedProvider.
type CachedProviderOption func(*cachedConfig)

type cachedConfig struct {
	maxSize int
}

// WithCacheSize sets the maximum number of cached embeddings.
func WithCacheSize(size int) CachedProviderOption {
	return func(c *cachedConfig) {
		c.maxSize = size
	}
}

// NewCachedProvider wraps a provider with caching.
func NewCachedProvider(provider Provider, opts ...CachedProviderOption) *CachedProvider {
	cfg := cachedConfig{maxSize: defaultCacheSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &CachedProvider{
		provider: provider,
		cache:    newLRUCache(cfg.maxSize),
	}
}

// Embed generates embeddings, using cached values when available.
func (p *CachedProvider) Embed(ctx context.Context, texts []string) ([]Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([]Vector, len(texts))
	var (
		missing    []string
		missingIdx []int
	)
	for i, text := range texts {
		if vec, ok := p.cache.get(p.key(text)); ok {
			results[i] = vec
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) > 0 {
		vectors, err := p.provider.Embed(ctx, missing)
		if err != nil {
			return nil, err
		}
		for i, vec := range vectors {
			results[missingIdx[i]] = vec
			p.cache.set(p.key(missing[i]), vec)
		}
	}
	return results, nil
}

func (p *CachedProvider) key(text string) xxh3.Uint128 {
	return xxh3.HashString128(p.provider.Model() + "\x00" + text)
}

// Dimensions returns the embedding dimension.
func (p *CachedProvider) Dimensions() int {
	return p.provider.Dimensions()
}

// Model returns the model identifier.
func (p *CachedProvider) Model() string {
	return p.provider.Model()
}

// CacheStats returns cache hits and misses.
func (p *CachedProvider) CacheStats() (hits, misses int) {
	return p.cache.stats()
}

type lruCache struct {
	mu      sync.Mutex
	maxSize int
	items   map[xxh3.Uint128]*list.Element
	order   *list.List // front is most recently used
	hits    int
	misses  int
}

type lruEntry struct {
	key   xxh3.Uint128
	value Vector
}

func newLRUCache(maxSize int) *lruCache {
	if maxSize <= 0 {
		maxSize = defaultCacheSize
	}
	return &lruCache{
		maxSize: maxSize,
		items:   make(map[xxh3.Uint128]*list.Element),
		order:   list.New(),
	}
}

func (c *lruCache) get(key xxh3.Uint128) (Vector, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return el.Value.(*lruEntry).value, true
}

func (c *lruCache) set(key xxh3.Uint128, value Vector) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).value = value
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&lruEntry{key: key, value: value})
	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
	}
}

func (c *lruCache) stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
