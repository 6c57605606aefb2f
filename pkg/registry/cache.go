package registry

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/core"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/types"
)

// BatchCache memoises latest-version lookups for the lifetime of one
// scheduler batch. Failed lookups are cached too, so one unreachable slug
// costs one request per batch. Create one per batch and drop it afterwards.
type BatchCache struct {
	source core.LatestVersionSource
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
	group   singleflight.Group

	hits   int
	misses int
}

type cacheEntry struct {
	version string
	expires time.Time
}

func NewBatchCache(source core.LatestVersionSource, ttl time.Duration) *BatchCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &BatchCache{
		source:  source,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (b *BatchCache) LatestCoreVersion(ctx context.Context) string {
	return b.get(ctx, "core:wordpress", func(ctx context.Context) string {
		return b.source.LatestCoreVersion(ctx)
	})
}

func (b *BatchCache) LatestPluginVersion(ctx context.Context, slug string) string {
	return b.get(ctx, string(types.ComponentPlugin)+":"+slug, func(ctx context.Context) string {
		return b.source.LatestPluginVersion(ctx, slug)
	})
}

func (b *BatchCache) LatestThemeVersion(ctx context.Context, slug string) string {
	return b.get(ctx, string(types.ComponentTheme)+":"+slug, func(ctx context.Context) string {
		return b.source.LatestThemeVersion(ctx, slug)
	})
}

func (b *BatchCache) get(ctx context.Context, key string, fetch func(context.Context) string) string {
	b.mu.Lock()
	if e, ok := b.entries[key]; ok && b.now().Before(e.expires) {
		b.hits++
		b.mu.Unlock()
		return e.version
	}
	b.mu.Unlock()

	v, _, _ := b.group.Do(key, func() (interface{}, error) {
		b.mu.Lock()
		if e, ok := b.entries[key]; ok && b.now().Before(e.expires) {
			b.mu.Unlock()
			return e.version, nil
		}
		b.mu.Unlock()

		version := fetch(ctx)

		b.mu.Lock()
		b.misses++
		b.entries[key] = cacheEntry{version: version, expires: b.now().Add(b.ttl)}
		b.mu.Unlock()
		return version, nil
	})
	return v.(string)
}

// Stats returns cache hits and misses so far.
func (b *BatchCache) Stats() (hits, misses int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits, b.misses
}
