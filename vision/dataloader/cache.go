package dataloader

import (
	"fmt"
	"image"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// CacheManager keeps decoded patches in memory. Transforms are random in
// training, so the cache holds the decoded image and not the network input.
// A CacheManager may be shared between loaders.
type CacheManager struct {
	cache   *lru.Cache
	maxSize int

	// Statistics
	hits   int64
	misses int64
}

// NewCacheManager creates a cache of at most maxSize decoded patches.
func NewCacheManager(maxSize int) (*CacheManager, error) {
	cache, err := lru.New(maxSize)
	if err != nil {
		return nil, errors.Wrapf(err, "create patch cache of size %d", maxSize)
	}
	return &CacheManager{cache: cache, maxSize: maxSize}, nil
}

// Get retrieves a decoded patch.
func (cm *CacheManager) Get(key string) (*image.RGBA, bool) {
	if v, ok := cm.cache.Get(key); ok {
		atomic.AddInt64(&cm.hits, 1)
		return v.(*image.RGBA), true
	}
	atomic.AddInt64(&cm.misses, 1)
	return nil, false
}

// Put adds a decoded patch, evicting the least recently used one when full.
func (cm *CacheManager) Put(key string, img *image.RGBA) {
	cm.cache.Add(key, img)
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	hits := atomic.LoadInt64(&cm.hits)
	misses := atomic.LoadInt64(&cm.misses)

	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total) * 100
	}
	return CacheStats{
		Size:    cm.cache.Len(),
		MaxSize: cm.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
	}
}

// ResetStats zeroes the hit and miss counters. Cached patches are kept.
func (cm *CacheManager) ResetStats() {
	atomic.StoreInt64(&cm.hits, 0)
	atomic.StoreInt64(&cm.misses, 0)
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
