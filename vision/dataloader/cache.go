package dataloader

import (
	"container/list"
	"fmt"
	"sync"
)

// CacheManager is an LRU cache of preprocessed image planes keyed by file path.
// It is safe for concurrent use by the decode workers.
type CacheManager struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	lru      *list.List
	maxItems int

	hits   int64
	misses int64
}

type cacheEntry struct {
	key  string
	data []float32
}

// NewCacheManager creates a cache holding at most maxItems entries. A
// non-positive maxItems disables caching.
func NewCacheManager(maxItems int) *CacheManager {
	return &CacheManager{
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		maxItems: maxItems,
	}
}

// Get returns the cached planes for key. Callers must not modify the slice.
func (cm *CacheManager) Get(key string) ([]float32, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.entries[key]; ok {
		cm.lru.MoveToFront(elem)
		cm.hits++
		return elem.Value.(*cacheEntry).data, true
	}
	cm.misses++
	return nil, false
}

// Put stores data under key, evicting the least recently used entries.
func (cm *CacheManager) Put(key string, data []float32) {
	if cm.maxItems <= 0 {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.entries[key]; ok {
		elem.Value.(*cacheEntry).data = data
		cm.lru.MoveToFront(elem)
		return
	}

	cm.entries[key] = cm.lru.PushFront(&cacheEntry{key: key, data: data})
	for cm.lru.Len() > cm.maxItems {
		oldest := cm.lru.Back()
		cm.lru.Remove(oldest)
		delete(cm.entries, oldest.Value.(*cacheEntry).key)
	}
}

// Len returns the number of cached entries.
func (cm *CacheManager) Len() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.lru.Len()
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	s := CacheStats{
		Size:    cm.lru.Len(),
		MaxSize: cm.maxItems,
		Hits:    cm.hits,
		Misses:  cm.misses,
	}
	if total := cm.hits + cm.misses; total > 0 {
		s.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return s
}

// Clear drops every entry. Statistics are cumulative and survive.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.entries = make(map[string]*list.Element)
	cm.lru.Init()
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
