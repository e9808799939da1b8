package cache

import (
	"math"
	"runtime/debug"
	"sync"

	"github.com/cyverse/imagecache/types"
	"github.com/hashicorp/golang-lru/simplelru"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// memoryCacheItem is a value in MemoryCacheStore
type memoryCacheItem struct {
	bitmap *Bitmap
	weight int64
}

// MemoryCacheStore implements MemoryCache.
// The sum of weights of resident bitmaps is kept at or below the capacity by evicting
// least recently used bitmaps that nobody retains.
type MemoryCacheStore struct {
	capacity int64
	size     int64
	lru      *simplelru.LRU // key -> *memoryCacheItem
	mutex    sync.Mutex
}

// NewMemoryCacheStore creates a new MemoryCacheStore holding up to capacity bytes
func NewMemoryCacheStore(capacity int64) (*MemoryCacheStore, error) {
	if capacity <= 0 {
		return nil, xerrors.Errorf("invalid memory cache capacity %d", capacity)
	}

	store := &MemoryCacheStore{
		capacity: capacity,
		size:     0,
	}

	// bounded by weight, not by count
	lru, err := simplelru.NewLRU(math.MaxInt32, store.onEvicted)
	if err != nil {
		return nil, xerrors.Errorf("failed to create LRU cache: %w", err)
	}

	store.lru = lru
	return store, nil
}

// Release releases resources
func (store *MemoryCacheStore) Release() {
	store.Clear()
}

// GetCapacity returns the capacity in bytes
func (store *MemoryCacheStore) GetCapacity() int64 {
	return store.capacity
}

// GetSize returns the sum of weights of resident bitmaps
func (store *MemoryCacheStore) GetSize() int64 {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	return store.size
}

// GetTotalEntries returns total number of entries in cache
func (store *MemoryCacheStore) GetTotalEntries() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	return store.lru.Len()
}

// GetEntryKeys returns all entry keys, least recently used first
func (store *MemoryCacheStore) GetEntryKeys() []string {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	keys := []string{}
	for _, key := range store.lru.Keys() {
		if strkey, ok := key.(string); ok {
			keys = append(keys, strkey)
		}
	}
	return keys
}

// Get returns the bitmap for key and marks it most recently used.
// The bitmap may be recycled at any time unless retained; prefer GetAndRetain.
func (store *MemoryCacheStore) Get(key string) (*Bitmap, bool) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if value, ok := store.lru.Get(key); ok {
		return value.(*memoryCacheItem).bitmap, true
	}
	return nil, false
}

// GetAndRetain is Get that retains the bitmap before eviction can reach it.
// The caller must Release the bitmap.
func (store *MemoryCacheStore) GetAndRetain(key string) (*Bitmap, bool) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	value, ok := store.lru.Get(key)
	if !ok {
		return nil, false
	}

	bitmap := value.(*memoryCacheItem).bitmap
	if !bitmap.Retain() {
		return nil, false
	}
	return bitmap, true
}

// TryAdd inserts bitmap for key, then evicts until the cache fits its capacity.
// Returns false if key is already present, the bitmap can never fit, or it was evicted right away.
func (store *MemoryCacheStore) TryAdd(key string, bitmap *Bitmap, weight int64) bool {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "MemoryCacheStore",
		"function": "TryAdd",
	})

	store.mutex.Lock()
	defer store.mutex.Unlock()

	if store.lru.Contains(key) {
		return false
	}

	if weight > store.capacity {
		logger.Debug(types.NewCapacityError(weight, store.capacity).Error())
		return false
	}

	store.lru.Add(key, &memoryCacheItem{
		bitmap: bitmap,
		weight: weight,
	})
	store.size += weight

	store.evict()
	return store.lru.Contains(key)
}

// Remove drops the entry for key. A retained bitmap stays usable until its last release.
func (store *MemoryCacheStore) Remove(key string) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.lru.Remove(key)
}

// Clear drops all entries and returns freed memory to the OS right away
func (store *MemoryCacheStore) Clear() {
	store.mutex.Lock()
	store.lru.Purge()
	store.size = 0
	store.mutex.Unlock()

	debug.FreeOSMemory()
}

// Trim runs an eviction scan without inserting
func (store *MemoryCacheStore) Trim() {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.evict()
}

// evict removes least recently used bitmaps, skipping retained ones, until size fits capacity
func (store *MemoryCacheStore) evict() {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "MemoryCacheStore",
		"function": "evict",
	})

	if store.size <= store.capacity {
		return
	}

	for _, key := range store.lru.Keys() {
		if store.size <= store.capacity {
			return
		}

		value, ok := store.lru.Peek(key)
		if !ok {
			continue
		}

		if value.(*memoryCacheItem).bitmap.IsRetained() {
			continue
		}

		store.lru.Remove(key)
	}

	if store.size > store.capacity {
		logger.Debugf("%d of %d bytes in use, the rest is retained", store.size, store.capacity)
	}
}

func (store *MemoryCacheStore) onEvicted(key interface{}, value interface{}) {
	if item, ok := value.(*memoryCacheItem); ok {
		store.size -= item.weight
		item.bitmap.markEvicted()
	}
}
