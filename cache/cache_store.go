package cache

import (
	"context"
	"io"
	"time"
)

// DiskCache is a persistent blob store keyed by arbitrary strings
type DiskCache interface {
	Close()

	GetRootPath() string
	GetTotalEntries() int
	GetEntryKeys() []string

	Put(ctx context.Context, key string, data []byte, ttl time.Duration) error
	TryGet(ctx context.Context, key string) ([]byte, bool, error)
	OpenStream(ctx context.Context, key string) (io.ReadCloser, bool, error)
	Exists(key string) bool
	Remove(key string) error
	Clear() error
	Sweep() int
}

// MemoryCache is a weight-bounded cache of decoded bitmaps
type MemoryCache interface {
	Release()

	GetCapacity() int64
	GetSize() int64
	GetTotalEntries() int
	GetEntryKeys() []string

	Get(key string) (*Bitmap, bool)
	GetAndRetain(key string) (*Bitmap, bool)
	TryAdd(key string, bitmap *Bitmap, weight int64) bool
	Remove(key string)
	Clear()
	Trim()
}
