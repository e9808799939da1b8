package cache

import (
	"image"
	"sync"

	log "github.com/sirupsen/logrus"
)

const (
	// BytesPerPixel is the size of an RGBA pixel
	BytesPerPixel int64 = 4
)

// Bitmap is a decoded RGBA image shared through MemoryCacheStore.
// Holders must Retain before using the pixels and Release afterward; once a Bitmap
// leaves the cache and nobody retains it, its pixels are recycled.
type Bitmap struct {
	image    *image.RGBA
	width    int
	height   int
	refCount int
	evicted  bool // no longer owned by a cache; recycle on last release
	recycled bool
	mutex    sync.Mutex
}

// NewBitmap creates a new Bitmap
func NewBitmap(img *image.RGBA) *Bitmap {
	bounds := img.Bounds()
	return &Bitmap{
		image:  img,
		width:  bounds.Dx(),
		height: bounds.Dy(),
	}
}

// GetWidth returns width in pixels
func (bitmap *Bitmap) GetWidth() int {
	return bitmap.width
}

// GetHeight returns height in pixels
func (bitmap *Bitmap) GetHeight() int {
	return bitmap.height
}

// GetWeight returns the size of the pixel data in bytes
func (bitmap *Bitmap) GetWeight() int64 {
	return int64(bitmap.width) * int64(bitmap.height) * BytesPerPixel
}

// GetImage returns the pixels, nil once recycled
func (bitmap *Bitmap) GetImage() *image.RGBA {
	bitmap.mutex.Lock()
	defer bitmap.mutex.Unlock()

	return bitmap.image
}

// GetRefCount returns the number of holders
func (bitmap *Bitmap) GetRefCount() int {
	bitmap.mutex.Lock()
	defer bitmap.mutex.Unlock()

	return bitmap.refCount
}

// IsRetained checks if anyone holds the bitmap
func (bitmap *Bitmap) IsRetained() bool {
	return bitmap.GetRefCount() > 0
}

// IsRecycled checks if the pixels are gone
func (bitmap *Bitmap) IsRecycled() bool {
	bitmap.mutex.Lock()
	defer bitmap.mutex.Unlock()

	return bitmap.recycled
}

// Retain adds a holder. Returns false if the pixels are already recycled.
func (bitmap *Bitmap) Retain() bool {
	bitmap.mutex.Lock()
	defer bitmap.mutex.Unlock()

	if bitmap.recycled {
		return false
	}

	bitmap.refCount++
	return true
}

// Release drops a holder
func (bitmap *Bitmap) Release() {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "Bitmap",
		"function": "Release",
	})

	bitmap.mutex.Lock()
	defer bitmap.mutex.Unlock()

	if bitmap.refCount <= 0 {
		logger.Warnf("unbalanced release of a %dx%d bitmap", bitmap.width, bitmap.height)
		return
	}

	bitmap.refCount--
	if bitmap.refCount == 0 && bitmap.evicted {
		bitmap.recycle()
	}
}

// markEvicted is called when the owning cache drops the bitmap
func (bitmap *Bitmap) markEvicted() {
	bitmap.mutex.Lock()
	defer bitmap.mutex.Unlock()

	bitmap.evicted = true
	if bitmap.refCount == 0 {
		bitmap.recycle()
	}
}

func (bitmap *Bitmap) recycle() {
	bitmap.image = nil
	bitmap.recycled = true
}
