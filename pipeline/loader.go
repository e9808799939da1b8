package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/draw"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"strings"
	"time"

	"github.com/cyverse/imagecache/cache"
	"github.com/cyverse/imagecache/gif"
	"github.com/cyverse/imagecache/report"
	"github.com/cyverse/imagecache/source"
	"github.com/cyverse/imagecache/types"
	"github.com/cyverse/imagecache/utils"
	"github.com/cyverse/imagecache/work"
	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"
)

const (
	// DefaultSessionCacheSize is the number of decode sessions kept when none is given
	DefaultSessionCacheSize int = 16
)

// Loader runs image requests through memory cache, disk cache, byte source, decoder and compositor
type Loader struct {
	source   source.ByteSource
	disk     cache.DiskCache
	memory   cache.MemoryCache
	reporter report.Reporter
	diskTTL  time.Duration

	sessions    *lru.Cache // session key -> *decodeSession
	animations  *lru.Cache // image key -> *AnimationInfo
	fetchGroup  singleflight.Group
	coordinator *work.Coordinator
}

// NewLoader creates a new Loader. disk may be nil to run without a disk cache, reporter may be nil.
// coordinator is only needed for Enqueue.
func NewLoader(byteSource source.ByteSource, disk cache.DiskCache, memory cache.MemoryCache, coordinator *work.Coordinator, reporter report.Reporter, sessionCacheSize int) (*Loader, error) {
	if byteSource == nil {
		return nil, xerrors.Errorf("byte source is not given")
	}

	if memory == nil {
		return nil, xerrors.Errorf("memory cache is not given")
	}

	if reporter == nil {
		reporter = report.NewStatsReporter()
	}

	if sessionCacheSize <= 0 {
		sessionCacheSize = DefaultSessionCacheSize
	}

	sessions, err := lru.New(sessionCacheSize)
	if err != nil {
		return nil, xerrors.Errorf("failed to create session cache: %w", err)
	}

	animations, err := lru.New(sessionCacheSize * 8)
	if err != nil {
		return nil, xerrors.Errorf("failed to create animation info cache: %w", err)
	}

	return &Loader{
		source:      byteSource,
		disk:        disk,
		memory:      memory,
		reporter:    reporter,
		sessions:    sessions,
		animations:  animations,
		coordinator: coordinator,
	}, nil
}

// Release drops decode sessions
func (loader *Loader) Release() {
	loader.sessions.Purge()
	loader.animations.Purge()
}

// GetReporter returns the reporter
func (loader *Loader) GetReporter() report.Reporter {
	return loader.reporter
}

// GetSessionCount returns the number of decode sessions kept
func (loader *Loader) GetSessionCount() int {
	return loader.sessions.Len()
}

// Invalidate forgets everything cached about key
func (loader *Loader) Invalidate(key string) error {
	loader.animations.Remove(key)

	for _, sessionKey := range loader.sessions.Keys() {
		if strings.HasPrefix(sessionKey.(string), key+"@") {
			loader.sessions.Remove(sessionKey)
		}
	}

	for _, bitmapKey := range loader.memory.GetEntryKeys() {
		if strings.HasPrefix(bitmapKey, key+"#") {
			loader.memory.Remove(bitmapKey)
		}
	}

	if loader.disk != nil {
		return loader.disk.Remove(key)
	}
	return nil
}

// Load runs req and returns its outcome. A successful result holds a retained bitmap
// that the caller must Release.
func (loader *Loader) Load(ctx context.Context, req *Request) *Result {
	logger := log.WithFields(log.Fields{
		"package":  "pipeline",
		"struct":   "Loader",
		"function": "Load",
	})

	defer utils.StackTraceFromPanic(logger)

	result := loader.load(ctx, req)
	switch result.Kind {
	case ResultFailure:
		loader.reporter.Failed(req.Key, result.Err)
	case ResultCancelled:
		loader.reporter.Cancelled(req.Key)
	}
	return result
}

func (loader *Loader) load(ctx context.Context, req *Request) *Result {
	logger := log.WithFields(log.Fields{
		"package":  "pipeline",
		"struct":   "Loader",
		"function": "load",
	})

	// before fetch
	if ctx.Err() != nil {
		return newCancelled(req, types.NewCanceledError("load "+req.Key))
	}

	frame := req.Frame
	var animation *AnimationInfo
	if value, ok := loader.animations.Get(req.Key); ok {
		animation = value.(*AnimationInfo)
		frame = normalizeFrame(frame, animation.FrameCount)
	}

	session := loader.peekSession(req)
	if animation == nil && session != nil {
		animation = session.getAnimationInfo()
		loader.animations.Add(req.Key, animation)
		frame = session.normalizeFrame(req.Frame)
	}

	if bitmap, ok := loader.memory.GetAndRetain(req.bitmapKey(frame)); ok {
		if animation != nil {
			logger.Debugf("memory hit for %s frame %d", req.Key, frame)
			loader.reporter.MemoryHit(req.Key)
			return loader.deliverable(ctx, req, frame, bitmap, animation)
		}

		// animation info was evicted, the bitmap alone cannot be delivered
		logger.Debugf("memory hit for %s frame %d without animation info, reloading", req.Key, frame)
		bitmap.Release()
	}

	var data []byte
	if session == nil {
		var err error
		data, err = loader.getBytes(ctx, req)
		if err != nil {
			if types.IsCanceledError(err) {
				return newCancelled(req, err)
			}
			return newFailure(req, err)
		}

		// before decode
		if ctx.Err() != nil {
			return newCancelled(req, types.NewCanceledError("load "+req.Key))
		}
	}

	decodeStart := time.Now()

	var img *image.RGBA
	if session != nil || gif.HasSignature(data) {
		if session == nil {
			var err error
			session, err = loader.getSession(req, data)
			if err != nil {
				return newFailure(req, err)
			}
		}

		animation = session.getAnimationInfo()
		loader.animations.Add(req.Key, animation)
		frame = session.normalizeFrame(req.Frame)

		// before composite
		if ctx.Err() != nil {
			return newCancelled(req, types.NewCanceledError("load "+req.Key))
		}

		var err error
		img, err = session.render(frame)
		if err != nil {
			return newFailure(req, xerrors.Errorf("failed to render frame %d of %s: %w", frame, req.Key, err))
		}
	} else {
		var err error
		img, err = decodeStill(data, req)
		if err != nil {
			return newFailure(req, err)
		}

		frame = 0
		animation = &AnimationInfo{
			FrameCount: 1,
			Delays:     []time.Duration{0},
			LoopCount:  -1,
			Complete:   true,
		}
		loader.animations.Add(req.Key, animation)
	}

	loader.reporter.Decoded(req.Key, animation.FrameCount, time.Since(decodeStart))

	// cancelled loads never write to memory
	if ctx.Err() != nil {
		return newCancelled(req, types.NewCanceledError("load "+req.Key))
	}

	bitmap := cache.NewBitmap(img)
	bitmap.Retain()
	if !loader.memory.TryAdd(req.bitmapKey(frame), bitmap, bitmap.GetWeight()) {
		logger.Debugf("bitmap of %s frame %d is not cached in memory", req.Key, frame)
	}

	return loader.deliverable(ctx, req, frame, bitmap, animation)
}

// deliverable makes a success result of a retained bitmap unless ctx has ended
func (loader *Loader) deliverable(ctx context.Context, req *Request, frame int, bitmap *cache.Bitmap, animation *AnimationInfo) *Result {
	// before delivery
	if ctx.Err() != nil {
		bitmap.Release()
		return newCancelled(req, types.NewCanceledError("load "+req.Key))
	}

	return &Result{
		Kind:      ResultSuccess,
		Key:       req.Key,
		Frame:     frame,
		Bitmap:    bitmap,
		Animation: animation,
	}
}

// getBytes reads bytes of the key from the disk cache, or fetches and writes them back
func (loader *Loader) getBytes(ctx context.Context, req *Request) ([]byte, error) {
	logger := log.WithFields(log.Fields{
		"package":  "pipeline",
		"struct":   "Loader",
		"function": "getBytes",
	})

	if loader.disk != nil {
		data, ok, err := loader.disk.TryGet(ctx, req.Key)
		switch {
		case err != nil && types.IsCanceledError(err):
			return nil, err
		case err != nil:
			logger.WithError(err).Warnf("failed to read %s from disk cache", req.Key)
		case ok:
			logger.Debugf("disk hit for %s", req.Key)
			loader.reporter.DiskHit(req.Key, len(data))
			return data, nil
		}
	}

	fetchStart := time.Now()
	data, err := loader.fetch(ctx, req.Key)
	if err != nil {
		return nil, err
	}
	loader.reporter.Fetched(req.Key, len(data), time.Since(fetchStart))

	// cancelled loads never write back
	if ctx.Err() != nil {
		return nil, types.NewCanceledError("load " + req.Key)
	}

	if loader.disk != nil {
		if err := loader.disk.Put(ctx, req.Key, data, req.TTL); err != nil {
			if types.IsCanceledError(err) {
				return nil, err
			}
			logger.WithError(err).Warnf("failed to write %s to disk cache", req.Key)
		}
	}

	return data, nil
}

// fetch shares one source fetch between concurrent loads of a key
func (loader *Loader) fetch(ctx context.Context, key string) ([]byte, error) {
	for {
		resultChan := loader.fetchGroup.DoChan(key, func() (interface{}, error) {
			return loader.source.Fetch(ctx, key)
		})

		select {
		case <-ctx.Done():
			return nil, types.NewCanceledError("fetch " + key)
		case result := <-resultChan:
			if result.Err != nil {
				// the load that started the fetch was cancelled, not this one
				if types.IsCanceledError(result.Err) && ctx.Err() == nil {
					continue
				}
				return nil, result.Err
			}
			return result.Val.([]byte), nil
		}
	}
}

// peekSession returns the decode session of req if one is kept
func (loader *Loader) peekSession(req *Request) *decodeSession {
	if value, ok := loader.sessions.Get(req.sessionKey()); ok {
		return value.(*decodeSession)
	}
	return nil
}

func (loader *Loader) getSession(req *Request, data []byte) (*decodeSession, error) {
	sessionKey := req.sessionKey()
	if value, ok := loader.sessions.Get(sessionKey); ok {
		return value.(*decodeSession), nil
	}

	session, err := newDecodeSession(data, req)
	if err != nil {
		return nil, err
	}

	if session.stream.Err != nil {
		log.WithFields(log.Fields{
			"package":  "pipeline",
			"struct":   "Loader",
			"function": "getSession",
		}).WithError(session.stream.Err).Warnf("gif %s is damaged, using %d frames", req.Key, session.stream.FrameCount())
	}

	// a concurrent load may have made one already
	if ok, _ := loader.sessions.ContainsOrAdd(sessionKey, session); ok {
		if value, found := loader.sessions.Get(sessionKey); found {
			return value.(*decodeSession), nil
		}
	}
	return session, nil
}

// decodeStill decodes a non-GIF image through the registered image decoders
func decodeStill(data []byte, req *Request) (*image.RGBA, error) {
	decoded, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, types.NewFormatError(-1, "failed to decode %s: %v", req.Key, err)
	}

	log.WithFields(log.Fields{
		"package":  "pipeline",
		"function": "decodeStill",
	}).Debugf("decoded %s as %s", req.Key, format)

	bounds := decoded.Bounds()
	img := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(img, img.Bounds(), decoded, bounds.Min, draw.Src)

	sample := gif.SampleSize(bounds.Dx(), bounds.Dy(), req.TargetWidth, req.TargetHeight)
	if sample <= 1 {
		return img, nil
	}
	return gif.Downsample(img, sample, req.Quality), nil
}

func normalizeFrame(frame int, count int) int {
	if count <= 0 {
		return 0
	}
	return ((frame % count) + count) % count
}

// LoadAndRender loads req and hands the outcome to consumer. The bitmap stays retained
// while the consumer renders it.
func (loader *Loader) LoadAndRender(ctx context.Context, req *Request, consumer RenderConsumer) *Result {
	result := loader.Load(ctx, req)
	return loader.deliver(ctx, result, consumer)
}

// deliver hands result to consumer. A success whose ctx ended in the meantime,
// e.g. because a newer request superseded it, is delivered as cancelled.
func (loader *Loader) deliver(ctx context.Context, result *Result, consumer RenderConsumer) *Result {
	if result.Kind == ResultSuccess && ctx.Err() != nil {
		result.Release()
		result = &Result{
			Kind:  ResultCancelled,
			Key:   result.Key,
			Frame: result.Frame,
			Err:   types.NewCanceledError("render " + result.Key),
		}
		loader.reporter.Cancelled(result.Key)
	}

	switch result.Kind {
	case ResultSuccess:
		consumer.OnSuccess(result.Key, result.Frame, result.GetImage(), result.Animation)
		result.Release()
	case ResultCancelled:
		consumer.OnCancelled(result.Key)
	default:
		consumer.OnFailure(result.Key, result.Err)
	}

	return result
}

// Enqueue schedules req for target on the coordinator. A newer request for the same
// target supersedes this one.
func (loader *Loader) Enqueue(target string, req *Request, consumer RenderConsumer) (*work.Task, error) {
	if loader.coordinator == nil {
		return nil, xerrors.Errorf("loader has no work coordinator")
	}

	return loader.coordinator.Submit(target, func(ctx context.Context) error {
		result := loader.LoadAndRender(ctx, req, consumer)
		switch result.Kind {
		case ResultSuccess:
			return nil
		case ResultCancelled:
			return types.NewCanceledError("load " + req.Key)
		default:
			return result.Err
		}
	})
}
