package pipeline

import (
	"fmt"
	"image"
	"time"

	"github.com/cyverse/imagecache/cache"
)

// Request asks for one frame of an image
type Request struct {
	Key string
	// wraps modulo the frame count, ignored for still images
	Frame int

	// downsample toward this size when both are > 0
	TargetWidth  int
	TargetHeight int
	Quality      bool

	// disk cache ttl of fetched bytes, 0 for the cache default
	TTL time.Duration
}

func (req *Request) sessionKey() string {
	return fmt.Sprintf("%s@%dx%d/%t", req.Key, req.TargetWidth, req.TargetHeight, req.Quality)
}

func (req *Request) bitmapKey(frame int) string {
	return fmt.Sprintf("%s#%d@%dx%d/%t", req.Key, frame, req.TargetWidth, req.TargetHeight, req.Quality)
}

// AnimationInfo is the playback metadata of an image
type AnimationInfo struct {
	FrameCount int
	Delays     []time.Duration
	// -1 for no loop extension, 0 forever, N plays N+1 times
	LoopCount int
	// false if the image was truncated or malformed past the frames kept
	Complete bool
}

// IsAnimated returns true if there is more than one frame
func (info *AnimationInfo) IsAnimated() bool {
	return info.FrameCount > 1
}

// ResultKind tells the outcome of a load
type ResultKind string

const (
	// ResultSuccess is a load that produced a bitmap
	ResultSuccess ResultKind = "success"
	// ResultFailure is a load that failed, see Result.Err
	ResultFailure ResultKind = "failure"
	// ResultCancelled is a load abandoned by its caller
	ResultCancelled ResultKind = "cancelled"
)

// Result is the outcome of a load. A successful result holds a retained bitmap
// that the receiver gives back with Release.
type Result struct {
	Kind  ResultKind
	Key   string
	Frame int

	Bitmap    *cache.Bitmap
	Animation *AnimationInfo
	Err       error
}

func newFailure(req *Request, err error) *Result {
	return &Result{
		Kind:  ResultFailure,
		Key:   req.Key,
		Frame: req.Frame,
		Err:   err,
	}
}

func newCancelled(req *Request, err error) *Result {
	return &Result{
		Kind:  ResultCancelled,
		Key:   req.Key,
		Frame: req.Frame,
		Err:   err,
	}
}

// IsSuccess returns true for ResultSuccess
func (result *Result) IsSuccess() bool {
	return result.Kind == ResultSuccess
}

// GetImage returns the pixels of a successful result, nil otherwise
func (result *Result) GetImage() *image.RGBA {
	if result.Bitmap == nil {
		return nil
	}
	return result.Bitmap.GetImage()
}

// Release gives back the bitmap of a successful result. It is safe to call more than once.
func (result *Result) Release() {
	if result.Bitmap != nil {
		result.Bitmap.Release()
		result.Bitmap = nil
	}
}

// RenderConsumer displays loaded images. The image passed to OnSuccess is only
// valid until OnSuccess returns; consumers that keep it must copy it.
type RenderConsumer interface {
	OnSuccess(key string, frame int, img *image.RGBA, animation *AnimationInfo)
	OnFailure(key string, err error)
	OnCancelled(key string)
}
