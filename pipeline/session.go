package pipeline

import (
	"bytes"
	"image"
	"sync"

	"github.com/cyverse/imagecache/gif"
	"golang.org/x/xerrors"
)

// decodeSession keeps a parsed GIF and its compositor so sequential frame
// requests of the same image advance incrementally
type decodeSession struct {
	stream     *gif.Stream
	compositor *gif.Compositor
	mutex      sync.Mutex // guards the stream cursor and compositor state
}

func newDecodeSession(data []byte, req *Request) (*decodeSession, error) {
	stream, err := gif.Decode(bytes.NewReader(data), gif.DecodeOptions{})
	if err != nil {
		return nil, xerrors.Errorf("failed to decode gif %s: %w", req.Key, err)
	}

	compositor, err := gif.NewCompositor(stream, gif.CompositorOptions{
		TargetWidth:  req.TargetWidth,
		TargetHeight: req.TargetHeight,
		Quality:      req.Quality,
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to make compositor for gif %s: %w", req.Key, err)
	}

	return &decodeSession{
		stream:     stream,
		compositor: compositor,
	}, nil
}

func (session *decodeSession) getAnimationInfo() *AnimationInfo {
	return &AnimationInfo{
		FrameCount: session.stream.FrameCount(),
		Delays:     session.stream.Delays(),
		LoopCount:  session.stream.Header.LoopCount,
		Complete:   session.stream.Complete && session.stream.Err == nil,
	}
}

// normalizeFrame wraps frame into the frame range
func (session *decodeSession) normalizeFrame(frame int) int {
	count := session.stream.FrameCount()
	return ((frame % count) + count) % count
}

func (session *decodeSession) render(frame int) (*image.RGBA, error) {
	session.mutex.Lock()
	defer session.mutex.Unlock()

	return session.compositor.Frame(frame)
}
