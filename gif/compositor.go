package gif

import (
	"image"
	"image/color"

	"github.com/cyverse/imagecache/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// interlaceScan defines the ordering for a pass of the interlace algorithm.
type interlaceScan struct {
	skip, start int
}

// interlacing represents the set of scans in an interlaced GIF image.
var interlacing = []interlaceScan{
	{8, 0}, // Group 1 : Every 8th. row, starting with row 0.
	{8, 4}, // Group 2 : Every 8th. row, starting with row 4.
	{4, 2}, // Group 3 : Every 4th. row, starting with row 2.
	{2, 1}, // Group 4 : Every 2nd. row, starting with row 1.
}

// interlacedRows maps each row of stream order to its row in the image
func interlacedRows(height int) []int {
	rows := make([]int, 0, height)
	for _, pass := range interlacing {
		for y := pass.start; y < height; y += pass.skip {
			rows = append(rows, y)
		}
	}
	return rows
}

// CompositorOptions controls the output of a Compositor
type CompositorOptions struct {
	// downsample when both are > 0 and smaller than the logical screen
	TargetWidth  int
	TargetHeight int
	// box-average when downsampling instead of picking one pixel per block.
	// Streams with interlaced frames always use box-averaging.
	Quality bool
}

// Compositor produces full RGBA frames of a GIF stream, applying disposal methods
// between frames. Frames are composited strictly in order; going backward replays
// from frame 0. A Compositor is not safe for concurrent use.
type Compositor struct {
	stream *Stream
	opts   CompositorOptions
	bounds image.Rectangle
	sample int

	canvas   *image.RGBA
	previous *image.RGBA // pre-draw snapshot for frames disposed to previous, nil if no frame needs it
	current  int         // last composited frame, -1 before the first
}

// NewCompositor creates a new Compositor over a parsed stream
func NewCompositor(stream *Stream, opts CompositorOptions) (*Compositor, error) {
	if len(stream.Frames) == 0 {
		return nil, types.NewFormatError(-1, "gif has no frames")
	}

	bounds := image.Rect(0, 0, stream.Header.Width, stream.Header.Height)

	compositor := &Compositor{
		stream:  stream,
		opts:    opts,
		bounds:  bounds,
		sample:  SampleSize(bounds.Dx(), bounds.Dy(), opts.TargetWidth, opts.TargetHeight),
		canvas:  image.NewRGBA(bounds),
		current: -1,
	}

	for _, frame := range stream.Frames {
		if frame.Disposal == DisposalRestoreToPrevious {
			compositor.previous = image.NewRGBA(bounds)
		}
		if frame.Interlaced {
			compositor.opts.Quality = true
		}
	}

	return compositor, nil
}

// GetFrameCount returns the number of frames
func (compositor *Compositor) GetFrameCount() int {
	return len(compositor.stream.Frames)
}

// GetCurrentFrame returns the index of the last composited frame, -1 if none
func (compositor *Compositor) GetCurrentFrame() int {
	return compositor.current
}

// GetSampleSize returns the downsampling stride applied to output frames
func (compositor *Compositor) GetSampleSize() int {
	return compositor.sample
}

// Reset drops the compositing state so the next frame is composited from frame 0
func (compositor *Compositor) Reset() {
	clear(compositor.canvas.Pix)
	if compositor.previous != nil {
		clear(compositor.previous.Pix)
	}
	compositor.current = -1
}

// Frame returns the composited image of frame index, wrapping modulo the frame count.
// The returned image is a copy owned by the caller.
func (compositor *Compositor) Frame(index int) (*image.RGBA, error) {
	logger := log.WithFields(log.Fields{
		"package":  "gif",
		"struct":   "Compositor",
		"function": "Frame",
	})

	count := len(compositor.stream.Frames)
	target := ((index % count) + count) % count

	if target < compositor.current {
		logger.Debugf("replaying from frame 0 to reach frame %d", target)
		compositor.Reset()
	}

	for i := compositor.current + 1; i <= target; i++ {
		if err := compositor.advance(i); err != nil {
			compositor.Reset()
			return nil, err
		}
	}

	return Downsample(compositor.canvas, compositor.sample, compositor.opts.Quality), nil
}

// advance disposes the current frame and draws frame i over the canvas
func (compositor *Compositor) advance(i int) error {
	if compositor.current >= 0 {
		compositor.dispose(compositor.stream.Frames[compositor.current])
	}

	frame := compositor.stream.Frames[i]
	if compositor.previous != nil && frame.Disposal == DisposalRestoreToPrevious {
		copy(compositor.previous.Pix, compositor.canvas.Pix)
	}

	if err := compositor.draw(frame); err != nil {
		return err
	}

	compositor.current = i
	return nil
}

func (compositor *Compositor) dispose(frame *Frame) {
	rect := frame.Rect.Intersect(compositor.bounds)
	if rect.Empty() {
		return
	}

	switch frame.Disposal {
	case DisposalRestoreToBackground:
		fill := color.RGBA{}
		if !frame.Transparent {
			fill = compositor.stream.Header.BackgroundColor()
		}
		fillRect(compositor.canvas, rect, fill)
	case DisposalRestoreToPrevious:
		copyRect(compositor.canvas, compositor.previous, rect)
	}
}

func (compositor *Compositor) draw(frame *Frame) error {
	logger := log.WithFields(log.Fields{
		"package":  "gif",
		"struct":   "Compositor",
		"function": "draw",
	})

	palette := frame.ColorTable(compositor.stream.Header)
	if len(palette) == 0 {
		return types.NewFormatError(frame.DataOffset, "frame %d has no color table", frame.Index)
	}

	indices, err := compositor.stream.ReadFrameIndices(frame)
	if indices == nil {
		return xerrors.Errorf("failed to read frame %d: %w", frame.Index, err)
	}
	if err != nil {
		// corrupt pixel data degrades to a zero-filled remainder
		logger.WithError(err).Warnf("frame %d is damaged", frame.Index)
	}

	width := frame.Rect.Dx()
	height := frame.Rect.Dy()

	var rows []int
	if frame.Interlaced {
		rows = interlacedRows(height)
	}

	canvas := compositor.canvas
	for row := 0; row < height; row++ {
		y := row
		if rows != nil {
			y = rows[row]
		}
		y += frame.Rect.Min.Y
		if y < compositor.bounds.Min.Y || y >= compositor.bounds.Max.Y {
			continue
		}

		src := indices[row*width : (row+1)*width]
		for x, index := range src {
			if frame.Transparent && index == frame.TransparentIndex {
				continue
			}
			if int(index) >= len(palette) {
				continue
			}

			px := x + frame.Rect.Min.X
			if px < compositor.bounds.Min.X || px >= compositor.bounds.Max.X {
				continue
			}

			r, g, b, a := palette[index].RGBA()
			offset := canvas.PixOffset(px, y)
			canvas.Pix[offset+0] = uint8(r >> 8)
			canvas.Pix[offset+1] = uint8(g >> 8)
			canvas.Pix[offset+2] = uint8(b >> 8)
			canvas.Pix[offset+3] = uint8(a >> 8)
		}
	}

	return nil
}

func fillRect(img *image.RGBA, rect image.Rectangle, c color.RGBA) {
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		offset := img.PixOffset(rect.Min.X, y)
		for x := rect.Min.X; x < rect.Max.X; x++ {
			img.Pix[offset+0] = c.R
			img.Pix[offset+1] = c.G
			img.Pix[offset+2] = c.B
			img.Pix[offset+3] = c.A
			offset += 4
		}
	}
}

func copyRect(dst *image.RGBA, src *image.RGBA, rect image.Rectangle) {
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		start := dst.PixOffset(rect.Min.X, y)
		end := dst.PixOffset(rect.Max.X, y)
		copy(dst.Pix[start:end], src.Pix[start:end])
	}
}
