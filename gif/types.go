package gif

import (
	"image"
	"image/color"
	"time"
)

// Disposal tells how the canvas is prepared after a frame is displayed
type Disposal uint8

const (
	// DisposalUnspecified means the encoder did not say; treated like DisposalDoNotDispose
	DisposalUnspecified Disposal = 0
	// DisposalDoNotDispose leaves the frame in place
	DisposalDoNotDispose Disposal = 1
	// DisposalRestoreToBackground clears the frame rectangle
	DisposalRestoreToBackground Disposal = 2
	// DisposalRestoreToPrevious restores the frame rectangle to what it was before the frame was drawn
	DisposalRestoreToPrevious Disposal = 3
)

// String returns a readable name of the disposal method
func (disposal Disposal) String() string {
	switch disposal {
	case DisposalUnspecified:
		return "unspecified"
	case DisposalDoNotDispose:
		return "none"
	case DisposalRestoreToBackground:
		return "background"
	case DisposalRestoreToPrevious:
		return "previous"
	default:
		return "unknown"
	}
}

const (
	// delays below minDelayCentiseconds are replaced by defaultDelayCentiseconds, as browsers do
	minDelayCentiseconds     = 2
	defaultDelayCentiseconds = 10
)

// normalizeDelay converts a raw delay in centiseconds to a duration
func normalizeDelay(centiseconds uint16) time.Duration {
	if centiseconds < minDelayCentiseconds {
		centiseconds = defaultDelayCentiseconds
	}
	return time.Duration(centiseconds) * 10 * time.Millisecond
}

// Header contains the header, logical screen descriptor, global color table and loop count of a GIF
type Header struct {
	Version          string        // e.g. "GIF89a"
	Width            int           // logical screen width
	Height           int           // logical screen height
	GlobalColorTable color.Palette // nil if absent
	BackgroundIndex  uint8
	PixelAspectRatio uint8

	// -1 when no NETSCAPE2.0 extension is present (play once), 0 loops forever,
	// N > 0 plays N+1 times
	LoopCount int
}

// PlayCount returns how many times the animation is played, 0 for forever
func (header *Header) PlayCount() int {
	switch {
	case header.LoopCount < 0:
		return 1
	case header.LoopCount == 0:
		return 0
	default:
		return header.LoopCount + 1
	}
}

// BackgroundColor returns the background color from the global color table.
// Transparent black is returned when there is no usable background entry.
func (header *Header) BackgroundColor() color.RGBA {
	if int(header.BackgroundIndex) < len(header.GlobalColorTable) {
		if c, ok := header.GlobalColorTable[header.BackgroundIndex].(color.RGBA); ok {
			return c
		}
	}
	return color.RGBA{}
}

// Frame describes one image of a GIF. Pixel data is not held; it is decoded on demand from DataOffset.
type Frame struct {
	Index            int
	Rect             image.Rectangle // relative to the logical screen
	LocalColorTable  color.Palette   // nil if absent
	Interlaced       bool
	Transparent      bool
	TransparentIndex uint8
	Disposal         Disposal
	Delay            time.Duration

	// offset of the LZW minimum code size byte in the source stream
	DataOffset int64
}

// ColorTable returns the active color table of the frame
func (frame *Frame) ColorTable(header *Header) color.Palette {
	if len(frame.LocalColorTable) > 0 {
		return frame.LocalColorTable
	}
	return header.GlobalColorTable
}

func newDefaultFrame() *Frame {
	return &Frame{
		Disposal: DisposalDoNotDispose,
		Delay:    normalizeDelay(0),
	}
}
