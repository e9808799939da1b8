package gif

import (
	"bufio"
	"image"
	"image/color"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cyverse/imagecache/types"
	"github.com/cyverse/imagecache/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Masks etc.
const (
	// Fields.
	fColorTableFollows = 1 << 7
	fColorTableSize    = 7

	// Image fields.
	ifLocalColorTable = 1 << 7
	ifInterlace       = 1 << 6
	ifColorTableSize  = 7

	// Graphic control flags.
	gcTransparentColorSet = 1 << 0
	gcDisposalMethod      = 7 << 2
)

// Section indicators.
const (
	sExtension       = 0x21
	sImageDescriptor = 0x2C
	sTrailer         = 0x3B
)

// Extensions.
const (
	eText           = 0x01 // Plain Text
	eGraphicControl = 0xF9 // Graphic Control
	eComment        = 0xFE // Comment
	eApplication    = 0xFF // Application
)

const (
	// screens and frames larger than this are rejected instead of allocated
	maxFramePixels = 1 << 26
)

var errFrameLimitReached = xerrors.New("frame limit reached")

// DecodeOptions controls parsing
type DecodeOptions struct {
	// stop after this many frames, 0 for no limit
	MaxFrames int
}

// Stream is a parsed GIF: header and frame descriptors over a seekable source.
// Frame pixel data stays in the source and is decoded on demand.
type Stream struct {
	Header *Header
	Frames []*Frame

	// Complete is true when the trailer was reached
	Complete bool
	// Err holds the error that stopped parsing early, if any. Frames parsed before it are kept.
	Err error

	reader io.ReadSeeker
	mutex  sync.Mutex // guards the reader cursor
}

// FrameCount returns the number of frames parsed
func (stream *Stream) FrameCount() int {
	return len(stream.Frames)
}

// IsAnimated returns true if there is more than one frame
func (stream *Stream) IsAnimated() bool {
	return len(stream.Frames) > 1
}

// Delays returns delays of all frames
func (stream *Stream) Delays() []time.Duration {
	delays := make([]time.Duration, len(stream.Frames))
	for i, frame := range stream.Frames {
		delays[i] = frame.Delay
	}
	return delays
}

// countingReader tracks the absolute offset of the next byte to be read
type countingReader struct {
	r      *bufio.Reader
	offset int64
}

func (reader *countingReader) Read(p []byte) (int, error) {
	n, err := reader.r.Read(p)
	reader.offset += int64(n)
	return n, err
}

func (reader *countingReader) ReadByte() (byte, error) {
	b, err := reader.r.ReadByte()
	if err == nil {
		reader.offset++
	}
	return b, err
}

// decoder parses the GIF block structure
type decoder struct {
	r       *countingReader
	opts    DecodeOptions
	pending *Frame // frame started by a graphic control extension

	// scratch space
	tmp [1024]byte // must be at least 768 so we can read color map
}

// HasSignature checks if data starts with a GIF signature
func HasSignature(data []byte) bool {
	return len(data) >= 3 && strings.EqualFold(string(data[:3]), "GIF")
}

// Decode parses the header and frame descriptors of a GIF from rs.
// It fails with FormatError only if the header cannot be parsed. A malformed or
// truncated body stops parsing and is reported through Stream.Err while frames
// parsed so far are kept. The returned stream keeps rs for decoding frame data.
func Decode(rs io.ReadSeeker, opts DecodeOptions) (*Stream, error) {
	logger := log.WithFields(log.Fields{
		"package":  "gif",
		"function": "Decode",
	})

	defer utils.StackTraceFromPanic(logger)

	start, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, xerrors.Errorf("failed to get stream position: %w", err)
	}

	d := &decoder{
		r: &countingReader{
			r:      bufio.NewReader(rs),
			offset: start,
		},
		opts: opts,
	}

	header, err := d.readHeader()
	if err != nil {
		return nil, err
	}

	stream := &Stream{
		Header: header,
		Frames: []*Frame{},
		reader: rs,
	}

	err = d.readContents(stream)
	switch {
	case err == nil:
		stream.Complete = true
	case err == errFrameLimitReached:
		logger.Debugf("stopped after %d frames", len(stream.Frames))
	default:
		logger.WithError(err).Debugf("stopped parsing after %d frames", len(stream.Frames))
		stream.Err = err
	}

	return stream, nil
}

// IsAnimated tells if the GIF in rs has more than one frame, parsing at most two frame descriptors
func IsAnimated(rs io.ReadSeeker) (bool, error) {
	stream, err := Decode(rs, DecodeOptions{MaxFrames: 2})
	if err != nil {
		return false, err
	}
	return stream.IsAnimated(), nil
}

func (d *decoder) readHeader() (*Header, error) {
	if _, err := io.ReadFull(d.r, d.tmp[:6]); err != nil {
		return nil, types.NewFormatError(d.r.offset, "failed to read signature: %v", err)
	}

	version := string(d.tmp[:6])
	if !strings.EqualFold(version[:3], "GIF") {
		return nil, types.NewFormatError(d.r.offset-6, "invalid signature %q", version)
	}

	if _, err := io.ReadFull(d.r, d.tmp[:7]); err != nil {
		return nil, types.NewFormatError(d.r.offset, "failed to read logical screen descriptor: %v", err)
	}

	header := &Header{
		Version:          version,
		Width:            int(d.tmp[0]) | int(d.tmp[1])<<8,
		Height:           int(d.tmp[2]) | int(d.tmp[3])<<8,
		BackgroundIndex:  d.tmp[5],
		PixelAspectRatio: d.tmp[6],
		LoopCount:        -1,
	}

	if header.Width <= 0 || header.Height <= 0 {
		return nil, types.NewFormatError(d.r.offset-7, "invalid logical screen size %dx%d", header.Width, header.Height)
	}

	if header.Width*header.Height > maxFramePixels {
		return nil, types.NewFormatError(d.r.offset-7, "logical screen of %dx%d is too large", header.Width, header.Height)
	}

	packed := d.tmp[4]
	if packed&fColorTableFollows != 0 {
		table, err := d.readColorTable(packed & fColorTableSize)
		if err != nil {
			return nil, err
		}
		header.GlobalColorTable = table
	}

	return header, nil
}

// readColorTable reads 2^(sizeBits+1) RGB triples
func (d *decoder) readColorTable(sizeBits byte) (color.Palette, error) {
	numColors := 1 << (int(sizeBits) + 1)
	numValues := 3 * numColors
	if _, err := io.ReadFull(d.r, d.tmp[:numValues]); err != nil {
		return nil, types.NewFormatError(d.r.offset, "short read on color table of %d colors: %v", numColors, err)
	}

	table := make(color.Palette, numColors)
	j := 0
	for i := range table {
		table[i] = color.RGBA{d.tmp[j+0], d.tmp[j+1], d.tmp[j+2], 0xFF}
		j += 3
	}
	return table, nil
}

func (d *decoder) readContents(stream *Stream) error {
	for {
		c, err := d.r.ReadByte()
		if err != nil {
			return types.NewFormatError(d.r.offset, "stream ended before trailer: %v", err)
		}

		switch c {
		case sImageDescriptor:
			if err := d.readImage(stream); err != nil {
				return err
			}

			if d.opts.MaxFrames > 0 && len(stream.Frames) >= d.opts.MaxFrames {
				return errFrameLimitReached
			}
		case sExtension:
			if err := d.readExtension(stream.Header); err != nil {
				return err
			}
		case sTrailer:
			return nil
		default:
			return types.NewFormatError(d.r.offset-1, "unknown block type 0x%02x", c)
		}
	}
}

func (d *decoder) readImage(stream *Stream) error {
	if _, err := io.ReadFull(d.r, d.tmp[:9]); err != nil {
		return types.NewFormatError(d.r.offset, "failed to read image descriptor: %v", err)
	}

	frame := d.pending
	d.pending = nil
	if frame == nil {
		frame = newDefaultFrame()
	}

	left := int(d.tmp[0]) | int(d.tmp[1])<<8
	top := int(d.tmp[2]) | int(d.tmp[3])<<8
	width := int(d.tmp[4]) | int(d.tmp[5])<<8
	height := int(d.tmp[6]) | int(d.tmp[7])<<8
	packed := d.tmp[8]

	if width*height > maxFramePixels {
		return types.NewFormatError(d.r.offset-9, "frame of %dx%d is too large", width, height)
	}

	frame.Rect = image.Rect(left, top, left+width, top+height)
	frame.Interlaced = packed&ifInterlace != 0

	if packed&ifLocalColorTable != 0 {
		table, err := d.readColorTable(packed & ifColorTableSize)
		if err != nil {
			return err
		}
		frame.LocalColorTable = table
	}

	frame.DataOffset = d.r.offset
	frame.Index = len(stream.Frames)

	// pixel data is decoded later; a frame with truncated data is kept for best-effort playback
	stream.Frames = append(stream.Frames, frame)

	if _, err := d.r.ReadByte(); err != nil {
		return types.NewFormatError(d.r.offset, "failed to read lzw minimum code size: %v", err)
	}

	return d.skipSubBlocks()
}

func (d *decoder) readExtension(header *Header) error {
	label, err := d.r.ReadByte()
	if err != nil {
		return types.NewFormatError(d.r.offset, "failed to read extension label: %v", err)
	}

	switch label {
	case eGraphicControl:
		return d.readGraphicControl()
	case eApplication:
		return d.readApplication(header)
	default:
		// eText, eComment and unknown labels carry nothing needed for display
		return d.skipSubBlocks()
	}
}

func (d *decoder) readGraphicControl() error {
	size, err := d.r.ReadByte()
	if err != nil {
		return types.NewFormatError(d.r.offset, "failed to read graphic control: %v", err)
	}

	// the size is always 4 in valid files; short blocks are zero-padded
	for i := 0; i < 4; i++ {
		d.tmp[i] = 0
	}
	if _, err := io.ReadFull(d.r, d.tmp[:size]); err != nil {
		return types.NewFormatError(d.r.offset, "failed to read graphic control: %v", err)
	}

	packed := d.tmp[0]
	frame := &Frame{
		Disposal:         Disposal((packed & gcDisposalMethod) >> 2),
		Transparent:      packed&gcTransparentColorSet != 0,
		Delay:            normalizeDelay(uint16(d.tmp[1]) | uint16(d.tmp[2])<<8),
		TransparentIndex: d.tmp[3],
	}

	if frame.Disposal > DisposalRestoreToPrevious {
		// values 4-7 are reserved
		frame.Disposal = DisposalUnspecified
	}

	d.pending = frame
	return d.skipSubBlocks()
}

func (d *decoder) readApplication(header *Header) error {
	n, err := d.readSubBlock()
	if err != nil {
		return err
	}

	identifier := string(d.tmp[:n])
	if identifier != "NETSCAPE2.0" && identifier != "ANIMEXTS1.0" {
		if n == 0 {
			return nil
		}
		return d.skipSubBlocks()
	}

	for {
		n, err := d.readSubBlock()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}

		if n >= 3 && d.tmp[0] == 1 && header.LoopCount < 0 {
			header.LoopCount = int(d.tmp[1]) | int(d.tmp[2])<<8
		}
	}
}

// readSubBlock reads one length-prefixed sub-block into tmp and returns its length
func (d *decoder) readSubBlock() (int, error) {
	n, err := d.r.ReadByte()
	if err != nil {
		return 0, types.NewFormatError(d.r.offset, "failed to read sub-block length: %v", err)
	}
	if n == 0 {
		return 0, nil
	}

	if _, err := io.ReadFull(d.r, d.tmp[:n]); err != nil {
		return 0, types.NewFormatError(d.r.offset, "failed to read sub-block of %d bytes: %v", n, err)
	}
	return int(n), nil
}

// skipSubBlocks consumes sub-blocks up to and including the zero-length terminator
func (d *decoder) skipSubBlocks() error {
	for {
		n, err := d.readSubBlock()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}
