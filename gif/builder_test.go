package gif

import (
	"bytes"
	"compress/lzw"
	"image"
	"image/color"
)

// testFrame describes one frame written by testGIF
type testFrame struct {
	rect       image.Rectangle
	indices    []byte // image row order; may be shorter than rect to simulate truncated data
	local      color.Palette
	interlaced bool

	gce              bool
	disposal         Disposal
	transparent      bool
	transparentIndex uint8
	delay            uint16 // centiseconds
}

// testGIF synthesizes GIF files for tests
type testGIF struct {
	width      int
	height     int
	global     color.Palette
	background uint8
	loopCount  int // < 0 omits the NETSCAPE2.0 extension
	comment    bool
	frames     []testFrame
	noTrailer  bool
}

func writeUint16(buf *bytes.Buffer, v int) {
	buf.WriteByte(uint8(v))
	buf.WriteByte(uint8(v >> 8))
}

// tableBits returns the 3-bit size field for a palette of n colors
func tableBits(n int) int {
	bits := 0
	for (1 << (bits + 1)) < n {
		bits++
	}
	return bits
}

func writeColorTable(buf *bytes.Buffer, palette color.Palette) {
	size := 1 << (tableBits(len(palette)) + 1)
	for i := 0; i < size; i++ {
		if i < len(palette) {
			c := color.RGBAModel.Convert(palette[i]).(color.RGBA)
			buf.Write([]byte{c.R, c.G, c.B})
		} else {
			buf.Write([]byte{0, 0, 0})
		}
	}
}

// writeBlocks splits data into length-prefixed sub-blocks followed by the terminator
func writeBlocks(buf *bytes.Buffer, data []byte) {
	for len(data) > 0 {
		n := min(len(data), 255)
		buf.WriteByte(uint8(n))
		buf.Write(data[:n])
		data = data[n:]
	}
	buf.WriteByte(0)
}

func encodeIndices(litWidth int, indices []byte) []byte {
	compressed := &bytes.Buffer{}
	writer := lzw.NewWriter(compressed, lzw.LSB, litWidth)
	writer.Write(indices)
	writer.Close()
	return compressed.Bytes()
}

func (g *testGIF) bytes() []byte {
	buf := &bytes.Buffer{}
	buf.WriteString("GIF89a")
	writeUint16(buf, g.width)
	writeUint16(buf, g.height)

	packed := uint8(0)
	if len(g.global) > 0 {
		packed = fColorTableFollows | uint8(tableBits(len(g.global)))
	}
	buf.WriteByte(packed)
	buf.WriteByte(g.background)
	buf.WriteByte(0)
	if len(g.global) > 0 {
		writeColorTable(buf, g.global)
	}

	if g.loopCount >= 0 {
		buf.Write([]byte{sExtension, eApplication, 11})
		buf.WriteString("NETSCAPE2.0")
		buf.Write([]byte{3, 1})
		writeUint16(buf, g.loopCount)
		buf.WriteByte(0)
	}

	if g.comment {
		buf.Write([]byte{sExtension, eComment})
		writeBlocks(buf, []byte("synthesized for tests"))
	}

	for _, frame := range g.frames {
		if frame.gce {
			flags := uint8(frame.disposal) << 2
			if frame.transparent {
				flags |= gcTransparentColorSet
			}
			buf.Write([]byte{sExtension, eGraphicControl, 4, flags})
			writeUint16(buf, int(frame.delay))
			buf.Write([]byte{frame.transparentIndex, 0})
		}

		buf.WriteByte(sImageDescriptor)
		writeUint16(buf, frame.rect.Min.X)
		writeUint16(buf, frame.rect.Min.Y)
		writeUint16(buf, frame.rect.Dx())
		writeUint16(buf, frame.rect.Dy())

		packed := uint8(0)
		palette := g.global
		if len(frame.local) > 0 {
			packed |= ifLocalColorTable | uint8(tableBits(len(frame.local)))
			palette = frame.local
		}
		if frame.interlaced {
			packed |= ifInterlace
		}
		buf.WriteByte(packed)
		if len(frame.local) > 0 {
			writeColorTable(buf, frame.local)
		}

		indices := frame.indices
		if frame.interlaced {
			width := frame.rect.Dx()
			indices = make([]byte, 0, len(frame.indices))
			for _, y := range interlacedRows(frame.rect.Dy()) {
				indices = append(indices, frame.indices[y*width:(y+1)*width]...)
			}
		}

		litWidth := max(tableBits(len(palette))+1, 2)
		buf.WriteByte(uint8(litWidth))
		writeBlocks(buf, encodeIndices(litWidth, indices))
	}

	if !g.noTrailer {
		buf.WriteByte(sTrailer)
	}
	return buf.Bytes()
}

// fill returns w*h indices of value v
func fill(w int, h int, v byte) []byte {
	return bytes.Repeat([]byte{v}, w*h)
}

var (
	black = color.RGBA{0, 0, 0, 0xFF}
	red   = color.RGBA{0xFF, 0, 0, 0xFF}
	green = color.RGBA{0, 0xFF, 0, 0xFF}
	blue  = color.RGBA{0, 0, 0xFF, 0xFF}
	white = color.RGBA{0xFF, 0xFF, 0xFF, 0xFF}
)
