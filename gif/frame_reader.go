package gif

import (
	"bufio"
	"compress/lzw"
	"io"

	"github.com/cyverse/imagecache/types"
	"golang.org/x/xerrors"
)

// byteReader is what the frame data decoder reads from
type byteReader interface {
	io.Reader
	io.ByteReader
}

// blockReader parses the block structure of GIF image data, which
// comprises (n, (n bytes)) blocks, with 1 <= n <= 255. It is the
// reader given to the LZW decoder, which is thus immune to the
// blocking.
type blockReader struct {
	r     byteReader
	slice []byte
	err   error
	tmp   [256]byte
}

func (b *blockReader) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if len(b.slice) == 0 {
		var blockLen uint8
		blockLen, b.err = b.r.ReadByte()
		if b.err != nil {
			return 0, b.err
		}
		if blockLen == 0 {
			b.err = io.EOF
			return 0, b.err
		}
		b.slice = b.tmp[0:blockLen]
		if _, b.err = io.ReadFull(b.r, b.slice); b.err != nil {
			return 0, b.err
		}
	}
	n := copy(p, b.slice)
	b.slice = b.slice[n:]
	return n, nil
}

// ReadFrameIndices decodes the LZW data of frame into palette indices, one
// byte per pixel in stream row order (interlaced rows are not reordered).
// On corrupt or short LZW data the decoded prefix is kept, the remaining
// indices are zero and a FormatError is returned along with the indices.
// A nil slice is returned only when the source cannot be read at all.
func (stream *Stream) ReadFrameIndices(frame *Frame) ([]byte, error) {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()

	if _, err := stream.reader.Seek(frame.DataOffset, io.SeekStart); err != nil {
		return nil, xerrors.Errorf("failed to seek to frame %d data at %d: %w", frame.Index, frame.DataOffset, err)
	}

	indices := make([]byte, frame.Rect.Dx()*frame.Rect.Dy())
	err := decodeFrameData(bufio.NewReader(stream.reader), indices)
	if err != nil {
		return indices, xerrors.Errorf("failed to decode frame %d: %w", frame.Index, err)
	}
	return indices, nil
}

// decodeFrameData reads the LZW minimum code size and the LZW sub-blocks that follow into indices
func decodeFrameData(r byteReader, indices []byte) error {
	litWidth, err := r.ReadByte()
	if err != nil {
		return types.NewFormatError(-1, "failed to read lzw minimum code size: %v", err)
	}

	if litWidth < 2 || litWidth > 8 {
		return types.NewFormatError(-1, "lzw minimum code size %d out of range", litWidth)
	}

	br := &blockReader{r: r}
	lzwr := lzw.NewReader(br, lzw.LSB, int(litWidth))
	defer lzwr.Close()

	n, err := io.ReadFull(lzwr, indices)
	if err != nil {
		// keep what was decoded, zero the rest
		for i := n; i < len(indices); i++ {
			indices[i] = 0
		}
		return types.NewFormatError(-1, "lzw data ended after %d of %d pixels: %v", n, len(indices), err)
	}

	// data beyond the frame rectangle is ignored, as browsers do
	return nil
}
