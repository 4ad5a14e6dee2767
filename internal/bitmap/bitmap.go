// Package bitmap converts raw RGB pixel buffers to and from the Windows BMP
// byte stream that X11 and Wayland peers exchange as image/bmp.
//
// Encoding always produces a 24-bit uncompressed bitmap with rows padded to a
// 4-byte boundary. Decoding accepts 24 and 32-bit uncompressed bitmaps in
// either row order and never trusts the declared dimensions further than the
// bytes actually present.
package bitmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrCodec is wrapped by every decode or encode failure.
var ErrCodec = errors.New("bitmap codec")

const (
	fileHeaderSize = 14
	infoHeaderSize = 40
	headerSize     = fileHeaderSize + infoHeaderSize

	biRGB       = 0
	biBitfields = 3

	// maxPixelBytes bounds the decoded RGB buffer so a peer cannot make us
	// allocate more than this through a forged header.
	maxPixelBytes = 1 << 30
)

// Origin selects the row order written by Encode.
type Origin int

const (
	// BottomUp writes the last image row first, the form most readers expect.
	BottomUp Origin = iota
	// TopDown writes the first image row first, signalled by a negative height.
	TopDown
)

// Codec encodes with a fixed row order. The zero value is bottom-up.
type Codec struct {
	Origin Origin
}

// Default is the codec used by the package-level functions.
var Default = Codec{Origin: BottomUp}

// Encode encodes rgb with Default.
func Encode(rgb []byte, w, h uint32) ([]byte, error) { return Default.Encode(rgb, w, h) }

// Decode decodes b with Default.
func Decode(b []byte) ([]byte, uint32, uint32, error) { return Default.Decode(b) }

func stride(w uint64, bytesPerPixel uint64) uint64 {
	return (w*bytesPerPixel + 3) &^ 3
}

// Encode produces a self-contained BMP stream for a w×h image given as tightly
// packed RGB triples, top row first.
func (c Codec) Encode(rgb []byte, w, h uint32) ([]byte, error) {
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("%w: empty image %dx%d", ErrCodec, w, h)
	}
	if w > math.MaxInt32 || h > math.MaxInt32 {
		return nil, fmt.Errorf("%w: image %dx%d too large", ErrCodec, w, h)
	}
	pixels := uint64(w) * uint64(h) * 3
	if pixels > maxPixelBytes {
		return nil, fmt.Errorf("%w: image %dx%d too large", ErrCodec, w, h)
	}
	if uint64(len(rgb)) != pixels {
		return nil, fmt.Errorf("%w: have %d bytes for %dx%d RGB", ErrCodec, len(rgb), w, h)
	}

	rowLen := uint64(w) * 3
	st := stride(uint64(w), 3)
	size := headerSize + st*uint64(h)
	out := make([]byte, size)

	out[0], out[1] = 'B', 'M'
	binary.LittleEndian.PutUint32(out[2:], uint32(size))
	binary.LittleEndian.PutUint32(out[10:], headerSize)

	info := out[fileHeaderSize:]
	binary.LittleEndian.PutUint32(info[0:], infoHeaderSize)
	binary.LittleEndian.PutUint32(info[4:], w)
	height := int32(h)
	if c.Origin == TopDown {
		height = -height
	}
	binary.LittleEndian.PutUint32(info[8:], uint32(height))
	binary.LittleEndian.PutUint16(info[12:], 1)
	binary.LittleEndian.PutUint16(info[14:], 24)
	binary.LittleEndian.PutUint32(info[16:], biRGB)
	binary.LittleEndian.PutUint32(info[20:], uint32(st*uint64(h)))
	binary.LittleEndian.PutUint32(info[24:], 2835) // 72 dpi
	binary.LittleEndian.PutUint32(info[28:], 2835)

	data := out[headerSize:]
	for y := uint64(0); y < uint64(h); y++ {
		src := rgb[y*rowLen : (y+1)*rowLen]
		row := y
		if c.Origin == BottomUp {
			row = uint64(h) - 1 - y
		}
		dst := data[row*st : row*st+rowLen]
		for x := uint64(0); x < rowLen; x += 3 {
			dst[x], dst[x+1], dst[x+2] = src[x+2], src[x+1], src[x]
		}
	}
	return out, nil
}

// Decode parses a BMP stream into packed RGB triples, top row first. The row
// order of the input is taken from the stream itself, not from c.
func (c Codec) Decode(b []byte) ([]byte, uint32, uint32, error) {
	if len(b) < fileHeaderSize+4 {
		return nil, 0, 0, fmt.Errorf("%w: %d bytes is shorter than a header", ErrCodec, len(b))
	}
	if b[0] != 'B' || b[1] != 'M' {
		return nil, 0, 0, fmt.Errorf("%w: bad signature %q", ErrCodec, b[:2])
	}
	offset := uint64(binary.LittleEndian.Uint32(b[10:]))
	infoSize := uint64(binary.LittleEndian.Uint32(b[14:]))
	if infoSize < infoHeaderSize {
		return nil, 0, 0, fmt.Errorf("%w: unsupported info header size %d", ErrCodec, infoSize)
	}
	if uint64(len(b)) < fileHeaderSize+infoSize {
		return nil, 0, 0, fmt.Errorf("%w: truncated info header", ErrCodec)
	}
	info := b[fileHeaderSize:]

	width := int32(binary.LittleEndian.Uint32(info[4:]))
	height := int32(binary.LittleEndian.Uint32(info[8:]))
	planes := binary.LittleEndian.Uint16(info[12:])
	bpp := binary.LittleEndian.Uint16(info[14:])
	compression := binary.LittleEndian.Uint32(info[16:])

	if width <= 0 || height == 0 || height == math.MinInt32 {
		return nil, 0, 0, fmt.Errorf("%w: bad dimensions %dx%d", ErrCodec, width, height)
	}
	if planes != 1 {
		return nil, 0, 0, fmt.Errorf("%w: %d planes", ErrCodec, planes)
	}
	if bpp != 24 && bpp != 32 {
		return nil, 0, 0, fmt.Errorf("%w: unsupported depth %d", ErrCodec, bpp)
	}
	headerEnd := fileHeaderSize + infoSize
	switch compression {
	case biRGB:
	case biBitfields:
		if bpp != 32 {
			return nil, 0, 0, fmt.Errorf("%w: bitfields at depth %d", ErrCodec, bpp)
		}
		if infoSize == infoHeaderSize {
			headerEnd += 12
		}
		if uint64(len(b)) < fileHeaderSize+infoHeaderSize+12 {
			return nil, 0, 0, fmt.Errorf("%w: truncated colour masks", ErrCodec)
		}
		masks := b[fileHeaderSize+infoHeaderSize:]
		if binary.LittleEndian.Uint32(masks[0:]) != 0x00ff0000 ||
			binary.LittleEndian.Uint32(masks[4:]) != 0x0000ff00 ||
			binary.LittleEndian.Uint32(masks[8:]) != 0x000000ff {
			return nil, 0, 0, fmt.Errorf("%w: unsupported colour masks", ErrCodec)
		}
	default:
		return nil, 0, 0, fmt.Errorf("%w: unsupported compression %d", ErrCodec, compression)
	}

	topDown := height < 0
	h := uint64(height)
	if topDown {
		h = uint64(-int64(height))
	}
	w := uint64(width)
	if w*h*3 > maxPixelBytes {
		return nil, 0, 0, fmt.Errorf("%w: image %dx%d too large", ErrCodec, w, h)
	}
	if offset < headerEnd || offset > uint64(len(b)) {
		return nil, 0, 0, fmt.Errorf("%w: pixel offset %d out of range", ErrCodec, offset)
	}

	bytesPerPixel := uint64(bpp / 8)
	st := stride(w, bytesPerPixel)
	rowLen := w * bytesPerPixel
	data := b[offset:]

	// Clamp to the rows that are really there; the last row may omit padding.
	avail := uint64(len(data))
	rows := avail / st
	if rows < h && avail-rows*st >= rowLen {
		rows++
	}
	if rows < h {
		return nil, 0, 0, fmt.Errorf("%w: %d of %d rows present", ErrCodec, rows, h)
	}

	out := make([]byte, w*h*3)
	for y := uint64(0); y < h; y++ {
		srcRow := y
		if !topDown {
			srcRow = h - 1 - y
		}
		src := data[srcRow*st : srcRow*st+rowLen]
		dst := out[y*w*3 : (y+1)*w*3]
		for x := uint64(0); x < w; x++ {
			p := src[x*bytesPerPixel:]
			dst[x*3], dst[x*3+1], dst[x*3+2] = p[2], p[1], p[0]
		}
	}
	return out, uint32(w), uint32(h), nil
}
