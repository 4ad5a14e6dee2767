package bitmap

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image/color"
	"testing"

	assert "github.com/stretchr/testify/assert"
	require "github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
)

func gradient(w, h uint32) []byte {
	out := make([]byte, 0, w*h*3)
	for y := uint32(0); y < h; y++ {
		for x := uint32(0); x < w; x++ {
			out = append(out, byte(x*17), byte(y*29), byte(x+y))
		}
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	sizes := [][2]uint32{{1, 1}, {2, 3}, {3, 2}, {5, 7}, {64, 1}, {1, 64}}
	for _, origin := range []Origin{BottomUp, TopDown} {
		c := Codec{Origin: origin}
		for _, sz := range sizes {
			rgb := gradient(sz[0], sz[1])
			enc, err := c.Encode(rgb, sz[0], sz[1])
			require.NoError(t, err)

			got, w, h, err := c.Decode(enc)
			require.NoError(t, err)
			assert.Equal(t, sz[0], w)
			assert.Equal(t, sz[1], h)
			assert.Equal(t, rgb, got, "origin %d size %v", origin, sz)
		}
	}
}

func TestEncode_RowsPadded(t *testing.T) {
	// 3 px * 3 bytes = 9, padded to 12.
	enc, err := Encode(gradient(3, 2), 3, 2)
	require.NoError(t, err)
	assert.Len(t, enc, headerSize+12*2)
}

func TestEncode_ReadableByReferenceDecoder(t *testing.T) {
	rgb := gradient(5, 4)
	for _, origin := range []Origin{BottomUp, TopDown} {
		enc, err := Codec{Origin: origin}.Encode(rgb, 5, 4)
		require.NoError(t, err)

		img, err := bmp.Decode(bytes.NewReader(enc))
		require.NoError(t, err)
		require.Equal(t, 5, img.Bounds().Dx())
		require.Equal(t, 4, img.Bounds().Dy())

		c := color.RGBAModel.Convert(img.At(2, 3)).(color.RGBA)
		i := (3*5 + 2) * 3
		assert.Equal(t, [3]byte{rgb[i], rgb[i+1], rgb[i+2]}, [3]byte{c.R, c.G, c.B})
	}
}

func TestEncode_RejectsBadInput(t *testing.T) {
	_, err := Encode(make([]byte, 5), 2, 1)
	assert.ErrorIs(t, err, ErrCodec)

	_, err = Encode(nil, 0, 4)
	assert.ErrorIs(t, err, ErrCodec)
}

func TestDecode_ShortHeader(t *testing.T) {
	_, _, _, err := Decode([]byte("BM"))
	assert.ErrorIs(t, err, ErrCodec)

	enc, err := Encode(gradient(2, 2), 2, 2)
	require.NoError(t, err)
	_, _, _, err = Decode(enc[:headerSize-1])
	assert.ErrorIs(t, err, ErrCodec)
}

func TestDecode_LyingHeightFailsInsteadOfOverreading(t *testing.T) {
	enc, err := Encode(gradient(4, 2), 4, 2)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(enc[fileHeaderSize+8:], 5000)

	_, _, _, err = Decode(enc)
	assert.ErrorIs(t, err, ErrCodec)
}

func TestDecode_HugeDimensions(t *testing.T) {
	enc, err := Encode(gradient(1, 1), 1, 1)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(enc[fileHeaderSize+4:], 0x7fffffff)
	binary.LittleEndian.PutUint32(enc[fileHeaderSize+8:], 0x7fffffff)

	_, _, _, err = Decode(enc)
	assert.ErrorIs(t, err, ErrCodec)
}

func TestDecode_LastRowWithoutPadding(t *testing.T) {
	rgb := gradient(3, 2)
	enc, err := Codec{Origin: TopDown}.Encode(rgb, 3, 2)
	require.NoError(t, err)

	got, _, _, err := Decode(enc[:len(enc)-3])
	require.NoError(t, err)
	assert.Equal(t, rgb, got)
}

func TestDecode_32Bit(t *testing.T) {
	// 2x1 bottom-up BI_RGB, BGRX pixels.
	b := make([]byte, headerSize+8)
	b[0], b[1] = 'B', 'M'
	binary.LittleEndian.PutUint32(b[10:], headerSize)
	info := b[fileHeaderSize:]
	binary.LittleEndian.PutUint32(info[0:], infoHeaderSize)
	binary.LittleEndian.PutUint32(info[4:], 2)
	binary.LittleEndian.PutUint32(info[8:], 1)
	binary.LittleEndian.PutUint16(info[12:], 1)
	binary.LittleEndian.PutUint16(info[14:], 32)
	copy(b[headerSize:], []byte{3, 2, 1, 0, 6, 5, 4, 0})

	got, w, h, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), w)
	assert.Equal(t, uint32(1), h)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, got)
}

func TestDecode_UnsupportedCompression(t *testing.T) {
	enc, err := Encode(gradient(1, 1), 1, 1)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(enc[fileHeaderSize+16:], 1) // BI_RLE8

	_, _, _, err = Decode(enc)
	assert.ErrorIs(t, err, ErrCodec)
}

func TestConvert_BMPToPNGAndBack(t *testing.T) {
	rgb := gradient(6, 3)
	enc, err := Encode(rgb, 6, 3)
	require.NoError(t, err)

	pngData, err := Convert(enc, false, true)
	require.NoError(t, err)
	got, w, h, err := DecodePNG(pngData)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), w)
	assert.Equal(t, uint32(3), h)
	assert.Equal(t, rgb, got)

	back, err := Convert(pngData, true, false)
	require.NoError(t, err)
	assert.Equal(t, enc, back)
}

func TestDecodePNG_Garbage(t *testing.T) {
	_, _, _, err := DecodePNG([]byte("not a png"))
	assert.ErrorIs(t, err, ErrCodec)
}

func TestDecodePNG_HugeDimensions(t *testing.T) {
	small, err := EncodePNG(gradient(2, 2), 2, 2)
	require.NoError(t, err)

	// IHDR follows the 8-byte signature: length, type, 13 bytes of data, CRC.
	forged := bytes.Clone(small)
	ihdr := forged[8+8 : 8+8+13]
	binary.BigEndian.PutUint32(ihdr[0:], 1<<16)
	binary.BigEndian.PutUint32(ihdr[4:], 1<<16)
	binary.BigEndian.PutUint32(forged[8+8+13:], crc32.ChecksumIEEE(forged[8+4:8+8+13]))

	_, _, _, err = DecodePNG(forged)
	require.ErrorIs(t, err, ErrCodec)
	assert.Contains(t, err.Error(), "too large")
}
