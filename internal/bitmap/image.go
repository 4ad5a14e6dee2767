package bitmap

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
)

// ToImage wraps packed RGB triples in an opaque image.RGBA.
func ToImage(rgb []byte, w, h uint32) (*image.RGBA, error) {
	if uint64(len(rgb)) != uint64(w)*uint64(h)*3 {
		return nil, fmt.Errorf("%w: have %d bytes for %dx%d RGB", ErrCodec, len(rgb), w, h)
	}
	img := image.NewRGBA(image.Rect(0, 0, int(w), int(h)))
	for i, j := 0, 0; i < len(rgb); i, j = i+3, j+4 {
		img.Pix[j], img.Pix[j+1], img.Pix[j+2], img.Pix[j+3] = rgb[i], rgb[i+1], rgb[i+2], 0xff
	}
	return img, nil
}

// FromImage flattens img into packed RGB triples, dropping alpha.
func FromImage(img image.Image) ([]byte, uint32, uint32) {
	r := img.Bounds()
	w, h := r.Dx(), r.Dy()
	out := make([]byte, 0, w*h*3)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			out = append(out, c.R, c.G, c.B)
		}
	}
	return out, uint32(w), uint32(h)
}

// DecodePNG decodes a PNG stream into packed RGB triples. The header is
// checked against the pixel ceiling before anything is allocated.
func DecodePNG(b []byte) ([]byte, uint32, uint32, error) {
	cfg, err := png.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: png: %v", ErrCodec, err)
	}
	if uint64(cfg.Width)*uint64(cfg.Height)*3 > maxPixelBytes {
		return nil, 0, 0, fmt.Errorf("%w: image %dx%d too large", ErrCodec, cfg.Width, cfg.Height)
	}
	img, err := png.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: png: %v", ErrCodec, err)
	}
	rgb, w, h := FromImage(img)
	return rgb, w, h, nil
}

// EncodePNG encodes packed RGB triples as PNG.
func EncodePNG(rgb []byte, w, h uint32) ([]byte, error) {
	img, err := ToImage(rgb, w, h)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("%w: png: %v", ErrCodec, err)
	}
	return buf.Bytes(), nil
}

// Convert re-encodes an image payload between BMP and PNG.
func Convert(data []byte, fromPNG, toPNG bool) ([]byte, error) {
	if fromPNG == toPNG {
		return data, nil
	}
	var (
		rgb  []byte
		w, h uint32
		err  error
	)
	if fromPNG {
		rgb, w, h, err = DecodePNG(data)
	} else {
		rgb, w, h, err = Decode(data)
	}
	if err != nil {
		return nil, err
	}
	if toPNG {
		return EncodePNG(rgb, w, h)
	}
	return Encode(rgb, w, h)
}
