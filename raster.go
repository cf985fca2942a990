package imagecheck

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// maxPixels guards against decompression bombs; larger images are rejected
// before any pixel buffer is allocated.
const maxPixels = 64 << 20

// ErrCannotOpenImage is returned when the input bytes do not decode into a
// non-empty raster.
var ErrCannotOpenImage = errors.New("cannot open image")

// Image is a decoded, fully opaque raster. The RGB and BGR views share the
// same pixel buffer and differ only in channel order. An Image is immutable
// after decoding and safe for concurrent readers.
type Image struct {
	rgba   *image.RGBA // alpha forced to 0xff, bounds start at (0,0)
	gray   []uint8     // BT.601 luma, row-major
	format string
	raw    []byte
}

// DecodeImage decodes JPEG, PNG, GIF or WebP bytes. Transparency is dropped,
// not composited, the way a plain RGB conversion does it.
func DecodeImage(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, ErrCannotOpenImage
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCannotOpenImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > maxPixels {
		return nil, fmt.Errorf("%w: unsupported dimensions %dx%d", ErrCannotOpenImage, cfg.Width, cfg.Height)
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCannotOpenImage, err)
	}

	img := FromImage(src)
	if img == nil {
		return nil, ErrCannotOpenImage
	}
	img.format = format
	img.raw = data
	return img, nil
}

// FromImage wraps an already decoded image. Returns nil for an empty image.
func FromImage(src image.Image) *Image {
	if src == nil {
		return nil
	}
	b := src.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil
	}

	// Draw into NRGBA first so that partially transparent pixels keep their
	// straight color, then force full opacity.
	n := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(n, n.Bounds(), src, b.Min, draw.Src)
	for i := 3; i < len(n.Pix); i += 4 {
		n.Pix[i] = 0xff
	}
	rgba := &image.RGBA{Pix: n.Pix, Stride: n.Stride, Rect: n.Rect}

	return &Image{rgba: rgba, gray: luma(rgba)}
}

// luma converts to 8-bit greyscale with the ITU-R 601-2 weights
// (L = R*299/1000 + G*587/1000 + B*114/1000), rounded.
func luma(rgba *image.RGBA) []uint8 {
	w, h := rgba.Rect.Dx(), rgba.Rect.Dy()
	out := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+w*4]
		for x := 0; x < w; x++ {
			r := uint32(row[x*4])
			g := uint32(row[x*4+1])
			b := uint32(row[x*4+2])
			out[y*w+x] = uint8((r*19595 + g*38470 + b*7471 + 1<<15) >> 16)
		}
	}
	return out
}

// Width returns the image width in pixels.
func (im *Image) Width() int { return im.rgba.Rect.Dx() }

// Height returns the image height in pixels.
func (im *Image) Height() int { return im.rgba.Rect.Dy() }

// Format is the decoder name ("jpeg", "png", "gif", "webp"), empty for
// images built with FromImage.
func (im *Image) Format() string { return im.format }

// Raw returns the source bytes the image was decoded from, if any.
func (im *Image) Raw() []byte { return im.raw }

// RGBA exposes the opaque pixel grid. Callers must not modify it.
func (im *Image) RGBA() *image.RGBA { return im.rgba }

// Gray returns the luma plane, row-major, Width()*Height() bytes.
// Callers must not modify it.
func (im *Image) Gray() []uint8 { return im.gray }

// RGBAt returns the pixel at (x, y) in RGB order.
func (im *Image) RGBAt(x, y int) (r, g, b uint8) {
	i := im.rgba.PixOffset(x, y)
	p := im.rgba.Pix[i : i+3 : i+3]
	return p[0], p[1], p[2]
}

// BGRAt returns the pixel at (x, y) in BGR order.
func (im *Image) BGRAt(x, y int) (b, g, r uint8) {
	r, g, b = im.RGBAt(x, y)
	return b, g, r
}

// Crop returns the region covered by box, sharing pixels with im.
// The box must already be clamped to the image.
func (im *Image) Crop(box FaceBox) image.Image {
	return im.rgba.SubImage(box.Rect())
}
