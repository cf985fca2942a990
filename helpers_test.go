package imagecheck

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand/v2"
	"sync"
	"testing"
)

func uniformImage(w, h int, v uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = v, v, v, 0xff
	}
	return img
}

func checkerboard(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{A: 0xff}
			if (x+y)%2 == 0 {
				c = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func noiseImage(w, h int, seed uint64) *image.RGBA {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = uint8(r.IntN(256))
		img.Pix[i+1] = uint8(r.IntN(256))
		img.Pix[i+2] = uint8(r.IntN(256))
		img.Pix[i+3] = 0xff
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image, quality int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		t.Fatalf("jpeg.Encode: %v", err)
	}
	return buf.Bytes()
}

func almostEqual(a, b float64) bool {
	const eps = 1e-9
	d := a - b
	return d < eps && d > -eps
}

// fixedLocator returns the same boxes for every image.
type fixedLocator []FaceBox

func (l fixedLocator) Locate(*Image) ([]FaceBox, error) { return l, nil }

// failingLocator always errors.
type failingLocator struct{}

func (failingLocator) Locate(*Image) ([]FaceBox, error) { return nil, ErrLocatorUnavailable }

// sequenceScorer hands out scores in call order; a nil entry means no verdict.
type sequenceScorer struct {
	scores []*float64
	calls  int
}

func (s *sequenceScorer) ScoreFace(_ context.Context, _ image.Image) (float64, error) {
	i := s.calls
	s.calls++
	if i >= len(s.scores) || s.scores[i] == nil {
		return 0, ErrNoVerdict
	}
	return *s.scores[i], nil
}

func ptr(v float64) *float64 { return &v }

// mockCache is an in-memory Cache for tests.
type mockCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func newMockCache() *mockCache { return &mockCache{data: map[string][]byte{}} }

func (c *mockCache) Key(prefix, value string) string { return prefix + ":" + value }

func (c *mockCache) Get(_ context.Context, key string, dest any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return false
	}
	p, ok := dest.(*[]byte)
	if !ok {
		return false
	}
	*p = append([]byte(nil), v...)
	return true
}

func (c *mockCache) Set(_ context.Context, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := value.([]byte); ok {
		c.data[key] = append([]byte(nil), b...)
		c.sets++
	}
}
