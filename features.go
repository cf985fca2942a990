package imagecheck

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	"golang.org/x/image/draw"
)

var errEmptyImage = errors.New("empty image")

// Signal is the outcome of one feature extractor: a value, or the reason it
// could not be computed. Consumers decide how a failed signal degrades.
type Signal[T any] struct {
	Value T
	Err   error
}

// OK reports whether the signal was computed.
func (s Signal[T]) OK() bool { return s.Err == nil }

// MarshalJSON renders {"value": ...} or {"error": "..."}.
func (s Signal[T]) MarshalJSON() ([]byte, error) {
	if s.Err != nil {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{s.Err.Error()})
	}
	return json.Marshal(struct {
		Value T `json:"value"`
	}{s.Value})
}

func failed[T any](err error) Signal[T] { return Signal[T]{Err: err} }

// ELAStats summarises the per-channel absolute difference between an image
// and its JPEG re-encoding, normalised to [0,1].
type ELAStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// FeatureSet holds every low-level signal an analysis is built from.
type FeatureSet struct {
	ELA       Signal[ELAStats]        `json:"ela"`
	Sharpness Signal[float64]         `json:"laplacian_variance"`
	Entropy   Signal[float64]         `json:"entropy"`
	Metadata  Signal[CaptureMetadata] `json:"metadata"`
}

// Features runs every extractor over img. Extractors are independent; one
// failing never prevents the others from running.
func Features(img *Image, t Tunables) FeatureSet {
	fs := FeatureSet{
		ELA:       ErrorLevel(img, t.ELAQuality),
		Sharpness: Sharpness(img),
		Entropy:   Entropy(img),
	}
	if img != nil {
		fs.Metadata = ExtractCaptureMetadata(img.Raw(), img.Format())
	} else {
		fs.Metadata = Signal[CaptureMetadata]{Value: CaptureMetadata{}, Err: errEmptyImage}
	}
	return fs
}

// guard converts a panic inside an extractor into a failed signal.
func guard[T any](name string, out *Signal[T]) {
	if r := recover(); r != nil {
		*out = failed[T](fmt.Errorf("%s: %v", name, r))
	}
}

// ErrorLevel re-encodes img as JPEG at the given quality, decodes it back and
// returns the mean and population standard deviation of the absolute
// per-channel differences, divided by 255.
func ErrorLevel(img *Image, quality int) (out Signal[ELAStats]) {
	defer guard("error level", &out)
	if img == nil {
		return failed[ELAStats](errEmptyImage)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img.rgba, &jpeg.Options{Quality: quality}); err != nil {
		return failed[ELAStats](fmt.Errorf("error level: encode: %w", err))
	}
	dec, err := jpeg.Decode(&buf)
	if err != nil {
		return failed[ELAStats](fmt.Errorf("error level: decode: %w", err))
	}

	w, h := img.Width(), img.Height()
	if dec.Bounds().Dx() != w || dec.Bounds().Dy() != h {
		return failed[ELAStats](fmt.Errorf("error level: re-encoded size %v differs", dec.Bounds().Size()))
	}
	re := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(re, re.Bounds(), dec, dec.Bounds().Min, draw.Src)

	var sum, sumSq float64
	for y := 0; y < h; y++ {
		a := img.rgba.Pix[y*img.rgba.Stride:]
		b := re.Pix[y*re.Stride:]
		for x := 0; x < w; x++ {
			for c := 0; c < 3; c++ {
				d := float64(a[x*4+c]) - float64(b[x*4+c])
				if d < 0 {
					d = -d
				}
				d /= 255
				sum += d
				sumSq += d * d
			}
		}
	}
	n := float64(w * h * 3)
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return Signal[ELAStats]{Value: ELAStats{Mean: mean, Std: math.Sqrt(variance)}}
}

// Sharpness is the population variance of the 3x3 Laplacian
// ([0 1 0; 1 -4 1; 0 1 0]) of the luma plane. Borders are mirrored without
// repeating the edge pixel.
func Sharpness(img *Image) (out Signal[float64]) {
	defer guard("sharpness", &out)
	if img == nil {
		return failed[float64](errEmptyImage)
	}

	w, h := img.Width(), img.Height()
	g := img.gray
	at := func(x, y int) float64 {
		return float64(g[reflect101(y, h)*w+reflect101(x, w)])
	}

	var sum, sumSq float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := at(x, y-1) + at(x-1, y) + at(x+1, y) + at(x, y+1) - 4*at(x, y)
			sum += v
			sumSq += v * v
		}
	}
	n := float64(w * h)
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return Signal[float64]{Value: variance}
}

// reflect101 maps an index one step outside [0, n) back inside: -1 -> 1,
// n -> n-2. A single-pixel axis maps everything to 0.
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	switch {
	case i < 0:
		return -i
	case i >= n:
		return 2*n - 2 - i
	}
	return i
}

// Entropy is the Shannon entropy, in bits, of the 256-bin luma histogram.
func Entropy(img *Image) (out Signal[float64]) {
	defer guard("entropy", &out)
	if img == nil {
		return failed[float64](errEmptyImage)
	}

	var hist [256]int
	for _, v := range img.gray {
		hist[v]++
	}
	total := float64(len(img.gray))

	var e float64
	for _, c := range hist {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		e -= p * math.Log2(p)
	}
	if e <= 0 || math.IsNaN(e) {
		return Signal[float64]{Value: 0}
	}
	return Signal[float64]{Value: e}
}
