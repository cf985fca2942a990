package imagecheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math"
	"os"

	pigo "github.com/esimov/pigo/core"
	"golang.org/x/image/draw"
)

var (
	// ErrNoVerdict is returned by a FaceScorer that is reachable but cannot
	// judge the given face (model missing, inference failed).
	ErrNoVerdict = errors.New("no verdict")

	// ErrLocatorUnavailable is returned by a FaceLocator whose model could
	// not be loaded.
	ErrLocatorUnavailable = errors.New("face locator unavailable")
)

// FaceBox is an axis-aligned face rectangle in pixel coordinates, with
// X1 < X2 and Y1 < Y2. It serialises as [x1, y1, x2, y2].
type FaceBox struct {
	X1, Y1, X2, Y2 int
}

// Rect converts the box to an image.Rectangle.
func (b FaceBox) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Clamp restricts the box to a w x h image. ok is false when nothing of the
// box remains inside.
func (b FaceBox) Clamp(w, h int) (FaceBox, bool) {
	r := b.Rect().Intersect(image.Rect(0, 0, w, h))
	if r.Empty() {
		return FaceBox{}, false
	}
	return FaceBox{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}, true
}

// MarshalJSON renders the box as a four-element array.
func (b FaceBox) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{b.X1, b.Y1, b.X2, b.Y2})
}

// UnmarshalJSON accepts the four-element array form.
func (b *FaceBox) UnmarshalJSON(data []byte) error {
	var v [4]int
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("face box: %w", err)
	}
	*b = FaceBox{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}
	return nil
}

// NoLocator finds no faces. It is the default when no model is configured.
type NoLocator struct{}

// Locate implements FaceLocator.
func (NoLocator) Locate(*Image) ([]FaceBox, error) { return nil, nil }

// NoScorer never has a verdict.
type NoScorer struct{}

// ScoreFace implements FaceScorer.
func (NoScorer) ScoreFace(context.Context, image.Image) (float64, error) {
	return 0, ErrNoVerdict
}

// ScorerFunc adapts a plain function to FaceScorer.
type ScorerFunc func(ctx context.Context, face image.Image) (float64, error)

// ScoreFace implements FaceScorer.
func (f ScorerFunc) ScoreFace(ctx context.Context, face image.Image) (float64, error) {
	return f(ctx, face)
}

// validScore reports whether p is a usable probability.
func validScore(p float64) bool {
	return !math.IsNaN(p) && p >= 0 && p <= 1
}

// PrepareFace resizes a face crop to size x size RGB with bilinear
// interpolation, the input layout face scorers expect.
func PrepareFace(face image.Image, size int) *image.RGBA {
	if size <= 0 {
		size = DefaultFaceInputSize
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), face, face.Bounds(), draw.Src, nil)
	return dst
}

// NormalizeFace flattens an RGB face into HWC float32 values in [0,1].
func NormalizeFace(face *image.RGBA) []float32 {
	w, h := face.Rect.Dx(), face.Rect.Dy()
	out := make([]float32, 0, w*h*3)
	for y := 0; y < h; y++ {
		row := face.Pix[y*face.Stride:]
		for x := 0; x < w; x++ {
			out = append(out,
				float32(row[x*4])/255,
				float32(row[x*4+1])/255,
				float32(row[x*4+2])/255,
			)
		}
	}
	return out
}

// PigoParams configures the pure-Go cascade face locator.
type PigoParams struct {
	MinSize      int     // smallest face side in pixels
	MaxSize      int     // largest face side; 0 means the image's longer side
	ShiftFactor  float64 // sliding window step relative to window size
	ScaleFactor  float64 // pyramid scale step
	IoUThreshold float64 // overlap above which detections are merged
	MinQuality   float32 // detections below this score are dropped
}

// DefaultPigoParams mirrors a cascade run with scale step 1.1, a 30x30
// minimum window, and a quality floor playing the role of five neighbouring
// confirmations.
func DefaultPigoParams() PigoParams {
	return PigoParams{
		MinSize:      30,
		ShiftFactor:  0.1,
		ScaleFactor:  1.1,
		IoUThreshold: 0.2,
		MinQuality:   5.0,
	}
}

// PigoLocator finds frontal faces with a pigo cascade. Safe for concurrent use.
type PigoLocator struct {
	classifier *pigo.Pigo
	params     PigoParams
}

// NewPigoLocator unpacks a binary pigo cascade (e.g. "facefinder").
func NewPigoLocator(cascade []byte, params PigoParams) (loc *PigoLocator, err error) {
	if len(cascade) == 0 {
		return nil, fmt.Errorf("%w: empty cascade", ErrLocatorUnavailable)
	}
	// Unpack indexes into the packet without bounds checks.
	defer func() {
		if r := recover(); r != nil {
			loc, err = nil, fmt.Errorf("%w: corrupt cascade: %v", ErrLocatorUnavailable, r)
		}
	}()
	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack cascade: %v", ErrLocatorUnavailable, err)
	}

	def := DefaultPigoParams()
	if params.MinSize <= 0 {
		params.MinSize = def.MinSize
	}
	if params.ShiftFactor <= 0 {
		params.ShiftFactor = def.ShiftFactor
	}
	if params.ScaleFactor <= 1 {
		params.ScaleFactor = def.ScaleFactor
	}
	if params.IoUThreshold <= 0 {
		params.IoUThreshold = def.IoUThreshold
	}

	return &PigoLocator{classifier: classifier, params: params}, nil
}

// LoadPigoLocator reads the cascade from path.
func LoadPigoLocator(path string, params PigoParams) (*PigoLocator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLocatorUnavailable, err)
	}
	return NewPigoLocator(data, params)
}

// Locate implements FaceLocator. Boxes are clamped to the image.
func (l *PigoLocator) Locate(img *Image) ([]FaceBox, error) {
	if img == nil {
		return nil, nil
	}
	w, h := img.Width(), img.Height()
	if w < l.params.MinSize || h < l.params.MinSize {
		return nil, nil
	}

	dets := l.classifier.RunCascade(l.cascadeParams(img), 0.0)
	dets = l.classifier.ClusterDetections(dets, l.params.IoUThreshold)
	return detectionBoxes(dets, l.params.MinQuality, w, h), nil
}

func (l *PigoLocator) cascadeParams(img *Image) pigo.CascadeParams {
	w, h := img.Width(), img.Height()
	maxSize := l.params.MaxSize
	if maxSize <= 0 {
		maxSize = max(w, h)
	}
	return pigo.CascadeParams{
		MinSize:     l.params.MinSize,
		MaxSize:     maxSize,
		ShiftFactor: l.params.ShiftFactor,
		ScaleFactor: l.params.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: img.Gray(),
			Rows:   h,
			Cols:   w,
			Dim:    w,
		},
	}
}

// detectionBoxes converts clustered detections into boxes clamped to a w x h
// image, dropping those below minQuality.
func detectionBoxes(dets []pigo.Detection, minQuality float32, w, h int) []FaceBox {
	boxes := make([]FaceBox, 0, len(dets))
	for _, d := range dets {
		if d.Q < minQuality {
			continue
		}
		// Row/Col is the window centre, Scale its side.
		half := d.Scale / 2
		box, ok := FaceBox{
			X1: d.Col - half,
			Y1: d.Row - half,
			X2: d.Col - half + d.Scale,
			Y2: d.Row - half + d.Scale,
		}.Clamp(w, h)
		if ok {
			boxes = append(boxes, box)
		}
	}
	return boxes
}
