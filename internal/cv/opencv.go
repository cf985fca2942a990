//go:build gocv

package cv

import (
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"log/slog"
	"math"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/anatolykoptev/go-imagecheck"
)

// Available reports whether OpenCV support is compiled in.
const Available = true

// HaarLocator finds faces with an OpenCV Haar cascade.
type HaarLocator struct {
	mu         sync.Mutex
	classifier gocv.CascadeClassifier
	params     HaarParams
}

// NewHaarLocator loads the cascade XML at path.
func NewHaarLocator(path string, params HaarParams) (*HaarLocator, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("cv: cascade file: %w", err)
	}
	c := gocv.NewCascadeClassifier()
	if !c.Load(path) {
		c.Close()
		return nil, fmt.Errorf("cv: failed to load cascade from %s", path)
	}
	return &HaarLocator{classifier: c, params: params.withDefaults()}, nil
}

// Locate implements imagecheck.FaceLocator.
func (l *HaarLocator) Locate(img *imagecheck.Image) ([]imagecheck.FaceBox, error) {
	gray, err := gocv.NewMatFromBytes(img.Height(), img.Width(), gocv.MatTypeCV8U, img.Gray())
	if err != nil {
		return nil, fmt.Errorf("cv: grey mat: %w", err)
	}
	defer gray.Close()

	l.mu.Lock()
	rects := l.classifier.DetectMultiScaleWithParams(
		gray,
		l.params.ScaleFactor,
		l.params.MinNeighbors,
		0,
		image.Pt(l.params.MinSize, l.params.MinSize),
		image.Pt(0, 0),
	)
	l.mu.Unlock()

	boxes := make([]imagecheck.FaceBox, 0, len(rects))
	for _, r := range rects {
		boxes = append(boxes, imagecheck.FaceBox{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y})
	}
	slog.Debug("cv: haar faces", slog.Int("count", len(boxes)))
	return boxes, nil
}

// Close releases the classifier.
func (l *HaarLocator) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.classifier.Close()
}

// ONNXScorer runs a deepfake classifier through the OpenCV DNN module.
type ONNXScorer struct {
	mu   sync.Mutex
	net  gocv.Net
	size int
	nhwc bool
}

// NewONNXScorer loads the model described by cfg.
func NewONNXScorer(cfg ONNXConfig) (*ONNXScorer, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("cv: model file: %w", err)
	}
	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("cv: failed to load model from %s", cfg.ModelPath)
	}
	size := cfg.InputSize
	if size <= 0 {
		size = imagecheck.DefaultFaceInputSize
	}
	slog.Debug("cv: model loaded", slog.String("path", cfg.ModelPath), slog.Int("input", size), slog.Bool("nhwc", cfg.NHWC))
	return &ONNXScorer{net: net, size: size, nhwc: cfg.NHWC}, nil
}

// ScoreFace implements imagecheck.FaceScorer.
func (s *ONNXScorer) ScoreFace(ctx context.Context, face image.Image) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	prepared := imagecheck.PrepareFace(face, s.size)

	blob, err := s.blob(prepared)
	if err != nil {
		return 0, err
	}
	defer blob.Close()

	s.mu.Lock()
	s.net.SetInput(blob, "")
	out := s.net.Forward("")
	s.mu.Unlock()
	defer out.Close()

	vals, err := out.DataPtrFloat32()
	if err != nil {
		return 0, fmt.Errorf("cv: read output: %w", err)
	}
	return probability(vals)
}

func (s *ONNXScorer) blob(face *image.RGBA) (gocv.Mat, error) {
	if s.nhwc {
		pixels := imagecheck.NormalizeFace(face)
		raw := make([]byte, 4*len(pixels))
		for i, v := range pixels {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
		}
		return gocv.NewMatWithSizesFromBytes([]int{1, s.size, s.size, 3}, gocv.MatTypeCV32F, raw)
	}

	mat, err := gocv.ImageToMatRGB(face)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("cv: face mat: %w", err)
	}
	defer mat.Close()
	// ImageToMatRGB yields BGR channel order; swapRB restores RGB.
	return gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(s.size, s.size), gocv.NewScalar(0, 0, 0, 0), true, false), nil
}

// Close releases the network.
func (s *ONNXScorer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.net.Close()
}
