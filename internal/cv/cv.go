// Package cv provides OpenCV-backed face detection and ONNX face scoring.
// The OpenCV implementations are compiled with the gocv build tag; without
// it the constructors report ErrUnavailable.
package cv

import (
	"errors"
	"fmt"
)

// ErrUnavailable is returned by constructors when built without OpenCV.
var ErrUnavailable = errors.New("cv: built without OpenCV support (rebuild with -tags gocv)")

// Haar cascade parameters used by the detector.
const (
	HaarScaleFactor  = 1.1
	HaarMinNeighbors = 5
	HaarMinSize      = 30
)

// HaarParams tunes Haar cascade detection.
type HaarParams struct {
	ScaleFactor  float64
	MinNeighbors int
	MinSize      int
}

// DefaultHaarParams returns scale 1.1, 5 neighbours, 30px minimum.
func DefaultHaarParams() HaarParams {
	return HaarParams{
		ScaleFactor:  HaarScaleFactor,
		MinNeighbors: HaarMinNeighbors,
		MinSize:      HaarMinSize,
	}
}

func (p HaarParams) withDefaults() HaarParams {
	d := DefaultHaarParams()
	if p.ScaleFactor <= 1 {
		p.ScaleFactor = d.ScaleFactor
	}
	if p.MinNeighbors <= 0 {
		p.MinNeighbors = d.MinNeighbors
	}
	if p.MinSize <= 0 {
		p.MinSize = d.MinSize
	}
	return p
}

// ONNXConfig configures the ONNX face scorer.
type ONNXConfig struct {
	ModelPath string
	// InputSize is the square side the model expects; 0 means 128.
	InputSize int
	// NHWC feeds [1,H,W,3] instead of [1,3,H,W].
	NHWC bool
}

// probability picks the deepfake probability from a model output: the single
// value of a sigmoid head, or the second class of a two-way softmax.
func probability(out []float32) (float64, error) {
	switch len(out) {
	case 1:
		return float64(out[0]), nil
	case 2:
		return float64(out[1]), nil
	default:
		return 0, fmt.Errorf("cv: unexpected model output size %d", len(out))
	}
}
