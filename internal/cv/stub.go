//go:build !gocv

package cv

import (
	"context"
	"image"

	"github.com/anatolykoptev/go-imagecheck"
)

// Available reports whether OpenCV support is compiled in.
const Available = false

// HaarLocator is unavailable without the gocv build tag.
type HaarLocator struct{}

// NewHaarLocator always fails without OpenCV.
func NewHaarLocator(string, HaarParams) (*HaarLocator, error) { return nil, ErrUnavailable }

// Locate implements imagecheck.FaceLocator.
func (*HaarLocator) Locate(*imagecheck.Image) ([]imagecheck.FaceBox, error) {
	return nil, imagecheck.ErrLocatorUnavailable
}

// Close is a no-op.
func (*HaarLocator) Close() error { return nil }

// ONNXScorer is unavailable without the gocv build tag.
type ONNXScorer struct{}

// NewONNXScorer always fails without OpenCV.
func NewONNXScorer(ONNXConfig) (*ONNXScorer, error) { return nil, ErrUnavailable }

// ScoreFace implements imagecheck.FaceScorer.
func (*ONNXScorer) ScoreFace(context.Context, image.Image) (float64, error) {
	return 0, imagecheck.ErrNoVerdict
}

// Close is a no-op.
func (*ONNXScorer) Close() error { return nil }
