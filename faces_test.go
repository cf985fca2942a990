package imagecheck

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"math"
	"os"
	"path/filepath"
	"testing"

	pigo "github.com/esimov/pigo/core"
)

func TestFaceBox_JSON(t *testing.T) {
	t.Parallel()

	b := FaceBox{X1: 1, Y1: 2, X2: 30, Y2: 40}
	data, err := json.Marshal(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "[1,2,30,40]" {
		t.Errorf("Marshal = %s, want [1,2,30,40]", data)
	}

	var back FaceBox
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back != b {
		t.Errorf("Unmarshal = %+v, want %+v", back, b)
	}
	if err := json.Unmarshal([]byte(`{"x1":1}`), &back); err == nil {
		t.Error("Unmarshal of object form should fail")
	}
}

func TestFaceBox_Clamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		box    FaceBox
		want   FaceBox
		wantOK bool
	}{
		{name: "inside", box: FaceBox{10, 10, 20, 20}, want: FaceBox{10, 10, 20, 20}, wantOK: true},
		{name: "overhangs top left", box: FaceBox{-5, -3, 10, 10}, want: FaceBox{0, 0, 10, 10}, wantOK: true},
		{name: "overhangs bottom right", box: FaceBox{90, 40, 120, 70}, want: FaceBox{90, 40, 100, 50}, wantOK: true},
		{name: "fully outside", box: FaceBox{200, 200, 230, 230}},
		{name: "degenerate", box: FaceBox{10, 10, 10, 20}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := tc.box.Clamp(100, 50)
			if ok != tc.wantOK || got != tc.want {
				t.Errorf("Clamp() = %+v, %v; want %+v, %v", got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestNoLocatorAndNoScorer(t *testing.T) {
	t.Parallel()

	boxes, err := NoLocator{}.Locate(FromImage(uniformImage(4, 4, 0)))
	if err != nil || len(boxes) != 0 {
		t.Errorf("NoLocator.Locate() = %v, %v", boxes, err)
	}

	_, err = NoScorer{}.ScoreFace(context.Background(), uniformImage(4, 4, 0))
	if !errors.Is(err, ErrNoVerdict) {
		t.Errorf("NoScorer.ScoreFace() error = %v, want ErrNoVerdict", err)
	}

	var s FaceScorer = ScorerFunc(func(context.Context, image.Image) (float64, error) { return 0.25, nil })
	if p, err := s.ScoreFace(context.Background(), nil); err != nil || p != 0.25 {
		t.Errorf("ScorerFunc = %v, %v", p, err)
	}
}

func TestValidScore(t *testing.T) {
	t.Parallel()

	for _, p := range []float64{0, 0.5, 1} {
		if !validScore(p) {
			t.Errorf("validScore(%v) = false", p)
		}
	}
	for _, p := range []float64{-0.01, 1.01, math.NaN(), math.Inf(1)} {
		if validScore(p) {
			t.Errorf("validScore(%v) = true", p)
		}
	}
}

func TestPrepareAndNormalizeFace(t *testing.T) {
	t.Parallel()

	face := PrepareFace(uniformImage(37, 51, 255), 0)
	if face.Bounds().Dx() != DefaultFaceInputSize || face.Bounds().Dy() != DefaultFaceInputSize {
		t.Fatalf("PrepareFace size = %v", face.Bounds())
	}

	vals := NormalizeFace(PrepareFace(uniformImage(10, 10, 255), 4))
	if len(vals) != 4*4*3 {
		t.Fatalf("len(NormalizeFace) = %d, want 48", len(vals))
	}
	for i, v := range vals {
		if v != 1 {
			t.Fatalf("vals[%d] = %v, want 1", i, v)
		}
	}
}

func TestNewPigoLocator_BadCascade(t *testing.T) {
	t.Parallel()

	if _, err := NewPigoLocator(nil, DefaultPigoParams()); !errors.Is(err, ErrLocatorUnavailable) {
		t.Errorf("empty cascade error = %v, want ErrLocatorUnavailable", err)
	}
	if _, err := LoadPigoLocator("/nonexistent/facefinder", DefaultPigoParams()); !errors.Is(err, ErrLocatorUnavailable) {
		t.Errorf("missing file error = %v, want ErrLocatorUnavailable", err)
	}
}

func TestPigoLocator_BelowMinSize(t *testing.T) {
	t.Parallel()

	// No classifier: images smaller than the minimum window never reach it.
	l := &PigoLocator{params: DefaultPigoParams()}
	for _, size := range [][2]int{{29, 29}, {29, 200}, {200, 29}, {1, 1}} {
		img := FromImage(noiseImage(size[0], size[1], 4))
		boxes, err := l.Locate(img)
		if err != nil || boxes != nil {
			t.Errorf("Locate(%dx%d) = %v, %v; want no boxes", size[0], size[1], boxes, err)
		}
	}
	if boxes, err := l.Locate(nil); err != nil || boxes != nil {
		t.Errorf("Locate(nil) = %v, %v", boxes, err)
	}
}

func TestPigoLocator_CascadeParams(t *testing.T) {
	t.Parallel()

	img := FromImage(noiseImage(120, 80, 5))

	l := &PigoLocator{params: DefaultPigoParams()}
	p := l.cascadeParams(img)
	if p.Rows != 80 || p.Cols != 120 || p.Dim != 120 {
		t.Errorf("Rows/Cols/Dim = %d/%d/%d, want 80/120/120", p.Rows, p.Cols, p.Dim)
	}
	if len(p.Pixels) != 120*80 {
		t.Errorf("len(Pixels) = %d, want %d", len(p.Pixels), 120*80)
	}
	if p.MinSize != 30 || p.MaxSize != 120 {
		t.Errorf("MinSize/MaxSize = %d/%d, want 30/120", p.MinSize, p.MaxSize)
	}
	if p.ScaleFactor != 1.1 || p.ShiftFactor != 0.1 {
		t.Errorf("ScaleFactor/ShiftFactor = %v/%v", p.ScaleFactor, p.ShiftFactor)
	}

	l.params.MaxSize = 64
	if got := l.cascadeParams(img).MaxSize; got != 64 {
		t.Errorf("explicit MaxSize = %d, want 64", got)
	}
}

func TestDetectionBoxes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		dets []pigo.Detection
		want []FaceBox
	}{
		{
			name: "centre and side become corners",
			dets: []pigo.Detection{{Row: 50, Col: 40, Scale: 30, Q: 9}},
			want: []FaceBox{{X1: 25, Y1: 35, X2: 55, Y2: 65}},
		},
		{
			name: "low quality dropped",
			dets: []pigo.Detection{
				{Row: 50, Col: 40, Scale: 30, Q: 4.9},
				{Row: 30, Col: 30, Scale: 20, Q: 5},
			},
			want: []FaceBox{{X1: 20, Y1: 20, X2: 40, Y2: 40}},
		},
		{
			name: "clamped at the edges",
			dets: []pigo.Detection{{Row: 5, Col: 95, Scale: 40, Q: 12}},
			want: []FaceBox{{X1: 75, Y1: 0, X2: 100, Y2: 25}},
		},
		{
			name: "outside the image dropped",
			dets: []pigo.Detection{{Row: 300, Col: 300, Scale: 30, Q: 12}},
			want: []FaceBox{},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := detectionBoxes(tc.dets, 5, 100, 80)
			if len(got) != len(tc.want) {
				t.Fatalf("detectionBoxes() = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("box %d = %v, want %v", i, got[i], tc.want[i])
				}
			}
		})
	}
}

// TestPigoLocator_Cascade runs the real facefinder cascade when it is placed
// at testdata/facefinder (github.com/esimov/pigo/cascade/facefinder).
// testdata/face.jpg, when present, must yield at least one face.
func TestPigoLocator_Cascade(t *testing.T) {
	t.Parallel()

	cascade := filepath.Join("testdata", "facefinder")
	if _, err := os.Stat(cascade); err != nil {
		t.Skip("testdata/facefinder not present")
	}
	l, err := LoadPigoLocator(cascade, DefaultPigoParams())
	if err != nil {
		t.Fatalf("LoadPigoLocator() error = %v", err)
	}

	inputs := map[string]*Image{
		"noise":   FromImage(noiseImage(160, 120, 6)),
		"uniform": FromImage(uniformImage(64, 64, 200)),
	}
	if data, err := os.ReadFile(filepath.Join("testdata", "face.jpg")); err == nil {
		img, err := DecodeImage(data)
		if err != nil {
			t.Fatalf("DecodeImage(face.jpg) error = %v", err)
		}
		inputs["face"] = img
	}

	for name, img := range inputs {
		boxes, err := l.Locate(img)
		if err != nil {
			t.Fatalf("%s: Locate() error = %v", name, err)
		}
		for _, b := range boxes {
			if b.X1 < 0 || b.X1 >= b.X2 || b.X2 > img.Width() || b.Y1 < 0 || b.Y1 >= b.Y2 || b.Y2 > img.Height() {
				t.Errorf("%s: box %v outside %dx%d", name, b, img.Width(), img.Height())
			}
		}
		if name == "face" && len(boxes) == 0 {
			t.Error("face.jpg: no face located")
		}
	}
}
