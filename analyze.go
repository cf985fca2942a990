package imagecheck

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"time"
)

// Error messages carried by a failed Result.
const (
	MsgCannotOpenImage     = "Cannot open image"
	MsgCannotDownloadImage = "Cannot download image"
	msgAnalysisFailed      = "Analysis failed"
)

// FaceResult is one located face. DeepfakeScore is nil when the scorer had
// no verdict; it is never reported as 0 in that case.
type FaceResult struct {
	FaceID        int      `json:"face_id"`
	Box           FaceBox  `json:"box"`
	DeepfakeScore *float64 `json:"deepfake_score"`
}

// Report is a completed analysis.
type Report struct {
	Faces             []FaceResult `json:"faces"`
	AIScore           float64      `json:"ai_score"`
	ManipulationScore float64      `json:"manipulation_score"`
	FinalLabel        Label        `json:"final_label"`
	Confidence        float64      `json:"confidence"`
	FacesDetected     int          `json:"faces_detected"`
	AnalysisComplete  bool         `json:"analysis_complete"`
}

// Result is either a Report or an error message, never both. It serialises
// to the report object or to {"error": "..."}.
type Result struct {
	Report *Report
	Error  string
}

// OK reports whether the analysis completed.
func (r Result) OK() bool { return r.Report != nil }

// MarshalJSON implements json.Marshaler.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Report == nil {
		msg := r.Error
		if msg == "" {
			msg = msgAnalysisFailed
		}
		return json.Marshal(struct {
			Error string `json:"error"`
		}{msg})
	}
	rep := *r.Report
	if rep.Faces == nil {
		rep.Faces = []FaceResult{}
	}
	return json.Marshal(rep)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Result) UnmarshalJSON(data []byte) error {
	var probe struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("result: %w", err)
	}
	if probe.Error != nil {
		*r = Result{Error: *probe.Error}
		return nil
	}
	var rep Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return fmt.Errorf("result: %w", err)
	}
	*r = Result{Report: &rep}
	return nil
}

// Explanation carries the intermediate values behind a Result.
type Explanation struct {
	Located      []FaceBox     `json:"located"`
	Features     FeatureSet    `json:"features"`
	AI           CategoryScore `json:"ai_generation"`
	Manipulation CategoryScore `json:"manipulation"`
	Verdict      Verdict       `json:"verdict"`
}

// Analyze runs the full pipeline over encoded image bytes. It never returns
// an error value: undecodable input and internal faults are reported in
// Result.Error.
func (a *Analyzer) Analyze(ctx context.Context, data []byte) (res Result) {
	start := time.Now()
	sum := contentKey(data)
	cached := false

	defer func() {
		if r := recover(); r != nil {
			if a.cfg.OnPanic != nil {
				a.cfg.OnPanic("analyze", r)
			}
			slog.Error("imagecheck: analysis panicked", slog.String("key", sum), slog.Any("panic", r))
			res = Result{Error: fmt.Sprintf("%s: %v", msgAnalysisFailed, r)}
		}
		a.emit(sum, res, cached, start)
	}()

	cacheKey := a.cacheKey(sum)
	if r, ok := a.cacheGet(ctx, cacheKey); ok {
		cached = true
		return r
	}

	img, err := DecodeImage(data)
	if err != nil {
		slog.Debug("imagecheck: decode failed", slog.String("key", sum), slog.Any("error", err))
		return Result{Error: MsgCannotOpenImage}
	}

	res, _ = a.run(ctx, img)
	a.cacheSet(ctx, cacheKey, res)
	return res
}

// AnalyzeFile reads path and analyses its contents.
func (a *Analyzer) AnalyzeFile(ctx context.Context, path string) Result {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Debug("imagecheck: read failed", slog.String("path", path), slog.Any("error", err))
		return Result{Error: MsgCannotOpenImage}
	}
	return a.Analyze(ctx, data)
}

// Explain analyses data without the cache and also returns the intermediate
// values. The Explanation is nil when the result is an error.
func (a *Analyzer) Explain(ctx context.Context, data []byte) (res Result, ex *Explanation) {
	defer func() {
		if r := recover(); r != nil {
			if a.cfg.OnPanic != nil {
				a.cfg.OnPanic("explain", r)
			}
			res, ex = Result{Error: fmt.Sprintf("%s: %v", msgAnalysisFailed, r)}, nil
		}
	}()

	img, err := DecodeImage(data)
	if err != nil {
		return Result{Error: MsgCannotOpenImage}, nil
	}
	res, e := a.run(ctx, img)
	return res, &e
}

func (a *Analyzer) run(ctx context.Context, img *Image) (Result, Explanation) {
	located := a.locate(img)

	faces := make([]FaceResult, 0, len(located))
	var faceScores []float64
	for _, b := range located {
		box, ok := b.Clamp(img.Width(), img.Height())
		if !ok {
			continue
		}
		fr := FaceResult{FaceID: len(faces), Box: box}
		if p, ok := a.scoreFace(ctx, img.Crop(box)); ok {
			faceScores = append(faceScores, p)
			rounded := round3(p)
			fr.DeepfakeScore = &rounded
		}
		faces = append(faces, fr)
	}

	fs := Features(img, a.cfg.Tunables)
	ai := AIGenerationScore(fs)
	manip := ManipulationScore(fs, a.cfg.Tunables.MissingMetadataPenalty)
	if ai.Err != nil {
		slog.Debug("imagecheck: ai generation score unavailable", slog.Any("error", ai.Err))
	}
	if manip.Err != nil {
		slog.Debug("imagecheck: manipulation score unavailable", slog.Any("error", manip.Err))
	}

	v := Fuse(Scores{Faces: faceScores, AI: ai.Value, Manipulation: manip.Value})

	rep := &Report{
		Faces:             faces,
		AIScore:           round3(ai.Value),
		ManipulationScore: round3(manip.Value),
		FinalLabel:        v.Label,
		Confidence:        round3(v.Confidence),
		FacesDetected:     len(faces),
		AnalysisComplete:  true,
	}
	return Result{Report: rep}, Explanation{
		Located:      located,
		Features:     fs,
		AI:           ai,
		Manipulation: manip,
		Verdict:      v,
	}
}

// locate runs the face locator. Any failure, a panic included, yields no
// faces.
func (a *Analyzer) locate(img *Image) (boxes []FaceBox) {
	defer func() {
		if r := recover(); r != nil {
			if a.cfg.OnPanic != nil {
				a.cfg.OnPanic("locate", r)
			}
			slog.Warn("imagecheck: face locator panicked", slog.Any("panic", r))
			boxes = nil
		}
	}()

	boxes, err := a.cfg.Locator.Locate(img)
	if err != nil {
		slog.Warn("imagecheck: face location failed", slog.Any("error", err))
		return nil
	}
	return boxes
}

// scoreFace asks the scorer for one face. ok is false when there is no
// usable verdict; a panicking scorer counts as no verdict.
func (a *Analyzer) scoreFace(ctx context.Context, face image.Image) (p float64, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			if a.cfg.OnPanic != nil {
				a.cfg.OnPanic("score_face", r)
			}
			slog.Warn("imagecheck: face scorer panicked", slog.Any("panic", r))
			p, ok = 0, false
		}
	}()

	if a.cfg.ScoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.ScoreTimeout)
		defer cancel()
	}

	p, err := a.cfg.Scorer.ScoreFace(ctx, face)
	if err != nil {
		if !errors.Is(err, ErrNoVerdict) {
			slog.Debug("imagecheck: face scorer failed", slog.Any("error", err))
		}
		return 0, false
	}
	if !validScore(p) {
		slog.Debug("imagecheck: face score out of range", slog.Float64("score", p))
		return 0, false
	}
	return p, true
}

func contentKey(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func (a *Analyzer) cacheKey(sum string) string {
	t := a.cfg.Tunables
	v := fmt.Sprintf("%s:q%d:p%g", sum, t.ELAQuality, t.MissingMetadataPenalty)
	if a.cfg.Cache == nil {
		return v
	}
	return a.cfg.Cache.Key("analysis", v)
}

// cacheGet returns a previously stored report. Results are cached as their
// JSON encoding so any byte-oriented cache can hold them.
func (a *Analyzer) cacheGet(ctx context.Context, key string) (Result, bool) {
	if a.cfg.Cache == nil {
		return Result{}, false
	}
	var raw []byte
	if !a.cfg.Cache.Get(ctx, key, &raw) || len(raw) == 0 {
		return Result{}, false
	}
	var r Result
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&r); err != nil || !r.OK() {
		return Result{}, false
	}
	return r, true
}

func (a *Analyzer) cacheSet(ctx context.Context, key string, r Result) {
	if a.cfg.Cache == nil || !r.OK() {
		return
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return
	}
	a.cfg.Cache.Set(ctx, key, raw)
}

func (a *Analyzer) emit(sum string, r Result, cached bool, start time.Time) {
	if a.cfg.OnAnalysis == nil {
		return
	}
	ev := AnalysisEvent{
		Key:      sum,
		Cached:   cached,
		Duration: time.Since(start),
		Err:      r.Error,
	}
	if r.Report != nil {
		ev.Label = r.Report.FinalLabel
		ev.Confidence = r.Report.Confidence
		ev.Faces = r.Report.FacesDetected
	}
	a.cfg.OnAnalysis(ev)
}
