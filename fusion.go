package imagecheck

import (
	"fmt"
	"math"
)

// Label is the final verdict category.
type Label string

// Verdict labels, in priority order.
const (
	LabelDeepfake    Label = "Deepfake"
	LabelAIGenerated Label = "AI-generated"
	LabelManipulated Label = "Manipulated/Edited"
	LabelLikelyReal  Label = "Likely Real"
)

// Thresholds a signal must strictly exceed to decide the verdict.
const (
	DeepfakeThreshold     = 0.6
	AIThreshold           = 0.6
	ManipulationThreshold = 0.5
)

// Scores are the inputs to fusion. Faces holds only scores that produced a
// verdict; faces without one are left out rather than counted as 0.
type Scores struct {
	Faces        []float64
	AI           float64
	Manipulation float64
}

// Evidence is one signal considered during fusion.
type Evidence struct {
	Source    string  `json:"source"`    // "face", "ai_generation", "manipulation"
	Detail    string  `json:"detail"`    // human-readable detail
	Score     float64 `json:"score"`     // signal value
	Label     Label   `json:"label"`     // label this signal argues for
	Triggered bool    `json:"triggered"` // whether it crossed its threshold
}

// Verdict combines all signals into a label. Confidence is the deciding
// signal's score, or one minus the strongest signal for LabelLikelyReal.
type Verdict struct {
	Label      Label      `json:"label"`
	Confidence float64    `json:"confidence"`
	Evidence   []Evidence `json:"evidence"` // never nil
}

// Fuse resolves the verdict with a fixed priority:
// Deepfake > AI-generated > Manipulated/Edited > Likely Real.
func Fuse(s Scores) Verdict {
	evidence := make([]Evidence, 0, 3) //nolint:mnd // one entry per signal family

	// Signal 1: strongest face.
	maxFace, hasFace := maxOf(s.Faces)
	if hasFace {
		evidence = append(evidence, Evidence{
			Source:    "face",
			Detail:    fmt.Sprintf("max deepfake score over %d face(s)", len(s.Faces)),
			Score:     maxFace,
			Label:     LabelDeepfake,
			Triggered: maxFace > DeepfakeThreshold,
		})
	}

	// Signal 2: AI generation heuristic.
	evidence = append(evidence, Evidence{
		Source:    "ai_generation",
		Detail:    "recompression error, sharpness and entropy heuristic",
		Score:     s.AI,
		Label:     LabelAIGenerated,
		Triggered: s.AI > AIThreshold,
	})

	// Signal 3: manipulation heuristic.
	evidence = append(evidence, Evidence{
		Source:    "manipulation",
		Detail:    "recompression error and capture metadata heuristic",
		Score:     s.Manipulation,
		Label:     LabelManipulated,
		Triggered: s.Manipulation > ManipulationThreshold,
	})

	// Resolution: first triggered signal in priority order wins.
	for _, ev := range evidence {
		if ev.Triggered {
			return Verdict{Label: ev.Label, Confidence: ev.Score, Evidence: evidence}
		}
	}

	strongest := math.Max(s.AI, s.Manipulation)
	if hasFace {
		strongest = math.Max(strongest, maxFace)
	}
	return Verdict{Label: LabelLikelyReal, Confidence: 1 - strongest, Evidence: evidence}
}

func maxOf(vals []float64) (float64, bool) {
	if len(vals) == 0 {
		return 0, false
	}
	m := vals[0]
	for _, v := range vals[1:] {
		m = math.Max(m, v)
	}
	return m, true
}

// round3 rounds half away from zero to three decimals.
func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
