package imagecheck

import (
	"fmt"
	"math"
)

// Reference points of the heuristic category scorers.
const (
	aiELACeiling       = 0.08  // ELA mean below this suggests a never-compressed render
	aiSharpnessCeiling = 100.0 // Laplacian variance below this reads as over-smooth
	aiEntropyCeiling   = 6.0   // luma entropy below this reads as low-detail
	manipELASpan       = 0.15  // ELA mean at which the manipulation feature saturates

	aiWeightELA       = 0.5
	aiWeightSharpness = 0.3
	aiWeightEntropy   = 0.2
)

// CategoryScore is a category probability in [0,1]. When one of its input
// signals failed, Value is 0 and Err names the failure; the category then
// contributes nothing to the verdict. The failed signal's neutral value is
// not fed into the formula, so the other inputs cannot lift the score alone.
type CategoryScore struct {
	Value float64
	Err   error
}

// MarshalJSON renders {"value": ...} or {"error": "..."}.
func (c CategoryScore) MarshalJSON() ([]byte, error) {
	return Signal[float64](c).MarshalJSON()
}

// clamp01 limits v to [0,1]; NaN maps to 0.
func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// AIGenerationScore estimates how likely the image is machine-generated:
// unusually low recompression error, low sharpness and low entropy all push
// the score up.
func AIGenerationScore(fs FeatureSet) CategoryScore {
	for _, err := range []error{fs.ELA.Err, fs.Sharpness.Err, fs.Entropy.Err} {
		if err != nil {
			return CategoryScore{Err: fmt.Errorf("ai generation: %w", err)}
		}
	}

	ela := fs.ELA.Value.Mean
	var elaSub float64
	if ela < aiELACeiling {
		elaSub = clamp01((aiELACeiling - ela) / aiELACeiling)
	}
	sharpSub := clamp01((aiSharpnessCeiling - fs.Sharpness.Value) / aiSharpnessCeiling)
	entSub := clamp01((aiEntropyCeiling - fs.Entropy.Value) / aiEntropyCeiling)

	return CategoryScore{Value: clamp01(aiWeightELA*elaSub + aiWeightSharpness*sharpSub + aiWeightEntropy*entSub)}
}

// ManipulationScore estimates how likely the image was edited: high
// recompression error, plus a fixed penalty when no capture metadata is
// present. Unreadable metadata counts as absent.
func ManipulationScore(fs FeatureSet, missingMetadataPenalty float64) CategoryScore {
	if fs.ELA.Err != nil {
		return CategoryScore{Err: fmt.Errorf("manipulation: %w", fs.ELA.Err)}
	}

	score := clamp01(fs.ELA.Value.Mean / manipELASpan)
	if !fs.Metadata.Value.Present() {
		score += missingMetadataPenalty
	}
	return CategoryScore{Value: clamp01(score)}
}
