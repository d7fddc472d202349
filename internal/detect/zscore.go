package detect

import (
	"Go2NetGuard/internal/model"
	"context"
	"fmt"
	"math"
)

// AnomalyThreshold is the Z-score above which a feature is considered anomalous.
const AnomalyThreshold = 3.0

// Baseline of regular traffic: per-feature mean and standard deviation in
// FeatureVector.Slice order. Features with a zero deviation are not scored.
var (
	baselineMean = []float64{60, 100, 150000, 1.67, 2500, 1500, 200, 64, 1518, 0.1, 0.05, 1, 1, 1, 1, 0, 0}
	baselineStd  = []float64{30, 50, 75000, 0.5, 1000, 300, 100, 32, 500, 0.05, 0.02, 0, 0, 0, 0, 0, 0}
)

// ZScoreDetector flags a flow whose most deviating feature lies more than
// threshold standard deviations from the baseline.
type ZScoreDetector struct {
	name      string
	threshold float64
	mean      []float64
	std       []float64
}

// NewZScoreDetector returns a detector on the built-in baseline.
func NewZScoreDetector(name string, threshold float64) *ZScoreDetector {
	if threshold <= 0 {
		threshold = AnomalyThreshold
	}
	return &ZScoreDetector{name: name, threshold: threshold, mean: baselineMean, std: baselineStd}
}

// NewZScoreDetectorWithBaseline uses a caller supplied baseline.
func NewZScoreDetectorWithBaseline(name string, threshold float64, mean, std []float64) (*ZScoreDetector, error) {
	if len(mean) != len(model.FeatureNames) || len(std) != len(model.FeatureNames) {
		return nil, fmt.Errorf("baseline needs %d means and deviations", len(model.FeatureNames))
	}
	d := NewZScoreDetector(name, threshold)
	d.mean, d.std = mean, std
	return d, nil
}

func (d *ZScoreDetector) Name() string          { return d.name }
func (d *ZScoreDetector) Kind() model.ModelKind { return model.KindAnomaly }

// Evaluate reports the max |z|. When it exceeds the threshold the score is
// 1 − threshold/max|z|, which grows towards 1 with the deviation.
func (d *ZScoreDetector) Evaluate(_ context.Context, fv model.FeatureVector) (model.Vote, error) {
	maxZ := 0.0
	for i, v := range fv.Slice() {
		if d.std[i] == 0 {
			continue
		}
		if z := math.Abs(v-d.mean[i]) / d.std[i]; z > maxZ {
			maxZ = z
		}
	}
	if math.IsNaN(maxZ) || maxZ <= d.threshold {
		return model.Vote{}, nil
	}
	return model.Vote{Positive: true, Value: 1 - d.threshold/maxZ}, nil
}
