package detect

import (
	"Go2NetGuard/internal/model"
	"context"
	"math"
)

// centroidFeatures are the indices (into FeatureVector.Slice) the centroid
// classifier compares: total_packets, pps, bps, std/min packet size, avg_iat
// and unique_dst_ports.
var centroidFeatures = []int{1, 3, 4, 6, 7, 9, 12}

// Class centres of the reference traffic profiles, in FeatureVector.Slice order.
var (
	normalProfile = []float64{60, 100, 150000, 1.67, 2500, 1500, 200, 64, 1518, 0.1, 0.05, 1, 1, 1, 1, 0, 0}
	attackProfile = []float64{30, 5000, 7500000, 166.67, 250000, 1500, 0, 1500, 1500, 0.006, 0, 1, 10, 1, 1, 0, 0}
)

// CentroidClassifier is a two-class Gaussian nearest-centroid classifier over
// log1p-scaled features. Temperature widens the decision boundary: the attack
// probability is sigmoid((d²normal − d²attack) / 2T).
type CentroidClassifier struct {
	name        string
	temperature float64
	normal      []float64
	attack      []float64
}

// NewCentroidClassifier returns a classifier built on the reference profiles.
func NewCentroidClassifier(name string, temperature float64) *CentroidClassifier {
	if temperature <= 0 {
		temperature = 4
	}
	return &CentroidClassifier{
		name:        name,
		temperature: temperature,
		normal:      project(normalProfile),
		attack:      project(attackProfile),
	}
}

func (c *CentroidClassifier) Name() string          { return c.name }
func (c *CentroidClassifier) Kind() model.ModelKind { return model.KindClassifier }

func (c *CentroidClassifier) Evaluate(_ context.Context, fv model.FeatureVector) (model.Vote, error) {
	x := project(fv.Slice())
	dn, da := sqDist(x, c.normal), sqDist(x, c.attack)
	p := 1 / (1 + math.Exp(-(dn-da)/(2*c.temperature)))
	if math.IsNaN(p) {
		p = 0
	}
	if p >= 0.5 {
		return model.Vote{Positive: true, Value: p}, nil
	}
	return model.Vote{Positive: false, Value: 1 - p}, nil
}

func project(values []float64) []float64 {
	out := make([]float64, len(centroidFeatures))
	for i, idx := range centroidFeatures {
		out[i] = math.Log1p(math.Max(0, values[idx]))
	}
	return out
}

func sqDist(a, b []float64) float64 {
	var d float64
	for i := range a {
		diff := a[i] - b[i]
		d += diff * diff
	}
	return d
}
