package detect

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/model"
)

func defaultEnsemble(t *testing.T) *Ensemble {
	t.Helper()
	cfg := config.Default().Scorer
	e, err := NewFromConfig(cfg, logging.Discard())
	require.NoError(t, err)
	require.Equal(t, []string{"centroid", "zscore"}, e.Members())
	return e
}

func normalVector() model.FeatureVector {
	return model.FeatureVectorFromMap(map[string]float64{
		"packets_per_second": 1.67,
		"bytes_per_second":   2500,
		"avg_packet_size":    1500,
		"unique_dst_ports":   1,
	})
}

func attackVector() model.FeatureVector {
	return model.FeatureVectorFromMap(map[string]float64{
		"packets_per_second": 1000,
		"bytes_per_second":   1_500_000,
		"unique_dst_ports":   50,
		"std_packet_size":    0,
	})
}

func TestNormalTrafficScoresLow(t *testing.T) {
	v := defaultEnsemble(t).Score(context.Background(), normalVector())
	assert.Equal(t, model.LabelNormal, v.Label)
	assert.Equal(t, model.ThreatLow, v.ThreatLevel)
	assert.InDelta(t, 1.0, v.Confidence, 0.01)
}

func TestFloodScoresHigh(t *testing.T) {
	v := defaultEnsemble(t).Score(context.Background(), attackVector())
	assert.Equal(t, model.LabelAttack, v.Label)
	assert.Equal(t, model.ThreatHigh, v.ThreatLevel)
	assert.GreaterOrEqual(t, v.Confidence, 0.9)
	assert.LessOrEqual(t, v.Confidence, 0.95)
	assert.NotEmpty(t, v.ContributingFactors)
}

func TestHeuristicsOnly(t *testing.T) {
	e := NewEnsemble(Options{
		AttackThreshold:     0.7,
		SuspiciousThreshold: 0.4,
		Heuristics:          HeuristicsFromConfig(config.Default().Scorer.Heuristics),
		Logger:              logging.Discard(),
	})

	v := e.Score(context.Background(), attackVector())
	assert.InDelta(t, 0.3, v.Score, 1e-9, "byte rate and port scan boosts")
	assert.Equal(t, model.LabelNormal, v.Label)
	assert.InDelta(t, 0.7, v.Confidence, 1e-9)

	fv := attackVector()
	fv.PacketsPerSecond = 5000
	fv.StdPacketSize = 600
	v = e.Score(context.Background(), fv)
	assert.InDelta(t, 0.6, v.Score, 1e-9)
	assert.Equal(t, model.LabelSuspicious, v.Label)
	assert.Equal(t, model.ThreatMedium, v.ThreatLevel)
	assert.InDelta(t, 0.6, v.Confidence, 1e-9)
}

type stubModel struct {
	name string
	kind model.ModelKind
	vote model.Vote
	err  error
	wait time.Duration
}

func (s stubModel) Name() string          { return s.name }
func (s stubModel) Kind() model.ModelKind { return s.kind }
func (s stubModel) Evaluate(ctx context.Context, _ model.FeatureVector) (model.Vote, error) {
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return model.Vote{}, ctx.Err()
		}
	}
	return s.vote, s.err
}

func TestFailingMembersAreSkipped(t *testing.T) {
	e := NewEnsemble(Options{
		AttackThreshold:     0.7,
		SuspiciousThreshold: 0.4,
		MemberTimeout:       10 * time.Millisecond,
		Logger:              logging.Discard(),
	},
		Member{Model: stubModel{name: "broken", kind: model.KindClassifier, err: errors.New("model file missing")}, Weight: 0.6},
		Member{Model: stubModel{name: "slow", kind: model.KindAnomaly, vote: model.Vote{Positive: true, Value: 1}, wait: time.Second}, Weight: 0.4},
		Member{Model: stubModel{name: "nan", kind: model.KindClassifier, vote: model.Vote{Positive: true, Value: math.NaN()}}, Weight: 1},
	)

	v := e.Score(context.Background(), attackVector())
	assert.Equal(t, model.LabelNormal, v.Label)
	assert.Zero(t, v.Score)
	assert.Contains(t, v.ContributingFactors, "broken unavailable")
	assert.Contains(t, v.ContributingFactors, "slow unavailable")
}

func TestWeightedVotes(t *testing.T) {
	members := []Member{
		{Model: stubModel{name: "rf", kind: model.KindClassifier, vote: model.Vote{Positive: true, Value: 0.9}}, Weight: 3},
		{Model: stubModel{name: "iso", kind: model.KindAnomaly, vote: model.Vote{Positive: true, Value: -0.5}}, Weight: 1},
		{Model: stubModel{name: "calm", kind: model.KindClassifier, vote: model.Vote{Positive: false, Value: 0.99}}, Weight: 2},
		{Model: stubModel{name: "off", kind: model.KindClassifier, vote: model.Vote{Positive: true, Value: 1}}, Weight: 0},
	}

	raw := NewEnsemble(Options{AttackThreshold: 0.7, SuspiciousThreshold: 0.4, Logger: logging.Discard()}, members...)
	v := raw.Score(context.Background(), normalVector())
	assert.InDelta(t, 0.9*3+0.5, v.Score, 1e-9, "anomaly scores count by magnitude")
	assert.Equal(t, 0.95, v.Confidence)

	norm := NewEnsemble(Options{AttackThreshold: 0.7, SuspiciousThreshold: 0.4, NormalizeWeights: true, Logger: logging.Discard()}, members...)
	v = norm.Score(context.Background(), normalVector())
	assert.InDelta(t, (0.9*3+0.5)/6, v.Score, 1e-9)
	assert.Equal(t, model.LabelSuspicious, v.Label)
}

func TestVerdictAlwaysValid(t *testing.T) {
	e := defaultEnsemble(t)
	rng := rand.New(rand.NewSource(42))
	valid := map[model.Label]bool{model.LabelNormal: true, model.LabelSuspicious: true, model.LabelAttack: true}

	for i := 0; i < 500; i++ {
		values := make(map[string]float64, len(model.FeatureNames))
		for _, name := range model.FeatureNames {
			values[name] = rng.Float64() * math.Pow(10, float64(rng.Intn(8)))
		}
		v := e.Score(context.Background(), model.FeatureVectorFromMap(values))
		require.True(t, valid[v.Label], "label %q", v.Label)
		require.GreaterOrEqual(t, v.Confidence, 0.0)
		require.LessOrEqual(t, v.Confidence, 1.0)
	}
}

func TestZScoreDetector(t *testing.T) {
	d := NewZScoreDetector("z", 0)
	vote, err := d.Evaluate(context.Background(), model.DefaultFeatureVector())
	require.NoError(t, err)
	assert.False(t, vote.Positive)

	fv := model.DefaultFeatureVector()
	fv.PacketsPerSecond = 1.67 + 0.5*6
	vote, err = d.Evaluate(context.Background(), fv)
	require.NoError(t, err)
	assert.True(t, vote.Positive)
	assert.InDelta(t, 0.5, vote.Value, 1e-9)

	_, err = NewZScoreDetectorWithBaseline("bad", 3, []float64{1}, []float64{1})
	assert.Error(t, err)
}

func TestCentroidClassifier(t *testing.T) {
	c := NewCentroidClassifier("c", 4)
	vote, err := c.Evaluate(context.Background(), normalVector())
	require.NoError(t, err)
	assert.False(t, vote.Positive)
	assert.Greater(t, vote.Value, 0.99)

	vote, err = c.Evaluate(context.Background(), attackVector())
	require.NoError(t, err)
	assert.True(t, vote.Positive)
	assert.Greater(t, vote.Value, 0.99)
}
