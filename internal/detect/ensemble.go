package detect

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/factory"
	"Go2NetGuard/internal/model"
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"go.uber.org/zap"
)

// Member pairs a scoring model with its ensemble weight.
type Member struct {
	Model  model.ScoringModel
	Weight float64
}

// Options tunes an Ensemble.
type Options struct {
	AttackThreshold     float64
	SuspiciousThreshold float64
	MaxAttackConfidence float64
	NormalizeWeights    bool
	MemberTimeout       time.Duration
	Heuristics          Heuristics
	Logger              *zap.SugaredLogger
}

// Ensemble is the ThreatScorer: a weighted sum of member votes plus heuristic
// boosts, mapped onto a label by two thresholds. An ensemble with no members
// scores on heuristics alone.
type Ensemble struct {
	opts    Options
	members []Member
	logger  *zap.SugaredLogger
}

// NewEnsemble creates an ensemble over members. Members with a non-positive
// weight are dropped; with NormalizeWeights the remaining weights sum to 1.
func NewEnsemble(opts Options, members ...Member) *Ensemble {
	if opts.MaxAttackConfidence <= 0 {
		opts.MaxAttackConfidence = 0.95
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.S()
	}

	kept := make([]Member, 0, len(members))
	var total float64
	for _, m := range members {
		if m.Model == nil || m.Weight <= 0 {
			continue
		}
		kept = append(kept, m)
		total += m.Weight
	}
	if opts.NormalizeWeights && total > 0 {
		for i := range kept {
			kept[i].Weight /= total
		}
	}
	return &Ensemble{opts: opts, members: kept, logger: logger.With("component", "scorer")}
}

// NewFromConfig builds the ensemble members through the factory registry.
func NewFromConfig(cfg config.ScorerConfig, logger *zap.SugaredLogger) (*Ensemble, error) {
	var members []Member
	for _, mc := range cfg.Members {
		if !mc.Enabled {
			continue
		}
		m, err := factory.CreateModel(mc)
		if err != nil {
			return nil, err
		}
		members = append(members, Member{Model: m, Weight: mc.Weight})
	}
	return NewEnsemble(Options{
		AttackThreshold:     cfg.AttackThreshold,
		SuspiciousThreshold: cfg.SuspiciousThreshold,
		MaxAttackConfidence: cfg.MaxAttackConfidence,
		NormalizeWeights:    cfg.NormalizeWeights,
		MemberTimeout:       cfg.MemberTimeout.D(),
		Heuristics:          HeuristicsFromConfig(cfg.Heuristics),
		Logger:              logger,
	}, members...), nil
}

// Members returns the names of the active members.
func (e *Ensemble) Members() []string {
	names := make([]string, len(e.members))
	for i, m := range e.members {
		names[i] = m.Model.Name()
	}
	return names
}

// Score never fails: a member that errors or times out is skipped for this call.
func (e *Ensemble) Score(ctx context.Context, fv model.FeatureVector) model.Verdict {
	var score float64
	var factors []string

	for _, m := range e.members {
		vote, err := e.evaluate(ctx, m.Model, fv)
		if err != nil {
			e.logger.Debugw("scoring model unavailable", "model", m.Model.Name(), "error", err)
			factors = append(factors, fmt.Sprintf("%s unavailable", m.Model.Name()))
			continue
		}
		if !vote.Positive || !finite(vote.Value) {
			continue
		}
		value := math.Min(math.Abs(vote.Value), 1)
		score += value * m.Weight
		switch m.Model.Kind() {
		case model.KindAnomaly:
			factors = append(factors, fmt.Sprintf("%s: anomaly score %.2f", m.Model.Name(), value))
		default:
			factors = append(factors, fmt.Sprintf("%s: attack confidence %.2f", m.Model.Name(), value))
		}
	}

	boost, hf := e.opts.Heuristics.Apply(fv)
	score += boost
	factors = append(factors, hf...)

	if !finite(score) || score < 0 {
		score = 0
	}
	return e.verdict(score, factors)
}

func (e *Ensemble) evaluate(ctx context.Context, m model.ScoringModel, fv model.FeatureVector) (model.Vote, error) {
	if e.opts.MemberTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.MemberTimeout)
		defer cancel()
	}
	return m.Evaluate(ctx, fv)
}

func (e *Ensemble) verdict(score float64, factors []string) model.Verdict {
	v := model.Verdict{Score: score, ContributingFactors: factors}
	switch {
	case score > e.opts.AttackThreshold:
		v.Label, v.ThreatLevel = model.LabelAttack, model.ThreatHigh
		v.Confidence = math.Min(e.opts.MaxAttackConfidence, score)
	case score > e.opts.SuspiciousThreshold:
		v.Label, v.ThreatLevel = model.LabelSuspicious, model.ThreatMedium
		v.Confidence = score
	default:
		v.Label, v.ThreatLevel = model.LabelNormal, model.ThreatLow
		v.Confidence = 1 - score
	}
	v.Confidence = math.Max(0, math.Min(1, v.Confidence))
	return v
}

// Close releases members that hold connections.
func (e *Ensemble) Close() error {
	var firstErr error
	for _, m := range e.members {
		if c, ok := m.Model.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
