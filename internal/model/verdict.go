package model

import (
	"context"
	"time"
)

// Label is the classification a scorer assigns to a flow.
type Label string

const (
	LabelNormal     Label = "normal"
	LabelSuspicious Label = "suspicious"
	LabelAttack     Label = "attack"
)

// ThreatLevel is the coarse severity attached to a Verdict.
type ThreatLevel string

const (
	ThreatLow    ThreatLevel = "LOW"
	ThreatMedium ThreatLevel = "MEDIUM"
	ThreatHigh   ThreatLevel = "HIGH"
)

// Verdict is the outcome of scoring one feature vector.
// ContributingFactors is for audit only and never drives a decision.
type Verdict struct {
	Label               Label       `json:"label"`
	Confidence          float64     `json:"confidence"`
	ThreatLevel         ThreatLevel `json:"threat_level"`
	Score               float64     `json:"score"`
	ContributingFactors []string    `json:"contributing_factors,omitempty"`
}

// ThreatScorer turns a feature vector into a Verdict. Implementations must
// always return a usable Verdict, even when every underlying model fails.
type ThreatScorer interface {
	Score(ctx context.Context, fv FeatureVector) Verdict
}

// FlowContext carries what a mitigation decision needs to know about the flow
// behind a Verdict.
type FlowContext struct {
	Key      FlowKey       `json:"key"`
	Slice    string        `json:"slice"`
	Features FeatureVector `json:"features"`
	SeenAt   time.Time     `json:"seen_at"`
}

// ModelKind tells the ensemble how to read a member's Vote.
type ModelKind string

const (
	// KindClassifier members vote attack/normal with a confidence.
	KindClassifier ModelKind = "classifier"
	// KindAnomaly members vote anomalous/regular with a score.
	KindAnomaly ModelKind = "anomaly"
)

// Vote is one member's opinion. Positive means attack for a classifier and
// anomalous for an anomaly detector; Value is the confidence or score.
type Vote struct {
	Positive bool
	Value    float64
}

// ScoringModel is one member of an ensemble ThreatScorer.
type ScoringModel interface {
	Name() string
	Kind() ModelKind
	Evaluate(ctx context.Context, fv FeatureVector) (Vote, error)
}
