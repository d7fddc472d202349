package model

import "time"

// FlowSnapshot is a point-in-time copy of one flow, as persisted by writers.
type FlowSnapshot struct {
	Key       FlowKey       `json:"key"`
	FirstSeen time.Time     `json:"first_seen"`
	LastSeen  time.Time     `json:"last_seen"`
	Packets   uint64        `json:"packets"`
	Bytes     uint64        `json:"bytes"`
	Features  FeatureVector `json:"features"`
}

// Writer defines a generic interface for persisting periodic flow snapshots.
type Writer interface {
	// Write persists one snapshot. timestamp names the snapshot round.
	Write(flows []FlowSnapshot, timestamp time.Time) error

	// GetInterval returns the configured snapshot interval for this writer.
	GetInterval() time.Duration

	Name() string
}
