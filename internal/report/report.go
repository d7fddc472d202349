package report

import (
	"Go2NetGuard/internal/metrics"
	"Go2NetGuard/internal/mitigation"
	"Go2NetGuard/internal/model"
	"Go2NetGuard/internal/slice"
	"context"
	"time"
)

// FlowSource is the part of the flow table the reporter reads.
type FlowSource interface {
	TopByRate(now time.Time, window time.Duration, n int) []model.FlowSnapshot
	Len() int
}

type MitigationSource interface {
	Active() []mitigation.Record
}

type SliceSource interface {
	States() []slice.State
}

type StatsSource interface {
	QueryStats(ctx context.Context, switchID string) (model.SwitchStats, error)
}

// Options tunes a Reporter.
type Options struct {
	Window       time.Duration
	DefaultTop   int
	StatsTimeout time.Duration
	Clock        func() time.Time
}

// Reporter answers dashboard queries from live engine state.
type Reporter struct {
	flows       FlowSource
	mitigations MitigationSource
	slices      SliceSource
	stats       StatsSource
	metrics     *metrics.Metrics
	opts        Options
}

// FlowView is one row of the top-flows report.
type FlowView struct {
	Source           string    `json:"source"`
	Destination      string    `json:"destination"`
	Packets          uint64    `json:"packets"`
	Bytes            uint64    `json:"bytes"`
	PacketsPerSecond float64   `json:"packets_per_second"`
	BytesPerSecond   float64   `json:"bytes_per_second"`
	UniqueDstPorts   float64   `json:"unique_dst_ports"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
}

// MitigationView is one active mitigation as reported.
type MitigationView struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Slice      string    `json:"slice,omitempty"`
	Action     string    `json:"action"`
	RuleID     string    `json:"rule_id"`
	Confidence float64   `json:"confidence"`
	AppliedAt  time.Time `json:"applied_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	RemainingS float64   `json:"remaining_seconds"`
}

// Summary is the aggregate metrics report plus the current table sizes.
type Summary struct {
	metrics.Aggregate
	ActiveFlows       int `json:"active_flows"`
	ActiveMitigations int `json:"active_mitigations"`
	IsolatedSlices    int `json:"isolated_slices"`
}

func NewReporter(flows FlowSource, mitigations MitigationSource, slices SliceSource, stats StatsSource, met *metrics.Metrics, opts Options) *Reporter {
	if opts.Window <= 0 {
		opts.Window = 300 * time.Second
	}
	if opts.DefaultTop <= 0 {
		opts.DefaultTop = 20
	}
	if opts.StatsTimeout <= 0 {
		opts.StatsTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Reporter{flows: flows, mitigations: mitigations, slices: slices, stats: stats, metrics: met, opts: opts}
}

// TopFlows returns the n fastest active flows. n <= 0 uses the default.
func (r *Reporter) TopFlows(n int) []FlowView {
	if n <= 0 {
		n = r.opts.DefaultTop
	}
	snaps := r.flows.TopByRate(r.opts.Clock(), r.opts.Window, n)
	out := make([]FlowView, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, FlowView{
			Source:           s.Key.Src.String(),
			Destination:      s.Key.Dst.String(),
			Packets:          s.Packets,
			Bytes:            s.Bytes,
			PacketsPerSecond: s.Features.PacketsPerSecond,
			BytesPerSecond:   s.Features.BytesPerSecond,
			UniqueDstPorts:   s.Features.UniqueDstPorts,
			FirstSeen:        s.FirstSeen,
			LastSeen:         s.LastSeen,
		})
	}
	return out
}

func (r *Reporter) ActiveMitigations() []MitigationView {
	now := r.opts.Clock()
	recs := r.mitigations.Active()
	out := make([]MitigationView, 0, len(recs))
	for _, rec := range recs {
		remaining := rec.ExpiresAt.Sub(now).Seconds()
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, MitigationView{
			ID:         rec.ID.String(),
			Source:     rec.Source.String(),
			Slice:      rec.Slice,
			Action:     string(rec.Action),
			RuleID:     rec.Rule.ID,
			Confidence: rec.Verdict.Confidence,
			AppliedAt:  rec.AppliedAt,
			ExpiresAt:  rec.ExpiresAt,
			RemainingS: remaining,
		})
	}
	return out
}

func (r *Reporter) Slices() []slice.State {
	return r.slices.States()
}

func (r *Reporter) Aggregate() Summary {
	s := Summary{
		Aggregate:         r.metrics.Snapshot(),
		ActiveFlows:       r.flows.Len(),
		ActiveMitigations: len(r.mitigations.Active()),
	}
	for _, st := range r.slices.States() {
		if st.Status == slice.StatusIsolated {
			s.IsolatedSlices++
		}
	}
	return s
}

// SwitchStats asks the actuator for one switch's counters.
func (r *Reporter) SwitchStats(ctx context.Context, switchID string) (model.SwitchStats, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.StatsTimeout)
	defer cancel()
	return r.stats.QueryStats(ctx, switchID)
}
