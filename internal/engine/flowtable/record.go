package flowtable

import (
	"Go2NetGuard/internal/model"
	"sync"
	"time"
)

// epsilon is the smallest duration a flow is reported with.
const epsilon = time.Millisecond

// record is the aggregated state of one flow. It is only touched under its shard's lock.
type record struct {
	key       model.FlowKey
	packets   uint64
	bytes     uint64
	firstSeen time.Time
	lastSeen  time.Time
	sizes     moments
	iat       moments
	srcPorts  map[uint16]struct{}
	dstPorts  map[uint16]struct{}
	protocols map[uint8]struct{}
	// changed is set by every ingest and cleared when the sampler takes the flow.
	changed bool
}

func newRecord(ev model.FlowEvent, key model.FlowKey) *record {
	return &record{
		key:       key,
		firstSeen: ev.Timestamp,
		lastSeen:  ev.Timestamp,
		srcPorts:  make(map[uint16]struct{}),
		dstPorts:  make(map[uint16]struct{}),
		protocols: make(map[uint8]struct{}),
	}
}

// add folds one event into the record. Inter-arrival samples come from
// non-negative deltas only, so late events widen the window without skewing IAT.
func (r *record) add(ev model.FlowEvent, maxSet int) {
	if r.packets > 0 {
		if delta := ev.Timestamp.Sub(r.lastSeen); delta >= 0 {
			r.iat.update(delta.Seconds())
		}
	}
	r.changed = true
	r.packets++
	r.bytes += uint64(ev.Length)
	r.sizes.update(float64(ev.Length))

	if ev.Timestamp.After(r.lastSeen) {
		r.lastSeen = ev.Timestamp
	}
	if ev.Timestamp.Before(r.firstSeen) {
		r.firstSeen = ev.Timestamp
	}

	if ev.SrcPort != 0 {
		addCapped(r.srcPorts, ev.SrcPort, maxSet)
	}
	if ev.DstPort != 0 {
		addCapped(r.dstPorts, ev.DstPort, maxSet)
	}
	addCapped(r.protocols, ev.Protocol, maxSet)
}

func addCapped[K comparable](set map[K]struct{}, k K, limit int) {
	if _, ok := set[k]; ok || len(set) >= limit {
		return
	}
	set[k] = struct{}{}
}

// features derives the feature vector. Rates are 0 while the flow has not yet
// spanned epsilon, instead of dividing by the epsilon floor.
func (r *record) features() model.FeatureVector {
	span := r.lastSeen.Sub(r.firstSeen)
	duration := span
	if duration < epsilon {
		duration = epsilon
	}
	secs := duration.Seconds()

	fv := model.FeatureVector{
		FlowDuration:    secs,
		TotalPackets:    float64(r.packets),
		TotalBytes:      float64(r.bytes),
		AvgPacketSize:   r.sizes.avg(),
		StdPacketSize:   r.sizes.stddev(),
		MinPacketSize:   r.sizes.min,
		MaxPacketSize:   r.sizes.max,
		AvgIAT:          r.iat.avg(),
		StdIAT:          r.iat.stddev(),
		UniqueSrcPorts:  float64(len(r.srcPorts)),
		UniqueDstPorts:  float64(len(r.dstPorts)),
		UniqueProtocols: float64(len(r.protocols)),
	}
	if span >= epsilon {
		fv.PacketsPerSecond = float64(r.packets) / secs
		fv.BytesPerSecond = float64(r.bytes) / secs
	}
	if _, ok := r.protocols[model.ProtoTCP]; ok {
		fv.IsTCP = 1
	}
	if _, ok := r.protocols[model.ProtoUDP]; ok {
		fv.IsUDP = 1
	}
	_, icmp := r.protocols[model.ProtoICMP]
	_, icmp6 := r.protocols[model.ProtoICMPv6]
	if icmp || icmp6 {
		fv.IsICMP = 1
	}
	return fv
}

func (r *record) snapshot() model.FlowSnapshot {
	return model.FlowSnapshot{
		Key:       r.key,
		FirstSeen: r.firstSeen,
		LastSeen:  r.lastSeen,
		Packets:   r.packets,
		Bytes:     r.bytes,
		Features:  r.features(),
	}
}

// shard is a part of the sharded flow map, containing its own map and a mutex.
type shard struct {
	mu    sync.RWMutex
	flows map[model.FlowKey]*record
}
