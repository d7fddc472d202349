package model

import (
	"math"
)

// FeatureNames is the fixed order of FeatureVector.Slice.
var FeatureNames = []string{
	"flow_duration",
	"total_packets",
	"total_bytes",
	"packets_per_second",
	"bytes_per_second",
	"avg_packet_size",
	"std_packet_size",
	"min_packet_size",
	"max_packet_size",
	"avg_iat",
	"std_iat",
	"unique_src_ports",
	"unique_dst_ports",
	"unique_protocols",
	"is_tcp",
	"is_udp",
	"is_icmp",
}

// FeatureVector is the numeric description of one flow handed to a ThreatScorer.
type FeatureVector struct {
	FlowDuration     float64 `json:"flow_duration"`
	TotalPackets     float64 `json:"total_packets"`
	TotalBytes       float64 `json:"total_bytes"`
	PacketsPerSecond float64 `json:"packets_per_second"`
	BytesPerSecond   float64 `json:"bytes_per_second"`
	AvgPacketSize    float64 `json:"avg_packet_size"`
	StdPacketSize    float64 `json:"std_packet_size"`
	MinPacketSize    float64 `json:"min_packet_size"`
	MaxPacketSize    float64 `json:"max_packet_size"`
	AvgIAT           float64 `json:"avg_iat"`
	StdIAT           float64 `json:"std_iat"`
	UniqueSrcPorts   float64 `json:"unique_src_ports"`
	UniqueDstPorts   float64 `json:"unique_dst_ports"`
	UniqueProtocols  float64 `json:"unique_protocols"`
	IsTCP            float64 `json:"is_tcp"`
	IsUDP            float64 `json:"is_udp"`
	IsICMP           float64 `json:"is_icmp"`
}

// DefaultFeatureVector returns the values used for any feature a producer leaves out.
func DefaultFeatureVector() FeatureVector {
	return FeatureVector{
		FlowDuration:     60,
		TotalPackets:     100,
		TotalBytes:       150000,
		PacketsPerSecond: 1.67,
		BytesPerSecond:   2500,
		AvgPacketSize:    1500,
		StdPacketSize:    200,
		MinPacketSize:    64,
		MaxPacketSize:    1518,
		AvgIAT:           0.1,
		StdIAT:           0.05,
		UniqueSrcPorts:   1,
		UniqueDstPorts:   1,
		UniqueProtocols:  1,
		IsTCP:            1,
		IsUDP:            0,
		IsICMP:           0,
	}
}

// Slice returns the features in FeatureNames order.
func (f FeatureVector) Slice() []float64 {
	return []float64{
		f.FlowDuration,
		f.TotalPackets,
		f.TotalBytes,
		f.PacketsPerSecond,
		f.BytesPerSecond,
		f.AvgPacketSize,
		f.StdPacketSize,
		f.MinPacketSize,
		f.MaxPacketSize,
		f.AvgIAT,
		f.StdIAT,
		f.UniqueSrcPorts,
		f.UniqueDstPorts,
		f.UniqueProtocols,
		f.IsTCP,
		f.IsUDP,
		f.IsICMP,
	}
}

// Map returns the features keyed by name.
func (f FeatureVector) Map() map[string]float64 {
	values := f.Slice()
	m := make(map[string]float64, len(values))
	for i, name := range FeatureNames {
		m[name] = values[i]
	}
	return m
}

// FeatureVectorFromMap builds a vector from named values, filling the gaps with
// DefaultFeatureVector. Unknown names and non-finite values are ignored.
func FeatureVectorFromMap(values map[string]float64) FeatureVector {
	f := DefaultFeatureVector()
	fields := f.fields()
	for i, name := range FeatureNames {
		v, ok := values[name]
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		*fields[i] = v
	}
	return f
}

func (f *FeatureVector) fields() []*float64 {
	return []*float64{
		&f.FlowDuration,
		&f.TotalPackets,
		&f.TotalBytes,
		&f.PacketsPerSecond,
		&f.BytesPerSecond,
		&f.AvgPacketSize,
		&f.StdPacketSize,
		&f.MinPacketSize,
		&f.MaxPacketSize,
		&f.AvgIAT,
		&f.StdIAT,
		&f.UniqueSrcPorts,
		&f.UniqueDstPorts,
		&f.UniqueProtocols,
		&f.IsTCP,
		&f.IsUDP,
		&f.IsICMP,
	}
}
