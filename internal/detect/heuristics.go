package detect

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/model"
	"fmt"
)

// Heuristics adds fixed boosts for raw traffic signatures, so an attack is
// still scored when every model is missing or undertrained.
type Heuristics struct {
	PacketRateThreshold    float64
	PacketRateBoost        float64
	ByteRateThreshold      float64
	ByteRateBoost          float64
	PacketSizeStdThreshold float64
	PacketSizeStdBoost     float64
	PortScanThreshold      float64
	PortScanBoost          float64
}

// HeuristicsFromConfig maps the YAML section onto Heuristics.
func HeuristicsFromConfig(c config.HeuristicsConfig) Heuristics {
	return Heuristics(c)
}

// Apply returns the total boost for fv and one factor per rule that fired.
func (h Heuristics) Apply(fv model.FeatureVector) (float64, []string) {
	var boost float64
	var factors []string
	if h.PacketRateBoost > 0 && fv.PacketsPerSecond > h.PacketRateThreshold {
		boost += h.PacketRateBoost
		factors = append(factors, fmt.Sprintf("high packet rate: %.1f pps", fv.PacketsPerSecond))
	}
	if h.ByteRateBoost > 0 && fv.BytesPerSecond > h.ByteRateThreshold {
		boost += h.ByteRateBoost
		factors = append(factors, fmt.Sprintf("high byte rate: %.1f B/s", fv.BytesPerSecond))
	}
	if h.PacketSizeStdBoost > 0 && fv.StdPacketSize > h.PacketSizeStdThreshold {
		boost += h.PacketSizeStdBoost
		factors = append(factors, fmt.Sprintf("irregular packet sizes: std %.1f", fv.StdPacketSize))
	}
	if h.PortScanBoost > 0 && fv.UniqueDstPorts > h.PortScanThreshold {
		boost += h.PortScanBoost
		factors = append(factors, fmt.Sprintf("port scan signature: %.0f destination ports", fv.UniqueDstPorts))
	}
	return boost, factors
}
