package model

import (
	"Go2NetGuard/internal/errors"
	"net/netip"
	"time"
)

const (
	ProtoICMP   uint8 = 1
	ProtoTCP    uint8 = 6
	ProtoUDP    uint8 = 17
	ProtoICMPv6 uint8 = 58
)

// FlowEvent is one packet (or flow update) as delivered by a capture collaborator.
// A zero port means the protocol carries no ports.
type FlowEvent struct {
	Timestamp time.Time
	SrcIP     netip.Addr
	DstIP     netip.Addr
	SrcPort   uint16
	DstPort   uint16
	Protocol  uint8
	Length    int
}

// Key returns the aggregation key of the event. IPv4-mapped IPv6 addresses
// are unmapped so that both capture paths land on the same flow.
func (e FlowEvent) Key() FlowKey {
	return FlowKey{Src: e.SrcIP.Unmap(), Dst: e.DstIP.Unmap()}
}

// Validate rejects events that cannot be aggregated.
func (e FlowEvent) Validate() error {
	switch {
	case !e.SrcIP.IsValid():
		return errors.New(errors.KindValidation, "flow event has no source address")
	case !e.DstIP.IsValid():
		return errors.New(errors.KindValidation, "flow event has no destination address")
	case e.Length < 0:
		return errors.Errorf(errors.KindValidation, "flow event has negative length %d", e.Length)
	case e.Timestamp.IsZero():
		return errors.New(errors.KindValidation, "flow event has no timestamp")
	}
	return nil
}

// FlowKey identifies an aggregated flow. Ports and protocol are folded into the
// same flow on purpose.
type FlowKey struct {
	Src netip.Addr
	Dst netip.Addr
}

func (k FlowKey) String() string {
	return k.Src.String() + "->" + k.Dst.String()
}
