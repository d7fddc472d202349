package protocol

import (
	"Go2NetGuard/internal/errors"
	"Go2NetGuard/internal/model"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Decode parses a raw Ethernet frame captured at ts.
func Decode(data []byte, ts time.Time) (model.FlowEvent, error) {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	packet.Metadata().Timestamp = ts
	packet.Metadata().Length = len(data)
	return ParsePacket(packet)
}

// ParsePacket extracts a FlowEvent from a decoded packet. IPv4 and IPv6 are
// supported; ports are filled for TCP and UDP and left zero otherwise.
func ParsePacket(packet gopacket.Packet) (model.FlowEvent, error) {
	ev := model.FlowEvent{
		Timestamp: time.Now(), // overwritten by capture metadata when present
		Length:    len(packet.Data()),
	}
	if meta := packet.Metadata(); meta != nil {
		if !meta.Timestamp.IsZero() {
			ev.Timestamp = meta.Timestamp
		}
		if meta.Length > 0 {
			ev.Length = meta.Length
		}
	}

	var ok bool
	switch {
	case packet.Layer(layers.LayerTypeIPv4) != nil:
		ip := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		ev.SrcIP, ok = netip.AddrFromSlice(ip.SrcIP.To4())
		if ok {
			ev.DstIP, ok = netip.AddrFromSlice(ip.DstIP.To4())
		}
		ev.Protocol = uint8(ip.Protocol)
	case packet.Layer(layers.LayerTypeIPv6) != nil:
		ip := packet.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		ev.SrcIP, ok = netip.AddrFromSlice(ip.SrcIP.To16())
		if ok {
			ev.DstIP, ok = netip.AddrFromSlice(ip.DstIP.To16())
		}
		ev.Protocol = uint8(ip.NextHeader)
	default:
		return model.FlowEvent{}, errors.New(errors.KindValidation, "not an IP packet")
	}
	if !ok {
		return model.FlowEvent{}, errors.New(errors.KindValidation, "packet with invalid addresses")
	}

	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		ev.SrcPort = uint16(tcp.SrcPort)
		ev.DstPort = uint16(tcp.DstPort)
		ev.Protocol = model.ProtoTCP
	} else if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		ev.SrcPort = uint16(udp.SrcPort)
		ev.DstPort = uint16(udp.DstPort)
		ev.Protocol = model.ProtoUDP
	} else if packet.Layer(layers.LayerTypeICMPv4) != nil {
		ev.Protocol = model.ProtoICMP
	} else if packet.Layer(layers.LayerTypeICMPv6) != nil {
		ev.Protocol = model.ProtoICMPv6
	}
	return ev, nil
}
