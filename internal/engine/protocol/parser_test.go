package protocol

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"Go2NetGuard/internal/model"
)

var ts = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("Failed to serialize packet: %v", err)
	}
	return buf.Bytes()
}

func eth(typ layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: typ,
	}
}

func TestDecodeTCPv4(t *testing.T) {
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IPv4(203, 0, 113, 66), DstIP: net.IPv4(10, 0, 0, 10)}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 80, SYN: true}
	tcp.SetNetworkLayerForChecksum(ip)
	data := serialize(t, eth(layers.EthernetTypeIPv4), ip, tcp, gopacket.Payload(make([]byte, 100)))

	ev, err := Decode(data, ts)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	want := model.FlowEvent{
		Timestamp: ts,
		SrcIP:     netip.MustParseAddr("203.0.113.66"),
		DstIP:     netip.MustParseAddr("10.0.0.10"),
		SrcPort:   40000,
		DstPort:   80,
		Protocol:  model.ProtoTCP,
		Length:    len(data),
	}
	if ev != want {
		t.Errorf("got %+v, want %+v", ev, want)
	}
}

func TestDecodeUDPv6(t *testing.T) {
	ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolUDP,
		SrcIP: net.ParseIP("2001:db8::1"), DstIP: net.ParseIP("2001:db8::10")}
	udp := &layers.UDP{SrcPort: 5353, DstPort: 53}
	udp.SetNetworkLayerForChecksum(ip)
	data := serialize(t, eth(layers.EthernetTypeIPv6), ip, udp, gopacket.Payload([]byte("query")))

	ev, err := Decode(data, ts)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if ev.SrcIP != netip.MustParseAddr("2001:db8::1") || ev.DstPort != 53 || ev.Protocol != model.ProtoUDP {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestDecodeICMPHasNoPorts(t *testing.T) {
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolICMPv4,
		SrcIP: net.IPv4(198, 51, 100, 7), DstIP: net.IPv4(10, 0, 0, 10)}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 1, Seq: 1}
	data := serialize(t, eth(layers.EthernetTypeIPv4), ip, icmp, gopacket.Payload(make([]byte, 56)))

	ev, err := Decode(data, ts)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if ev.Protocol != model.ProtoICMP || ev.SrcPort != 0 || ev.DstPort != 0 {
		t.Errorf("unexpected event %+v", ev)
	}
	if err := ev.Validate(); err != nil {
		t.Errorf("ICMP event should validate: %v", err)
	}
}

func TestDecodeRejectsNonIP(t *testing.T) {
	arp := &layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
		SourceHwAddress: []byte{0, 1, 2, 3, 4, 5}, SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress: []byte{0, 0, 0, 0, 0, 0}, DstProtAddress: []byte{10, 0, 0, 2},
	}
	data := serialize(t, eth(layers.EthernetTypeARP), arp)
	if _, err := Decode(data, ts); err == nil {
		t.Fatal("expected an error for an ARP frame")
	}
}
