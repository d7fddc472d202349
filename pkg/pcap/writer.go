package pcap

import (
	"Go2NetGuard/internal/errors"
	"Go2NetGuard/internal/model"
	"io"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var (
	srcMAC = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	dstMAC = net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA}
)

// Writer turns flow events back into Ethernet frames in a classic pcap file.
// Payloads are zero-filled so that the frame is ev.Length bytes whenever the
// headers fit.
type Writer struct {
	w   *pcapgo.Writer
	buf gopacket.SerializeBuffer
}

// NewWriter writes the pcap file header to w.
func NewWriter(w io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to write pcap header")
	}
	return &Writer{w: pw, buf: gopacket.NewSerializeBuffer()}, nil
}

// WriteEvent serializes one event as a frame stamped with ev.Timestamp.
func (w *Writer) WriteEvent(ev model.FlowEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	src, dst := ev.SrcIP.Unmap(), ev.DstIP.Unmap()
	if src.Is4() != dst.Is4() {
		return errors.New(errors.KindValidation, "mixed address families")
	}

	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC}
	headers := 14
	var network gopacket.NetworkLayer
	var ipLayer gopacket.SerializableLayer
	if src.Is4() {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocol(ev.Protocol), SrcIP: src.AsSlice(), DstIP: dst.AsSlice()}
		network, ipLayer = ip, ip
		headers += 20
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocol(ev.Protocol), SrcIP: src.AsSlice(), DstIP: dst.AsSlice()}
		network, ipLayer = ip, ip
		headers += 40
	}

	stack := []gopacket.SerializableLayer{eth, ipLayer}
	switch ev.Protocol {
	case model.ProtoTCP:
		tcp := &layers.TCP{SrcPort: layers.TCPPort(ev.SrcPort), DstPort: layers.TCPPort(ev.DstPort), SYN: true, Window: 14600}
		tcp.SetNetworkLayerForChecksum(network)
		stack = append(stack, tcp)
		headers += 20
	case model.ProtoUDP:
		udp := &layers.UDP{SrcPort: layers.UDPPort(ev.SrcPort), DstPort: layers.UDPPort(ev.DstPort)}
		udp.SetNetworkLayerForChecksum(network)
		stack = append(stack, udp)
		headers += 8
	case model.ProtoICMP:
		stack = append(stack, &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)})
		headers += 8
	}
	if pad := ev.Length - headers; pad > 0 {
		stack = append(stack, gopacket.Payload(make([]byte, pad)))
	}

	if err := w.buf.Clear(); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to reset buffer")
	}
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(w.buf, opts, stack...); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to serialize layers")
	}
	data := w.buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: ev.Timestamp, CaptureLength: len(data), Length: len(data)}
	if err := w.w.WritePacket(ci, data); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to write packet")
	}
	return nil
}
