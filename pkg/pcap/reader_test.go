package pcap

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/model"
)

var captured = time.Date(2025, 11, 5, 8, 0, 0, 0, time.UTC)

func udpFrame(t *testing.T, dstPort uint16) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: net.HardwareAddr{0, 1, 2, 3, 4, 5}, DstMAC: net.HardwareAddr{6, 7, 8, 9, 10, 11}, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.IPv4(203, 0, 113, 66), DstIP: net.IPv4(10, 0, 0, 10)}
	udp := &layers.UDP{SrcPort: 1234, DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		eth, ip, udp, gopacket.Payload(make([]byte, 64))))
	return buf.Bytes()
}

func arpFrame(t *testing.T) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: net.HardwareAddr{0, 1, 2, 3, 4, 5}, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4, HwAddressSize: 6, ProtAddressSize: 4,
		Operation: layers.ARPRequest, SourceHwAddress: []byte{0, 1, 2, 3, 4, 5}, SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress: make([]byte, 6), DstProtAddress: []byte{10, 0, 0, 2}}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp))
	return buf.Bytes()
}

// writeCapture writes 5 UDP packets 10ms apart plus one ARP frame.
func writeCapture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flood.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	write := func(data []byte, at time.Time) {
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{Timestamp: at, CaptureLength: len(data), Length: len(data)}, data))
	}
	for i := 0; i < 5; i++ {
		write(udpFrame(t, uint16(1000+i)), captured.Add(time.Duration(i)*10*time.Millisecond))
	}
	write(arpFrame(t), captured.Add(50*time.Millisecond))
	return path
}

func TestReadEvents(t *testing.T) {
	r, err := NewReader(writeCapture(t), Options{Logger: logging.Discard()})
	require.NoError(t, err)
	defer r.Close()

	var events []model.FlowEvent
	stats, err := r.ReadEvents(context.Background(), func(ev model.FlowEvent) { events = append(events, ev) })
	require.NoError(t, err)
	assert.Equal(t, Stats{Packets: 6, Events: 5, Skipped: 1}, stats)
	require.Len(t, events, 5)
	assert.True(t, events[0].Timestamp.Equal(captured))
	assert.Equal(t, uint16(1004), events[4].DstPort)
	assert.Equal(t, model.ProtoUDP, events[4].Protocol)
}

func TestReadEventsRebase(t *testing.T) {
	r, err := NewReader(writeCapture(t), Options{Rebase: true, Pace: true, Logger: logging.Discard()})
	require.NoError(t, err)
	defer r.Close()

	before := time.Now()
	var events []model.FlowEvent
	_, err = r.ReadEvents(context.Background(), func(ev model.FlowEvent) { events = append(events, ev) })
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.False(t, events[0].Timestamp.Before(before))
	assert.Equal(t, 40*time.Millisecond, events[4].Timestamp.Sub(events[0].Timestamp))
	assert.GreaterOrEqual(t, time.Since(before), 40*time.Millisecond)
}

func TestReadEventsCancelled(t *testing.T) {
	r, err := NewReader(writeCapture(t), Options{Logger: logging.Discard()})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats, err := r.ReadEvents(ctx, func(model.FlowEvent) {})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stats.Events)
}

func TestNewReaderRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.pcap")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a capture"), 0o644))
	_, err := NewReader(path, Options{})
	assert.Error(t, err)
}
