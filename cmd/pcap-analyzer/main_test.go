package main

import (
	"bytes"
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

	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/logging"
)

func frame(t *testing.T, src net.IP, dstPort uint16) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: net.HardwareAddr{0, 1, 2, 3, 4, 5}, DstMAC: net.HardwareAddr{6, 7, 8, 9, 10, 11}, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: src, DstIP: net.IPv4(10, 0, 0, 10)}
	udp := &layers.UDP{SrcPort: 4444, DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		eth, ip, udp, gopacket.Payload(make([]byte, 900))))
	return buf.Bytes()
}

func writeCapture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mixed.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	start := time.Date(2025, 11, 5, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		data := frame(t, net.IPv4(203, 0, 113, 66), uint16(1+i))
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{Timestamp: start.Add(time.Duration(i) * time.Millisecond), CaptureLength: len(data), Length: len(data)}, data))
	}
	for i := 0; i < 3; i++ {
		data := frame(t, net.IPv4(10, 0, 1, 7), 53)
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{Timestamp: start.Add(time.Duration(i) * time.Second), CaptureLength: len(data), Length: len(data)}, data))
	}
	return path
}

func TestAnalyze(t *testing.T) {
	rep, err := analyze(context.Background(), writeCapture(t), config.Default(), logging.Discard())
	require.NoError(t, err)

	assert.Equal(t, 33, rep.Stats.Events)
	assert.Equal(t, 2, rep.Flows)
	// The 3-packet flow stays below the minimum and is not scored.
	require.Len(t, rep.Findings, 1)
	f := rep.Findings[0]
	assert.Equal(t, "203.0.113.66", f.Flow.Key.Src.String())
	assert.Equal(t, uint64(30), f.Flow.Packets)
	assert.Equal(t, "eMBB", f.Slice)

	var out bytes.Buffer
	printReport(&out, rep)
	assert.Contains(t, out.String(), "packets=33 events=33 skipped=0 flows=2 scored=1")
	assert.Contains(t, out.String(), "203.0.113.66")
}

func TestAnalyzeMissingFile(t *testing.T) {
	_, err := analyze(context.Background(), filepath.Join(t.TempDir(), "nope.pcap"), config.Default(), logging.Discard())
	assert.Error(t, err)
}
