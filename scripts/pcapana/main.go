package main

import (
	"Go2NetGuard/internal/engine/protocol"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

// pcapana prints the first packets of a capture (or a device) as the flow
// events the guard would ingest.
func main() {
	count := flag.Int("n", 5, "Number of packets to print")
	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Println("Usage: go run ./scripts/pcapana/main.go [-n count] <path_to_pcap_file>")
		os.Exit(1)
	}
	handle, err := pcap.OpenOffline(flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	defer handle.Close()

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())

	i := 0
	for packet := range packetSource.Packets() {
		ev, err := protocol.ParsePacket(packet)
		if err != nil {
			fmt.Printf("[%d] skipped: %v\n", i+1, err)
		} else {
			fmt.Printf("[%s] %s:%d -> %s:%d proto=%d len=%d\n",
				ev.Timestamp.Format("15:04:05.000"),
				ev.SrcIP, ev.SrcPort, ev.DstIP, ev.DstPort, ev.Protocol, ev.Length,
			)
		}
		i++
		if i >= *count {
			break
		}
	}
}
