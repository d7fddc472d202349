package main

import (
	"Go2NetGuard/internal/storage"
	"fmt"
	"log"
	"os"
	"sort"
	"text/tabwriter"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./scripts/gobana/main.go <snapshot_dir>")
		os.Exit(1)
	}
	dir := os.Args[1]

	flows, summary, err := storage.ReadGobSnapshot(dir)
	if err != nil {
		log.Fatalf("Failed to read snapshot: %v", err)
	}

	fmt.Printf("Snapshot %s: %d flows, %d packets, %d bytes, top source %s\n\n",
		summary.Timestamp, summary.TotalFlows, summary.TotalPackets, summary.TotalBytes, summary.TopSource)

	sort.Slice(flows, func(i, j int) bool {
		return flows[i].Features.PacketsPerSecond > flows[j].Features.PacketsPerSecond
	})
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FLOW\tPACKETS\tBYTES\tPPS\tBPS\tDST PORTS\tFIRST SEEN\tLAST SEEN")
	for _, f := range flows {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.1f\t%.1f\t%.0f\t%s\t%s\n",
			f.Key, f.Packets, f.Bytes, f.Features.PacketsPerSecond, f.Features.BytesPerSecond,
			f.Features.UniqueDstPorts, f.FirstSeen.Format("15:04:05.000"), f.LastSeen.Format("15:04:05.000"))
	}
	tw.Flush()
}
