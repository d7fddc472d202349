package main

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/model"
	"Go2NetGuard/internal/probe"
	"Go2NetGuard/pkg/pcap"
	"bufio"
	"flag"
	"log"
	"os"
	"time"
)

// pcapgen writes a synthetic capture: background traffic plus, after
// -attack-after, a single-source UDP flood. Replay it with pcap-analyzer or
// with ns-guard's pcap source.
func main() {
	outputFile := flag.String("o", "test.pcap", "Output pcap file path")
	duration := flag.Duration("d", 60*time.Second, "Length of the generated capture")
	rate := flag.Int("rate", 200, "Background packets per second")
	attackRate := flag.Int("attack-rate", 2000, "Flood packets per second, 0 for none")
	attackAfter := flag.Duration("attack-after", 30*time.Second, "When the flood starts")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	cfg := config.Default().Probe.Simulate
	cfg.Rate = *rate
	cfg.AttackRate = *attackRate
	cfg.AttackAfter = config.Duration(*attackAfter)
	cfg.Seed = *seed
	gen, err := probe.NewGenerator(cfg)
	if err != nil {
		log.Fatalf("Invalid generator settings: %v", err)
	}

	f, err := os.Create(*outputFile)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()
	bw := bufio.NewWriter(f)

	pcapWriter, err := pcap.NewWriter(bw)
	if err != nil {
		log.Fatalf("Failed to write pcap header: %v", err)
	}

	log.Printf("Generating %s of traffic into %s...", *duration, *outputFile)
	var count int
	gen.Timeline(time.Now().UTC(), *duration, func(ev model.FlowEvent) bool {
		if err := pcapWriter.WriteEvent(ev); err != nil {
			log.Fatalf("Failed to write packet: %v", err)
		}
		count++
		if count%100000 == 0 {
			log.Printf("Generated %d packets...", count)
		}
		return true
	})
	if err := bw.Flush(); err != nil {
		log.Fatalf("Failed to flush output: %v", err)
	}
	log.Printf("Successfully generated %d packets into %s.", count, *outputFile)
}
