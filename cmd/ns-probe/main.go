package main

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/engine/protocol"
	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/model"
	"Go2NetGuard/internal/probe"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"go.uber.org/zap"
)

const (
	snapshotLen int32 = 1600
	promiscuous       = true
	timeout           = pcap.BlockForever
)

func main() {
	// --- Command-Line Flag Parsing ---
	mode := flag.String("mode", "sub", "Operating mode: 'pub' to capture and publish, 'sim' to publish synthetic traffic, 'sub' to subscribe and print.")
	iface := flag.String("iface", "", "Interface to capture packets from (required for pub mode).")
	bpf := flag.String("filter", "ip or ip6", "BPF filter applied to the live capture.")
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging, os.Stderr).With("component", "ns-probe")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Mode Dispatch ---
	switch *mode {
	case "pub":
		err = runProbe(ctx, cfg.Probe, *iface, *bpf, logger)
	case "sim":
		err = runSimulator(ctx, cfg.Probe, logger)
	case "sub":
		err = runSubscriber(ctx, cfg.Probe, logger)
	default:
		fmt.Fprintf(os.Stderr, "Invalid mode: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		logger.Errorw("probe failed", "mode", *mode, "error", err)
		os.Exit(1)
	}
}

// runProbe captures packets on an interface and publishes them to NATS.
func runProbe(ctx context.Context, cfg config.ProbeConfig, iface, filter string, logger *zap.SugaredLogger) error {
	if iface == "" {
		flag.Usage()
		return fmt.Errorf("-iface flag is required for pub mode")
	}
	pub, err := probe.NewPublisher(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer pub.Close()

	handle, err := pcap.OpenLive(iface, snapshotLen, promiscuous, timeout)
	if err != nil {
		return fmt.Errorf("error opening device %s: %w", iface, err)
	}
	defer handle.Close()
	if filter != "" {
		if err := handle.SetBPFFilter(filter); err != nil {
			return fmt.Errorf("invalid filter %q: %w", filter, err)
		}
	}
	logger.Infow("capture started, publishing packets", "iface", iface, "subject", cfg.Subject)

	packets := gopacket.NewPacketSource(handle, handle.LinkType()).Packets()
	published := 0
	for {
		select {
		case <-ctx.Done():
			logger.Infow("shutdown signal received", "published", published)
			return nil
		case packet, ok := <-packets:
			if !ok {
				return nil
			}
			ev, err := protocol.ParsePacket(packet)
			if err != nil {
				continue // Skip non-IP packets
			}
			if err := pub.Publish(ev); err != nil {
				logger.Warnw("failed to publish packet", "error", err)
				continue
			}
			published++
			if published%1000 == 0 {
				logger.Infow("packets published", "total", published)
			}
		}
	}
}

// runSimulator publishes synthetic traffic, for running ns-guard against NATS
// without a capture interface.
func runSimulator(ctx context.Context, cfg config.ProbeConfig, logger *zap.SugaredLogger) error {
	pub, err := probe.NewPublisher(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer pub.Close()
	gen, err := probe.NewGenerator(cfg.Simulate)
	if err != nil {
		return err
	}
	logger.Infow("publishing synthetic traffic", "rate", cfg.Simulate.Rate, "attack_rate", cfg.Simulate.AttackRate)
	gen.Run(ctx, func(ev model.FlowEvent) bool {
		return pub.Publish(ev) == nil
	})
	return nil
}

// runSubscriber subscribes to NATS and prints decoded events.
func runSubscriber(ctx context.Context, cfg config.ProbeConfig, logger *zap.SugaredLogger) error {
	sub, err := probe.NewSubscriber(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create subscriber: %w", err)
	}
	defer sub.Close()

	err = sub.Start(func(ev model.FlowEvent) {
		fmt.Printf("%s %s:%d -> %s:%d proto=%d len=%d\n", ev.Timestamp.Format("15:04:05.000"),
			ev.SrcIP, ev.SrcPort, ev.DstIP, ev.DstPort, ev.Protocol, ev.Length)
	})
	if err != nil {
		return fmt.Errorf("subscriber failed to start: %w", err)
	}
	<-ctx.Done()
	logger.Infow("shutdown signal received", "malformed", sub.Malformed())
	return nil
}
