package main

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/engine/manager"
	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/model"
	"Go2NetGuard/internal/probe"
	"Go2NetGuard/internal/report"
	"Go2NetGuard/pkg/pcap"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, logFile, err := logging.Init(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	defer logger.Sync()
	logger.Infow("starting ns-guard", "config", *configPath, "actuator", cfg.Actuator.Type, "source", cfg.Probe.Source)

	// 2. Build and start the control loop
	mgr, err := manager.NewManager(cfg, manager.Deps{Logger: logger})
	if err != nil {
		logger.Errorw("failed to create manager", "error", err)
		os.Exit(1)
	}
	mgr.Start()

	// 3. Reporting API
	reporter := report.NewReporter(mgr.Table(), mgr.Controller(), mgr.Monitor(), mgr.Actuator(), mgr.Metrics(), report.Options{
		Window:       mgr.ActiveWindow(),
		DefaultTop:   cfg.API.TopFlows,
		StatsTimeout: cfg.Mitigation.ActuatorTimeout.D(),
	})
	server := report.NewServer(cfg.API.ListenAddr, reporter, mgr.Metrics().Registry, logger)
	server.Start()

	// 4. Feed events until a shutdown signal arrives
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	var sources sync.WaitGroup
	closeSource, err := startSource(ctx, cfg, mgr, logger, &sources)
	if err != nil {
		logger.Errorw("failed to start event source", "error", err)
		mgr.Stop()
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Infow("shutdown signal received, stopping")

	closeSource()
	sources.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("report API forced to shut down", "error", err)
	}
	mgr.Stop()
	logger.Infow("shutdown complete")
}

// startSource connects the configured capture collaborator to the manager and
// returns a function that disconnects it.
func startSource(ctx context.Context, cfg *config.Config, mgr *manager.Manager, logger *zap.SugaredLogger, wg *sync.WaitGroup) (func(), error) {
	submit := func(ev model.FlowEvent) bool { return mgr.Submit(ev) }

	switch cfg.Probe.Source {
	case "simulate":
		gen, err := probe.NewGenerator(cfg.Probe.Simulate)
		if err != nil {
			return nil, err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Infow("generating synthetic traffic", "rate", cfg.Probe.Simulate.Rate,
				"attack_rate", cfg.Probe.Simulate.AttackRate, "attack_after", cfg.Probe.Simulate.AttackAfter.D())
			gen.Run(ctx, submit)
		}()
		return func() {}, nil

	case "nats":
		sub, err := probe.NewSubscriber(cfg.Probe, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		if err := sub.Start(func(ev model.FlowEvent) { mgr.Submit(ev) }); err != nil {
			sub.Close()
			return nil, err
		}
		return sub.Close, nil

	case "pcap":
		reader, err := pcap.NewReader(cfg.Probe.PcapFile, pcap.Options{Rebase: true, Pace: true, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("failed to open pcap file: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer reader.Close()
			stats, err := reader.ReadEvents(ctx, func(ev model.FlowEvent) { mgr.Submit(ev) })
			if err != nil && ctx.Err() == nil {
				logger.Errorw("pcap replay failed", "error", err)
			}
			logger.Infow("pcap replay finished", "packets", stats.Packets, "events", stats.Events, "skipped", stats.Skipped)
		}()
		return func() {}, nil

	default:
		logger.Infow("no event source configured")
		return func() {}, nil
	}
}
