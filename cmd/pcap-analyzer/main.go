package main

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/detect"
	"Go2NetGuard/internal/engine/flowtable"
	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/mitigation"
	"Go2NetGuard/internal/model"
	"Go2NetGuard/internal/slice"
	"Go2NetGuard/pkg/pcap"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"go.uber.org/zap"
)

// Finding is one scored flow from the capture.
type Finding struct {
	Flow    model.FlowSnapshot `json:"flow"`
	Slice   string             `json:"slice"`
	Verdict model.Verdict      `json:"verdict"`
	Action  model.Action       `json:"action,omitempty"`
	Isolate bool               `json:"isolate_slice"`
}

type report struct {
	Stats    pcap.Stats `json:"stats"`
	Flows    int        `json:"flows"`
	Findings []Finding  `json:"findings"`
}

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	top := flag.Int("top", 20, "Print at most this many flows.")
	asJSON := flag.Bool("json", false, "Print the report as JSON.")
	flag.Parse()

	// 1. Get pcap file path from command-line arguments
	if flag.NArg() < 1 {
		fmt.Println("Usage: pcap-analyzer [-config file] [-top n] [-json] <path_to_pcap_file>")
		os.Exit(1)
	}

	// 2. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging, os.Stderr)

	// 3. Replay, score and decide
	rep, err := analyze(context.Background(), flag.Arg(0), cfg, logger)
	if err != nil {
		logger.Errorw("analysis failed", "file", flag.Arg(0), "error", err)
		os.Exit(1)
	}
	if *top > 0 && len(rep.Findings) > *top {
		rep.Findings = rep.Findings[:*top]
	}

	// 4. Print
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			logger.Errorw("failed to encode report", "error", err)
			os.Exit(1)
		}
		return
	}
	printReport(os.Stdout, rep)
}

// analyze replays a capture into a flow table, scores every flow with enough
// packets and runs the mitigation decision without touching any switch.
func analyze(ctx context.Context, path string, cfg *config.Config, logger *zap.SugaredLogger) (*report, error) {
	scorer, err := detect.NewFromConfig(cfg.Scorer, logger)
	if err != nil {
		return nil, err
	}
	defer scorer.Close()

	opts, err := mitigation.OptionsFromConfig(cfg.Mitigation)
	if err != nil {
		return nil, err
	}
	opts.Logger = logger
	ctrl := mitigation.NewController(nil, opts)

	defs, err := slice.DefinitionsFromConfig(cfg.Slices)
	if err != nil {
		return nil, err
	}
	resolver := slice.NewResolver(defs, cfg.Slices.DefaultSlice)

	table := flowtable.New(flowtable.Options{
		NumShards:         cfg.FlowTable.NumShards,
		MaxSetCardinality: cfg.FlowTable.MaxSetCardinality,
	})

	reader, err := pcap.NewReader(path, pcap.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	stats, err := reader.ReadEvents(ctx, func(ev model.FlowEvent) {
		if err := table.Ingest(ev); err != nil {
			logger.Debugw("skipping event", "error", err)
		}
	})
	if err != nil {
		return nil, err
	}

	rep := &report{Stats: stats, Flows: table.Len()}
	for _, flow := range table.Snapshot() {
		if flow.Packets < uint64(cfg.Engine.MinPackets) {
			continue
		}
		v := scorer.Score(ctx, flow.Features)
		fc := model.FlowContext{Key: flow.Key, Slice: resolver.Resolve(flow.Key), Features: flow.Features, SeenAt: flow.LastSeen}
		res := ctrl.Evaluate(v, fc)
		rep.Findings = append(rep.Findings, Finding{
			Flow:    flow,
			Slice:   fc.Slice,
			Verdict: v,
			Action:  res.Action,
			Isolate: res.IsolateSlice,
		})
	}
	sort.Slice(rep.Findings, func(i, j int) bool {
		return rep.Findings[i].Verdict.Score > rep.Findings[j].Verdict.Score
	})
	return rep, nil
}

func printReport(w io.Writer, rep *report) {
	fmt.Fprintf(w, "packets=%d events=%d skipped=%d flows=%d scored=%d\n\n",
		rep.Stats.Packets, rep.Stats.Events, rep.Stats.Skipped, rep.Flows, len(rep.Findings))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tDESTINATION\tSLICE\tPACKETS\tPPS\tLABEL\tCONF\tTHREAT\tACTION")
	for _, f := range rep.Findings {
		action := string(f.Action)
		if action == "" {
			action = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.1f\t%s\t%.2f\t%s\t%s\n",
			f.Flow.Key.Src, f.Flow.Key.Dst, f.Slice, f.Flow.Packets,
			f.Flow.Features.PacketsPerSecond, f.Verdict.Label, f.Verdict.Confidence,
			f.Verdict.ThreatLevel, action)
	}
	tw.Flush()
}
