package storage

import (
	"Go2NetGuard/internal/model"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Layout of one gob snapshot round under the writer's root path.
const (
	SnapshotTimeFormat = "2006-01-02_15-04-05"
	flowsFile          = "flows.dat"
	summaryFile        = "summary.json"
)

// Summary is the metadata written next to each gob snapshot.
type Summary struct {
	TotalFlows   int    `json:"total_flows"`
	TotalBytes   uint64 `json:"total_bytes"`
	TotalPackets uint64 `json:"total_packets"`
	TopSource    string `json:"top_source,omitempty"`
	Timestamp    string `json:"timestamp"`
}

// GobWriter writes flow snapshots to disk in gob format, one timestamped
// directory per round. It implements the model.Writer interface.
type GobWriter struct {
	rootPath string
	interval time.Duration
	logger   *zap.SugaredLogger
}

// NewGobWriter creates a new writer rooted at rootPath.
func NewGobWriter(rootPath string, interval time.Duration, logger *zap.SugaredLogger) *GobWriter {
	if logger == nil {
		logger = zap.S()
	}
	return &GobWriter{rootPath: rootPath, interval: interval, logger: logger.With("component", "writer", "writer", "gob")}
}

// GetInterval returns the configured snapshot interval for this writer.
func (w *GobWriter) GetInterval() time.Duration {
	return w.interval
}

func (w *GobWriter) Name() string {
	return "gob"
}

// Write serializes one round of flows. Empty rounds write nothing.
func (w *GobWriter) Write(flows []model.FlowSnapshot, timestamp time.Time) error {
	if len(flows) == 0 {
		return nil
	}
	dir := filepath.Join(w.rootPath, timestamp.UTC().Format(SnapshotTimeFormat))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	filePath := filepath.Join(dir, flowsFile)
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file '%s': %w", filePath, err)
	}
	defer file.Close()
	if err := gob.NewEncoder(file).Encode(flows); err != nil {
		return fmt.Errorf("failed to encode flows to gob for file '%s': %w", filePath, err)
	}

	summary := Summary{TotalFlows: len(flows), Timestamp: timestamp.UTC().Format(time.RFC3339)}
	var topRate float64
	for _, f := range flows {
		summary.TotalPackets += f.Packets
		summary.TotalBytes += f.Bytes
		if f.Features.PacketsPerSecond > topRate {
			topRate = f.Features.PacketsPerSecond
			summary.TopSource = f.Key.Src.String()
		}
	}
	sf, err := os.Create(filepath.Join(dir, summaryFile))
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer sf.Close()
	enc := json.NewEncoder(sf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("failed to encode summary to json: %w", err)
	}

	w.logger.Debugw("wrote flow snapshot", "dir", dir, "flows", len(flows))
	return nil
}

// ReadGobSnapshot loads the flows and summary of one snapshot directory.
func ReadGobSnapshot(dir string) ([]model.FlowSnapshot, Summary, error) {
	var summary Summary
	data, err := os.ReadFile(filepath.Join(dir, summaryFile))
	if err != nil {
		return nil, summary, fmt.Errorf("failed to read summary: %w", err)
	}
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, summary, fmt.Errorf("failed to decode summary: %w", err)
	}

	file, err := os.Open(filepath.Join(dir, flowsFile))
	if err != nil {
		return nil, summary, fmt.Errorf("failed to open flows: %w", err)
	}
	defer file.Close()
	var flows []model.FlowSnapshot
	if err := gob.NewDecoder(file).Decode(&flows); err != nil {
		return nil, summary, fmt.Errorf("failed to decode flows: %w", err)
	}
	return flows, summary, nil
}
