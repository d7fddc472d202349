package config

import (
	"Go2NetGuard/internal/errors"
	"Go2NetGuard/internal/logging"
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written in YAML as a Go duration string ("300s").
// Bare integers are read as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		var secs int64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// EngineConfig sizes the orchestrator's queues, workers and timers.
type EngineConfig struct {
	NumIngestWorkers        int      `yaml:"num_ingest_workers"`
	NumScoreWorkers         int      `yaml:"num_score_workers"`
	NumResponders           int      `yaml:"num_responders"`
	EventQueueSize          int      `yaml:"event_queue_size"`
	ScoreQueueSize          int      `yaml:"score_queue_size"`
	AlertQueueSize          int      `yaml:"alert_queue_size"`
	EventSinkQueueSize      int      `yaml:"event_sink_queue_size"`
	SampleInterval          Duration `yaml:"sample_interval"`
	ActiveWindow            Duration `yaml:"active_window"`
	MinPackets              int      `yaml:"min_packets"`
	FlowSweepInterval       Duration `yaml:"flow_sweep_interval"`
	FlowIdleTimeout         Duration `yaml:"flow_idle_timeout"`
	MitigationSweepInterval Duration `yaml:"mitigation_sweep_interval"`
	SliceTickInterval       Duration `yaml:"slice_tick_interval"`
	ShutdownTimeout         Duration `yaml:"shutdown_timeout"`
	CleanupOnShutdown       bool     `yaml:"cleanup_on_shutdown"`
}

type FlowTableConfig struct {
	NumShards         uint32 `yaml:"num_shards"`
	MaxSetCardinality int    `yaml:"max_set_cardinality"`
}

// MemberConfig declares one ensemble member. Type selects the constructor
// registered in the factory; the remaining fields are type specific.
type MemberConfig struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	Enabled     bool     `yaml:"enabled"`
	Weight      float64  `yaml:"weight"`
	Kind        string   `yaml:"kind"`
	Address     string   `yaml:"address"`
	Method      string   `yaml:"method"`
	Timeout     Duration `yaml:"timeout"`
	Temperature float64  `yaml:"temperature"`
	Threshold   float64  `yaml:"threshold"`
}

type HeuristicsConfig struct {
	PacketRateThreshold    float64 `yaml:"packet_rate_threshold"`
	PacketRateBoost        float64 `yaml:"packet_rate_boost"`
	ByteRateThreshold      float64 `yaml:"byte_rate_threshold"`
	ByteRateBoost          float64 `yaml:"byte_rate_boost"`
	PacketSizeStdThreshold float64 `yaml:"packet_size_std_threshold"`
	PacketSizeStdBoost     float64 `yaml:"packet_size_std_boost"`
	PortScanThreshold      float64 `yaml:"port_scan_threshold"`
	PortScanBoost          float64 `yaml:"port_scan_boost"`
}

type ScorerConfig struct {
	AttackThreshold     float64          `yaml:"attack_threshold"`
	SuspiciousThreshold float64          `yaml:"suspicious_threshold"`
	MaxAttackConfidence float64          `yaml:"max_attack_confidence"`
	NormalizeWeights    bool             `yaml:"normalize_weights"`
	MemberTimeout       Duration         `yaml:"member_timeout"`
	Members             []MemberConfig   `yaml:"members"`
	Heuristics          HeuristicsConfig `yaml:"heuristics"`
}

type MitigationConfig struct {
	BlockThreshold     float64  `yaml:"block_threshold"`
	RateLimitThreshold float64  `yaml:"rate_limit_threshold"`
	HoneypotThreshold  float64  `yaml:"honeypot_threshold"`
	Duration           Duration `yaml:"duration"`
	RateLimitKbps      uint64   `yaml:"rate_limit_kbps"`
	HoneypotIP         string   `yaml:"honeypot_ip"`
	SwitchID           string   `yaml:"switch_id"`
	ActuatorTimeout    Duration `yaml:"actuator_timeout"`
	MaxRemoveRetries   int      `yaml:"max_remove_retries"`
}

// SliceConfig describes one network slice and the isolation rules keyed by it.
type SliceConfig struct {
	Name          string   `yaml:"name"`
	VLAN          uint16   `yaml:"vlan"`
	BandwidthMbps uint64   `yaml:"bandwidth_mbps"`
	CapPercent    float64  `yaml:"cap_percent"`
	MeterID       uint32   `yaml:"meter_id"`
	Subnets       []string `yaml:"subnets"`
}

type SlicesConfig struct {
	Definitions        []SliceConfig `yaml:"definitions"`
	DefaultSlice       string        `yaml:"default_slice"`
	SwitchID           string        `yaml:"switch_id"`
	AlertSeverity      float64       `yaml:"alert_severity"`
	HighAlertIsolates  bool          `yaml:"high_alert_isolates"`
	DegradedThreshold  float64       `yaml:"degraded_threshold"`
	CriticalThreshold  float64       `yaml:"critical_threshold"`
	IsolationThreshold float64       `yaml:"isolation_threshold"`
	RestoreThreshold   float64       `yaml:"restore_threshold"`
	DecayRate          float64       `yaml:"decay_rate"`
	RestorationDelay   Duration      `yaml:"restoration_delay"`
	MaxIsolationTime   Duration      `yaml:"max_isolation_time"`
}

type RyuConfig struct {
	BaseURL        string   `yaml:"base_url"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

type NftablesConfig struct {
	Table    string `yaml:"table"`
	Chain    string `yaml:"chain"`
	NATChain string `yaml:"nat_chain"`
}

type SimulatedConfig struct {
	Latency     Duration `yaml:"latency"`
	FailureRate float64  `yaml:"failure_rate"`
}

// ActuatorConfig selects the control-plane backend. SliceType, when set, picks
// a different backend for slice isolation than for per-source mitigation.
type ActuatorConfig struct {
	Type      string          `yaml:"type"`
	SliceType string          `yaml:"slice_type"`
	Ryu       RyuConfig       `yaml:"ryu"`
	Nftables  NftablesConfig  `yaml:"nftables"`
	Simulated SimulatedConfig `yaml:"simulated"`
}

type SimulateConfig struct {
	Rate         int      `yaml:"rate"`
	Hosts        int      `yaml:"hosts"`
	AttackSource string   `yaml:"attack_source"`
	AttackTarget string   `yaml:"attack_target"`
	AttackAfter  Duration `yaml:"attack_after"`
	AttackRate   int      `yaml:"attack_rate"`
	Seed         int64    `yaml:"seed"`
}

// ProbeConfig selects where flow events come from.
type ProbeConfig struct {
	Source   string         `yaml:"source"`
	NATSURL  string         `yaml:"nats_url"`
	Subject  string         `yaml:"subject"`
	PcapFile string         `yaml:"pcap_file"`
	Simulate SimulateConfig `yaml:"simulate"`
}

type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type GobConfig struct {
	RootPath string `yaml:"root_path"`
}

type WriterDef struct {
	Type             string           `yaml:"type"`
	Enabled          bool             `yaml:"enabled"`
	SnapshotInterval Duration         `yaml:"snapshot_interval"`
	Gob              GobConfig        `yaml:"gob"`
	ClickHouse       ClickHouseConfig `yaml:"clickhouse"`
}

type AuditConfig struct {
	Enabled       bool             `yaml:"enabled"`
	BatchSize     int              `yaml:"batch_size"`
	FlushInterval Duration         `yaml:"flush_interval"`
	ClickHouse    ClickHouseConfig `yaml:"clickhouse"`
}

type StorageConfig struct {
	Writers []WriterDef `yaml:"writers"`
	Audit   AuditConfig `yaml:"audit"`
}

type APIConfig struct {
	ListenAddr        string `yaml:"listen_addr"`
	HistoryListenAddr string `yaml:"history_listen_addr"`
	TopFlows          int    `yaml:"top_flows"`
}

type AlerterConfig struct {
	Enabled       bool     `yaml:"enabled"`
	CheckInterval Duration `yaml:"check_interval"`
	Kinds         []string `yaml:"kinds"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Logging    logging.Config   `yaml:"logging"`
	Engine     EngineConfig     `yaml:"engine"`
	FlowTable  FlowTableConfig  `yaml:"flow_table"`
	Scorer     ScorerConfig     `yaml:"scorer"`
	Mitigation MitigationConfig `yaml:"mitigation"`
	Slices     SlicesConfig     `yaml:"slices"`
	Actuator   ActuatorConfig   `yaml:"actuator"`
	Probe      ProbeConfig      `yaml:"probe"`
	Storage    StorageConfig    `yaml:"storage"`
	API        APIConfig        `yaml:"api"`
	Alerter    AlerterConfig    `yaml:"alerter"`
	SMTP       SMTPConfig       `yaml:"smtp"`
}

// Default returns a configuration that runs the whole loop in-process with the
// simulated actuator and synthetic traffic.
func Default() *Config {
	return &Config{
		Logging: logging.Config{Level: "info", Format: "json"},
		Engine: EngineConfig{
			NumIngestWorkers:        4,
			NumScoreWorkers:         2,
			NumResponders:           4,
			EventQueueSize:          10000,
			ScoreQueueSize:          10000,
			AlertQueueSize:          1000,
			EventSinkQueueSize:      1000,
			SampleInterval:          Duration(100 * time.Millisecond),
			ActiveWindow:            Duration(300 * time.Second),
			MinPackets:              10,
			FlowSweepInterval:       Duration(60 * time.Second),
			FlowIdleTimeout:         Duration(10 * time.Minute),
			MitigationSweepInterval: Duration(15 * time.Second),
			SliceTickInterval:       Duration(10 * time.Second),
			ShutdownTimeout:         Duration(10 * time.Second),
		},
		FlowTable: FlowTableConfig{
			NumShards:         256,
			MaxSetCardinality: 1024,
		},
		Scorer: ScorerConfig{
			AttackThreshold:     0.7,
			SuspiciousThreshold: 0.4,
			MaxAttackConfidence: 0.95,
			MemberTimeout:       Duration(50 * time.Millisecond),
			Members: []MemberConfig{
				{Name: "centroid", Type: "centroid", Enabled: true, Weight: 0.6, Temperature: 4},
				{Name: "zscore", Type: "zscore", Enabled: true, Weight: 0.4, Threshold: 3},
			},
			Heuristics: HeuristicsConfig{
				PacketRateThreshold:    1000,
				PacketRateBoost:        0.2,
				ByteRateThreshold:      1_000_000,
				ByteRateBoost:          0.2,
				PacketSizeStdThreshold: 500,
				PacketSizeStdBoost:     0.1,
				PortScanThreshold:      10,
				PortScanBoost:          0.1,
			},
		},
		Mitigation: MitigationConfig{
			BlockThreshold:     0.9,
			RateLimitThreshold: 0.7,
			HoneypotThreshold:  0.5,
			Duration:           Duration(300 * time.Second),
			RateLimitKbps:      1000,
			HoneypotIP:         "192.168.1.100",
			SwitchID:           "1",
			ActuatorTimeout:    Duration(5 * time.Second),
			MaxRemoveRetries:   5,
		},
		Slices: SlicesConfig{
			Definitions: []SliceConfig{
				{Name: "eMBB", VLAN: 100, BandwidthMbps: 1000, CapPercent: 50},
				{Name: "URLLC", VLAN: 200, BandwidthMbps: 100, CapPercent: 30},
				{Name: "mMTC", VLAN: 300, BandwidthMbps: 10, CapPercent: 70},
			},
			DefaultSlice:       "eMBB",
			SwitchID:           "1",
			AlertSeverity:      1,
			HighAlertIsolates:  true,
			DegradedThreshold:  2,
			CriticalThreshold:  5,
			IsolationThreshold: 3,
			RestoreThreshold:   2,
			DecayRate:          0.1,
			RestorationDelay:   Duration(300 * time.Second),
			MaxIsolationTime:   Duration(1800 * time.Second),
		},
		Actuator: ActuatorConfig{
			Type: "simulated",
			Ryu: RyuConfig{
				BaseURL:        "http://127.0.0.1:8080",
				RequestTimeout: Duration(5 * time.Second),
			},
			Nftables: NftablesConfig{Table: "go2netguard", Chain: "mitigation", NATChain: "mitigation_nat"},
		},
		Probe: ProbeConfig{
			Source:  "simulate",
			NATSURL: "nats://127.0.0.1:4222",
			Subject: "gons.packets.raw",
			Simulate: SimulateConfig{
				Rate:         200,
				Hosts:        20,
				AttackSource: "203.0.113.66",
				AttackTarget: "10.0.0.10",
				AttackAfter:  Duration(30 * time.Second),
				AttackRate:   2000,
				Seed:         1,
			},
		},
		Storage: StorageConfig{
			Audit: AuditConfig{
				BatchSize:     500,
				FlushInterval: Duration(5 * time.Second),
			},
		},
		API: APIConfig{
			ListenAddr:        ":8090",
			HistoryListenAddr: ":8091",
			TopFlows:          20,
		},
		Alerter: AlerterConfig{
			CheckInterval: Duration(time.Minute),
			Kinds: []string{
				"slice_isolated",
				"slice_isolation_failed",
				"slice_restored",
				"slice_restore_failed",
				"rule_leaked",
			},
		},
	}
}

// LoadConfig reads a YAML file on top of Default and validates the result.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	e := c.Engine
	for name, v := range map[string]int{
		"engine.num_ingest_workers":    e.NumIngestWorkers,
		"engine.num_score_workers":     e.NumScoreWorkers,
		"engine.num_responders":        e.NumResponders,
		"engine.event_queue_size":      e.EventQueueSize,
		"engine.score_queue_size":      e.ScoreQueueSize,
		"engine.alert_queue_size":      e.AlertQueueSize,
		"engine.event_sink_queue_size": e.EventSinkQueueSize,
	} {
		if v <= 0 {
			return invalid(name, "must be positive")
		}
	}
	for name, d := range map[string]Duration{
		"engine.sample_interval":           e.SampleInterval,
		"engine.active_window":             e.ActiveWindow,
		"engine.flow_sweep_interval":       e.FlowSweepInterval,
		"engine.flow_idle_timeout":         e.FlowIdleTimeout,
		"engine.mitigation_sweep_interval": e.MitigationSweepInterval,
		"engine.slice_tick_interval":       e.SliceTickInterval,
		"engine.shutdown_timeout":          e.ShutdownTimeout,
		"mitigation.duration":              c.Mitigation.Duration,
		"mitigation.actuator_timeout":      c.Mitigation.ActuatorTimeout,
		"slices.restoration_delay":         c.Slices.RestorationDelay,
		"slices.max_isolation_time":        c.Slices.MaxIsolationTime,
	} {
		if d <= 0 {
			return invalid(name, "must be a positive duration")
		}
	}

	s := c.Scorer
	if !unit(s.AttackThreshold) || !unit(s.SuspiciousThreshold) || !unit(s.MaxAttackConfidence) {
		return invalid("scorer", "thresholds must lie in [0,1]")
	}
	if s.SuspiciousThreshold >= s.AttackThreshold {
		return invalid("scorer.suspicious_threshold", "must be below attack_threshold")
	}
	names := make(map[string]bool)
	for _, m := range s.Members {
		if m.Name == "" || m.Type == "" {
			return invalid("scorer.members", "every member needs a name and a type")
		}
		if names[m.Name] {
			return invalid("scorer.members", fmt.Sprintf("duplicate member %q", m.Name))
		}
		names[m.Name] = true
		if m.Weight < 0 {
			return invalid("scorer.members", fmt.Sprintf("member %q has a negative weight", m.Name))
		}
	}

	m := c.Mitigation
	if !unit(m.BlockThreshold) || !unit(m.RateLimitThreshold) || !unit(m.HoneypotThreshold) {
		return invalid("mitigation", "thresholds must lie in [0,1]")
	}
	if m.HoneypotThreshold > m.RateLimitThreshold || m.RateLimitThreshold > m.BlockThreshold {
		return invalid("mitigation", "thresholds must satisfy honeypot <= rate_limit <= block")
	}
	if _, err := netip.ParseAddr(m.HoneypotIP); err != nil {
		return invalid("mitigation.honeypot_ip", err.Error())
	}
	if m.MaxRemoveRetries <= 0 {
		return invalid("mitigation.max_remove_retries", "must be positive")
	}

	sl := c.Slices
	if len(sl.Definitions) == 0 {
		return invalid("slices.definitions", "at least one slice is required")
	}
	seen := make(map[string]bool)
	for _, def := range sl.Definitions {
		if def.Name == "" {
			return invalid("slices.definitions", "slice without a name")
		}
		if seen[def.Name] {
			return invalid("slices.definitions", fmt.Sprintf("duplicate slice %q", def.Name))
		}
		seen[def.Name] = true
		if def.CapPercent <= 0 || def.CapPercent > 100 {
			return invalid("slices.definitions", fmt.Sprintf("slice %q cap_percent must lie in (0,100]", def.Name))
		}
		for _, p := range def.Subnets {
			if _, err := netip.ParsePrefix(p); err != nil {
				return invalid("slices.definitions", fmt.Sprintf("slice %q: %v", def.Name, err))
			}
		}
	}
	if !seen[sl.DefaultSlice] {
		return invalid("slices.default_slice", fmt.Sprintf("%q is not a defined slice", sl.DefaultSlice))
	}
	if sl.DecayRate < 0 || sl.AlertSeverity <= 0 {
		return invalid("slices", "decay_rate must be >= 0 and alert_severity > 0")
	}
	if sl.RestoreThreshold > sl.IsolationThreshold {
		return invalid("slices.restore_threshold", "must not exceed isolation_threshold")
	}
	if sl.MaxIsolationTime < sl.RestorationDelay {
		return invalid("slices.max_isolation_time", "must not be shorter than restoration_delay")
	}

	switch c.Probe.Source {
	case "simulate", "nats", "pcap", "none":
	default:
		return invalid("probe.source", fmt.Sprintf("unknown source %q", c.Probe.Source))
	}
	if c.Probe.Source == "pcap" && c.Probe.PcapFile == "" {
		return invalid("probe.pcap_file", "required when probe.source is pcap")
	}
	return nil
}

func unit(v float64) bool {
	return v >= 0 && v <= 1
}

func invalid(field, msg string) error {
	return errors.Attr(errors.Errorf(errors.KindValidation, "invalid config %s: %s", field, msg), "field", field)
}
