package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const latencyWindow = 100

// Queue names used as label values.
const (
	QueueEvents = "events"
	QueueScore  = "score"
	QueueAlerts = "alerts"
	QueueAudit  = "audit"
)

// Metrics holds the guard's Prometheus instruments on a private registry,
// plus plain counters backing the reporting API.
type Metrics struct {
	Registry *prometheus.Registry

	EventsIngested    prometheus.Counter
	EventsMalformed   prometheus.Counter
	QueueDrops        *prometheus.CounterVec
	FlowsAnalyzed     prometheus.Counter
	Verdicts          *prometheus.CounterVec
	DetectionLatency  prometheus.Histogram
	Mitigations       *prometheus.CounterVec
	Expirations       *prometheus.CounterVec
	SlicesHealed      prometheus.Counter
	ActiveFlows       prometheus.Gauge
	ActiveMitigations prometheus.Gauge
	SliceThreat       *prometheus.GaugeVec
	SliceIsolated     *prometheus.GaugeVec

	ingested  atomic.Uint64
	malformed atomic.Uint64
	drops     sync.Map // queue name -> *atomic.Uint64
	analyzed  atomic.Uint64
	anomalies atomic.Uint64
	applied   atomic.Uint64
	failed    atomic.Uint64
	expired   atomic.Uint64
	leaked    atomic.Uint64
	healed    atomic.Uint64

	latMu   sync.Mutex
	latRing [latencyWindow]time.Duration
	latNext int
	latLen  int
}

// Aggregate is the summary exposed by the reporting API.
type Aggregate struct {
	EventsIngested        uint64            `json:"events_ingested"`
	EventsMalformed       uint64            `json:"events_malformed"`
	QueueDrops            map[string]uint64 `json:"queue_drops"`
	FlowsAnalyzed         uint64            `json:"flows_analyzed"`
	AnomaliesDetected     uint64            `json:"anomalies_detected"`
	MitigationsApplied    uint64            `json:"mitigations_applied"`
	MitigationsFailed     uint64            `json:"mitigations_failed"`
	MitigationsExpired    uint64            `json:"mitigations_expired"`
	RulesLeaked           uint64            `json:"rules_leaked"`
	SlicesHealed          uint64            `json:"slices_healed"`
	AvgDetectionLatencyMs float64           `json:"avg_detection_latency_ms"`
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		EventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "go2netguard_events_ingested_total",
			Help: "Flow events applied to the flow table",
		}),
		EventsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "go2netguard_events_malformed_total",
			Help: "Flow events dropped because they could not be parsed or validated",
		}),
		QueueDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "go2netguard_queue_drops_total",
			Help: "Items dropped because a bounded queue was full",
		}, []string{"queue"}),
		FlowsAnalyzed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "go2netguard_flows_analyzed_total",
			Help: "Feature vectors scored",
		}),
		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "go2netguard_verdicts_total",
			Help: "Scoring results by label",
		}, []string{"label"}),
		DetectionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "go2netguard_detection_latency_seconds",
			Help:    "Time from a flow's last event to its verdict",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		Mitigations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "go2netguard_mitigations_total",
			Help: "Mitigation apply outcomes",
		}, []string{"action", "outcome"}),
		Expirations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "go2netguard_mitigation_expirations_total",
			Help: "Mitigation expiry results",
		}, []string{"result"}),
		SlicesHealed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "go2netguard_slices_healed_total",
			Help: "Slice restorations after isolation",
		}),
		ActiveFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "go2netguard_active_flows",
			Help: "Flows currently tracked by the flow table",
		}),
		ActiveMitigations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "go2netguard_active_mitigations",
			Help: "Mitigation records currently active",
		}),
		SliceThreat: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "go2netguard_slice_threat_level",
			Help: "Accumulated threat level per slice",
		}, []string{"slice"}),
		SliceIsolated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "go2netguard_slice_isolated",
			Help: "1 while a slice is isolated",
		}, []string{"slice"}),
	}
	m.Registry.MustRegister(
		m.EventsIngested, m.EventsMalformed, m.QueueDrops, m.FlowsAnalyzed, m.Verdicts,
		m.DetectionLatency, m.Mitigations, m.Expirations, m.SlicesHealed,
		m.ActiveFlows, m.ActiveMitigations, m.SliceThreat, m.SliceIsolated,
	)
	return m
}

func (m *Metrics) Ingested() {
	m.ingested.Add(1)
	m.EventsIngested.Inc()
}

func (m *Metrics) Malformed() {
	m.malformed.Add(1)
	m.EventsMalformed.Inc()
}

// Dropped counts one item dropped from queue and returns the running total.
func (m *Metrics) Dropped(queue string) uint64 {
	m.QueueDrops.WithLabelValues(queue).Inc()
	v, _ := m.drops.LoadOrStore(queue, new(atomic.Uint64))
	return v.(*atomic.Uint64).Add(1)
}

// Scored records one verdict and the latency from flow activity to verdict.
func (m *Metrics) Scored(label string, anomalous bool, latency time.Duration) {
	m.analyzed.Add(1)
	m.FlowsAnalyzed.Inc()
	m.Verdicts.WithLabelValues(label).Inc()
	if anomalous {
		m.anomalies.Add(1)
	}
	if latency < 0 {
		latency = 0
	}
	m.DetectionLatency.Observe(latency.Seconds())

	m.latMu.Lock()
	m.latRing[m.latNext] = latency
	m.latNext = (m.latNext + 1) % latencyWindow
	if m.latLen < latencyWindow {
		m.latLen++
	}
	m.latMu.Unlock()
}

// Mitigation records an apply outcome ("applied", "renewed", "replaced", "failed").
func (m *Metrics) Mitigation(action, outcome string) {
	m.Mitigations.WithLabelValues(action, outcome).Inc()
	switch outcome {
	case "applied", "replaced":
		m.applied.Add(1)
	case "failed":
		m.failed.Add(1)
	}
}

// Expiry records the result of one mitigation expiry sweep.
func (m *Metrics) Expiry(expired, failed, leaked int) {
	m.Expirations.WithLabelValues("expired").Add(float64(expired))
	m.Expirations.WithLabelValues("failed").Add(float64(failed))
	m.Expirations.WithLabelValues("leaked").Add(float64(leaked))
	m.expired.Add(uint64(expired))
	m.leaked.Add(uint64(leaked))
}

// Healed brings the healed counter up to total, as reported by the slice monitor.
func (m *Metrics) Healed(total uint64) {
	for {
		cur := m.healed.Load()
		if total <= cur {
			return
		}
		if m.healed.CompareAndSwap(cur, total) {
			m.SlicesHealed.Add(float64(total - cur))
			return
		}
	}
}

// AvgDetectionLatency averages the most recent latencies.
func (m *Metrics) AvgDetectionLatency() time.Duration {
	m.latMu.Lock()
	defer m.latMu.Unlock()
	if m.latLen == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < m.latLen; i++ {
		sum += m.latRing[i]
	}
	return sum / time.Duration(m.latLen)
}

func (m *Metrics) Snapshot() Aggregate {
	a := Aggregate{
		EventsIngested:        m.ingested.Load(),
		EventsMalformed:       m.malformed.Load(),
		QueueDrops:            make(map[string]uint64),
		FlowsAnalyzed:         m.analyzed.Load(),
		AnomaliesDetected:     m.anomalies.Load(),
		MitigationsApplied:    m.applied.Load(),
		MitigationsFailed:     m.failed.Load(),
		MitigationsExpired:    m.expired.Load(),
		RulesLeaked:           m.leaked.Load(),
		SlicesHealed:          m.healed.Load(),
		AvgDetectionLatencyMs: float64(m.AvgDetectionLatency()) / float64(time.Millisecond),
	}
	m.drops.Range(func(k, v any) bool {
		a.QueueDrops[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	return a
}
