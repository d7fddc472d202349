package manager

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Go2NetGuard/internal/actuator"
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/model"
	"Go2NetGuard/internal/slice"
)

var (
	attacker = netip.MustParseAddr("203.0.113.66")
	victim   = netip.MustParseAddr("10.0.0.10")
	client   = netip.MustParseAddr("10.0.0.20")
)

// rateScorer flags any flow above 500 pps as a high-threat attack.
type rateScorer struct{}

func (rateScorer) Score(_ context.Context, fv model.FeatureVector) model.Verdict {
	if fv.PacketsPerSecond > 500 {
		return model.Verdict{Label: model.LabelAttack, Confidence: 0.95, ThreatLevel: model.ThreatHigh, Score: 0.95}
	}
	return model.Verdict{Label: model.LabelNormal, Confidence: 0.9, ThreatLevel: model.ThreatLow}
}

type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *recordingSink) Record(ev model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) kinds() map[model.EventKind]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.EventKind]int)
	for _, ev := range s.events {
		out[ev.Kind]++
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Engine.SampleInterval = config.Duration(10 * time.Millisecond)
	cfg.Engine.ShutdownTimeout = config.Duration(2 * time.Second)
	return cfg
}

func newManager(t *testing.T, cfg *config.Config) (*Manager, *actuator.Simulated, *recordingSink) {
	t.Helper()
	act := actuator.NewSimulated(actuator.SimulatedOptions{Logger: logging.Discard()})
	sink := &recordingSink{}
	m, err := NewManager(cfg, Deps{
		Scorer:   rateScorer{},
		Actuator: act,
		Writers:  []model.Writer{},
		Sinks:    []model.EventSink{sink},
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)
	return m, act, sink
}

// flood submits n events spaced 1ms apart, ending now.
func flood(m *Manager, n int) {
	start := time.Now().Add(-time.Duration(n) * time.Millisecond)
	for i := 0; i < n; i++ {
		m.Submit(model.FlowEvent{
			Timestamp: start.Add(time.Duration(i) * time.Millisecond),
			SrcIP:     attacker,
			DstIP:     victim,
			SrcPort:   40000,
			DstPort:   uint16(1000 + i%50),
			Protocol:  model.ProtoTCP,
			Length:    1500,
		})
	}
}

func TestFloodIsBlockedAndSliceIsolated(t *testing.T) {
	m, act, sink := newManager(t, testConfig())
	m.Start()

	flood(m, 500)
	start := time.Now().Add(-20 * time.Second)
	for i := 0; i < 20; i++ {
		m.Submit(model.FlowEvent{
			Timestamp: start.Add(time.Duration(i) * time.Second),
			SrcIP:     client,
			DstIP:     victim,
			SrcPort:   51000,
			DstPort:   443,
			Protocol:  model.ProtoTCP,
			Length:    600,
		})
	}

	assert.Eventually(t, func() bool {
		_, ok := m.Controller().Get(attacker)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	m.Stop()

	rec, ok := m.Controller().Get(attacker)
	require.True(t, ok)
	assert.Equal(t, model.ActionBlock, rec.Action)
	assert.Equal(t, "eMBB", rec.Slice)
	assert.True(t, act.Installed("1", rec.Rule.ID))
	_, ok = m.Controller().Get(client)
	assert.False(t, ok)
	assert.Equal(t, 1, m.Controller().Len())

	st, ok := m.Monitor().State("eMBB")
	require.True(t, ok)
	assert.Equal(t, slice.StatusIsolated, st.Status)

	agg := m.Metrics().Snapshot()
	assert.Equal(t, uint64(520), agg.EventsIngested)
	assert.GreaterOrEqual(t, agg.FlowsAnalyzed, uint64(2))
	assert.GreaterOrEqual(t, agg.AnomaliesDetected, uint64(1))
	assert.Equal(t, uint64(1), agg.MitigationsApplied)

	kinds := sink.kinds()
	assert.Equal(t, 1, kinds[model.EventMitigationApplied])
	assert.Equal(t, 1, kinds[model.EventSliceIsolated])
}

func TestCleanupOnShutdownRemovesRules(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.CleanupOnShutdown = true
	m, act, _ := newManager(t, cfg)
	m.Start()

	flood(m, 300)
	assert.Eventually(t, func() bool {
		return m.Controller().Len() == 1 && len(m.Monitor().Isolated()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	m.Stop()

	assert.Equal(t, 0, m.Controller().Len())
	assert.False(t, act.Installed("1", "mitigation/BLOCK/203.0.113.66"))
	assert.Equal(t, 1, act.CallCount(actuator.OpRemove, "mitigation/BLOCK/203.0.113.66"))
	assert.Empty(t, m.Monitor().Isolated())
	assert.Empty(t, act.Rules("1"), "slice isolation rules removed too")
}

func TestSubmitAfterStop(t *testing.T) {
	m, _, _ := newManager(t, testConfig())
	m.Start()
	m.Stop()
	m.Stop()
	assert.False(t, m.Submit(model.FlowEvent{Timestamp: time.Now(), SrcIP: attacker, DstIP: victim}))
}

func TestMalformedEventsAreCounted(t *testing.T) {
	m, _, _ := newManager(t, testConfig())
	m.Start()
	assert.True(t, m.Submit(model.FlowEvent{Timestamp: time.Now(), DstIP: victim}))
	assert.True(t, m.Submit(model.FlowEvent{Timestamp: time.Now(), SrcIP: client, DstIP: victim, Length: 60}))
	m.Stop()

	agg := m.Metrics().Snapshot()
	assert.Equal(t, uint64(1), agg.EventsMalformed)
	assert.Equal(t, uint64(1), agg.EventsIngested)
	assert.Equal(t, 1, m.Table().Len())
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.EventQueueSize = 1
	m, _, _ := newManager(t, cfg)

	// Not started: nothing drains the queue.
	ev := model.FlowEvent{Timestamp: time.Now(), SrcIP: client, DstIP: victim, Length: 60}
	assert.True(t, m.Submit(ev))
	assert.False(t, m.Submit(ev))
	assert.Equal(t, uint64(1), m.Metrics().Snapshot().QueueDrops["events"])
}

func TestSeparateSliceActuator(t *testing.T) {
	cfg := testConfig()
	cfg.Actuator.SliceType = "simulated"
	cfg.Actuator.Type = "simulated"
	m, err := NewManager(cfg, Deps{Scorer: rateScorer{}, Writers: []model.Writer{}, Logger: logging.Discard()})
	require.NoError(t, err)
	assert.Same(t, m.actuator, m.sliceActuator)
}
