package report

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Go2NetGuard/internal/actuator"
	"Go2NetGuard/internal/engine/flowtable"
	"Go2NetGuard/internal/errors"
	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/metrics"
	"Go2NetGuard/internal/mitigation"
	"Go2NetGuard/internal/model"
	"Go2NetGuard/internal/slice"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeMitigations []mitigation.Record

func (f fakeMitigations) Active() []mitigation.Record { return f }

type fakeSlices []slice.State

func (f fakeSlices) States() []slice.State { return f }

type failingStats struct{ err error }

func (f failingStats) QueryStats(context.Context, string) (model.SwitchStats, error) {
	return model.SwitchStats{}, f.err
}

func fixture(t *testing.T, stats StatsSource) (*Server, *metrics.Metrics) {
	t.Helper()
	table := flowtable.New(flowtable.Options{NumShards: 4})
	for i := 0; i < 100; i++ {
		require.NoError(t, table.Ingest(model.FlowEvent{
			Timestamp: now.Add(-time.Second + time.Duration(i)*10*time.Millisecond),
			SrcIP:     netip.MustParseAddr("203.0.113.66"),
			DstIP:     netip.MustParseAddr("10.0.0.10"),
			DstPort:   uint16(80 + i),
			Protocol:  model.ProtoUDP,
			Length:    100,
		}))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, table.Ingest(model.FlowEvent{
			Timestamp: now.Add(-time.Duration(3-i) * time.Second),
			SrcIP:     netip.MustParseAddr("10.0.0.20"),
			DstIP:     netip.MustParseAddr("10.0.0.10"),
			DstPort:   443,
			Protocol:  model.ProtoTCP,
			Length:    600,
		}))
	}

	recs := fakeMitigations{{
		ID:        uuid.MustParse("7f1c6f1e-6d0c-4a8e-9a53-8f1a3c1d2b10"),
		Source:    netip.MustParseAddr("203.0.113.66"),
		Slice:     "eMBB",
		Action:    model.ActionBlock,
		Rule:      model.Rule{ID: "mitigation/BLOCK/203.0.113.66"},
		AppliedAt: now.Add(-100 * time.Second),
		ExpiresAt: now.Add(200 * time.Second),
		Verdict:   model.Verdict{Confidence: 0.95},
	}}
	slices := fakeSlices{
		{Name: "eMBB", VLAN: 100, Status: slice.StatusIsolated, ThreatLevel: 4},
		{Name: "URLLC", VLAN: 200, Status: slice.StatusHealthy},
	}
	met := metrics.New()
	met.Scored("attack", true, 20*time.Millisecond)
	rep := NewReporter(table, recs, slices, stats, met, Options{Clock: func() time.Time { return now }})
	return NewServer(":0", rep, met.Registry, logging.Discard()), met
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestTopFlows(t *testing.T) {
	s, _ := fixture(t, actuator.NewSimulated(actuator.SimulatedOptions{}))

	rec := get(t, s, "/api/v1/flows/top?n=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var flows []FlowView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &flows))
	require.Len(t, flows, 1)
	assert.Equal(t, "203.0.113.66", flows[0].Source)
	assert.Equal(t, uint64(100), flows[0].Packets)
	assert.InDelta(t, 101.0, flows[0].PacketsPerSecond, 0.5)

	rec = get(t, s, "/api/v1/flows/top")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &flows))
	assert.Len(t, flows, 2)

	for _, bad := range []string{"0", "-1", "abc", "5000"} {
		assert.Equal(t, http.StatusBadRequest, get(t, s, "/api/v1/flows/top?n="+bad).Code, bad)
	}
}

func TestMitigationsAndSlices(t *testing.T) {
	s, _ := fixture(t, actuator.NewSimulated(actuator.SimulatedOptions{}))

	var mits []MitigationView
	require.NoError(t, json.Unmarshal(get(t, s, "/api/v1/mitigations").Body.Bytes(), &mits))
	require.Len(t, mits, 1)
	assert.Equal(t, "BLOCK", mits[0].Action)
	assert.Equal(t, 200.0, mits[0].RemainingS)

	var states []slice.State
	require.NoError(t, json.Unmarshal(get(t, s, "/api/v1/slices").Body.Bytes(), &states))
	require.Len(t, states, 2)
	assert.Equal(t, slice.StatusIsolated, states[0].Status)
}

func TestAggregate(t *testing.T) {
	s, _ := fixture(t, actuator.NewSimulated(actuator.SimulatedOptions{}))
	var sum Summary
	require.NoError(t, json.Unmarshal(get(t, s, "/api/v1/metrics").Body.Bytes(), &sum))
	assert.Equal(t, uint64(1), sum.FlowsAnalyzed)
	assert.Equal(t, uint64(1), sum.AnomaliesDetected)
	assert.InDelta(t, 20.0, sum.AvgDetectionLatencyMs, 0.001)
	assert.Equal(t, 2, sum.ActiveFlows)
	assert.Equal(t, 1, sum.ActiveMitigations)
	assert.Equal(t, 1, sum.IsolatedSlices)
}

func TestSwitchStats(t *testing.T) {
	act := actuator.NewSimulated(actuator.SimulatedOptions{})
	require.NoError(t, act.InstallRule(context.Background(), "1", model.Rule{ID: "r1"}))
	s, _ := fixture(t, act)

	rec := get(t, s, "/api/v1/switches/1/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats model.SwitchStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.FlowCount)

	cases := map[errors.Kind]int{
		errors.KindValidation:  http.StatusBadRequest,
		errors.KindTimeout:     http.StatusGatewayTimeout,
		errors.KindUnavailable: http.StatusBadGateway,
	}
	for kind, status := range cases {
		s, _ := fixture(t, failingStats{err: errors.New(kind, "controller says no")})
		assert.Equal(t, status, get(t, s, "/api/v1/switches/x/stats").Code, kind.String())
	}
}

func TestHealthAndPrometheus(t *testing.T) {
	s, _ := fixture(t, actuator.NewSimulated(actuator.SimulatedOptions{}))
	assert.Equal(t, http.StatusOK, get(t, s, "/healthz").Code)

	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go2netguard_flows_analyzed_total 1"))

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/slices", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAPIRoutesRejectOtherMethods(t *testing.T) {
	s, _ := fixture(t, actuator.NewSimulated(actuator.SimulatedOptions{}))
	for _, path := range []string{"/api/v1/flows/top", "/api/v1/mitigations", "/api/v1/metrics", "/api/v1/switches/1/stats"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/nothing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
