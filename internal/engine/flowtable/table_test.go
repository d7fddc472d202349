package flowtable

import (
	"fmt"
	"math"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Go2NetGuard/internal/errors"
	"Go2NetGuard/internal/model"
)

var base = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func event(src, dst string, at time.Time, length int) model.FlowEvent {
	return model.FlowEvent{
		Timestamp: at,
		SrcIP:     netip.MustParseAddr(src),
		DstIP:     netip.MustParseAddr(dst),
		SrcPort:   40000,
		DstPort:   80,
		Protocol:  model.ProtoTCP,
		Length:    length,
	}
}

func key(src, dst string) model.FlowKey {
	return model.FlowKey{Src: netip.MustParseAddr(src), Dst: netip.MustParseAddr(dst)}
}

func TestTotalsMatchIngestedEvents(t *testing.T) {
	table := New(Options{NumShards: 8})
	lengths := []int{60, 1500, 576, 40, 1200, 900}
	sum := 0
	for i, l := range lengths {
		require.NoError(t, table.Ingest(event("10.0.0.1", "10.0.0.2", base.Add(time.Duration(i)*time.Second), l)))
		sum += l
	}

	fv, err := table.FeaturesFor(key("10.0.0.1", "10.0.0.2"))
	require.NoError(t, err)
	assert.Equal(t, float64(len(lengths)), fv.TotalPackets)
	assert.Equal(t, float64(sum), fv.TotalBytes)
}

func TestFeatureStatistics(t *testing.T) {
	table := New(Options{})
	require.NoError(t, table.Ingest(event("10.0.0.1", "10.0.0.2", base, 100)))
	require.NoError(t, table.Ingest(event("10.0.0.1", "10.0.0.2", base.Add(time.Second), 200)))
	require.NoError(t, table.Ingest(event("10.0.0.1", "10.0.0.2", base.Add(3*time.Second), 300)))

	fv, err := table.FeaturesFor(key("10.0.0.1", "10.0.0.2"))
	require.NoError(t, err)

	assert.InDelta(t, 3.0, fv.FlowDuration, 1e-9)
	assert.InDelta(t, 1.0, fv.PacketsPerSecond, 1e-9)
	assert.InDelta(t, 200.0, fv.BytesPerSecond, 1e-9)
	assert.InDelta(t, 200.0, fv.AvgPacketSize, 1e-9)
	assert.InDelta(t, math.Sqrt(20000.0/3), fv.StdPacketSize, 1e-9)
	assert.Equal(t, 100.0, fv.MinPacketSize)
	assert.Equal(t, 300.0, fv.MaxPacketSize)
	assert.InDelta(t, 1.5, fv.AvgIAT, 1e-9)
	assert.InDelta(t, 0.5, fv.StdIAT, 1e-9)
	assert.Equal(t, 1.0, fv.IsTCP)
	assert.Equal(t, 0.0, fv.IsUDP)
	assert.Equal(t, 1.0, fv.UniqueDstPorts)
}

func TestSinglePacketFlow(t *testing.T) {
	table := New(Options{})
	require.NoError(t, table.Ingest(event("10.0.0.1", "10.0.0.2", base, 64)))

	fv, err := table.FeaturesFor(key("10.0.0.1", "10.0.0.2"))
	require.NoError(t, err)
	assert.Equal(t, 0.001, fv.FlowDuration)
	assert.Zero(t, fv.PacketsPerSecond)
	assert.Zero(t, fv.BytesPerSecond)
	assert.Zero(t, fv.StdPacketSize)
	assert.Zero(t, fv.AvgIAT)
	assert.Equal(t, 64.0, fv.MinPacketSize)
}

func TestOutOfOrderEvents(t *testing.T) {
	table := New(Options{})
	require.NoError(t, table.Ingest(event("10.0.0.1", "10.0.0.2", base.Add(2*time.Second), 100)))
	require.NoError(t, table.Ingest(event("10.0.0.1", "10.0.0.2", base, 100)))

	snap, ok := table.Get(key("10.0.0.1", "10.0.0.2"))
	require.True(t, ok)
	assert.Equal(t, base, snap.FirstSeen)
	assert.Equal(t, base.Add(2*time.Second), snap.LastSeen)
	assert.Zero(t, snap.Features.AvgIAT, "negative deltas are not inter-arrival samples")
}

func TestPortsAndProtocols(t *testing.T) {
	table := New(Options{MaxSetCardinality: 5})
	for p := 1; p <= 20; p++ {
		ev := event("10.0.0.9", "10.0.0.2", base.Add(time.Duration(p)*time.Millisecond), 60)
		ev.DstPort = uint16(p)
		require.NoError(t, table.Ingest(ev))
	}
	icmp := event("10.0.0.9", "10.0.0.2", base.Add(time.Second), 84)
	icmp.Protocol = model.ProtoICMP
	icmp.SrcPort, icmp.DstPort = 0, 0
	require.NoError(t, table.Ingest(icmp))

	fv, err := table.FeaturesFor(key("10.0.0.9", "10.0.0.2"))
	require.NoError(t, err)
	assert.Equal(t, 5.0, fv.UniqueDstPorts, "set saturates at the cap")
	assert.Equal(t, 1.0, fv.UniqueSrcPorts)
	assert.Equal(t, 2.0, fv.UniqueProtocols)
	assert.Equal(t, 1.0, fv.IsICMP)
	assert.Equal(t, 1.0, fv.IsTCP)
}

func TestFeaturesForMissingFlow(t *testing.T) {
	table := New(Options{})
	_, err := table.FeaturesFor(key("10.0.0.1", "10.0.0.2"))
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
}

func TestIngestRejectsMalformed(t *testing.T) {
	table := New(Options{})
	err := table.Ingest(model.FlowEvent{Timestamp: base, Length: 10})
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
	assert.Zero(t, table.Len())
}

func TestSweepExpired(t *testing.T) {
	table := New(Options{NumShards: 4})
	idle := 10 * time.Minute
	require.NoError(t, table.Ingest(event("10.0.0.1", "10.0.0.2", base, 60)))
	require.NoError(t, table.Ingest(event("10.0.0.3", "10.0.0.2", base.Add(-idle-time.Second), 60)))
	require.NoError(t, table.Ingest(event("10.0.0.4", "10.0.0.2", base.Add(-idle), 60)))

	removed := table.SweepExpired(base, idle)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, table.Len())
	_, ok := table.Get(key("10.0.0.4", "10.0.0.2"))
	assert.True(t, ok, "a flow exactly at the idle boundary survives")
}

func TestSweepNeverRemovesFreshFlowUnderConcurrentIngest(t *testing.T) {
	table := New(Options{NumShards: 2})
	idle := time.Minute
	const events = 2000

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < events; i++ {
			_ = table.Ingest(event("10.0.0.1", "10.0.0.2", base, 100))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			table.SweepExpired(base.Add(idle/2), idle)
		}
	}()
	wg.Wait()

	snap, ok := table.Get(key("10.0.0.1", "10.0.0.2"))
	require.True(t, ok)
	assert.Equal(t, uint64(events), snap.Packets)
}

func TestActiveFlowsAndTop(t *testing.T) {
	table := New(Options{})
	for i := 0; i < 5; i++ {
		src := fmt.Sprintf("10.0.1.%d", i+1)
		for p := 0; p <= i*10; p++ {
			require.NoError(t, table.Ingest(event(src, "10.0.0.2", base.Add(time.Duration(p)*10*time.Millisecond), 100)))
		}
	}
	require.NoError(t, table.Ingest(event("10.9.9.9", "10.0.0.2", base.Add(-time.Hour), 100)))

	active := table.ActiveFlows(base.Add(time.Second), 5*time.Minute)
	assert.Len(t, active, 5)

	top := table.TopByRate(base.Add(time.Second), 5*time.Minute, 2)
	require.Len(t, top, 2)
	assert.GreaterOrEqual(t, top[0].Features.PacketsPerSecond, top[1].Features.PacketsPerSecond)

	now := base.Add(time.Second)
	changed := table.TakeChanged(now, 5*time.Minute, 10)
	for _, f := range changed {
		assert.GreaterOrEqual(t, f.Packets, uint64(10))
	}
	assert.Len(t, changed, 4)
	assert.Empty(t, table.TakeChanged(now, 5*time.Minute, 10), "taken flows are not returned twice")

	// A late event with an old timestamp still marks the flow as changed.
	require.NoError(t, table.Ingest(event("10.0.1.2", "10.0.0.2", base, 100)))
	changed = table.TakeChanged(now, 5*time.Minute, 10)
	require.Len(t, changed, 1)
	assert.Equal(t, uint64(12), changed[0].Packets)

	assert.Len(t, table.Snapshot(), 6)
}
