package flowtable

import (
	"Go2NetGuard/internal/errors"
	"Go2NetGuard/internal/model"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultShardCount  = 256
	maxShardCount      = 32768
	defaultMaxSetItems = 1024
)

// Options sizes a Table.
type Options struct {
	NumShards         uint32
	MaxSetCardinality int
	Logger            *zap.SugaredLogger
}

// Table aggregates flow events per (source, destination) pair in a sharded
// map. Ingest, reads and sweeps may run concurrently from any goroutine.
type Table struct {
	shards     []*shard
	shardCount uint32
	maxSet     int
}

// New creates an empty flow table.
func New(opts Options) *Table {
	n := opts.NumShards
	if n == 0 || n >= maxShardCount {
		n = defaultShardCount
	}
	maxSet := opts.MaxSetCardinality
	if maxSet <= 0 {
		maxSet = defaultMaxSetItems
	}
	if opts.Logger != nil {
		opts.Logger.Infow("creating flow table", "shards", n, "max_set_cardinality", maxSet)
	}
	t := &Table{
		shards:     make([]*shard, n),
		shardCount: n,
		maxSet:     maxSet,
	}
	for i := range t.shards {
		t.shards[i] = &shard{flows: make(map[model.FlowKey]*record)}
	}
	return t
}

// Ingest folds one event into its flow, creating the flow on first sight.
func (t *Table) Ingest(ev model.FlowEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	key := ev.Key()
	s := t.getShard(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.flows[key]
	if !ok {
		r = newRecord(ev, key)
		s.flows[key] = r
	}
	r.add(ev, t.maxSet)
	return nil
}

// FeaturesFor computes the feature vector of one flow from a consistent view of its record.
func (t *Table) FeaturesFor(key model.FlowKey) (model.FeatureVector, error) {
	s := t.getShard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.flows[key]
	if !ok {
		return model.FeatureVector{}, errors.Errorf(errors.KindNotFound, "flow %s not found", key)
	}
	return r.features(), nil
}

// Get returns a snapshot of one flow.
func (t *Table) Get(key model.FlowKey) (model.FlowSnapshot, bool) {
	s := t.getShard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.flows[key]
	if !ok {
		return model.FlowSnapshot{}, false
	}
	return r.snapshot(), true
}

// ActiveFlows returns every flow whose lastSeen lies within window of now.
func (t *Table) ActiveFlows(now time.Time, window time.Duration) []model.FlowSnapshot {
	return t.collect(func(r *record) bool {
		return now.Sub(r.lastSeen) <= window
	})
}

// TakeChanged returns active flows with at least minPackets packets that
// ingested an event since they were last taken, and marks them as taken. Flows
// below minPackets stay pending until they qualify.
func (t *Table) TakeChanged(now time.Time, window time.Duration, minPackets uint64) []model.FlowSnapshot {
	var out []model.FlowSnapshot
	for _, s := range t.shards {
		s.mu.Lock()
		for _, r := range s.flows {
			if r.changed && r.packets >= minPackets && now.Sub(r.lastSeen) <= window {
				r.changed = false
				out = append(out, r.snapshot())
			}
		}
		s.mu.Unlock()
	}
	return out
}

func (t *Table) collect(keep func(*record) bool) []model.FlowSnapshot {
	var out []model.FlowSnapshot
	for _, s := range t.shards {
		s.mu.RLock()
		for _, r := range s.flows {
			if keep(r) {
				out = append(out, r.snapshot())
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// TopByRate returns up to n active flows ordered by packets per second.
func (t *Table) TopByRate(now time.Time, window time.Duration, n int) []model.FlowSnapshot {
	flows := t.ActiveFlows(now, window)
	sort.Slice(flows, func(i, j int) bool {
		a, b := flows[i].Features, flows[j].Features
		if a.PacketsPerSecond != b.PacketsPerSecond {
			return a.PacketsPerSecond > b.PacketsPerSecond
		}
		return a.BytesPerSecond > b.BytesPerSecond
	})
	if n >= 0 && len(flows) > n {
		flows = flows[:n]
	}
	return flows
}

// SweepExpired removes flows idle for longer than idle and returns how many
// were removed. The idle check runs under the shard's write lock, so a flow
// that ingests an event concurrently is either seen as fresh or recreated.
func (t *Table) SweepExpired(now time.Time, idle time.Duration) int {
	var wg sync.WaitGroup
	removed := make([]int, t.shardCount)
	wg.Add(int(t.shardCount))
	for i := range t.shards {
		go func(i int) {
			defer wg.Done()
			s := t.shards[i]
			s.mu.Lock()
			for k, r := range s.flows {
				if now.Sub(r.lastSeen) > idle {
					delete(s.flows, k)
					removed[i]++
				}
			}
			s.mu.Unlock()
		}(i)
	}
	wg.Wait()

	total := 0
	for _, n := range removed {
		total += n
	}
	return total
}

// Snapshot returns a deep copy of every flow, one goroutine per shard.
func (t *Table) Snapshot() []model.FlowSnapshot {
	parts := make([][]model.FlowSnapshot, t.shardCount)
	var wg sync.WaitGroup
	wg.Add(int(t.shardCount))
	for i := range t.shards {
		go func(i int) {
			defer wg.Done()
			s := t.shards[i]
			s.mu.RLock()
			part := make([]model.FlowSnapshot, 0, len(s.flows))
			for _, r := range s.flows {
				part = append(part, r.snapshot())
			}
			s.mu.RUnlock()
			parts[i] = part
		}(i)
	}
	wg.Wait()

	var out []model.FlowSnapshot
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Len returns the number of tracked flows.
func (t *Table) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.flows)
		s.mu.RUnlock()
	}
	return n
}

// getShard returns the appropriate shard for a given key.
func (t *Table) getShard(key model.FlowKey) *shard {
	hasher := fnv.New32a()
	src, dst := key.Src.As16(), key.Dst.As16()
	hasher.Write(src[:])
	hasher.Write(dst[:])
	return t.shards[hasher.Sum32()%t.shardCount]
}
