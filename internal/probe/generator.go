package probe

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/errors"
	"Go2NetGuard/internal/model"
	"context"
	"math/rand"
	"net/netip"
	"time"
)

const generatorTick = 10 * time.Millisecond

// Generator produces synthetic traffic: background clients talking to a few
// servers, and after AttackAfter a single-source flood against the target.
type Generator struct {
	cfg     config.SimulateConfig
	rng     *rand.Rand
	clients []netip.Addr
	servers []netip.Addr
	source  netip.Addr
	target  netip.Addr
}

func NewGenerator(cfg config.SimulateConfig) (*Generator, error) {
	if cfg.Rate < 0 || cfg.AttackRate < 0 {
		return nil, errors.New(errors.KindValidation, "simulate rates must not be negative")
	}
	hosts := cfg.Hosts
	if hosts <= 0 {
		hosts = 20
	}
	if hosts > 250 {
		return nil, errors.Errorf(errors.KindValidation, "simulate hosts %d exceeds 250", hosts)
	}
	g := &Generator{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}

	var err error
	if g.target, err = netip.ParseAddr(cfg.AttackTarget); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "invalid attack target")
	}
	if cfg.AttackRate > 0 {
		if g.source, err = netip.ParseAddr(cfg.AttackSource); err != nil {
			return nil, errors.Wrap(err, errors.KindValidation, "invalid attack source")
		}
	}
	for i := 0; i < hosts; i++ {
		g.clients = append(g.clients, netip.AddrFrom4([4]byte{10, 0, 1, byte(i + 1)}))
	}
	g.servers = []netip.Addr{g.target, netip.AddrFrom4([4]byte{10, 0, 0, 11}), netip.AddrFrom4([4]byte{10, 0, 0, 12})}
	return g, nil
}

// Normal returns one background event: a web request or response sized packet.
func (g *Generator) Normal(at time.Time) model.FlowEvent {
	ev := model.FlowEvent{
		Timestamp: at,
		SrcIP:     g.clients[g.rng.Intn(len(g.clients))],
		DstIP:     g.servers[g.rng.Intn(len(g.servers))],
		SrcPort:   uint16(49152 + g.rng.Intn(16384)),
		DstPort:   443,
		Protocol:  model.ProtoTCP,
		Length:    200 + g.rng.Intn(1300),
	}
	if g.rng.Intn(10) == 0 {
		ev.DstPort = 53
		ev.Protocol = model.ProtoUDP
		ev.Length = 60 + g.rng.Intn(100)
	}
	return ev
}

// Attack returns one flood packet: fixed size, random destination port.
func (g *Generator) Attack(at time.Time) model.FlowEvent {
	return model.FlowEvent{
		Timestamp: at,
		SrcIP:     g.source,
		DstIP:     g.target,
		SrcPort:   uint16(1024 + g.rng.Intn(64511)),
		DstPort:   uint16(1 + g.rng.Intn(1024)),
		Protocol:  model.ProtoUDP,
		Length:    1000,
	}
}

// Run emits traffic at the configured rates until ctx is done. emit returns
// false when the event was dropped; the generator does not retry.
func (g *Generator) Run(ctx context.Context, emit func(model.FlowEvent) bool) error {
	ticker := time.NewTicker(generatorTick)
	defer ticker.Stop()

	start := time.Now()
	var debt [2]float64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			g.tick(now, now.Sub(start), &debt, emit)
		}
	}
}

// Timeline generates d worth of traffic on a virtual clock starting at start,
// without sleeping. It is what offline capture generation uses.
func (g *Generator) Timeline(start time.Time, d time.Duration, emit func(model.FlowEvent) bool) {
	var debt [2]float64
	for elapsed := generatorTick; elapsed <= d; elapsed += generatorTick {
		g.tick(start.Add(elapsed), elapsed, &debt, emit)
	}
}

// tick emits one tick's share of normal and attack traffic. debt carries the
// fractional packets of each kind over to the next tick.
func (g *Generator) tick(now time.Time, elapsed time.Duration, debt *[2]float64, emit func(model.FlowEvent) bool) {
	perTick := float64(generatorTick) / float64(time.Second)
	debt[0] += float64(g.cfg.Rate) * perTick
	for ; debt[0] >= 1; debt[0]-- {
		emit(g.Normal(now))
	}
	if g.cfg.AttackRate == 0 || elapsed < g.cfg.AttackAfter.D() {
		return
	}
	debt[1] += float64(g.cfg.AttackRate) * perTick
	for ; debt[1] >= 1; debt[1]-- {
		emit(g.Attack(now))
	}
}
