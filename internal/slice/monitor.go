package slice

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/errors"
	"Go2NetGuard/internal/model"
	"context"
	"fmt"
	"math"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Status is the health state of a slice.
type Status string

const (
	StatusHealthy  Status = "HEALTHY"
	StatusDegraded Status = "DEGRADED"
	StatusCritical Status = "CRITICAL"
	StatusIsolated Status = "ISOLATED"
)

const (
	quarantinePriority = 30000
	capPriority        = 25000
)

// Definition is one configured slice.
type Definition struct {
	Name          string
	VLAN          uint16
	BandwidthMbps uint64
	CapPercent    float64
	MeterID       uint32
	Subnets       []netip.Prefix
}

// Options tunes the monitor's state machine.
type Options struct {
	AlertSeverity      float64
	HighAlertIsolates  bool
	DegradedThreshold  float64
	CriticalThreshold  float64
	IsolationThreshold float64
	RestoreThreshold   float64
	DecayRate          float64
	RestorationDelay   time.Duration
	MaxIsolationTime   time.Duration
	SwitchID           string
	ActuatorTimeout    time.Duration
	Sink               model.EventSink
	Logger             *zap.SugaredLogger
}

// Alert raises a slice's threat level. High marks an explicit high-severity
// alert, which isolates the slice at once when HighAlertIsolates is set.
type Alert struct {
	Slice    string
	Source   netip.Addr
	Severity float64
	High     bool
}

// State is a point-in-time copy of one slice.
type State struct {
	Name             string    `json:"name"`
	VLAN             uint16    `json:"vlan"`
	Status           Status    `json:"status"`
	ThreatLevel      float64   `json:"threat_level"`
	IsolatedAt       time.Time `json:"isolated_at,omitzero"`
	IsolationStarted time.Time `json:"isolation_started,omitzero"`
	NextRestoreCheck time.Time `json:"next_restore_check,omitzero"`
	IsolatedSources  []string  `json:"isolated_sources,omitempty"`
	Isolations       int       `json:"isolations"`
	Restorations     int       `json:"restorations"`
}

type sliceState struct {
	mu               sync.Mutex
	def              Definition
	status           Status
	threat           float64
	isolatedAt       time.Time
	isolationStarted time.Time
	nextCheck        time.Time
	sources          map[netip.Addr]struct{}
	installed        []model.Rule
	isolations       int
	restorations     int
}

// Monitor tracks a fixed set of slices. Work on one slice is serialized by
// that slice's mutex; different slices never wait on each other.
type Monitor struct {
	opts     Options
	actuator model.Actuator
	slices   map[string]*sliceState
	order    []string
	healed   atomic.Uint64
	logger   *zap.SugaredLogger
}

func NewMonitor(actuator model.Actuator, defs []Definition, opts Options) (*Monitor, error) {
	if len(defs) == 0 {
		return nil, errors.New(errors.KindValidation, "no slices defined")
	}
	if opts.AlertSeverity <= 0 {
		opts.AlertSeverity = 1
	}
	if opts.ActuatorTimeout <= 0 {
		opts.ActuatorTimeout = 5 * time.Second
	}
	if opts.Sink == nil {
		opts.Sink = model.MultiSink(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.S()
	}

	m := &Monitor{
		opts:     opts,
		actuator: actuator,
		slices:   make(map[string]*sliceState, len(defs)),
		logger:   logger.With("component", "slices"),
	}
	for i, def := range defs {
		if _, dup := m.slices[def.Name]; dup {
			return nil, errors.Errorf(errors.KindValidation, "duplicate slice %q", def.Name)
		}
		if def.MeterID == 0 {
			def.MeterID = uint32(i + 1)
		}
		m.slices[def.Name] = &sliceState{def: def, status: StatusHealthy, sources: make(map[netip.Addr]struct{})}
		m.order = append(m.order, def.Name)
	}
	return m, nil
}

// DefinitionsFromConfig parses the slice definitions.
func DefinitionsFromConfig(cfg config.SlicesConfig) ([]Definition, error) {
	defs := make([]Definition, 0, len(cfg.Definitions))
	for _, d := range cfg.Definitions {
		def := Definition{
			Name:          d.Name,
			VLAN:          d.VLAN,
			BandwidthMbps: d.BandwidthMbps,
			CapPercent:    d.CapPercent,
			MeterID:       d.MeterID,
		}
		for _, s := range d.Subnets {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, errors.Wrapf(err, errors.KindValidation, "slice %s", d.Name)
			}
			def.Subnets = append(def.Subnets, p.Masked())
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// OptionsFromConfig converts the slices config section.
func OptionsFromConfig(cfg config.SlicesConfig, actuatorTimeout time.Duration) Options {
	return Options{
		AlertSeverity:      cfg.AlertSeverity,
		HighAlertIsolates:  cfg.HighAlertIsolates,
		DegradedThreshold:  cfg.DegradedThreshold,
		CriticalThreshold:  cfg.CriticalThreshold,
		IsolationThreshold: cfg.IsolationThreshold,
		RestoreThreshold:   cfg.RestoreThreshold,
		DecayRate:          cfg.DecayRate,
		RestorationDelay:   cfg.RestorationDelay.D(),
		MaxIsolationTime:   cfg.MaxIsolationTime.D(),
		SwitchID:           cfg.SwitchID,
		ActuatorTimeout:    actuatorTimeout,
	}
}

// RecordAlert adds the alert's severity to the slice and re-evaluates it
// immediately. The returned error reports a failed isolation attempt.
func (m *Monitor) RecordAlert(ctx context.Context, a Alert, now time.Time) error {
	s, ok := m.slices[a.Slice]
	if !ok {
		return errors.Attr(errors.Errorf(errors.KindNotFound, "unknown slice %q", a.Slice), "slice", a.Slice)
	}
	severity := a.Severity
	if severity <= 0 || math.IsNaN(severity) || math.IsInf(severity, 0) {
		severity = m.opts.AlertSeverity
	}
	high := a.High && m.opts.HighAlertIsolates

	s.mu.Lock()
	defer s.mu.Unlock()
	s.threat += severity

	if s.status == StatusIsolated {
		if a.Source.IsValid() {
			s.sources[a.Source] = struct{}{}
		}
		if high {
			s.isolatedAt = now
			s.nextCheck = now.Add(m.opts.RestorationDelay)
		}
		return nil
	}

	s.status = m.statusFor(s.threat)
	if high || m.shouldIsolate(s) {
		reason := fmt.Sprintf("threat level %.2f", s.threat)
		if high {
			reason = "high severity alert"
		}
		return m.isolate(ctx, s, now, a.Source, reason)
	}
	return nil
}

// Tick decays every slice, isolates slices whose threat crossed the
// threshold, and runs due restoration checks. Slices are processed
// concurrently.
func (m *Monitor) Tick(ctx context.Context, now time.Time) {
	var wg sync.WaitGroup
	for _, name := range m.order {
		wg.Add(1)
		go func(s *sliceState) {
			defer wg.Done()
			m.tick(ctx, s, now)
		}(m.slices[name])
	}
	wg.Wait()
}

func (m *Monitor) tick(ctx context.Context, s *sliceState, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.threat = math.Max(0, s.threat-m.opts.DecayRate)

	if s.status != StatusIsolated {
		s.status = m.statusFor(s.threat)
		if m.shouldIsolate(s) {
			m.isolate(ctx, s, now, netip.Addr{}, fmt.Sprintf("threat level %.2f", s.threat))
		}
		return
	}

	forced := now.Sub(s.isolationStarted) >= m.opts.MaxIsolationTime
	if !forced && now.Before(s.nextCheck) {
		return
	}
	if forced {
		m.restore(ctx, s, now, "maximum isolation time reached")
		return
	}
	if s.threat < m.opts.RestoreThreshold {
		m.restore(ctx, s, now, "")
		return
	}
	s.nextCheck = now.Add(m.opts.RestorationDelay)
	m.logger.Infow("slice still under threat, restoration rescheduled", "slice", s.def.Name,
		"threat_level", s.threat, "next_check", s.nextCheck)
}

func (m *Monitor) statusFor(threat float64) Status {
	switch {
	case threat > m.opts.CriticalThreshold:
		return StatusCritical
	case threat > m.opts.DegradedThreshold:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func (m *Monitor) shouldIsolate(s *sliceState) bool {
	return s.status == StatusCritical || s.threat >= m.opts.IsolationThreshold
}

// isolate must be called with s.mu held. A partial install is rolled back.
func (m *Monitor) isolate(ctx context.Context, s *sliceState, now time.Time, src netip.Addr, reason string) error {
	rules := IsolationRules(s.def)
	installed := make([]model.Rule, 0, len(rules))
	for _, r := range rules {
		if err := m.call(ctx, func(ctx context.Context) error {
			return m.actuator.InstallRule(ctx, m.opts.SwitchID, r)
		}); err != nil {
			for i := len(installed) - 1; i >= 0; i-- {
				rb := installed[i]
				if rbErr := m.call(ctx, func(ctx context.Context) error {
					return m.actuator.RemoveRule(ctx, m.opts.SwitchID, rb)
				}); rbErr != nil {
					m.logger.Errorw("rollback of isolation rule failed", "slice", s.def.Name, "rule", rb.ID, "error", rbErr)
				}
			}
			m.logger.Warnw("slice isolation failed", "slice", s.def.Name, "rule", r.ID, "error", err)
			m.emit(now, model.EventSliceIsolateFailed, s.def.Name, src, err.Error())
			return err
		}
		installed = append(installed, r)
	}

	s.status = StatusIsolated
	s.isolatedAt = now
	s.isolationStarted = now
	s.nextCheck = now.Add(m.opts.RestorationDelay)
	s.installed = installed
	s.sources = make(map[netip.Addr]struct{})
	if src.IsValid() {
		s.sources[src] = struct{}{}
	}
	s.isolations++
	m.logger.Warnw("slice isolated", "slice", s.def.Name, "reason", reason, "threat_level", s.threat,
		"vlan", s.def.VLAN, "cap_kbps", capKbps(s.def))
	m.emit(now, model.EventSliceIsolated, s.def.Name, src, reason)
	return nil
}

// restore must be called with s.mu held. Rules that fail to come off stay
// recorded and the slice stays isolated; the next tick tries again.
// RestoreAll lifts every isolation regardless of threat level and returns
// the slices whose rules could not all be removed.
func (m *Monitor) RestoreAll(ctx context.Context, now time.Time) (restored int, failed []string) {
	for _, name := range m.order {
		s := m.slices[name]
		s.mu.Lock()
		if s.status == StatusIsolated {
			m.restore(ctx, s, now, "shutdown")
			if s.status == StatusIsolated {
				failed = append(failed, name)
			} else {
				restored++
			}
		}
		s.mu.Unlock()
	}
	return restored, failed
}

func (m *Monitor) restore(ctx context.Context, s *sliceState, now time.Time, reason string) {
	forced := reason != ""
	var remaining []model.Rule
	var firstErr error
	for i := len(s.installed) - 1; i >= 0; i-- {
		r := s.installed[i]
		if err := m.call(ctx, func(ctx context.Context) error {
			return m.actuator.RemoveRule(ctx, m.opts.SwitchID, r)
		}); err != nil {
			remaining = append([]model.Rule{r}, remaining...)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		s.installed = remaining
		s.nextCheck = now
		m.logger.Warnw("slice restoration failed", "slice", s.def.Name, "forced", forced,
			"rules_left", len(remaining), "error", firstErr)
		m.emit(now, model.EventSliceRestoreFailed, s.def.Name, netip.Addr{}, firstErr.Error())
		return
	}

	isolatedFor := now.Sub(s.isolationStarted)
	s.status = StatusHealthy
	s.threat = 0
	s.installed = nil
	s.isolatedAt = time.Time{}
	s.isolationStarted = time.Time{}
	s.nextCheck = time.Time{}
	s.sources = make(map[netip.Addr]struct{})
	s.restorations++
	m.healed.Add(1)

	detail := fmt.Sprintf("isolated for %s", isolatedFor.Round(time.Second))
	if forced {
		detail += ", " + reason
	}
	m.logger.Infow("slice restored", "slice", s.def.Name, "forced", forced, "isolated_for", isolatedFor)
	m.emit(now, model.EventSliceRestored, s.def.Name, netip.Addr{}, detail)
}

// IsolationRules returns the rules that quarantine a slice: its VLAN traffic
// is steered to the controller at best-effort priority, and its TCP traffic is
// capped to CapPercent of the slice bandwidth.
func IsolationRules(def Definition) []model.Rule {
	prefix := "slice/" + def.Name
	return []model.Rule{
		model.NewRule(prefix+"/quarantine", quarantinePriority,
			model.Match{VLAN: def.VLAN},
			model.RuleAction{Type: model.RuleSetField, Field: "vlan_pcp", Value: "0"},
			model.RuleAction{Type: model.RuleOutput, Port: model.PortController},
		),
		model.NewRule(prefix+"/cap", capPriority,
			model.Match{VLAN: def.VLAN, IPProto: model.ProtoTCP},
			model.RuleAction{Type: model.RuleMeter, MeterID: def.MeterID, RateKbps: capKbps(def)},
			model.RuleAction{Type: model.RuleOutput, Port: model.PortNormal},
		),
	}
}

func capKbps(def Definition) uint64 {
	return uint64(float64(def.BandwidthMbps) * 1000 * def.CapPercent / 100)
}

// States returns a copy of every slice in configuration order.
func (m *Monitor) States() []State {
	out := make([]State, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.snapshot(m.slices[name]))
	}
	return out
}

// State returns a copy of one slice.
func (m *Monitor) State(name string) (State, bool) {
	s, ok := m.slices[name]
	if !ok {
		return State{}, false
	}
	return m.snapshot(s), true
}

// Healed counts completed restorations.
func (m *Monitor) Healed() uint64 {
	return m.healed.Load()
}

// Isolated returns the names of isolated slices.
func (m *Monitor) Isolated() []string {
	var out []string
	for _, st := range m.States() {
		if st.Status == StatusIsolated {
			out = append(out, st.Name)
		}
	}
	return out
}

func (m *Monitor) snapshot(s *sliceState) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		Name:             s.def.Name,
		VLAN:             s.def.VLAN,
		Status:           s.status,
		ThreatLevel:      s.threat,
		IsolatedAt:       s.isolatedAt,
		IsolationStarted: s.isolationStarted,
		NextRestoreCheck: s.nextCheck,
		Isolations:       s.isolations,
		Restorations:     s.restorations,
	}
	for src := range s.sources {
		st.IsolatedSources = append(st.IsolatedSources, src.String())
	}
	sort.Strings(st.IsolatedSources)
	return st
}

func (m *Monitor) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ActuatorTimeout)
	defer cancel()
	err := fn(ctx)
	if err != nil && errors.GetKind(err) == errors.KindUnknown {
		err = errors.Wrap(err, errors.KindUnavailable, "actuator call failed")
	}
	return err
}

func (m *Monitor) emit(at time.Time, kind model.EventKind, slice string, src netip.Addr, detail string) {
	ev := model.NewEvent(at, kind)
	ev.Slice = slice
	if src.IsValid() {
		ev.Source = src.String()
	}
	ev.Detail = detail
	m.opts.Sink.Record(ev)
}
