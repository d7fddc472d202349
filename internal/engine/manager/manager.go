package manager

import (
	_ "Go2NetGuard/internal/actuator" // Registers actuator backends
	"Go2NetGuard/internal/alerter"
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/detect"
	"Go2NetGuard/internal/engine/flowtable"
	"Go2NetGuard/internal/factory"
	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/metrics"
	"Go2NetGuard/internal/mitigation"
	"Go2NetGuard/internal/model"
	"Go2NetGuard/internal/notification"
	"Go2NetGuard/internal/slice"
	"Go2NetGuard/internal/storage"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Deps lets callers supply collaborators instead of building them from config.
// Nil fields are created from the configuration.
type Deps struct {
	Scorer        model.ThreatScorer
	Actuator      model.Actuator
	SliceActuator model.Actuator
	Writers       []model.Writer
	Sinks         []model.EventSink
	Notifier      model.Notifier
	Metrics       *metrics.Metrics
	Clock         func() time.Time
	Logger        *zap.SugaredLogger
}

// Manager drives the detection and mitigation loop: ingest workers feed the
// flow table, a sampler queues changed flows for scoring, scorers turn them
// into mitigation decisions and responders act on them. Housekeeping timers
// expire flows, mitigations and slice isolations.
type Manager struct {
	cfg     config.EngineConfig
	cleanup bool

	table         *flowtable.Table
	scorer        model.ThreatScorer
	actuator      model.Actuator
	sliceActuator model.Actuator
	ctrl          *mitigation.Controller
	monitor       *slice.Monitor
	resolver      *slice.Resolver
	writers       []model.Writer
	sinks         []model.EventSink
	alerter       *alerter.Alerter
	metrics       *metrics.Metrics
	clock         func() time.Time
	logger        *zap.SugaredLogger

	events chan model.FlowEvent
	scoreQ chan model.FlowSnapshot
	alertQ chan mitigation.Result
	auditQ chan model.Event

	closeMu sync.RWMutex
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc

	samplerDone chan struct{}
	done        chan struct{}

	ingestWg       sync.WaitGroup
	samplerWg      sync.WaitGroup
	scoreWg        sync.WaitGroup
	responderWg    sync.WaitGroup
	housekeepingWg sync.WaitGroup
	snapshotterWg  sync.WaitGroup
	auditWg        sync.WaitGroup

	drops     map[string]*logging.DropCounter
	malformed logging.DropCounter
	stopOnce  sync.Once
}

// NewManager wires the loop from cfg, using any collaborators given in deps.
func NewManager(cfg *config.Config, deps Deps) (*Manager, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.S()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	met := deps.Metrics
	if met == nil {
		met = metrics.New()
	}

	m := &Manager{
		cfg:         cfg.Engine,
		cleanup:     cfg.Engine.CleanupOnShutdown,
		metrics:     met,
		clock:       clock,
		logger:      logger.With("component", "manager"),
		events:      make(chan model.FlowEvent, cfg.Engine.EventQueueSize),
		scoreQ:      make(chan model.FlowSnapshot, cfg.Engine.ScoreQueueSize),
		alertQ:      make(chan mitigation.Result, cfg.Engine.AlertQueueSize),
		auditQ:      make(chan model.Event, cfg.Engine.EventSinkQueueSize),
		samplerDone: make(chan struct{}),
		done:        make(chan struct{}),
		drops: map[string]*logging.DropCounter{
			metrics.QueueEvents: {Every: 1000},
			metrics.QueueScore:  {Every: 1000},
			metrics.QueueAlerts: {Every: 100},
			metrics.QueueAudit:  {Every: 100},
		},
		malformed: logging.DropCounter{Every: 1000},
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.table = flowtable.New(flowtable.Options{
		NumShards:         cfg.FlowTable.NumShards,
		MaxSetCardinality: cfg.FlowTable.MaxSetCardinality,
		Logger:            logger,
	})

	var err error
	if m.scorer = deps.Scorer; m.scorer == nil {
		if m.scorer, err = detect.NewFromConfig(cfg.Scorer, logger); err != nil {
			return nil, fmt.Errorf("failed to create scorer: %w", err)
		}
	}
	if m.actuator = deps.Actuator; m.actuator == nil {
		if m.actuator, err = factory.CreateActuator(cfg.Actuator.Type, cfg, logger); err != nil {
			return nil, err
		}
	}
	m.sliceActuator = deps.SliceActuator
	if m.sliceActuator == nil {
		if cfg.Actuator.SliceType != "" && cfg.Actuator.SliceType != cfg.Actuator.Type {
			if m.sliceActuator, err = factory.CreateActuator(cfg.Actuator.SliceType, cfg, logger); err != nil {
				return nil, err
			}
		} else {
			m.sliceActuator = m.actuator
		}
	}

	if m.writers = deps.Writers; m.writers == nil {
		if m.writers, err = factory.CreateWriters(cfg.Storage.Writers, logger); err != nil {
			return nil, err
		}
	}

	m.sinks = deps.Sinks
	if m.sinks == nil && cfg.Storage.Audit.Enabled {
		sink, err := storage.NewClickHouseEventSink(cfg.Storage.Audit, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create audit sink: %w", err)
		}
		m.sinks = append(m.sinks, sink)
	}

	if cfg.Alerter.Enabled {
		notifier := deps.Notifier
		if notifier == nil {
			if notifier, err = notification.New(cfg.SMTP, logger); err != nil {
				return nil, fmt.Errorf("failed to create notifier: %w", err)
			}
		}
		if m.alerter, err = alerter.NewAlerter(cfg.Alerter, notifier, logger); err != nil {
			return nil, fmt.Errorf("failed to create alerter: %w", err)
		}
		m.sinks = append(m.sinks, m.alerter)
	}

	mopts, err := mitigation.OptionsFromConfig(cfg.Mitigation)
	if err != nil {
		return nil, err
	}
	mopts.Clock = clock
	mopts.Sink = m
	mopts.Logger = logger
	m.ctrl = mitigation.NewController(m.actuator, mopts)

	defs, err := slice.DefinitionsFromConfig(cfg.Slices)
	if err != nil {
		return nil, err
	}
	sopts := slice.OptionsFromConfig(cfg.Slices, cfg.Mitigation.ActuatorTimeout.D())
	sopts.Sink = m
	sopts.Logger = logger
	if m.monitor, err = slice.NewMonitor(m.sliceActuator, defs, sopts); err != nil {
		return nil, err
	}
	m.resolver = slice.NewResolver(defs, cfg.Slices.DefaultSlice)

	return m, nil
}

// Start launches every worker and timer.
func (m *Manager) Start() {
	m.auditWg.Add(1)
	go m.auditWorker()

	for _, writer := range m.writers {
		m.snapshotterWg.Add(1)
		go m.runSnapshotter(writer)
		m.logger.Infow("started snapshotter", "writer", writer.Name(), "interval", writer.GetInterval())
	}

	m.housekeepingWg.Add(3)
	go m.runTimer("flow_sweep", m.cfg.FlowSweepInterval.D(), m.sweepFlows)
	go m.runTimer("mitigation_expiry", m.cfg.MitigationSweepInterval.D(), m.expireMitigations)
	go m.runTimer("slice_tick", m.cfg.SliceTickInterval.D(), m.tickSlices)

	if m.alerter != nil {
		m.alerter.Start()
	}

	m.responderWg.Add(m.cfg.NumResponders)
	for i := 0; i < m.cfg.NumResponders; i++ {
		go m.responder()
	}
	m.scoreWg.Add(m.cfg.NumScoreWorkers)
	for i := 0; i < m.cfg.NumScoreWorkers; i++ {
		go m.scoreWorker()
	}
	m.samplerWg.Add(1)
	go m.runSampler()

	m.ingestWg.Add(m.cfg.NumIngestWorkers)
	for i := 0; i < m.cfg.NumIngestWorkers; i++ {
		go m.ingestWorker()
	}
	m.logger.Infow("manager started",
		"ingest_workers", m.cfg.NumIngestWorkers,
		"score_workers", m.cfg.NumScoreWorkers,
		"responders", m.cfg.NumResponders,
		"sample_interval", m.cfg.SampleInterval.D())
}

// Submit queues one flow event. It never blocks: a full queue or a stopped
// manager drops the event and returns false.
func (m *Manager) Submit(ev model.FlowEvent) bool {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return false
	}
	select {
	case m.events <- ev:
		return true
	default:
		m.dropped(metrics.QueueEvents)
		return false
	}
}

// Record queues an audit event for the sinks. It is the event sink handed to
// the mitigation controller and the slice monitor.
func (m *Manager) Record(ev model.Event) {
	m.logger.Debugw("audit event", "kind", ev.Kind, "source", ev.Source, "slice", ev.Slice, "action", ev.Action, "detail", ev.Detail)
	select {
	case m.auditQ <- ev:
	default:
		m.dropped(metrics.QueueAudit)
	}
}

// Stop stops accepting events, drains the pipeline and shuts everything down.
// In-flight actuator calls get engine.shutdown_timeout to finish before they
// are cancelled.
func (m *Manager) Stop() {
	m.stopOnce.Do(m.stop)
}

func (m *Manager) stop() {
	m.logger.Infow("manager stopping")

	// 1. Stop accepting new events.
	m.closeMu.Lock()
	m.closed = true
	close(m.events)
	m.closeMu.Unlock()

	// 2. Drain ingest, sampler, scorers and responders, in that order.
	drained := make(chan struct{})
	go func() {
		m.ingestWg.Wait()
		close(m.samplerDone)
		m.samplerWg.Wait()
		close(m.scoreQ)
		m.scoreWg.Wait()
		close(m.alertQ)
		m.responderWg.Wait()
		close(drained)
	}()
	timeout := m.cfg.ShutdownTimeout.D()
	select {
	case <-drained:
	case <-time.After(timeout):
		m.logger.Warnw("pipeline did not drain in time, cancelling in-flight calls", "timeout", timeout)
		m.cancel()
		<-drained
	}

	// 3. Stop the timers. Snapshotters take a final snapshot.
	close(m.done)
	m.housekeepingWg.Wait()
	m.snapshotterWg.Wait()

	// 4. Retract or report what is still installed.
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	if m.cleanup {
		removed, orphaned := m.ctrl.RemoveAll(ctx)
		m.logger.Infow("removed active mitigations", "removed", removed)
		for _, rec := range orphaned {
			m.logger.Errorw("orphaned mitigation rule", "rule", rec.Rule.ID, "source", rec.Source, "action", rec.Action)
		}
	} else {
		for _, rec := range m.ctrl.Active() {
			m.logger.Warnw("mitigation rule left installed", "rule", rec.Rule.ID, "source", rec.Source, "expires_at", rec.ExpiresAt)
		}
	}
	if m.cleanup {
		restored, failed := m.monitor.RestoreAll(ctx, m.clock())
		m.logger.Infow("restored isolated slices", "restored", restored)
		for _, name := range failed {
			m.logger.Errorw("slice isolation rules orphaned", "slice", name)
		}
	} else {
		for _, name := range m.monitor.Isolated() {
			m.logger.Warnw("slice left isolated", "slice", name)
		}
	}
	cancel()
	m.cancel()

	// 5. Flush audit events, then close sinks and collaborators.
	close(m.auditQ)
	m.auditWg.Wait()
	if m.alerter != nil {
		m.alerter.Stop()
	}
	for _, s := range m.sinks {
		closeQuietly(m.logger, "sink", s)
	}
	for _, w := range m.writers {
		closeQuietly(m.logger, "writer", w)
	}
	closeQuietly(m.logger, "scorer", m.scorer)

	m.logger.Infow("manager stopped", "metrics", m.metrics.Snapshot())
}

func closeQuietly(logger *zap.SugaredLogger, what string, v any) {
	c, ok := v.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warnw("failed to close "+what, "error", err)
	}
}

func (m *Manager) ingestWorker() {
	defer m.ingestWg.Done()
	for ev := range m.events {
		if err := m.table.Ingest(ev); err != nil {
			m.metrics.Malformed()
			logging.Dropped(m.logger, &m.malformed, "dropping malformed flow event", "error", err)
			continue
		}
		m.metrics.Ingested()
	}
}

// runSampler queues flows that changed since the previous pass. A final pass
// on shutdown picks up whatever the ingest workers drained last.
func (m *Manager) runSampler() {
	defer m.samplerWg.Done()
	ticker := time.NewTicker(m.cfg.SampleInterval.D())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sample()
		case <-m.samplerDone:
			m.sample()
			return
		}
	}
}

func (m *Manager) sample() {
	flows := m.table.TakeChanged(m.clock(), m.cfg.ActiveWindow.D(), uint64(m.cfg.MinPackets))
	for _, f := range flows {
		select {
		case m.scoreQ <- f:
		default:
			m.dropped(metrics.QueueScore)
		}
	}
}

func (m *Manager) scoreWorker() {
	defer m.scoreWg.Done()
	for snap := range m.scoreQ {
		v := m.scorer.Score(m.ctx, snap.Features)
		anomalous := v.Label != model.LabelNormal
		m.metrics.Scored(string(v.Label), anomalous, m.clock().Sub(snap.LastSeen))
		if !anomalous {
			continue
		}

		fc := model.FlowContext{
			Key:      snap.Key,
			Slice:    m.resolver.Resolve(snap.Key),
			Features: snap.Features,
			SeenAt:   snap.LastSeen,
		}
		res := m.ctrl.Evaluate(v, fc)
		m.logger.Debugw("anomalous flow", "flow", snap.Key, "label", v.Label, "confidence", v.Confidence,
			"threat", v.ThreatLevel, "action", res.Action, "slice", fc.Slice, "factors", v.ContributingFactors)
		select {
		case m.alertQ <- res:
		default:
			m.dropped(metrics.QueueAlerts)
		}
	}
}

func (m *Manager) responder() {
	defer m.responderWg.Done()
	for res := range m.alertQ {
		m.respond(res)
	}
}

func (m *Manager) respond(res mitigation.Result) {
	if res.Action != model.ActionNone {
		outcome, err := m.ctrl.Apply(m.ctx, res)
		m.metrics.Mitigation(string(res.Action), outcome.String())
		if err != nil {
			m.logger.Debugw("mitigation not applied", "source", res.Source, "action", res.Action, "error", err)
		}
	}
	alert := slice.Alert{Slice: res.Slice, Source: res.Source, High: res.IsolateSlice}
	if err := m.monitor.RecordAlert(m.ctx, alert, m.clock()); err != nil {
		m.logger.Warnw("slice alert failed", "slice", res.Slice, "error", err)
	}
}

// runTimer runs fn every interval until Stop.
func (m *Manager) runTimer(name string, interval time.Duration, fn func(now time.Time)) {
	defer m.housekeepingWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn(m.clock())
		case <-m.done:
			m.logger.Debugw("timer shutting down", "timer", name)
			return
		}
	}
}

func (m *Manager) sweepFlows(now time.Time) {
	removed := m.table.SweepExpired(now, m.cfg.FlowIdleTimeout.D())
	remaining := m.table.Len()
	m.metrics.ActiveFlows.Set(float64(remaining))
	if removed > 0 {
		m.logger.Infow("swept idle flows", "removed", removed, "remaining", remaining)
	}
}

func (m *Manager) expireMitigations(now time.Time) {
	rep := m.ctrl.ExpireDue(m.ctx, now)
	m.metrics.Expiry(rep.Expired, rep.Failed, rep.Leaked)
	m.metrics.ActiveMitigations.Set(float64(m.ctrl.Len()))
}

func (m *Manager) tickSlices(now time.Time) {
	m.monitor.Tick(m.ctx, now)
	m.metrics.Healed(m.monitor.Healed())
	for _, st := range m.monitor.States() {
		m.metrics.SliceThreat.WithLabelValues(st.Name).Set(st.ThreatLevel)
		isolated := 0.0
		if st.Status == slice.StatusIsolated {
			isolated = 1
		}
		m.metrics.SliceIsolated.WithLabelValues(st.Name).Set(isolated)
	}
}

// runSnapshotter runs a dedicated snapshot loop for a single writer.
func (m *Manager) runSnapshotter(writer model.Writer) {
	defer m.snapshotterWg.Done()
	interval := writer.GetInterval()
	if interval <= 0 {
		m.logger.Warnw("invalid snapshot interval, snapshotter will not run", "writer", writer.Name(), "interval", interval)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.takeSnapshot(writer)
		case <-m.done:
			m.takeSnapshot(writer)
			return
		}
	}
}

func (m *Manager) takeSnapshot(writer model.Writer) {
	now := m.clock()
	flows := m.table.ActiveFlows(now, m.cfg.ActiveWindow.D())
	if err := writer.Write(flows, now); err != nil {
		m.logger.Errorw("failed to write snapshot", "writer", writer.Name(), "flows", len(flows), "error", err)
		return
	}
	m.logger.Debugw("snapshot written", "writer", writer.Name(), "flows", len(flows))
}

func (m *Manager) auditWorker() {
	defer m.auditWg.Done()
	sink := model.MultiSink(m.sinks)
	for ev := range m.auditQ {
		sink.Record(ev)
	}
}

func (m *Manager) dropped(queue string) {
	m.metrics.Dropped(queue)
	logging.Dropped(m.logger, m.drops[queue], "queue full, dropping", "queue", queue)
}

func (m *Manager) Table() *flowtable.Table            { return m.table }
func (m *Manager) Controller() *mitigation.Controller { return m.ctrl }
func (m *Manager) Monitor() *slice.Monitor            { return m.monitor }
func (m *Manager) Metrics() *metrics.Metrics          { return m.metrics }
func (m *Manager) Actuator() model.Actuator           { return m.actuator }
func (m *Manager) ActiveWindow() time.Duration        { return m.cfg.ActiveWindow.D() }
