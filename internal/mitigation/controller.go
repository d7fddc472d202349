package mitigation

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/errors"
	"Go2NetGuard/internal/model"
	"context"
	"fmt"
	"hash/fnv"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Priority of every per-source rule.
const rulePriority = 1000

// Options tunes a Controller.
type Options struct {
	BlockThreshold     float64
	RateLimitThreshold float64
	HoneypotThreshold  float64
	Duration           time.Duration
	RateLimitKbps      uint64
	HoneypotIP         netip.Addr
	SwitchID           string
	ActuatorTimeout    time.Duration
	MaxRemoveRetries   int
	Clock              func() time.Time
	Sink               model.EventSink
	Logger             *zap.SugaredLogger
}

// OptionsFromConfig converts the mitigation config section.
func OptionsFromConfig(cfg config.MitigationConfig) (Options, error) {
	honeypot, err := netip.ParseAddr(cfg.HoneypotIP)
	if err != nil {
		return Options{}, errors.Wrap(err, errors.KindValidation, "invalid honeypot address")
	}
	return Options{
		BlockThreshold:     cfg.BlockThreshold,
		RateLimitThreshold: cfg.RateLimitThreshold,
		HoneypotThreshold:  cfg.HoneypotThreshold,
		Duration:           cfg.Duration.D(),
		RateLimitKbps:      cfg.RateLimitKbps,
		HoneypotIP:         honeypot,
		SwitchID:           cfg.SwitchID,
		ActuatorTimeout:    cfg.ActuatorTimeout.D(),
		MaxRemoveRetries:   cfg.MaxRemoveRetries,
	}, nil
}

// Result is the decision for one verdict. Action is ActionNone when nothing
// should be installed; IsolateSlice asks the slice monitor to isolate Slice.
type Result struct {
	Source       netip.Addr
	Slice        string
	Verdict      model.Verdict
	Action       model.Action
	IsolateSlice bool
}

// Outcome describes what Apply did.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeApplied
	OutcomeRenewed
	OutcomeReplaced
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeRenewed:
		return "renewed"
	case OutcomeReplaced:
		return "replaced"
	case OutcomeFailed:
		return "failed"
	default:
		return "none"
	}
}

// Record is one active mitigation. There is at most one per source address.
type Record struct {
	ID             uuid.UUID     `json:"id"`
	Source         netip.Addr    `json:"source"`
	Slice          string        `json:"slice,omitempty"`
	Action         model.Action  `json:"action"`
	Rule           model.Rule    `json:"rule"`
	AppliedAt      time.Time     `json:"applied_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
	Verdict        model.Verdict `json:"verdict"`
	RemoveFailures int           `json:"remove_failures"`
}

// ExpireReport summarizes one ExpireDue sweep.
type ExpireReport struct {
	Expired int
	Failed  int
	Leaked  int
}

type addrLock struct {
	mu   sync.Mutex
	refs int
}

// Controller decides and applies per-source countermeasures and retracts them
// when they expire.
type Controller struct {
	opts     Options
	actuator model.Actuator
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	records map[netip.Addr]*Record
	locks   map[netip.Addr]*addrLock
	meters  map[uint32]netip.Addr
}

func NewController(actuator model.Actuator, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MaxRemoveRetries <= 0 {
		opts.MaxRemoveRetries = 5
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
	return &Controller{
		opts:     opts,
		actuator: actuator,
		logger:   logger.With("component", "mitigation"),
		records:  make(map[netip.Addr]*Record),
		locks:    make(map[netip.Addr]*addrLock),
		meters:   make(map[uint32]netip.Addr),
	}
}

// Evaluate picks at most one action from the confidence ladder. It has no
// side effects.
func (c *Controller) Evaluate(v model.Verdict, fc model.FlowContext) Result {
	res := Result{Source: fc.Key.Src, Slice: fc.Slice, Verdict: v}
	if v.Label == model.LabelNormal {
		return res
	}
	res.IsolateSlice = v.ThreatLevel == model.ThreatHigh

	switch {
	case v.Confidence >= c.opts.BlockThreshold && v.ThreatLevel == model.ThreatHigh:
		res.Action = model.ActionBlock
	case v.Confidence >= c.opts.RateLimitThreshold:
		res.Action = model.ActionRateLimit
	case v.Confidence >= c.opts.HoneypotThreshold:
		res.Action = model.ActionRedirectHoneypot
	}
	return res
}

// Apply installs the requested action. The same action on an already
// mitigated source only extends the expiry. A different action removes the
// old rule before installing the new one. A failed actuator call leaves no new
// record behind and keeps any existing record untouched.
func (c *Controller) Apply(ctx context.Context, res Result) (Outcome, error) {
	if res.Action == model.ActionNone {
		return OutcomeNone, nil
	}
	if !res.Source.IsValid() {
		return OutcomeNone, errors.New(errors.KindValidation, "mitigation without a source address")
	}
	src := res.Source
	unlock := c.lockAddr(src)
	defer unlock()

	now := c.opts.Clock()
	c.mu.Lock()
	existing := c.records[src]
	if existing != nil && existing.Action == res.Action {
		existing.ExpiresAt = now.Add(c.opts.Duration)
		existing.Verdict = res.Verdict
		existing.RemoveFailures = 0
		c.mu.Unlock()
		c.emit(now, model.EventMitigationRenewed, src, res.Slice, res.Action, "expires "+existing.ExpiresAt.Format(time.RFC3339))
		return OutcomeRenewed, nil
	}
	var old Record
	if existing != nil {
		old = *existing
	}
	c.mu.Unlock()

	outcome := OutcomeApplied
	if existing != nil {
		if err := c.call(ctx, func(ctx context.Context) error {
			return c.actuator.RemoveRule(ctx, c.opts.SwitchID, old.Rule)
		}); err != nil {
			c.logger.Warnw("failed to remove rule for escalation", "source", src, "from", old.Action, "to", res.Action, "error", err)
			c.emit(now, model.EventMitigationFailed, src, res.Slice, res.Action, fmt.Sprintf("remove %s: %v", old.Action, err))
			return OutcomeFailed, err
		}
		c.mu.Lock()
		c.dropRecord(src)
		c.mu.Unlock()
		outcome = OutcomeReplaced
	}

	var meter uint32
	if res.Action == model.ActionRateLimit {
		c.mu.Lock()
		meter = c.reserveMeter(src)
		c.mu.Unlock()
	}
	rule, err := c.ruleFor(res.Action, src, meter)
	if err != nil {
		return OutcomeFailed, err
	}
	if err := c.call(ctx, func(ctx context.Context) error {
		return c.actuator.InstallRule(ctx, c.opts.SwitchID, rule)
	}); err != nil {
		if meter != 0 {
			c.mu.Lock()
			c.releaseMeter(meter, src)
			c.mu.Unlock()
		}
		c.logger.Warnw("failed to install mitigation", "source", src, "action", res.Action, "error", err, "transient", errors.IsTransient(err))
		c.emit(now, model.EventMitigationFailed, src, res.Slice, res.Action, err.Error())
		return OutcomeFailed, err
	}

	rec := &Record{
		ID:        uuid.New(),
		Source:    src,
		Slice:     res.Slice,
		Action:    res.Action,
		Rule:      rule,
		AppliedAt: now,
		ExpiresAt: now.Add(c.opts.Duration),
		Verdict:   res.Verdict,
	}
	c.mu.Lock()
	if dup, ok := c.records[src]; ok {
		// Cannot happen while the address lock is held; coalesce rather than keep two.
		c.logger.Errorw("duplicate mitigation record", "source", src, "existing", dup.ID, "error",
			errors.New(errors.KindConflict, "duplicate active mitigation"))
	}
	c.records[src] = rec
	c.mu.Unlock()

	kind := model.EventMitigationApplied
	detail := fmt.Sprintf("confidence %.2f", res.Verdict.Confidence)
	if outcome == OutcomeReplaced {
		kind = model.EventMitigationReplaced
		detail = fmt.Sprintf("%s -> %s, %s", old.Action, res.Action, detail)
	}
	c.logger.Infow("mitigation "+outcome.String(), "source", src, "action", res.Action, "slice", res.Slice,
		"confidence", res.Verdict.Confidence, "expires_at", rec.ExpiresAt)
	c.emit(now, kind, src, res.Slice, res.Action, detail)
	return outcome, nil
}

// ExpireDue removes rules whose expiry is at or before now. Each due record
// gets one removal attempt per call; after MaxRemoveRetries failures it is
// dropped and reported as leaked.
func (c *Controller) ExpireDue(ctx context.Context, now time.Time) ExpireReport {
	c.mu.Lock()
	var due []netip.Addr
	for src, rec := range c.records {
		if !rec.ExpiresAt.After(now) {
			due = append(due, src)
		}
	}
	c.mu.Unlock()

	var report ExpireReport
	for _, src := range due {
		switch c.expire(ctx, src, now) {
		case expireRemoved:
			report.Expired++
		case expireFailed:
			report.Failed++
		case expireLeaked:
			report.Leaked++
		}
	}
	return report
}

type expireResult int

const (
	expireSkipped expireResult = iota
	expireRemoved
	expireFailed
	expireLeaked
)

func (c *Controller) expire(ctx context.Context, src netip.Addr, now time.Time) expireResult {
	unlock := c.lockAddr(src)
	defer unlock()

	c.mu.Lock()
	rec, ok := c.records[src]
	if !ok || rec.ExpiresAt.After(now) {
		// Renewed or replaced since the scan.
		c.mu.Unlock()
		return expireSkipped
	}
	r := *rec
	c.mu.Unlock()

	err := c.call(ctx, func(ctx context.Context) error {
		return c.actuator.RemoveRule(ctx, c.opts.SwitchID, r.Rule)
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		c.dropRecord(src)
		c.logger.Infow("mitigation expired", "source", src, "action", r.Action, "applied_at", r.AppliedAt)
		c.emit(now, model.EventMitigationExpired, src, r.Slice, r.Action, "")
		return expireRemoved
	}

	rec.RemoveFailures++
	if rec.RemoveFailures >= c.opts.MaxRemoveRetries {
		// The leaked rule may still reference its meter, so the ID stays reserved.
		delete(c.records, src)
		c.logger.Errorw("giving up on rule removal, rule leaked", "source", src, "rule", r.Rule.ID,
			"switch", c.opts.SwitchID, "attempts", rec.RemoveFailures, "error", err)
		c.emit(now, model.EventRuleLeaked, src, r.Slice, r.Action, err.Error())
		return expireLeaked
	}
	c.logger.Warnw("rule removal failed, will retry", "source", src, "rule", r.Rule.ID,
		"attempt", rec.RemoveFailures, "error", err)
	return expireFailed
}

// RemoveAll tries to retract every active rule and returns the records whose
// removal failed.
func (c *Controller) RemoveAll(ctx context.Context) (removed int, orphaned []Record) {
	for _, rec := range c.Active() {
		unlock := c.lockAddr(rec.Source)
		err := c.call(ctx, func(ctx context.Context) error {
			return c.actuator.RemoveRule(ctx, c.opts.SwitchID, rec.Rule)
		})
		c.mu.Lock()
		if err == nil {
			c.dropRecord(rec.Source)
			removed++
		} else {
			orphaned = append(orphaned, rec)
		}
		c.mu.Unlock()
		unlock()
	}
	return removed, orphaned
}

// Active returns a copy of the active records, oldest first.
func (c *Controller) Active() []Record {
	c.mu.Lock()
	out := make([]Record, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, *rec)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].AppliedAt.Equal(out[j].AppliedAt) {
			return out[i].Source.Less(out[j].Source)
		}
		return out[i].AppliedAt.Before(out[j].AppliedAt)
	})
	return out
}

// Get returns the active record for src.
func (c *Controller) Get(src netip.Addr) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[src]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// lockAddr serializes work on one address. Slots are reference counted and
// dropped once unused so the map does not grow with every address ever seen.
func (c *Controller) lockAddr(src netip.Addr) func() {
	c.mu.Lock()
	l, ok := c.locks[src]
	if !ok {
		l = &addrLock{}
		c.locks[src] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, src)
		}
		c.mu.Unlock()
	}
}

func (c *Controller) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ActuatorTimeout)
	defer cancel()
	err := fn(ctx)
	if err != nil && errors.GetKind(err) == errors.KindUnknown {
		err = errors.Wrap(err, errors.KindUnavailable, "actuator call failed")
	}
	return err
}

func (c *Controller) ruleFor(action model.Action, src netip.Addr, meter uint32) (model.Rule, error) {
	id := fmt.Sprintf("mitigation/%s/%s", action, src)
	match := model.Match{SrcIP: src}
	switch action {
	case model.ActionBlock:
		return model.NewRule(id, rulePriority, match, model.RuleAction{Type: model.RuleDrop}), nil
	case model.ActionRateLimit:
		return model.NewRule(id, rulePriority, match,
			model.RuleAction{Type: model.RuleMeter, MeterID: meter, RateKbps: c.opts.RateLimitKbps},
			model.RuleAction{Type: model.RuleOutput, Port: model.PortNormal},
		), nil
	case model.ActionRedirectHoneypot:
		field := "ipv4_dst"
		if c.opts.HoneypotIP.Is6() {
			field = "ipv6_dst"
		}
		return model.NewRule(id, rulePriority, match,
			model.RuleAction{Type: model.RuleSetField, Field: field, Value: c.opts.HoneypotIP.String()},
			model.RuleAction{Type: model.RuleOutput, Port: model.PortNormal},
		), nil
	}
	return model.Rule{}, errors.Errorf(errors.KindValidation, "unknown mitigation action %q", action)
}

const (
	meterBase  = 0x10000
	meterSpace = 0x0fff0000
)

// MeterID derives the preferred per-source meter ID, above the range used by
// slice meters. Apply moves to the next free ID when another source holds it.
func MeterID(src netip.Addr) uint32 {
	h := fnv.New32a()
	b := src.As16()
	h.Write(b[:])
	return meterBase + h.Sum32()%meterSpace
}

// reserveMeter claims a meter ID for src, probing forward from MeterID(src)
// past IDs held by other sources. Caller holds c.mu.
func (c *Controller) reserveMeter(src netip.Addr) uint32 {
	id := MeterID(src)
	for {
		owner, taken := c.meters[id]
		if !taken || owner == src {
			break
		}
		id = meterBase + (id-meterBase+1)%meterSpace
	}
	if id != MeterID(src) {
		c.logger.Debugw("meter id collision, using next free id", "source", src, "preferred", MeterID(src), "meter", id)
	}
	c.meters[id] = src
	return id
}

// releaseMeter frees id if src still owns it. Caller holds c.mu.
func (c *Controller) releaseMeter(id uint32, src netip.Addr) {
	if owner, ok := c.meters[id]; ok && owner == src {
		delete(c.meters, id)
	}
}

// dropRecord forgets the record for src and frees its meter. Caller holds c.mu.
func (c *Controller) dropRecord(src netip.Addr) {
	rec, ok := c.records[src]
	if !ok {
		return
	}
	for _, a := range rec.Rule.Actions {
		if a.Type == model.RuleMeter {
			c.releaseMeter(a.MeterID, src)
		}
	}
	delete(c.records, src)
}

func (c *Controller) emit(at time.Time, kind model.EventKind, src netip.Addr, slice string, action model.Action, detail string) {
	ev := model.NewEvent(at, kind)
	ev.Source = src.String()
	ev.Slice = slice
	ev.Action = action
	ev.Detail = detail
	c.opts.Sink.Record(ev)
}
