package actuator

import (
	"Go2NetGuard/internal/errors"
	"Go2NetGuard/internal/model"
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Call is one recorded actuator invocation.
type Call struct {
	Op       string
	SwitchID string
	Rule     model.Rule
	Err      error
}

const (
	OpInstall = "install"
	OpRemove  = "remove"
)

// Hook lets tests decide the outcome of a call. A non-nil error fails it.
type Hook func(switchID string, rule model.Rule) error

// Simulated keeps rules in memory. It stands in for a controller in
// simulation mode and in tests, with optional latency and random failures.
type Simulated struct {
	mu          sync.Mutex
	rules       map[string]map[string]model.Rule
	calls       []Call
	latency     time.Duration
	failureRate float64
	rng         *rand.Rand
	installHook Hook
	removeHook  Hook
	logger      *zap.SugaredLogger
}

// SimulatedOptions configures a Simulated actuator.
type SimulatedOptions struct {
	Latency     time.Duration
	FailureRate float64
	Seed        int64
	Logger      *zap.SugaredLogger
}

func NewSimulated(opts SimulatedOptions) *Simulated {
	logger := opts.Logger
	if logger == nil {
		logger = zap.S()
	}
	return &Simulated{
		rules:       make(map[string]map[string]model.Rule),
		latency:     opts.Latency,
		failureRate: opts.FailureRate,
		rng:         rand.New(rand.NewSource(opts.Seed)),
		logger:      logger.With("component", "actuator", "backend", "simulated"),
	}
}

// SetInstallHook replaces the install outcome hook.
func (s *Simulated) SetInstallHook(h Hook) {
	s.mu.Lock()
	s.installHook = h
	s.mu.Unlock()
}

// SetRemoveHook replaces the remove outcome hook.
func (s *Simulated) SetRemoveHook(h Hook) {
	s.mu.Lock()
	s.removeHook = h
	s.mu.Unlock()
}

func (s *Simulated) InstallRule(ctx context.Context, switchID string, rule model.Rule) error {
	if err := s.wait(ctx); err != nil {
		return s.record(OpInstall, switchID, rule, errors.Wrap(err, errors.KindTimeout, "install rule"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.outcome(s.installHook, switchID, rule); err != nil {
		s.calls = append(s.calls, Call{Op: OpInstall, SwitchID: switchID, Rule: rule, Err: err})
		return err
	}
	if s.rules[switchID] == nil {
		s.rules[switchID] = make(map[string]model.Rule)
	}
	s.rules[switchID][rule.ID] = rule
	s.calls = append(s.calls, Call{Op: OpInstall, SwitchID: switchID, Rule: rule})
	s.logger.Infow("rule installed", "switch", switchID, "rule", rule.ID, "priority", rule.Priority)
	return nil
}

// RemoveRule deletes the rule. Removing an unknown rule succeeds so retries
// after a lost response converge.
func (s *Simulated) RemoveRule(ctx context.Context, switchID string, rule model.Rule) error {
	if err := s.wait(ctx); err != nil {
		return s.record(OpRemove, switchID, rule, errors.Wrap(err, errors.KindTimeout, "remove rule"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.outcome(s.removeHook, switchID, rule); err != nil {
		s.calls = append(s.calls, Call{Op: OpRemove, SwitchID: switchID, Rule: rule, Err: err})
		return err
	}
	delete(s.rules[switchID], rule.ID)
	s.calls = append(s.calls, Call{Op: OpRemove, SwitchID: switchID, Rule: rule})
	s.logger.Infow("rule removed", "switch", switchID, "rule", rule.ID)
	return nil
}

func (s *Simulated) QueryStats(ctx context.Context, switchID string) (model.SwitchStats, error) {
	if err := s.wait(ctx); err != nil {
		return model.SwitchStats{}, errors.Wrap(err, errors.KindTimeout, "query stats")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.SwitchStats{SwitchID: switchID, FlowCount: len(s.rules[switchID])}, nil
}

// Rules returns the rules currently installed on a switch.
func (s *Simulated) Rules(switchID string) []model.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Rule, 0, len(s.rules[switchID]))
	for _, r := range s.rules[switchID] {
		out = append(out, r)
	}
	return out
}

// Installed reports whether a rule ID is present on a switch.
func (s *Simulated) Installed(switchID, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rules[switchID][id]
	return ok
}

// Calls returns every recorded invocation, failed ones included.
func (s *Simulated) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount counts recorded invocations of op, optionally for one rule ID.
func (s *Simulated) CallCount(op, ruleID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Op == op && (ruleID == "" || c.Rule.ID == ruleID) {
			n++
		}
	}
	return n
}

func (s *Simulated) wait(ctx context.Context) error {
	if s.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// outcome must be called with s.mu held.
func (s *Simulated) outcome(h Hook, switchID string, rule model.Rule) error {
	if h != nil {
		return h(switchID, rule)
	}
	if s.failureRate > 0 && s.rng.Float64() < s.failureRate {
		return errors.New(errors.KindUnavailable, "simulated controller failure")
	}
	return nil
}

func (s *Simulated) record(op, switchID string, rule model.Rule, err error) error {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Op: op, SwitchID: switchID, Rule: rule, Err: err})
	s.mu.Unlock()
	return err
}
