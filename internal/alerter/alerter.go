package alerter

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/model"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gomarkdown/markdown"
	"go.uber.org/zap"
)

const maxPending = 1000

// Alerter collects operator-relevant audit events and sends them as one
// digest per check interval.
type Alerter struct {
	kinds         map[model.EventKind]bool
	notifier      model.Notifier
	checkInterval time.Duration
	logger        *zap.SugaredLogger

	mu      sync.Mutex
	pending []model.Event
	dropped int

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewAlerter creates a new Alerter instance.
func NewAlerter(cfg config.AlerterConfig, notifier model.Notifier, logger *zap.SugaredLogger) (*Alerter, error) {
	if notifier == nil {
		return nil, fmt.Errorf("alerter needs a notifier")
	}
	interval := cfg.CheckInterval.D()
	if interval <= 0 {
		return nil, fmt.Errorf("invalid check_interval for alerter: %s", interval)
	}
	if logger == nil {
		logger = zap.S()
	}
	a := &Alerter{
		kinds:         make(map[model.EventKind]bool, len(cfg.Kinds)),
		notifier:      notifier,
		checkInterval: interval,
		logger:        logger.With("component", "alerter"),
		stopChan:      make(chan struct{}),
	}
	for _, k := range cfg.Kinds {
		a.kinds[model.EventKind(k)] = true
	}
	return a, nil
}

// Record buffers ev if its kind is one the operator asked for.
func (a *Alerter) Record(ev model.Event) {
	if !a.kinds[ev.Kind] {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) >= maxPending {
		a.dropped++
		return
	}
	a.pending = append(a.pending, ev)
}

// Start begins the periodic digest loop.
func (a *Alerter) Start() {
	a.logger.Infow("alerter started", "interval", a.checkInterval, "kinds", len(a.kinds))
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.Flush()
			case <-a.stopChan:
				return
			}
		}
	}()
}

// Stop ends the loop and sends whatever is still pending.
func (a *Alerter) Stop() {
	close(a.stopChan)
	a.wg.Wait()
	a.Flush()
}

// Flush sends one digest of the pending events, if there are any.
func (a *Alerter) Flush() {
	a.mu.Lock()
	events, dropped := a.pending, a.dropped
	a.pending, a.dropped = nil, 0
	a.mu.Unlock()
	if len(events) == 0 {
		return
	}

	subject := fmt.Sprintf("Go2NetGuard Alert Summary (%d events)", len(events))
	body := string(markdown.ToHTML([]byte(Digest(events, dropped)), nil, nil))
	if err := a.notifier.Send(subject, body); err != nil {
		a.logger.Errorw("failed to send alert digest", "events", len(events), "error", err)
		return
	}
	a.logger.Infow("alert digest sent", "events", len(events))
}

// Digest renders events as a markdown report.
func Digest(events []model.Event, dropped int) string {
	var sb strings.Builder
	sb.WriteString("# Go2NetGuard Alert Summary\n\n")

	counts := make(map[model.EventKind]int)
	var order []model.EventKind
	for _, ev := range events {
		if counts[ev.Kind] == 0 {
			order = append(order, ev.Kind)
		}
		counts[ev.Kind]++
	}
	for _, k := range order {
		fmt.Fprintf(&sb, "- **%s**: %d\n", k, counts[k])
	}
	if dropped > 0 {
		fmt.Fprintf(&sb, "- %d further events were not buffered\n", dropped)
	}

	sb.WriteString("\n| Time | Event | Slice | Source | Action | Detail |\n")
	sb.WriteString("|---|---|---|---|---|---|\n")
	for _, ev := range events {
		fmt.Fprintf(&sb, "| %s | %s | %s | %s | %s | %s |\n",
			ev.Time.UTC().Format(time.RFC3339), ev.Kind, cell(ev.Slice), cell(ev.Source), cell(string(ev.Action)), cell(ev.Detail))
	}
	return sb.String()
}

func cell(s string) string {
	if s == "" {
		return "-"
	}
	return strings.NewReplacer("|", "\\|", "\n", " ").Replace(s)
}
