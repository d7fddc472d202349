package alerter

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/model"
)

type mailbox struct {
	mu       sync.Mutex
	subjects []string
	bodies   []string
	err      error
}

func (m *mailbox) Send(subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.subjects = append(m.subjects, subject)
	m.bodies = append(m.bodies, body)
	return nil
}

func newAlerter(t *testing.T, box *mailbox) *Alerter {
	t.Helper()
	a, err := NewAlerter(config.Default().Alerter, box, logging.Discard())
	require.NoError(t, err)
	return a
}

func event(kind model.EventKind, slice string) model.Event {
	ev := model.NewEvent(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), kind)
	ev.Slice = slice
	ev.Detail = "threat level 4.00"
	return ev
}

func TestDigestOnlyConfiguredKinds(t *testing.T) {
	box := &mailbox{}
	a := newAlerter(t, box)

	a.Record(event(model.EventSliceIsolated, "URLLC"))
	a.Record(event(model.EventMitigationApplied, ""))
	a.Record(event(model.EventSliceRestored, "URLLC"))
	a.Flush()

	require.Len(t, box.subjects, 1)
	assert.Equal(t, "Go2NetGuard Alert Summary (2 events)", box.subjects[0])
	assert.Contains(t, box.bodies[0], "<table>")
	assert.Contains(t, box.bodies[0], "slice_isolated")
	assert.NotContains(t, box.bodies[0], "mitigation_applied")

	a.Flush()
	assert.Len(t, box.subjects, 1, "nothing pending, nothing sent")
}

func TestStopSendsPending(t *testing.T) {
	box := &mailbox{}
	a := newAlerter(t, box)
	a.Start()
	a.Record(event(model.EventRuleLeaked, ""))
	a.Stop()
	assert.Len(t, box.subjects, 1)
}

func TestSendFailureIsLogged(t *testing.T) {
	box := &mailbox{err: errors.New("smtp: 421 service not available")}
	a := newAlerter(t, box)
	a.Record(event(model.EventSliceIsolateFailed, "mMTC"))
	assert.NotPanics(t, a.Flush)
}

func TestDigestEscapesCells(t *testing.T) {
	ev := event(model.EventSliceIsolated, "eMBB")
	ev.Detail = "a|b"
	md := Digest([]model.Event{ev}, 3)
	assert.Contains(t, md, `a\|b`)
	assert.Contains(t, md, "3 further events")
	assert.Contains(t, md, "**slice_isolated**: 1")
}

func TestNewAlerterValidation(t *testing.T) {
	_, err := NewAlerter(config.Default().Alerter, nil, nil)
	assert.Error(t, err)
	cfg := config.Default().Alerter
	cfg.CheckInterval = 0
	_, err = NewAlerter(cfg, &mailbox{}, nil)
	assert.Error(t, err)
}
