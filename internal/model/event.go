package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind names an auditable control-loop outcome.
type EventKind string

const (
	EventMitigationApplied  EventKind = "mitigation_applied"
	EventMitigationRenewed  EventKind = "mitigation_renewed"
	EventMitigationReplaced EventKind = "mitigation_replaced"
	EventMitigationFailed   EventKind = "mitigation_failed"
	EventMitigationExpired  EventKind = "mitigation_expired"
	EventRuleLeaked         EventKind = "rule_leaked"
	EventSliceIsolated      EventKind = "slice_isolated"
	EventSliceIsolateFailed EventKind = "slice_isolation_failed"
	EventSliceRestored      EventKind = "slice_restored"
	EventSliceRestoreFailed EventKind = "slice_restore_failed"
)

// Event is one audit entry.
type Event struct {
	ID     uuid.UUID `json:"id"`
	Time   time.Time `json:"time"`
	Kind   EventKind `json:"kind"`
	Source string    `json:"source,omitempty"`
	Slice  string    `json:"slice,omitempty"`
	Action Action    `json:"action,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// NewEvent stamps a fresh ID on an event.
func NewEvent(at time.Time, kind EventKind) Event {
	return Event{ID: uuid.New(), Time: at, Kind: kind}
}

// EventSink receives audit events. Record must not block the caller for long.
type EventSink interface {
	Record(ev Event)
}

// MultiSink fans an event out to several sinks.
type MultiSink []EventSink

func (m MultiSink) Record(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Record(ev)
		}
	}
}

// Notifier defines a generic interface for sending notifications.
type Notifier interface {
	Send(subject, body string) error
}
