package model

import (
	"context"
	"hash/fnv"
	"net/netip"
)

// Action is a per-source countermeasure.
type Action string

const (
	ActionNone             Action = ""
	ActionBlock            Action = "BLOCK"
	ActionRateLimit        Action = "RATE_LIMIT"
	ActionRedirectHoneypot Action = "REDIRECT_HONEYPOT"
)

// RuleActionType enumerates what a rule does to matching traffic.
type RuleActionType string

const (
	RuleDrop     RuleActionType = "DROP"
	RuleMeter    RuleActionType = "METER"
	RuleOutput   RuleActionType = "OUTPUT"
	RuleSetField RuleActionType = "SET_FIELD"
)

// Well-known output ports.
const (
	PortNormal     = "NORMAL"
	PortController = "CONTROLLER"
)

// Match selects traffic. Zero-valued fields are wildcards.
type Match struct {
	SrcIP   netip.Addr `json:"src_ip,omitzero"`
	DstIP   netip.Addr `json:"dst_ip,omitzero"`
	VLAN    uint16     `json:"vlan,omitempty"`
	IPProto uint8      `json:"ip_proto,omitempty"`
}

// RuleAction is one instruction of a Rule.
type RuleAction struct {
	Type     RuleActionType `json:"type"`
	Port     string         `json:"port,omitempty"`
	MeterID  uint32         `json:"meter_id,omitempty"`
	RateKbps uint64         `json:"rate_kbps,omitempty"`
	Field    string         `json:"field,omitempty"`
	Value    string         `json:"value,omitempty"`
}

// Rule is the unit of work handed to an Actuator. ID is stable across install
// and removal; Cookie is derived from it for controllers that need a number.
type Rule struct {
	ID       string       `json:"id"`
	Cookie   uint64       `json:"cookie"`
	Priority int          `json:"priority"`
	Match    Match        `json:"match"`
	Actions  []RuleAction `json:"actions"`
}

// NewRule returns a rule whose cookie is derived from id.
func NewRule(id string, priority int, match Match, actions ...RuleAction) Rule {
	return Rule{
		ID:       id,
		Cookie:   RuleCookie(id),
		Priority: priority,
		Match:    match,
		Actions:  actions,
	}
}

// RuleCookie hashes a rule ID into an OpenFlow cookie.
func RuleCookie(id string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64()
}

// SwitchStats is the subset of controller statistics the reporting side exposes.
type SwitchStats struct {
	SwitchID    string `json:"switch_id"`
	FlowCount   int    `json:"flow_count"`
	PacketCount uint64 `json:"packet_count"`
	ByteCount   uint64 `json:"byte_count"`
}

// Actuator is the network control plane. Every method may fail or time out;
// callers must treat anything but a nil error as "not applied".
type Actuator interface {
	InstallRule(ctx context.Context, switchID string, rule Rule) error
	RemoveRule(ctx context.Context, switchID string, rule Rule) error
	QueryStats(ctx context.Context, switchID string) (SwitchStats, error)
}
