//go:build linux

package actuator

import (
	"Go2NetGuard/internal/errors"
	"Go2NetGuard/internal/model"
	"context"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"go.uber.org/zap"
)

// Offsets into the IPv4 header.
const (
	ipv4ProtoOffset = 9
	ipv4SrcOffset   = 12
	ipv4DstOffset   = 16
)

// Nftables enforces per-source actions on the local host with netfilter.
// Each rule carries its ID in UserData so it can be found again for removal.
// It has no notion of VLANs, so slice isolation rules are rejected.
type Nftables struct {
	mu     sync.Mutex
	conn   *nftables.Conn
	table  *nftables.Table
	filter *nftables.Chain
	nat    *nftables.Chain
	logger *zap.SugaredLogger
}

func NewNftables(tableName, chainName, natChainName string, logger *zap.SugaredLogger) (*Nftables, error) {
	if logger == nil {
		logger = zap.S()
	}
	conn, err := nftables.New()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "open netlink connection")
	}

	table := conn.AddTable(&nftables.Table{Family: nftables.TableFamilyIPv4, Name: tableName})
	filter := conn.AddChain(&nftables.Chain{
		Name:     chainName,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
	})
	nat := conn.AddChain(&nftables.Chain{
		Name:     natChainName,
		Table:    table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPrerouting,
		Priority: nftables.ChainPriorityNATDest,
	})
	if err := conn.Flush(); err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "create nftables table %s", tableName)
	}

	return &Nftables{
		conn:   conn,
		table:  table,
		filter: filter,
		nat:    nat,
		logger: logger.With("component", "actuator", "backend", "nftables", "table", tableName),
	}, nil
}

func (n *Nftables) InstallRule(_ context.Context, _ string, rule model.Rule) error {
	exprs, nat, err := nftExprs(rule)
	if err != nil {
		return err
	}
	chain := n.filter
	if nat {
		chain = n.nat
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.conn.AddRule(&nftables.Rule{
		Table:    n.table,
		Chain:    chain,
		Exprs:    exprs,
		UserData: []byte(rule.ID),
	})
	if err := n.conn.Flush(); err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "add nftables rule %s", rule.ID)
	}
	n.logger.Infow("rule installed", "rule", rule.ID, "chain", chain.Name)
	return nil
}

// RemoveRule deletes every rule tagged with the rule's ID. Finding none is not an error.
func (n *Nftables) RemoveRule(_ context.Context, _ string, rule model.Rule) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	removed := 0
	for _, chain := range []*nftables.Chain{n.filter, n.nat} {
		rules, err := n.conn.GetRules(n.table, chain)
		if err != nil {
			return errors.Wrapf(err, errors.KindUnavailable, "list rules in %s", chain.Name)
		}
		for _, r := range rules {
			if string(r.UserData) != rule.ID {
				continue
			}
			if err := n.conn.DelRule(r); err != nil {
				return errors.Wrapf(err, errors.KindUnavailable, "delete nftables rule %s", rule.ID)
			}
			removed++
		}
	}
	if removed == 0 {
		return nil
	}
	if err := n.conn.Flush(); err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "delete nftables rule %s", rule.ID)
	}
	n.logger.Infow("rule removed", "rule", rule.ID)
	return nil
}

func (n *Nftables) QueryStats(_ context.Context, switchID string) (model.SwitchStats, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	stats := model.SwitchStats{SwitchID: switchID}
	for _, chain := range []*nftables.Chain{n.filter, n.nat} {
		rules, err := n.conn.GetRules(n.table, chain)
		if err != nil {
			return stats, errors.Wrapf(err, errors.KindUnavailable, "list rules in %s", chain.Name)
		}
		for _, r := range rules {
			stats.FlowCount++
			for _, e := range r.Exprs {
				if c, ok := e.(*expr.Counter); ok {
					stats.PacketCount += c.Packets
					stats.ByteCount += c.Bytes
				}
			}
		}
	}
	return stats, nil
}

// nftExprs translates a rule into netfilter expressions. The second result
// reports whether the rule belongs in the NAT chain.
func nftExprs(rule model.Rule) ([]expr.Any, bool, error) {
	m := rule.Match
	if m.VLAN != 0 {
		return nil, false, errors.Attr(errors.New(errors.KindValidation, "nftables backend cannot match on VLAN"), "rule", rule.ID)
	}
	if (m.SrcIP.IsValid() && !m.SrcIP.Is4()) || (m.DstIP.IsValid() && !m.DstIP.Is4()) {
		return nil, false, errors.Attr(errors.New(errors.KindValidation, "nftables backend handles IPv4 only"), "rule", rule.ID)
	}

	var exprs []expr.Any
	if m.SrcIP.IsValid() {
		exprs = append(exprs, matchPayload(ipv4SrcOffset, m.SrcIP.AsSlice())...)
	}
	if m.DstIP.IsValid() {
		exprs = append(exprs, matchPayload(ipv4DstOffset, m.DstIP.AsSlice())...)
	}
	if m.IPProto != 0 {
		exprs = append(exprs, matchPayload(ipv4ProtoOffset, []byte{m.IPProto})...)
	}
	exprs = append(exprs, &expr.Counter{})

	nat := false
	for _, a := range rule.Actions {
		switch a.Type {
		case model.RuleDrop:
			exprs = append(exprs, &expr.Verdict{Kind: expr.VerdictDrop})
		case model.RuleMeter:
			// Traffic above the rate is dropped; below it falls through to the chain policy.
			exprs = append(exprs,
				&expr.Limit{Type: expr.LimitTypePktBytes, Rate: a.RateKbps * 1000 / 8, Unit: expr.LimitTimeSecond, Over: true},
				&expr.Verdict{Kind: expr.VerdictDrop},
			)
		case model.RuleSetField:
			ip, err := parseIPv4(a.Value)
			if err != nil {
				return nil, false, errors.Attr(err, "rule", rule.ID)
			}
			nat = true
			exprs = append(exprs,
				&expr.Immediate{Register: 1, Data: ip},
				&expr.NAT{Type: expr.NATTypeDestNAT, Family: uint32(nftables.TableFamilyIPv4), RegAddrMin: 1},
			)
		case model.RuleOutput:
		default:
			return nil, false, errors.Errorf(errors.KindValidation, "unsupported action %s", a.Type)
		}
	}
	return exprs, nat, nil
}

func matchPayload(offset uint32, data []byte) []expr.Any {
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: offset, Len: uint32(len(data))},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: data},
	}
}
