//go:build linux

package actuator

import (
	"net/netip"
	"testing"

	"github.com/google/nftables/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Go2NetGuard/internal/errors"
	"Go2NetGuard/internal/model"
)

func TestNftExprsDrop(t *testing.T) {
	exprs, nat, err := nftExprs(blockRule())
	require.NoError(t, err)
	assert.False(t, nat)
	require.Len(t, exprs, 4)

	payload := exprs[0].(*expr.Payload)
	assert.Equal(t, uint32(ipv4SrcOffset), payload.Offset)
	assert.Equal(t, []byte{203, 0, 113, 66}, exprs[1].(*expr.Cmp).Data)
	assert.IsType(t, &expr.Counter{}, exprs[2])
	assert.Equal(t, expr.VerdictDrop, exprs[3].(*expr.Verdict).Kind)
}

func TestNftExprsRateLimit(t *testing.T) {
	exprs, _, err := nftExprs(meterRule())
	require.NoError(t, err)
	limit := exprs[3].(*expr.Limit)
	assert.True(t, limit.Over)
	assert.Equal(t, uint64(125000), limit.Rate)
}

func TestNftExprsRedirect(t *testing.T) {
	rule := model.NewRule("mitigation/REDIRECT_HONEYPOT/203.0.113.66", 1000,
		model.Match{SrcIP: netip.MustParseAddr("203.0.113.66")},
		model.RuleAction{Type: model.RuleSetField, Field: "ipv4_dst", Value: "192.168.1.100"},
		model.RuleAction{Type: model.RuleOutput, Port: model.PortNormal})
	exprs, nat, err := nftExprs(rule)
	require.NoError(t, err)
	assert.True(t, nat)
	assert.Equal(t, []byte{192, 168, 1, 100}, exprs[3].(*expr.Immediate).Data)
	assert.IsType(t, &expr.NAT{}, exprs[4])
}

func TestNftExprsRejectsSliceRules(t *testing.T) {
	_, _, err := nftExprs(model.NewRule("slice/eMBB/quarantine", 30000, model.Match{VLAN: 100}))
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))

	_, _, err = nftExprs(model.NewRule("v6", 1000, model.Match{SrcIP: netip.MustParseAddr("2001:db8::1")}))
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}
