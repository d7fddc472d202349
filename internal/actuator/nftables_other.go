//go:build !linux

package actuator

import (
	"Go2NetGuard/internal/errors"
	"Go2NetGuard/internal/model"
	"context"

	"go.uber.org/zap"
)

// Nftables is only available on Linux.
type Nftables struct{}

func NewNftables(_, _, _ string, _ *zap.SugaredLogger) (*Nftables, error) {
	return nil, errors.New(errors.KindUnavailable, "nftables backend requires linux")
}

func (n *Nftables) InstallRule(context.Context, string, model.Rule) error {
	return errors.New(errors.KindUnavailable, "nftables backend requires linux")
}

func (n *Nftables) RemoveRule(context.Context, string, model.Rule) error {
	return errors.New(errors.KindUnavailable, "nftables backend requires linux")
}

func (n *Nftables) QueryStats(context.Context, string) (model.SwitchStats, error) {
	return model.SwitchStats{}, errors.New(errors.KindUnavailable, "nftables backend requires linux")
}
