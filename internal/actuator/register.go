package actuator

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/errors"
	"Go2NetGuard/internal/factory"
	"Go2NetGuard/internal/model"
	"net/netip"

	"go.uber.org/zap"
)

func init() {
	factory.RegisterActuator("simulated", func(cfg *config.Config, logger *zap.SugaredLogger) (model.Actuator, error) {
		return NewSimulated(SimulatedOptions{
			Latency:     cfg.Actuator.Simulated.Latency.D(),
			FailureRate: cfg.Actuator.Simulated.FailureRate,
			Seed:        cfg.Probe.Simulate.Seed,
			Logger:      logger,
		}), nil
	})
	factory.RegisterActuator("ryu", func(cfg *config.Config, logger *zap.SugaredLogger) (model.Actuator, error) {
		return NewRyu(cfg.Actuator.Ryu.BaseURL, cfg.Actuator.Ryu.RequestTimeout.D(), logger)
	})
	factory.RegisterActuator("nftables", func(cfg *config.Config, logger *zap.SugaredLogger) (model.Actuator, error) {
		n := cfg.Actuator.Nftables
		return NewNftables(n.Table, n.Chain, n.NATChain, logger)
	})
}

func parseIPv4(s string) ([]byte, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return nil, errors.Errorf(errors.KindValidation, "%q is not an IPv4 address", s)
	}
	return addr.AsSlice(), nil
}
