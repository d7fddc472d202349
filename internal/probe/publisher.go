package probe

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/model"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher is responsible for publishing flow events to a NATS subject.
type Publisher struct {
	nc      *nats.Conn
	subject string
	logger  *zap.SugaredLogger
}

func connect(url, name string, logger *zap.SugaredLogger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnw("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infow("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	)
}

// NewPublisher creates a new NATS publisher.
func NewPublisher(cfg config.ProbeConfig, logger *zap.SugaredLogger) (*Publisher, error) {
	if logger == nil {
		logger = zap.S()
	}
	logger = logger.With("component", "publisher")
	nc, err := connect(cfg.NATSURL, "ns-probe", logger)
	if err != nil {
		return nil, err
	}
	logger.Infow("connected to NATS", "url", cfg.NATSURL, "subject", cfg.Subject)
	return &Publisher{nc: nc, subject: cfg.Subject, logger: logger}, nil
}

// Publish encodes ev and publishes it to the configured subject.
func (p *Publisher) Publish(ev model.FlowEvent) error {
	data, err := Marshal(ev)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subject, data)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.logger.Warnw("failed to drain NATS connection", "error", err)
		}
		p.logger.Infow("NATS connection drained and closed")
	}
}
