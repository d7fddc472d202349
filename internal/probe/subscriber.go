package probe

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/model"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// EventHandler processes one decoded flow event.
type EventHandler func(ev model.FlowEvent)

// Subscriber is responsible for subscribing to a NATS subject and decoding messages.
type Subscriber struct {
	nc        *nats.Conn
	sub       *nats.Subscription
	subject   string
	handler   EventHandler
	malformed logging.DropCounter
	logger    *zap.SugaredLogger
}

// NewSubscriber creates a new NATS subscriber.
func NewSubscriber(cfg config.ProbeConfig, logger *zap.SugaredLogger) (*Subscriber, error) {
	if logger == nil {
		logger = zap.S()
	}
	logger = logger.With("component", "subscriber")
	nc, err := connect(cfg.NATSURL, "ns-guard", logger)
	if err != nil {
		return nil, err
	}
	logger.Infow("connected to NATS", "url", cfg.NATSURL)
	return &Subscriber{nc: nc, subject: cfg.Subject, malformed: logging.DropCounter{Every: 1000}, logger: logger}, nil
}

// Start subscribes to the subject and hands every decoded event to handler.
func (s *Subscriber) Start(handler EventHandler) error {
	s.handler = handler
	sub, err := s.nc.Subscribe(s.subject, s.handle)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Infow("subscribed, waiting for messages", "subject", s.subject)
	return nil
}

func (s *Subscriber) handle(msg *nats.Msg) {
	ev, err := Unmarshal(msg.Data)
	if err != nil {
		logging.Dropped(s.logger, &s.malformed, "dropping malformed message", "error", err)
		return
	}
	s.handler(ev)
}

// Malformed returns how many messages could not be decoded.
func (s *Subscriber) Malformed() uint64 {
	return s.malformed.Load()
}

// Close unsubscribes and closes the NATS connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.logger.Warnw("failed to unsubscribe", "error", err)
		}
	}
	if s.nc != nil {
		s.nc.Close()
		s.logger.Infow("NATS connection closed")
	}
}
