package broadcast

import (
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"Go2NetGraph/internal/config"
)

// EventHandler processes a received event envelope.
type EventHandler func(subject string, env *structpb.Struct)

// Subscriber is responsible for subscribing to session events.
type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	logger  *zap.SugaredLogger
}

// NewSubscriber creates a new NATS subscriber.
func NewSubscriber(cfg config.NATSConfig, logger *zap.SugaredLogger) (*Subscriber, error) {
	nc, err := connect(cfg.NATSURL, logger)
	if err != nil {
		return nil, err
	}
	logger.Infow("Connected to NATS server", "url", cfg.NATSURL)
	return &Subscriber{nc: nc, subject: cfg.Subject, logger: logger}, nil
}

// Start subscribes to every event type, or only eventType when set.
func (s *Subscriber) Start(eventType string, handler EventHandler) error {
	subject := Subject(s.subject, "*")
	if eventType != "" {
		subject = Subject(s.subject, eventType)
	}
	sub, err := s.nc.Subscribe(subject, func(msg *nats.Msg) {
		env, err := Unmarshal(msg.Data)
		if err != nil {
			s.logger.Warnw("Error unmarshalling event", "subject", msg.Subject, "error", err)
			return
		}
		handler(msg.Subject, env)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Infow("Subscribed, waiting for events", "subject", subject)
	return nil
}

// Close unsubscribes and closes the NATS connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info("NATS connection closed.")
	}
}
