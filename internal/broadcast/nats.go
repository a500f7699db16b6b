package broadcast

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"Go2NetGraph/internal/config"
	"Go2NetGraph/internal/model"
)

// Publisher publishes session events to "<subject>.<event type>".
type Publisher struct {
	nc      *nats.Conn
	subject string
	logger  *zap.SugaredLogger
}

func connect(url string, logger *zap.SugaredLogger) (*nats.Conn, error) {
	var nc *nats.Conn
	op := func() error {
		c, err := nats.Connect(url, nats.Name("ns-sniffer"), nats.MaxReconnects(-1))
		if err != nil {
			logger.Warnw("NATS not reachable, retrying", "url", url, "error", err)
			return err
		}
		nc = c
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// NewPublisher creates a new NATS publisher.
func NewPublisher(cfg config.NATSConfig, logger *zap.SugaredLogger) (*Publisher, error) {
	nc, err := connect(cfg.NATSURL, logger)
	if err != nil {
		return nil, err
	}
	logger.Infow("Connected to NATS server", "url", cfg.NATSURL)
	return &Publisher{nc: nc, subject: cfg.Subject, logger: logger}, nil
}

// Subject returns the subject an event type is published on.
func Subject(base, eventType string) string {
	return base + "." + eventType
}

// Broadcast serialises ev and publishes it. Failures are logged.
func (p *Publisher) Broadcast(ev model.Event) {
	data, err := Marshal(ev, time.Now())
	if err != nil {
		p.logger.Warnw("Failed to encode event", "type", ev.Type, "error", err)
		return
	}
	if err := p.nc.Publish(Subject(p.subject, ev.Type), data); err != nil {
		p.logger.Warnw("Failed to publish event", "type", ev.Type, "error", err)
	}
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.logger.Info("NATS connection drained and closed.")
	}
}
