package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/eternisai/seo-research/internal/logger"
)

// StatusSubject is the NATS subject query status events are published on.
const StatusSubject = "seo.query.status"

// Connect opens a NATS connection that keeps reconnecting in the background.
func Connect(url string, log *logger.Logger) (*nats.Conn, error) {
	log = log.WithComponent("nats")
	nc, err := nats.Connect(url,
		nats.Name("seo-research-"+logger.InstanceID()),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return nc, nil
}

// NATSPublisher publishes events as JSON on StatusSubject.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	logger  *logger.Logger
}

// NewNATSPublisher creates a publisher on an open connection.
func NewNATSPublisher(nc *nats.Conn, log *logger.Logger) *NATSPublisher {
	return &NATSPublisher{
		nc:      nc,
		subject: StatusSubject,
		logger:  log.WithComponent("events-nats"),
	}
}

func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish %s for query %s: %w", e.Type, e.QueryID, err)
	}

	p.logger.Debug("published query event",
		slog.String("subject", p.subject),
		slog.String("query_id", e.QueryID),
		slog.String("status", e.Status))
	return nil
}
