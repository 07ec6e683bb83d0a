// Package notify publishes security incidents to the platform message bus
// so responders see them without polling the ledger.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/caretrust-systems/securecore/internal/models"
)

const incidentSubject = "securecore.incidents"

type Publisher interface {
	PublishIncident(inc *models.SecurityIncidentEvent) error
	Close()
}

type natsPublisher struct {
	conn *nats.Conn
}

func NewNATSPublisher(url string) (Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("securecore-notify"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &natsPublisher{conn: conn}, nil
}

func (p *natsPublisher) PublishIncident(inc *models.SecurityIncidentEvent) error {
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("failed to encode incident: %w", err)
	}
	if err := p.conn.Publish(incidentSubject, data); err != nil {
		return fmt.Errorf("failed to publish incident: %w", err)
	}
	return nil
}

func (p *natsPublisher) Close() {
	p.conn.Drain()
}

// NoOpPublisher drops incidents (bus disabled or tests).
type NoOpPublisher struct{}

func (NoOpPublisher) PublishIncident(inc *models.SecurityIncidentEvent) error { return nil }

func (NoOpPublisher) Close() {}
