// Package events publishes job lifecycle events for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/neptis/internal/domain"
)

const contentTypeJSON = "application/json"

// MessagePublisher sends a message on an exchange
type MessagePublisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// Publisher encodes job events as JSON. Routing keys take the form
// "<prefix>.<type>.<status>", e.g. "neptis.jobs.backup.successful".
type Publisher struct {
	client MessagePublisher
	prefix string
	logger *slog.Logger
}

// NewPublisher creates a job event publisher
func NewPublisher(client MessagePublisher, prefix string, logger *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger,
	}
}

// RoutingKey returns the routing key of ev
func (p *Publisher) RoutingKey(ev domain.JobEvent) string {
	key := strings.ToLower(ev.JobType.String()) + "." + strings.ToLower(ev.JobStatus.String())
	if p.prefix == "" {
		return key
	}
	return p.prefix + "." + key
}

// PublishJobEvent sends ev on the exchange
func (p *Publisher) PublishJobEvent(ctx context.Context, ev domain.JobEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}

	key := p.RoutingKey(ev)
	if err := p.client.Publish(ctx, key, body, contentTypeJSON); err != nil {
		return fmt.Errorf("failed to publish job event: %w", err)
	}

	p.logger.Debug("Job event published",
		slog.String("job_id", ev.JobID),
		slog.String("routing_key", key),
	)
	return nil
}

// Nop drops every event. It is used when no broker is configured.
type Nop struct{}

// PublishJobEvent implements the job publisher
func (Nop) PublishJobEvent(context.Context, domain.JobEvent) error { return nil }
