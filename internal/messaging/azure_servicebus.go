package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apsgrid/otaserver/config"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
)

// EventPublisher mirrors lifecycle events to an external queue.
// Events sent here are the same payloads the webhook dispatcher posts.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event string, body interface{}) error
	Close() error
}

// serviceBusPublisher implements EventPublisher on Azure Service Bus
type serviceBusPublisher struct {
	client    *azservicebus.Client
	sender    *azservicebus.Sender
	queueName string
}

// mockPublisher is used for local development when no connection string
// is configured; events are dropped silently.
type mockPublisher struct{}

// NewEventPublisher creates an EventPublisher. Without a connection
// string a no-op publisher is returned.
func NewEventPublisher(cfg config.ServiceBusConfig) (EventPublisher, error) {
	if cfg.ConnectionString == "" {
		return &mockPublisher{}, nil
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus sender: %w", err)
	}

	return &serviceBusPublisher{
		client:    client,
		sender:    sender,
		queueName: cfg.QueueName,
	}, nil
}

// PublishEvent sends one lifecycle event to the queue
func (s *serviceBusPublisher) PublishEvent(ctx context.Context, event string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal event body: %w", err)
	}

	messageID := uuid.NewString()
	msg := &azservicebus.Message{
		MessageID: &messageID,
		Body:      data,
		ApplicationProperties: map[string]interface{}{
			"event": event,
			"time":  time.Now().UTC().Format(time.RFC3339),
		},
	}

	return s.sender.SendMessage(ctx, msg, nil)
}

// Close closes the Service Bus client
func (s *serviceBusPublisher) Close() error {
	if s.sender != nil {
		if err := s.sender.Close(context.Background()); err != nil {
			return err
		}
	}
	if s.client != nil {
		return s.client.Close(context.Background())
	}
	return nil
}

func (m *mockPublisher) PublishEvent(ctx context.Context, event string, body interface{}) error {
	return nil
}

func (m *mockPublisher) Close() error {
	return nil
}
