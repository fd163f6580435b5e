package messagebus

import (
	"context"
)

// EventPublisher abstracts event publishing for testability.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, event *EventMessage) error
}

// EventSubscriber abstracts fan-out delivery of every instance's events.
type EventSubscriber interface {
	SubscribeRemoteEvents(handler func(*EventMessage)) error
}

// Verify NatsMessageBus implements all interfaces at compile time.
var (
	_ EventPublisher  = (*NatsMessageBus)(nil)
	_ EventSubscriber = (*NatsMessageBus)(nil)
)
