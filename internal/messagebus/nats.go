package messagebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NatsMessageBus publishes steering events to NATS with JetStream
type NatsMessageBus struct {
	conn           *nats.Conn
	js             nats.JetStreamContext
	logger         *zap.Logger
	mu             sync.Mutex
	subscriptions  map[string]*nats.Subscription
	streamName     string
	subjectPrefix  string
	maxAge         time.Duration
	url            string
	consumerPrefix string
}

// Config holds NATS configuration
type Config struct {
	URL            string        // NATS server URL (e.g., "nats://nats:4222")
	StreamName     string        // JetStream stream name (default: "STEERING")
	SubjectPrefix  string        // Subject root (default: "steering")
	MaxAge         time.Duration // Stream retention (default: 24h)
	Timeout        time.Duration // Connection timeout
	ConsumerPrefix string        // Prefix for durable consumer names (for test isolation)
	Logger         *zap.Logger
}

func (cfg *Config) applyDefaults() {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "STEERING"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "steering"
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

// NewNatsMessageBus connects to NATS and ensures the event stream exists
func NewNatsMessageBus(cfg Config) (*NatsMessageBus, error) {
	cfg.applyDefaults()
	logger := cfg.Logger.Named("nats")

	nc, err := nats.Connect(cfg.URL,
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	mb := &NatsMessageBus{
		conn:           nc,
		js:             js,
		logger:         logger,
		subscriptions:  make(map[string]*nats.Subscription),
		streamName:     cfg.StreamName,
		subjectPrefix:  cfg.SubjectPrefix,
		maxAge:         cfg.MaxAge,
		url:            cfg.URL,
		consumerPrefix: cfg.ConsumerPrefix,
	}

	if err := mb.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	logger.Info("Connected to NATS", zap.String("url", cfg.URL), zap.String("stream", cfg.StreamName))
	return mb, nil
}

// ensureStream creates or updates the JetStream stream. LimitsPolicy lets
// several consumers read the same events.
func (mb *NatsMessageBus) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      mb.streamName,
		Subjects:  []string{mb.subjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    mb.maxAge,
		MaxBytes:  256 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}

	_, err := mb.js.StreamInfo(mb.streamName)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err := mb.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		mb.logger.Info("Created JetStream stream", zap.String("stream", mb.streamName))
	case err != nil:
		return fmt.Errorf("failed to look up stream: %w", err)
	default:
		if _, err := mb.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("failed to update stream: %w", err)
		}
	}
	return nil
}

// EventSubject returns the subject an event type is published on.
func EventSubject(prefix, eventType string) string {
	return fmt.Sprintf("%s.events.%s", prefix, eventType)
}

// consumerName turns an event type into a valid durable name; NATS forbids
// dots and wildcards in consumer names.
func consumerName(eventType string) string {
	switch eventType {
	case "", ">", "*":
		return "events-all"
	}
	r := strings.NewReplacer(".", "-", "*", "any", ">", "all", " ", "_")
	return "events-" + r.Replace(eventType)
}

// PublishEvent publishes an event message to the stream
func (mb *NatsMessageBus) PublishEvent(ctx context.Context, eventType string, event *EventMessage) error {
	return mb.publish(ctx, EventSubject(mb.subjectPrefix, eventType), event)
}

func (mb *NatsMessageBus) publish(ctx context.Context, subject string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := mb.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish message to %s: %w", subject, err)
	}
	return nil
}

// SubscribeEvents attaches a durable consumer for one event type, or all
// types when eventType is ">".
func (mb *NatsMessageBus) SubscribeEvents(eventType string, handler func(*EventMessage)) error {
	if eventType == "" {
		eventType = ">"
	}
	subject := EventSubject(mb.subjectPrefix, eventType)

	return mb.subscribe(subject, consumerName(eventType), func(msg *nats.Msg) {
		var event EventMessage
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			mb.logger.Warn("Failed to unmarshal event message", zap.String("subject", msg.Subject), zap.Error(err))
			_ = msg.Term()
			return
		}
		handler(&event)
		_ = msg.Ack()
	})
}

// SubscribeRemoteEvents delivers every published event to this process over
// core NATS, so each instance sees the others' events.
func (mb *NatsMessageBus) SubscribeRemoteEvents(handler func(*EventMessage)) error {
	subject := EventSubject(mb.subjectPrefix, ">")
	sub, err := mb.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event EventMessage
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return
		}
		handler(&event)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	mb.mu.Lock()
	mb.subscriptions["remote:"+subject] = sub
	mb.mu.Unlock()
	return nil
}

// prefixConsumer adds the optional consumer prefix for namespace isolation
func (mb *NatsMessageBus) prefixConsumer(name string) string {
	if mb.consumerPrefix != "" {
		return mb.consumerPrefix + "-" + name
	}
	return name
}

func (mb *NatsMessageBus) subscribe(subject, consumer string, handler nats.MsgHandler) error {
	prefixed := mb.prefixConsumer(consumer)
	sub, err := mb.js.Subscribe(subject, handler,
		nats.Durable(prefixed),
		nats.AckExplicit(),
		nats.MaxDeliver(3),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	mb.mu.Lock()
	mb.subscriptions[subject] = sub
	mb.mu.Unlock()
	mb.logger.Info("Subscribed", zap.String("subject", subject), zap.String("consumer", prefixed))
	return nil
}

// Unsubscribe removes a subscription
func (mb *NatsMessageBus) Unsubscribe(subject string) error {
	mb.mu.Lock()
	sub, ok := mb.subscriptions[subject]
	delete(mb.subscriptions, subject)
	mb.mu.Unlock()
	if !ok {
		return fmt.Errorf("no subscription found for %s", subject)
	}

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", subject, err)
	}
	return nil
}

// Close drains subscriptions and closes the NATS connection
func (mb *NatsMessageBus) Close() error {
	mb.mu.Lock()
	subjects := make([]string, 0, len(mb.subscriptions))
	for subject := range mb.subscriptions {
		subjects = append(subjects, subject)
	}
	mb.mu.Unlock()

	for _, subject := range subjects {
		_ = mb.Unsubscribe(subject)
	}

	mb.conn.Close()
	mb.logger.Info("Closed NATS connection")
	return nil
}

// Health returns the health status of the NATS connection
func (mb *NatsMessageBus) Health() error {
	if mb.conn.IsClosed() {
		return fmt.Errorf("NATS connection is closed")
	}
	if !mb.conn.IsConnected() {
		return fmt.Errorf("NATS is not connected")
	}
	if _, err := mb.js.StreamInfo(mb.streamName); err != nil {
		return fmt.Errorf("JetStream stream %s is unhealthy: %w", mb.streamName, err)
	}
	return nil
}

// Stats returns statistics about the message bus
func (mb *NatsMessageBus) Stats() map[string]interface{} {
	mb.mu.Lock()
	subs := len(mb.subscriptions)
	mb.mu.Unlock()

	stats := map[string]interface{}{
		"url":           mb.url,
		"stream":        mb.streamName,
		"connected":     mb.conn.IsConnected(),
		"subscriptions": subs,
	}
	if info, err := mb.js.StreamInfo(mb.streamName); err == nil {
		stats["stream_messages"] = info.State.Msgs
		stats["stream_bytes"] = info.State.Bytes
		stats["stream_consumers"] = info.State.Consumers
	}
	return stats
}
