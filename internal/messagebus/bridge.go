package messagebus

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/jordanhubbard/steerloop/internal/eventbus"
	"github.com/jordanhubbard/steerloop/internal/metrics"
)

const (
	bridgeSubscriberID = "nats-bridge-out"
	fromNATSKey        = "from_nats"
	sourceInstanceKey  = "source_instance"
)

// Bridge connects the in-process EventBus with NATS. Local lifecycle events
// are forwarded to the publisher; when a subscriber is given, other instances'
// events are injected into the local bus so websocket watchers see them too.
type Bridge struct {
	publisher  EventPublisher
	subscriber EventSubscriber
	eventBus   *eventbus.EventBus
	instanceID string
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewBridge creates a bridge. subscriber may be nil for outbound-only use.
func NewBridge(publisher EventPublisher, subscriber EventSubscriber, eb *eventbus.EventBus, instanceID string, logger *zap.Logger, m *metrics.Metrics) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		publisher:  publisher,
		subscriber: subscriber,
		eventBus:   eb,
		instanceID: instanceID,
		logger:     logger.Named("bridge"),
		metrics:    m,
	}
}

// Start begins bridging events.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()

	sub := b.eventBus.Subscribe(bridgeSubscriberID, isForwardedEvent)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.Channel:
				if !ok {
					return
				}
				// Skip events that came from NATS to avoid echo loops
				if _, fromNATS := event.Data[fromNATSKey]; fromNATS {
					continue
				}
				b.forward(ctx, event)
			}
		}
	}()

	if b.subscriber != nil {
		if err := b.subscriber.SubscribeRemoteEvents(b.inject); err != nil {
			b.Close()
			return err
		}
	}

	b.logger.Info("Started event bridge", zap.String("instance", b.instanceID), zap.Bool("inbound", b.subscriber != nil))
	return nil
}

func (b *Bridge) forward(ctx context.Context, event *eventbus.Event) {
	msg := &EventMessage{
		ID:        event.ID,
		Type:      string(event.Type),
		Source:    event.Source,
		ActorID:   event.ActorID,
		Data:      event.Data,
		Timestamp: event.Timestamp,
		Metadata: map[string]interface{}{
			sourceInstanceKey: b.instanceID,
		},
	}
	if id, ok := event.Data["prediction_id"].(string); ok {
		msg.PredictionID = id
	}

	if err := b.publisher.PublishEvent(ctx, string(event.Type), msg); err != nil {
		b.logger.Warn("Failed to forward event", zap.String("type", string(event.Type)), zap.Error(err))
		return
	}
	b.metrics.RecordEventPublished(string(event.Type))
}

// inject republishes another instance's event on the local bus.
func (b *Bridge) inject(msg *EventMessage) {
	if source, ok := msg.Metadata[sourceInstanceKey].(string); ok && source == b.instanceID {
		return
	}

	data := make(map[string]interface{}, len(msg.Data)+2)
	for k, v := range msg.Data {
		data[k] = v
	}
	data[fromNATSKey] = true
	if source, ok := msg.Metadata[sourceInstanceKey]; ok {
		data[sourceInstanceKey] = source
	}

	event := &eventbus.Event{
		Type:      eventbus.EventType(msg.Type),
		Source:    "nats-bridge:" + msg.Source,
		ActorID:   msg.ActorID,
		Data:      data,
		Timestamp: msg.Timestamp,
	}
	if err := b.eventBus.Publish(event); err != nil {
		b.logger.Debug("Failed to inject remote event", zap.Error(err))
	}
}

// Close stops forwarding. Safe to call more than once or before Start.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	wasStarted := b.started
	b.started = false
	b.mu.Unlock()

	if wasStarted && b.eventBus != nil {
		b.eventBus.Unsubscribe(bridgeSubscriberID)
	}
	b.wg.Wait()
}

func isForwardedEvent(event *eventbus.Event) bool {
	return strings.HasPrefix(string(event.Type), "prediction.")
}
