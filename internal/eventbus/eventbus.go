package eventbus

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventTypePredictionCreated    EventType = "prediction.created"
	EventTypePredictionExecuting  EventType = "prediction.executing"
	EventTypePredictionCompleted  EventType = "prediction.completed"
	EventTypePredictionAborted    EventType = "prediction.aborted"
	EventTypePredictionRedirected EventType = "prediction.redirected"
	EventTypePredictionBlessed    EventType = "prediction.blessed"
	EventTypeCapacityExceeded     EventType = "prediction.capacity_exceeded"
	EventTypeConfigUpdated        EventType = "config.updated"
)

var (
	ErrNilEvent   = errors.New("event cannot be nil")
	ErrBufferFull = errors.New("event buffer is full")
	ErrClosed     = errors.New("event bus is closed")
)

const (
	defaultBufferSize     = 1000
	defaultHistorySize    = 1000
	subscriberChannelSize = 100
)

// Event represents a system event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"` // Component that generated the event
	ActorID   string                 `json:"actor_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber represents an event subscriber
type Subscriber struct {
	ID      string
	Channel chan *Event
	Filter  func(*Event) bool // Optional filter function
}

// EventBus provides in-process pub/sub. Publish never blocks: events are queued
// and fanned out by a single goroutine; slow subscribers drop events.
type EventBus struct {
	subscribers map[string]*Subscriber
	mu          sync.RWMutex
	buffer      chan *Event
	done        chan struct{}
	closed      bool

	// Ring buffer for recent event history (ephemeral, lost on restart)
	recentEvents []*Event
	recentIdx    int
	recentCount  int
}

// NewEventBus creates a new event bus. A non-positive bufferSize uses the default.
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	eb := &EventBus{
		subscribers:  make(map[string]*Subscriber),
		buffer:       make(chan *Event, bufferSize),
		done:         make(chan struct{}),
		recentEvents: make([]*Event, defaultHistorySize),
	}

	go eb.processEvents()

	return eb
}

// Publish queues an event for all subscribers
func (eb *EventBus) Publish(event *Event) error {
	if event == nil {
		return ErrNilEvent
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = fmt.Sprintf("%s-%d", event.Type, time.Now().UnixNano())
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return ErrClosed
	}

	select {
	case eb.buffer <- event:
		return nil
	default:
		return ErrBufferFull
	}
}

// Subscribe creates a new subscription to events. Subscribing twice with the
// same ID returns the existing subscriber.
func (eb *EventBus) Subscribe(subscriberID string, filter func(*Event) bool) *Subscriber {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if sub, exists := eb.subscribers[subscriberID]; exists {
		return sub
	}

	sub := &Subscriber{
		ID:      subscriberID,
		Channel: make(chan *Event, subscriberChannelSize),
		Filter:  filter,
	}
	if eb.closed {
		close(sub.Channel)
		return sub
	}

	eb.subscribers[subscriberID] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel
func (eb *EventBus) Unsubscribe(subscriberID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if sub, exists := eb.subscribers[subscriberID]; exists {
		close(sub.Channel)
		delete(eb.subscribers, subscriberID)
	}
}

func (eb *EventBus) processEvents() {
	defer close(eb.done)
	for event := range eb.buffer {
		eb.distributeEvent(event)
	}
}

// distributeEvent records the event in history and sends it to matching subscribers.
// The read lock is held while sending so Unsubscribe cannot close a channel mid-send.
func (eb *EventBus) distributeEvent(event *Event) {
	eb.mu.Lock()
	eb.recentEvents[eb.recentIdx] = event
	eb.recentIdx = (eb.recentIdx + 1) % len(eb.recentEvents)
	if eb.recentCount < len(eb.recentEvents) {
		eb.recentCount++
	}
	eb.mu.Unlock()

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, sub := range eb.subscribers {
		if sub.Filter != nil && !sub.Filter(event) {
			continue
		}
		select {
		case sub.Channel <- event:
		default:
			// Subscriber channel is full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// GetRecentEvents returns recent events newest-first, filtered by optional
// actorID and eventType, up to limit.
func (eb *EventBus) GetRecentEvents(limit int, actorID, eventType string) []*Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if limit <= 0 || limit > eb.recentCount {
		limit = eb.recentCount
	}

	result := make([]*Event, 0, limit)
	for i := 0; i < eb.recentCount && len(result) < limit; i++ {
		idx := (eb.recentIdx - 1 - i + len(eb.recentEvents)) % len(eb.recentEvents)
		ev := eb.recentEvents[idx]
		if ev == nil {
			continue
		}
		if actorID != "" && ev.ActorID != actorID {
			continue
		}
		if eventType != "" && string(ev.Type) != eventType {
			continue
		}
		result = append(result, ev)
	}
	return result
}

// Close drains queued events, closes all subscriber channels and stops the
// fan-out goroutine. Safe to call more than once.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		<-eb.done
		return
	}
	eb.closed = true
	close(eb.buffer)
	eb.mu.Unlock()

	<-eb.done

	eb.mu.Lock()
	defer eb.mu.Unlock()
	for _, sub := range eb.subscribers {
		close(sub.Channel)
	}
	eb.subscribers = make(map[string]*Subscriber)
}

// PublishPredictionEvent publishes a steering-loop lifecycle event
func (eb *EventBus) PublishPredictionEvent(eventType EventType, predictionID, actorID string, data map[string]interface{}) error {
	if data == nil {
		data = make(map[string]interface{})
	}
	data["prediction_id"] = predictionID

	return eb.Publish(&Event{
		Type:    eventType,
		Source:  "steering-loop",
		ActorID: actorID,
		Data:    data,
	})
}
