package eventbus

import (
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func receive(t *testing.T, sub *Subscriber) *Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Channel:
		if !ok {
			t.Fatal("subscriber channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return nil
}

func TestNewEventBusDefaultBufferSize(t *testing.T) {
	eb := NewEventBus(0)
	defer eb.Close()

	if cap(eb.buffer) != defaultBufferSize {
		t.Errorf("expected buffer capacity %d, got %d", defaultBufferSize, cap(eb.buffer))
	}
}

func TestPublishNilEvent(t *testing.T) {
	eb := NewEventBus(10)
	defer eb.Close()

	if err := eb.Publish(nil); err != ErrNilEvent {
		t.Errorf("expected ErrNilEvent, got %v", err)
	}
}

func TestPublishSetsTimestampAndID(t *testing.T) {
	eb := NewEventBus(10)
	defer eb.Close()

	sub := eb.Subscribe("test", nil)
	if err := eb.Publish(&Event{Type: EventTypePredictionCreated}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ev := receive(t, sub)
	if ev.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
	if ev.ID == "" {
		t.Error("expected ID to be generated")
	}
}

func TestSubscribeFilter(t *testing.T) {
	eb := NewEventBus(10)
	defer eb.Close()

	sub := eb.Subscribe("aborts-only", func(e *Event) bool {
		return e.Type == EventTypePredictionAborted
	})

	_ = eb.PublishPredictionEvent(EventTypePredictionCreated, "pred-1", "builder", nil)
	_ = eb.PublishPredictionEvent(EventTypePredictionAborted, "pred-1", "builder", map[string]interface{}{"reason": "x"})

	ev := receive(t, sub)
	if ev.Type != EventTypePredictionAborted {
		t.Fatalf("expected aborted event, got %s", ev.Type)
	}
	if ev.Data["prediction_id"] != "pred-1" {
		t.Errorf("expected prediction_id pred-1, got %v", ev.Data["prediction_id"])
	}
	if ev.ActorID != "builder" {
		t.Errorf("expected actor builder, got %q", ev.ActorID)
	}
}

func TestSubscribeSameIDReturnsExisting(t *testing.T) {
	eb := NewEventBus(10)
	defer eb.Close()

	a := eb.Subscribe("dup", nil)
	b := eb.Subscribe("dup", nil)
	if a != b {
		t.Error("expected the same subscriber for a duplicate ID")
	}
	if eb.SubscriberCount() != 1 {
		t.Errorf("expected 1 subscriber, got %d", eb.SubscriberCount())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	eb := NewEventBus(10)
	defer eb.Close()

	sub := eb.Subscribe("gone", nil)
	eb.Unsubscribe("gone")

	if _, ok := <-sub.Channel; ok {
		t.Error("expected closed channel after unsubscribe")
	}
	if eb.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", eb.SubscriberCount())
	}
}

func TestGetRecentEventsNewestFirst(t *testing.T) {
	eb := NewEventBus(10)
	defer eb.Close()

	sub := eb.Subscribe("sync", nil)
	_ = eb.PublishPredictionEvent(EventTypePredictionCreated, "pred-1", "alice", nil)
	_ = eb.PublishPredictionEvent(EventTypePredictionCreated, "pred-2", "bob", nil)
	_ = eb.PublishPredictionEvent(EventTypePredictionCompleted, "pred-1", "alice", nil)
	for i := 0; i < 3; i++ {
		receive(t, sub)
	}

	all := eb.GetRecentEvents(0, "", "")
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].Type != EventTypePredictionCompleted {
		t.Errorf("expected newest first, got %s", all[0].Type)
	}

	alice := eb.GetRecentEvents(10, "alice", "")
	if len(alice) != 2 {
		t.Errorf("expected 2 events for alice, got %d", len(alice))
	}

	created := eb.GetRecentEvents(1, "", string(EventTypePredictionCreated))
	if len(created) != 1 || created[0].Data["prediction_id"] != "pred-2" {
		t.Errorf("expected latest created event for pred-2, got %+v", created)
	}
}

func TestPublishAfterClose(t *testing.T) {
	eb := NewEventBus(10)
	sub := eb.Subscribe("s", nil)
	eb.Close()
	eb.Close()

	if err := eb.Publish(&Event{Type: EventTypeConfigUpdated}); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, ok := <-sub.Channel; ok {
		t.Error("expected subscriber channel to be closed")
	}
}
