package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/jordanhubbard/steerloop/internal/eventbus"
)

func TestSamplerSelection(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{-1, "AlwaysOffSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}

	for _, tt := range tests {
		desc := Sampler(tt.ratio).Description()
		if !strings.HasPrefix(desc, "ParentBased{") {
			t.Errorf("ratio %v: expected parent-based sampler, got %s", tt.ratio, desc)
		}
		if !strings.Contains(desc, "root:"+tt.want) {
			t.Errorf("ratio %v: expected root %s, got %s", tt.ratio, tt.want, desc)
		}
	}
}

func TestInstrumentsRunStopsWithContext(t *testing.T) {
	in, err := NewInstruments(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("NewInstruments: %v", err)
	}

	eb := eventbus.NewEventBus(10)
	defer eb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		in.Run(ctx, eb)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for eb.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := eb.PublishPredictionEvent(eventbus.EventTypePredictionCreated, "pred-1", "builder", map[string]interface{}{
		"tier":       "trusted",
		"timeout_ms": int64(5000),
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if eb.SubscriberCount() != 0 {
		t.Errorf("expected recorder to unsubscribe, %d subscribers left", eb.SubscriberCount())
	}
}

func TestInstrumentsRecordTolerance(t *testing.T) {
	var nilInstruments *Instruments
	nilInstruments.Record(context.Background(), &eventbus.Event{Type: eventbus.EventTypePredictionCreated})

	in, err := NewInstruments(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("NewInstruments: %v", err)
	}
	in.Record(context.Background(), nil)
	in.Record(context.Background(), &eventbus.Event{
		Type: eventbus.EventTypePredictionRedirected,
		Data: map[string]interface{}{"source": "api"},
	})
}

func TestTimeoutMillis(t *testing.T) {
	for _, v := range []interface{}{int64(30000), 30000, float64(30000)} {
		if ms, ok := timeoutMillis(v); !ok || ms != 30000 {
			t.Errorf("timeoutMillis(%T) = %v, %v", v, ms, ok)
		}
	}
	if _, ok := timeoutMillis("30s"); ok {
		t.Error("expected strings to be rejected")
	}
}
