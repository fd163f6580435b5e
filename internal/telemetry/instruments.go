package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jordanhubbard/steerloop/internal/eventbus"
)

const recorderSubscriberID = "otel-instruments"

// Instruments mirrors the prediction lifecycle onto OpenTelemetry metrics so
// an OTLP collector sees the same picture as the Prometheus scrape.
type Instruments struct {
	LifecycleEvents  metric.Int64Counter
	CountdownSeconds metric.Float64Histogram
	Redirects        metric.Int64Counter
}

// NewInstruments creates the instruments on meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	events, err := meter.Int64Counter(
		"steerloop.lifecycle.events",
		metric.WithDescription("Prediction lifecycle events by type and tier"),
	)
	if err != nil {
		return nil, err
	}
	countdown, err := meter.Float64Histogram(
		"steerloop.countdown",
		metric.WithDescription("Countdown assigned to announced predictions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	redirects, err := meter.Int64Counter(
		"steerloop.redirects",
		metric.WithDescription("Predictions replaced by a redirect, by source"),
	)
	if err != nil {
		return nil, err
	}
	return &Instruments{LifecycleEvents: events, CountdownSeconds: countdown, Redirects: redirects}, nil
}

// Record translates one bus event into measurements.
func (in *Instruments) Record(ctx context.Context, event *eventbus.Event) {
	if in == nil || event == nil {
		return
	}
	tier, _ := event.Data["tier"].(string)
	in.LifecycleEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(event.Type)),
		attribute.String("tier", tier),
	))

	switch event.Type {
	case eventbus.EventTypePredictionCreated:
		if ms, ok := timeoutMillis(event.Data["timeout_ms"]); ok && ms > 0 {
			in.CountdownSeconds.Record(ctx, ms/1000, metric.WithAttributes(attribute.String("tier", tier)))
		}
	case eventbus.EventTypePredictionRedirected:
		source, _ := event.Data["source"].(string)
		in.Redirects.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
}

// Run records prediction events from eb until ctx is cancelled or the bus
// closes. Events bridged in from other instances are skipped.
func (in *Instruments) Run(ctx context.Context, eb *eventbus.EventBus) {
	sub := eb.Subscribe(recorderSubscriberID, func(e *eventbus.Event) bool {
		if _, remote := e.Data["from_nats"]; remote {
			return false
		}
		return strings.HasPrefix(string(e.Type), "prediction.")
	})
	defer eb.Unsubscribe(recorderSubscriberID)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Channel:
			if !ok {
				return
			}
			in.Record(ctx, event)
		}
	}
}

func timeoutMillis(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
