package notifier

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instrumented counts deliveries of a wrapped notifier.
type Instrumented struct {
	next  Notifier
	name  string
	sent  metric.Int64Counter
	found metric.Int64Counter
}

// NewInstrumented wraps next, recording tarkka.notifications and
// tarkka.notifications.records under the sink name.
func NewInstrumented(next Notifier, name string, provider metric.MeterProvider) (*Instrumented, error) {
	meter := provider.Meter("tarkka.notifier")

	sent, err := meter.Int64Counter(
		"tarkka.notifications",
		metric.WithDescription("Notifications delivered by sink and status"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create notifications counter: %w", err)
	}

	found, err := meter.Int64Counter(
		"tarkka.notifications.records",
		metric.WithDescription("Flagged instances carried by notifications"),
		metric.WithUnit("{instance}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create notification records counter: %w", err)
	}

	return &Instrumented{next: next, name: name, sent: sent, found: found}, nil
}

// Notify forwards msg and records the result.
func (i *Instrumented) Notify(ctx context.Context, msg Message) error {
	err := i.next.Notify(ctx, msg)

	status := "success"
	if err != nil {
		status = "error"
	}
	i.sent.Add(ctx, 1, metric.WithAttributes(
		attribute.String("sink", i.name),
		attribute.String("status", status),
		attribute.Bool("mention", msg.Mention),
	))
	if len(msg.Records) > 0 {
		i.found.Add(ctx, int64(len(msg.Records)), metric.WithAttributes(attribute.String("sink", i.name)))
	}
	return err
}
