package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the instruments recorded by sessions and triggers. All
// methods are safe on a nil receiver.
type Metrics struct {
	TurnDuration     metric.Float64Histogram
	FollowUps        metric.Int64Counter
	Saturations      metric.Int64Counter
	Interrupts       metric.Int64Counter
	ActiveSessions   metric.Int64UpDownCounter
	TriggerFires     metric.Int64Counter
	TriggerDuration  metric.Float64Histogram
	Deliveries       metric.Int64Counter
	SubscribeRejects metric.Int64Counter
	SchedulerFires   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TurnDuration, err = meter.Float64Histogram("butler.session.turn.duration",
		metric.WithDescription("Submit duration including follow-ups, in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.FollowUps, err = meter.Int64Counter("butler.session.followups",
		metric.WithDescription("Follow-up turns issued for buffered messages"),
	); err != nil {
		return nil, err
	}
	if m.Saturations, err = meter.Int64Counter("butler.session.followup_saturations",
		metric.WithDescription("Submits that hit the follow-up cap with messages pending"),
	); err != nil {
		return nil, err
	}
	if m.Interrupts, err = meter.Int64Counter("butler.session.interrupts",
		metric.WithDescription("Turns interrupted by new input or a stop command"),
	); err != nil {
		return nil, err
	}
	if m.ActiveSessions, err = meter.Int64UpDownCounter("butler.session.active",
		metric.WithDescription("Live conversation sessions"),
	); err != nil {
		return nil, err
	}
	if m.TriggerFires, err = meter.Int64Counter("butler.trigger.fires",
		metric.WithDescription("Trigger executions by outcome"),
	); err != nil {
		return nil, err
	}
	if m.TriggerDuration, err = meter.Float64Histogram("butler.trigger.duration",
		metric.WithDescription("Trigger execution duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.Deliveries, err = meter.Int64Counter("butler.delivery.messages",
		metric.WithDescription("Messages handed to a transport"),
	); err != nil {
		return nil, err
	}
	if m.SubscribeRejects, err = meter.Int64Counter("butler.trigger.subscribe_rejects",
		metric.WithDescription("Subscribe calls rejected at validation or start"),
	); err != nil {
		return nil, err
	}
	if m.SchedulerFires, err = meter.Int64Counter("butler.scheduler.fires",
		metric.WithDescription("Scheduled task executions"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

func (m *Metrics) RecordTurn(ctx context.Context, kind string, d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.TurnDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		AttrSessionKind.String(kind), AttrOutcome.String(outcome)))
}

func (m *Metrics) AddFollowUp(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.FollowUps.Add(ctx, 1, metric.WithAttributes(AttrSessionKind.String(kind)))
}

func (m *Metrics) AddSaturation(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.Saturations.Add(ctx, 1, metric.WithAttributes(AttrSessionKind.String(kind)))
}

func (m *Metrics) AddInterrupt(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.Interrupts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) SessionOpened(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1, metric.WithAttributes(AttrSessionKind.String(kind)))
}

func (m *Metrics) SessionClosed(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1, metric.WithAttributes(AttrSessionKind.String(kind)))
}

// RecordTrigger records one executor run. outcome is delivered, silenced,
// empty or error.
func (m *Metrics) RecordTrigger(ctx context.Context, source string, d time.Duration, outcome string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrTriggerKind.String(sourceKind(source)), AttrOutcome.String(outcome))
	m.TriggerFires.Add(ctx, 1, attrs)
	m.TriggerDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) AddDelivery(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.Deliveries.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}

func (m *Metrics) AddSubscribeReject(ctx context.Context, triggerType, reason string) {
	if m == nil {
		return
	}
	m.SubscribeRejects.Add(ctx, 1, metric.WithAttributes(
		AttrTriggerKind.String(triggerType), attribute.String("reason", reason)))
}

func (m *Metrics) AddSchedulerFire(ctx context.Context, recurring bool, outcome string) {
	if m == nil {
		return
	}
	m.SchedulerFires.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("recurring", recurring), AttrOutcome.String(outcome)))
}

// sourceKind strips the instance part of a source tag ("scheduler:ab12" -> "scheduler").
func sourceKind(source string) string {
	for i := 0; i < len(source); i++ {
		if source[i] == ':' {
			return source[:i]
		}
	}
	return source
}
