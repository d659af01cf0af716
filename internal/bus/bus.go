// Package bus moves orders, decisions and alerts between Kestrel
// components over Go channels or NATS.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// MetadataTraceID carries the publisher's trace id on a message, next to
// the W3C traceparent entry.
const MetadataTraceID = "trace_id"

// AllTenants subscribes to a topic for every tenant. Messages keep the
// publisher's tenant id. It cannot be used to publish.
const AllTenants = "*"

var tracer = otel.Tracer("github.com/opensource-finance/kestrel/internal/bus")

// New returns the bus named by cfg.Type: "channel" or "nats".
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	}
	return nil, fmt.Errorf("unsupported event bus type: %q", cfg.Type)
}

// PublishJSON encodes v and publishes it on topic.
func PublishJSON(ctx context.Context, b domain.EventBus, tenantID, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	return b.Publish(ctx, tenantID, topic, payload)
}

// Decode unmarshals a message payload into v.
func Decode(msg *domain.Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("decode %s message %s: %w", msg.Topic, msg.ID, err)
	}
	return nil
}

func checkPublishTenant(tenantID string) error {
	if tenantID == "" || tenantID == AllTenants {
		return fmt.Errorf("publish needs a concrete tenant id, got %q", tenantID)
	}
	return nil
}

// envelope wraps payload with an id, timestamp and the caller's trace
// context.
func envelope(ctx context.Context, tenantID, topic string, payload []byte) *domain.Message {
	msg := &domain.Message{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  map[string]string{},
		Timestamp: time.Now().UnixNano(),
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Metadata))
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		msg.Metadata[MetadataTraceID] = sc.TraceID().String()
	}
	return msg
}

// deliver runs handler inside a consumer span linked to the publisher's
// trace and records the outcome.
func deliver(ctx context.Context, kind string, handler domain.MessageHandler, msg *domain.Message) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Metadata))
	ctx, span := tracer.Start(ctx, "consume "+msg.Topic, trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	if err := handler(ctx, msg); err != nil {
		span.RecordError(err)
		metrics.BusMessagesTotal.WithLabelValues(kind, msg.Topic, "failed").Inc()
		slog.Error("event handler failed",
			"bus", kind,
			"topic", msg.Topic,
			"tenant_id", msg.TenantID,
			"message_id", msg.ID,
			"error", err,
		)
		return
	}
	metrics.BusMessagesTotal.WithLabelValues(kind, msg.Topic, "handled").Inc()
}
