package checkout

import (
	"context"

	kafkax "github.com/ariefcatur/go-checkout-engine/internal/kafka"
	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"
)

// Publisher is the async producer. Publishing happens after commit and is
// best-effort; Postgres stays the source of truth.
type Publisher interface {
	Publish(topic string, key, value []byte, headers ...kafkago.Header)
}

func (s *Service) publishCreated(ctx context.Context, o orders.Order) {
	s.publish(ctx, orders.TopicOrderCreated, o.ID, orders.EventOrderCreated, orders.CreatedPayload(o))
}

func (s *Service) publishStatusChanged(ctx context.Context, st Settlement, reason string) {
	s.publish(ctx, orders.TopicFor(st.To), st.OrderID, orders.EventOrderStatusChanged, orders.StatusChangedPayload{
		OrderID: st.OrderID,
		From:    st.From,
		To:      st.To,
		Reason:  reason,
	})
}

func (s *Service) publish(ctx context.Context, topic, orderID, eventType string, payload any) {
	if s.Events == nil {
		return
	}
	var traceID string
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	env := kafkax.NewEnvelope(eventType, s.Name, orderID, traceID, payload)
	s.Events.Publish(topic, orders.PartitionKey(orderID), kafkax.MustMarshal(env), kafkax.Headers(env)...)
}
