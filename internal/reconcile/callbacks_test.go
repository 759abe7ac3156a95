package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	kafkax "github.com/ariefcatur/go-checkout-engine/internal/kafka"
	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/ariefcatur/go-checkout-engine/internal/payment"
	"github.com/ariefcatur/go-checkout-engine/internal/reconcile"
	"github.com/ariefcatur/go-checkout-engine/internal/telemetry"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDedup struct {
	mu      sync.Mutex
	seen    map[string]bool
	err     error
	forgets int
}

func (d *memDedup) FirstSeen(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

func (d *memDedup) Forget(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
	d.forgets++
	return nil
}

func outcomeMessage(p orders.PaymentOutcomePayload) (kafkago.Message, orders.Envelope) {
	env := kafkax.NewEnvelope(orders.EventPaymentOutcome, "provider-relay", p.OrderID, "", p)
	return kafkago.Message{Topic: orders.TopicPaymentOutcome, Key: orders.PartitionKey(p.OrderID), Value: kafkax.MustMarshal(env)}, env
}

func TestOutcomeHandlerSettlesOnce(t *testing.T) {
	f := newFixture(t)
	res := f.checkout(t, payment.Outcome{}, context.DeadlineExceeded)
	dedup := &memDedup{}
	h := &reconcile.OutcomeHandler{Service: f.svc, Dedup: dedup, Log: telemetry.Discard()}

	msg, _ := outcomeMessage(orders.PaymentOutcomePayload{
		OrderID: res.OrderID, PaymentID: res.Payment.ID, Status: "SUCCEEDED", Reference: "cb-1",
	})
	require.NoError(t, h.Handle(context.Background(), msg))
	assert.Equal(t, orders.StatusPaid, f.status(t, res.OrderID).Status)

	paid := len(f.pub.Topics())
	require.NoError(t, h.Handle(context.Background(), msg))
	assert.Len(t, f.pub.Topics(), paid, "redelivery is deduplicated")
}

func TestOutcomeHandlerContradictionIsCommitted(t *testing.T) {
	f := newFixture(t)
	res := f.checkout(t, payment.Decline("do_not_honor"), nil)
	h := &reconcile.OutcomeHandler{Service: f.svc, Log: telemetry.Discard()}

	msg, _ := outcomeMessage(orders.PaymentOutcomePayload{
		OrderID: res.OrderID, PaymentID: res.Payment.ID, Status: "SUCCEEDED", Reference: "cb-2",
	})
	require.NoError(t, h.Handle(context.Background(), msg))
	assert.Equal(t, orders.StatusFailed, f.status(t, res.OrderID).Status)
}

func TestOutcomeHandlerDropsMalformed(t *testing.T) {
	f := newFixture(t)
	h := &reconcile.OutcomeHandler{Service: f.svc, Log: telemetry.Discard()}

	require.NoError(t, h.Handle(context.Background(), kafkago.Message{Value: []byte("{")}))

	msg, _ := outcomeMessage(orders.PaymentOutcomePayload{OrderID: uuid.NewString(), PaymentID: uuid.NewString(), Status: "MAYBE"})
	require.NoError(t, h.Handle(context.Background(), msg))

	msg, _ = outcomeMessage(orders.PaymentOutcomePayload{OrderID: "not-an-id", PaymentID: "p", Status: "DECLINED"})
	require.NoError(t, h.Handle(context.Background(), msg))

	msg, _ = outcomeMessage(orders.PaymentOutcomePayload{OrderID: uuid.NewString(), PaymentID: uuid.NewString(), Status: "DECLINED"})
	require.NoError(t, h.Handle(context.Background(), msg), "unknown order is committed, not retried")
}

func TestOutcomeHandlerDedupFailureRetries(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("redis down")
	h := &reconcile.OutcomeHandler{Service: f.svc, Dedup: &memDedup{err: boom}, Log: telemetry.Discard()}

	msg, _ := outcomeMessage(orders.PaymentOutcomePayload{OrderID: "o", PaymentID: "p", Status: "DECLINED"})
	assert.ErrorIs(t, h.Handle(context.Background(), msg), boom)
}

func TestOutcomeHandlerTransientSettleFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	res := f.checkout(t, payment.Outcome{}, context.DeadlineExceeded)
	dedup := &memDedup{}
	h := &reconcile.OutcomeHandler{Service: f.svc, Dedup: dedup, Log: telemetry.Discard()}

	msg, _ := outcomeMessage(orders.PaymentOutcomePayload{
		OrderID: res.OrderID, PaymentID: res.Payment.ID, Status: "SUCCEEDED", Reference: "cb-3",
	})
	down := errors.New("conn reset")
	f.store.FailSettle = down
	assert.ErrorIs(t, h.Handle(context.Background(), msg), down, "offset must not be committed")
	assert.Equal(t, 1, dedup.forgets)

	f.store.FailSettle = nil
	require.NoError(t, h.Handle(context.Background(), msg))
	assert.Equal(t, orders.StatusPaid, f.status(t, res.OrderID).Status)
}
