package reconcile

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ariefcatur/go-checkout-engine/internal/checkout"
	kafkax "github.com/ariefcatur/go-checkout-engine/internal/kafka"
	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/ariefcatur/go-checkout-engine/internal/payment"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

type Deduper interface {
	FirstSeen(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// OutcomeHandler applies provider callbacks relayed on payment.outcome
// through the same idempotent path as the polling worker.
type OutcomeHandler struct {
	Service *checkout.Service
	Dedup   Deduper
	Log     *slog.Logger
}

// Handle is a kafka.Handler. Malformed or contradicting messages are logged
// and committed; transient failures return an error so the offset is kept.
func (h *OutcomeHandler) Handle(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.DecodeEnvelope(m.Value)
	if err != nil {
		h.Log.Error("drop undecodable payment outcome", "offset", m.Offset, "err", err)
		return nil
	}
	if env.EventType != orders.EventPaymentOutcome {
		return nil
	}

	if h.Dedup != nil {
		first, err := h.Dedup.FirstSeen(ctx, env.EventID)
		if err != nil {
			return err
		}
		if !first {
			return nil
		}
	}

	p, err := kafkax.UnwrapPayload[orders.PaymentOutcomePayload](env.Payload)
	if err != nil {
		h.Log.Error("drop payment outcome payload", "event_id", env.EventID, "err", err)
		return nil
	}
	if !validID(p.OrderID) || !validID(p.PaymentID) {
		h.Log.Error("drop payment outcome with malformed ids", "event_id", env.EventID, "order_id", p.OrderID, "payment_id", p.PaymentID)
		return nil
	}
	var out payment.Outcome
	switch p.Status {
	case string(payment.Succeeded):
		out = payment.Success(p.Reference)
	case string(payment.Declined), string(orders.PaymentFailed):
		out = payment.Decline(p.Reason)
	default:
		h.Log.Error("drop payment outcome with unknown status", "event_id", env.EventID, "status", p.Status)
		return nil
	}

	log := h.Log.With("order_id", p.OrderID, "payment_id", p.PaymentID, "event_id", env.EventID)
	st, err := h.Service.ApplyPaymentOutcome(ctx, p.OrderID, p.PaymentID, out)
	switch {
	case errors.Is(err, orders.ErrInvalidTransition):
		// e.g. a capture confirmed after the order was expired: money was
		// taken for a FAILED order and needs a manual refund
		log.Error("payment outcome contradicts order state", "status", p.Status, "err", err)
		return nil
	case errors.Is(err, orders.ErrNotFound), errors.Is(err, checkout.ErrPaymentNotFound):
		log.Error("payment outcome for unknown order or attempt", "err", err)
		return nil
	case err != nil:
		if h.Dedup != nil {
			if ferr := h.Dedup.Forget(ctx, env.EventID); ferr != nil {
				log.Warn("forget dedup key", "err", ferr)
			}
		}
		return err
	}
	log.Info("payment outcome applied", "status", st.To, "changed", st.Changed)
	return nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
