// Package checkout turns a cart into a committed order: price, reserve and
// persist in one transaction, then charge outside it and settle the outcome.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-checkout-engine/internal/cart"
	"github.com/ariefcatur/go-checkout-engine/internal/inventory"
	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/ariefcatur/go-checkout-engine/internal/payment"
	"github.com/ariefcatur/go-checkout-engine/internal/pricing"
	"github.com/ariefcatur/go-checkout-engine/internal/telemetry"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type Pricer interface {
	Price(ctx context.Context, lines []pricing.LineRequest) (pricing.Quote, error)
}

type Charger interface {
	Charge(ctx context.Context, req payment.ChargeRequest) (payment.Outcome, error)
}

type CartReader interface {
	Lines(ctx context.Context, userID string) ([]cart.Line, error)
}

type IdempotencyCache interface {
	Lookup(ctx context.Context, userID, key string) (orderID string, ok bool, err error)
	Remember(ctx context.Context, userID, key, orderID string) error
}

type StatusCache interface {
	Status(ctx context.Context, orderID string) (orders.StatusView, bool, error)
	PutStatus(ctx context.Context, v orders.StatusView) error
}

type Request struct {
	UserID         string                `json:"-" validate:"required"`
	IdempotencyKey string                `json:"-" validate:"max=128"`
	Lines          []pricing.LineRequest `json:"lines" validate:"dive"`
	Shipping       orders.Address        `json:"shippingAddress" validate:"required"`
	Billing        *orders.Address       `json:"billingAddress,omitempty" validate:"omitempty"`
	Provider       string                `json:"provider" validate:"max=40"`
	Instrument     payment.Instrument    `json:"payment" validate:"required"`
}

type PaymentView struct {
	ID        string               `json:"id"`
	Status    orders.PaymentStatus `json:"status"`
	Provider  string               `json:"provider"`
	CreatedAt time.Time            `json:"createdAt"`
}

type Result struct {
	OrderID     string          `json:"orderId"`
	OrderStatus orders.Status   `json:"orderStatus"`
	Total       decimal.Decimal `json:"total"`
	Payment     *PaymentView    `json:"payment"`
	// PaymentUnresolved: the provider did not answer in time. The order
	// stays PENDING with its stock held until reconciliation settles it.
	PaymentUnresolved bool `json:"paymentUnresolved,omitempty"`
	Replayed          bool `json:"replayed,omitempty"`
}

type Service struct {
	Store    Store
	Pricing  Pricer
	Payments Charger
	Cart     CartReader
	Events   Publisher
	Idem     IdempotencyCache
	Status   StatusCache
	Metrics  *telemetry.Metrics
	Log      *slog.Logger
	Provider string // default provider name recorded on attempts
	Name     string // producer name on emitted events
	Now      func() time.Time
}

// Checkout runs the whole flow for one request. A declined card is not an
// error: the result carries the FAILED order. An unanswered charge is not an
// error either: the result is PENDING with PaymentUnresolved set.
func (s *Service) Checkout(ctx context.Context, req Request) (Result, error) {
	start := s.now()
	ctx, span := telemetry.Tracer().Start(ctx, "checkout")
	defer span.End()

	res, err := s.checkout(ctx, req)
	s.Metrics.CheckoutDone(outcomeLabel(res, err), s.now().Sub(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("order.id", res.OrderID), attribute.String("order.status", string(res.OrderStatus)))
	}
	return res, err
}

func (s *Service) checkout(ctx context.Context, req Request) (Result, error) {
	if err := payment.Validator().Struct(req); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Provider == "" {
		req.Provider = s.Provider
	}
	if req.IdempotencyKey != "" {
		if res, ok, err := s.replay(ctx, req.UserID, req.IdempotencyKey); err != nil || ok {
			return res, err
		}
	}

	// 1. validate and price
	lines := req.Lines
	if len(lines) == 0 && s.Cart != nil {
		cl, err := s.Cart.Lines(ctx, req.UserID)
		if err != nil {
			return Result{}, fmt.Errorf("load cart: %w", err)
		}
		for _, l := range cl {
			lines = append(lines, pricing.LineRequest{ProductID: l.ProductID, VariantID: l.VariantID, Quantity: l.Quantity})
		}
	}
	if len(lines) == 0 {
		return Result{}, ErrEmptyCart
	}
	quote, err := s.Pricing.Price(ctx, lines)
	switch {
	case errors.Is(err, pricing.ErrNoLines):
		return Result{}, ErrEmptyCart
	case errors.Is(err, pricing.ErrInvalidQuantity), errors.Is(err, pricing.ErrVariantRequired):
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	case err != nil:
		return Result{}, err
	}

	// 2-4. reserve, persist PENDING order, trim cart: one transaction
	billing := req.Shipping
	if req.Billing != nil {
		billing = *req.Billing
	}
	o := orders.Order{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		Status:         orders.StatusPending,
		Total:          quote.Total,
		Shipping:       req.Shipping,
		Billing:        billing,
		PaymentSummary: req.Instrument.Mask(req.Provider),
		IdempotencyKey: req.IdempotencyKey,
	}
	reserve := make([]inventory.Line, 0, len(quote.Lines))
	for _, l := range quote.Lines {
		o.Lines = append(o.Lines, orders.Line{ProductID: l.ProductID, VariantID: l.VariantID, Quantity: l.Quantity, UnitPrice: l.UnitPrice})
		reserve = append(reserve, inventory.Line{ProductID: l.ProductID, VariantID: l.VariantID, Qty: l.Quantity})
	}

	rr, err := s.Store.PlaceOrder(ctx, &o, reserve)
	if errors.Is(err, ErrDuplicateSubmission) {
		res, ok, rerr := s.replay(ctx, req.UserID, req.IdempotencyKey)
		if rerr == nil && ok {
			return res, nil
		}
		return Result{}, err
	}
	if err != nil {
		return Result{}, fmt.Errorf("place order: %w", err)
	}
	if !rr.OK {
		return Result{}, newInsufficientStock(rr.Rejected)
	}
	log := s.logger().With("order_id", o.ID, "user_id", o.UserID)
	log.Info("order placed", "step", "persist", "status", o.Status, "total", o.Total.StringFixed(2))

	// From here the order exists; the caller going away must not undo it.
	ctx = context.WithoutCancel(ctx)
	if req.IdempotencyKey != "" && s.Idem != nil {
		if err := s.Idem.Remember(ctx, req.UserID, req.IdempotencyKey, o.ID); err != nil {
			log.Warn("remember idempotency key", "err", err)
		}
	}
	s.cacheStatus(ctx, o.StatusView())
	s.publishCreated(ctx, o)

	res := Result{OrderID: o.ID, OrderStatus: o.Status, Total: o.Total}

	// 5. record the attempt, then charge outside any transaction
	att := orders.Payment{
		ID:       uuid.NewString(),
		OrderID:  o.ID,
		Provider: req.Provider,
		Status:   orders.PaymentInitiated,
		Metadata: orders.PaymentMetadata{Card: o.PaymentSummary},
	}
	if err := s.Store.StartPayment(ctx, &att); err != nil {
		log.Error("record payment attempt", "step", "payment", "err", err)
		res.PaymentUnresolved = true
		return res, nil
	}
	res.Payment = viewOf(att)

	out, err := s.Payments.Charge(ctx, payment.ChargeRequest{
		Key:        att.ID,
		OrderID:    o.ID,
		Amount:     o.Total,
		Instrument: req.Instrument,
	})
	if err != nil {
		log.Warn("payment outcome unknown, order left pending", "step", "payment", "payment_id", att.ID, "err", err)
		s.Metrics.PaymentSettled("UNKNOWN")
		res.PaymentUnresolved = true
		return res, nil
	}

	// 6. settle in a second transaction
	st, err := s.ApplyPaymentOutcome(ctx, o.ID, att.ID, out)
	if err != nil {
		log.Error("apply payment outcome", "step", "settle", "payment_id", att.ID, "err", err)
		res.PaymentUnresolved = true
		return res, nil
	}
	res.OrderStatus = st.To
	if st.Payment != nil {
		res.Payment = viewOf(*st.Payment)
	}
	return res, nil
}

// ApplyPaymentOutcome settles one attempt. Applying the same outcome again is
// a no-op; an outcome that contradicts the order's state is an
// InvalidTransitionError and changes nothing.
func (s *Service) ApplyPaymentOutcome(ctx context.Context, orderID, paymentID string, out payment.Outcome) (Settlement, error) {
	to, pst := orders.StatusFor(out)
	p := &orders.Payment{
		ID:        paymentID,
		OrderID:   orderID,
		Status:    pst,
		Reference: out.Reference,
		Reason:    out.Reason,
		Metadata:  orders.PaymentMetadata{Outcome: &out},
	}
	st, err := s.Store.SettlePayment(ctx, orderID, p, to)
	if err != nil {
		return st, fmt.Errorf("settle payment %s: %w", paymentID, err)
	}
	if st.Payment != nil {
		s.Metrics.PaymentSettled(string(st.Payment.Status))
	}
	s.afterTransition(ctx, st, out.Reason)
	return st, nil
}

// Transition is the unrestricted lifecycle move used by reconciliation.
// Reaching CANCELLED gives the reserved stock back.
func (s *Service) Transition(ctx context.Context, orderID string, to orders.Status, reason string) (Settlement, error) {
	st, err := s.Store.Transition(ctx, orderID, to)
	if err != nil {
		return st, fmt.Errorf("transition order %s to %s: %w", orderID, to, err)
	}
	s.afterTransition(ctx, st, reason)
	return st, nil
}

func (s *Service) afterTransition(ctx context.Context, st Settlement, reason string) {
	if !st.Changed {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.logger().Info("order status changed", "order_id", st.OrderID, "step", "transition",
		"from", st.From, "status", st.To, "released_lines", len(st.Released))
	if o, err := s.Store.Order(ctx, st.OrderID); err == nil {
		s.cacheStatus(ctx, o.StatusView())
	}
	s.publishStatusChanged(ctx, st, reason)
}

func (s *Service) replay(ctx context.Context, userID, key string) (Result, bool, error) {
	var o orders.Order
	var err error
	if s.Idem != nil {
		if id, ok, cerr := s.Idem.Lookup(ctx, userID, key); cerr == nil && ok {
			o, err = s.Store.Order(ctx, id)
			if err == nil && o.UserID == userID {
				return replayResult(o), true, nil
			}
		}
	}
	o, err = s.Store.OrderByIdempotencyKey(ctx, userID, key)
	if errors.Is(err, orders.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	return replayResult(o), true, nil
}

func replayResult(o orders.Order) Result {
	res := Result{OrderID: o.ID, OrderStatus: o.Status, Total: o.Total, Replayed: true}
	if n := len(o.Payments); n > 0 {
		last := o.Payments[n-1]
		res.Payment = viewOf(last)
		res.PaymentUnresolved = o.Status == orders.StatusPending && last.Status == orders.PaymentInitiated
	}
	return res
}

func viewOf(p orders.Payment) *PaymentView {
	return &PaymentView{ID: p.ID, Status: p.Status, Provider: p.Provider, CreatedAt: p.CreatedAt}
}

func outcomeLabel(res Result, err error) string {
	var ise *InsufficientStockError
	switch {
	case err == nil && res.PaymentUnresolved:
		return "unresolved"
	case err == nil:
		return string(res.OrderStatus)
	case errors.As(err, &ise):
		return "insufficient_stock"
	case errors.Is(err, ErrEmptyCart), errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, inventory.ErrUnavailable):
		return "unavailable"
	default:
		var upe *pricing.UnknownProductError
		if errors.As(err, &upe) {
			return "invalid"
		}
		return "error"
	}
}

func (s *Service) cacheStatus(ctx context.Context, v orders.StatusView) {
	if s.Status == nil {
		return
	}
	if err := s.Status.PutStatus(ctx, v); err != nil {
		s.logger().Warn("cache order status", "order_id", v.OrderID, "err", err)
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
