package checkout_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/ariefcatur/go-checkout-engine/internal/cart"
	"github.com/ariefcatur/go-checkout-engine/internal/catalog"
	"github.com/ariefcatur/go-checkout-engine/internal/checkout"
	"github.com/ariefcatur/go-checkout-engine/internal/checkout/checkouttest"
	"github.com/ariefcatur/go-checkout-engine/internal/inventory"
	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/ariefcatur/go-checkout-engine/internal/payment"
	"github.com/ariefcatur/go-checkout-engine/internal/pricing"
	"github.com/ariefcatur/go-checkout-engine/internal/telemetry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	store *checkouttest.Store
	gw    *checkouttest.Gateway
	pub   *checkouttest.Publisher
	cache *checkouttest.Cache
	svc   *checkout.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := checkouttest.NewStore()
	store.AddProduct(catalog.Product{ID: "tee", Price: decimal.RequireFromString("19.99"), Variants: []catalog.Variant{
		{ID: "tee-m", SizeLabel: "M", Stock: 5},
		{ID: "tee-l", SizeLabel: "L", Stock: 1},
	}})
	store.AddProduct(catalog.Product{ID: "cap", Price: decimal.RequireFromString("5.00"), Variants: []catalog.Variant{
		{ID: "cap-os", SizeLabel: "OS", Stock: 0},
	}})
	store.AddProduct(catalog.Product{ID: "sock", Price: decimal.RequireFromString("2.50"), Variants: []catalog.Variant{
		{ID: "sock-os", SizeLabel: "OS", Stock: 10},
	}})

	e := &env{
		store: store,
		gw:    &checkouttest.Gateway{Outcome: payment.Success("ref-1")},
		pub:   &checkouttest.Publisher{},
		cache: &checkouttest.Cache{},
	}
	e.svc = &checkout.Service{
		Store:    store,
		Pricing:  &pricing.Calculator{Catalog: store},
		Payments: &payment.Adapter{Gateway: e.gw},
		Cart:     store,
		Events:   e.pub,
		Idem:     e.cache,
		Status:   e.cache,
		Log:      telemetry.Discard(),
		Provider: "simulated",
		Name:     "checkout-test",
	}
	return e
}

func request(user string, lines ...pricing.LineRequest) checkout.Request {
	return checkout.Request{
		UserID: user,
		Lines:  lines,
		Shipping: orders.Address{
			FullName: "Ada Lovelace", Line1: "1 Main St", PostalCode: "10115",
			City: "Berlin", Country: "DE", Phone: "+4930123456",
		},
		Instrument: payment.Instrument{
			CardholderName: "Ada Lovelace", CardNumber: "4242 4242 4242 4242",
			ExpMonth: "09", ExpYear: "29", CVC: "123",
		},
	}
}

func line(product, variant string, qty int) pricing.LineRequest {
	return pricing.LineRequest{ProductID: product, VariantID: variant, Quantity: qty}
}

func TestCheckoutPaid(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.store.AddToCart("u1", cart.Line{ProductID: "tee", VariantID: "tee-m", Quantity: 2})
	e.store.AddToCart("u1", cart.Line{ProductID: "sock", Quantity: 1})

	res, err := e.svc.Checkout(ctx, request("u1", line("tee", "tee-m", 2)))
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, res.OrderStatus)
	assert.Equal(t, "39.98", res.Total.StringFixed(2))
	require.NotNil(t, res.Payment)
	assert.Equal(t, orders.PaymentSucceeded, res.Payment.Status)
	assert.Equal(t, "simulated", res.Payment.Provider)
	assert.False(t, res.PaymentUnresolved)

	assert.Equal(t, 3, e.store.Stock("tee-m"))
	assert.Equal(t, []cart.Line{{ProductID: "sock", Quantity: 1}}, e.store.Cart("u1"), "only purchased products leave the cart")
	assert.Equal(t, []string{orders.TopicOrderCreated, orders.TopicOrderPaid}, e.pub.Topics())

	o, err := e.store.Order(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, o.Shipping, o.Billing, "billing defaults to shipping")
	assert.Equal(t, "4242", o.PaymentSummary.CardLast4)
	require.Len(t, o.Payments, 1)
	assert.Equal(t, "ref-1", o.Payments[0].Reference)

	raw, err := json.Marshal(o)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "4242 4242 4242 4242")
	assert.NotContains(t, string(raw), "\"123\"")

	require.Equal(t, 1, e.gw.ChargeCount())
	assert.True(t, e.gw.Charges[0].Amount.Equal(decimal.RequireFromString("39.98")))
	assert.Equal(t, res.Payment.ID, e.gw.Charges[0].Key)
}

func TestCheckoutDeclinedKeepsReservationUntilCancelled(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.gw.Outcome = payment.Decline("insufficient_funds")

	res, err := e.svc.Checkout(ctx, request("u1", line("tee", "tee-l", 1)))
	require.NoError(t, err)
	assert.Equal(t, orders.StatusFailed, res.OrderStatus)
	assert.Equal(t, orders.PaymentFailed, res.Payment.Status)
	assert.Equal(t, 0, e.store.Stock("tee-l"))

	admin := checkout.Viewer{UserID: "root", Role: checkout.RoleAdmin}
	o, err := e.svc.AdvanceStatus(ctx, admin, res.OrderID, orders.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, o.Status)
	assert.Equal(t, 1, e.store.Stock("tee-l"))

	// cancelling twice gives nothing back twice
	_, err = e.svc.AdvanceStatus(ctx, admin, res.OrderID, orders.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, 1, e.store.Stock("tee-l"))

	_, err = e.svc.AdvanceStatus(ctx, admin, res.OrderID, orders.StatusPaid)
	assert.ErrorIs(t, err, orders.ErrInvalidTransition)
}

func TestCheckoutTimeoutThenReconcile(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.gw.Err = context.DeadlineExceeded

	res, err := e.svc.Checkout(ctx, request("u1", line("tee", "tee-m", 1)))
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, res.OrderStatus)
	assert.True(t, res.PaymentUnresolved)
	require.NotNil(t, res.Payment)
	assert.Equal(t, orders.PaymentInitiated, res.Payment.Status)
	assert.Equal(t, 4, e.store.Stock("tee-m"))

	o, err := e.store.Order(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, o.Status)

	st, err := e.svc.ApplyPaymentOutcome(ctx, res.OrderID, res.Payment.ID, payment.Success("late-ref"))
	require.NoError(t, err)
	assert.True(t, st.Changed)
	assert.Equal(t, orders.StatusPaid, st.To)

	again, err := e.svc.ApplyPaymentOutcome(ctx, res.OrderID, res.Payment.ID, payment.Success("late-ref"))
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, 4, e.store.Stock("tee-m"), "replayed outcome touches no stock")

	o, err = e.store.Order(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, o.Status)
	assert.Equal(t, "late-ref", o.Payments[0].Reference)

	paid := 0
	for _, topic := range e.pub.Topics() {
		if topic == orders.TopicOrderPaid {
			paid++
		}
	}
	assert.Equal(t, 1, paid)
}

func TestLateSuccessAfterFailureIsRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.gw.Outcome = payment.Decline("card_declined")

	res, err := e.svc.Checkout(ctx, request("u1", line("sock", "", 1)))
	require.NoError(t, err)
	require.Equal(t, orders.StatusFailed, res.OrderStatus)

	_, err = e.svc.ApplyPaymentOutcome(ctx, res.OrderID, res.Payment.ID, payment.Success("x"))
	var ite *orders.InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, orders.StatusFailed, ite.From)

	_, err = e.svc.ApplyPaymentOutcome(ctx, res.OrderID, "no-such-attempt", payment.Decline("x"))
	assert.ErrorIs(t, err, checkout.ErrPaymentNotFound)
}

func TestCheckoutInsufficientStockIsAllOrNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.store.AddToCart("u1", cart.Line{ProductID: "tee", VariantID: "tee-m", Quantity: 2})

	_, err := e.svc.Checkout(ctx, request("u1", line("tee", "tee-m", 2), line("cap", "", 1)))
	var ise *checkout.InsufficientStockError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, "cap", ise.ProductID)
	assert.Equal(t, 1, ise.Requested)
	assert.Equal(t, 0, ise.Available)

	assert.Equal(t, 5, e.store.Stock("tee-m"))
	assert.Zero(t, e.store.OrderCount())
	assert.Len(t, e.store.Cart("u1"), 1, "cart untouched")
	assert.Zero(t, e.gw.ChargeCount())
	assert.Empty(t, e.pub.Topics())
}

func TestConcurrentCheckoutsForLastUnit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.svc.Checkout(ctx, request("u1", line("tee", "tee-l", 1)))
		}(i)
	}
	wg.Wait()

	var ok, short int
	for _, err := range errs {
		var ise *checkout.InsufficientStockError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &ise):
			short++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, short)
	assert.Equal(t, 0, e.store.Stock("tee-l"))
}

func TestCheckoutValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.Checkout(ctx, request("u1"))
	assert.ErrorIs(t, err, checkout.ErrEmptyCart)

	_, err = e.svc.Checkout(ctx, request("u1", line("gone", "", 1)))
	var upe *pricing.UnknownProductError
	assert.True(t, errors.As(err, &upe))

	_, err = e.svc.Checkout(ctx, request("u1", line("tee", "", 1)))
	assert.ErrorIs(t, err, checkout.ErrInvalidRequest)
	assert.ErrorIs(t, err, pricing.ErrVariantRequired)

	bad := request("u1", line("sock", "", 1))
	bad.Instrument.CardNumber = "1234"
	_, err = e.svc.Checkout(ctx, bad)
	assert.ErrorIs(t, err, checkout.ErrInvalidRequest)

	bad = request("u1", line("sock", "", 1))
	bad.Shipping.PostalCode = "1"
	_, err = e.svc.Checkout(ctx, bad)
	assert.ErrorIs(t, err, checkout.ErrInvalidRequest)

	bad = request("u1", line("sock", "", 1))
	bad.Billing = &orders.Address{FullName: "x"}
	_, err = e.svc.Checkout(ctx, bad)
	assert.ErrorIs(t, err, checkout.ErrInvalidRequest)

	_, err = e.svc.Checkout(ctx, request("", line("sock", "", 1)))
	assert.ErrorIs(t, err, checkout.ErrInvalidRequest)

	assert.Zero(t, e.store.OrderCount())
	assert.Equal(t, 10, e.store.Stock("sock-os"))
}

func TestCheckoutFallsBackToCart(t *testing.T) {
	e := newEnv(t)
	e.store.AddToCart("u1", cart.Line{ProductID: "sock", Quantity: 3})

	res, err := e.svc.Checkout(context.Background(), request("u1"))
	require.NoError(t, err)
	assert.Equal(t, "7.50", res.Total.StringFixed(2))
	assert.Equal(t, 7, e.store.Stock("sock-os"))
	assert.Empty(t, e.store.Cart("u1"))
}

func TestCheckoutStoreFailurePersistsNothing(t *testing.T) {
	e := newEnv(t)
	e.store.FailPlace = inventory.ErrUnavailable

	_, err := e.svc.Checkout(context.Background(), request("u1", line("sock", "", 1)))
	assert.ErrorIs(t, err, inventory.ErrUnavailable)
	assert.Zero(t, e.store.OrderCount())
	assert.Equal(t, 10, e.store.Stock("sock-os"))
	assert.Zero(t, e.gw.ChargeCount())
}

func TestCheckoutIdempotencyKeyReplays(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	req := request("u1", line("sock", "", 2))
	req.IdempotencyKey = "submit-1"

	first, err := e.svc.Checkout(ctx, req)
	require.NoError(t, err)
	second, err := e.svc.Checkout(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, second.OrderID)
	assert.True(t, second.Replayed)
	assert.Equal(t, orders.StatusPaid, second.OrderStatus)
	assert.Equal(t, first.Payment.ID, second.Payment.ID)
	assert.Equal(t, 1, e.gw.ChargeCount())
	assert.Equal(t, 8, e.store.Stock("sock-os"))

	other := request("u2", line("sock", "", 1))
	other.IdempotencyKey = "submit-1"
	third, err := e.svc.Checkout(ctx, other)
	require.NoError(t, err)
	assert.NotEqual(t, first.OrderID, third.OrderID, "keys are scoped per user")
}

func TestIdempotencyWithoutCacheUsesStore(t *testing.T) {
	e := newEnv(t)
	e.svc.Idem = nil
	ctx := context.Background()
	req := request("u1", line("sock", "", 1))
	req.IdempotencyKey = "k"

	first, err := e.svc.Checkout(ctx, req)
	require.NoError(t, err)
	second, err := e.svc.Checkout(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, 1, e.store.OrderCount())
}

func TestPriceChangeDoesNotTouchPlacedOrders(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	res, err := e.svc.Checkout(ctx, request("u1", line("sock", "", 2)))
	require.NoError(t, err)

	e.store.SetPrice("sock", "99.00")

	o, err := e.store.Order(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "5.00", o.Total.StringFixed(2))
	assert.Equal(t, "2.50", o.Lines[0].UnitPrice.StringFixed(2))
}

func TestReadPathsAndAccess(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a, err := e.svc.Checkout(ctx, request("u1", line("sock", "", 1)))
	require.NoError(t, err)
	b, err := e.svc.Checkout(ctx, request("u1", line("sock", "", 1)))
	require.NoError(t, err)
	_, err = e.svc.Checkout(ctx, request("u2", line("sock", "", 1)))
	require.NoError(t, err)

	mine, err := e.svc.MyOrders(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, b.OrderID, mine[0].ID, "newest first")
	assert.Equal(t, a.OrderID, mine[1].ID)
	assert.Len(t, mine[0].Payments, 1)

	none, err := e.svc.MyOrders(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, none)

	owner := checkout.Viewer{UserID: "u1", Role: checkout.RoleCustomer}
	stranger := checkout.Viewer{UserID: "u2", Role: checkout.RoleCustomer}
	seller := checkout.Viewer{UserID: "s1", Role: checkout.RoleSeller}
	admin := checkout.Viewer{UserID: "root", Role: checkout.RoleAdmin}

	_, err = e.svc.Order(ctx, owner, a.OrderID)
	assert.NoError(t, err)
	_, err = e.svc.Order(ctx, seller, a.OrderID)
	assert.NoError(t, err)
	_, err = e.svc.Order(ctx, stranger, a.OrderID)
	assert.ErrorIs(t, err, checkout.ErrForbidden)
	_, err = e.svc.Order(ctx, owner, "not-a-uuid")
	assert.ErrorIs(t, err, orders.ErrNotFound)

	sv, err := e.svc.OrderStatus(ctx, owner, a.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, sv.Status)
	_, err = e.svc.OrderStatus(ctx, stranger, a.OrderID)
	assert.ErrorIs(t, err, checkout.ErrForbidden)

	_, err = e.svc.AllOrders(ctx, owner, 0)
	assert.ErrorIs(t, err, checkout.ErrForbidden)
	all, err := e.svc.AllOrders(ctx, admin, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	all, err = e.svc.AllOrders(ctx, seller, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = e.svc.AdvanceStatus(ctx, owner, a.OrderID, orders.StatusShipped)
	assert.ErrorIs(t, err, checkout.ErrForbidden)
	shipped, err := e.svc.AdvanceStatus(ctx, admin, a.OrderID, orders.StatusShipped)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusShipped, shipped.Status)
	sv, err = e.svc.OrderStatus(ctx, owner, a.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusShipped, sv.Status, "status cache follows transitions")

	delivered, err := e.svc.AdvanceStatus(ctx, seller, a.OrderID, orders.StatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusDelivered, delivered.Status)
}

func TestAdvanceStatusCannotSettlePayment(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	admin := checkout.Viewer{UserID: "root", Role: checkout.RoleAdmin}
	e.gw.Err = context.DeadlineExceeded

	res, err := e.svc.Checkout(ctx, request("u1", line("tee", "tee-m", 1)))
	require.NoError(t, err)
	require.Equal(t, orders.StatusPending, res.OrderStatus)

	for _, to := range []orders.Status{orders.StatusPaid, orders.StatusFailed, orders.StatusPending} {
		_, err = e.svc.AdvanceStatus(ctx, admin, res.OrderID, to)
		var ite *orders.InvalidTransitionError
		require.ErrorAs(t, err, &ite, "target %s", to)
		assert.Equal(t, orders.StatusPending, ite.From)
		assert.Equal(t, to, ite.To)
	}

	o, err := e.store.Order(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.Equal(t, orders.PaymentInitiated, o.Payments[0].Status)

	// the provider's answer still lands
	st, err := e.svc.ApplyPaymentOutcome(ctx, res.OrderID, res.Payment.ID, payment.Decline("do_not_honor"))
	require.NoError(t, err)
	assert.Equal(t, orders.StatusFailed, st.To)
	assert.Equal(t, orders.PaymentFailed, st.Payment.Status)

	cancelled, err := e.svc.AdvanceStatus(ctx, admin, res.OrderID, orders.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, cancelled.Status)
	assert.Equal(t, 5, e.store.Stock("tee-m"))
}

func TestCheckoutTrimsOnlyPurchasedSizes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.store.AddToCart("u1", cart.Line{ProductID: "tee", VariantID: "tee-m", Quantity: 1})
	e.store.AddToCart("u1", cart.Line{ProductID: "tee", VariantID: "tee-l", Quantity: 1})
	e.store.AddToCart("u1", cart.Line{ProductID: "sock", Quantity: 2})

	_, err := e.svc.Checkout(ctx, request("u1", line("tee", "tee-m", 1), line("sock", "", 2)))
	require.NoError(t, err)
	assert.Equal(t, []cart.Line{{ProductID: "tee", VariantID: "tee-l", Quantity: 1}}, e.store.Cart("u1"))
}
