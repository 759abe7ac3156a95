package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-checkout-engine/internal/cart"
	"github.com/ariefcatur/go-checkout-engine/internal/inventory"
	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/ariefcatur/go-checkout-engine/internal/postgres"
	"github.com/jackc/pgx/v5"
)

// Settlement describes what applying a payment outcome or an administrative
// transition did to an order.
type Settlement struct {
	OrderID  string
	From     orders.Status
	To       orders.Status
	Changed  bool
	Payment  *orders.Payment
	Released []inventory.Line
}

// Store is the transactional boundary of checkout. Each method is one atomic unit.
type Store interface {
	// PlaceOrder reserves stock, writes the PENDING order with its lines and
	// drops the purchased products from the user's cart. A rejected
	// reservation persists nothing.
	PlaceOrder(ctx context.Context, o *orders.Order, lines []inventory.Line) (inventory.Result, error)
	StartPayment(ctx context.Context, p *orders.Payment) error
	// SettlePayment completes the attempt (if still INITIATED) and moves the
	// order to the matching status, guarded by the lifecycle rules.
	SettlePayment(ctx context.Context, orderID string, p *orders.Payment, to orders.Status) (Settlement, error)
	// Transition moves an order; CANCELLED releases its reserved stock.
	Transition(ctx context.Context, orderID string, to orders.Status) (Settlement, error)

	Order(ctx context.Context, id string) (orders.Order, error)
	OrderByIdempotencyKey(ctx context.Context, userID, key string) (orders.Order, error)
	OrdersByUser(ctx context.Context, userID string) ([]orders.Order, error)
	AllOrders(ctx context.Context, limit int) ([]orders.Order, error)
	LatestPayment(ctx context.Context, orderID string) (orders.Payment, error)
	StaleOrders(ctx context.Context, status orders.Status, before time.Time, limit int) ([]orders.Order, error)
}

// errRejected rolls back a reservation that came up short.
var errRejected = errors.New("reservation rejected")

// PGStore implements Store on Postgres. Writes go through the ledger so every
// transaction is SERIALIZABLE and retried on conflicts.
type PGStore struct {
	DB     postgres.Conn
	Ledger *inventory.Ledger
}

func (s *PGStore) PlaceOrder(ctx context.Context, o *orders.Order, lines []inventory.Line) (inventory.Result, error) {
	bought := make([]cart.Line, 0, len(lines))
	for _, l := range lines {
		bought = append(bought, cart.Line{ProductID: l.ProductID, VariantID: l.VariantID})
	}

	var res inventory.Result
	err := s.Ledger.Commit(ctx, func(tx pgx.Tx) error {
		var err error
		res, err = s.Ledger.ReserveAll(ctx, tx, o.ID, lines)
		if err != nil {
			return err
		}
		if !res.OK {
			return errRejected
		}
		if err := (&orders.Repo{DB: tx}).Insert(ctx, o); err != nil {
			if postgres.IsUniqueViolation(err, "orders_idempotency_key") {
				return ErrDuplicateSubmission
			}
			return err
		}
		_, err = (&cart.Repo{DB: tx}).RemovePurchased(ctx, o.UserID, bought)
		return err
	})
	if errors.Is(err, errRejected) {
		return res, nil
	}
	if err != nil {
		return inventory.Result{}, err
	}
	return res, nil
}

func (s *PGStore) StartPayment(ctx context.Context, p *orders.Payment) error {
	return (&orders.Repo{DB: s.DB}).InsertPayment(ctx, p)
}

func (s *PGStore) SettlePayment(ctx context.Context, orderID string, p *orders.Payment, to orders.Status) (Settlement, error) {
	var st Settlement
	err := s.Ledger.Commit(ctx, func(tx pgx.Tx) error {
		repo := &orders.Repo{DB: tx}
		from, err := repo.LockStatus(ctx, orderID)
		if err != nil {
			return err
		}
		changed, err := orders.Transition(from, to)
		if err != nil {
			return err
		}
		st = Settlement{OrderID: orderID, From: from, To: to, Changed: changed}

		if p != nil {
			cur, err := repo.GetPayment(ctx, p.ID)
			if err := attemptOf(cur, err, orderID, p.ID); err != nil {
				return err
			}
			if _, err := repo.CompletePayment(ctx, p); err != nil {
				return err
			}
			after, err := repo.GetPayment(ctx, p.ID)
			if err != nil {
				return err
			}
			st.Payment = &after
		}
		if changed {
			return repo.SetStatus(ctx, orderID, from, to)
		}
		return nil
	})
	return st, err
}

// attemptOf checks a loaded attempt belongs to the order. Lookup failures
// other than a missing row keep their cause so conflicts are retried.
func attemptOf(cur orders.Payment, err error, orderID, paymentID string) error {
	switch {
	case errors.Is(err, orders.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentID)
	case err != nil:
		return fmt.Errorf("load payment %s: %w", paymentID, err)
	case cur.OrderID != orderID:
		return fmt.Errorf("%w: %s belongs to another order", ErrPaymentNotFound, paymentID)
	}
	return nil
}

func (s *PGStore) Transition(ctx context.Context, orderID string, to orders.Status) (Settlement, error) {
	var st Settlement
	err := s.Ledger.Commit(ctx, func(tx pgx.Tx) error {
		repo := &orders.Repo{DB: tx}
		from, err := repo.LockStatus(ctx, orderID)
		if err != nil {
			return err
		}
		changed, err := orders.Transition(from, to)
		if err != nil {
			return err
		}
		st = Settlement{OrderID: orderID, From: from, To: to, Changed: changed}
		if !changed {
			return nil
		}
		if err := repo.SetStatus(ctx, orderID, from, to); err != nil {
			return err
		}
		if to == orders.StatusCancelled {
			st.Released, err = s.Ledger.ReleaseAll(ctx, tx, orderID)
		}
		return err
	})
	return st, err
}

func (s *PGStore) Order(ctx context.Context, id string) (orders.Order, error) {
	return (&orders.Repo{DB: s.DB}).Get(ctx, id)
}

func (s *PGStore) OrderByIdempotencyKey(ctx context.Context, userID, key string) (orders.Order, error) {
	return (&orders.Repo{DB: s.DB}).FindByIdempotencyKey(ctx, userID, key)
}

func (s *PGStore) OrdersByUser(ctx context.Context, userID string) ([]orders.Order, error) {
	return (&orders.Repo{DB: s.DB}).ListByUser(ctx, userID)
}

func (s *PGStore) AllOrders(ctx context.Context, limit int) ([]orders.Order, error) {
	return (&orders.Repo{DB: s.DB}).ListAll(ctx, limit)
}

func (s *PGStore) LatestPayment(ctx context.Context, orderID string) (orders.Payment, error) {
	return (&orders.Repo{DB: s.DB}).LatestPayment(ctx, orderID)
}

func (s *PGStore) StaleOrders(ctx context.Context, status orders.Status, before time.Time, limit int) ([]orders.Order, error) {
	return (&orders.Repo{DB: s.DB}).FindStale(ctx, status, before, limit)
}
