package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-checkout-engine/internal/postgres"
	"github.com/jackc/pgx/v5"
)

// Repo runs against a pool or, when DB is a pgx.Tx, inside the caller's transaction.
type Repo struct{ DB postgres.DBTX }

const orderColumns = `id, user_id, status, total, shipping_address, billing_address, payment_summary,
	COALESCE(idempotency_key, ''), created_at, updated_at`

// Insert writes the order and its lines. Prices come from the caller's quote
// and are written once.
func (r *Repo) Insert(ctx context.Context, o *Order) error {
	err := r.DB.QueryRow(ctx, `
		INSERT INTO orders(id, user_id, status, total, shipping_address, billing_address, payment_summary, idempotency_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		o.ID, o.UserID, string(o.Status), o.Total, o.Shipping, o.Billing, o.PaymentSummary, nullable(o.IdempotencyKey),
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, l := range o.Lines {
		if _, err := r.DB.Exec(ctx, `
			INSERT INTO order_items(order_id, product_id, variant_id, quantity, unit_price)
			VALUES ($1,$2,$3,$4,$5)`,
			o.ID, l.ProductID, l.VariantID, l.Quantity, l.UnitPrice,
		); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

// Get loads one order with its lines and payment attempts.
func (r *Repo) Get(ctx context.Context, id string) (Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
	if err != nil {
		return Order{}, err
	}
	out := []Order{o}
	if err := r.attach(ctx, out); err != nil {
		return Order{}, err
	}
	return out[0], nil
}

func (r *Repo) FindByIdempotencyKey(ctx context.Context, userID, key string) (Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE user_id=$1 AND idempotency_key=$2`, userID, key))
	if err != nil {
		return Order{}, err
	}
	out := []Order{o}
	if err := r.attach(ctx, out); err != nil {
		return Order{}, err
	}
	return out[0], nil
}

// ListByUser returns the user's orders, newest first.
func (r *Repo) ListByUser(ctx context.Context, userID string) ([]Order, error) {
	return r.list(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id=$1 ORDER BY created_at DESC, id`, userID)
}

func (r *Repo) ListAll(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC, id LIMIT $1`, limit)
}

// FindStale returns orders sitting in status since before the cutoff, oldest
// first, without lines or payments.
func (r *Repo) FindStale(ctx context.Context, status Status, before time.Time, limit int) ([]Order, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status=$1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`, string(status), before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// LockStatus reads the status and holds the row lock until the transaction ends.
func (r *Repo) LockStatus(ctx context.Context, id string) (Status, error) {
	var s string
	err := r.DB.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1 FOR UPDATE`, id).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return Status(s), nil
}

// SetStatus moves the order from -> to, guarded on the current status.
func (r *Repo) SetStatus(ctx context.Context, id string, from, to Status) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET status=$3, updated_at=now()
		WHERE id=$1 AND status=$2`, id, string(from), string(to))
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrStatusConflict
	}
	return nil
}

func (r *Repo) list(ctx context.Context, sql string, args ...any) ([]Order, error) {
	rows, err := r.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.attach(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// attach loads lines and payments for a page of orders in two queries.
func (r *Repo) attach(ctx context.Context, page []Order) error {
	if len(page) == 0 {
		return nil
	}
	ids := make([]string, len(page))
	for i := range page {
		ids[i] = page[i].ID
	}

	lines, err := r.linesFor(ctx, ids)
	if err != nil {
		return err
	}
	pays, err := r.PaymentsFor(ctx, ids)
	if err != nil {
		return err
	}
	for i := range page {
		page[i].Lines = lines[page[i].ID]
		page[i].Payments = pays[page[i].ID]
		if page[i].Lines == nil {
			page[i].Lines = []Line{}
		}
		if page[i].Payments == nil {
			page[i].Payments = []Payment{}
		}
	}
	return nil
}

func (r *Repo) linesFor(ctx context.Context, orderIDs []string) (map[string][]Line, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT order_id, product_id, variant_id, quantity, unit_price
		FROM order_items WHERE order_id = ANY($1)
		ORDER BY id`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]Line{}
	for rows.Next() {
		var oid string
		var l Line
		if err := rows.Scan(&oid, &l.ProductID, &l.VariantID, &l.Quantity, &l.UnitPrice); err != nil {
			return nil, err
		}
		out[oid] = append(out[oid], l)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	var status string
	err := row.Scan(&o.ID, &o.UserID, &status, &o.Total, &o.Shipping, &o.Billing, &o.PaymentSummary,
		&o.IdempotencyKey, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, err
	}
	o.Status = Status(status)
	return o, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
