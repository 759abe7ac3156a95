// Package inventory owns per-variant stock. Reservations run inside the
// caller's transaction so the decrement commits or rolls back together with
// the order that caused it.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ariefcatur/go-checkout-engine/internal/postgres"
	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
)

// ErrUnavailable: the store kept aborting the transaction (serialization
// failures or deadlocks) and the retry budget ran out.
var ErrUnavailable = errors.New("inventory unavailable, retries exhausted")

type Line struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId"`
	Qty       int    `json:"qty"`
}

type Shortfall struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// Result is either OK (every line reserved) or the list of lines that could
// not be covered. A rejected result leaves decrements in the transaction; the
// caller must roll it back.
type Result struct {
	OK       bool
	Rejected []Shortfall
}

type Ledger struct {
	DB         postgres.Conn
	MaxRetries int
	// OnRetry is called before each retry of a conflicted transaction.
	OnRetry func(err error, wait time.Duration)
}

// Commit runs fn in one SERIALIZABLE transaction, retrying the whole function
// on serialization failures and deadlocks. fn must be safe to run again.
func (l *Ledger) Commit(ctx context.Context, fn func(tx pgx.Tx) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 200 * time.Millisecond
	retries := l.MaxRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)

	op := func() error {
		err := l.runTx(ctx, fn)
		if err == nil || postgres.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		if l.OnRetry != nil {
			l.OnRetry(err, wait)
		}
	}

	err := backoff.RetryNotify(op, policy, notify)
	if err != nil && postgres.IsRetryable(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (l *Ledger) runTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ReserveAll locks every variant (in id order, so concurrent batches cannot
// deadlock on each other), decrements stock where it covers the request and
// records a RESERVED row per variant. All shortfalls are reported, not just
// the first.
func (l *Ledger) ReserveAll(ctx context.Context, tx pgx.Tx, orderID string, lines []Line) (Result, error) {
	var rejects []Shortfall
	for _, it := range merge(lines) {
		var productID string
		var stock int
		err := tx.QueryRow(ctx, `SELECT product_id, stock FROM product_variants WHERE id=$1 FOR UPDATE`, it.VariantID).
			Scan(&productID, &stock)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && productID != it.ProductID) {
			rejects = append(rejects, Shortfall{ProductID: it.ProductID, VariantID: it.VariantID, Requested: it.Qty})
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("lock variant %s: %w", it.VariantID, err)
		}
		if stock < it.Qty {
			rejects = append(rejects, Shortfall{ProductID: it.ProductID, VariantID: it.VariantID, Requested: it.Qty, Available: stock})
			continue
		}

		ct, err := tx.Exec(ctx, `
			UPDATE product_variants
			SET stock = stock - $2, version = version + 1, updated_at = now()
			WHERE id=$1 AND stock >= $2`, it.VariantID, it.Qty)
		if err != nil {
			return Result{}, fmt.Errorf("decrement variant %s: %w", it.VariantID, err)
		}
		if ct.RowsAffected() != 1 {
			rejects = append(rejects, Shortfall{ProductID: it.ProductID, VariantID: it.VariantID, Requested: it.Qty, Available: stock})
			continue
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO reservations(order_id, variant_id, product_id, qty, status)
			VALUES ($1,$2,$3,$4,'RESERVED')
			ON CONFLICT (order_id, variant_id) DO NOTHING`,
			orderID, it.VariantID, it.ProductID, it.Qty); err != nil {
			return Result{}, fmt.Errorf("record reservation: %w", err)
		}
	}

	if len(rejects) > 0 {
		return Result{OK: false, Rejected: rejects}, nil
	}
	return Result{OK: true}, nil
}

// ReleaseAll gives back every RESERVED line of the order and marks it
// RELEASED. Calling it again releases nothing.
func (l *Ledger) ReleaseAll(ctx context.Context, tx pgx.Tx, orderID string) ([]Line, error) {
	rows, err := tx.Query(ctx, `
		SELECT product_id, variant_id, qty FROM reservations
		WHERE order_id=$1 AND status='RESERVED'
		ORDER BY variant_id
		FOR UPDATE`, orderID)
	if err != nil {
		return nil, err
	}
	var released []Line
	for rows.Next() {
		var x Line
		if err := rows.Scan(&x.ProductID, &x.VariantID, &x.Qty); err != nil {
			rows.Close()
			return nil, err
		}
		released = append(released, x)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, x := range released {
		if _, err := tx.Exec(ctx, `
			UPDATE product_variants
			SET stock = stock + $2, version = version + 1, updated_at = now()
			WHERE id=$1`, x.VariantID, x.Qty); err != nil {
			return nil, fmt.Errorf("restore variant %s: %w", x.VariantID, err)
		}
	}
	if len(released) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE reservations SET status='RELEASED', updated_at=now()
			WHERE order_id=$1 AND status='RESERVED'`, orderID); err != nil {
			return nil, err
		}
	}
	return released, nil
}

// Reserved lists the lines currently held for an order.
func (l *Ledger) Reserved(ctx context.Context, orderID string) ([]Line, error) {
	rows, err := l.DB.Query(ctx, `
		SELECT product_id, variant_id, qty FROM reservations
		WHERE order_id=$1 AND status='RESERVED' ORDER BY variant_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Line
	for rows.Next() {
		var x Line
		if err := rows.Scan(&x.ProductID, &x.VariantID, &x.Qty); err != nil {
			return nil, err
		}
		out = append(out, x)
	}
	return out, rows.Err()
}

// Levels reads current stock per variant. Unknown ids are absent.
func (l *Ledger) Levels(ctx context.Context, variantIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(variantIDs))
	if len(variantIDs) == 0 {
		return out, nil
	}
	rows, err := l.DB.Query(ctx, `SELECT id, stock FROM product_variants WHERE id::text = ANY($1)`, variantIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var stock int
		if err := rows.Scan(&id, &stock); err != nil {
			return nil, err
		}
		out[id] = stock
	}
	return out, rows.Err()
}

// merge folds lines for the same variant together and sorts by variant id.
func merge(lines []Line) []Line {
	byVariant := make(map[string]int, len(lines))
	out := make([]Line, 0, len(lines))
	for _, it := range lines {
		if i, ok := byVariant[it.VariantID]; ok {
			out[i].Qty += it.Qty
			continue
		}
		byVariant[it.VariantID] = len(out)
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out
}
