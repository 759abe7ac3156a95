package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const paymentColumns = `id, order_id, attempt, provider, status, reference, reason, metadata, created_at, updated_at`

// InsertPayment appends an INITIATED attempt; the attempt number is the next
// one for the order.
func (r *Repo) InsertPayment(ctx context.Context, p *Payment) error {
	if p.Status == "" {
		p.Status = PaymentInitiated
	}
	err := r.DB.QueryRow(ctx, `
		INSERT INTO payments(id, order_id, attempt, provider, status, metadata)
		VALUES ($1, $2, (SELECT COALESCE(MAX(attempt), 0) + 1 FROM payments WHERE order_id=$2), $3, $4, $5)
		RETURNING attempt, created_at, updated_at`,
		p.ID, p.OrderID, p.Provider, string(p.Status), p.Metadata,
	).Scan(&p.Attempt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// CompletePayment settles an INITIATED attempt and stores the provider outcome
// next to the masked card. done is false when the attempt was already
// settled, which makes replays harmless.
func (r *Repo) CompletePayment(ctx context.Context, p *Payment) (done bool, err error) {
	err = r.DB.QueryRow(ctx, `
		UPDATE payments
		SET status=$2, reference=$3, reason=$4,
		    metadata = metadata || jsonb_build_object('outcome', $5::jsonb),
		    updated_at=now()
		WHERE id=$1 AND status='INITIATED'
		RETURNING metadata, updated_at`,
		p.ID, string(p.Status), p.Reference, p.Reason, p.Metadata.Outcome,
	).Scan(&p.Metadata, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("complete payment: %w", err)
	}
	return true, nil
}

func (r *Repo) GetPayment(ctx context.Context, id string) (Payment, error) {
	return scanPayment(r.DB.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1`, id))
}

// LatestPayment returns the most recent attempt for the order.
func (r *Repo) LatestPayment(ctx context.Context, orderID string) (Payment, error) {
	return scanPayment(r.DB.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE order_id=$1 ORDER BY attempt DESC LIMIT 1`, orderID))
}

// PaymentsFor groups every attempt of the given orders, oldest attempt first.
func (r *Repo) PaymentsFor(ctx context.Context, orderIDs []string) (map[string][]Payment, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE order_id = ANY($1)
		ORDER BY order_id, attempt`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out[p.OrderID] = append(out[p.OrderID], p)
	}
	return out, rows.Err()
}

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	var status string
	err := row.Scan(&p.ID, &p.OrderID, &p.Attempt, &p.Provider, &status, &p.Reference, &p.Reason,
		&p.Metadata, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, err
	}
	p.Status = PaymentStatus(status)
	return p, nil
}
