// Package cart reads and trims the shopper's cart snapshot.
package cart

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-checkout-engine/internal/postgres"
)

type Line struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId,omitempty"`
	Quantity  int    `json:"quantity"`
}

type Repo struct{ DB postgres.DBTX }

func (r *Repo) Lines(ctx context.Context, userID string) ([]Line, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT product_id, COALESCE(variant_id::text, ''), quantity
		FROM cart_items WHERE user_id=$1
		ORDER BY created_at, product_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ProductID, &l.VariantID, &l.Quantity); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Add puts qty units in the cart, adding to an existing line for the same item.
func (r *Repo) Add(ctx context.Context, userID string, l Line) error {
	if l.Quantity <= 0 {
		return fmt.Errorf("cart quantity must be positive, got %d", l.Quantity)
	}
	var variant *string
	if l.VariantID != "" {
		variant = &l.VariantID
	}
	_, err := r.DB.Exec(ctx, `
		INSERT INTO cart_items(user_id, product_id, variant_id, quantity)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT ON CONSTRAINT cart_items_line_key
		DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity`,
		userID, l.ProductID, variant, l.Quantity)
	return err
}

// RemovePurchased drops the cart lines matching the bought (product,
// variant) pairs. A line saved without a variant goes too when its product has
// only the one variant, since that is what it resolved to. Other sizes of the
// same product stay. Checkout calls it inside the order transaction.
func (r *Repo) RemovePurchased(ctx context.Context, userID string, bought []Line) (int64, error) {
	if len(bought) == 0 {
		return 0, nil
	}
	products := make([]string, 0, len(bought))
	variants := make([]string, 0, len(bought))
	for _, l := range bought {
		products = append(products, l.ProductID)
		variants = append(variants, l.VariantID)
	}
	ct, err := r.DB.Exec(ctx, `
		DELETE FROM cart_items c
		USING unnest($2::text[], $3::text[]) AS b(product_id, variant_id)
		WHERE c.user_id = $1
		  AND c.product_id::text = b.product_id
		  AND (c.variant_id::text = b.variant_id
		       OR (c.variant_id IS NULL
		           AND (SELECT count(*) FROM product_variants v WHERE v.product_id = c.product_id) = 1))`,
		userID, products, variants)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}
