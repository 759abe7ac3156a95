// Package catalog is the read side of products and their size variants, plus
// the administrative writes (create, reprice, restock) used by seeding and tests.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-checkout-engine/internal/postgres"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("catalog entry not found")

type Product struct {
	ID        string          `json:"id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Variants  []Variant       `json:"variants"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type Variant struct {
	ID        string `json:"id"`
	ProductID string `json:"productId"`
	SizeLabel string `json:"sizeLabel"`
	Stock     int    `json:"stock"`
	Version   int64  `json:"version"`
}

// Variant returns the product's variant with the given id.
func (p Product) Variant(id string) (Variant, bool) {
	for _, v := range p.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

type Repo struct{ DB postgres.DBTX }

// Products loads the requested products with their variants, keyed by id.
// Missing ids are simply absent from the map.
func (r *Repo) Products(ctx context.Context, ids []string) (map[string]Product, error) {
	out := make(map[string]Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.DB.Query(ctx, `
		SELECT id, sku, name, price, created_at, updated_at
		FROM products WHERE id::text = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Price, &p.CreatedAt, &p.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		p.Variants = []Variant{}
		out[p.ID] = p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.attachVariants(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListProducts returns the whole catalog ordered by SKU.
func (r *Repo) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := r.DB.Query(ctx, `SELECT id, sku, name, price, created_at, updated_at FROM products ORDER BY sku`)
	if err != nil {
		return nil, err
	}
	byID := map[string]Product{}
	var order []string
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Price, &p.CreatedAt, &p.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		p.Variants = []Variant{}
		byID[p.ID] = p
		order = append(order, p.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.attachVariants(ctx, byID); err != nil {
		return nil, err
	}
	out := make([]Product, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

func (r *Repo) attachVariants(ctx context.Context, byID map[string]Product) error {
	if len(byID) == 0 {
		return nil
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	rows, err := r.DB.Query(ctx, `
		SELECT id, product_id, size_label, stock, version
		FROM product_variants WHERE product_id::text = ANY($1)
		ORDER BY product_id, size_label`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var v Variant
		if err := rows.Scan(&v.ID, &v.ProductID, &v.SizeLabel, &v.Stock, &v.Version); err != nil {
			return err
		}
		p := byID[v.ProductID]
		p.Variants = append(p.Variants, v)
		byID[v.ProductID] = p
	}
	return rows.Err()
}

// Create inserts the product and its variants, assigning ids where empty.
func (r *Repo) Create(ctx context.Context, p *Product) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	err := r.DB.QueryRow(ctx, `
		INSERT INTO products(id, sku, name, price) VALUES ($1,$2,$3,$4)
		RETURNING created_at, updated_at`, p.ID, p.SKU, p.Name, p.Price,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert product %s: %w", p.SKU, err)
	}
	for i := range p.Variants {
		v := &p.Variants[i]
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		v.ProductID = p.ID
		v.Version = 1
		if _, err := r.DB.Exec(ctx, `
			INSERT INTO product_variants(id, product_id, size_label, stock)
			VALUES ($1,$2,$3,$4)`, v.ID, p.ID, v.SizeLabel, v.Stock); err != nil {
			return fmt.Errorf("insert variant %s/%s: %w", p.SKU, v.SizeLabel, err)
		}
	}
	return nil
}

// SetPrice changes the catalog price. Placed orders keep their snapshot.
func (r *Repo) SetPrice(ctx context.Context, productID string, price decimal.Decimal) error {
	ct, err := r.DB.Exec(ctx, `UPDATE products SET price=$2, updated_at=now() WHERE id=$1`, productID, price)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

// Restock adds qty units to a variant.
func (r *Repo) Restock(ctx context.Context, variantID string, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("restock quantity must be positive, got %d", qty)
	}
	ct, err := r.DB.Exec(ctx, `
		UPDATE product_variants SET stock = stock + $2, version = version + 1, updated_at = now()
		WHERE id=$1`, variantID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}
