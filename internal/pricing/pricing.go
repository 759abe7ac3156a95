// Package pricing turns requested lines into a quote priced from the current
// catalog. It runs before any stock is touched.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-checkout-engine/internal/catalog"
	"github.com/shopspring/decimal"
)

var (
	ErrNoLines         = errors.New("no lines to price")
	ErrInvalidQuantity = errors.New("quantity must be positive")
	// ErrVariantRequired: the product comes in several sizes and the line named none.
	ErrVariantRequired = errors.New("variant required")
)

// UnknownProductError names a product (or a variant of it) that the catalog
// does not know.
type UnknownProductError struct {
	ProductID string
	VariantID string
}

func (e *UnknownProductError) Error() string {
	if e.VariantID != "" {
		return fmt.Sprintf("unknown product %s variant %s", e.ProductID, e.VariantID)
	}
	return fmt.Sprintf("unknown product %s", e.ProductID)
}

type Catalog interface {
	Products(ctx context.Context, ids []string) (map[string]catalog.Product, error)
}

// LineRequest is a line as the shopper sent it; VariantID may be empty.
type LineRequest struct {
	ProductID string `json:"productId" validate:"required"`
	VariantID string `json:"variantId,omitempty"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
}

type PricedLine struct {
	ProductID string
	VariantID string
	SizeLabel string
	Quantity  int
	UnitPrice decimal.Decimal
	Subtotal  decimal.Decimal
}

type Quote struct {
	Lines []PricedLine
	Total decimal.Decimal
}

// ProductIDs lists the distinct products in the quote.
func (q Quote) ProductIDs() []string {
	seen := map[string]bool{}
	var out []string
	for _, l := range q.Lines {
		if !seen[l.ProductID] {
			seen[l.ProductID] = true
			out = append(out, l.ProductID)
		}
	}
	return out
}

type Calculator struct {
	Catalog Catalog
}

// Price resolves each line to a variant, snapshots the current unit price and
// sums the total. Lines for the same variant are merged.
func (c *Calculator) Price(ctx context.Context, lines []LineRequest) (Quote, error) {
	if len(lines) == 0 {
		return Quote{}, ErrNoLines
	}
	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			return Quote{}, fmt.Errorf("%w: product %s quantity %d", ErrInvalidQuantity, l.ProductID, l.Quantity)
		}
		ids = append(ids, l.ProductID)
	}

	products, err := c.Catalog.Products(ctx, ids)
	if err != nil {
		return Quote{}, fmt.Errorf("load catalog: %w", err)
	}

	q := Quote{Total: decimal.Zero}
	index := map[string]int{}
	for _, l := range lines {
		p, ok := products[l.ProductID]
		if !ok {
			return Quote{}, &UnknownProductError{ProductID: l.ProductID}
		}
		v, err := resolveVariant(p, l.VariantID)
		if err != nil {
			return Quote{}, err
		}

		if i, ok := index[v.ID]; ok {
			q.Lines[i].Quantity += l.Quantity
			q.Lines[i].Subtotal = q.Lines[i].UnitPrice.Mul(decimal.NewFromInt(int64(q.Lines[i].Quantity)))
		} else {
			index[v.ID] = len(q.Lines)
			q.Lines = append(q.Lines, PricedLine{
				ProductID: p.ID,
				VariantID: v.ID,
				SizeLabel: v.SizeLabel,
				Quantity:  l.Quantity,
				UnitPrice: p.Price,
				Subtotal:  p.Price.Mul(decimal.NewFromInt(int64(l.Quantity))),
			})
		}
	}
	for _, l := range q.Lines {
		q.Total = q.Total.Add(l.Subtotal)
	}
	return q, nil
}

func resolveVariant(p catalog.Product, variantID string) (catalog.Variant, error) {
	if variantID != "" {
		v, ok := p.Variant(variantID)
		if !ok {
			return catalog.Variant{}, &UnknownProductError{ProductID: p.ID, VariantID: variantID}
		}
		return v, nil
	}
	switch len(p.Variants) {
	case 1:
		return p.Variants[0], nil
	case 0:
		return catalog.Variant{}, &UnknownProductError{ProductID: p.ID}
	default:
		return catalog.Variant{}, fmt.Errorf("%w: product %s has %d sizes", ErrVariantRequired, p.ID, len(p.Variants))
	}
}
