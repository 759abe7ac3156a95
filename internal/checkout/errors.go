package checkout

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ariefcatur/go-checkout-engine/internal/inventory"
)

var (
	ErrEmptyCart      = errors.New("cart is empty")
	ErrInvalidRequest = errors.New("invalid checkout request")
	ErrForbidden      = errors.New("forbidden")
	// ErrDuplicateSubmission: another checkout with the same idempotency key won the insert.
	ErrDuplicateSubmission = errors.New("duplicate checkout submission")
	ErrPaymentNotFound     = errors.New("payment attempt not found for order")
)

// InsufficientStockError reports the first line that could not be covered;
// Shortfalls lists all of them.
type InsufficientStockError struct {
	ProductID  string
	VariantID  string
	Requested  int
	Available  int
	Shortfalls []inventory.Shortfall
}

func newInsufficientStock(rejected []inventory.Shortfall) *InsufficientStockError {
	e := &InsufficientStockError{Shortfalls: rejected}
	if len(rejected) > 0 {
		first := rejected[0]
		e.ProductID, e.VariantID, e.Requested, e.Available = first.ProductID, first.VariantID, first.Requested, first.Available
	}
	return e
}

func (e *InsufficientStockError) Error() string {
	if len(e.Shortfalls) <= 1 {
		return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
	}
	ids := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		ids = append(ids, s.ProductID)
	}
	return "insufficient stock for products " + strings.Join(ids, ", ")
}
