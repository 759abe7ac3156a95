package orders

import (
	"time"

	"github.com/ariefcatur/go-checkout-engine/internal/payment"
	"github.com/shopspring/decimal"
)

type Address struct {
	FullName   string `json:"fullName" validate:"required,max=120"`
	Line1      string `json:"line1" validate:"required,max=200"`
	Line2      string `json:"line2,omitempty" validate:"max=200"`
	PostalCode string `json:"postalCode" validate:"required,min=2,max=20"`
	City       string `json:"city" validate:"required,max=100"`
	Country    string `json:"country" validate:"required,max=100"`
	Phone      string `json:"phone" validate:"required,min=6,max=20"`
}

type Order struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	Status         Status          `json:"status"`
	Total          decimal.Decimal `json:"total"`
	Shipping       Address         `json:"shippingAddress"`
	Billing        Address         `json:"billingAddress"`
	PaymentSummary payment.Masked  `json:"paymentSummary"`
	IdempotencyKey string          `json:"-"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	Lines          []Line          `json:"lines"`
	Payments       []Payment       `json:"payments"`
}

// Line carries the unit price as it was at purchase; it is never repriced.
type Line struct {
	ProductID string          `json:"productId"`
	VariantID string          `json:"variantId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

type PaymentStatus string

const (
	PaymentInitiated PaymentStatus = "INITIATED"
	PaymentSucceeded PaymentStatus = "SUCCEEDED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// Payment is one charge attempt. Attempts are appended, never overwritten.
type Payment struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"orderId"`
	Attempt   int             `json:"attempt"`
	Provider  string          `json:"provider"`
	Status    PaymentStatus   `json:"status"`
	Reference string          `json:"reference,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Metadata  PaymentMetadata `json:"metadata"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type PaymentMetadata struct {
	Card    payment.Masked   `json:"card"`
	Outcome *payment.Outcome `json:"outcome,omitempty"`
}

// StatusFor maps a provider outcome to the order status and attempt status it settles to.
func StatusFor(out payment.Outcome) (Status, PaymentStatus) {
	if out.Succeeded() {
		return StatusPaid, PaymentSucceeded
	}
	return StatusFailed, PaymentFailed
}

// StatusView is the small, cacheable projection served to status polling.
type StatusView struct {
	OrderID   string    `json:"order_id"`
	UserID    string    `json:"user_id"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (o Order) StatusView() StatusView {
	return StatusView{OrderID: o.ID, UserID: o.UserID, Status: o.Status, UpdatedAt: o.UpdatedAt}
}
