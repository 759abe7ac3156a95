package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderCreated       = "OrderCreated"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventPaymentOutcome     = "PaymentOutcome"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

type ItemPrice struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id"`
	Qty       int    `json:"qty"`
	UnitPrice string `json:"unit_price"`
}

type OrderCreatedPayload struct {
	OrderID string      `json:"order_id"`
	UserID  string      `json:"user_id"`
	Items   []ItemPrice `json:"items"`
	Total   string      `json:"total"`
}

type StatusChangedPayload struct {
	OrderID string `json:"order_id"`
	From    Status `json:"from"`
	To      Status `json:"to"`
	Reason  string `json:"reason,omitempty"`
}

// PaymentOutcomePayload is what the provider callback relay publishes.
// Status is SUCCEEDED or DECLINED.
type PaymentOutcomePayload struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	Reference string `json:"reference,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func CreatedPayload(o Order) OrderCreatedPayload {
	items := make([]ItemPrice, 0, len(o.Lines))
	for _, l := range o.Lines {
		items = append(items, ItemPrice{
			ProductID: l.ProductID,
			VariantID: l.VariantID,
			Qty:       l.Quantity,
			UnitPrice: l.UnitPrice.StringFixed(2),
		})
	}
	return OrderCreatedPayload{OrderID: o.ID, UserID: o.UserID, Items: items, Total: o.Total.StringFixed(2)}
}
