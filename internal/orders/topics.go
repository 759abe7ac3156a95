package orders

const (
	TopicOrderCreated       = "order.created"
	TopicOrderPaid          = "order.paid"
	TopicOrderFailed        = "order.failed"
	TopicOrderCancelled     = "order.cancelled"
	TopicOrderStatusChanged = "order.status_changed"

	// inbound: provider callbacks relayed by the payment edge
	TopicPaymentOutcome = "payment.outcome"
)

// Partition key = order_id so every event of one order keeps its order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }

// TopicFor picks the topic announcing that an order entered status s.
func TopicFor(s Status) string {
	switch s {
	case StatusPaid:
		return TopicOrderPaid
	case StatusFailed:
		return TopicOrderFailed
	case StatusCancelled:
		return TopicOrderCancelled
	default:
		return TopicOrderStatusChanged
	}
}
