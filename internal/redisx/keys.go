package redisx

import "time"

const (
	// Checkout idempotency: idem:checkout:{user_id}:{key} -> order_id
	KeyIdemCheckout = "idem:checkout:%s:%s"

	// Cached order status: order_status:{order_id} -> {"order_id":..., "status": "...", "updated_at": "..."}
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Rolled-up order metrics for dashboards
	KeyOrderMetrics = "metrics:orders"

	// Seller inventory report
	KeySellerInventory = "metrics:seller_inventory"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
