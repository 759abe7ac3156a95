package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func Exists(ctx context.Context, rdb *redis.Client, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// FirstSeen marks id as processed by service and reports whether this call
// was the first to do so.
func FirstSeen(ctx context.Context, rdb *redis.Client, service, id string) (bool, error) {
	return rdb.SetNX(ctx, fmt.Sprintf(KeyDedup, service, id), "1", TTLDedup).Result()
}

// Forget undoes FirstSeen so a failed handler can be redelivered.
func Forget(ctx context.Context, rdb *redis.Client, service, id string) error {
	return rdb.Del(ctx, fmt.Sprintf(KeyDedup, service, id)).Err()
}

// GetJSON decodes key into out. ok is false on a cache miss.
func GetJSON(ctx context.Context, rdb *redis.Client, key string, out any) (ok bool, err error) {
	b, err := rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, err
	}
	return true, nil
}

func SetJSON(ctx context.Context, rdb *redis.Client, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, key, b, ttl).Err()
}

// Cache is the checkout fast path: idempotency shortcuts and order status.
// Postgres stays the source of truth for both.
type Cache struct {
	RDB *redis.Client
}

func (c *Cache) Lookup(ctx context.Context, userID, key string) (string, bool, error) {
	id, err := c.RDB.Get(ctx, fmt.Sprintf(KeyIdemCheckout, userID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (c *Cache) Remember(ctx context.Context, userID, key, orderID string) error {
	return c.RDB.Set(ctx, fmt.Sprintf(KeyIdemCheckout, userID, key), orderID, TTLIdempotency).Err()
}

func (c *Cache) Status(ctx context.Context, orderID string) (orders.StatusView, bool, error) {
	var v orders.StatusView
	ok, err := GetJSON(ctx, c.RDB, fmt.Sprintf(KeyOrderStatus, orderID), &v)
	return v, ok, err
}

func (c *Cache) PutStatus(ctx context.Context, v orders.StatusView) error {
	return SetJSON(ctx, c.RDB, fmt.Sprintf(KeyOrderStatus, v.OrderID), v, TTLStatusCache)
}

// Dedup remembers processed event ids for one consumer.
type Dedup struct {
	RDB     *redis.Client
	Service string
}

func (d *Dedup) FirstSeen(ctx context.Context, id string) (bool, error) {
	return FirstSeen(ctx, d.RDB, d.Service, id)
}

func (d *Dedup) Forget(ctx context.Context, id string) error {
	return Forget(ctx, d.RDB, d.Service, id)
}
