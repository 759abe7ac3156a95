package checkouttest

import (
	"context"
	"sync"

	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/ariefcatur/go-checkout-engine/internal/payment"
	"github.com/shopspring/decimal"
	kafkago "github.com/segmentio/kafka-go"
)

// Gateway answers every charge with Outcome, or Err when set. Calls are recorded.
type Gateway struct {
	mu      sync.Mutex
	Outcome payment.Outcome
	Err     error
	Known   map[string]payment.Outcome
	Charges []payment.ChargeRequest
}

func (g *Gateway) Charge(_ context.Context, req payment.ChargeRequest) (payment.Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Charges = append(g.Charges, req)
	if g.Err != nil {
		return payment.Outcome{}, g.Err
	}
	return g.Outcome, nil
}

func (g *Gateway) Status(_ context.Context, key string) (payment.Outcome, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out, ok := g.Known[key]
	return out, ok, nil
}

// Learn makes Status report out for key, as a provider that finished late would.
func (g *Gateway) Learn(key string, out payment.Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Known == nil {
		g.Known = map[string]payment.Outcome{}
	}
	g.Known[key] = out
}

func (g *Gateway) ChargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Charges)
}

type Message struct {
	Topic string
	Key   string
	Value []byte
}

// Publisher records published events.
type Publisher struct {
	mu   sync.Mutex
	Sent []Message
}

func (p *Publisher) Publish(topic string, key, value []byte, _ ...kafkago.Header) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Sent = append(p.Sent, Message{Topic: topic, Key: string(key), Value: value})
}

func (p *Publisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.Sent))
	for _, m := range p.Sent {
		out = append(out, m.Topic)
	}
	return out
}

// Cache is an in-memory idempotency and status cache.
type Cache struct {
	mu     sync.Mutex
	keys   map[string]string
	status map[string]orders.StatusView
}

func (c *Cache) Lookup(_ context.Context, userID, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.keys[userID+"/"+key]
	return id, ok, nil
}

func (c *Cache) Remember(_ context.Context, userID, key, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys == nil {
		c.keys = map[string]string{}
	}
	c.keys[userID+"/"+key] = orderID
	return nil
}

func (c *Cache) Status(_ context.Context, orderID string) (orders.StatusView, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.status[orderID]
	return v, ok, nil
}

func (c *Cache) PutStatus(_ context.Context, v orders.StatusView) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == nil {
		c.status = map[string]orders.StatusView{}
	}
	c.status[v.OrderID] = v
	return nil
}

func mustDecimal(s string) decimal.Decimal { return decimal.RequireFromString(s) }
