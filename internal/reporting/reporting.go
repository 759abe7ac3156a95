// Package reporting builds the read-only dashboards: order totals by status
// and the seller's stock overview. Nothing here writes to the store.
package reporting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-checkout-engine/internal/catalog"
	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/ariefcatur/go-checkout-engine/internal/postgres"
	"github.com/ariefcatur/go-checkout-engine/internal/redisx"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// StatusTotal is one row of the per-status rollup.
type StatusTotal struct {
	Status orders.Status
	Count  int64
	Amount decimal.Decimal
}

type OrderMetrics struct {
	TotalOrders int64                   `json:"totalOrders"`
	TotalAmount decimal.Decimal         `json:"totalAmount"`
	Revenue     decimal.Decimal         `json:"revenue"`
	ByStatus    map[orders.Status]int64 `json:"byStatus"`
}

// Summarize folds per-status rows into the metrics view. Every known status
// is present in ByStatus, zero when no order has it.
func Summarize(rows []StatusTotal) OrderMetrics {
	m := OrderMetrics{
		TotalAmount: decimal.Zero,
		Revenue:     decimal.Zero,
		ByStatus:    make(map[orders.Status]int64),
	}
	for _, s := range orders.Statuses() {
		m.ByStatus[s] = 0
	}
	for _, r := range rows {
		m.TotalOrders += r.Count
		m.TotalAmount = m.TotalAmount.Add(r.Amount)
		m.ByStatus[r.Status] += r.Count
		if r.Status.Revenue() {
			m.Revenue = m.Revenue.Add(r.Amount)
		}
	}
	return m
}

type OrderTotals interface {
	StatusTotals(ctx context.Context) ([]StatusTotal, error)
}

type ProductLister interface {
	ListProducts(ctx context.Context) ([]catalog.Product, error)
}

// SQLTotals computes the rollup in Postgres.
type SQLTotals struct{ DB postgres.DBTX }

func (s *SQLTotals) StatusTotals(ctx context.Context) ([]StatusTotal, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(total), 0)
		FROM orders GROUP BY status ORDER BY status`)
	if err != nil {
		return nil, fmt.Errorf("order totals: %w", err)
	}
	defer rows.Close()

	var out []StatusTotal
	for rows.Next() {
		var (
			t      StatusTotal
			status string
		)
		if err := rows.Scan(&status, &t.Count, &t.Amount); err != nil {
			return nil, err
		}
		t.Status = orders.Status(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Aggregator serves both reports, optionally through a short-lived Redis
// copy. Cache failures fall through to the source.
type Aggregator struct {
	Orders   OrderTotals
	Products ProductLister
	Cache    *redis.Client
	TTL      time.Duration
	Log      *slog.Logger
}

func (a *Aggregator) OrderMetrics(ctx context.Context) (OrderMetrics, error) {
	var m OrderMetrics
	if a.cached(ctx, redisx.KeyOrderMetrics, &m) {
		return m, nil
	}
	rows, err := a.Orders.StatusTotals(ctx)
	if err != nil {
		return OrderMetrics{}, err
	}
	m = Summarize(rows)
	a.store(ctx, redisx.KeyOrderMetrics, m)
	return m, nil
}

func (a *Aggregator) SellerInventory(ctx context.Context) (InventoryReport, error) {
	var rep InventoryReport
	if a.cached(ctx, redisx.KeySellerInventory, &rep) {
		return rep, nil
	}
	ps, err := a.Products.ListProducts(ctx)
	if err != nil {
		return InventoryReport{}, fmt.Errorf("list products: %w", err)
	}
	rep = BuildInventory(ps)
	a.store(ctx, redisx.KeySellerInventory, rep)
	return rep, nil
}

func (a *Aggregator) cached(ctx context.Context, key string, out any) bool {
	if a.Cache == nil || a.TTL <= 0 {
		return false
	}
	ok, err := redisx.GetJSON(ctx, a.Cache, key, out)
	if err != nil {
		a.logger().Warn("report cache read", "key", key, "err", err)
		return false
	}
	return ok
}

func (a *Aggregator) store(ctx context.Context, key string, v any) {
	if a.Cache == nil || a.TTL <= 0 {
		return
	}
	if err := redisx.SetJSON(ctx, a.Cache, key, v, a.TTL); err != nil {
		a.logger().Warn("report cache write", "key", key, "err", err)
	}
}

func (a *Aggregator) logger() *slog.Logger {
	if a.Log == nil {
		return slog.Default()
	}
	return a.Log
}
