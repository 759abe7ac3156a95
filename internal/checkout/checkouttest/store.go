// Package checkouttest is an in-memory checkout.Store with catalog and cart,
// for tests that exercise orchestration without Postgres.
package checkouttest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-checkout-engine/internal/cart"
	"github.com/ariefcatur/go-checkout-engine/internal/catalog"
	"github.com/ariefcatur/go-checkout-engine/internal/checkout"
	"github.com/ariefcatur/go-checkout-engine/internal/inventory"
	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/ariefcatur/go-checkout-engine/internal/reporting"
)

type Store struct {
	mu sync.Mutex

	products map[string]catalog.Product
	stock    map[string]int
	carts    map[string][]cart.Line

	orders   map[string]*orders.Order
	seq      map[string]int
	payments map[string]*orders.Payment
	held     map[string][]inventory.Line
	next     int

	// FailPlace, when set, is returned by PlaceOrder before anything changes.
	FailPlace error
	// FailSettle, when set, is returned by SettlePayment before anything changes.
	FailSettle error
	Now       func() time.Time
}

var _ checkout.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		products: map[string]catalog.Product{},
		stock:    map[string]int{},
		carts:    map[string][]cart.Line{},
		orders:   map[string]*orders.Order{},
		seq:      map[string]int{},
		payments: map[string]*orders.Payment{},
		held:     map[string][]inventory.Line{},
	}
}

// AddProduct registers a product; variant stock comes from Variant.Stock.
func (s *Store) AddProduct(p catalog.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range p.Variants {
		v.ProductID = p.ID
		p.Variants[i] = v
		s.stock[v.ID] = v.Stock
	}
	s.products[p.ID] = p
}

func (s *Store) SetPrice(productID string, price string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.products[productID]
	p.Price = mustDecimal(price)
	s.products[productID] = p
}

func (s *Store) Stock(variantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock[variantID]
}

func (s *Store) Held(orderID string) []inventory.Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]inventory.Line(nil), s.held[orderID]...)
}

func (s *Store) AddToCart(userID string, l cart.Line) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[userID] = append(s.carts[userID], l)
}

func (s *Store) Cart(userID string) []cart.Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cart.Line(nil), s.carts[userID]...)
}

// Age moves an order's updated_at back by d.
func (s *Store) Age(orderID string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[orderID]; ok {
		o.UpdatedAt = o.UpdatedAt.Add(-d)
	}
}

func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// Products implements pricing.Catalog.
func (s *Store) Products(_ context.Context, ids []string) (map[string]catalog.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]catalog.Product{}
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

// ListProducts implements reporting.ProductLister.
func (s *Store) ListProducts(_ context.Context) ([]catalog.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]catalog.Product, 0, len(s.products))
	for _, p := range s.products {
		vs := make([]catalog.Variant, len(p.Variants))
		for i, v := range p.Variants {
			v.Stock = s.stock[v.ID]
			vs[i] = v
		}
		p.Variants = vs
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// StatusTotals implements reporting.OrderTotals.
func (s *Store) StatusTotals(_ context.Context) ([]reporting.StatusTotal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	by := map[orders.Status]*reporting.StatusTotal{}
	for _, o := range s.orders {
		t, ok := by[o.Status]
		if !ok {
			t = &reporting.StatusTotal{Status: o.Status}
			by[o.Status] = t
		}
		t.Count++
		t.Amount = t.Amount.Add(o.Total)
	}
	out := make([]reporting.StatusTotal, 0, len(by))
	for _, t := range by {
		out = append(out, *t)
	}
	return out, nil
}

// Lines implements checkout.CartReader.
func (s *Store) Lines(_ context.Context, userID string) ([]cart.Line, error) {
	return s.Cart(userID), nil
}

func (s *Store) PlaceOrder(_ context.Context, o *orders.Order, lines []inventory.Line) (inventory.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPlace != nil {
		return inventory.Result{}, s.FailPlace
	}
	if o.IdempotencyKey != "" {
		for _, x := range s.orders {
			if x.UserID == o.UserID && x.IdempotencyKey == o.IdempotencyKey {
				return inventory.Result{}, checkout.ErrDuplicateSubmission
			}
		}
	}

	want := map[string]inventory.Line{}
	var variants []string
	for _, l := range lines {
		if w, ok := want[l.VariantID]; ok {
			w.Qty += l.Qty
			want[l.VariantID] = w
			continue
		}
		want[l.VariantID] = l
		variants = append(variants, l.VariantID)
	}
	sort.Strings(variants)

	var rejected []inventory.Shortfall
	for _, id := range variants {
		l := want[id]
		if have := s.stock[id]; have < l.Qty {
			rejected = append(rejected, inventory.Shortfall{ProductID: l.ProductID, VariantID: id, Requested: l.Qty, Available: have})
		}
	}
	if len(rejected) > 0 {
		return inventory.Result{Rejected: rejected}, nil
	}

	for _, id := range variants {
		l := want[id]
		s.stock[id] -= l.Qty
		s.held[o.ID] = append(s.held[o.ID], l)
	}
	now := s.now()
	o.CreatedAt, o.UpdatedAt = now, now
	cp := *o
	cp.Lines = append([]orders.Line(nil), o.Lines...)
	s.orders[o.ID] = &cp
	s.next++
	s.seq[o.ID] = s.next

	bought := map[string]bool{}
	for _, l := range lines {
		bought[l.ProductID+"/"+l.VariantID] = true
	}
	var kept []cart.Line
	for _, l := range s.carts[o.UserID] {
		variant := l.VariantID
		if variant == "" && len(s.products[l.ProductID].Variants) == 1 {
			variant = s.products[l.ProductID].Variants[0].ID
		}
		if !bought[l.ProductID+"/"+variant] {
			kept = append(kept, l)
		}
	}
	s.carts[o.UserID] = kept
	return inventory.Result{OK: true}, nil
}

func (s *Store) StartPayment(_ context.Context, p *orders.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[p.OrderID]; !ok {
		return orders.ErrNotFound
	}
	attempt := 1
	for _, x := range s.payments {
		if x.OrderID == p.OrderID && x.Attempt >= attempt {
			attempt = x.Attempt + 1
		}
	}
	if p.Status == "" {
		p.Status = orders.PaymentInitiated
	}
	p.Attempt = attempt
	p.CreatedAt, p.UpdatedAt = s.now(), s.now()
	cp := *p
	s.payments[p.ID] = &cp
	return nil
}

func (s *Store) SettlePayment(_ context.Context, orderID string, p *orders.Payment, to orders.Status) (checkout.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSettle != nil {
		return checkout.Settlement{}, s.FailSettle
	}
	o, ok := s.orders[orderID]
	if !ok {
		return checkout.Settlement{}, orders.ErrNotFound
	}
	changed, err := orders.Transition(o.Status, to)
	if err != nil {
		return checkout.Settlement{}, err
	}
	st := checkout.Settlement{OrderID: orderID, From: o.Status, To: to, Changed: changed}
	if p != nil {
		cur, ok := s.payments[p.ID]
		if !ok || cur.OrderID != orderID {
			return checkout.Settlement{}, fmt.Errorf("%w: %s", checkout.ErrPaymentNotFound, p.ID)
		}
		if cur.Status == orders.PaymentInitiated {
			cur.Status, cur.Reference, cur.Reason = p.Status, p.Reference, p.Reason
			cur.Metadata.Outcome = p.Metadata.Outcome
			cur.UpdatedAt = s.now()
		}
		after := *cur
		st.Payment = &after
	}
	if changed {
		o.Status = to
		o.UpdatedAt = s.now()
	}
	return st, nil
}

func (s *Store) Transition(_ context.Context, orderID string, to orders.Status) (checkout.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return checkout.Settlement{}, orders.ErrNotFound
	}
	changed, err := orders.Transition(o.Status, to)
	if err != nil {
		return checkout.Settlement{}, err
	}
	st := checkout.Settlement{OrderID: orderID, From: o.Status, To: to, Changed: changed}
	if !changed {
		return st, nil
	}
	o.Status = to
	o.UpdatedAt = s.now()
	if to == orders.StatusCancelled {
		for _, l := range s.held[orderID] {
			s.stock[l.VariantID] += l.Qty
		}
		st.Released = s.held[orderID]
		delete(s.held, orderID)
	}
	return st, nil
}

func (s *Store) Order(_ context.Context, id string) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	return s.snapshot(o), nil
}

func (s *Store) OrderByIdempotencyKey(_ context.Context, userID, key string) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.UserID == userID && o.IdempotencyKey == key {
			return s.snapshot(o), nil
		}
	}
	return orders.Order{}, orders.ErrNotFound
}

func (s *Store) OrdersByUser(_ context.Context, userID string) ([]orders.Order, error) {
	return s.list(func(o *orders.Order) bool { return o.UserID == userID }, 0), nil
}

func (s *Store) AllOrders(_ context.Context, limit int) ([]orders.Order, error) {
	return s.list(func(*orders.Order) bool { return true }, limit), nil
}

func (s *Store) LatestPayment(_ context.Context, orderID string) (orders.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.paymentsOf(orderID)
	if len(ps) == 0 {
		return orders.Payment{}, orders.ErrNotFound
	}
	return ps[len(ps)-1], nil
}

func (s *Store) StaleOrders(_ context.Context, status orders.Status, before time.Time, limit int) ([]orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orders.Order
	for _, o := range s.orders {
		if o.Status == status && o.UpdatedAt.Before(before) {
			out = append(out, s.snapshot(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) list(keep func(*orders.Order) bool, limit int) []orders.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []orders.Order{}
	for _, o := range s.orders {
		if keep(o) {
			out = append(out, s.snapshot(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] > s.seq[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) snapshot(o *orders.Order) orders.Order {
	cp := *o
	cp.Lines = append([]orders.Line{}, o.Lines...)
	cp.Payments = s.paymentsOf(o.ID)
	return cp
}

func (s *Store) paymentsOf(orderID string) []orders.Payment {
	out := []orders.Payment{}
	for _, p := range s.payments {
		if p.OrderID == orderID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
