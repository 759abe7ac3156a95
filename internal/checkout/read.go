package checkout

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/google/uuid"
)

type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleSeller   Role = "SELLER"
	RoleAdmin    Role = "ADMIN"
)

// Viewer is the authenticated caller as resolved by the edge.
type Viewer struct {
	UserID string
	Role   Role
}

// CanSeeAll: admins and sellers may read any order and move it through
// fulfilment.
func (v Viewer) CanSeeAll() bool { return v.Role == RoleAdmin || v.Role == RoleSeller }

// MyOrders lists the user's orders newest first, with lines and attempts.
func (s *Service) MyOrders(ctx context.Context, userID string) ([]orders.Order, error) {
	out, err := s.Store.OrdersByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	if out == nil {
		out = []orders.Order{}
	}
	return out, nil
}

// Order returns one order if the viewer owns it or may see all orders.
func (s *Service) Order(ctx context.Context, v Viewer, id string) (orders.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return orders.Order{}, orders.ErrNotFound
	}
	o, err := s.Store.Order(ctx, id)
	if err != nil {
		return orders.Order{}, err
	}
	if o.UserID != v.UserID && !v.CanSeeAll() {
		return orders.Order{}, ErrForbidden
	}
	return o, nil
}

// OrderStatus serves status polling from the cache, falling back to the store.
func (s *Service) OrderStatus(ctx context.Context, v Viewer, id string) (orders.StatusView, error) {
	if s.Status != nil {
		if sv, ok, err := s.Status.Status(ctx, id); err == nil && ok {
			if sv.UserID != v.UserID && !v.CanSeeAll() {
				return orders.StatusView{}, ErrForbidden
			}
			return sv, nil
		}
	}
	o, err := s.Order(ctx, v, id)
	if err != nil {
		return orders.StatusView{}, err
	}
	sv := o.StatusView()
	s.cacheStatus(ctx, sv)
	return sv, nil
}

func (s *Service) AllOrders(ctx context.Context, v Viewer, limit int) ([]orders.Order, error) {
	if !v.CanSeeAll() {
		return nil, ErrForbidden
	}
	out, err := s.Store.AllOrders(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list all orders: %w", err)
	}
	if out == nil {
		out = []orders.Order{}
	}
	return out, nil
}

// manualTargets are the only states staff may set by hand. PAID and FAILED
// come from the payment outcome alone.
var manualTargets = map[orders.Status]bool{
	orders.StatusShipped:   true,
	orders.StatusDelivered: true,
	orders.StatusCancelled: true,
}

// AdvanceStatus is the staff status change (ship, deliver, cancel).
func (s *Service) AdvanceStatus(ctx context.Context, v Viewer, id string, to orders.Status) (orders.Order, error) {
	if !v.CanSeeAll() {
		return orders.Order{}, ErrForbidden
	}
	if _, err := uuid.Parse(id); err != nil {
		return orders.Order{}, orders.ErrNotFound
	}
	if !manualTargets[to] {
		o, err := s.Store.Order(ctx, id)
		if err != nil {
			return orders.Order{}, err
		}
		return orders.Order{}, &orders.InvalidTransitionError{From: o.Status, To: to}
	}
	if _, err := s.Transition(ctx, id, to, string(v.Role)+":"+v.UserID); err != nil {
		return orders.Order{}, err
	}
	return s.Store.Order(ctx, id)
}
