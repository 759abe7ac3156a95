package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ariefcatur/go-checkout-engine/internal/checkout"
	"github.com/ariefcatur/go-checkout-engine/internal/inventory"
	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/ariefcatur/go-checkout-engine/internal/pricing"
	"github.com/go-chi/chi/v5"
)

const (
	HeaderUserID         = "X-User-Id"
	HeaderUserRole       = "X-User-Role"
	HeaderIdempotencyKey = "Idempotency-Key"
)

type OrdersHandler struct {
	Checkout *checkout.Service
	// CheckoutTimeout bounds the whole checkout including the provider call.
	CheckoutTimeout time.Duration
}

type advanceStatusReq struct {
	Status string `json:"status"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/checkout", h.checkout)
	r.Get("/orders", h.allOrders)
	r.Get("/orders/my", h.myOrders)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getOrderStatus)
	r.Patch("/orders/{id}/status", h.advanceStatus)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// viewer reads the identity set by the upstream auth layer.
func viewer(w http.ResponseWriter, r *http.Request) (checkout.Viewer, bool) {
	v := checkout.Viewer{
		UserID: strings.TrimSpace(r.Header.Get(HeaderUserID)),
		Role:   checkout.Role(strings.ToUpper(strings.TrimSpace(r.Header.Get(HeaderUserRole)))),
	}
	if v.UserID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing " + HeaderUserID})
		return v, false
	}
	if v.Role == "" {
		v.Role = checkout.RoleCustomer
	}
	return v, true
}

func (h *OrdersHandler) checkout(w http.ResponseWriter, r *http.Request) {
	v, ok := viewer(w, r)
	if !ok {
		return
	}
	var req checkout.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	req.UserID = v.UserID
	req.IdempotencyKey = strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))

	ctx := r.Context()
	if h.CheckoutTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.CheckoutTimeout)
		defer cancel()
	}

	res, err := h.Checkout.Checkout(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusCreated
	switch {
	case res.Replayed:
		code = http.StatusOK
	case res.PaymentUnresolved:
		code = http.StatusAccepted
	}
	writeJSON(w, code, res)
}

func (h *OrdersHandler) myOrders(w http.ResponseWriter, r *http.Request) {
	v, ok := viewer(w, r)
	if !ok {
		return
	}
	out, err := h.Checkout.MyOrders(r.Context(), v.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) allOrders(w http.ResponseWriter, r *http.Request) {
	v, ok := viewer(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	out, err := h.Checkout.AllOrders(r.Context(), v, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	v, ok := viewer(w, r)
	if !ok {
		return
	}
	o, err := h.Checkout.Order(r.Context(), v, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// getOrderStatus is the cheap polling endpoint, served from Redis when warm.
func (h *OrdersHandler) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	v, ok := viewer(w, r)
	if !ok {
		return
	}
	sv, err := h.Checkout.OrderStatus(r.Context(), v, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sv)
}

func (h *OrdersHandler) advanceStatus(w http.ResponseWriter, r *http.Request) {
	v, ok := viewer(w, r)
	if !ok {
		return
	}
	var req advanceStatusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	to, err := orders.ParseStatus(strings.ToUpper(req.Status))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	o, err := h.Checkout.AdvanceStatus(r.Context(), v, chi.URLParam(r, "id"), to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	// set for insufficient stock
	Shortfalls []inventory.Shortfall `json:"shortfalls,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	var (
		stock   *checkout.InsufficientStockError
		unknown *pricing.UnknownProductError
		badMove *orders.InvalidTransitionError
	)
	switch {
	case errors.As(err, &stock):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "INSUFFICIENT_STOCK", Shortfalls: stock.Shortfalls})
	case errors.Is(err, checkout.ErrDuplicateSubmission):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "DUPLICATE_SUBMISSION"})
	case errors.As(err, &badMove), errors.Is(err, orders.ErrStatusConflict):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Code: "INVALID_TRANSITION"})
	case errors.As(err, &unknown):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "UNKNOWN_PRODUCT"})
	case errors.Is(err, checkout.ErrEmptyCart):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "EMPTY_CART"})
	case errors.Is(err, checkout.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "INVALID_REQUEST"})
	case errors.Is(err, orders.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "order not found", Code: "NOT_FOUND"})
	case errors.Is(err, checkout.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: err.Error(), Code: "FORBIDDEN"})
	case errors.Is(err, inventory.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily unavailable, retry", Code: "UNAVAILABLE"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: "INTERNAL"})
	}
}
