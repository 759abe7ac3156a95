package httpx

import (
	"net/http"

	"github.com/ariefcatur/go-checkout-engine/internal/checkout"
	"github.com/ariefcatur/go-checkout-engine/internal/reporting"
	"github.com/go-chi/chi/v5"
)

// ReportsHandler serves dashboards to sellers and admins.
type ReportsHandler struct {
	Reports *reporting.Aggregator
}

func (h *ReportsHandler) Register(r chi.Router) {
	r.Get("/metrics/orders", h.orderMetrics)
	r.Get("/seller/inventory", h.sellerInventory)
}

func (h *ReportsHandler) orderMetrics(w http.ResponseWriter, r *http.Request) {
	if !staff(w, r) {
		return
	}
	m, err := h.Reports.OrderMetrics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *ReportsHandler) sellerInventory(w http.ResponseWriter, r *http.Request) {
	if !staff(w, r) {
		return
	}
	rep, err := h.Reports.SellerInventory(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func staff(w http.ResponseWriter, r *http.Request) bool {
	v, ok := viewer(w, r)
	if !ok {
		return false
	}
	if !v.CanSeeAll() {
		writeError(w, checkout.ErrForbidden)
		return false
	}
	return true
}
