package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the checkout counters. A nil *Metrics records nothing, so
// components can be built without it in tests.
type Metrics struct {
	Checkouts         *prometheus.CounterVec
	CheckoutLatencyMS prometheus.Histogram
	PaymentOutcomes   *prometheus.CounterVec
	ReservationRetry  prometheus.Counter
	Reconciled        *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer, service string) *Metrics {
	m := &Metrics{
		Checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem:   "shop",
			Name:        "checkout_total",
			Help:        "Checkout attempts by outcome.",
			ConstLabels: prometheus.Labels{"service": service},
		}, []string{"outcome"}),
		CheckoutLatencyMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Subsystem:   "shop",
			Name:        "checkout_duration_ms",
			Help:        "Checkout latency in milliseconds, payment included.",
			ConstLabels: prometheus.Labels{"service": service},
			Buckets:     []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
		PaymentOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem:   "shop",
			Name:        "payment_outcomes_total",
			Help:        "Payment attempts by settled status.",
			ConstLabels: prometheus.Labels{"service": service},
		}, []string{"status"}),
		ReservationRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem:   "shop",
			Name:        "reservation_retries_total",
			Help:        "Reservation transactions retried after a serialization failure or deadlock.",
			ConstLabels: prometheus.Labels{"service": service},
		}),
		Reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem:   "shop",
			Name:        "reconciled_orders_total",
			Help:        "Orders touched by reconciliation, by result.",
			ConstLabels: prometheus.Labels{"service": service},
		}, []string{"result"}),
	}
	reg.MustRegister(m.Checkouts, m.CheckoutLatencyMS, m.PaymentOutcomes, m.ReservationRetry, m.Reconciled)
	return m
}

func (m *Metrics) CheckoutDone(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.Checkouts.WithLabelValues(outcome).Inc()
	m.CheckoutLatencyMS.Observe(float64(took.Milliseconds()))
}

func (m *Metrics) PaymentSettled(status string) {
	if m == nil {
		return
	}
	m.PaymentOutcomes.WithLabelValues(status).Inc()
}

func (m *Metrics) RetriedReservation() {
	if m == nil {
		return
	}
	m.ReservationRetry.Inc()
}

func (m *Metrics) ReconciledOrder(result string) {
	if m == nil {
		return
	}
	m.Reconciled.WithLabelValues(result).Inc()
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
