// Package reconcile resolves orders the checkout path could not finish: it
// asks the provider about PENDING orders whose charge went unanswered,
// expires the ones it never saw, and cancels FAILED orders after their hold
// so the reserved stock goes back on sale. It never charges.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ariefcatur/go-checkout-engine/internal/checkout"
	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/ariefcatur/go-checkout-engine/internal/payment"
	"github.com/ariefcatur/go-checkout-engine/internal/telemetry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ReasonExpired marks attempts the provider never confirmed in time.
const ReasonExpired = "expired"

type StatusChecker interface {
	Status(ctx context.Context, key string) (out payment.Outcome, found bool, err error)
}

type Worker struct {
	Service *checkout.Service
	Gateway StatusChecker
	// Limiter bounds provider status calls across the fan-out.
	Limiter *rate.Limiter

	Interval      time.Duration
	StuckAfter    time.Duration
	ExpireAfter   time.Duration
	FailedHoldTTL time.Duration
	Batch         int
	Concurrency   int

	Metrics *telemetry.Metrics
	Log     *slog.Logger
	Now     func() time.Time
}

type Report struct {
	Paid      int
	Failed    int
	Expired   int
	Cancelled int
	Skipped   int
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	w.Log.Info("reconciliation worker started", "interval", w.Interval)

	for {
		rep, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.Log.Error("reconciliation pass failed", "err", err)
		} else if rep != (Report{}) {
			w.Log.Info("reconciliation pass", "paid", rep.Paid, "failed", rep.Failed,
				"expired", rep.Expired, "cancelled", rep.Cancelled, "skipped", rep.Skipped)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce does one pass over stuck PENDING orders and expired FAILED holds.
func (w *Worker) RunOnce(ctx context.Context) (Report, error) {
	var (
		mu  sync.Mutex
		rep Report
	)
	count := func(result string) {
		mu.Lock()
		defer mu.Unlock()
		switch result {
		case "paid":
			rep.Paid++
		case "failed":
			rep.Failed++
		case "expired":
			rep.Expired++
		case "cancelled":
			rep.Cancelled++
		default:
			rep.Skipped++
		}
		w.Metrics.ReconciledOrder(result)
	}

	now := w.now()
	stuck, err := w.Service.Store.StaleOrders(ctx, orders.StatusPending, now.Add(-w.StuckAfter), w.batch())
	if err != nil {
		return rep, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency())
	for _, o := range stuck {
		g.Go(func() error {
			count(w.resolvePending(gctx, o, now))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}

	held, err := w.Service.Store.StaleOrders(ctx, orders.StatusFailed, now.Add(-w.FailedHoldTTL), w.batch())
	if err != nil {
		return rep, err
	}
	for _, o := range held {
		if _, err := w.Service.Transition(ctx, o.ID, orders.StatusCancelled, "failed hold expired"); err != nil {
			w.Log.Warn("cancel failed order", "order_id", o.ID, "err", err)
			count("skipped")
			continue
		}
		count("cancelled")
	}
	return rep, nil
}

func (w *Worker) resolvePending(ctx context.Context, o orders.Order, now time.Time) string {
	log := w.Log.With("order_id", o.ID, "step", "reconcile")
	expired := now.Sub(o.UpdatedAt) >= w.ExpireAfter

	att, err := w.Service.Store.LatestPayment(ctx, o.ID)
	if errors.Is(err, orders.ErrNotFound) {
		// the attempt row was never written, so nothing can have been charged
		if !expired {
			return "skipped"
		}
		if _, err := w.Service.Transition(ctx, o.ID, orders.StatusFailed, ReasonExpired); err != nil {
			log.Warn("expire order without attempt", "err", err)
			return "skipped"
		}
		return "expired"
	}
	if err != nil {
		log.Warn("load payment attempt", "err", err)
		return "skipped"
	}

	var out payment.Outcome
	switch att.Status {
	case orders.PaymentSucceeded:
		out = payment.Success(att.Reference)
	case orders.PaymentFailed:
		out = payment.Decline(att.Reason)
	default:
		if err := w.Limiter.Wait(ctx); err != nil {
			return "skipped"
		}
		known, found, err := w.Gateway.Status(ctx, att.ID)
		switch {
		case err != nil:
			log.Warn("provider status", "payment_id", att.ID, "err", err)
			return "skipped"
		case found:
			out = known
		case expired:
			out = payment.Decline(ReasonExpired)
		default:
			return "skipped"
		}
	}

	st, err := w.Service.ApplyPaymentOutcome(ctx, o.ID, att.ID, out)
	if err != nil {
		log.Error("apply reconciled outcome", "payment_id", att.ID, "err", err)
		return "skipped"
	}
	switch {
	case !st.Changed:
		return "skipped"
	case out.Reason == ReasonExpired:
		return "expired"
	case st.To == orders.StatusPaid:
		return "paid"
	default:
		return "failed"
	}
}

func (w *Worker) batch() int {
	if w.Batch <= 0 {
		return 100
	}
	return w.Batch
}

func (w *Worker) concurrency() int {
	if w.Concurrency <= 0 {
		return 4
	}
	return w.Concurrency
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}
