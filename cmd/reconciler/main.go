package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-checkout-engine/internal/checkout"
	"github.com/ariefcatur/go-checkout-engine/internal/config"
	"github.com/ariefcatur/go-checkout-engine/internal/httpx"
	"github.com/ariefcatur/go-checkout-engine/internal/inventory"
	kafkax "github.com/ariefcatur/go-checkout-engine/internal/kafka"
	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/ariefcatur/go-checkout-engine/internal/payment"
	"github.com/ariefcatur/go-checkout-engine/internal/postgres"
	"github.com/ariefcatur/go-checkout-engine/internal/reconcile"
	"github.com/ariefcatur/go-checkout-engine/internal/redisx"
	"github.com/ariefcatur/go-checkout-engine/internal/telemetry"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	cfg.ServiceName = "checkout-reconciler"
	log := telemetry.NewLogger(os.Stdout, cfg.ServiceName, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	if err != nil {
		log.Error("db connect", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	cache := &redisx.Cache{RDB: rdb}

	prod := kafkax.NewProducer(cfg.KafkaBrokers, 256, log)
	prod.Start(ctx)

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg, cfg.ServiceName)

	// settle and cancel only: no pricing, no charging
	svc := &checkout.Service{
		Store:   &checkout.PGStore{DB: db, Ledger: &inventory.Ledger{DB: db, MaxRetries: cfg.ReserveMaxRetries}},
		Events:  prod,
		Status:  cache,
		Metrics: metrics,
		Log:     log,
		Name:    cfg.ServiceName,
	}

	if cfg.PaymentGateway != "http" {
		log.Warn("no remote gateway configured: unanswered charges can only expire", "gateway", cfg.PaymentGateway)
	}
	w := &reconcile.Worker{
		Service:       svc,
		Gateway:       remoteGateway(cfg),
		Limiter:       rate.NewLimiter(rate.Limit(cfg.ReconcileRPS), 1),
		Interval:      cfg.ReconcileInterval,
		StuckAfter:    cfg.ReconcileStuckAfter,
		ExpireAfter:   cfg.ReconcileExpireAfter,
		FailedHoldTTL: cfg.FailedHoldTTL,
		Metrics:       metrics,
		Log:           log,
	}
	callbacks := &reconcile.OutcomeHandler{
		Service: svc,
		Dedup:   &redisx.Dedup{RDB: rdb, Service: cfg.ServiceName},
		Log:     log,
	}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ServiceName, orders.TopicPaymentOutcome, 4, log)

	router := httpx.NewRouter(log, reg)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.Run(gctx)
		return nil
	})
	g.Go(func() error { return cons.Start(gctx, callbacks.Handle) })
	g.Go(func() error {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		log.Error("reconciler stopped", "err", err)
	}
	prod.Close()
	prod.WaitClosed()
	log.Info("reconciler exited")
}

// remoteGateway asks the provider over HTTP. Without one, a fresh simulated
// gateway knows no keys, so stuck attempts simply age out.
func remoteGateway(cfg config.Config) reconcile.StatusChecker {
	if cfg.PaymentGateway == "http" {
		return payment.NewHTTPGateway(cfg.PaymentGatewayURL, cfg.PaymentTimeout)
	}
	return payment.NewSimulated(payment.DefaultSimulatedConfig())
}
