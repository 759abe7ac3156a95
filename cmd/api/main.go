package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-checkout-engine/internal/cart"
	"github.com/ariefcatur/go-checkout-engine/internal/catalog"
	"github.com/ariefcatur/go-checkout-engine/internal/checkout"
	"github.com/ariefcatur/go-checkout-engine/internal/config"
	"github.com/ariefcatur/go-checkout-engine/internal/httpx"
	"github.com/ariefcatur/go-checkout-engine/internal/inventory"
	kafkax "github.com/ariefcatur/go-checkout-engine/internal/kafka"
	"github.com/ariefcatur/go-checkout-engine/internal/payment"
	"github.com/ariefcatur/go-checkout-engine/internal/postgres"
	"github.com/ariefcatur/go-checkout-engine/internal/pricing"
	"github.com/ariefcatur/go-checkout-engine/internal/reconcile"
	"github.com/ariefcatur/go-checkout-engine/internal/redisx"
	"github.com/ariefcatur/go-checkout-engine/internal/reporting"
	"github.com/ariefcatur/go-checkout-engine/internal/telemetry"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := telemetry.NewLogger(os.Stdout, cfg.ServiceName, cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Error("tracer init", "err", err)
		os.Exit(1)
	}

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	if err != nil {
		log.Error("db connect", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Error("db migrate", "err", err)
		os.Exit(1)
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	cache := &redisx.Cache{RDB: rdb}

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start(ctx)

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg, cfg.ServiceName)

	gw, inProcess := newGateway(cfg)
	cat := &catalog.Repo{DB: db}
	svc := &checkout.Service{
		Store: &checkout.PGStore{DB: db, Ledger: &inventory.Ledger{
			DB:         db,
			MaxRetries: cfg.ReserveMaxRetries,
			OnRetry: func(err error, wait time.Duration) {
				metrics.RetriedReservation()
				log.Warn("reservation retry", "wait", wait, "err", err)
			},
		}},
		Pricing:  &pricing.Calculator{Catalog: cat},
		Payments: &payment.Adapter{Gateway: gw, Timeout: cfg.PaymentTimeout},
		Cart:     &cart.Repo{DB: db},
		Events:   prod,
		Idem:     cache,
		Status:   cache,
		Metrics:  metrics,
		Log:      log,
		Provider: cfg.PaymentProvider,
		Name:     cfg.ServiceName,
	}

	// The simulated provider keeps its ledger in this process, so only this
	// process can ask it about unanswered charges.
	if inProcess {
		w := &reconcile.Worker{
			Service:       svc,
			Gateway:       gw,
			Limiter:       rate.NewLimiter(rate.Limit(cfg.ReconcileRPS), 1),
			Interval:      cfg.ReconcileInterval,
			StuckAfter:    cfg.ReconcileStuckAfter,
			ExpireAfter:   cfg.ReconcileExpireAfter,
			FailedHoldTTL: cfg.FailedHoldTTL,
			Metrics:       metrics,
			Log:           log.With("component", "reconciler"),
		}
		go w.Run(ctx)
	}

	router := httpx.NewRouter(log, reg)
	(&httpx.OrdersHandler{Checkout: svc, CheckoutTimeout: cfg.PaymentTimeout + 10*time.Second}).Register(router)
	(&httpx.ReportsHandler{Reports: &reporting.Aggregator{
		Orders:   &reporting.SQLTotals{DB: db},
		Products: cat,
		Cache:    rdb,
		TTL:      cfg.MetricsCacheTTL,
		Log:      log,
	}}).Register(router)

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr, "gateway", cfg.PaymentGateway)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", "err", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close()
	cancel()
	prod.WaitClosed()
	_ = shutdownTracer(ctx2)
}

// newGateway reports whether the gateway lives in this process.
func newGateway(cfg config.Config) (payment.Gateway, bool) {
	if cfg.PaymentGateway == "http" {
		return payment.NewHTTPGateway(cfg.PaymentGatewayURL, cfg.PaymentTimeout), false
	}
	return payment.NewSimulated(payment.DefaultSimulatedConfig()), true
}
