// Package app wires every dependency together and runs the HTTP server.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/kapcdam/shop-api/internal/cache"
	"github.com/kapcdam/shop-api/internal/domain/auth"
	"github.com/kapcdam/shop-api/internal/domain/cart"
	"github.com/kapcdam/shop-api/internal/domain/coupon"
	"github.com/kapcdam/shop-api/internal/domain/order"
	"github.com/kapcdam/shop-api/internal/handler"
	"github.com/kapcdam/shop-api/internal/pesapal"
	"github.com/kapcdam/shop-api/internal/repository"
	"github.com/kapcdam/shop-api/pkg/health"
	"github.com/kapcdam/shop-api/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Read cache: redis when configured, no-op otherwise.
	var store cache.Store = cache.Noop{}
	healthSvc := health.New()
	if cfg.RedisURL != "" {
		rds, err := cache.NewRedis(cfg.RedisURL)
		if err != nil {
			return errors.Wrap(err, "create redis cache")
		}
		defer func() { _ = rds.Close() }()
		store = rds
		healthSvc.AddReadinessCheck("redis", 2*time.Second, health.PingCheck(rds))
	}

	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)

	// Payment gateway. The IPN registration is idempotent on the PesaPal
	// side; a pre-registered id from config skips the startup call.
	gateway := pesapal.NewClient(pesapal.ClientConfig{
		BaseURL:        cfg.Pesapal.BaseURL,
		ConsumerKey:    cfg.Pesapal.ConsumerKey,
		ConsumerSecret: cfg.Pesapal.ConsumerSecret,
	})
	notificationID := cfg.Pesapal.NotificationID
	if notificationID == "" && cfg.Pesapal.IPNURL != "" {
		notificationID, err = gateway.RegisterIPN(ctx, cfg.Pesapal.IPNURL)
		if err != nil {
			return errors.Wrap(err, "register pesapal ipn")
		}
		lg.Info("Registered PesaPal IPN", zap.String("notification_id", notificationID))
	}

	// Repositories.
	catalogRepo := repository.NewCatalogRepository(pool)
	cartRepo := repository.NewCartRepository(pool)
	orderRepo := repository.NewOrderRepository(pool)
	couponRepo := repository.NewCouponRepository(pool)
	zoneRepo := repository.NewZoneRepository(pool)
	tokenRepo := repository.NewTokenRepository(pool)

	// Domain services.
	couponValidator := coupon.NewRepoValidator(couponRepo)
	cartService := cart.NewService(cartRepo, catalogRepo, store)
	orderService := order.NewService(
		order.ServiceConfig{
			StageTimeout:   5 * time.Second,
			CallbackURL:    cfg.Pesapal.CallbackURL,
			NotificationID: notificationID,
		},
		cartRepo, catalogRepo, zoneRepo,
		couponValidator, couponValidator,
		orderRepo, gateway, store,
	)
	authenticator := auth.NewAuthenticator(tokenRepo, []byte(cfg.TokenPepper))

	// Background reconciliation of zero-item orders.
	go runSweeper(ctx, orderService, cfg.Sweep)

	h := handler.New(cartService, orderService, catalogRepo, authenticator, store, healthSvc)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(
			otelhttp.NewHandler(h.Routes(), "shop-api",
				otelhttp.WithTracerProvider(m.TracerProvider()),
				otelhttp.WithMeterProvider(m.MeterProvider()),
			),
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.LogRequests(),
		),
	}

	healthSvc.SetReady(true)

	// Graceful shutdown: drop readiness, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// runSweeper periodically cancels orders stuck in the zero-item state.
func runSweeper(ctx context.Context, orders *order.Service, cfg SweepConfig) {
	lg := zctx.From(ctx)
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := orders.SweepIncomplete(ctx, cfg.Grace)
			if err != nil {
				lg.Error("Incomplete order sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				lg.Info("Swept incomplete orders", zap.Int("count", n))
			}
		}
	}
}
