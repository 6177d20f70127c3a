package cmd

import (
	"context"
	"log"
	"log/slog"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pubnub "github.com/pubnub/go"

	"booking-engine/config"
	"booking-engine/internal/handlers"
	"booking-engine/internal/lockmgr"
	"booking-engine/internal/services"
	"booking-engine/internal/services/payment"
	"booking-engine/internal/services/payment/hypay"
	"booking-engine/internal/store"
	"booking-engine/internal/taskqueue"
	_ "booking-engine/migrations"
	"booking-engine/monitoring"
	"booking-engine/security"
	"booking-engine/utils"
)

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	// Initialize Redis
	redisClient := utils.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// User notifications over PubNub when configured, no-op otherwise.
	var notifier services.Notifier = services.NopNotifier{}
	if cfg.PubNubPublishKey != "" && cfg.PubNubSubscribeKey != "" {
		pnConfig := pubnub.NewConfig()
		pnConfig.PublishKey = cfg.PubNubPublishKey
		pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
		pnConfig.SecretKey = cfg.PubNubSecretKey

		notifier = services.NewPubNubNotifier(pubnub.NewPubNub(pnConfig))
	}

	// Payment gateway: HyPay when configured, sandbox otherwise.
	var gateway payment.Gateway
	if cfg.HyPayBaseURL != "" {
		hp, err := hypay.New(ctx, &hypay.Config{
			BaseURL:      cfg.HyPayBaseURL,
			MerchantID:   cfg.HyPayMerchantID,
			ClientID:     cfg.HyPayClientID,
			ClientSecret: cfg.HyPayClientSecret,
			HMACKey:      cfg.HyPayHMACKey,
			PNSubKey:     cfg.PubNubSubscribeKey,
			PNSubSecret:  cfg.PubNubSecretKey,
			PNUUID:       cfg.PubNubUUID,
			PNCipherKey:  cfg.PubNubCipherKey,
		})
		if err != nil {
			return err
		}
		gateway = hp
	} else {
		slog.Warn("payment: hypay not configured, using sandbox gateway")
		gateway = payment.NewSandboxGateway()
	}

	// Initialize services
	st := store.New(app)
	locks := lockmgr.New(redisClient)

	queue := taskqueue.NewRedisQueue(redisClient, "expiry")
	queue.PollInterval = cfg.ExpiryPollEvery

	breaker := payment.NewCircuitBreaker("gateway", cfg.BreakerMaxFailures, cfg.BreakerCooldown)
	adapter := payment.NewAdapter(gateway, redisClient, breaker, nil)
	adapter.Currency = cfg.Currency
	adapter.MaxAttempts = cfg.PaymentMaxAttempts
	adapter.BaseDelay = cfg.PaymentBaseDelay

	bookingService := services.NewBookingService(st, st, locks, queue, adapter, notifier, services.RealClock())
	bookingService.HoldTTL = cfg.HoldTTL
	bookingService.ConfirmedLockTTL = cfg.ConfirmedLockTTL
	adapter.SetFinalizer(bookingService)

	monitor := monitoring.NewMonitor()
	if cfg.EnableMetrics {
		bookingService.SetMonitor(monitor)
	}

	worker := services.NewExpiryWorker(queue, bookingService, services.RealClock())
	if cfg.EnableMetrics {
		worker.SetMonitor(monitor)
	}

	// Initialize handlers
	bookingHandler := handlers.NewBookingHandler(bookingService)
	paymentHandler := handlers.NewPaymentHandler(adapter, cfg.PaymentWebhookHMACKey, cfg.PaymentWebhookCredHash)
	limiter := security.NewRateLimiter(redisClient, cfg.HoldRateLimit, cfg.HoldRateWindow)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: cfg.Environment == "development",
	})

	// Start background tasks
	adapter.Start(ctx)
	worker.Start()
	if cfg.EnableMetrics {
		go breakerStateLoop(ctx, adapter, monitor)
	}
	go orphanSweepLoop(ctx, app, locks)

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		// Re-schedule expiry for holds that survived a restart, then
		// keep sweeping so a task lost to a transient submit failure is
		// recovered without a restart.
		go restorePendingLoop(ctx, worker)

		// Hold endpoints
		e.Router.POST("/api/v1/hold", bookingHandler.Hold).
			BindFunc(limiter.AntiBotMiddleware()).
			BindFunc(limiter.HoldRateLimit())
		e.Router.POST("/api/v1/hold/extend", bookingHandler.ExtendHold)

		// Booking endpoints
		e.Router.POST("/api/v1/bookings/confirm", bookingHandler.Confirm)
		e.Router.POST("/api/v1/bookings/cancel", bookingHandler.Cancel)
		e.Router.GET("/api/v1/bookings", bookingHandler.History)
		e.Router.GET("/api/v1/bookings/{bookingId}", bookingHandler.GetBooking)

		// Availability
		e.Router.GET("/api/v1/events/{eventId}/units", bookingHandler.GetEventUnits)

		// Payment endpoints
		e.Router.POST("/api/v1/payment/notify", paymentHandler.Notify)
		e.Router.GET("/api/v1/payment/health", paymentHandler.Health)

		if cfg.EnableMetrics {
			e.Router.GET("/metrics", apis.WrapStdHandler(promhttp.Handler()))
		}

		// Health check
		e.Router.GET("/health", func(e *core.RequestEvent) error {
			if err := utils.RedisHealthCheck(redisClient); err != nil {
				return e.JSON(503, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return e.JSON(200, map[string]string{"status": "healthy"})
		})

		log.Println("Server routes registered")

		return e.Next()
	})

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		log.Println("Shutdown signal received, cleaning up...")
		cancel()
		worker.Shutdown()

		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		adapter.Shutdown(shutdownCtx)

		return e.Next()
	})

	// Start server
	return app.Start()
}

func restorePendingLoop(ctx context.Context, worker *services.ExpiryWorker) {
	restore := func() {
		if err := worker.RestorePending(ctx); err != nil {
			slog.Error("expiry: restore pending bookings failed", "error", err)
		}
	}
	restore()

	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			restore()
		case <-ctx.Done():
			return
		}
	}
}

// breakerStateLoop mirrors the payment breaker state into the gauge.
func breakerStateLoop(ctx context.Context, adapter *payment.Adapter, monitor *monitoring.Monitor) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			monitor.SetBreakerState(int(adapter.BreakerState()))
		case <-ctx.Done():
			return
		}
	}
}

// orphanSweepLoop reconciles the lock store against the durable store:
// unit locks whose unit no longer exists are deleted. Runs for every
// event with tracked unit state.
func orphanSweepLoop(ctx context.Context, app *pocketbase.PocketBase, locks *lockmgr.Manager) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var records []dbx.NullStringMap
			if err := app.DB().NewQuery(
				"SELECT DISTINCT event_id FROM unit_states",
			).All(&records); err != nil {
				slog.Error("orphan sweep: list events failed", "error", err)
				continue
			}

			for _, record := range records {
				eventID := record["event_id"].String
				if eventID == "" {
					continue
				}
				removed, err := locks.CleanupOrphans(ctx, eventID)
				if err != nil {
					slog.Error("orphan sweep failed", "event_id", eventID, "error", err)
					continue
				}
				if removed > 0 {
					slog.Info("orphan sweep removed stale locks", "event_id", eventID, "removed", removed)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
