package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/careslot/careslot/libs/config"
	"github.com/careslot/careslot/libs/db"
	"github.com/careslot/careslot/libs/httpx"
	"github.com/careslot/careslot/libs/kafkax"
	otelx "github.com/careslot/careslot/libs/otel"
	"github.com/careslot/careslot/libs/runtime"
	"github.com/careslot/careslot/services/booking-engine/internal/booking"
	"github.com/careslot/careslot/services/booking-engine/internal/calendar"
	"github.com/careslot/careslot/services/booking-engine/internal/cancellation"
	"github.com/careslot/careslot/services/booking-engine/internal/guard"
	"github.com/careslot/careslot/services/booking-engine/internal/handlers"
	"github.com/careslot/careslot/services/booking-engine/internal/hold"
	"github.com/careslot/careslot/services/booking-engine/internal/metrics"
	"github.com/careslot/careslot/services/booking-engine/internal/notify"
	"github.com/careslot/careslot/services/booking-engine/internal/outbox"
	"github.com/careslot/careslot/services/booking-engine/internal/storage"
	"github.com/careslot/careslot/services/booking-engine/internal/sweep"
)

func main() {
	_ = godotenv.Load()

	service := config.String("SERVICE_NAME", "booking-engine")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	outboxRepo := outbox.NewRepository(pool)
	store := storage.New(pool, outboxRepo)

	var counterStore guard.CounterStore
	var rdb *redis.Client
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr, Password: config.String("REDIS_PASSWORD", "")})
		counterStore = guard.NewRedisCounterStore(rdb, service)
	} else {
		logger.Warn("REDIS_ADDR not set; rate limiting is per-instance only")
		counterStore = guard.NewMemoryCounterStore()
	}
	limiter := guard.NewLimiter(counterStore,
		config.Int("RATE_LIMIT", 10),
		config.Duration("RATE_WINDOW", time.Minute),
		logger,
	)
	verifier := guard.NewVerifier(
		config.String("VERIFY_ENDPOINT", ""),
		config.String("VERIFY_SECRET", ""),
		config.Float("VERIFY_THRESHOLD", 0.5),
	)

	var cal calendar.Adapter
	if baseURL := config.String("CALENDAR_BASE_URL", ""); baseURL != "" {
		cal = calendar.NewHTTPAdapter(baseURL, config.String("CALENDAR_TOKEN", ""))
	} else {
		logger.Warn("CALENDAR_BASE_URL not set; using in-memory calendar")
		cal = calendar.NewMemoryAdapter()
	}

	var email notify.EmailSender
	if key := config.String("SENDGRID_API_KEY", ""); key != "" {
		email = notify.NewSendGridSender(key,
			config.String("EMAIL_FROM", "no-reply@careslot.local"),
			config.String("EMAIL_FROM_NAME", "CareSlot"),
		)
	} else {
		email = notify.NewSMTPSender(
			config.String("SMTP_HOST", "localhost"),
			config.String("SMTP_PORT", "1025"),
			config.String("EMAIL_FROM", ""),
		)
	}
	var sms notify.SMSSender
	if url := config.String("SMS_WEBHOOK_URL", ""); url != "" {
		sms = notify.NewWebhookSMSSender(url, config.String("SMS_WEBHOOK_TOKEN", ""))
	} else {
		sms = notify.NoopSMSSender{}
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	scheduler := notify.NewScheduler(store, logger)
	sender := notify.NewSender(store, email, sms, logger)
	sender.OnResult(func(notificationType, outcome string) {
		m.Notifications.WithLabelValues(notificationType, outcome).Inc()
	})
	dispatcher := notify.NewDispatcher(store, sender, logger,
		config.Duration("NOTIFY_POLL_INTERVAL", 15*time.Second),
		config.Int("NOTIFY_BATCH_SIZE", 50),
	)
	go dispatcher.Run(ctx)

	sweeper := sweep.New(store, logger, config.Duration("HOLD_SWEEP_INTERVAL", time.Minute))
	sweeper.OnSwept(func(count int64) { m.HoldsSwept.Add(float64(count)) })
	go sweeper.Run(ctx)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
	})
	go outboxPublisher.Run(ctx)

	holdManager := hold.NewManager(store, config.Duration("HOLD_TTL", hold.DefaultTTL), logger)
	transactor := booking.NewTransactor(store, cal, guard.New(limiter, verifier), scheduler, logger)
	canceller := cancellation.NewManager(store, cal, scheduler, logger)

	bookingHandler := handlers.NewBookingHandler(store, holdManager, transactor, canceller, cal, m, logger,
		handlers.Window{
			StartHour: config.Int("DAY_START_HOUR", 9),
			EndHour:   config.Int("DAY_END_HOUR", 17),
		})

	readyChecks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
	}
	if brokers := config.String("KAFKA_BROKERS", ""); brokers != "" {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	}
	if rdb != nil {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	mux.Handle("/metrics", promhttp.Handler())
	bookingHandler.Register(mux)

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithRecovery(logger),
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: splitCSV(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			MaxAge:         10 * time.Minute,
		}),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, service)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
