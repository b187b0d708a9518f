package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gorillaHandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"billingSyncAPI/handlers"
	"billingSyncAPI/internal/config"
	"billingSyncAPI/internal/logger"
	"billingSyncAPI/internal/metrics"
	"billingSyncAPI/middleware"
	"billingSyncAPI/services"
)

func main() {
	bootLog := logger.New("info", false)
	if err := godotenv.Load(); err != nil {
		bootLog.Info().Msg("No .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(cfg.LogLevel, cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := connectDB(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer func() {
		log.Info().Msg("Closing database connection pool...")
		dbPool.Close()
	}()
	log.Info().Msg("Successfully connected to database")

	healthHandler := handlers.NewHealthHandler(log).Add("database", dbPool.Ping)

	var pending services.PendingStore
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to parse REDIS_URL")
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to ping redis")
		}

		pending = services.NewRedisPendingStore(rdb, cfg.PendingAssociationTTL)
		healthHandler.Add("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		log.Info().Msg("Pending associations stored in redis")
	} else {
		memStore := services.NewMemoryPendingStore(cfg.PendingAssociationTTL)
		go memStore.Sweep(ctx, time.Minute)
		pending = memStore
		log.Info().Msg("Pending associations stored in memory")
	}

	userService := services.NewUserService(dbPool)
	subscriptionService := services.NewSubscriptionService(dbPool)
	webhookEventService := services.NewWebhookEventService(dbPool)
	stripeService := services.NewStripeService(cfg.StripeSecretKey)

	reconciler := services.NewReconciler(userService, subscriptionService, stripeService, pending, log)
	webhookHandler := handlers.NewWebhookHandler(reconciler, webhookEventService, cfg.StripeWebhookSecret, log)

	metrics.Register()
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go rateLimiter.Cleanup(ctx)

	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.MonitorMiddleware)

	r.Handle("/metrics", middleware.BasicAuthMiddleware(cfg.MetricsUser, cfg.MetricsPass)(promhttp.Handler()))
	r.HandleFunc("/health", healthHandler.HandleHealth).Methods("GET")

	public := r.PathPrefix("/").Subrouter()
	public.Use(rateLimiter.Middleware)
	public.HandleFunc("/webhooks/stripe", webhookHandler.HandleStripeWebhook).Methods("POST")

	var handler http.Handler = r
	if cfg.TrustProxyHeaders {
		handler = gorillaHandlers.ProxyHeaders(handler)
	}
	handler = gorillaHandlers.RecoveryHandler(
		gorillaHandlers.RecoveryLogger(recoveryLogger{log}),
		gorillaHandlers.PrintRecoveryStack(cfg.IsDevelopment()),
	)(handler)

	server := http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Error starting server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Server shutdown complete")
}

func connectDB(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = cfg.DBMaxConns
	poolConfig.MinConns = cfg.DBMinConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// recoveryLogger adapts zerolog to gorilla/handlers' RecoveryHandlerLogger.
type recoveryLogger struct {
	log zerolog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.log.Error().Interface("panic", v).Msg("recovered from panic")
}
