package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pullbox/backend/internal/api"
	"github.com/pullbox/backend/internal/auth"
	"github.com/pullbox/backend/internal/config"
	"github.com/pullbox/backend/internal/db"
	"github.com/pullbox/backend/internal/engine"
	"github.com/pullbox/backend/internal/events"
	"github.com/pullbox/backend/internal/health"
	"github.com/pullbox/backend/internal/logger"
	"github.com/pullbox/backend/internal/metrics"
	"github.com/pullbox/backend/internal/middleware"
	"github.com/pullbox/backend/internal/provider"
	"github.com/pullbox/backend/internal/storage"
	"github.com/pullbox/backend/internal/websocket"
)

const version = "0.1.0"

func main() {
	cfg := config.Load()

	logger.SetDefault(logger.New(os.Stdout, logger.ParseLevel(cfg.LogLevel), "server"))
	log := logger.Default()
	ctx := context.Background()

	// Postgres mirror; the engine degrades to memory-only if it is down.
	var repo engine.Repository
	database, err := db.New(cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName)
	if err != nil {
		log.Warn(ctx, "database unavailable, running without persistence", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		defer database.Close()
		if err := database.Migrate(); err != nil {
			log.Error(ctx, "migrations failed", err, nil)
			os.Exit(1)
		}
		repo = db.NewJobRepository(database)
	}

	// Object storage for downloaded assets
	store, err := storage.New(&storage.Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		log.Error(ctx, "failed to create storage client", err, nil)
		os.Exit(1)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		log.Warn(ctx, "could not ensure storage bucket", map[string]interface{}{
			"bucket": cfg.S3Bucket,
			"error":  err.Error(),
		})
	}

	presigner := storage.NewPresigner(&storage.PresignConfig{
		Endpoint:     cfg.S3Endpoint,
		Region:       cfg.S3Region,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
		Bucket:       cfg.S3Bucket,
		UseSSL:       cfg.S3UseSSL,
		UsePathStyle: cfg.S3UsePathStyle,
		Expiry:       cfg.S3PresignExpiry,
	})

	// Event fan-out: WebSocket push, Redis pub/sub, metrics counters
	hub := websocket.NewHub()
	go hub.Run()

	m := metrics.Default()
	sinks := engine.MultiSink{websocket.NewSink(hub), metrics.NewSink(m)}

	redisSink, err := events.NewRedisSink(cfg.RedisURL)
	if err != nil {
		log.Warn(ctx, "redis unavailable, cross-process events disabled", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		defer redisSink.Close()
		sinks = append(sinks, redisSink)
	}

	// Adapter registry: the generic HTTP fetcher is the catch-all and must
	// stay last once provider-specific adapters are registered.
	registry := provider.NewRegistry()
	registry.Register(provider.NewHTTPFetcher(store))

	eng := engine.New(engine.NewStore(repo, sinks), registry, engine.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		MaxAttempts:   cfg.MaxAttempts,
		BaseBackoff:   cfg.BaseBackoff,
	})
	if err := eng.Start(ctx); err != nil {
		log.Warn(ctx, "failed to hydrate open jobs", map[string]interface{}{
			"error": err.Error(),
		})
	}

	gaugeCtx, stopGauges := context.WithCancel(ctx)
	defer stopGauges()
	go metrics.PollGauges(gaugeCtx, m, eng, hub, 5*time.Second)

	// Token validation is stateless, so without the database previously
	// issued tokens keep working; register and login return 503 until
	// Postgres is back.
	authService := auth.NewService(userStore(database), cfg.JWTSecret)
	authHandlers := auth.NewHandlers(authService)

	checker := health.NewChecker(&health.CheckerConfig{
		DB:      sqlDB(database),
		Version: version,
	})
	checker.AddCheck("storage", store.Ping)
	if redisSink != nil {
		checker.AddCheck("redis", redisSink.Ping)
	}

	router := api.NewRouter(
		authHandlers,
		authService,
		api.NewJobHandlers(eng, presigner, store),
		websocket.NewHandler(hub, authService),
		health.NewHandler(checker),
		m,
	)

	handler := middleware.Chain(router,
		middleware.RequestID,
		middleware.Recoverer(log),
		middleware.Logging(log),
		metrics.MetricsMiddleware(m),
		middleware.CORS([]string{"*"}),
		middleware.Gzip,
		middleware.ETag,
	)

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming endpoints manage their own deadlines
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info(ctx, "server listening", map[string]interface{}{"addr": cfg.ServerAddr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(ctx, "server failed", err, nil)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info(ctx, "shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "http shutdown failed", err, nil)
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		log.Error(ctx, "engine shutdown failed", err, nil)
	}
}

func sqlDB(database *db.DB) *sql.DB {
	if database == nil {
		return nil
	}
	return database.DB
}

func userStore(database *db.DB) auth.UserStore {
	if database == nil {
		return nil
	}
	return db.NewUserRepository(database)
}
