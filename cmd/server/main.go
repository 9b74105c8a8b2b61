package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"kronos/internal/config"
	"kronos/internal/db"
	"kronos/internal/relay"
	"kronos/internal/user"
)

func main() {
	cfg := config.LoadRelay()
	logger := config.NewLogger(cfg.Env, os.Getenv("LOG_LEVEL"), os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		userStore  user.Store
		relayStore relay.Store
	)
	if cfg.DSN != "" {
		database, err := db.NewDatabase(ctx, cfg.DSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		defer database.Close()
		if err := database.AutoMigrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Msg("connected to PostgreSQL")
		userStore = user.NewRepository(database.Conn)
		relayStore = relay.NewRepository(database.Conn)
	} else {
		logger.Warn().Msg("DB_DSN not set, using in-memory stores")
		userStore = user.NewMemoryStore()
		relayStore = relay.NewMemoryStore()
	}

	// Redis fans room traffic out across relay instances.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisClient.Close()
		logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
	}

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.UploadDir).Msg("upload dir")
	}

	users := user.NewService(userStore, cfg.JWTSecret)
	hub := relay.NewHub(redisClient, relayStore, userStore, logger)
	go hub.Run(ctx)
	if redisClient != nil {
		go hub.SubscribeToRedis(ctx)
	}

	router := newRouter(
		logger,
		cfg.Origins,
		users,
		user.NewHandler(users, logger),
		relay.NewHandler(hub, relayStore, userStore, cfg.UploadDir, logger),
	)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("starting relay")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down relay...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
	}
	logger.Info().Msg("relay stopped")
}
