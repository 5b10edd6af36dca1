package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"caseflow/auth"
	"caseflow/casefile"
	"caseflow/caseref"
	"caseflow/db"
	"caseflow/engagement"
	"caseflow/notify"
)

func main() {
	ctx := context.Background()

	// Local .env overrides are optional; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	cfg := casefile.Config{
		StoreTimeout: envDuration("STORE_TIMEOUT", 5*time.Second),
		RefAttempts:  envInt("REF_ATTEMPTS", 3),
		RefBackoff:   envDuration("REF_BACKOFF", 50*time.Millisecond),
	}

	emitter := notify.NewOutboxEmitter(pool)
	engine := casefile.NewEngine(pool, casefile.NewStore(pool), caseref.NewGenerator(pool), emitter, cfg, logger)

	server := &Server{
		engine:        engine,
		engagement:    engagement.NewService(pool).WithStoreTimeout(cfg.StoreTimeout),
		auth:          auth.NewService(auth.NewRepository(pool), jwtSecret),
		sentimentSalt: os.Getenv("SENTIMENT_SALT"),
		trustProxy:    envBool("TRUST_PROXY_HEADERS", false),
		log:           logger,
	}

	dispatcher := notify.NewDispatcher(pool, notify.LogSender{Log: logger}, logger)
	go func() {
		if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("outbox dispatcher stopped")
		}
	}()

	addr := os.Getenv("BIND_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info().Str("addr", addr).Msg("caseflow api listening")
	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("http server: %v", err)
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
