package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/polybot/internal/api"
	"github.com/dunamismax/polybot/internal/config"
	"github.com/dunamismax/polybot/internal/logger"
	"github.com/dunamismax/polybot/internal/queue"
	"github.com/dunamismax/polybot/internal/ratelimit"
	"github.com/dunamismax/polybot/internal/telegram"
	"github.com/dunamismax/polybot/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/automaxprocs/maxprocs"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.ParseLevel(cfg.LogLevel))
	defer func() { _ = log.Sync() }()

	maxprocs.Set(maxprocs.Logger(log.Infof))

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "polybot-api",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, log)
	if err != nil {
		log.Fatalf("tracing setup failed: %s", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warnw("tracing shutdown failed", "err", err)
		}
	}()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			log.Warnw("queue client close failed", "err", err)
		}
	}()

	var limiter api.RateLimiter
	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(cfg.Queue.RedisOptions())
		defer func() { _ = redisClient.Close() }()

		bucket, err := ratelimit.NewRedisTokenBucket(redisClient, ratelimit.Config{
			Capacity:  cfg.RateLimit.Capacity,
			Window:    cfg.RateLimit.Window,
			KeyPrefix: "polybot:webhook-auth",
		})
		if err != nil {
			log.Fatalf("rate limiter setup failed: %s", err)
		}
		limiter = bucket
	}

	app, err := api.NewServer(log, queueClient, api.Config{
		Token:          cfg.Telegram.Token,
		SecretToken:    cfg.Telegram.SecretToken,
		TrustedProxies: cfg.API.TrustedProxies,
	}, limiter)
	if err != nil {
		log.Fatalf("api setup failed: %s", err)
	}

	if cfg.Telegram.AppURL != "" {
		tg := telegram.NewClient(telegram.Config{
			BaseURL: cfg.Telegram.APIBaseURL,
			Token:   cfg.Telegram.Token,
		})
		hookCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if err := tg.SetWebhook(hookCtx, cfg.Telegram.AppURL, cfg.Telegram.SecretToken); err != nil {
			log.Errorw("set webhook failed", "app_url", cfg.Telegram.AppURL, "err", err)
		} else {
			log.Infow("webhook registered", "app_url", cfg.Telegram.AppURL)
		}
		cancel()
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     logger.NewHTTPErrorLog(log),
	}

	go func() {
		log.Infow("listening", "addr", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Infow("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("graceful shutdown failed", "err", err)
	}
}
