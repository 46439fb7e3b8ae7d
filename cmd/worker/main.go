package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/polybot/internal/bot"
	"github.com/dunamismax/polybot/internal/config"
	"github.com/dunamismax/polybot/internal/domain"
	"github.com/dunamismax/polybot/internal/inference"
	"github.com/dunamismax/polybot/internal/logger"
	"github.com/dunamismax/polybot/internal/pending"
	"github.com/dunamismax/polybot/internal/pipeline"
	"github.com/dunamismax/polybot/internal/ratelimit"
	"github.com/dunamismax/polybot/internal/storage"
	"github.com/dunamismax/polybot/internal/store"
	"github.com/dunamismax/polybot/internal/telegram"
	"github.com/dunamismax/polybot/internal/telemetry"
	"github.com/dunamismax/polybot/internal/worker"
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
		ServiceName:  "polybot-worker",
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

	if err := pipeline.Startup(); err != nil {
		log.Fatalf("image runtime startup failed: %s", err)
	}
	defer pipeline.Shutdown()

	redisClient := redis.NewClient(cfg.Queue.RedisOptions())
	defer func() { _ = redisClient.Close() }()

	tg := telegram.NewClient(telegram.Config{
		BaseURL:          cfg.Telegram.APIBaseURL,
		Token:            cfg.Telegram.Token,
		MaxDownloadBytes: cfg.Telegram.MaxDownloadBytes,
	})

	var pendingStore pending.Store
	switch cfg.Pending.Backend {
	case "memory":
		pendingStore = pending.NewMemoryStore(cfg.Pending.TTL)
	default:
		redisPending, err := pending.NewRedisStore(redisClient, "polybot:pending", cfg.Pending.TTL)
		if err != nil {
			log.Fatalf("pending store setup failed: %s", err)
		}
		pendingStore = redisPending
	}

	var jobStore store.JobStore = store.NewMemoryJobStore()
	if cfg.Database.DSN != "" {
		pgStore, err := store.NewPostgresJobStore(ctx, cfg.Database.DSN)
		if err != nil {
			log.Fatalf("postgres job store setup failed: %s", err)
		}
		defer func() { _ = pgStore.Close() }()
		jobStore = pgStore
	}

	var fetcher pipeline.Fetcher = pipeline.TelegramFetcher{Files: tg}
	emitters := pipeline.MultiEmitter{pipeline.LocalFileEmitter{OutputDir: cfg.Worker.LocalOutputDir}}
	var archive pipeline.ObjectWriter
	if cfg.Storage.Enabled {
		objects, err := storage.NewClient(storage.Config{
			Endpoint:       cfg.Storage.Endpoint,
			Access:         cfg.Storage.AccessKey,
			Secret:         cfg.Storage.SecretKey,
			Bucket:         cfg.Storage.Bucket,
			UseSSL:         cfg.Storage.UseSSL,
			MaxObjectBytes: cfg.Telegram.MaxDownloadBytes,
		})
		if err != nil {
			log.Fatalf("storage setup failed: %s", err)
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			log.Fatalf("storage bucket setup failed: %s", err)
		}

		fetcher = pipeline.ArchiveFirstFetcher{
			Storage: objects,
			Next: pipeline.ArchivingFetcher{
				Next:    fetcher,
				Storage: objects,
				OnError: func(objectKey string, err error) {
					log.Warnw("source archive failed", "object_key", objectKey, "err", err)
				},
			},
		}
		emitters = append(emitters, pipeline.ObjectStoreEmitter{Storage: objects})
		archive = objects
		log.Infow("object storage enabled", "endpoint", cfg.Storage.Endpoint, "bucket", objects.Bucket())
	}

	processor, err := pipeline.NewProcessor(fetcher, emitters)
	if err != nil {
		log.Fatalf("processor setup failed: %s", err)
	}

	registry := worker.NewRegistry()
	deps := bot.Deps{
		Logger:    log,
		Messenger: tg,
		Files:     tg,
		Processor: processor,
		Pending:   pendingStore,
		Jobs:      jobStore,
		Defaults: domain.StepDefaults{
			BlurLevel:         cfg.Filters.BlurLevel,
			Rotations:         cfg.Filters.Rotations,
			SegmentThreshold:  cfg.Filters.SegmentThreshold,
			SaltProbability:   cfg.Filters.SaltProbability,
			PepperProbability: cfg.Filters.PepperProbability,
			Format:            cfg.Filters.OutputFormat,
			Quality:           cfg.Filters.OutputQuality,
		},
		Metrics: bot.NewMetrics(registry),
	}
	if archive != nil {
		deps.Archive = archive
	}
	if cfg.Inference.URL != "" {
		deps.Predictor = inference.NewClient(inference.Config{
			URL:            cfg.Inference.URL,
			Timeout:        cfg.Inference.Timeout,
			MaxAttempts:    cfg.Inference.MaxAttempts,
			InitialBackoff: cfg.Inference.InitialBackoff,
		})
	}
	if cfg.RateLimit.Enabled {
		bucket, err := ratelimit.NewRedisTokenBucket(redisClient, ratelimit.Config{
			Capacity: cfg.RateLimit.Capacity,
			Window:   cfg.RateLimit.Window,
		})
		if err != nil {
			log.Fatalf("rate limiter setup failed: %s", err)
		}
		deps.Limiter = bucket
	}

	handler, err := bot.NewHandler(deps)
	if err != nil {
		log.Fatalf("bot setup failed: %s", err)
	}

	srv, err := worker.NewServer(log, cfg.Queue, cfg.Worker, handler, registry)
	if err != nil {
		log.Fatalf("worker setup failed: %s", err)
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          logger.NewHTTPErrorLog(log),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("metrics server failed", "addr", cfg.Worker.MetricsAddr, "err", err)
		}
	}()

	log.Infow("starting worker",
		"concurrency", cfg.Worker.Concurrency,
		"max_active_jobs", cfg.Worker.MaxActiveJobs,
		"queue", cfg.Queue.Name,
		"redis", cfg.Queue.RedisAddr,
		"pending_backend", cfg.Pending.Backend,
	)

	if err := srv.Start(); err != nil {
		log.Fatalf("worker failed: %s", err)
	}

	<-ctx.Done()
	log.Infow("shutting down")

	srv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("metrics server shutdown failed", "err", err)
	}
}
