package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dunamismax/polybot/internal/config"
	"github.com/dunamismax/polybot/internal/logger"
	"github.com/dunamismax/polybot/internal/queue"
	"github.com/dunamismax/polybot/internal/telegram"
	"github.com/dunamismax/polybot/internal/telemetry"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// UpdateHandler is satisfied by *bot.Handler.
type UpdateHandler interface {
	Handle(ctx context.Context, update telegram.Update) error
}

type Server struct {
	logger  *logger.Logger
	server  *asynq.Server
	sem     chan struct{}
	handler UpdateHandler
	metrics *metrics
	tracer  trace.Tracer
}

func NewServer(
	log *logger.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	handler UpdateHandler,
	registry *prometheus.Registry,
) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("update handler is required")
	}

	s := newServer(log, handler, workerCfg.MaxActiveJobs, registry)
	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			Logger:   s.logger,
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				s.logger.Errorw("task failed", "type", task.Type(), "retry", retried, "max_retry", maxRetry, "err", err)
			}),
		},
	)
	return s, nil
}

func newServer(log *logger.Logger, handler UpdateHandler, maxActive int, registry *prometheus.Registry) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		logger:  log,
		sem:     make(chan struct{}, max(1, maxActive)),
		handler: handler,
		metrics: newMetrics(registry),
		tracer:  otel.Tracer(telemetry.Tracer),
	}
}

// Start begins processing in the background; call Shutdown to drain.
func (s *Server) Start() error {
	return s.server.Start(s.mux())
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeTelegramUpdate, s.handleTelegramUpdate)
	return mux
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleTelegramUpdate(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := "failed"
	defer func() {
		s.metrics.taskDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.tasksTotal.WithLabelValues(outcome).Inc()
	}()

	payload, err := queue.ParseTelegramUpdatePayload(task)
	if err != nil {
		outcome = "invalid"
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	var update telegram.Update
	if err := json.Unmarshal(payload.Update, &update); err != nil {
		outcome = "invalid"
		return fmt.Errorf("decode update %d: %v: %w", payload.UpdateID, err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.telegram_update", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.Int64("telegram.update_id", update.UpdateID),
		attribute.String("telegram.queue_latency", time.Since(payload.ReceivedAt).String()),
	)
	defer span.End()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Debugw("handling update", "update_id", update.UpdateID)

	if err := s.handler.Handle(ctx, update); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return fmt.Errorf("handle update %d: %w", update.UpdateID, err)
	}

	outcome = "succeeded"
	span.SetStatus(codes.Ok, "handled")
	return nil
}
