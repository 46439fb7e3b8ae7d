package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/polybot/internal/config"
	"github.com/dunamismax/polybot/internal/logger"
	"github.com/dunamismax/polybot/internal/queue"
	"github.com/dunamismax/polybot/internal/telegram"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type captureHandler struct {
	mu      sync.Mutex
	updates []telegram.Update
	err     error
}

func (h *captureHandler) Handle(_ context.Context, update telegram.Update) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, update)
	return h.err
}

func newTestTask(t *testing.T, body string) *asynq.Task {
	t.Helper()
	task, err := queue.NewTelegramUpdateTask(queue.TelegramUpdatePayload{
		UpdateID:   5,
		Update:     []byte(body),
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	return task
}

func TestHandleTelegramUpdateDispatches(t *testing.T) {
	handler := &captureHandler{}
	s := newServer(logger.Nop(), handler, 1, nil)

	task := newTestTask(t, `{"update_id":5,"message":{"message_id":3,"chat":{"id":99},"caption":"blur"}}`)
	if err := s.handleTelegramUpdate(context.Background(), task); err != nil {
		t.Fatalf("handle update: %v", err)
	}

	if len(handler.updates) != 1 {
		t.Fatalf("expected one update, got %d", len(handler.updates))
	}
	got := handler.updates[0]
	if got.UpdateID != 5 || got.EffectiveMessage().ChatID() != 99 {
		t.Fatalf("unexpected update %+v", got)
	}
	if v := testutil.ToFloat64(s.metrics.tasksTotal.WithLabelValues("succeeded")); v != 1 {
		t.Fatalf("expected succeeded counter 1, got %v", v)
	}
	if v := testutil.ToFloat64(s.metrics.activeJobs); v != 0 {
		t.Fatalf("expected no active jobs, got %v", v)
	}
}

func TestHandleTelegramUpdateReturnsHandlerErrorForRetry(t *testing.T) {
	handler := &captureHandler{err: errors.New("telegram down")}
	s := newServer(logger.Nop(), handler, 1, nil)

	err := s.handleTelegramUpdate(context.Background(), newTestTask(t, `{"update_id":5}`))
	if err == nil {
		t.Fatal("expected handler error")
	}
	if errors.Is(err, asynq.SkipRetry) {
		t.Fatal("handler errors must stay retryable")
	}
	if !strings.Contains(err.Error(), "telegram down") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestHandleTelegramUpdateSkipsRetryForBadBody(t *testing.T) {
	s := newServer(logger.Nop(), &captureHandler{}, 1, nil)

	err := s.handleTelegramUpdate(context.Background(), newTestTask(t, `"not an update"`))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}

	err = s.handleTelegramUpdate(context.Background(), asynq.NewTask(queue.TypeTelegramUpdate, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for malformed payload, got %v", err)
	}
	if v := testutil.ToFloat64(s.metrics.tasksTotal.WithLabelValues("invalid")); v != 2 {
		t.Fatalf("expected invalid counter 2, got %v", v)
	}
}

func TestHandleTelegramUpdateHonorsCancelWhileSaturated(t *testing.T) {
	s := newServer(logger.Nop(), &captureHandler{}, 1, nil)
	s.sem <- struct{}{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.handleTelegramUpdate(ctx, newTestTask(t, `{"update_id":5}`))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewServerRequiresHandler(t *testing.T) {
	if _, err := NewServer(logger.Nop(), queueConfig(), workerConfig(), nil, nil); err == nil {
		t.Fatal("expected error without handler")
	}
}

func queueConfig() config.QueueConfig {
	return config.QueueConfig{RedisAddr: "localhost:6379", Name: "default"}
}

func workerConfig() config.WorkerConfig {
	return config.WorkerConfig{Concurrency: 1, MaxActiveJobs: 1}
}
