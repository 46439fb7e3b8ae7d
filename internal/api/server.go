package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/dunamismax/polybot/internal/logger"
	"github.com/dunamismax/polybot/internal/queue"
	"github.com/dunamismax/polybot/internal/telemetry"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const maxUpdateBytes = 1 << 20

const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

type Server struct {
	logger      *logger.Logger
	queueClient queueEnqueuer
	token       string
	secretToken string
	// trustedProxies may set X-Forwarded-For for rate limiting.
	trustedProxies []netip.Prefix
	rateLimiter    RateLimiter
	metrics        *metrics
	tracer         trace.Tracer
	mux            *http.ServeMux
}

type queueEnqueuer interface {
	EnqueueTelegramUpdate(ctx context.Context, payload queue.TelegramUpdatePayload) (*asynq.TaskInfo, error)
}

type Config struct {
	// Token is the bot token; it is also the secret webhook path.
	Token       string
	SecretToken string
	// TrustedProxies lists IPs or CIDRs of reverse proxies in front of the server.
	TrustedProxies []string
}

func NewServer(log *logger.Logger, queueClient queueEnqueuer, cfg Config, rateLimiter RateLimiter) (*Server, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("bot token is required")
	}
	if queueClient == nil {
		return nil, errors.New("queue client is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	proxies, err := parseProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}

	s := &Server{
		logger:         log,
		queueClient:    queueClient,
		token:          cfg.Token,
		secretToken:    cfg.SecretToken,
		trustedProxies: proxies,
		rateLimiter:    rateLimiter,
		metrics:        newMetrics(),
		tracer:         otel.Tracer(telemetry.Tracer),
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.metrics.withHTTPMetrics(s.withTracing(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /{token}/{$}", s.handleWebhook)
	s.mux.HandleFunc("POST /{token}", s.handleWebhook)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "Ok")
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		if !s.allowAuthFailure(w, r) {
			return
		}
		s.metrics.authRejected.WithLabelValues("token").Inc()
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxUpdateBytes+1))
	if err != nil {
		writeText(w, http.StatusBadRequest, "invalid body")
		return
	}
	if len(body) > maxUpdateBytes {
		writeText(w, http.StatusRequestEntityTooLarge, "update too large")
		return
	}

	updateID, err := decodeUpdateID(body)
	if err != nil {
		s.logger.Warnw("rejected webhook body", "err", err)
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}

	_, err = s.queueClient.EnqueueTelegramUpdate(r.Context(), queue.TelegramUpdatePayload{
		UpdateID:   updateID,
		Update:     json.RawMessage(body),
		ReceivedAt: time.Now().UTC(),
	})
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		// Telegram redelivered an update that is still queued.
		s.metrics.updatesEnqueued.WithLabelValues("duplicate").Inc()
	case err != nil:
		s.metrics.updatesEnqueued.WithLabelValues("error").Inc()
		s.logger.Errorw("enqueue update failed", "update_id", updateID, "err", err)
		writeText(w, http.StatusInternalServerError, "failed to enqueue update")
		return
	default:
		s.metrics.updatesEnqueued.WithLabelValues("enqueued").Inc()
		s.logger.Debugw("update enqueued", "update_id", updateID)
	}

	writeText(w, http.StatusOK, "Ok")
}

func (s *Server) authorized(r *http.Request) bool {
	if subtle.ConstantTimeCompare([]byte(r.PathValue("token")), []byte(s.token)) != 1 {
		return false
	}
	if s.secretToken == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(r.Header.Get(secretTokenHeader)), []byte(s.secretToken)) == 1
}

func decodeUpdateID(body []byte) (int64, error) {
	var probe struct {
		UpdateID *int64 `json:"update_id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return 0, errors.New("invalid JSON body")
	}
	if probe.UpdateID == nil {
		return 0, errors.New("update_id is required")
	}
	return *probe.UpdateID, nil
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, text)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
