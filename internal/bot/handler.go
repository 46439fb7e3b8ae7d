// Package bot turns Telegram updates into filter, concat and prediction jobs.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/polybot/internal/domain"
	"github.com/dunamismax/polybot/internal/id"
	"github.com/dunamismax/polybot/internal/imgproc"
	"github.com/dunamismax/polybot/internal/inference"
	"github.com/dunamismax/polybot/internal/logger"
	"github.com/dunamismax/polybot/internal/pending"
	"github.com/dunamismax/polybot/internal/pipeline"
	"github.com/dunamismax/polybot/internal/ratelimit"
	"github.com/dunamismax/polybot/internal/store"
	"github.com/dunamismax/polybot/internal/telegram"
	"github.com/dunamismax/polybot/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxPendingAttempts bounds the Take/Put loop when two concat photos race.
const maxPendingAttempts = 3

const restoreTimeout = 5 * time.Second

var errPendingContention = errors.New("concat buffer kept changing under contention")

type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendPhoto(ctx context.Context, chatID int64, filename string, data []byte, caption string) error
}

type Predictor interface {
	Predict(ctx context.Context, filename string, data []byte) (string, error)
}

type Processor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

// Deps wires a Handler. Predictor, Limiter, Archive and Metrics are optional.
type Deps struct {
	Logger    *logger.Logger
	Messenger Messenger
	Files     pipeline.FileDownloader
	Processor Processor
	Predictor Predictor
	Pending   pending.Store
	Jobs      store.JobStore
	Limiter   ratelimit.Limiter
	Archive   pipeline.ObjectWriter
	Defaults  domain.StepDefaults
	Metrics   *Metrics
}

type Handler struct {
	log       *logger.Logger
	messenger Messenger
	files     pipeline.FileDownloader
	processor Processor
	predictor Predictor
	pending   pending.Store
	jobs      store.JobStore
	limiter   ratelimit.Limiter
	archive   pipeline.ObjectWriter
	defaults  domain.StepDefaults
	metrics   *Metrics
	tracer    trace.Tracer
	newID     func() string
	now       func() time.Time
}

func NewHandler(d Deps) (*Handler, error) {
	switch {
	case d.Messenger == nil:
		return nil, errors.New("messenger is required")
	case d.Files == nil:
		return nil, errors.New("file downloader is required")
	case d.Processor == nil:
		return nil, errors.New("processor is required")
	case d.Pending == nil:
		return nil, errors.New("pending store is required")
	case d.Jobs == nil:
		return nil, errors.New("job store is required")
	}

	log := d.Logger
	if log == nil {
		log = logger.Nop()
	}
	m := d.Metrics
	if m == nil {
		m = NewMetrics(nil)
	}

	return &Handler{
		log:       log,
		messenger: d.Messenger,
		files:     d.Files,
		processor: d.Processor,
		predictor: d.Predictor,
		pending:   d.Pending,
		jobs:      d.Jobs,
		limiter:   d.Limiter,
		archive:   d.Archive,
		defaults:  d.Defaults,
		metrics:   m,
		tracer:    otel.Tracer(telemetry.Tracer),
		newID:     id.New,
		now:       time.Now,
	}, nil
}

// Handle processes one update. Problems the user can fix are answered in chat
// and return nil; the returned error means the update should be retried.
func (h *Handler) Handle(ctx context.Context, update telegram.Update) (err error) {
	msg := update.EffectiveMessage()
	kind := updateKind(msg)

	ctx, span := h.tracer.Start(ctx, "bot.handle_update", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.Int64("telegram.update_id", update.UpdateID),
		attribute.String("telegram.kind", kind),
	)
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, "update failed")
		}
		h.metrics.updatesTotal.WithLabelValues(kind, outcome).Inc()
		span.End()
	}()

	if msg == nil || msg.ChatID() == 0 {
		h.log.Debugw("ignoring update without chat message", "update_id", update.UpdateID)
		return nil
	}
	chatID := msg.ChatID()
	span.SetAttributes(attribute.Int64("telegram.chat_id", chatID))

	if !h.allow(ctx, chatID) {
		return nil
	}

	if fileID, ok := msg.ImageFileID(); ok {
		return h.handlePhoto(ctx, msg, fileID)
	}
	if strings.TrimSpace(msg.Text) != "" {
		return h.handleText(ctx, msg)
	}
	return h.reply(ctx, chatID, msgPhotoOnly)
}

func updateKind(msg *telegram.Message) string {
	switch {
	case msg == nil:
		return "other"
	case len(msg.Photo) > 0 || msg.Document != nil:
		return "photo"
	case msg.Text != "":
		return "text"
	default:
		return "other"
	}
}

// allow fails open when the limiter itself is unavailable.
func (h *Handler) allow(ctx context.Context, chatID int64) bool {
	if h.limiter == nil {
		return true
	}
	decision, err := h.limiter.Allow(ctx, ratelimit.ChatSubject(chatID))
	if err != nil {
		h.log.Warnw("rate limiter check failed", "chat_id", chatID, "err", err)
		return true
	}
	if decision.Allowed {
		return true
	}

	h.log.Infow("chat rate limited", "chat_id", chatID, "retry_after", decision.RetryAfter)
	_ = h.reply(ctx, chatID, rateLimitedText(decision.RetryAfterSeconds()))
	return false
}

func (h *Handler) handleText(ctx context.Context, msg *telegram.Message) error {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return h.reply(ctx, msg.ChatID(), msgSendPhoto)
	}

	// Commands may be addressed as /help@botname in groups.
	command, _, _ := strings.Cut(strings.Fields(text)[0], "@")
	switch strings.ToLower(command) {
	case "/start", "/help":
		firstName := ""
		if msg.Chat != nil {
			firstName = msg.Chat.FirstName
		}
		return h.reply(ctx, msg.ChatID(), helpText(firstName))
	default:
		return h.reply(ctx, msg.ChatID(), msgUnknownCommand)
	}
}

func (h *Handler) handlePhoto(ctx context.Context, msg *telegram.Message, fileID string) error {
	chatID := msg.ChatID()

	cmd, err := domain.ParseCaption(msg.Caption)
	switch {
	case errors.Is(err, domain.ErrMissingCaption):
		return h.reply(ctx, chatID, missingCaptionText())
	case err != nil:
		h.log.Infow("unrecognized caption", "chat_id", chatID, "caption", msg.Caption)
		return h.reply(ctx, chatID, invalidFilterText())
	}

	h.log.Infow("photo received", "chat_id", chatID, "filter", cmd.Filter, "file_id", fileID)

	src := pipeline.Source{Ref: fileID, Name: sourceName(msg)}
	switch cmd.Filter {
	case domain.FilterPredict:
		return h.predict(ctx, chatID, src)
	case domain.FilterConcat:
		return h.concat(ctx, chatID, cmd, src)
	default:
		return h.applyFilter(ctx, chatID, cmd, src)
	}
}

func (h *Handler) applyFilter(ctx context.Context, chatID int64, cmd domain.Command, src pipeline.Source) error {
	job, err := h.startJob(ctx, chatID, cmd.Filter, domain.JobStatusProcessing)
	if err != nil {
		return err
	}
	if err := h.reply(ctx, chatID, applyingText(cmd.Filter)); err != nil {
		return h.failJob(ctx, job, err)
	}

	step := domain.NewStep(cmd, h.defaults)
	result, err := h.run(ctx, job, []pipeline.Source{src}, step)
	if err != nil {
		return h.handleProcessError(ctx, job, err)
	}
	return h.deliver(ctx, job, result, "")
}

func (h *Handler) concat(ctx context.Context, chatID int64, cmd domain.Command, src pipeline.Source) error {
	var candidate *pending.Entry

	for attempt := 1; attempt <= maxPendingAttempts; attempt++ {
		first, ok, err := h.pending.Take(ctx, chatID)
		if err != nil {
			return fmt.Errorf("take pending concat: %w", err)
		}
		if ok {
			h.metrics.pendingTotal.WithLabelValues("taken").Inc()
			if err := h.combine(ctx, chatID, cmd, first, src); err != nil {
				h.restorePending(ctx, first)
				return err
			}
			return nil
		}

		if candidate == nil {
			entry, err := h.prepareFirst(ctx, chatID, cmd, src)
			if isUserError(err) {
				h.log.Warnw("first concat image rejected", "chat_id", chatID, "err", err)
				return h.reply(ctx, chatID, processingErrorText(err))
			}
			if err != nil {
				return err
			}
			candidate = &entry
		}

		stored, err := h.pending.Put(ctx, *candidate)
		if err != nil {
			return fmt.Errorf("store pending concat: %w", err)
		}
		if stored {
			h.metrics.pendingTotal.WithLabelValues("stored").Inc()
			if err := h.createJob(ctx, chatID, domain.FilterConcat, candidate.JobID, domain.JobStatusCreated); err != nil {
				h.log.Warnw("concat job record failed", "chat_id", chatID, "job_id", candidate.JobID, "err", err)
			}
			h.logReplyErr(chatID, h.reply(ctx, chatID, msgFirstConcatImage))
			return nil
		}
		// Another update stored an entry between Take and Put; it is our first image.
		h.metrics.pendingTotal.WithLabelValues("put_lost").Inc()
	}
	return errPendingContention
}

// restorePending puts a taken first image back so the retried update finds it
// again. combine only returns errors that asynq will retry.
func (h *Handler) restorePending(ctx context.Context, first pending.Entry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
	defer cancel()

	stored, err := h.pending.Put(ctx, first)
	switch {
	case err != nil:
		h.log.Errorw("restore pending concat failed", "chat_id", first.ChatID, "job_id", first.JobID, "err", err)
	case !stored:
		h.log.Warnw("pending concat replaced before restore", "chat_id", first.ChatID, "job_id", first.JobID)
	default:
		h.metrics.pendingTotal.WithLabelValues("restored").Inc()
	}
}

// prepareFirst downloads and decodes the first concat image so a broken file is
// rejected before the chat waits for a second one.
func (h *Handler) prepareFirst(ctx context.Context, chatID int64, cmd domain.Command, src pipeline.Source) (pending.Entry, error) {
	data, _, err := h.files.DownloadFile(ctx, src.Ref)
	if err != nil {
		return pending.Entry{}, fmt.Errorf("download first concat image: %w", err)
	}
	if err := pipeline.ValidateSource(src.Name, data); err != nil {
		return pending.Entry{}, err
	}

	entry := pending.Entry{
		ChatID:     chatID,
		JobID:      h.newID(),
		FileID:     src.Ref,
		Name:       src.Name,
		Direction:  cmd.Direction,
		ReceivedAt: h.now().UTC(),
	}

	if h.archive != nil {
		key := pipeline.SourceObjectKey("", entry.JobID, 0, src.Name)
		if err := h.archive.WriteObject(ctx, key, data, pipeline.ContentTypeForName(src.Name)); err != nil {
			h.log.Warnw("archive first concat image failed", "chat_id", chatID, "object_key", key, "err", err)
		} else {
			entry.ObjectKey = key
		}
	}
	return entry, nil
}

func (h *Handler) combine(ctx context.Context, chatID int64, cmd domain.Command, first pending.Entry, second pipeline.Source) error {
	job, err := h.resumeJob(ctx, chatID, first.JobID)
	if err != nil {
		return err
	}

	if cmd.Direction == "" {
		cmd.Direction = first.Direction
	}
	step := domain.NewStep(cmd, h.defaults)

	sources := []pipeline.Source{
		{Ref: first.FileID, Name: first.Name, ObjectKey: first.ObjectKey},
		second,
	}
	result, err := h.run(ctx, job, sources, step)
	if err != nil {
		return h.handleProcessError(ctx, job, err)
	}
	return h.deliver(ctx, job, result, msgConcatDone)
}

func (h *Handler) predict(ctx context.Context, chatID int64, src pipeline.Source) error {
	if h.predictor == nil {
		return h.reply(ctx, chatID, msgPredictDisabled)
	}

	job, err := h.startJob(ctx, chatID, domain.FilterPredict, domain.JobStatusProcessing)
	if err != nil {
		return err
	}
	if err := h.reply(ctx, chatID, msgPredictSending); err != nil {
		return h.failJob(ctx, job, err)
	}

	data, _, err := h.files.DownloadFile(ctx, src.Ref)
	if err != nil {
		return h.failJob(ctx, job, fmt.Errorf("download photo: %w", err))
	}

	ctx, span := h.tracer.Start(ctx, "bot.predict")
	defer span.End()

	started := h.now()
	text, err := h.predictor.Predict(ctx, src.Name, data)
	if err != nil {
		h.metrics.filterDuration.WithLabelValues(string(domain.FilterPredict), "error").Observe(time.Since(started).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "prediction failed")
		h.log.Errorw("prediction failed", "chat_id", chatID, "job_id", job.ID, "err", err)
		h.updateJob(ctx, job.ID, store.StatusUpdate{Status: domain.JobStatusFailed, Error: err.Error()})

		reply := msgPredictFailed
		var statusErr *inference.StatusError
		if errors.As(err, &statusErr) {
			reply = msgPredictNon2xx
		}
		h.logReplyErr(chatID, h.reply(ctx, chatID, reply))
		return nil
	}
	h.metrics.filterDuration.WithLabelValues(string(domain.FilterPredict), "ok").Observe(time.Since(started).Seconds())

	h.updateJob(ctx, job.ID, store.StatusUpdate{Status: domain.JobStatusSucceeded})
	h.logReplyErr(chatID, h.reply(ctx, chatID, "Prediction: "+text))
	return nil
}

func (h *Handler) run(ctx context.Context, job domain.Job, sources []pipeline.Source, step domain.Step) (pipeline.Result, error) {
	ctx, span := h.tracer.Start(ctx, "bot.filter")
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("filter", string(step.Filter)),
		attribute.Int("sources", len(sources)),
	)
	defer span.End()

	started := h.now()
	result, err := h.processor.Process(ctx, pipeline.Request{
		JobID:   job.ID,
		ChatID:  job.ChatID,
		Sources: sources,
		Step:    step,
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "filter failed")
	}
	h.metrics.filterDuration.WithLabelValues(string(step.Filter), outcome).Observe(time.Since(started).Seconds())
	return result, err
}

func (h *Handler) deliver(ctx context.Context, job domain.Job, result pipeline.Result, notice string) error {
	out := result.Output
	h.log.Infow("filter applied",
		"chat_id", job.ChatID,
		"job_id", job.ID,
		"filter", job.Filter,
		"width", out.Width,
		"height", out.Height,
		"bytes", out.Bytes,
		"object_key", out.ObjectKey,
	)

	if notice != "" {
		h.logReplyErr(job.ChatID, h.reply(ctx, job.ChatID, notice))
	}
	if err := h.messenger.SendPhoto(ctx, job.ChatID, out.Filename, out.Data, ""); err != nil {
		return h.failJob(ctx, job, fmt.Errorf("send photo: %w", err))
	}

	h.updateJob(ctx, job.ID, store.StatusUpdate{Status: domain.JobStatusSucceeded, ObjectKey: out.ObjectKey})
	return nil
}

// handleProcessError answers decode and parameter problems in chat. Anything
// else is an infrastructure failure and goes back to the queue.
func (h *Handler) handleProcessError(ctx context.Context, job domain.Job, err error) error {
	if !isUserError(err) {
		return h.failJob(ctx, job, err)
	}

	h.log.Warnw("filter rejected image", "chat_id", job.ChatID, "job_id", job.ID, "filter", job.Filter, "err", err)
	h.updateJob(ctx, job.ID, store.StatusUpdate{Status: domain.JobStatusFailed, Error: err.Error()})
	h.logReplyErr(job.ChatID, h.reply(ctx, job.ChatID, processingErrorText(err)))
	return nil
}

func isUserError(err error) bool {
	return errors.Is(err, imgproc.ErrDecode) ||
		errors.Is(err, imgproc.ErrValidation) ||
		errors.Is(err, domain.ErrInvalidCaption) ||
		errors.Is(err, pipeline.ErrInvalidFilter)
}

func (h *Handler) failJob(ctx context.Context, job domain.Job, err error) error {
	h.log.Errorw("job failed", "chat_id", job.ChatID, "job_id", job.ID, "filter", job.Filter, "err", err)
	h.updateJob(ctx, job.ID, store.StatusUpdate{Status: domain.JobStatusFailed, Error: err.Error()})
	return err
}

func (h *Handler) startJob(ctx context.Context, chatID int64, filter domain.Filter, status string) (domain.Job, error) {
	jobID := h.newID()
	if err := h.createJob(ctx, chatID, filter, jobID, status); err != nil {
		return domain.Job{}, fmt.Errorf("create job: %w", err)
	}
	job, _, err := h.jobs.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("load job: %w", err)
	}
	return job, nil
}

func (h *Handler) createJob(ctx context.Context, chatID int64, filter domain.Filter, jobID, status string) error {
	now := h.now().UTC()
	return h.jobs.Create(ctx, domain.Job{
		ID:        jobID,
		ChatID:    chatID,
		Filter:    filter,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// resumeJob moves the concat job recorded with the first image to processing,
// creating a fresh record when that one is gone.
func (h *Handler) resumeJob(ctx context.Context, chatID int64, jobID string) (domain.Job, error) {
	if jobID != "" {
		job, err := h.jobs.UpdateStatus(ctx, jobID, store.StatusUpdate{Status: domain.JobStatusProcessing})
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, store.ErrJobNotFound) {
			return domain.Job{}, fmt.Errorf("resume concat job: %w", err)
		}
		if err := h.createJob(ctx, chatID, domain.FilterConcat, jobID, domain.JobStatusProcessing); err == nil {
			job, _, err := h.jobs.Get(ctx, jobID)
			if err != nil {
				return domain.Job{}, fmt.Errorf("load job: %w", err)
			}
			return job, nil
		}
	}
	return h.startJob(ctx, chatID, domain.FilterConcat, domain.JobStatusProcessing)
}

func (h *Handler) updateJob(ctx context.Context, jobID string, update store.StatusUpdate) {
	if _, err := h.jobs.UpdateStatus(ctx, jobID, update); err != nil {
		h.log.Warnw("job status update failed", "job_id", jobID, "status", update.Status, "err", err)
	}
}

func (h *Handler) reply(ctx context.Context, chatID int64, text string) error {
	if err := h.messenger.SendMessage(ctx, chatID, text); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// logReplyErr records a failed reply sent after state already changed; retrying
// the update at that point would replay the change.
func (h *Handler) logReplyErr(chatID int64, err error) {
	if err != nil {
		h.log.Errorw("reply failed", "chat_id", chatID, "err", err)
	}
}

func sourceName(msg *telegram.Message) string {
	if msg.Document != nil {
		if name := strings.TrimSpace(msg.Document.FileName); name != "" {
			return name
		}
	}
	return fmt.Sprintf("photo_%d.jpg", msg.MessageID)
}
