package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/polybot/internal/domain"
	"github.com/dunamismax/polybot/internal/inference"
	"github.com/dunamismax/polybot/internal/pending"
	"github.com/dunamismax/polybot/internal/pipeline"
	"github.com/dunamismax/polybot/internal/ratelimit"
	"github.com/dunamismax/polybot/internal/store"
	"github.com/dunamismax/polybot/internal/telegram"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testChat int64 = 4242

type sentPhoto struct {
	chatID   int64
	filename string
	data     []byte
}

type fakeMessenger struct {
	mu       sync.Mutex
	messages []string
	photos   []sentPhoto
	failText bool
	// failPhotos makes that many SendPhoto calls fail before succeeding.
	failPhotos int
}

func (m *fakeMessenger) SendMessage(_ context.Context, _ int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failText {
		return errors.New("telegram unavailable")
	}
	m.messages = append(m.messages, text)
	return nil
}

func (m *fakeMessenger) SendPhoto(_ context.Context, chatID int64, filename string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPhotos > 0 {
		m.failPhotos--
		return errors.New("telegram unavailable")
	}
	m.photos = append(m.photos, sentPhoto{chatID: chatID, filename: filename, data: data})
	return nil
}

func (m *fakeMessenger) texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.messages...)
}

func (m *fakeMessenger) sentPhotos() []sentPhoto {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentPhoto(nil), m.photos...)
}

type fakeFiles map[string][]byte

func (f fakeFiles) DownloadFile(_ context.Context, fileID string) ([]byte, string, error) {
	data, ok := f[fileID]
	if !ok {
		return nil, "", fmt.Errorf("file %s not found", fileID)
	}
	return data, "photos/" + fileID + ".jpg", nil
}

type fakePredictor struct {
	text string
	err  error
}

func (p fakePredictor) Predict(context.Context, string, []byte) (string, error) {
	return p.text, p.err
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false, RetryAfter: 3 * time.Second}, nil
}

type fixture struct {
	handler   *Handler
	messenger *fakeMessenger
	pending   *pending.MemoryStore
	jobs      *store.MemoryJobStore
}

func newFixture(t *testing.T, files fakeFiles, mutate func(*Deps)) fixture {
	t.Helper()

	processor, err := pipeline.NewProcessor(
		pipeline.TelegramFetcher{Files: files},
		pipeline.LocalFileEmitter{OutputDir: t.TempDir()},
	)
	require.NoError(t, err)

	f := fixture{
		messenger: &fakeMessenger{},
		pending:   pending.NewMemoryStore(time.Hour),
		jobs:      store.NewMemoryJobStore(),
	}
	deps := Deps{
		Messenger: f.messenger,
		Files:     files,
		Processor: processor,
		Pending:   f.pending,
		Jobs:      f.jobs,
		Defaults: domain.StepDefaults{
			BlurLevel:         16,
			Rotations:         1,
			SegmentThreshold:  128,
			SaltProbability:   0.05,
			PepperProbability: 0.05,
		},
	}
	if mutate != nil {
		mutate(&deps)
	}

	f.handler, err = NewHandler(deps)
	require.NoError(t, err)
	return f
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 5), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func photoUpdate(fileID, caption string) telegram.Update {
	return telegram.Update{
		UpdateID: 1,
		Message: &telegram.Message{
			MessageID: 10,
			Chat:      &telegram.Chat{ID: testChat, FirstName: "Ada"},
			Caption:   caption,
			Photo: []telegram.PhotoSize{
				{FileID: fileID + "-thumb", Width: 4, Height: 3},
				{FileID: fileID, Width: 32, Height: 24},
			},
		},
	}
}

func textUpdate(text string) telegram.Update {
	return telegram.Update{
		UpdateID: 2,
		Message: &telegram.Message{
			MessageID: 11,
			Chat:      &telegram.Chat{ID: testChat, FirstName: "Ada"},
			Text:      text,
		},
	}
}

func decodeSize(t *testing.T, data []byte) (int, int) {
	t.Helper()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return cfg.Width, cfg.Height
}

// pendingEntry reports the chat's buffered first image and leaves it in place.
func pendingEntry(t *testing.T, f fixture) (pending.Entry, bool) {
	t.Helper()
	ctx := context.Background()
	e, ok, err := f.pending.Take(ctx, testChat)
	require.NoError(t, err)
	if ok {
		stored, err := f.pending.Put(ctx, e)
		require.NoError(t, err)
		require.True(t, stored)
	}
	return e, ok
}

func chatJobs(t *testing.T, jobs *store.MemoryJobStore) []domain.Job {
	t.Helper()
	out, err := jobs.ListByChat(context.Background(), testChat, 0)
	require.NoError(t, err)
	return out
}

func TestHandleBlurPhoto(t *testing.T) {
	f := newFixture(t, fakeFiles{"p1": testPNG(t, 32, 24)}, nil)

	require.NoError(t, f.handler.Handle(context.Background(), photoUpdate("p1", "Blur 4")))

	require.Equal(t, []string{"Applying Blur filter..."}, f.messenger.texts())
	photos := f.messenger.sentPhotos()
	require.Len(t, photos, 1)
	require.Equal(t, testChat, photos[0].chatID)
	require.Equal(t, "photo_10_filtered.jpg", photos[0].filename)

	w, h := decodeSize(t, photos[0].data)
	require.Equal(t, 29, w)
	require.Equal(t, 21, h)

	jobs := chatJobs(t, f.jobs)
	require.Len(t, jobs, 1)
	require.Equal(t, domain.FilterBlur, jobs[0].Filter)
	require.Equal(t, domain.JobStatusSucceeded, jobs[0].Status)
}

func TestHandleCaptionProblems(t *testing.T) {
	cases := []struct {
		name    string
		caption string
		want    string
	}{
		{"missing", "", "Please provide a caption with the image. Available filters are: Blur, Contour, Rotate, Segment, Salt And Pepper, Concat, Predict"},
		{"whitespace", "   ", "Please provide a caption with the image. Available filters are: Blur, Contour, Rotate, Segment, Salt And Pepper, Concat, Predict"},
		{"unknown", "sharpen", "Invalid filter. Available: Blur, Contour, Rotate, Segment, Salt And Pepper, Concat, Predict"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, fakeFiles{"p1": testPNG(t, 8, 8)}, nil)
			require.NoError(t, f.handler.Handle(context.Background(), photoUpdate("p1", tc.caption)))
			require.Equal(t, []string{tc.want}, f.messenger.texts())
			require.Empty(t, f.messenger.sentPhotos())
			require.Empty(t, chatJobs(t, f.jobs))
		})
	}
}

func TestHandleTextMessages(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"/start", "Hello Ada! Welcome to the Image Processing Bot!"},
		{"/help", "Hello Ada! Welcome to the Image Processing Bot!"},
		{"/help@polybot", "Hello Ada! Welcome to the Image Processing Bot!"},
		{"/resize", msgUnknownCommand},
		{"hello there", msgSendPhoto},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			f := newFixture(t, fakeFiles{}, nil)
			require.NoError(t, f.handler.Handle(context.Background(), textUpdate(tc.text)))
			texts := f.messenger.texts()
			require.Len(t, texts, 1)
			require.True(t, strings.HasPrefix(texts[0], tc.want), "got %q", texts[0])
		})
	}
}

func TestHandleNonPhotoMessage(t *testing.T) {
	f := newFixture(t, fakeFiles{}, nil)
	update := telegram.Update{Message: &telegram.Message{Chat: &telegram.Chat{ID: testChat}}}

	require.NoError(t, f.handler.Handle(context.Background(), update))
	require.Equal(t, []string{msgPhotoOnly}, f.messenger.texts())
}

func TestHandleIgnoresUpdateWithoutMessage(t *testing.T) {
	f := newFixture(t, fakeFiles{}, nil)
	require.NoError(t, f.handler.Handle(context.Background(), telegram.Update{UpdateID: 9}))
	require.Empty(t, f.messenger.texts())
}

func TestHandleImageDocument(t *testing.T) {
	f := newFixture(t, fakeFiles{"doc": testPNG(t, 10, 6)}, nil)
	update := telegram.Update{Message: &telegram.Message{
		Chat:     &telegram.Chat{ID: testChat},
		Caption:  "rotate",
		Document: &telegram.Document{FileID: "doc", FileName: "scan.png", MimeType: "image/png"},
	}}

	require.NoError(t, f.handler.Handle(context.Background(), update))
	photos := f.messenger.sentPhotos()
	require.Len(t, photos, 1)
	require.Equal(t, "scan_filtered.jpg", photos[0].filename)
	w, h := decodeSize(t, photos[0].data)
	require.Equal(t, 6, w)
	require.Equal(t, 10, h)
}

func TestHandleValidationErrorIsReportedNotRetried(t *testing.T) {
	f := newFixture(t, fakeFiles{"p1": testPNG(t, 8, 8)}, nil)

	err := f.handler.Handle(context.Background(), photoUpdate("p1", "blur 100"))
	require.NoError(t, err)

	texts := f.messenger.texts()
	require.Len(t, texts, 2)
	require.Equal(t, "Applying Blur filter...", texts[0])
	require.True(t, strings.HasPrefix(texts[1], "Error processing image: "), "got %q", texts[1])
	require.Empty(t, f.messenger.sentPhotos())

	jobs := chatJobs(t, f.jobs)
	require.Len(t, jobs, 1)
	require.Equal(t, domain.JobStatusFailed, jobs[0].Status)
	require.NotEmpty(t, jobs[0].Error)
}

func TestHandleCorruptPhotoIsDecodeError(t *testing.T) {
	f := newFixture(t, fakeFiles{"p1": []byte("definitely not an image")}, nil)

	require.NoError(t, f.handler.Handle(context.Background(), photoUpdate("p1", "contour")))
	texts := f.messenger.texts()
	require.Len(t, texts, 2)
	require.Contains(t, texts[1], "decode image")
}

func TestHandleDownloadFailureIsRetried(t *testing.T) {
	f := newFixture(t, fakeFiles{}, nil)

	err := f.handler.Handle(context.Background(), photoUpdate("missing", "contour"))
	require.Error(t, err)

	jobs := chatJobs(t, f.jobs)
	require.Len(t, jobs, 1)
	require.Equal(t, domain.JobStatusFailed, jobs[0].Status)
}

func TestHandleReplyFailureIsRetried(t *testing.T) {
	f := newFixture(t, fakeFiles{}, nil)
	f.messenger.failText = true

	require.Error(t, f.handler.Handle(context.Background(), textUpdate("/help")))
}

func TestConcatStateMachine(t *testing.T) {
	f := newFixture(t, fakeFiles{
		"first":  testPNG(t, 20, 12),
		"second": testPNG(t, 16, 10),
	}, nil)
	ctx := context.Background()

	require.NoError(t, f.handler.Handle(ctx, photoUpdate("first", "Concat")))
	require.Equal(t, []string{msgFirstConcatImage}, f.messenger.texts())
	entry, ok := pendingEntry(t, f)
	require.True(t, ok)
	require.Equal(t, "first", entry.FileID)
	require.NotEmpty(t, entry.JobID)

	// Other captions leave the pending first image alone.
	require.NoError(t, f.handler.Handle(ctx, photoUpdate("second", "contour")))
	_, ok = pendingEntry(t, f)
	require.True(t, ok)

	require.NoError(t, f.handler.Handle(ctx, photoUpdate("second", "concat")))
	texts := f.messenger.texts()
	require.Equal(t, msgConcatDone, texts[len(texts)-1])

	photos := f.messenger.sentPhotos()
	require.Len(t, photos, 2)
	w, h := decodeSize(t, photos[1].data)
	require.Equal(t, 36, w)
	require.Equal(t, 10, h)

	_, ok = pendingEntry(t, f)
	require.False(t, ok)

	job, ok, err := f.jobs.Get(ctx, entry.JobID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.FilterConcat, job.Filter)
	require.Equal(t, domain.JobStatusSucceeded, job.Status)
}

func TestConcatRetryAfterSecondDownloadFails(t *testing.T) {
	files := fakeFiles{"first": testPNG(t, 20, 12)}
	f := newFixture(t, files, nil)
	ctx := context.Background()

	require.NoError(t, f.handler.Handle(ctx, photoUpdate("first", "concat")))
	first, ok := pendingEntry(t, f)
	require.True(t, ok)

	require.Error(t, f.handler.Handle(ctx, photoUpdate("second", "concat")))
	restored, ok := pendingEntry(t, f)
	require.True(t, ok, "a retryable failure keeps the first image buffered")
	require.Equal(t, first, restored)

	files["second"] = testPNG(t, 16, 10)
	require.NoError(t, f.handler.Handle(ctx, photoUpdate("second", "concat")))

	require.Equal(t, []string{msgFirstConcatImage, msgConcatDone}, f.messenger.texts())
	photos := f.messenger.sentPhotos()
	require.Len(t, photos, 1)
	w, h := decodeSize(t, photos[0].data)
	require.Equal(t, 36, w)
	require.Equal(t, 10, h)

	_, ok = pendingEntry(t, f)
	require.False(t, ok)

	job, ok, err := f.jobs.Get(ctx, first.JobID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.JobStatusSucceeded, job.Status)
}

func TestConcatRetryAfterSendPhotoFails(t *testing.T) {
	f := newFixture(t, fakeFiles{
		"first":  testPNG(t, 20, 12),
		"second": testPNG(t, 16, 10),
	}, nil)
	f.messenger.failPhotos = 1
	ctx := context.Background()

	require.NoError(t, f.handler.Handle(ctx, photoUpdate("first", "concat")))
	require.Error(t, f.handler.Handle(ctx, photoUpdate("second", "concat")))

	entry, ok := pendingEntry(t, f)
	require.True(t, ok)
	require.Equal(t, "first", entry.FileID)

	require.NoError(t, f.handler.Handle(ctx, photoUpdate("second", "concat")))
	require.Len(t, f.messenger.sentPhotos(), 1)
	_, ok = pendingEntry(t, f)
	require.False(t, ok)
}

func TestConcatDirectionFromFirstCaption(t *testing.T) {
	f := newFixture(t, fakeFiles{
		"first":  testPNG(t, 20, 12),
		"second": testPNG(t, 16, 10),
	}, nil)
	ctx := context.Background()

	require.NoError(t, f.handler.Handle(ctx, photoUpdate("first", "concat vertical")))
	require.NoError(t, f.handler.Handle(ctx, photoUpdate("second", "concat")))

	photos := f.messenger.sentPhotos()
	require.Len(t, photos, 1)
	w, h := decodeSize(t, photos[0].data)
	require.Equal(t, 16, w)
	require.Equal(t, 22, h)
}

func TestConcatRejectsCorruptFirstImage(t *testing.T) {
	f := newFixture(t, fakeFiles{"bad": []byte("garbage")}, nil)
	ctx := context.Background()

	require.NoError(t, f.handler.Handle(ctx, photoUpdate("bad", "concat")))
	texts := f.messenger.texts()
	require.Len(t, texts, 1)
	require.True(t, strings.HasPrefix(texts[0], "Error processing image: "))

	_, ok := pendingEntry(t, f)
	require.False(t, ok)
}

func TestConcatArchivesFirstImage(t *testing.T) {
	archive := &recordingWriter{}
	f := newFixture(t, fakeFiles{"first": testPNG(t, 8, 8)}, func(d *Deps) { d.Archive = archive })

	require.NoError(t, f.handler.Handle(context.Background(), photoUpdate("first", "concat")))

	entry, ok := pendingEntry(t, f)
	require.True(t, ok)
	require.Equal(t, pipeline.SourceObjectKey("", entry.JobID, 0, "photo_10.jpg"), entry.ObjectKey)
	require.Equal(t, []string{entry.ObjectKey}, archive.keys)
}

func TestConcatConcurrentPhotosPairUp(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, fakeFiles{
		"a": testPNG(t, 12, 12),
		"b": testPNG(t, 12, 12),
	}, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.handler.Handle(context.Background(), photoUpdate(id, "concat"))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	texts := f.messenger.texts()
	require.ElementsMatch(t, []string{msgFirstConcatImage, msgConcatDone}, texts)
	require.Len(t, f.messenger.sentPhotos(), 1)

	_, ok := pendingEntry(t, f)
	require.False(t, ok)
}

func TestPredict(t *testing.T) {
	cases := []struct {
		name      string
		predictor Predictor
		wantLast  string
		status    string
	}{
		{"success", fakePredictor{text: "2 dogs, 1 cat"}, "Prediction: 2 dogs, 1 cat", domain.JobStatusSucceeded},
		{"server error", fakePredictor{err: errors.New("connection refused")}, msgPredictFailed, domain.JobStatusFailed},
		{"non-2xx", fakePredictor{err: &inference.StatusError{StatusCode: 502}}, msgPredictNon2xx, domain.JobStatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, fakeFiles{"p1": testPNG(t, 8, 8)}, func(d *Deps) { d.Predictor = tc.predictor })

			require.NoError(t, f.handler.Handle(context.Background(), photoUpdate("p1", "predict")))
			texts := f.messenger.texts()
			require.Equal(t, []string{msgPredictSending, tc.wantLast}, texts)

			jobs := chatJobs(t, f.jobs)
			require.Len(t, jobs, 1)
			require.Equal(t, domain.FilterPredict, jobs[0].Filter)
			require.Equal(t, tc.status, jobs[0].Status)
		})
	}
}

func TestPredictWithoutService(t *testing.T) {
	f := newFixture(t, fakeFiles{"p1": testPNG(t, 8, 8)}, nil)

	require.NoError(t, f.handler.Handle(context.Background(), photoUpdate("p1", "predict")))
	require.Equal(t, []string{msgPredictDisabled}, f.messenger.texts())
}

func TestRateLimitedChat(t *testing.T) {
	f := newFixture(t, fakeFiles{"p1": testPNG(t, 8, 8)}, func(d *Deps) { d.Limiter = denyLimiter{} })

	require.NoError(t, f.handler.Handle(context.Background(), photoUpdate("p1", "contour")))
	require.Equal(t, []string{rateLimitedText(3)}, f.messenger.texts())
	require.Empty(t, chatJobs(t, f.jobs))
}

func TestNewHandlerRequiresDependencies(t *testing.T) {
	_, err := NewHandler(Deps{})
	require.Error(t, err)
}

type recordingWriter struct {
	mu   sync.Mutex
	keys []string
}

func (w *recordingWriter) WriteObject(_ context.Context, key string, _ []byte, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.keys = append(w.keys, key)
	return nil
}
