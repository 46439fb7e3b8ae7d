package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, Token: "TOKEN", MaxDownloadBytes: 16})
}

func TestDownloadFile(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/botTOKEN/getFile":
			require.Equal(t, "abc", r.URL.Query().Get("file_id"))
			_, _ = io.WriteString(w, `{"ok":true,"result":{"file_id":"abc","file_path":"photos/file_1.jpg"}}`)
		case "/file/botTOKEN/photos/file_1.jpg":
			_, _ = io.WriteString(w, "jpeg-bytes")
		default:
			http.NotFound(w, r)
		}
	})

	data, path, err := client.DownloadFile(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, "jpeg-bytes", string(data))
	require.Equal(t, "photos/file_1.jpg", path)
}

func TestDownloadRejectsOversizedFiles(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("x", 64))
	})

	_, err := client.Download(context.Background(), "photos/big.jpg")
	require.ErrorContains(t, err, "too large")
}

func TestSendMessageSurfacesAPIErrors(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
	})

	err := client.SendMessage(context.Background(), 1, "hello")
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, http.StatusBadRequest, reqErr.StatusCode)
	require.Contains(t, reqErr.Error(), "chat not found")
}

func TestSendMessageBody(t *testing.T) {
	var got sendMessageRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"ok":true,"result":{}}`)
	})

	require.NoError(t, client.SendMessage(context.Background(), 77, "  hi there "))
	require.Equal(t, int64(77), got.ChatID)
	require.Equal(t, "hi there", got.Text)
}

func TestSendPhotoMultipart(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/botTOKEN/sendPhoto", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "9", r.FormValue("chat_id"))
		require.Equal(t, "done", r.FormValue("caption"))

		f, header, err := r.FormFile("photo")
		require.NoError(t, err)
		defer f.Close()
		body, _ := io.ReadAll(f)
		require.Equal(t, "out.png", header.Filename)
		require.Equal(t, "png-bytes", string(body))

		_, _ = io.WriteString(w, `{"ok":true,"result":{}}`)
	})

	require.NoError(t, client.SendPhoto(context.Background(), 9, "out.png", []byte("png-bytes"), "done"))
}

func TestSetWebhook(t *testing.T) {
	var got setWebhookRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/botTOKEN/setWebhook", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"ok":true,"result":true}`)
	})

	require.NoError(t, client.SetWebhook(context.Background(), "https://bot.example.com/", "s3cret"))
	require.Equal(t, "https://bot.example.com/TOKEN/", got.URL)
	require.Equal(t, "s3cret", got.SecretToken)
}

func TestImageFileID(t *testing.T) {
	msg := &Message{Photo: []PhotoSize{
		{FileID: "small", Width: 90, Height: 60},
		{FileID: "large", Width: 1280, Height: 853},
		{FileID: "medium", Width: 320, Height: 213},
	}}
	id, ok := msg.ImageFileID()
	require.True(t, ok)
	require.Equal(t, "large", id)

	doc := &Message{Document: &Document{FileID: "doc", MimeType: "image/png"}}
	id, ok = doc.ImageFileID()
	require.True(t, ok)
	require.Equal(t, "doc", id)

	pdf := &Message{Document: &Document{FileID: "pdf", MimeType: "application/pdf"}}
	_, ok = pdf.ImageFileID()
	require.False(t, ok)
}

func TestTransportErrorsOmitToken(t *testing.T) {
	const token = "123:SECRET"
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	client := NewClient(Config{BaseURL: baseURL, Token: token})
	ctx := context.Background()

	_, _, downloadErr := client.DownloadFile(ctx, "abc")
	_, fetchErr := client.Download(ctx, "photos/file_1.jpg")
	calls := map[string]error{
		"getFile":     downloadErr,
		"download":    fetchErr,
		"sendMessage": client.SendMessage(ctx, 1, "hi"),
		"sendPhoto":   client.SendPhoto(ctx, 1, "a.jpg", []byte("x"), ""),
		"setWebhook":  client.SetWebhook(ctx, "https://example.com", ""),
	}
	for method, err := range calls {
		require.Error(t, err, method)
		require.NotContains(t, err.Error(), token, method)
		require.Contains(t, err.Error(), "telegram "+method, method)

		var ue *url.Error
		require.False(t, errors.As(err, &ue), method)
	}
}

func TestTransportErrorsKeepCause(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"ok":true,"result":true}`)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.SendMessage(ctx, 1, "hi")
	require.ErrorIs(t, err, context.Canceled)
	require.NotContains(t, err.Error(), "TOKEN")
}
