package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultMaxDownloadBytes = 20 * 1024 * 1024

type Config struct {
	BaseURL          string
	Token            string
	Timeout          time.Duration
	MaxDownloadBytes int64
}

// Client talks to the Telegram Bot API over plain HTTPS.
type Client struct {
	http             *http.Client
	baseURL          string
	token            string
	maxDownloadBytes int64
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxBytes := cfg.MaxDownloadBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxDownloadBytes
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &Client{
		http:             &http.Client{Timeout: timeout},
		baseURL:          baseURL,
		token:            cfg.Token,
		maxDownloadBytes: maxBytes,
	}
}

// RequestError is a non-OK answer from the Bot API.
type RequestError struct {
	Method      string
	StatusCode  int
	ErrorCode   int
	Description string
}

func (e *RequestError) Error() string {
	desc := strings.TrimSpace(e.Description)
	if desc == "" {
		desc = "ok=false"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("telegram %s http %d: %s", e.Method, e.StatusCode, desc)
	}
	return fmt.Sprintf("telegram %s: %s", e.Method, desc)
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
}

// transportError drops the request URL from err. Every Bot API URL embeds the
// token, and these errors end up in logs and job records.
func transportError(method string, err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	return fmt.Errorf("telegram %s: %w", method, err)
}

func (c *Client) do(req *http.Request, method string, into any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(method, err)
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()

	var out apiResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !out.OK {
		desc := out.Description
		if desc == "" {
			desc = strings.TrimSpace(string(raw))
		}
		return &RequestError{
			Method:      method,
			StatusCode:  resp.StatusCode,
			ErrorCode:   out.ErrorCode,
			Description: desc,
		}
	}

	if into == nil || len(out.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(out.Result, into); err != nil {
		return fmt.Errorf("telegram %s: decode result: %w", method, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, method string, body any, into any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("telegram %s: marshal request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(b))
	if err != nil {
		return transportError(method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, method, into)
}

func (c *Client) GetFile(ctx context.Context, fileID string) (File, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return File{}, fmt.Errorf("missing file_id")
	}

	u := c.methodURL("getFile") + "?file_id=" + url.QueryEscape(fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return File{}, transportError("getFile", err)
	}

	var f File
	if err := c.do(req, "getFile", &f); err != nil {
		return File{}, err
	}
	if strings.TrimSpace(f.FilePath) == "" {
		return File{}, fmt.Errorf("telegram getFile: missing file_path")
	}
	return f, nil
}

// Download fetches a file previously resolved with GetFile.
func (c *Client) Download(ctx context.Context, filePath string) ([]byte, error) {
	filePath = strings.TrimLeft(strings.TrimSpace(filePath), "/")
	if filePath == "" {
		return nil, fmt.Errorf("missing file_path")
	}

	u := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, filePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, transportError("download", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError("download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &RequestError{Method: "download", StatusCode: resp.StatusCode, Description: strings.TrimSpace(string(raw))}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxDownloadBytes+1))
	if err != nil {
		return nil, transportError("download", err)
	}
	if int64(len(data)) > c.maxDownloadBytes {
		return nil, fmt.Errorf("telegram file too large (>%d bytes)", c.maxDownloadBytes)
	}
	return data, nil
}

// DownloadFile resolves fileID and downloads it, returning the data and the remote file path.
func (c *Client) DownloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	f, err := c.GetFile(ctx, fileID)
	if err != nil {
		return nil, "", err
	}
	data, err := c.Download(ctx, f.FilePath)
	if err != nil {
		return nil, "", err
	}
	return data, f.FilePath, nil
}

type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		text = "(empty)"
	}
	return c.postJSON(ctx, "sendMessage", sendMessageRequest{ChatID: chatID, Text: text}, nil)
}

// SendPhoto uploads data as a new photo message.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, filename string, data []byte, caption string) error {
	if len(data) == 0 {
		return fmt.Errorf("missing photo data")
	}
	filename = strings.TrimSpace(filename)
	if filename == "" {
		filename = "photo.jpg"
	}
	caption = strings.TrimSpace(caption)

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer pw.Close()
		defer mw.Close()

		_ = mw.WriteField("chat_id", strconv.FormatInt(chatID, 10))
		if caption != "" {
			_ = mw.WriteField("caption", caption)
		}

		part, err := mw.CreateFormFile("photo", filename)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if _, err := part.Write(data); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL("sendPhoto"), pr)
	if err != nil {
		_ = pr.Close()
		return transportError("sendPhoto", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, "sendPhoto", nil)
}

type setWebhookRequest struct {
	URL            string   `json:"url"`
	SecretToken    string   `json:"secret_token,omitempty"`
	AllowedUpdates []string `json:"allowed_updates,omitempty"`
}

// SetWebhook points Telegram at <appURL>/<token>/.
func (c *Client) SetWebhook(ctx context.Context, appURL, secretToken string) error {
	appURL = strings.TrimRight(strings.TrimSpace(appURL), "/")
	if appURL == "" {
		return fmt.Errorf("missing webhook app url")
	}
	return c.postJSON(ctx, "setWebhook", setWebhookRequest{
		URL:            fmt.Sprintf("%s/%s/", appURL, c.token),
		SecretToken:    secretToken,
		AllowedUpdates: []string{"message", "edited_message"},
	}, nil)
}
