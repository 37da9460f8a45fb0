// Package convert uploads audio and video attachments to the transcription
// service and extracts the transcript from its response.
package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/dhcgn/mailscribe/model"
)

const (
	DefaultEndpoint      = "/api/audio-video/convert"
	DefaultTimeout       = 5 * time.Minute
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 5 * time.Second
)

// transcriptFields are tried in order against a JSON object response.
var transcriptFields = []string{"transcript", "text", "content"}

// Config captures the conversion service settings.
type Config struct {
	BaseURL       string
	Endpoint      string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// ConversionError is returned once every attempt for an attachment failed.
type ConversionError struct {
	Filename string
	Attempts int
	Err      error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %q failed after %d attempts: %v", e.Filename, e.Attempts, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// StatusError reports a non-2xx answer from the service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("conversion API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("conversion API returned status %d: %s", e.StatusCode, e.Body)
}

// Client talks to the conversion endpoint.
type Client struct {
	url        string
	timeout    time.Duration
	attempts   int
	delay      time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New creates a Client. Zero values in cfg fall back to the package
// defaults.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("conversion base URL is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Client{
		url:        base + endpoint,
		timeout:    cfg.Timeout,
		attempts:   cfg.RetryAttempts,
		delay:      cfg.RetryDelay,
		httpClient: &http.Client{},
		logger:     logger.With("component", "convert"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Convert uploads the attachment and returns its transcript. Each attempt is
// bounded by the configured timeout; timeouts, transport errors and non-2xx
// answers are retried.
func (c *Client) Convert(ctx context.Context, att model.Attachment) (string, error) {
	body, contentType, err := encodeUpload(att)
	if err != nil {
		return "", &ConversionError{Filename: att.Filename, Err: err}
	}

	var (
		transcript string
		attempts   int
	)
	err = retry.Do(
		func() error {
			attempts++
			c.logger.Debug("sending conversion request", "file", att.Filename, "attempt", attempts, "size", att.Size())

			t, err := c.post(ctx, body, contentType)
			if err != nil {
				return err
			}
			transcript = t
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.attempts)),
		retry.Delay(c.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("conversion attempt failed", "file", att.Filename, "attempt", n+1, "max_attempts", c.attempts, "error", err)
		}),
	)
	if err != nil {
		return "", &ConversionError{Filename: att.Filename, Attempts: attempts, Err: err}
	}

	c.logger.Info("attachment converted", "file", att.Filename, "attempts", attempts, "chars", len(transcript))
	return transcript, nil
}

func (c *Client) post(ctx context.Context, body []byte, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: truncate(strings.TrimSpace(string(data)), 200)}
	}

	return ExtractTranscript(data), nil
}

// ExtractTranscript returns the first known transcript field of a JSON
// object response. Anything else, including unparsable bodies, is returned
// verbatim.
func ExtractTranscript(body []byte) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return string(body)
	}

	for _, name := range transcriptFields {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		if string(raw) == "null" {
			return ""
		}
		return string(raw)
	}

	return string(body)
}

func encodeUpload(att model.Attachment) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, att.Filename))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(att.Data); err != nil {
		return nil, "", fmt.Errorf("write file part: %w", err)
	}
	if err := w.WriteField("filename", att.Filename); err != nil {
		return nil, "", fmt.Errorf("write filename field: %w", err)
	}
	if err := w.WriteField("contentType", contentType); err != nil {
		return nil, "", fmt.Errorf("write contentType field: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
