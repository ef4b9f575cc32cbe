package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aspen-cloud/aspen-sdk/errors"
	"github.com/aspen-cloud/aspen-sdk/pkg/retry"
)

// HTTPConfig configures the HTTP inbox transport.
type HTTPConfig struct {
	// APIURL is the base URL of the API, without trailing slash.
	APIURL string
	// AppID scopes the recipient inbox.
	AppID string
	// Timeout bounds each attempt. Zero means 30s.
	Timeout time.Duration
	// Retry controls attempts on network errors and 5xx answers.
	Retry retry.Config
}

// HTTP posts messages to the recipient's inbox endpoint:
//
//	POST {APIURL}/inbox/{to}/{AppID}/
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTP returns an HTTP transport sending through client, which is expected
// to attach credentials. A nil client uses http.DefaultClient.
func NewHTTP(cfg HTTPConfig, client *http.Client, logger *slog.Logger) (*HTTP, error) {
	if cfg.APIURL == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "HTTP", "NewHTTP", "api url is required")
	}
	if _, err := url.Parse(cfg.APIURL); err != nil {
		return nil, errors.WrapInvalid(err, "HTTP", "NewHTTP", "invalid api url")
	}
	if cfg.AppID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "HTTP", "NewHTTP", "app id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{cfg: cfg, client: client, logger: logger.With("component", "http-transport")}, nil
}

// Endpoint returns the inbox URL of to.
func (h *HTTP) Endpoint(to string) string {
	return fmt.Sprintf("%s/inbox/%s/%s/", h.cfg.APIURL, url.PathEscape(to), url.PathEscape(h.cfg.AppID))
}

// Deliver implements Transport.
func (h *HTTP) Deliver(ctx context.Context, to string, body json.RawMessage) error {
	if to == "" {
		return errors.TransportFailure(to, retry.NonRetryable(errors.ErrInvalidRequest))
	}
	if len(body) == 0 {
		body = json.RawMessage("null")
	}

	key, ok := MessageID(ctx)
	if !ok {
		key = uuid.NewString()
	}

	attempt := 0
	err := retry.Do(ctx, h.cfg.Retry, func() error {
		attempt++
		err := h.post(ctx, to, body, key)
		if err != nil && !retry.IsNonRetryable(err) {
			h.logger.Debug("delivery attempt failed", "to", to, "attempt", attempt, "error", err)
		}
		return err
	})
	return errors.TransportFailure(to, err)
}

func (h *HTTP) post(ctx context.Context, to string, body json.RawMessage, key string) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint(to), bytes.NewReader(body))
	if err != nil {
		return retry.NonRetryable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d", errors.ErrRateLimited, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	default:
		return retry.NonRetryable(fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}
}
