// Package tg speaks the Telegram Bot API over plain HTTP.
package tg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"vk-ads-bot/internal/metrics"
)

const defaultBaseURL = "https://api.telegram.org"

// Config holds Telegram client configuration.
type Config struct {
	BaseURL  string
	BotToken string
	Timeout  time.Duration
}

// Client provides the handful of Bot API methods this service needs.
// Long polling uses a separate transport: getUpdates is held open by
// Telegram for the whole poll window, so it cannot share the bounded
// per-request timeout of the regular calls.
type Client struct {
	logger   *slog.Logger
	baseURL  string
	botToken string
	http     *http.Client
	longPoll *http.Client
	metrics  *metrics.Metrics
}

// APIError describes a non-2xx Bot API response.
type APIError struct {
	StatusCode  int
	Description string
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("telegram api error: status=%d description=%s", e.StatusCode, e.Description)
	}
	return fmt.Sprintf("telegram api error: status=%d", e.StatusCode)
}

// New creates a new Telegram client.
func New(cfg Config, logger *slog.Logger, metrics *metrics.Metrics) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		logger:   logger.With("component", "tg"),
		baseURL:  base,
		botToken: cfg.BotToken,
		http:     &http.Client{Timeout: timeout},
		longPoll: &http.Client{},
		metrics:  metrics,
	}
}

// SendMessage sends an HTML-formatted message, optionally with an inline
// keyboard.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, markup *InlineKeyboardMarkup) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	if markup != nil {
		payload["reply_markup"] = markup
	}
	if err := c.call(ctx, "sendMessage", payload, nil); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.TGOutgoingMessages.WithLabelValues("send").Inc()
	}
	return nil
}

// EditMessageText rewrites a previously sent message in place, the way
// button-driven views are refreshed.
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string, markup *InlineKeyboardMarkup) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
		"parse_mode": "HTML",
	}
	if markup != nil {
		payload["reply_markup"] = markup
	}
	if err := c.call(ctx, "editMessageText", payload, nil); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.TGOutgoingMessages.WithLabelValues("edit").Inc()
	}
	return nil
}

// AnswerCallbackQuery acknowledges a button press so the client stops
// showing the progress spinner.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackQueryID string) error {
	return c.call(ctx, "answerCallbackQuery", map[string]any{
		"callback_query_id": callbackQueryID,
	}, nil)
}

// SetWebhook registers the delivery URL with Telegram.
func (c *Client) SetWebhook(ctx context.Context, url, secretToken string, dropPending bool) error {
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("telegram set webhook: url is required")
	}
	payload := map[string]any{
		"url":             url,
		"allowed_updates": []string{"message", "callback_query"},
	}
	if secretToken != "" {
		payload["secret_token"] = secretToken
	}
	if dropPending {
		payload["drop_pending_updates"] = true
	}
	return c.call(ctx, "setWebhook", payload, nil)
}

// DeleteWebhook removes the webhook registration, e.g. before polling.
func (c *Client) DeleteWebhook(ctx context.Context, dropPending bool) error {
	payload := map[string]any{}
	if dropPending {
		payload["drop_pending_updates"] = true
	}
	return c.call(ctx, "deleteWebhook", payload, nil)
}

// GetUpdates long-polls Telegram for pending updates. The request deadline
// is the poll window plus a network margin, independent of the regular
// per-call timeout.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration, limit int) ([]Update, error) {
	payload := map[string]any{
		"allowed_updates": []string{"message", "callback_query"},
	}
	if offset > 0 {
		payload["offset"] = offset
	}
	window := time.Duration(0)
	if timeout > 0 {
		seconds := int(timeout.Round(time.Second).Seconds())
		if seconds > 50 {
			seconds = 50
		}
		payload["timeout"] = seconds
		window = time.Duration(seconds) * time.Second
	}
	if limit > 0 {
		if limit > 100 {
			limit = 100
		}
		payload["limit"] = limit
	}

	ctx, cancel := context.WithTimeout(ctx, window+5*time.Second)
	defer cancel()

	var updates []Update
	if err := c.do(ctx, c.longPoll, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// apiResponse mirrors the Bot API envelope.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description,omitempty"`
}

func (c *Client) call(ctx context.Context, method string, payload any, dest any) error {
	return c.do(ctx, c.http, method, payload, dest)
}

func (c *Client) do(ctx context.Context, httpClient *http.Client, method string, payload any, dest any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram %s encode: %w", method, err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := httpClient.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.Errors.WithLabelValues("tg").Inc()
		}
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telegram %s read: %w", method, err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var parsed apiResponse
		_ = json.Unmarshal(raw, &parsed)
		return &APIError{StatusCode: res.StatusCode, Description: parsed.Description}
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("telegram %s decode: %w", method, err)
	}
	if !parsed.OK {
		return &APIError{StatusCode: res.StatusCode, Description: parsed.Description}
	}
	if dest != nil && len(parsed.Result) > 0 {
		if err := json.Unmarshal(parsed.Result, dest); err != nil {
			return fmt.Errorf("telegram %s decode result: %w", method, err)
		}
	}
	return nil
}
