package tg

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"vk-ads-bot/internal/metrics"
)

const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// UpdateProcessor handles inbound Telegram updates.
type UpdateProcessor interface {
	HandleUpdate(ctx context.Context, update Update)
}

// WebhookHandler verifies the Telegram secret token and forwards updates.
type WebhookHandler struct {
	logger       *slog.Logger
	metrics      *metrics.Metrics
	secretToken  string
	maxBodyBytes int64
	processor    UpdateProcessor
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(logger *slog.Logger, metrics *metrics.Metrics, secretToken string, processor UpdateProcessor) *WebhookHandler {
	return &WebhookHandler{
		logger:       logger.With("component", "tg_webhook"),
		metrics:      metrics,
		secretToken:  secretToken,
		maxBodyBytes: 1 << 20,
		processor:    processor,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.secretToken != "" && r.Header.Get(secretTokenHeader) != h.secretToken {
		if h.metrics != nil {
			h.metrics.Errors.WithLabelValues("tg_webhook_auth").Inc()
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	defer body.Close()

	payload, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var update Update
	if err := json.Unmarshal(payload, &update); err != nil {
		h.logger.Warn("invalid webhook payload", "error", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if h.metrics != nil {
		h.metrics.TGIncomingUpdates.WithLabelValues(updateType(update)).Inc()
	}
	if h.processor != nil {
		h.processor.HandleUpdate(r.Context(), update)
	}

	w.WriteHeader(http.StatusOK)
}

func updateType(update Update) string {
	switch {
	case update.CallbackQuery != nil:
		return "callback_query"
	case update.Message != nil:
		return "message"
	default:
		return "other"
	}
}
