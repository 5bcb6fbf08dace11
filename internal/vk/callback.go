package vk

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"vk-ads-bot/internal/metrics"
)

// TokenExchanger swaps an OAuth authorization code for a token grant.
type TokenExchanger interface {
	ExchangeCode(ctx context.Context, code string) (*TokenGrant, error)
}

// AccountLinker persists the linked VK identity for a bot user.
type AccountLinker interface {
	UpdateLinkedAccount(ctx context.Context, userID, vkUserID int64, rawToken string) error
}

// CallbackHandler receives the VK OAuth redirect, drives the code exchange
// and persists the result. The state parameter is the bot user id minted by
// this system; it is accepted without a signature, matching the flow that
// produced it.
type CallbackHandler struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	exchanger TokenExchanger
	linker    AccountLinker
}

// NewCallbackHandler creates the OAuth redirect handler.
func NewCallbackHandler(logger *slog.Logger, metrics *metrics.Metrics, exchanger TokenExchanger, linker AccountLinker) *CallbackHandler {
	return &CallbackHandler{
		logger:    logger.With("component", "vk_callback"),
		metrics:   metrics,
		exchanger: exchanger,
		linker:    linker,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()

	if oauthErr := query.Get("error"); oauthErr != "" {
		h.logger.Warn("vk oauth error", "error", oauthErr, "description", query.Get("error_description"))
		h.count("provider_error")
		h.respond(w, http.StatusBadRequest, "VK authorization failed. Please try again.")
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		h.count("bad_request")
		h.respond(w, http.StatusBadRequest, "Invalid authorization parameters.")
		return
	}

	userID, err := strconv.ParseInt(state, 10, 64)
	if err != nil || userID <= 0 {
		h.count("bad_request")
		h.respond(w, http.StatusBadRequest, "Invalid authorization parameters.")
		return
	}

	grant, err := h.exchanger.ExchangeCode(r.Context(), code)
	if err != nil {
		h.logger.Error("code exchange failed", "error", err, "user_id", userID)
		h.count("exchange_failed")
		h.respond(w, http.StatusBadRequest, "Failed to obtain a VK token. Please try again.")
		return
	}

	if err := h.linker.UpdateLinkedAccount(r.Context(), userID, grant.UserID, grant.AccessToken); err != nil {
		h.logger.Error("persist linked account failed", "error", err, "user_id", userID)
		h.count("persist_failed")
		h.respond(w, http.StatusInternalServerError, "Failed to save the link. Please try again.")
		return
	}

	h.logger.Info("vk account linked", "user_id", userID, "vk_user_id", grant.UserID)
	h.count("linked")
	h.respond(w, http.StatusOK, "VK account linked successfully.\n\nReturn to Telegram and use /status to check the connection.")
}

func (h *CallbackHandler) count(outcome string) {
	if h.metrics != nil {
		h.metrics.OAuthCallbacks.WithLabelValues(outcome).Inc()
	}
}

func (h *CallbackHandler) respond(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(text))
}
