// Package convo routes Telegram commands and button presses through the
// account-linking and report views.
package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"vk-ads-bot/internal/metrics"
	"vk-ads-bot/internal/repo"
	"vk-ads-bot/internal/tg"
	"vk-ads-bot/internal/vk"
)

// Button action identifiers. These ride inside Telegram callback data and
// must stay stable across deployments.
const (
	actionConnectVK   = "connect_vk"
	actionCheckStatus = "check_status"
	actionGetReport   = "get_report"
)

// reportAccountLimit caps how many ad accounts the report lists in full.
const reportAccountLimit = 3

// Sender delivers rendered views back to Telegram.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string, markup *tg.InlineKeyboardMarkup) error
	EditMessageText(ctx context.Context, chatID, messageID int64, text string, markup *tg.InlineKeyboardMarkup) error
	AnswerCallbackQuery(ctx context.Context, callbackQueryID string) error
}

// VKGateway is the slice of the VK client the flow needs.
type VKGateway interface {
	AuthorizeURL(userID int64) string
	GetProfile(ctx context.Context, accessToken string) (*vk.Profile, error)
	ListAdAccounts(ctx context.Context, accessToken string, vkUserID int64) ([]vk.AdAccount, error)
}

// Engine handles bot interactions. It keeps no per-conversation state: every
// update is resolved against the store and the VK API from scratch.
type Engine struct {
	store   repo.Store
	vk      VKGateway
	sender  Sender
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates the conversation engine.
func New(store repo.Store, vkClient VKGateway, sender Sender, metricRegistry *metrics.Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		vk:      vkClient,
		sender:  sender,
		metrics: metricRegistry,
		logger:  logger.With("component", "convo"),
	}
}

// HandleUpdate routes one Telegram update. Failures are logged and rendered
// as a retryable message; they never escape the interaction.
func (e *Engine) HandleUpdate(ctx context.Context, update tg.Update) {
	switch {
	case update.CallbackQuery != nil:
		e.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		e.handleMessage(ctx, update.Message)
	}
}

func (e *Engine) handleMessage(ctx context.Context, msg *tg.Message) {
	if msg.Chat.ID <= 0 {
		return
	}
	if msg.Chat.Type != "" && msg.Chat.Type != "private" {
		return
	}

	command := parseCommand(msg.Text)
	var err error
	switch command {
	case "/start":
		err = e.handleStart(ctx, msg.From.ID, msg.Chat.ID)
	case "/status":
		view := e.statusView(ctx, msg.From.ID)
		err = e.sender.SendMessage(ctx, msg.Chat.ID, view.text, view.markup)
	case "/help":
		err = e.sender.SendMessage(ctx, msg.Chat.ID, helpText, nil)
	case "":
		return
	default:
		err = e.sender.SendMessage(ctx, msg.Chat.ID, "Unknown command. Use /help to see what I can do.", nil)
	}
	if err != nil {
		e.fail(ctx, msg.Chat.ID, 0, command, err)
	}
}

func (e *Engine) handleCallback(ctx context.Context, cb *tg.CallbackQuery) {
	if err := e.sender.AnswerCallbackQuery(ctx, cb.ID); err != nil {
		e.logger.Warn("answer callback query failed", "error", err)
	}
	if cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID
	messageID := cb.Message.MessageID
	if chatID <= 0 {
		return
	}
	if cb.Message.Chat.Type != "" && cb.Message.Chat.Type != "private" {
		return
	}

	var v view
	switch cb.Data {
	case actionConnectVK:
		v = e.connectView(cb.From.ID)
	case actionCheckStatus:
		v = e.statusView(ctx, cb.From.ID)
	case actionGetReport:
		v = e.reportView(ctx, cb.From.ID)
	default:
		e.logger.Warn("unknown callback action", "action", cb.Data)
		return
	}

	if err := e.sender.EditMessageText(ctx, chatID, messageID, v.text, v.markup); err != nil {
		e.fail(ctx, chatID, messageID, cb.Data, err)
	}
}

// fail renders the generic retry view after logging the underlying error.
func (e *Engine) fail(ctx context.Context, chatID, messageID int64, action string, err error) {
	e.logger.Error("interaction failed", "action", action, "chat_id", chatID, "error", err)
	if e.metrics != nil {
		e.metrics.Errors.WithLabelValues("convo").Inc()
	}

	v := genericErrorView(action)
	var sendErr error
	if messageID != 0 {
		sendErr = e.sender.EditMessageText(ctx, chatID, messageID, v.text, v.markup)
	} else {
		sendErr = e.sender.SendMessage(ctx, chatID, v.text, v.markup)
	}
	if sendErr != nil {
		e.logger.Error("failed rendering error view", "error", sendErr)
	}
}

func (e *Engine) handleStart(ctx context.Context, userID, chatID int64) error {
	if _, err := e.store.GetOrCreate(ctx, userID); err != nil {
		return fmt.Errorf("get or create account: %w", err)
	}
	return e.sender.SendMessage(ctx, chatID, startText, &tg.InlineKeyboardMarkup{
		InlineKeyboard: [][]tg.InlineKeyboardButton{
			{{Text: "🔗 Connect VK", CallbackData: actionConnectVK}},
			{{Text: "📊 Check status", CallbackData: actionCheckStatus}},
		},
	})
}

func parseCommand(text string) string {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return ""
	}
	command := fields[0]
	if idx := strings.Index(command, "@"); idx != -1 {
		command = command[:idx]
	}
	return command
}

type view struct {
	text   string
	markup *tg.InlineKeyboardMarkup
}

func (e *Engine) connectView(userID int64) view {
	return view{
		text: "🔐 <b>Connecting the VK Ads API:</b>\n\n" +
			"1. Open the authorization link below\n" +
			"2. Allow access to your advertising account\n" +
			"3. Come back and press <b>Refresh status</b>\n\n" +
			"The 'ads' permission is required for campaign statistics.",
		markup: &tg.InlineKeyboardMarkup{
			InlineKeyboard: [][]tg.InlineKeyboardButton{
				{{Text: "🔗 Authorize in VK", URL: e.vk.AuthorizeURL(userID)}},
				{{Text: "🔄 Refresh status", CallbackData: actionCheckStatus}},
			},
		},
	}
}

func (e *Engine) statusView(ctx context.Context, userID int64) view {
	account, err := e.store.GetOrCreate(ctx, userID)
	if err != nil {
		e.logger.Error("load account failed", "user_id", userID, "error", err)
		return genericErrorView(actionCheckStatus)
	}
	if !account.Linked() {
		return notConnectedView()
	}

	token, ok, err := e.store.GetDecodedToken(ctx, userID)
	if err != nil {
		e.logger.Error("load token failed", "user_id", userID, "error", err)
		return genericErrorView(actionCheckStatus)
	}
	if !ok {
		// Linked row with an undecodable token: route back through reconnect.
		return notConnectedView()
	}

	profile, err := e.vk.GetProfile(ctx, token)
	if err != nil {
		e.logger.Warn("profile check failed", "user_id", userID, "error", err)
		return accessErrorView()
	}

	accountCount := 0
	if accounts, err := e.vk.ListAdAccounts(ctx, token, *account.VKUserID); err != nil {
		e.logger.Warn("ad account count failed", "user_id", userID, "error", err)
	} else {
		accountCount = len(accounts)
	}

	text := "📊 <b>Connection status:</b>\n\n" +
		"VK Ads: ✅ <i>connected</i>\n" +
		fmt.Sprintf("User: <b>%s</b>\n", profile.FullName()) +
		fmt.Sprintf("Ad accounts: <b>%d</b>\n", accountCount) +
		fmt.Sprintf("Last linked: <i>%s</i>\n\n", account.LastSeen.Format("02.01.2006 15:04")) +
		"Ready to build reports."
	return view{
		text: text,
		markup: &tg.InlineKeyboardMarkup{
			InlineKeyboard: [][]tg.InlineKeyboardButton{
				{{Text: "📈 Get report", CallbackData: actionGetReport}},
				{{Text: "🔄 Refresh", CallbackData: actionCheckStatus}},
			},
		},
	}
}

func (e *Engine) reportView(ctx context.Context, userID int64) view {
	token, ok, err := e.store.GetDecodedToken(ctx, userID)
	if err != nil {
		e.logger.Error("load token failed", "user_id", userID, "error", err)
		return genericErrorView(actionGetReport)
	}
	if !ok {
		return view{
			text: "❌ <b>Error:</b> your VK account is not connected.",
			markup: &tg.InlineKeyboardMarkup{
				InlineKeyboard: [][]tg.InlineKeyboardButton{
					{{Text: "🔗 Connect VK", CallbackData: actionConnectVK}},
				},
			},
		}
	}

	account, err := e.store.GetByUserID(ctx, userID)
	if err != nil || account.VKUserID == nil {
		if err == nil {
			err = errors.New("decodable token on an unlinked row")
		}
		e.logger.Error("load account failed", "user_id", userID, "error", err)
		return genericErrorView(actionGetReport)
	}

	accounts, err := e.vk.ListAdAccounts(ctx, token, *account.VKUserID)
	if err != nil {
		e.logger.Warn("ad account list failed", "user_id", userID, "error", err)
		return genericErrorView(actionGetReport)
	}

	if len(accounts) == 0 {
		return view{
			text: "📊 <b>Ad campaign report</b>\n\n" +
				"ℹ️ No advertising accounts found.\n\n" +
				"Possible reasons:\n" +
				"• no active ad accounts\n" +
				"• insufficient permissions\n" +
				"• accounts are blocked",
			markup: &tg.InlineKeyboardMarkup{
				InlineKeyboard: [][]tg.InlineKeyboardButton{
					{{Text: "🔄 Refresh", CallbackData: actionGetReport}},
				},
			},
		}
	}

	var b strings.Builder
	b.WriteString("📊 <b>Ad campaign report</b>\n\n")
	for i, acc := range accounts {
		if i == reportAccountLimit {
			break
		}
		statusEmoji, statusLabel := "⏸️", "paused"
		if acc.Active() {
			statusEmoji, statusLabel = "✅", "active"
		}
		name := acc.Name
		if name == "" {
			name = "Untitled"
		}
		fmt.Fprintf(&b, "%s <b>%s</b>\n", statusEmoji, name)
		fmt.Fprintf(&b, "   ID: <code>%d</code>\n", acc.ID)
		fmt.Fprintf(&b, "   Status: %s\n\n", statusLabel)
	}
	if remainder := len(accounts) - reportAccountLimit; remainder > 0 {
		fmt.Fprintf(&b, "...and %d more\n", remainder)
	}

	return view{
		text: b.String(),
		markup: &tg.InlineKeyboardMarkup{
			InlineKeyboard: [][]tg.InlineKeyboardButton{
				{{Text: "🔄 Refresh report", CallbackData: actionGetReport}},
				{{Text: "⚙️ Settings", CallbackData: actionCheckStatus}},
			},
		},
	}
}

func notConnectedView() view {
	return view{
		text: "📊 <b>Connection status:</b>\n\n" +
			"VK Ads: ❌ <i>not connected</i>\n" +
			"Last sync: -\n\n" +
			"Connect your VK account to receive reports:",
		markup: &tg.InlineKeyboardMarkup{
			InlineKeyboard: [][]tg.InlineKeyboardButton{
				{{Text: "🔗 Connect VK", CallbackData: actionConnectVK}},
			},
		},
	}
}

func accessErrorView() view {
	return view{
		text: "📊 <b>Connection status:</b>\n\n" +
			"VK Ads: ⚠️ <i>access error</i>\n\n" +
			"The access token has expired or was revoked.\n" +
			"Please authorize again:",
		markup: &tg.InlineKeyboardMarkup{
			InlineKeyboard: [][]tg.InlineKeyboardButton{
				{{Text: "🔗 Reconnect VK", CallbackData: actionConnectVK}},
			},
		},
	}
}

func genericErrorView(retryAction string) view {
	if retryAction == "" || retryAction[0] == '/' {
		retryAction = actionCheckStatus
	}
	return view{
		text: "❌ <b>Something went wrong</b>\n\nPlease try again in a moment.",
		markup: &tg.InlineKeyboardMarkup{
			InlineKeyboard: [][]tg.InlineKeyboardButton{
				{{Text: "🔄 Retry", CallbackData: retryAction}},
			},
		},
	}
}

const startText = "👋 <b>Welcome to the VK Ads Analytics Bot!</b>\n\n" +
	"🚀 I help you keep an eye on your VK advertising campaigns\n" +
	"📊 Account status and basic reports, right here in the chat\n\n" +
	"Start by connecting your VK account:"

const helpText = "🔧 <b>Available commands:</b>\n\n" +
	"/start - set up the bot\n" +
	"/status - check the VK connection\n" +
	"/help - show this message\n\n" +
	"📊 <b>Features:</b>\n" +
	"• VK Ads API connection\n" +
	"• Advertising account overview\n" +
	"• Basic campaign reports"
