package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tikplays-license-api/internal/fulfillment"
	"tikplays-license-api/internal/store"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// api is the subset of *tgbotapi.BotAPI the bot uses.
type api interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Ledger is the read side of the store the admin can browse.
type Ledger interface {
	GetLicense(key string) (store.License, error)
	FindOrder(providerOrderID string) (store.OrderRecord, error)
	ListLicenses(limit int) ([]store.License, error)
	ListOrders(kind store.OrderKind, limit int) ([]store.OrderRecord, error)
}

type Bot struct {
	api         api
	adminChatID int64
	st          Ledger
	now         func() time.Time

	mu     sync.Mutex
	states map[int64]pendingState
}

type pendingState string

const (
	stateNone       pendingState = ""
	stateAskLicense pendingState = "ask_license"
	stateAskOrder   pendingState = "ask_order"
)

const listLimit = 20

func NewBot(token string, adminChatID int64, st Ledger) (*Bot, error) {
	botAPI, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	botAPI.Debug = false
	return newBot(botAPI, adminChatID, st), nil
}

func newBot(a api, adminChatID int64, st Ledger) *Bot {
	return &Bot{
		api:         a,
		adminChatID: adminChatID,
		st:          st,
		now:         time.Now,
		states:      map[int64]pendingState{},
	}
}

func (b *Bot) Run(ctx context.Context) error {
	upd := tgbotapi.NewUpdate(0)
	upd.Timeout = 30
	updates := b.api.GetUpdatesChan(upd)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if u.CallbackQuery != nil {
				b.handleCallback(u.CallbackQuery)
				continue
			}
			if u.Message != nil {
				b.handleMessage(u.Message)
			}
		}
	}
}

// OrderCompleted tells the admin chat about a fresh completion. Send errors are logged only.
func (b *Bot) OrderCompleted(_ context.Context, res fulfillment.Result) {
	msg := tgbotapi.NewMessage(b.adminChatID, formatCompletion(res))
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		log.Warn().Err(err).Str("provider_order_id", res.ProviderOrderID).Msg("telegram notify failed")
	}
}

func (b *Bot) handleMessage(m *tgbotapi.Message) {
	if m.Chat == nil {
		return
	}
	chatID := m.Chat.ID
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}

	if chatID != b.adminChatID {
		b.reply(chatID, "This bot only answers its admin.")
		return
	}

	if strings.HasPrefix(text, "/start") || strings.HasPrefix(text, "/help") || strings.HasPrefix(text, "/menu") {
		b.setState(chatID, stateNone)
		b.sendMenu(chatID, "License admin")
		return
	}
	if cmd, arg, ok := splitCommand(text); ok {
		b.setState(chatID, stateNone)
		switch cmd {
		case "/license":
			b.cmdLicense(chatID, arg)
		case "/order":
			b.cmdOrder(chatID, arg)
		default:
			b.sendMenu(chatID, "Unknown command.")
		}
		return
	}

	switch b.getState(chatID) {
	case stateAskLicense:
		b.setState(chatID, stateNone)
		b.cmdLicense(chatID, text)
		b.sendMenu(chatID, "")
	case stateAskOrder:
		b.setState(chatID, stateNone)
		b.cmdOrder(chatID, text)
		b.sendMenu(chatID, "")
	default:
		b.sendMenu(chatID, "Use the buttons below.")
	}
}

func (b *Bot) handleCallback(q *tgbotapi.CallbackQuery) {
	if q.Message == nil || q.Message.Chat == nil {
		return
	}
	chatID := q.Message.Chat.ID

	if chatID != b.adminChatID {
		_ = b.answerCallback(q.ID, "Not allowed")
		return
	}

	data := strings.TrimSpace(q.Data)
	_ = b.answerCallback(q.ID, "")

	switch {
	case data == "menu":
		b.setState(chatID, stateNone)
		b.sendMenu(chatID, "License admin")
	case data == "licenses":
		b.setState(chatID, stateNone)
		b.cmdLicenses(chatID)
	case data == "renewals":
		b.setState(chatID, stateNone)
		b.cmdOrders(chatID, store.KindRenewal)
	case data == "purchases":
		b.setState(chatID, stateNone)
		b.cmdOrders(chatID, store.KindPurchase)
	case data == "ask_license":
		b.setState(chatID, stateAskLicense)
		b.reply(chatID, "Send the license key:")
	case data == "ask_order":
		b.setState(chatID, stateAskOrder)
		b.reply(chatID, "Send the PayPal order id:")
	case strings.HasPrefix(data, "lic:"):
		b.setState(chatID, stateNone)
		b.cmdLicense(chatID, strings.TrimPrefix(data, "lic:"))
	case strings.HasPrefix(data, "ord:"):
		b.setState(chatID, stateNone)
		b.cmdOrder(chatID, strings.TrimPrefix(data, "ord:"))
	default:
		b.sendMenu(chatID, "Unknown action.")
	}
}

func (b *Bot) sendMenu(chatID int64, title string) {
	if strings.TrimSpace(title) == "" {
		title = "Menu"
	}
	msg := tgbotapi.NewMessage(chatID, title)
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📋 Licenses", "licenses"),
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ License", "ask_license"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔁 Renewals", "renewals"),
			tgbotapi.NewInlineKeyboardButtonData("🛒 Purchases", "purchases"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔎 Order", "ask_order"),
		),
	)
	_, _ = b.api.Send(msg)
}

func (b *Bot) cmdLicenses(chatID int64) {
	list, err := b.st.ListLicenses(listLimit)
	if err != nil {
		b.reply(chatID, "Error: "+err.Error())
		return
	}
	if len(list) == 0 {
		b.reply(chatID, "No licenses yet.")
		return
	}

	now := b.now()
	lines := []string{"Licenses by expiry (tap for details):"}
	buttons := make([][]tgbotapi.InlineKeyboardButton, 0, len(list)+1)
	for _, lic := range list {
		lines = append(lines, fmt.Sprintf("- %s | %s | active=%v", lic.Key, expiryLabel(lic.ExpiresAt.Millis(), now), lic.Active))
		buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ "+shortKey(lic.Key), callbackData("lic:", lic.Key)),
		))
	}
	buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("↩️ Menu", "menu"),
	))

	msg := tgbotapi.NewMessage(chatID, strings.Join(lines, "\n"))
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(buttons...)
	_, _ = b.api.Send(msg)
}

func (b *Bot) cmdOrders(chatID int64, kind store.OrderKind) {
	list, err := b.st.ListOrders(kind, listLimit)
	if err != nil {
		b.reply(chatID, "Error: "+err.Error())
		return
	}
	if len(list) == 0 {
		b.reply(chatID, fmt.Sprintf("No %s orders yet.", kind))
		return
	}

	lines := []string{fmt.Sprintf("Latest %s orders:", kind)}
	buttons := make([][]tgbotapi.InlineKeyboardButton, 0, len(list)+1)
	for _, rec := range list {
		c := rec.Common()
		lines = append(lines, fmt.Sprintf("- %s | %s | %s | %s %s", c.OrderID, c.Status, c.LicenseKey, c.Amount, c.Currency))
		buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔎 "+shortKey(c.OrderID), callbackData("ord:", c.OrderID)),
		))
	}
	buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("↩️ Menu", "menu"),
	))

	msg := tgbotapi.NewMessage(chatID, strings.Join(lines, "\n"))
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(buttons...)
	_, _ = b.api.Send(msg)
}

func (b *Bot) cmdLicense(chatID int64, key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		b.reply(chatID, "Usage: /license <key>")
		return
	}
	lic, err := b.st.GetLicense(key)
	if errors.Is(err, store.ErrLicenseNotFound) {
		b.reply(chatID, "License not found: "+key)
		return
	}
	if err != nil {
		b.reply(chatID, "Error: "+err.Error())
		return
	}
	b.reply(chatID, formatLicense(lic, b.now()))
}

func (b *Bot) cmdOrder(chatID int64, providerOrderID string) {
	providerOrderID = strings.TrimSpace(providerOrderID)
	if providerOrderID == "" {
		b.reply(chatID, "Usage: /order <paypal order id>")
		return
	}
	rec, err := b.st.FindOrder(providerOrderID)
	if errors.Is(err, store.ErrOrderNotFound) {
		b.reply(chatID, "Order not found: "+providerOrderID)
		return
	}
	if err != nil {
		b.reply(chatID, "Error: "+err.Error())
		return
	}
	b.reply(chatID, formatOrder(rec))
}

func (b *Bot) answerCallback(id string, text string) error {
	cb := tgbotapi.NewCallback(id, text)
	_, err := b.api.Request(cb)
	return err
}

func (b *Bot) setState(chatID int64, st pendingState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st == stateNone {
		delete(b.states, chatID)
		return
	}
	b.states[chatID] = st
}

func (b *Bot) getState(chatID int64) pendingState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[chatID]
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	_, _ = b.api.Send(msg)
}

func splitCommand(text string) (cmd, arg string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	cmd, arg, _ = strings.Cut(text, " ")
	// "/order@SomeBot" in group chats
	cmd, _, _ = strings.Cut(cmd, "@")
	return strings.ToLower(cmd), strings.TrimSpace(arg), true
}

// callbackData keeps button payloads inside Telegram's 64 byte limit.
func callbackData(prefix, value string) string {
	const max = 64
	if len(prefix)+len(value) > max {
		value = value[:max-len(prefix)]
	}
	return prefix + value
}

func shortKey(k string) string {
	// Keep button label short; full key is in callback data.
	k = strings.TrimSpace(k)
	if len(k) <= 18 {
		return k
	}
	return k[:10] + "..." + k[len(k)-6:]
}
