// Package telegram is a chat front-end for the assistant. Allowed accounts
// talk to the same conversational core as the HTTP API and receive
// proactive notifications in their private chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"inbox-assistant/internal/auth"
	"inbox-assistant/internal/interaction"
	"inbox-assistant/internal/notify"
)

const (
	resetCmd = "reset_ctx"

	helpText = "I'm your email assistant. Ask about your latest emails, or have me draft, send, forward or reply to messages.\n\n" +
		"/reset clears our conversation. /name <your name> sets how drafts are signed."
	privateText = "Sorry, this assistant is private."
	failedText  = "Sorry, something went wrong. Please try again."
)

// Assistant is the conversational core as seen by the bot.
type Assistant interface {
	Submit(ctx context.Context, userID string, messages ...string) (interaction.Reply, error)
	ClearHistory(ctx context.Context, userID string) error
	SetUserName(ctx context.Context, userID, name string) error
}

type Bot struct {
	api       *tgbotapi.BotAPI
	s         sender
	assistant Assistant
	access    *auth.Service
	logger    zerolog.Logger

	wg sync.WaitGroup
}

func New(botToken string, assistant Assistant, access *auth.Service) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("connect to telegram: %w", err)
	}
	b := newBot(botAPISender{api: api}, assistant, access)
	b.api = api
	b.logger.Info().Str("bot", api.Self.UserName).Msg("telegram bot authorized")
	return b, nil
}

func newBot(s sender, assistant Assistant, access *auth.Service) *Bot {
	return &Bot{
		s:         s,
		assistant: assistant,
		access:    access,
		logger:    log.With().Str("component", "telegram").Logger(),
	}
}

// Start receives updates until ctx ends, then waits for messages being
// answered.
func (b *Bot) Start(ctx context.Context) error {
	if b.api == nil {
		return errors.New("telegram bot not connected")
	}
	if b.access.Empty() {
		b.logger.Warn().Msg("TELEGRAM_ALLOWED_USERS is empty, every chat will be refused")
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)
	defer b.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, update)
		}
	}
}

// handleUpdate answers each message on its own goroutine so a long agent
// run does not hold up other chats. Turns of one user are serialized by
// the core.
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		msg := update.Message
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handleIncomingMessage(ctx, msg)
		}()
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	}
}

func (b *Bot) handleIncomingMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	userID, ok := b.access.UserFor(msg.From.ID)
	if !ok {
		b.logger.Warn().Int64("account_id", msg.From.ID).Str("username", msg.From.UserName).Msg("unauthorized access attempt")
		b.sendMessage(msg.Chat.ID, privateText)
		return
	}
	logger := b.logger.With().Str("user_id", userID).Int64("chat_id", msg.Chat.ID).Logger()

	if msg.IsCommand() {
		b.handleCommand(ctx, msg, userID)
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	_, _ = b.s.Request(tgbotapi.NewChatAction(msg.Chat.ID, tgbotapi.ChatTyping))
	reply, err := b.assistant.Submit(ctx, userID, text)
	if err != nil {
		logger.Error().Err(err).Msg("chat turn failed")
		b.sendMessage(msg.Chat.ID, failedText)
		return
	}
	if reply.Kind == interaction.OutcomeWait {
		logger.Debug().Msg("identical message still in progress, no reply")
		return
	}
	b.sendReply(msg.Chat.ID, reply.Text)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message, userID string) {
	switch msg.Command() {
	case "start", "help":
		b.sendMessage(msg.Chat.ID, helpText)
	case "reset":
		b.reset(ctx, msg.Chat.ID, userID)
	case "name":
		name := strings.TrimSpace(msg.CommandArguments())
		if name == "" {
			b.sendMessage(msg.Chat.ID, "Usage: /name <your name>")
			return
		}
		if err := b.assistant.SetUserName(ctx, userID, name); err != nil {
			b.logger.Error().Err(err).Str("user_id", userID).Msg("failed to save name")
			b.sendMessage(msg.Chat.ID, failedText)
			return
		}
		b.sendMessage(msg.Chat.ID, fmt.Sprintf("Got it, I'll sign drafts as %s.", name))
	default:
		b.sendMessage(msg.Chat.ID, helpText)
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	_, _ = b.s.Request(tgbotapi.NewCallback(cb.ID, ""))
	if cb.Data != resetCmd || cb.Message == nil {
		return
	}
	userID, ok := b.access.UserFor(cb.From.ID)
	if !ok {
		return
	}
	b.reset(ctx, cb.Message.Chat.ID, userID)
}

func (b *Bot) reset(ctx context.Context, chatID int64, userID string) {
	if err := b.assistant.ClearHistory(ctx, userID); err != nil {
		b.logger.Error().Err(err).Str("user_id", userID).Msg("failed to clear history")
		b.sendMessage(chatID, failedText)
		return
	}
	b.sendMessage(chatID, "History cleared.")
}

// Deliver pushes a notification to every account acting as its user.
// The notification is already part of the conversation; this only shows it.
func (b *Bot) Deliver(_ context.Context, n notify.Notification) error {
	var errs []error
	for _, account := range b.access.AccountsFor(n.UserID) {
		// private chat ids equal account ids
		if err := b.send(account, n.Text, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sendReply attaches the reset button to the last chunk.
func (b *Bot) sendReply(chatID int64, text string) {
	if err := b.send(chatID, text, true); err != nil {
		b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("failed to send message")
	}
}

func (b *Bot) sendMessage(chatID int64, text string) {
	if err := b.send(chatID, text, false); err != nil {
		b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("failed to send message")
	}
}

func (b *Bot) send(chatID int64, text string, withReset bool) error {
	chunks := splitMessage(text)
	for i, chunk := range chunks {
		out := tgbotapi.NewMessage(chatID, chunk)
		if withReset && i == len(chunks)-1 {
			out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
				tgbotapi.NewInlineKeyboardRow(
					tgbotapi.NewInlineKeyboardButtonData("Clear history", resetCmd),
				),
			)
		}
		if _, err := b.s.Send(out); err != nil {
			return err
		}
	}
	return nil
}
