// Package telegram adapts the Telegram Bot API client to the relay's
// Messenger interface and to the transport's subscription needs.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"relaybot/internal/domain"
)

// Client implements domain.Messenger on top of a connected *tgbotapi.BotAPI.
type Client struct {
	bot      *tgbotapi.BotAPI
	logger   *slog.Logger
	stopOnce sync.Once
}

type Config struct {
	Token string
	// APIEndpoint overrides tgbotapi.APIEndpoint, e.g. for a local Bot API
	// server. It must contain two %s verbs: token and method.
	APIEndpoint string
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

var _ domain.Messenger = (*Client)(nil)

// Dial connects to Telegram and verifies the token with getMe.
func Dial(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: empty bot token")
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	setLibraryLogger(cfg.Logger)

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, cfg.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	cfg.Logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	return &Client{bot: bot, logger: cfg.Logger}, nil
}

// Username returns the bot's @username without the @.
func (c *Client) Username() string { return c.bot.Self.UserName }

// SendText posts text as a plain message and returns its message id.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg, err := c.bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return 0, c.wrap("sendMessage", chatID, err)
	}
	return msg.MessageID, nil
}

// SendTyping shows the "typing" chat action.
func (c *Client) SendTyping(ctx context.Context, chatID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		return c.wrap("sendChatAction", chatID, err)
	}
	return nil
}

func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return c.wrap("deleteMessage", chatID, err)
	}
	return nil
}

// Poll starts long polling and returns the update stream. The stream is
// closed after StopPolling once the in-progress getUpdates call returns.
func (c *Client) Poll(timeoutSeconds int) tgbotapi.UpdatesChannel {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = timeoutSeconds
	return c.bot.GetUpdatesChan(u)
}

// StopPolling stops the long-poll loop. It is safe to call more than once.
func (c *Client) StopPolling() {
	c.stopOnce.Do(c.bot.StopReceivingUpdates)
}

// SetWebhook registers url as the update destination. secret, when set, is
// echoed by Telegram in the X-Telegram-Bot-Api-Secret-Token header.
func (c *Client) SetWebhook(url, secret string, dropPending bool) error {
	params := tgbotapi.Params{}
	params["url"] = url
	params.AddNonEmpty("secret_token", secret)
	params.AddBool("drop_pending_updates", dropPending)

	if _, err := c.bot.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("telegram setWebhook: %w", err)
	}
	c.logger.Info("telegram webhook registered", "url", url, "secret", secret != "")
	return nil
}

// DeleteWebhook removes the registered webhook so polling can be used again.
func (c *Client) DeleteWebhook() error {
	if _, err := c.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("telegram deleteWebhook: %w", err)
	}
	return nil
}

// wrap annotates a Bot API failure and logs flood-wait responses. Requests
// are never retried here.
func (c *Client) wrap(method string, chatID int64, err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		c.logger.Warn("telegram rate limited",
			"method", method, "chat_id", chatID, "retry_after", apiErr.RetryAfter)
	}
	return fmt.Errorf("telegram %s: %w", method, err)
}

// EventFromUpdate reduces an update to an InboundEvent. Anything that is not
// a new message with text is KindIgnored, and so are commands addressed to a
// bot other than botUsername (/help@otherbot).
func EventFromUpdate(update tgbotapi.Update, botUsername string) domain.InboundEvent {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		ev := domain.InboundEvent{Kind: domain.KindIgnored, ReceivedAt: time.Now()}
		// FromChat dereferences CallbackQuery.Message without a nil check.
		if update.CallbackQuery == nil || update.CallbackQuery.Message != nil {
			if chat := update.FromChat(); chat != nil {
				ev.ChatID = chat.ID
			}
		}
		return ev
	}

	ev := domain.InboundEvent{
		ChatID:     msg.Chat.ID,
		MessageID:  msg.MessageID,
		Text:       msg.Text,
		Kind:       domain.KindText,
		ReceivedAt: time.Unix(int64(msg.Date), 0),
	}
	if msg.From != nil {
		ev.SenderID = msg.From.ID
	}
	if msg.Date == 0 {
		ev.ReceivedAt = time.Now()
	}

	switch {
	case msg.IsCommand() && !addressedTo(msg, botUsername):
		ev.Kind = domain.KindIgnored
	case msg.IsCommand():
		ev.Kind = domain.KindCommand
		ev.Command = strings.ToLower(msg.Command())
	case msg.Text == "":
		ev.Kind = domain.KindIgnored
	}
	return ev
}

// addressedTo reports whether a command message targets this bot. Commands
// without an @mention are for every bot in the chat; an empty botUsername
// accepts all commands.
func addressedTo(msg *tgbotapi.Message, botUsername string) bool {
	_, target, mentioned := strings.Cut(msg.CommandWithAt(), "@")
	return !mentioned || botUsername == "" || strings.EqualFold(target, botUsername)
}
