// Package telegram wraps the Telegram Bot API client used by Telegram accounts.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// DefaultPollTimeout is the long-polling timeout in seconds for getUpdates.
const DefaultPollTimeout = 60

// ErrMissingToken is returned when no bot token is configured.
var ErrMissingToken = errors.New("telegram bot token must be provided")

// Bot is the Telegram surface the messaging layer depends on.
type Bot interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendMedia(ctx context.Context, chatID int64, media models.Media) error
	// Listen delivers private and group messages to handle until ctx is done
	// or Close is called.
	Listen(ctx context.Context, handle func(models.InboundMessage)) error
	Close()
}

// Opts holds configuration options for the Telegram client.
type Opts struct {
	Token       string
	APIEndpoint string
	PollTimeout int
	Debug       bool
}

// Option defines a configuration option for the Telegram client.
type Option func(*Opts)

// WithToken sets the bot token issued by BotFather.
func WithToken(token string) Option {
	return func(o *Opts) { o.Token = token }
}

// WithAPIEndpoint overrides the Bot API endpoint format string.
func WithAPIEndpoint(endpoint string) Option {
	return func(o *Opts) { o.APIEndpoint = endpoint }
}

// WithPollTimeout sets the long-polling timeout in seconds.
func WithPollTimeout(seconds int) Option {
	return func(o *Opts) { o.PollTimeout = seconds }
}

// WithDebug enables request logging inside the Bot API library.
func WithDebug(debug bool) Option {
	return func(o *Opts) { o.Debug = debug }
}

// Client wraps tgbotapi.BotAPI.
type Client struct {
	bot         *tgbotapi.BotAPI
	pollTimeout int
	closeOnce   sync.Once
}

// Compile-time check that Client implements Bot.
var _ Bot = (*Client)(nil)

// NewClient authenticates the bot token against the Bot API.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{APIEndpoint: tgbotapi.APIEndpoint, PollTimeout: DefaultPollTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" {
		return nil, ErrMissingToken
	}
	slog.Debug("Telegram NewClient options set", "endpoint", cfg.APIEndpoint, "poll_timeout", cfg.PollTimeout)

	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Token, cfg.APIEndpoint)
	if err != nil {
		slog.Error("Failed to authenticate Telegram bot", "error", err)
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	bot.Debug = cfg.Debug
	slog.Info("Telegram bot authorized", "username", bot.Self.UserName)
	return &Client{bot: bot, pollTimeout: cfg.PollTimeout}, nil
}

// Username returns the bot's username.
func (c *Client) Username() string {
	return c.bot.Self.UserName
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		slog.Error("Telegram SendText failed", "chat_id", chatID, "error", err)
		return fmt.Errorf("failed to send message to %d: %w", chatID, err)
	}
	slog.Debug("Telegram message sent", "chat_id", chatID, "text_length", len(text))
	return nil
}

// SendMedia sends a photo, audio, voice note or document.
func (c *Client) SendMedia(ctx context.Context, chatID int64, media models.Media) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := MediaConfig(chatID, media)
	if err != nil {
		return err
	}
	if _, err := c.bot.Send(msg); err != nil {
		slog.Error("Telegram SendMedia failed", "chat_id", chatID, "kind", media.Kind, "error", err)
		return fmt.Errorf("failed to send %s to %d: %w", media.Kind, chatID, err)
	}
	slog.Debug("Telegram media sent", "chat_id", chatID, "kind", media.Kind)
	return nil
}

// MediaConfig builds the Bot API request for media. Images sent with
// ForceDocument keep their original quality; audio sent as VoiceNote is
// delivered as a voice message.
func MediaConfig(chatID int64, media models.Media) (tgbotapi.Chattable, error) {
	if err := media.Validate(); err != nil {
		return nil, err
	}
	var file tgbotapi.RequestFileData
	if media.URL != "" {
		file = tgbotapi.FileURL(media.URL)
	} else {
		file = tgbotapi.FilePath(media.FilePath)
	}

	switch {
	case media.Kind == models.MediaImage && !media.ForceDocument:
		cfg := tgbotapi.NewPhoto(chatID, file)
		cfg.Caption = media.Caption
		return cfg, nil
	case media.Kind == models.MediaAudio && media.VoiceNote:
		cfg := tgbotapi.NewVoice(chatID, file)
		cfg.Caption = media.Caption
		return cfg, nil
	case media.Kind == models.MediaAudio && !media.ForceDocument:
		cfg := tgbotapi.NewAudio(chatID, file)
		cfg.Caption = media.Caption
		return cfg, nil
	default:
		cfg := tgbotapi.NewDocument(chatID, file)
		cfg.Caption = media.Caption
		return cfg, nil
	}
}

// Listen long-polls for updates and hands every message to handle.
func (c *Client) Listen(ctx context.Context, handle func(models.InboundMessage)) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = c.pollTimeout
	updates := c.bot.GetUpdatesChan(u)
	slog.Info("Telegram polling started", "username", c.bot.Self.UserName)

	for {
		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				slog.Info("Telegram polling stopped", "username", c.bot.Self.UserName)
				return nil
			}
			if update.Message == nil {
				continue
			}
			handle(ToInbound(update.Message))
		}
	}
}

// Close stops long polling. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(c.bot.StopReceivingUpdates)
}

// ToInbound converts a Bot API message into the transport-neutral form.
// Media messages carry their caption as text.
func ToInbound(m *tgbotapi.Message) models.InboundMessage {
	msg := models.InboundMessage{
		Text:      m.Text,
		Date:      m.Time().UTC(),
		MessageID: fmt.Sprint(m.MessageID),
		HasMedia:  hasMedia(m),
	}
	if msg.Text == "" {
		msg.Text = m.Caption
	}
	if m.Chat != nil {
		msg.ChatID = fmt.Sprint(m.Chat.ID)
		msg.IsPrivate = m.Chat.IsPrivate()
	}
	if m.From != nil {
		msg.SenderID = fmt.Sprint(m.From.ID)
		msg.SenderUsername = m.From.UserName
		msg.SenderName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
	}
	return msg
}

func hasMedia(m *tgbotapi.Message) bool {
	return len(m.Photo) > 0 || m.Audio != nil || m.Voice != nil || m.Document != nil ||
		m.Video != nil || m.VideoNote != nil || m.Sticker != nil || m.Animation != nil
}
