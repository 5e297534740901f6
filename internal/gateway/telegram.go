package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"
)

// ErrRecipientNotFound marks a permanent delivery failure: the chat is gone
// or the user blocked the bot.
var ErrRecipientNotFound = errors.New("gateway: recipient not found")

// Gateway delivers rich-text messages keyed by recipient id.
type Gateway interface {
	SendMessage(ctx context.Context, recipientID int64, text string) error
}

// PhotoSender delivers images, e.g. rendered charts.
type PhotoSender interface {
	SendPhoto(ctx context.Context, recipientID int64, filename string, data []byte, caption string) error
}

// Options configure the Telegram client.
type Options struct {
	Token   string
	APIBase string
	Timeout time.Duration
}

// NewBot connects to the Bot API; extra options such as handlers are passed through.
func NewBot(opts Options, extra ...bot.Option) (*bot.Bot, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	botOpts := make([]bot.Option, 0, len(extra)+2)
	if base := strings.TrimRight(opts.APIBase, "/"); base != "" {
		botOpts = append(botOpts, bot.WithServerURL(base))
	}
	if opts.Timeout > 0 {
		botOpts = append(botOpts, bot.WithCheckInitTimeout(opts.Timeout))
	}
	botOpts = append(botOpts, extra...)

	b, err := bot.New(opts.Token, botOpts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return b, nil
}

// Telegram sends messages through the Bot API in HTML parse mode.
type Telegram struct {
	bot    *bot.Bot
	logger zerolog.Logger
}

// NewTelegram wraps an initialised bot.
func NewTelegram(b *bot.Bot, logger zerolog.Logger) *Telegram {
	return &Telegram{
		bot:    b,
		logger: logger.With().Str("component", "telegram_gateway").Logger(),
	}
}

// SendMessage calls sendMessage. A vanished recipient is reported as ErrRecipientNotFound.
func (t *Telegram) SendMessage(ctx context.Context, recipientID int64, text string) error {
	_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    recipientID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	})
	if err != nil {
		return classify(err)
	}

	t.logger.Debug().Int64("user_id", recipientID).Msg("message delivered")
	return nil
}

// SendPhoto uploads data as a photo.
func (t *Telegram) SendPhoto(ctx context.Context, recipientID int64, filename string, data []byte, caption string) error {
	_, err := t.bot.SendPhoto(ctx, &bot.SendPhotoParams{
		ChatID: recipientID,
		Photo: &models.InputFileUpload{
			Filename: filename,
			Data:     bytes.NewReader(data),
		},
		Caption:   caption,
		ParseMode: models.ParseModeHTML,
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

func classify(err error) error {
	if IsRecipientGone(err) {
		return fmt.Errorf("%w: %w", ErrRecipientNotFound, err)
	}
	return fmt.Errorf("telegram send: %w", err)
}

// IsRecipientGone reports whether a Bot API error means the chat can no longer be reached.
func IsRecipientGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRecipientNotFound) || errors.Is(err, bot.ErrorForbidden) {
		return true
	}
	return errors.Is(err, bot.ErrorBadRequest) && strings.Contains(strings.ToLower(err.Error()), "chat not found")
}

var (
	_ Gateway     = (*Telegram)(nil)
	_ PhotoSender = (*Telegram)(nil)
)
