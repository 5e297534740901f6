package gateway

import (
	"context"

	"github.com/rs/zerolog"
)

// Log writes outgoing messages to the logger instead of delivering them.
// It stands in for Telegram when the bot is disabled.
type Log struct {
	logger zerolog.Logger
}

// NewLog constructs a logging gateway.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "log_gateway").Logger()}
}

func (l *Log) SendMessage(_ context.Context, recipientID int64, text string) error {
	l.logger.Info().Int64("user_id", recipientID).Str("text", text).Msg("message (not delivered)")
	return nil
}

func (l *Log) SendPhoto(_ context.Context, recipientID int64, filename string, data []byte, caption string) error {
	l.logger.Info().
		Int64("user_id", recipientID).
		Str("filename", filename).
		Int("bytes", len(data)).
		Str("caption", caption).
		Msg("photo (not delivered)")
	return nil
}

var (
	_ Gateway     = (*Log)(nil)
	_ PhotoSender = (*Log)(nil)
)
