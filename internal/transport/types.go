// Package transport delivers operator messages. The core only ever sends;
// nothing here receives commands.
package transport

import (
	"context"
	"strings"

	"cronbot/pkg/logx"
)

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Notification is one operator message before delivery.
type Notification struct {
	Channel  string
	Priority int // 0 low.. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Sender delivers text to a chat. Implementations split long text themselves.
type Sender interface {
	Name() string
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}

// LogSender writes notifications to the logger. Headless installs use it so
// alerts still leave a trace.
type LogSender struct {
	log logx.Logger
}

func NewLogSender(log logx.Logger) *LogSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSender{log: log.With(logx.String("comp", "notify.log"), logx.NoAlert())}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) SendText(ctx context.Context, to ChatTarget, text string, _ *SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.log.Warn("notification", logx.Int64("chat_id", to.ChatID), logx.String("text", strings.TrimSpace(text)))
	return nil
}
