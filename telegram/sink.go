// Package telegram connects the command surface and the notification fan-out
// to the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"commitwatch/logger"
)

// DefaultRate is the global outbound message budget per second.
const DefaultRate = 25

// Sender is the part of *tele.Bot used to push messages.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Sink delivers notifications to private chats, throttled by a global token
// bucket.
type Sink struct {
	sender  Sender
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewSink creates a Sink allowing perSecond messages per second.
func NewSink(sender Sender, perSecond int, log *zap.Logger) *Sink {
	if perSecond <= 0 {
		perSecond = DefaultRate
	}
	return &Sink{
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond),
		log:     logger.OrNop(log),
	}
}

// Send implements notify.Sink.
func (s *Sink) Send(ctx context.Context, userID int64, text string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	if _, err := s.sender.Send(tele.ChatID(userID), text, sendOptions(nil)); err != nil {
		s.log.Debug("Telegram send failed", zap.Int64("user_id", userID), zap.Error(err))
		return fmt.Errorf("send to %d: %w", userID, err)
	}
	return nil
}

func sendOptions(markup *tele.ReplyMarkup) *tele.SendOptions {
	return &tele.SendOptions{
		ParseMode:             tele.ModeMarkdown,
		DisableWebPagePreview: true,
		ReplyMarkup:           markup,
	}
}
