package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"
	"gopkg.in/telebot.v4/middleware"

	"commitwatch/logger"
)

// DefaultPollTimeout is the long-poll timeout for getUpdates.
const DefaultPollTimeout = 10 * time.Second

// BotOptions configures a Bot.
type BotOptions struct {
	// AllowList restricts the bot to these chats when non-empty.
	AllowList   []int64
	PollTimeout time.Duration
	// Offline skips the getMe call; the bot can send but not poll.
	Offline bool
	Logger  *zap.Logger
}

// Bot owns the Telegram connection: it polls for commands and sends replies
// and notifications.
type Bot struct {
	bot       *tele.Bot
	allowList []int64
	log       *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewBot connects to the Bot API.
func NewBot(token string, opts BotOptions) (*Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	log := logger.OrNop(opts.Logger)

	tb, err := tele.NewBot(tele.Settings{
		Token:   token,
		Poller:  &tele.LongPoller{Timeout: opts.PollTimeout},
		Offline: opts.Offline,
		OnError: func(err error, c tele.Context) {
			fields := []zap.Field{zap.Error(err)}
			if c != nil && c.Sender() != nil {
				fields = append(fields, zap.Int64("user_id", c.Sender().ID))
			}
			log.Error("Telegram handler error", fields...)
		},
	})
	if err != nil {
		return nil, err
	}

	return &Bot{
		bot:       tb,
		allowList: opts.AllowList,
		log:       log,
	}, nil
}

// Sender returns the underlying client for outbound messages.
func (b *Bot) Sender() Sender {
	return b.bot
}

// Register routes every command to h.
func (b *Bot) Register(h *Handler) {
	b.bot.Use(middleware.Recover())
	if len(b.allowList) > 0 {
		b.bot.Use(middleware.Whitelist(b.allowList...))
		b.log.Info("Restricting bot to allowed chats", zap.Int("chats", len(b.allowList)))
	}

	b.bot.Handle("/start", func(c tele.Context) error {
		name := c.Sender().FirstName
		if name == "" {
			name = c.Sender().Username
		}
		return send(c, h.Start(b.context(), c.Sender().ID, name))
	})
	b.bot.Handle("/help", func(c tele.Context) error {
		return send(c, h.Help(b.context(), c.Sender().ID))
	})
	b.bot.Handle("/language", func(c tele.Context) error {
		return send(c, h.Language(b.context(), c.Sender().ID))
	})
	b.bot.Handle("/add", func(c tele.Context) error {
		return send(c, h.Add(b.context(), c.Sender().ID, c.Message().Payload, progress(c)))
	})
	b.bot.Handle("/remove", func(c tele.Context) error {
		return send(c, h.Remove(b.context(), c.Sender().ID, c.Message().Payload))
	})
	b.bot.Handle("/list", func(c tele.Context) error {
		return send(c, h.List(b.context(), c.Sender().ID))
	})
	b.bot.Handle("/check", func(c tele.Context) error {
		return send(c, h.Check(b.context(), c.Sender().ID, progress(c)))
	})
	b.bot.Handle("/stats", func(c tele.Context) error {
		return send(c, h.Stats(b.context(), c.Sender().ID))
	})
	b.bot.Handle("/status", func(c tele.Context) error {
		return send(c, h.Status(b.context(), c.Sender().ID))
	})
	b.bot.Handle(&tele.Btn{Unique: languageUnique}, func(c tele.Context) error {
		replies := h.ChooseLanguage(b.context(), c.Sender().ID, c.Callback().Data)
		_ = c.Respond()
		if err := c.Edit(replies[0].Text, sendOptions(nil)); err != nil {
			return err
		}
		for _, r := range replies[1:] {
			if err := send(c, r); err != nil {
				return err
			}
		}
		return nil
	})
	b.bot.Handle(tele.OnText, func(c tele.Context) error {
		return send(c, h.Unknown(b.context(), c.Sender().ID))
	})
}

func send(c tele.Context, r Reply) error {
	return c.Send(r.Text, sendOptions(r.Markup))
}

func progress(c tele.Context) func(Reply) {
	return func(r Reply) {
		_ = send(c, r)
	}
}

func (b *Bot) context() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

// Start begins polling in the background. Handlers run with a context derived
// from ctx that is cancelled by Stop.
func (b *Bot) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	b.running = true

	go func() {
		defer close(b.done)
		b.log.Info("Polling started")
		b.bot.Start()
	}()
}

// Stop ends polling and waits for the poller to exit or ctx to expire.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	cancel()
	go b.bot.Stop()

	select {
	case <-done:
		b.log.Info("Polling stopped")
		return nil
	case <-ctx.Done():
		b.log.Warn("Timed out stopping the poller", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}
