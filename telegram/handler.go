package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"

	"commitwatch/db"
	"commitwatch/github"
	"commitwatch/logger"
	"commitwatch/models"
	"commitwatch/monitor"
	"commitwatch/notify"
)

const (
	languageUnique = "lang"
	timeLayout     = "2006/01/02 - 15:04:05"
	resetLayout    = "15:04:05 MST"
)

// CommandsInterface is the command surface the bot exposes
// (for testability)
type CommandsInterface interface {
	Start(ctx context.Context, userID int64, displayName string) (bool, error)
	AddRepository(ctx context.Context, userID int64, raw string) (*models.Subscription, error)
	RemoveRepository(ctx context.Context, userID int64, raw string) (string, error)
	List(ctx context.Context, userID int64) ([]models.Subscription, error)
	CheckNow(ctx context.Context, userID int64) (monitor.SweepReport, error)
	Stats(ctx context.Context, userID int64) (*models.Stats, error)
	Status(ctx context.Context) (string, error)
	SetLocale(ctx context.Context, userID int64, code string) error
	Locale(ctx context.Context, userID int64) string
}

// Reply is a rendered answer to an inbound command.
type Reply struct {
	Text   string
	Markup *tele.ReplyMarkup
}

// Handler turns inbound commands into rendered replies. It holds no transport
// state, so every command can be exercised without a bot connection.
type Handler struct {
	commands CommandsInterface
	catalog  *notify.Catalog
	interval time.Duration
	log      *zap.Logger
}

// NewHandler creates a Handler. interval is shown to users in seconds.
func NewHandler(commands CommandsInterface, catalog *notify.Catalog, interval time.Duration, log *zap.Logger) *Handler {
	return &Handler{
		commands: commands,
		catalog:  catalog,
		interval: interval,
		log:      logger.OrNop(log),
	}
}

func (h *Handler) render(locale, key string, fields notify.Fields) Reply {
	return Reply{Text: h.catalog.Render(key, locale, fields)}
}

// Start greets the user, or asks a first-time user to pick a language.
func (h *Handler) Start(ctx context.Context, userID int64, displayName string) Reply {
	needsLocale, err := h.commands.Start(ctx, userID, displayName)
	locale := h.commands.Locale(ctx, userID)
	if err != nil {
		h.log.Error("Start failed", zap.Int64("user_id", userID), zap.Error(err))
		return h.render(locale, "error", nil)
	}
	if needsLocale {
		return h.Language(ctx, userID)
	}
	return h.render(locale, "welcome", nil)
}

// Help lists the commands.
func (h *Handler) Help(ctx context.Context, userID int64) Reply {
	return h.render(h.commands.Locale(ctx, userID), "help", nil)
}

// Language shows the language keyboard.
func (h *Handler) Language(ctx context.Context, userID int64) Reply {
	r := h.render(h.commands.Locale(ctx, userID), "choose_language", nil)
	r.Markup = h.languageMarkup()
	return r
}

func (h *Handler) languageMarkup() *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}
	var rows []tele.Row
	for _, lang := range h.catalog.Languages() {
		rows = append(rows, markup.Row(markup.Data(lang.Name, languageUnique, lang.Code)))
	}
	markup.Inline(rows...)
	return markup
}

// ChooseLanguage stores the picked language and answers in it: a confirmation
// followed by the welcome text.
func (h *Handler) ChooseLanguage(ctx context.Context, userID int64, code string) []Reply {
	if err := h.commands.SetLocale(ctx, userID, code); err != nil {
		h.log.Warn("Failed to set locale",
			zap.Int64("user_id", userID),
			zap.String("locale", code),
			zap.Error(err))
		return []Reply{h.render(h.commands.Locale(ctx, userID), "error", nil)}
	}
	return []Reply{
		h.render(code, "language_set", notify.Fields{"Language": h.catalog.LanguageName(code)}),
		h.render(code, "welcome", nil),
	}
}

// Add subscribes the user to a repository. progress receives the interim
// "checking" reply before the remote lookup.
func (h *Handler) Add(ctx context.Context, userID int64, payload string, progress func(Reply)) Reply {
	locale := h.commands.Locale(ctx, userID)
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return h.render(locale, "usage_add", nil)
	}
	repoID, err := github.ParseRepoID(payload)
	if err != nil {
		return h.render(locale, "invalid_repo", nil)
	}
	if progress != nil {
		progress(h.render(locale, "repo_checking", notify.Fields{"Repo": notify.EscapeMarkdown(repoID)}))
	}

	sub, err := h.commands.AddRepository(ctx, userID, repoID)
	if err != nil {
		return h.repoError(locale, repoID, err)
	}
	return h.render(locale, "repo_added", notify.Fields{
		"Repo":     notify.EscapeMarkdown(sub.RepoID),
		"Branch":   notify.EscapeMarkdown(sub.Branch),
		"URL":      sub.RepoURL,
		"Interval": int(h.interval / time.Second),
	})
}

// Remove unsubscribes the user from a repository.
func (h *Handler) Remove(ctx context.Context, userID int64, payload string) Reply {
	locale := h.commands.Locale(ctx, userID)
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return h.render(locale, "usage_remove", nil)
	}

	repoID, err := h.commands.RemoveRepository(ctx, userID, payload)
	if err != nil {
		return h.repoError(locale, repoID, err)
	}
	return h.render(locale, "repo_removed", notify.Fields{"Repo": notify.EscapeMarkdown(repoID)})
}

func (h *Handler) repoError(locale, repoID string, err error) Reply {
	fields := notify.Fields{"Repo": notify.EscapeMarkdown(repoID)}
	switch {
	case errors.Is(err, github.ErrInvalidRepoID):
		return h.render(locale, "invalid_repo", nil)
	case errors.Is(err, github.ErrRemoteNotFound):
		return h.render(locale, "repo_not_found", fields)
	case errors.Is(err, db.ErrSubscriptionNotFound):
		return h.render(locale, "not_subscribed", fields)
	case errors.Is(err, github.ErrRemoteUnavailable),
		errors.Is(err, github.ErrRemoteRateLimited),
		errors.Is(err, github.ErrRemoteAuth):
		return h.render(locale, "repo_unavailable", nil)
	}
	h.log.Error("Repository command failed", zap.String("repo", repoID), zap.Error(err))
	return h.render(locale, "error", nil)
}

// List shows the user's repositories.
func (h *Handler) List(ctx context.Context, userID int64) Reply {
	locale := h.commands.Locale(ctx, userID)
	subs, err := h.commands.List(ctx, userID)
	if err != nil {
		h.log.Error("List failed", zap.Int64("user_id", userID), zap.Error(err))
		return h.render(locale, "error", nil)
	}
	if len(subs) == 0 {
		return h.render(locale, "no_repositories", nil)
	}

	var b strings.Builder
	b.WriteString(h.catalog.Render("list_repos", locale, nil))
	for i, s := range subs {
		lastCheck := h.catalog.Render("never_checked", locale, nil)
		if s.LastCheck != nil {
			lastCheck = s.LastCheck.UTC().Format(timeLayout)
		}
		b.WriteString(h.catalog.Render("list_item", locale, notify.Fields{
			"Index":     i + 1,
			"Repo":      notify.EscapeMarkdown(s.RepoID),
			"Branch":    notify.EscapeMarkdown(s.Branch),
			"LastCheck": lastCheck,
			"URL":       s.RepoURL,
		}))
	}
	return Reply{Text: strings.TrimRight(b.String(), "\n")}
}

// Check runs a manual check of the user's repositories. progress receives the
// interim reply before the check starts.
func (h *Handler) Check(ctx context.Context, userID int64, progress func(Reply)) Reply {
	locale := h.commands.Locale(ctx, userID)
	subs, err := h.commands.List(ctx, userID)
	if err != nil {
		h.log.Error("Check failed", zap.Int64("user_id", userID), zap.Error(err))
		return h.render(locale, "error", nil)
	}
	if len(subs) == 0 {
		return h.render(locale, "no_repositories", nil)
	}
	if progress != nil {
		progress(h.render(locale, "checking_repos", notify.Fields{"Count": len(subs)}))
	}

	report, err := h.commands.CheckNow(ctx, userID)
	if err != nil {
		h.log.Error("Check failed", zap.Int64("user_id", userID), zap.Error(err))
		return h.render(locale, "error", nil)
	}
	return h.render(locale, "check_complete", notify.Fields{"NewCommits": report.NewCommits})
}

// Stats shows usage and connection figures.
func (h *Handler) Stats(ctx context.Context, userID int64) Reply {
	locale := h.commands.Locale(ctx, userID)
	stats, err := h.commands.Stats(ctx, userID)
	if err != nil {
		h.log.Error("Stats failed", zap.Int64("user_id", userID), zap.Error(err))
		return h.render(locale, "error", nil)
	}

	connection := h.catalog.Render("stats_disconnected", locale, nil)
	if stats.Connected {
		connection = h.catalog.Render("stats_connected", locale, nil)
	}

	var b strings.Builder
	b.WriteString(h.catalog.Render("stats", locale, notify.Fields{
		"UserRepos":  stats.UserRepos,
		"TotalRepos": stats.TotalRepos,
		"Interval":   int(stats.CheckInterval / time.Second),
		"Connection": connection,
	}))
	if rl := stats.RateLimit; rl != nil {
		b.WriteString(h.catalog.Render("stats_rate", locale, notify.Fields{
			"Remaining": rl.Remaining,
			"Limit":     rl.Limit,
			"Reset":     rl.Reset.UTC().Format(resetLayout),
		}))
	}
	if len(stats.RecentRepos) > 0 {
		b.WriteString(h.catalog.Render("stats_recent_header", locale, nil))
		for i, s := range stats.RecentRepos {
			b.WriteString(h.catalog.Render("stats_recent_item", locale, notify.Fields{
				"Index":   i + 1,
				"Repo":    notify.EscapeMarkdown(s.RepoID),
				"Commits": stats.CommitCounts[s.RepoID],
			}))
		}
	}
	b.WriteString(h.catalog.Render("stats_footer", locale, nil))
	return Reply{Text: b.String()}
}

// Status tests the GitHub connection.
func (h *Handler) Status(ctx context.Context, userID int64) Reply {
	locale := h.commands.Locale(ctx, userID)
	login, err := h.commands.Status(ctx)
	if err != nil {
		h.log.Warn("Connection test failed", zap.Error(err))
		return h.render(locale, "connection_error", nil)
	}
	return h.render(locale, "connection_ok", notify.Fields{"Login": notify.EscapeMarkdown(login)})
}

// Unknown answers free text and unregistered commands.
func (h *Handler) Unknown(ctx context.Context, userID int64) Reply {
	return h.render(h.commands.Locale(ctx, userID), "unknown_command", nil)
}
