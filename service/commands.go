package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"commitwatch/db"
	"commitwatch/github"
	"commitwatch/logger"
	"commitwatch/models"
	"commitwatch/monitor"
)

// recentRepos is how many subscriptions the stats command lists.
const recentRepos = 5

// Command errors
var (
	ErrInvalidRepoID   = github.ErrInvalidRepoID
	ErrUnknownLocale   = errors.New("unknown locale")
	ErrNotSubscribed   = db.ErrSubscriptionNotFound
	ErrNoSubscriptions = errors.New("no subscriptions")
)

// DBInterface abstracts the store operations the commands need
// (for testability)
type DBInterface interface {
	UpsertUser(ctx context.Context, userID int64, displayName, locale string) error
	GetUserLocale(ctx context.Context, userID int64) (string, bool, error)
	SetUserLocale(ctx context.Context, userID int64, locale string) error
	AddSubscription(ctx context.Context, userID int64, repoID, repoURL, branch string) error
	RemoveSubscription(ctx context.Context, userID int64, repoID string) error
	ListSubscriptions(ctx context.Context, userID int64) ([]models.Subscription, error)
	ListAllMonitoredRepos(ctx context.Context) ([]models.MonitoredRepository, error)
	CountCommits(ctx context.Context, repoID string) (int, error)
}

// GitHubClientInterface abstracts the remote operations the commands need
// (for testability)
type GitHubClientInterface interface {
	GetRepoInfo(ctx context.Context, repoID string) (*models.RepoInfo, error)
	TestConnection(ctx context.Context) (string, error)
	RateLimit(ctx context.Context) (*models.RateLimit, error)
}

// MonitorInterface is the part of the scheduler the commands drive.
type MonitorInterface interface {
	CheckNow(ctx context.Context, repoIDs []string) monitor.SweepReport
	Interval() time.Duration
}

// Locales reports which locales can be selected.
type Locales interface {
	Has(code string) bool
	DefaultLocale() string
}

// Commands implements the inbound command surface independently of any chat
// transport.
type Commands struct {
	store   DBInterface
	remote  GitHubClientInterface
	monitor MonitorInterface
	locales Locales
	log     *zap.Logger
}

// NewCommands binds the command surface to its collaborators.
func NewCommands(store DBInterface, remote GitHubClientInterface, mon MonitorInterface, locales Locales, log *zap.Logger) *Commands {
	return &Commands{
		store:   store,
		remote:  remote,
		monitor: mon,
		locales: locales,
		log:     logger.OrNop(log),
	}
}

// Start registers the user. needsLocale is true for a first-time user who has
// not picked a language yet.
func (c *Commands) Start(ctx context.Context, userID int64, displayName string) (needsLocale bool, err error) {
	_, known, err := c.store.GetUserLocale(ctx, userID)
	if err != nil {
		return false, err
	}
	if err := c.store.UpsertUser(ctx, userID, displayName, ""); err != nil {
		return false, err
	}
	if !known {
		c.log.Info("New user", zap.Int64("user_id", userID))
	}
	return !known, nil
}

// AddRepository validates raw, looks the repository up remotely and subscribes
// the user to its default branch.
func (c *Commands) AddRepository(ctx context.Context, userID int64, raw string) (*models.Subscription, error) {
	repoID, err := github.ParseRepoID(raw)
	if err != nil {
		return nil, err
	}

	info, err := c.remote.GetRepoInfo(ctx, repoID)
	if err != nil {
		c.log.Warn("Repository lookup failed",
			zap.Int64("user_id", userID),
			zap.String("repo", repoID),
			zap.Error(err))
		return nil, err
	}
	if info.FullName != "" {
		repoID = info.FullName
	}

	if err := c.store.AddSubscription(ctx, userID, repoID, info.WebURL, info.DefaultBranch); err != nil {
		return nil, err
	}

	c.log.Info("Repository added",
		zap.Int64("user_id", userID),
		zap.String("repo", repoID),
		zap.String("branch", info.DefaultBranch))

	return &models.Subscription{
		UserID:  userID,
		RepoID:  repoID,
		RepoURL: info.WebURL,
		Branch:  info.DefaultBranch,
	}, nil
}

// RemoveRepository unsubscribes the user and returns the repository id that was
// removed. The id is matched case-insensitively against the user's
// subscriptions.
func (c *Commands) RemoveRepository(ctx context.Context, userID int64, raw string) (string, error) {
	repoID, err := github.ParseRepoID(raw)
	if err != nil {
		return "", err
	}

	subs, err := c.store.ListSubscriptions(ctx, userID)
	if err != nil {
		return "", err
	}
	for _, s := range subs {
		if strings.EqualFold(s.RepoID, repoID) {
			repoID = s.RepoID
			break
		}
	}

	if err := c.store.RemoveSubscription(ctx, userID, repoID); err != nil {
		return repoID, err
	}
	return repoID, nil
}

// List returns the user's subscriptions.
func (c *Commands) List(ctx context.Context, userID int64) ([]models.Subscription, error) {
	return c.store.ListSubscriptions(ctx, userID)
}

// CheckNow checks every repository the user follows right away. It returns
// ErrNoSubscriptions when there is nothing to check.
func (c *Commands) CheckNow(ctx context.Context, userID int64) (monitor.SweepReport, error) {
	subs, err := c.store.ListSubscriptions(ctx, userID)
	if err != nil {
		return monitor.SweepReport{}, err
	}
	if len(subs) == 0 {
		return monitor.SweepReport{}, ErrNoSubscriptions
	}

	repoIDs := make([]string, 0, len(subs))
	for _, s := range subs {
		repoIDs = append(repoIDs, s.RepoID)
	}

	c.log.Info("Manual check requested", zap.Int64("user_id", userID), zap.Int("repos", len(repoIDs)))
	return c.monitor.CheckNow(ctx, repoIDs), nil
}

// Stats gathers the figures shown by the stats command. Remote failures only
// clear the connection flag.
func (c *Commands) Stats(ctx context.Context, userID int64) (*models.Stats, error) {
	subs, err := c.store.ListSubscriptions(ctx, userID)
	if err != nil {
		return nil, err
	}
	all, err := c.store.ListAllMonitoredRepos(ctx)
	if err != nil {
		return nil, err
	}

	stats := &models.Stats{
		UserRepos:     len(subs),
		TotalRepos:    len(all),
		CheckInterval: c.monitor.Interval(),
	}

	if _, err := c.remote.TestConnection(ctx); err != nil {
		c.log.Warn("Connection test failed", zap.Error(err))
	} else {
		stats.Connected = true
		if rl, err := c.remote.RateLimit(ctx); err != nil {
			c.log.Warn("Rate limit lookup failed", zap.Error(err))
		} else {
			stats.RateLimit = rl
		}
	}

	recent := append([]models.Subscription(nil), subs...)
	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].CreatedAt.After(recent[j].CreatedAt)
	})
	if len(recent) > recentRepos {
		recent = recent[:recentRepos]
	}
	stats.RecentRepos = recent

	stats.CommitCounts = make(map[string]int, len(recent))
	for _, s := range recent {
		n, err := c.store.CountCommits(ctx, s.RepoID)
		if err != nil {
			c.log.Warn("Failed to count commits", zap.String("repo", s.RepoID), zap.Error(err))
			continue
		}
		stats.CommitCounts[s.RepoID] = n
	}

	return stats, nil
}

// Status tests the remote connection and returns the authenticated login.
func (c *Commands) Status(ctx context.Context) (string, error) {
	return c.remote.TestConnection(ctx)
}

// SetLocale stores the user's language.
func (c *Commands) SetLocale(ctx context.Context, userID int64, code string) error {
	if !c.locales.Has(code) {
		return fmt.Errorf("%w: %q", ErrUnknownLocale, code)
	}
	return c.store.SetUserLocale(ctx, userID, code)
}

// Locale returns the user's language, or the default one for unknown users and
// on store errors.
func (c *Commands) Locale(ctx context.Context, userID int64) string {
	code, ok, err := c.store.GetUserLocale(ctx, userID)
	if err != nil {
		c.log.Warn("Failed to load locale, using default", zap.Int64("user_id", userID), zap.Error(err))
	}
	if err != nil || !ok || code == "" {
		return c.locales.DefaultLocale()
	}
	return code
}
