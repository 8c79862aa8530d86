// Package detector decides which commits of a repository are genuinely new.
package detector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"commitwatch/logger"
	"commitwatch/models"
)

// DefaultLookback is the first-check window for repositories with no watermark.
const DefaultLookback = 24 * time.Hour

// ErrFetchFailed wraps remote failures. The sweep treats it as "no new commits
// this cycle" for the repository.
var ErrFetchFailed = errors.New("commit fetch failed")

// GitHubClientInterface is the part of the remote source the detector reads.
type GitHubClientInterface interface {
	ListCommitsSince(ctx context.Context, repoID, branch string, since time.Time) ([]models.Commit, error)
}

// DBInterface is the seen-set lookup.
type DBInterface interface {
	IsCommitKnown(ctx context.Context, repoID, sha string) (bool, error)
}

// Result is the outcome of one detection pass.
type Result struct {
	// Commits are the new commits, newest first.
	Commits []models.Commit
	// Newest is the commit the watermark should move to, nil when nothing is new.
	Newest *models.Commit
	// Since is the lower bound the remote source was queried with.
	Since time.Time
}

// Detector finds new commits. It has no side effects.
type Detector struct {
	remote   GitHubClientInterface
	store    DBInterface
	lookback time.Duration
	now      func() time.Time
	log      *zap.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithLookback overrides the first-check window.
func WithLookback(d time.Duration) Option {
	return func(det *Detector) {
		if d > 0 {
			det.lookback = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(det *Detector) { det.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(det *Detector) { det.log = logger.OrNop(l) }
}

// New creates a Detector.
func New(remote GitHubClientInterface, store DBInterface, opts ...Option) *Detector {
	d := &Detector{
		remote:   remote,
		store:    store,
		lookback: DefaultLookback,
		now:      time.Now,
		log:      logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Since returns the lower bound for a repository: its watermark timestamp, or
// now minus the lookback window when it was never checked. It is compared with
// the committer timestamp, so rebased commits with old author dates still pass.
func (d *Detector) Since(repo models.MonitoredRepository) time.Time {
	if wm := repo.Watermark(); wm != nil {
		return wm.Date
	}
	return d.now().UTC().Add(-d.lookback)
}

// Detect returns the commits of repo that were never recorded before.
func (d *Detector) Detect(ctx context.Context, repo models.MonitoredRepository) (Result, error) {
	since := d.Since(repo)
	result := Result{Since: since}

	candidates, err := d.remote.ListCommitsSince(ctx, repo.RepoID, repo.Branch, since)
	if err != nil {
		return result, fmt.Errorf("%w: %s: %w", ErrFetchFailed, repo.RepoID, err)
	}

	seen := make(map[string]struct{}, len(candidates))
	fresh := make([]models.Commit, 0, len(candidates))
	for _, c := range candidates {
		if c.SHA == "" || c.PushedAt().Before(since) {
			continue
		}
		if _, dup := seen[c.SHA]; dup {
			continue
		}
		seen[c.SHA] = struct{}{}

		known, err := d.store.IsCommitKnown(ctx, repo.RepoID, c.SHA)
		if err != nil {
			return Result{Since: since}, err
		}
		if known {
			continue
		}
		if c.RepoID == "" {
			c.RepoID = repo.RepoID
		}
		fresh = append(fresh, c)
	}

	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].NewerThan(fresh[j])
	})

	result.Commits = fresh
	if len(fresh) > 0 {
		newest := fresh[0]
		result.Newest = &newest
	}

	d.log.Debug("Detection finished",
		zap.String("repo", repo.RepoID),
		zap.String("branch", repo.Branch),
		zap.Time("since", since),
		zap.Int("candidates", len(candidates)),
		zap.Int("new", len(fresh)))

	return result, nil
}
