package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"commitwatch/detector"
	"commitwatch/models"
)

// Step errors
var (
	ErrFetch = errors.New("fetch failed")
	ErrStore = errors.New("store failed")
)

// SweepReport summarizes one pass over a set of repositories.
type SweepReport struct {
	ID               uuid.UUID
	Repos            int
	NewCommits       int
	Messages         int
	FetchFailures    int
	StoreFailures    int
	DeliveryFailures int
	Duration         time.Duration
}

// RepoReport is the outcome of one repository step.
type RepoReport struct {
	RepoID           string
	NewCommits       int
	Messages         int
	DeliveryFailures int
	// Watermark is the stored watermark after the step.
	Watermark *models.Watermark
}

func (r *SweepReport) add(rr RepoReport, err error) {
	r.Repos++
	r.NewCommits += rr.NewCommits
	r.Messages += rr.Messages
	r.DeliveryFailures += rr.DeliveryFailures
	switch {
	case errors.Is(err, ErrFetch):
		r.FetchFailures++
	case errors.Is(err, ErrStore):
		r.StoreFailures++
	}
}

// Sweep checks every monitored repository in turn. It stops early, between
// repositories, when the scheduler is stopping or ctx is done.
func (s *Scheduler) Sweep(ctx context.Context) SweepReport {
	start := time.Now()
	report := SweepReport{ID: uuid.New()}
	log := s.log.With(zap.String("sweep_id", report.ID.String()))

	repos, err := s.store.ListAllMonitoredRepos(ctx)
	if err != nil {
		report.StoreFailures++
		report.Duration = time.Since(start)
		log.Error("Failed to list monitored repositories", zap.Error(err))
		return report
	}

	log.Debug("Sweep started", zap.Int("repos", len(repos)))
	for _, repo := range repos {
		if s.stopping.Load() || ctx.Err() != nil {
			log.Info("Sweep abandoned", zap.Int("remaining", len(repos)-report.Repos))
			break
		}
		rr, err := s.checkRepository(ctx, log, repo.RepoID)
		report.add(rr, err)
	}

	report.Duration = time.Since(start)
	log.Info("Sweep finished",
		zap.Int("repos", report.Repos),
		zap.Int("new_commits", report.NewCommits),
		zap.Int("messages", report.Messages),
		zap.Int("fetch_failures", report.FetchFailures),
		zap.Int("store_failures", report.StoreFailures),
		zap.Int("delivery_failures", report.DeliveryFailures),
		zap.Duration("duration", report.Duration))
	return report
}

// CheckNow runs the repository step for each of repoIDs synchronously, outside
// the timer cadence.
func (s *Scheduler) CheckNow(ctx context.Context, repoIDs []string) SweepReport {
	start := time.Now()
	report := SweepReport{ID: uuid.New()}
	log := s.log.With(zap.String("sweep_id", report.ID.String()), zap.Bool("manual", true))

	for _, repoID := range repoIDs {
		if ctx.Err() != nil {
			break
		}
		rr, err := s.checkRepository(ctx, log, repoID)
		report.add(rr, err)
	}

	report.Duration = time.Since(start)
	log.Info("Manual check finished",
		zap.Int("repos", report.Repos),
		zap.Int("new_commits", report.NewCommits))
	return report
}

// CheckRepository runs the step for a single repository.
func (s *Scheduler) CheckRepository(ctx context.Context, repoID string) (RepoReport, error) {
	return s.checkRepository(ctx, s.log, repoID)
}

// checkRepository detects, records and fans out new commits of one repository.
// Fetch failures leave the repository untouched until the next sweep. Commits
// that were recorded are delivered even if the watermark write then fails or
// ctx is cancelled.
func (s *Scheduler) checkRepository(ctx context.Context, log *zap.Logger, repoID string) (RepoReport, error) {
	lock := s.repoLock(repoID)
	lock.Lock()
	defer lock.Unlock()

	report := RepoReport{RepoID: repoID}
	log = log.With(zap.String("repo", repoID))

	repo, err := s.store.GetRepository(ctx, repoID)
	if err != nil {
		log.Error("Failed to load repository state", zap.Error(err))
		return report, fmt.Errorf("%w: %w", ErrStore, err)
	}
	report.Watermark = repo.Watermark()
	log = log.With(zap.String("branch", repo.Branch))

	result, err := s.detector.Detect(ctx, *repo)
	if err != nil {
		if errors.Is(err, detector.ErrFetchFailed) {
			log.Warn("No new commits this cycle: fetch failed", zap.Error(err))
			return report, fmt.Errorf("%w: %w", ErrFetch, err)
		}
		log.Error("Detection failed", zap.Error(err))
		return report, fmt.Errorf("%w: %w", ErrStore, err)
	}

	checkedAt := s.now().UTC()
	if len(result.Commits) == 0 {
		if err := s.store.MarkChecked(ctx, repoID, checkedAt); err != nil {
			log.Error("Failed to record check time", zap.Error(err))
			return report, fmt.Errorf("%w: %w", ErrStore, err)
		}
		return report, nil
	}

	// Subscribers are read before the commits are claimed: once recorded, a
	// commit is never offered again.
	subscribers, err := s.store.ListSubscribers(ctx, repoID)
	if err != nil {
		log.Error("Failed to list subscribers", zap.Error(err))
		return report, fmt.Errorf("%w: %w", ErrStore, err)
	}

	inserted, err := s.store.RecordCommits(ctx, result.Commits)
	if err != nil {
		log.Error("Failed to record commits", zap.Error(err))
		return report, fmt.Errorf("%w: %w", ErrStore, err)
	}
	report.NewCommits = len(inserted)

	// Recorded commits must reach every subscriber, so the rest of the step
	// ignores cancellation of ctx.
	ctx = context.WithoutCancel(ctx)

	var stepErr error
	if newest := result.Newest; newest != nil && report.Watermark.Before(*newest) {
		pushedAt := newest.PushedAt()
		if err := s.store.SetWatermark(ctx, repoID, newest.SHA, pushedAt, checkedAt); err != nil {
			log.Error("Failed to advance watermark", zap.Error(err))
			stepErr = fmt.Errorf("%w: %w", ErrStore, err)
		} else {
			report.Watermark = &models.Watermark{SHA: newest.SHA, Date: pushedAt}
		}
	} else if err := s.store.MarkChecked(ctx, repoID, checkedAt); err != nil {
		log.Error("Failed to record check time", zap.Error(err))
		stepErr = fmt.Errorf("%w: %w", ErrStore, err)
	}

	if len(inserted) == 0 {
		// Another step claimed these commits first.
		return report, stepErr
	}

	log.Info("New commits detected", zap.Int("count", len(inserted)))

	for _, userID := range subscribers {
		locale := s.resolveLocale(ctx, log, userID)
		delivered, err := s.fanout.Deliver(ctx, userID, *repo, inserted, locale)
		report.Messages += delivered.Sent
		if err != nil {
			report.DeliveryFailures++
			log.Warn("Delivery to subscriber failed",
				zap.Int64("user_id", userID),
				zap.Int("sent", delivered.Sent),
				zap.Int("failed", delivered.Failed),
				zap.Error(err))
		}
	}

	return report, stepErr
}

func (s *Scheduler) resolveLocale(ctx context.Context, log *zap.Logger, userID int64) string {
	locale, ok, err := s.store.GetUserLocale(ctx, userID)
	if err != nil {
		log.Warn("Failed to load locale, using default",
			zap.Int64("user_id", userID),
			zap.Error(err))
		return s.defaultLocale
	}
	if !ok || locale == "" {
		return s.defaultLocale
	}
	return locale
}
