package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"commitwatch/models"
)

// repositoryRow mirrors the repositories table.
type repositoryRow struct {
	RepoID        string         `db:"repo_id"`
	RepoURL       string         `db:"repo_url"`
	Branch        string         `db:"branch"`
	LastCommitSHA sql.NullString `db:"last_commit_sha"`
	LastCommitAt  dbTime         `db:"last_commit_date"`
	LastCheck     dbTime         `db:"last_check"`
}

func (r repositoryRow) model() models.MonitoredRepository {
	repo := models.MonitoredRepository{
		RepoID:       r.RepoID,
		RepoURL:      r.RepoURL,
		Branch:       r.Branch,
		LastCommitAt: r.LastCommitAt.Ptr(),
		LastCheck:    r.LastCheck.Ptr(),
	}
	if r.LastCommitSHA.Valid {
		sha := r.LastCommitSHA.String
		repo.LastCommitSHA = &sha
	}
	return repo
}

type subscriptionRow struct {
	UserID    int64  `db:"user_id"`
	RepoID    string `db:"repo_id"`
	RepoURL   string `db:"repo_url"`
	Branch    string `db:"branch"`
	CreatedAt dbTime `db:"created_at"`
	LastCheck dbTime `db:"last_check"`
}

func (r subscriptionRow) model() models.Subscription {
	return models.Subscription{
		UserID:    r.UserID,
		RepoID:    r.RepoID,
		RepoURL:   r.RepoURL,
		Branch:    r.Branch,
		CreatedAt: r.CreatedAt.Time,
		LastCheck: r.LastCheck.Ptr(),
	}
}

// AddSubscription subscribes a user to a repository, replacing any existing
// subscription for the same pair. The shared repository row is created on the
// first subscription; its watermark is never reset by a later one.
func (db *DB) AddSubscription(ctx context.Context, userID int64, repoID, repoURL, branch string) error {
	if userID == 0 || repoID == "" || branch == "" {
		return fmt.Errorf("%w: user id, repository and branch cannot be empty", ErrInvalidInput)
	}

	db.log.Info("Storing subscription",
		zap.Int64("user_id", userID),
		zap.String("repo", repoID),
		zap.String("branch", branch))

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	userQuery := `
		INSERT INTO users (user_id, display_name, locale, joined_at)
		VALUES (?, '', ?, ?)
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, db.q(userQuery), userID, db.defaultLocale, now); err != nil {
		return storeErr("ensure user", err)
	}

	repoQuery := `
		INSERT INTO repositories (repo_id, repo_url, branch)
		VALUES (?, ?, ?)
		ON CONFLICT (repo_id) DO UPDATE SET
			repo_url = excluded.repo_url,
			branch = excluded.branch
	`
	if _, err := tx.ExecContext(ctx, db.q(repoQuery), repoID, repoURL, branch); err != nil {
		return storeErr("store repository", err)
	}

	subQuery := `
		INSERT INTO subscriptions (user_id, repo_id, repo_url, branch, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, repo_id) DO UPDATE SET
			repo_url = excluded.repo_url,
			branch = excluded.branch,
			created_at = excluded.created_at
	`
	if _, err := tx.ExecContext(ctx, db.q(subQuery), userID, repoID, repoURL, branch, now); err != nil {
		return storeErr("store subscription", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit transaction: %v", ErrTransactionFailed, err)
	}

	db.log.Info("Subscription stored successfully", zap.Int64("user_id", userID), zap.String("repo", repoID))
	return nil
}

// RemoveSubscription deletes a user's subscription. The repository row and its
// watermark are kept.
func (db *DB) RemoveSubscription(ctx context.Context, userID int64, repoID string) error {
	if userID == 0 || repoID == "" {
		return fmt.Errorf("%w: user id and repository cannot be empty", ErrInvalidInput)
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	query := `DELETE FROM subscriptions WHERE user_id = ? AND repo_id = ?`
	result, err := db.conn.ExecContext(ctx, db.q(query), userID, repoID)
	if err != nil {
		return storeErr("remove subscription", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return storeErr("check rows affected", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %d/%s", ErrSubscriptionNotFound, userID, repoID)
	}

	db.log.Info("Subscription removed", zap.Int64("user_id", userID), zap.String("repo", repoID))
	return nil
}

// ListSubscriptions returns a user's subscriptions ordered by repository.
func (db *DB) ListSubscriptions(ctx context.Context, userID int64) ([]models.Subscription, error) {
	query := `
		SELECT s.user_id, s.repo_id, s.repo_url, s.branch, s.created_at, r.last_check
		FROM subscriptions s
		JOIN repositories r ON r.repo_id = s.repo_id
		WHERE s.user_id = ?
		ORDER BY s.repo_id
	`

	var rows []subscriptionRow
	if err := db.conn.SelectContext(ctx, &rows, db.q(query), userID); err != nil {
		return nil, storeErr("list subscriptions", err)
	}

	subs := make([]models.Subscription, 0, len(rows))
	for _, r := range rows {
		subs = append(subs, r.model())
	}
	return subs, nil
}

// ListAllMonitoredRepos returns every repository with at least one subscriber.
func (db *DB) ListAllMonitoredRepos(ctx context.Context) ([]models.MonitoredRepository, error) {
	query := `
		SELECT r.repo_id, r.repo_url, r.branch, r.last_commit_sha, r.last_commit_date, r.last_check
		FROM repositories r
		WHERE EXISTS (SELECT 1 FROM subscriptions s WHERE s.repo_id = r.repo_id)
		ORDER BY r.repo_id
	`

	var rows []repositoryRow
	if err := db.conn.SelectContext(ctx, &rows, db.q(query)); err != nil {
		return nil, storeErr("list monitored repositories", err)
	}

	repos := make([]models.MonitoredRepository, 0, len(rows))
	for _, r := range rows {
		repos = append(repos, r.model())
	}
	return repos, nil
}

// GetRepository loads the shared state of a repository.
func (db *DB) GetRepository(ctx context.Context, repoID string) (*models.MonitoredRepository, error) {
	if repoID == "" {
		return nil, fmt.Errorf("%w: repository cannot be empty", ErrInvalidInput)
	}

	query := `
		SELECT repo_id, repo_url, branch, last_commit_sha, last_commit_date, last_check
		FROM repositories
		WHERE repo_id = ?
	`

	var row repositoryRow
	if err := db.conn.GetContext(ctx, &row, db.q(query), repoID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRepositoryNotFound, repoID)
		}
		return nil, storeErr("get repository", err)
	}

	repo := row.model()
	return &repo, nil
}

// ListSubscribers returns the users subscribed to a repository.
func (db *DB) ListSubscribers(ctx context.Context, repoID string) ([]int64, error) {
	query := `SELECT user_id FROM subscriptions WHERE repo_id = ? ORDER BY user_id`

	var ids []int64
	if err := db.conn.SelectContext(ctx, &ids, db.q(query), repoID); err != nil {
		return nil, storeErr("list subscribers", err)
	}
	return ids, nil
}
