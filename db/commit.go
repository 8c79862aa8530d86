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

const insertCommitQuery = `
	INSERT INTO commit_history (
		repo_id, sha, message, author_name, author_email,
		commit_date, url, added, removed, modified, detected_at
	)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (repo_id, sha) DO NOTHING
`

// RecordCommit appends a commit to the seen-set. Recording a known hash is a
// no-op and reports inserted=false.
func (db *DB) RecordCommit(ctx context.Context, commit models.Commit) (bool, error) {
	inserted, err := db.RecordCommits(ctx, []models.Commit{commit})
	if err != nil {
		return false, err
	}
	return len(inserted) == 1, nil
}

// RecordCommits appends commits in one transaction and returns the ones that
// were not already known. Either all rows are written or none are.
func (db *DB) RecordCommits(ctx context.Context, commits []models.Commit) ([]models.Commit, error) {
	if len(commits) == 0 {
		return nil, nil
	}
	for _, c := range commits {
		if c.RepoID == "" || c.SHA == "" {
			return nil, fmt.Errorf("%w: commit repository and hash cannot be empty", ErrInvalidInput)
		}
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, db.q(insertCommitQuery))
	if err != nil {
		return nil, storeErr("prepare commit insert", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	var inserted []models.Commit
	for _, c := range commits {
		detectedAt := c.DetectedAt
		if detectedAt.IsZero() {
			detectedAt = now
		}

		result, err := stmt.ExecContext(ctx,
			c.RepoID, c.SHA, c.Message, c.AuthorName, c.AuthorEmail,
			c.Date.UTC(), c.URL, c.Added, c.Removed, c.Modified, detectedAt,
		)
		if err != nil {
			return nil, storeErr("insert commit "+c.SHA, err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return nil, storeErr("check rows affected", err)
		}
		if rows > 0 {
			c.DetectedAt = detectedAt
			inserted = append(inserted, c)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: failed to commit transaction: %v", ErrTransactionFailed, err)
	}

	db.log.Debug("Recorded commits",
		zap.Int("offered", len(commits)),
		zap.Int("inserted", len(inserted)))
	return inserted, nil
}

// IsCommitKnown reports whether the hash is already in the repository's seen-set.
func (db *DB) IsCommitKnown(ctx context.Context, repoID, sha string) (bool, error) {
	stmt, err := db.getStmt(ctx, `SELECT 1 FROM commit_history WHERE repo_id = ? AND sha = ? LIMIT 1`)
	if err != nil {
		return false, storeErr("is commit known", err)
	}

	var one int
	if err := stmt.GetContext(ctx, &one, repoID, sha); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, storeErr("is commit known", err)
	}
	return true, nil
}

// CountCommits returns how many commits were recorded for a repository.
func (db *DB) CountCommits(ctx context.Context, repoID string) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM commit_history WHERE repo_id = ?`
	if err := db.conn.GetContext(ctx, &n, db.q(query), repoID); err != nil {
		return 0, storeErr("count commits", err)
	}
	return n, nil
}
