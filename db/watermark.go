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

// GetWatermark returns the newest processed commit of a repository, or nil if
// the repository was never checked.
func (db *DB) GetWatermark(ctx context.Context, repoID string) (*models.Watermark, error) {
	if repoID == "" {
		return nil, fmt.Errorf("%w: repository cannot be empty", ErrInvalidInput)
	}

	var row struct {
		SHA  sql.NullString `db:"last_commit_sha"`
		Date dbTime         `db:"last_commit_date"`
	}
	query := `SELECT last_commit_sha, last_commit_date FROM repositories WHERE repo_id = ?`
	if err := db.conn.GetContext(ctx, &row, db.q(query), repoID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRepositoryNotFound, repoID)
		}
		return nil, storeErr("get watermark", err)
	}

	if !row.SHA.Valid || !row.Date.Valid {
		return nil, nil
	}
	return &models.Watermark{SHA: row.SHA.String, Date: row.Date.Time}, nil
}

// SetWatermark advances the repository's watermark and records the check time.
func (db *DB) SetWatermark(ctx context.Context, repoID, sha string, date, checkedAt time.Time) error {
	if repoID == "" || sha == "" {
		return fmt.Errorf("%w: repository and hash cannot be empty", ErrInvalidInput)
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	query := `
		UPDATE repositories
		SET last_commit_sha = ?, last_commit_date = ?, last_check = ?
		WHERE repo_id = ?
	`
	result, err := db.conn.ExecContext(ctx, db.q(query), sha, date.UTC(), checkedAt.UTC(), repoID)
	if err != nil {
		return storeErr("set watermark", err)
	}
	if err := requireRow(result, repoID); err != nil {
		return err
	}

	db.log.Debug("Watermark advanced",
		zap.String("repo", repoID),
		zap.String("sha", sha),
		zap.Time("date", date))
	return nil
}

// MarkChecked records a successful check that found nothing new.
func (db *DB) MarkChecked(ctx context.Context, repoID string, checkedAt time.Time) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	query := `UPDATE repositories SET last_check = ? WHERE repo_id = ?`
	result, err := db.conn.ExecContext(ctx, db.q(query), checkedAt.UTC(), repoID)
	if err != nil {
		return storeErr("mark checked", err)
	}
	return requireRow(result, repoID)
}

func requireRow(result sql.Result, repoID string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return storeErr("check rows affected", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrRepositoryNotFound, repoID)
	}
	return nil
}
