package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// UpsertUser creates the user on first interaction. For an existing user only a
// non-empty display name is refreshed; the locale is left untouched.
func (db *DB) UpsertUser(ctx context.Context, userID int64, displayName, locale string) error {
	if userID == 0 {
		return fmt.Errorf("%w: user id cannot be zero", ErrInvalidInput)
	}
	if locale == "" {
		locale = db.defaultLocale
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	query := `
		INSERT INTO users (user_id, display_name, locale, joined_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE users.display_name END
	`
	if _, err := db.conn.ExecContext(ctx, db.q(query), userID, displayName, locale, time.Now().UTC()); err != nil {
		return storeErr("upsert user", err)
	}

	db.log.Debug("User upserted", zap.Int64("user_id", userID))
	return nil
}

// GetUserLocale returns the user's locale. ok is false when the user is unknown.
func (db *DB) GetUserLocale(ctx context.Context, userID int64) (locale string, ok bool, err error) {
	query := `SELECT locale FROM users WHERE user_id = ?`

	if err := db.conn.GetContext(ctx, &locale, db.q(query), userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, storeErr("get user locale", err)
	}
	return locale, true, nil
}

// SetUserLocale stores the locale, creating the user if needed.
func (db *DB) SetUserLocale(ctx context.Context, userID int64, locale string) error {
	if userID == 0 || locale == "" {
		return fmt.Errorf("%w: user id and locale are required", ErrInvalidInput)
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	query := `
		INSERT INTO users (user_id, display_name, locale, joined_at)
		VALUES (?, '', ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET locale = excluded.locale
	`
	if _, err := db.conn.ExecContext(ctx, db.q(query), userID, locale, time.Now().UTC()); err != nil {
		return storeErr("set user locale", err)
	}

	db.log.Info("User locale updated", zap.Int64("user_id", userID), zap.String("locale", locale))
	return nil
}
