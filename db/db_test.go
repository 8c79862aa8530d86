package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commitwatch/models"
)

func TestGetWatermarkQueries(t *testing.T) {
	date := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		repoID      string
		mockSetup   func(sqlmock.Sqlmock)
		expected    *models.Watermark
		expectedErr error
	}{
		{
			name:   "successful retrieval",
			repoID: "acme/widgets",
			mockSetup: func(mock sqlmock.Sqlmock) {
				rows := sqlmock.NewRows([]string{"last_commit_sha", "last_commit_date"}).
					AddRow("abc1234", date)
				mock.ExpectQuery("SELECT last_commit_sha, last_commit_date FROM repositories").
					WithArgs("acme/widgets").
					WillReturnRows(rows)
			},
			expected: &models.Watermark{SHA: "abc1234", Date: date},
		},
		{
			name:   "never checked",
			repoID: "acme/widgets",
			mockSetup: func(mock sqlmock.Sqlmock) {
				rows := sqlmock.NewRows([]string{"last_commit_sha", "last_commit_date"}).
					AddRow(nil, nil)
				mock.ExpectQuery("SELECT last_commit_sha, last_commit_date FROM repositories").
					WithArgs("acme/widgets").
					WillReturnRows(rows)
			},
			expected: nil,
		},
		{
			name:   "repository not found",
			repoID: "acme/missing",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT last_commit_sha, last_commit_date FROM repositories").
					WithArgs("acme/missing").
					WillReturnError(sql.ErrNoRows)
			},
			expectedErr: ErrRepositoryNotFound,
		},
		{
			name:        "empty repository",
			repoID:      "",
			mockSetup:   func(mock sqlmock.Sqlmock) {},
			expectedErr: ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, cleanup := setupTestDB(t)
			defer cleanup()

			tt.mockSetup(mock)

			result, err := db.GetWatermark(context.Background(), tt.repoID)
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.expected, result)
			}

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRecordCommitsQueries(t *testing.T) {
	date := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	commits := []models.Commit{
		{RepoID: "acme/widgets", SHA: "new1", Message: "feat", AuthorName: "Ada", Date: date},
		{RepoID: "acme/widgets", SHA: "old1", Message: "fix", AuthorName: "Bob", Date: date.Add(-time.Hour)},
	}

	tests := []struct {
		name         string
		mockSetup    func(sqlmock.Sqlmock)
		expectedSHAs []string
		expectedErr  error
	}{
		{
			name: "inserts new and skips known",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				prep := mock.ExpectPrepare("INSERT INTO commit_history")
				prep.ExpectExec().
					WithArgs("acme/widgets", "new1", "feat", "Ada", "", sqlmock.AnyArg(), "", 0, 0, 0, sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 1))
				prep.ExpectExec().
					WithArgs("acme/widgets", "old1", "fix", "Bob", "", sqlmock.AnyArg(), "", 0, 0, 0, sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectCommit()
			},
			expectedSHAs: []string{"new1"},
		},
		{
			name: "transaction failure",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin().WillReturnError(sql.ErrConnDone)
			},
			expectedErr: ErrTransactionFailed,
		},
		{
			name: "insert failure rolls back",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				prep := mock.ExpectPrepare("INSERT INTO commit_history")
				prep.ExpectExec().WillReturnError(errors.New("disk full"))
				mock.ExpectRollback()
			},
			expectedErr: ErrStore,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, cleanup := setupTestDB(t)
			defer cleanup()

			tt.mockSetup(mock)

			inserted, err := db.RecordCommits(context.Background(), commits)
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				assert.Nil(t, inserted)
			} else {
				require.NoError(t, err)
				var shas []string
				for _, c := range inserted {
					shas = append(shas, c.SHA)
				}
				assert.Equal(t, tt.expectedSHAs, shas)
			}

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestIsCommitKnownUsesPreparedStatement(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	prep := mock.ExpectPrepare("SELECT 1 FROM commit_history")
	prep.ExpectQuery().
		WithArgs("acme/widgets", "abc").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	prep.ExpectQuery().
		WithArgs("acme/widgets", "def").
		WillReturnError(sql.ErrNoRows)

	ctx := context.Background()
	known, err := db.IsCommitKnown(ctx, "acme/widgets", "abc")
	require.NoError(t, err)
	assert.True(t, known)

	// Second call reuses the cached statement: no second prepare is expected.
	known, err = db.IsCommitKnown(ctx, "acme/widgets", "def")
	require.NoError(t, err)
	assert.False(t, known)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetWatermarkQueries(t *testing.T) {
	date := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		result      driverResult
		expectedErr error
	}{
		{name: "advances", result: driverResult{rows: 1}},
		{name: "unknown repository", result: driverResult{rows: 0}, expectedErr: ErrRepositoryNotFound},
		{name: "driver error", result: driverResult{err: errors.New("locked")}, expectedErr: ErrStore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, cleanup := setupTestDB(t)
			defer cleanup()

			exp := mock.ExpectExec("UPDATE repositories").
				WithArgs("abc1234", date, sqlmock.AnyArg(), "acme/widgets")
			if tt.result.err != nil {
				exp.WillReturnError(tt.result.err)
			} else {
				exp.WillReturnResult(sqlmock.NewResult(0, tt.result.rows))
			}

			err := db.SetWatermark(context.Background(), "acme/widgets", "abc1234", date, date)
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
			} else {
				assert.NoError(t, err)
			}

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

type driverResult struct {
	rows int64
	err  error
}

func TestListSubscribersError(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT user_id FROM subscriptions").
		WithArgs("acme/widgets").
		WillReturnError(sql.ErrConnDone)

	_, err := db.ListSubscribers(context.Background(), "acme/widgets")
	assert.ErrorIs(t, err, ErrStore)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBTimeScan(t *testing.T) {
	want := time.Date(2026, 10, 2, 8, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		src  any
	}{
		{name: "time", src: want},
		{name: "sqlite text", src: "2026-10-02 08:30:00+00:00"},
		{name: "go string", src: "2026-10-02 08:30:00 +0000 UTC"},
		{name: "rfc3339", src: []byte("2026-10-02T08:30:00Z")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got dbTime
			require.NoError(t, got.Scan(tt.src))
			assert.True(t, got.Valid)
			assert.True(t, want.Equal(got.Time))
		})
	}

	var null dbTime
	require.NoError(t, null.Scan(nil))
	assert.Nil(t, null.Ptr())

	assert.Error(t, new(dbTime).Scan("yesterday"))
}
