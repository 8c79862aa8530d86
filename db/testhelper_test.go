package db

import (
	"fmt"
	"net/url"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// setupTestDB creates a new test database connection with a mock
func setupTestDB(t *testing.T) (*DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	conn, mock, err := sqlmock.New()
	require.NoError(t, err)

	sqlxDB := sqlx.NewDb(conn, "sqlmock")
	database := NewWithConn(sqlxDB, "sqlmock", "en", nil)

	cleanup := func() {
		database.Close()
	}

	return database, mock, cleanup
}

// setupSQLite creates a named shared in-memory SQLite database with all
// migrations applied. The name derived from t.Name() isolates tests.
func setupSQLite(t *testing.T) *DB {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=foreign_keys(ON)&_time_format=sqlite",
		url.PathEscape(t.Name()),
	)

	conn, err := sqlx.Connect(DriverSQLite, dsn)
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)

	database := NewWithConn(conn, DriverSQLite, "en", nil)
	require.NoError(t, database.Migrate())

	t.Cleanup(func() { _ = database.Close() })
	return database
}
