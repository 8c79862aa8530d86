package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"commitwatch/logger"
)

// Driver names accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Options configures the connection pool and store defaults.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	DefaultLocale   string
}

// DB is the durable subscription store. Writes are serialized through a
// single process-wide lock; reads go straight to the pool.
type DB struct {
	conn          *sqlx.DB
	driver        string
	defaultLocale string
	log           *zap.Logger

	writeMu sync.Mutex

	// Prepared statements cache
	stmtCache struct {
		sync.RWMutex
		statements map[string]*sqlx.Stmt
	}
}

// SQLiteDSN builds a modernc.org/sqlite DSN for a database file.
func SQLiteDSN(path string) string {
	return fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_time_format=sqlite",
		path,
	)
}

// Open creates a new database connection
func Open(ctx context.Context, driver, dsn string, opts Options, log *zap.Logger) (*DB, error) {
	log = logger.OrNop(log)

	log.Info("Connecting to database", zap.String("driver", driver))
	conn, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseConnection, err)
	}

	if driver == DriverSQLite {
		// One connection keeps sqlite writers from tripping over each other and
		// keeps shared in-memory databases alive.
		conn.SetMaxOpenConns(1)
		conn.SetConnMaxLifetime(0)
	} else {
		if opts.MaxOpenConns > 0 {
			conn.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.MaxIdleConns > 0 {
			conn.SetMaxIdleConns(opts.MaxIdleConns)
		}
		conn.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	log.Info("Database connection established",
		zap.String("driver", driver),
		zap.Int("max_open_conns", opts.MaxOpenConns),
		zap.Duration("conn_max_lifetime", opts.ConnMaxLifetime))

	return newDB(conn, driver, opts.DefaultLocale, log), nil
}

// NewWithConn wraps an existing connection. Used by tests.
func NewWithConn(conn *sqlx.DB, driver, defaultLocale string, log *zap.Logger) *DB {
	return newDB(conn, driver, defaultLocale, logger.OrNop(log))
}

func newDB(conn *sqlx.DB, driver, defaultLocale string, log *zap.Logger) *DB {
	if defaultLocale == "" {
		defaultLocale = "en"
	}
	database := &DB{
		conn:          conn,
		driver:        driver,
		defaultLocale: defaultLocale,
		log:           log,
	}
	database.stmtCache.statements = make(map[string]*sqlx.Stmt)
	return database
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseConnection, err)
	}
	return nil
}

// q rewrites ? placeholders for the active driver.
func (db *DB) q(query string) string {
	return db.conn.Rebind(query)
}

// getStmt returns a prepared statement from cache or creates a new one
func (db *DB) getStmt(ctx context.Context, query string) (*sqlx.Stmt, error) {
	query = db.q(query)

	db.stmtCache.RLock()
	stmt, exists := db.stmtCache.statements[query]
	db.stmtCache.RUnlock()

	if exists {
		return stmt, nil
	}

	db.stmtCache.Lock()
	defer db.stmtCache.Unlock()

	// Double-check after acquiring write lock
	if stmt, exists = db.stmtCache.statements[query]; exists {
		return stmt, nil
	}

	stmt, err := db.conn.PreparexContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	db.stmtCache.statements[query] = stmt
	return stmt, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.stmtCache.Lock()
	for _, stmt := range db.stmtCache.statements {
		stmt.Close()
	}
	db.stmtCache.statements = make(map[string]*sqlx.Stmt)
	db.stmtCache.Unlock()

	return db.conn.Close()
}
