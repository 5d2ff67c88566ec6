package storage

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite" // pure Go driver, no CGO
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB owns the SQLite handle shared by all stores.
type DB struct {
	db *sql.DB
}

// Open creates (or opens) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("sqlite: empty path")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "sqlite: create database directory")
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: open")
	}
	// A single connection serializes every write; application turns are
	// serialized per user above this layer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sqlite: ping")
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "sqlite: migrations fs")
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		return errors.Wrap(err, "sqlite: goose provider")
	}
	if _, err := provider.Up(ctx); err != nil {
		return errors.Wrap(err, "sqlite: run migrations")
	}
	return nil
}

func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *DB) Conversations() *SQLiteConversationStore { return &SQLiteConversationStore{db: d.db} }
func (d *DB) Summaries() *SQLiteSummaryStore         { return &SQLiteSummaryStore{db: d.db} }
func (d *DB) ExecutionLog() *SQLiteExecutionLog      { return &SQLiteExecutionLog{db: d.db} }
func (d *DB) Profiles() *SQLiteProfileStore          { return &SQLiteProfileStore{db: d.db} }

// Seen returns the poller's seen-message store bounded to limit ids per user.
func (d *DB) Seen(limit int) *SQLiteSeenStore {
	if limit <= 0 {
		limit = 300
	}
	return &SQLiteSeenStore{db: d.db, limit: limit}
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
