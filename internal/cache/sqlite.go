package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	sqlGetResult = `SELECT data, expires_at FROM results WHERE identity = ? AND key = ?`

	sqlUpsertResult = `INSERT INTO results (identity, key, data, stored_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(identity, key) DO UPDATE SET
		 data = excluded.data,
		 stored_at = excluded.stored_at,
		 expires_at = excluded.expires_at`

	sqlDeleteResult  = `DELETE FROM results WHERE identity = ? AND key = ?`
	sqlDeleteAll     = `DELETE FROM results`
	sqlDeleteExpired = `DELETE FROM results WHERE expires_at <= ?`
)

// cacheDirPerms is used when creating the cache database directory.
const cacheDirPerms = 0o700

// SQLiteStore persists results across runs so repeated CLI invocations under
// the same identity can be served locally.
type SQLiteStore struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), cacheDirPerms); err != nil {
		return nil, fmt.Errorf("cache: creating directory for %s: %w", path, err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cache: opening database %s: %w", path, err)
	}

	// Single writer; also keeps every statement on the same connection.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, logger: logger, nowFunc: time.Now}

	if err := s.Prune(ctx); err != nil {
		logger.Warn("pruning expired cache entries failed", slog.String("error", err.Error()))
	}

	logger.Debug("result cache opened", slog.String("db_path", path))

	return s, nil
}

// runMigrations applies pending schema migrations with the goose Provider API.
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("cache: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("cache: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("cache: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Debug("applied cache migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, identity, key string) ([]byte, bool, error) {
	var (
		data      []byte
		expiresAt int64
	)

	err := s.db.QueryRowContext(ctx, sqlGetResult, identity, key).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("cache: reading entry: %w", err)
	}

	if s.nowFunc().UnixNano() >= expiresAt {
		if _, delErr := s.db.ExecContext(ctx, sqlDeleteResult, identity, key); delErr != nil {
			s.logger.Debug("deleting expired cache entry failed", slog.String("error", delErr.Error()))
		}

		return nil, false, nil
	}

	return data, true, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, identity, key string, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	now := s.nowFunc()

	if _, err := s.db.ExecContext(ctx, sqlUpsertResult,
		identity, key, data, now.UnixNano(), now.Add(ttl).UnixNano(),
	); err != nil {
		return fmt.Errorf("cache: writing entry: %w", err)
	}

	return nil
}

// Reset implements Store.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, sqlDeleteAll)
	if err != nil {
		return fmt.Errorf("cache: clearing: %w", err)
	}

	n, _ := res.RowsAffected()
	s.logger.Debug("result cache cleared", slog.Int64("entries", n))

	return nil
}

// Prune deletes expired entries.
func (s *SQLiteStore) Prune(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteExpired, s.nowFunc().UnixNano()); err != nil {
		return fmt.Errorf("cache: pruning: %w", err)
	}

	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
