package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/skein/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added written_at index on users
const currentSchemaVersion = 1

// Mode selects what happens to existing data on Open.
type Mode int

const (
	// Volatile drops and recreates all tables on open.
	Volatile Mode = iota
	// Persistent keeps data across restarts, trimmed to MaxRecords.
	Persistent
)

func (m Mode) String() string {
	if m == Persistent {
		return "persistent"
	}
	return "volatile"
}

// ParseMode parses "volatile" or "persistent" (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "volatile":
		return Volatile, nil
	case "persistent":
		return Persistent, nil
	default:
		return Volatile, fmt.Errorf("unknown store mode %q", s)
	}
}

// Options configures Open.
type Options struct {
	Mode Mode

	// MaxRecords bounds each table on Persistent open. 0 disables trimming.
	MaxRecords int

	Logger *slog.Logger
}

// Store is one SQLite database holding post and user tables.
type Store struct {
	db     *sql.DB
	path   string
	writer sync.Mutex
	closed atomic.Bool
	codec  *codec
	logger *slog.Logger
	now    func() time.Time
}

// Open creates or opens a SQLite database at the given path and prepares it
// according to opts.Mode.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
func Open(path string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if opts.Mode == Volatile {
		if err := dropTables(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to reset volatile store: %w", err)
		}
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	c, err := newCodec()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create codec: %w", err)
	}

	s := &Store{
		db:     db,
		path:   path,
		codec:  c,
		logger: logger,
		now:    time.Now,
	}

	if opts.Mode == Persistent && opts.MaxRecords > 0 {
		if err := s.trim(context.Background(), opts.MaxRecords); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to trim store: %w", err)
		}
	}

	logger.Info("store opened", "path", path, "mode", opts.Mode.String(), "max_records", opts.MaxRecords)
	return s, nil
}

// Close closes the database. Safe to call more than once.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if s.closed.Swap(true) {
		return nil
	}

	// Wait for an in-flight write to finish before closing the handle.
	s.writer.Lock()
	defer s.writer.Unlock()

	s.codec.close()
	return s.db.Close()
}

// Available reports whether the store accepts reads and writes.
func (s *Store) Available() bool {
	return s != nil && s.db != nil && !s.closed.Load()
}

// Posts returns the post namespace.
func (s *Store) Posts() *Posts {
	return &Posts{s: s}
}

// Users returns the user namespace.
func (s *Store) Users() *Users {
	return &Users{s: s}
}

// write runs fn under the single writer lock. A closed store returns
// STORE_UNAVAILABLE without touching the database.
func (s *Store) write(ctx context.Context, id uint64, op string, fn func(ctx context.Context) error) error {
	if !s.Available() {
		return model.NewStoreUnavailableError(id, nil)
	}

	s.writer.Lock()
	defer s.writer.Unlock()

	if s.closed.Load() {
		return model.NewStoreUnavailableError(id, nil)
	}

	if err := fn(ctx); err != nil {
		s.logger.Warn("store write failed", "op", op, "id", id, "error", err)
		return fmt.Errorf("%s %d: %w", op, id, err)
	}
	return nil
}

// trim keeps the newest maxRecords rows of each table.
func (s *Store) trim(ctx context.Context, maxRecords int) error {
	return s.write(ctx, 0, "trim", func(ctx context.Context) error {
		for _, table := range []string{"posts", "users"} {
			res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
				DELETE FROM %s WHERE id NOT IN (
					SELECT id FROM %s ORDER BY written_at DESC, id DESC LIMIT ?
				)`, table, table), maxRecords)
			if err != nil {
				return fmt.Errorf("trim %s: %w", table, err)
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				s.logger.Info("store trimmed", "table", table, "removed", n, "kept", maxRecords)
			}
		}
		return nil
	})
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

func dropTables(db *sql.DB) error {
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS posts",
		"DROP TABLE IF EXISTS users",
		"PRAGMA user_version = 0",
	} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the users written_at index for databases created before
// trimming covered the user table.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_users_written_at ON users(written_at)`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
