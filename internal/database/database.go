package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrAlreadyRunning is returned when another process holds the database lock
var ErrAlreadyRunning = errors.New("local database is locked by another process")

// ErrNoFallback is returned by Failover once the in-memory store is already in use
var ErrNoFallback = errors.New("no fallback location left")

// Mode describes which storage location is currently serving the local database
type Mode string

const (
	ModePrimary  Mode = "primary"
	ModeFallback Mode = "fallback"
	ModeMemory   Mode = "memory"
)

const sqlitePragmas = "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

// Options controls where the database lives and how it heals itself
type Options struct {
	Path           string
	FallbackPath   string
	RecoverCorrupt bool
}

type candidate struct {
	path string
	mode Mode
}

// DB is the single local database file holding events, settings and diagnostic logs.
// The underlying connection can be swapped by Failover, so callers fetch it through SQL()
// for every operation instead of caching it.
type DB struct {
	mu         sync.RWMutex
	sqlDB      *sql.DB
	lock       *fileLock
	path       string
	mode       Mode
	candidates []candidate
	current    int
	opts       Options
	closed     bool
	logger     *zap.Logger
}

// New opens the database at storagePath with corrupt-file recovery and no fallback path
func New(storagePath string, logger *zap.Logger) (*DB, error) {
	return Open(Options{Path: storagePath, RecoverCorrupt: true}, logger)
}

// Open opens the first usable location: primary path, fallback path, then an in-memory
// database. Only a lock held by another process is fatal.
func Open(opts Options, logger *zap.Logger) (*DB, error) {
	db := &DB{opts: opts, logger: logger, current: -1}

	seen := make(map[string]bool)
	for _, c := range []candidate{{opts.Path, ModePrimary}, {opts.FallbackPath, ModeFallback}} {
		if strings.TrimSpace(c.path) == "" {
			continue
		}
		abs, err := filepath.Abs(c.path)
		if err == nil {
			c.path = abs
		}
		if seen[c.path] {
			continue
		}
		seen[c.path] = true
		db.candidates = append(db.candidates, c)
	}

	if err := db.advance(context.Background(), nil); err != nil {
		return nil, err
	}
	return db, nil
}

// advance opens the next candidate after db.current, ending in memory mode.
// Caller holds db.mu or has exclusive access.
func (db *DB) advance(ctx context.Context, cause error) error {
	for i := db.current + 1; i < len(db.candidates); i++ {
		c := db.candidates[i]
		sqlDB, lock, err := db.openFile(ctx, c.path)
		if err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				return err
			}
			db.logger.Warn("Failed to open local database location",
				zap.String("path", c.path),
				zap.String("mode", string(c.mode)),
				zap.Error(err),
			)
			continue
		}

		db.sqlDB, db.lock, db.path, db.mode, db.current = sqlDB, lock, c.path, c.mode, i
		if c.mode != ModePrimary || cause != nil {
			db.logger.Warn("Local database running on fallback location",
				zap.String("path", c.path),
				zap.NamedError("cause", cause),
			)
		}
		db.logger.Info("Database connection established",
			zap.String("path", c.path),
			zap.String("mode", string(c.mode)),
		)
		return nil
	}

	sqlDB, err := openMemory(ctx, db.logger)
	if err != nil {
		return fmt.Errorf("failed to open in-memory database: %w", err)
	}
	db.sqlDB, db.lock, db.path, db.mode, db.current = sqlDB, nil, ":memory:", ModeMemory, len(db.candidates)
	db.logger.Error("Local database is not persistent, events will be lost on exit",
		zap.NamedError("cause", cause),
	)
	return nil
}

func (db *DB) openFile(ctx context.Context, path string) (*sql.DB, *fileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	lock, err := acquireLock(path + ".lock")
	if err != nil {
		return nil, nil, err
	}

	sqlDB, err := openSQLite(ctx, path)
	if err != nil && db.opts.RecoverCorrupt && isLikelyCorruptSQLiteError(err) {
		backupPath, backupErr := backupCorruptDatabase(path)
		if backupErr != nil {
			_ = lock.release()
			return nil, nil, fmt.Errorf("failed to back up corrupt database: %w", backupErr)
		}
		db.logger.Warn("SQLite corruption detected, recreating database",
			zap.String("path", path),
			zap.String("backup", backupPath),
			zap.Error(err),
		)
		sqlDB, err = openSQLite(ctx, path)
	}
	if err != nil {
		_ = lock.release()
		return nil, nil, err
	}

	if err := migrate(ctx, sqlDB, db.logger); err != nil {
		_ = sqlDB.Close()
		_ = lock.release()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return sqlDB, lock, nil
}

func openSQLite(ctx context.Context, path string) (*sql.DB, error) {
	sqlDB, err := sql.Open("sqlite", path+sqlitePragmas)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxIdleTime(2 * time.Minute)

	if err := healthCheck(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return sqlDB, nil
}

func openMemory(ctx context.Context, logger *zap.Logger) (*sql.DB, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	// Every new connection would be a new empty database.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	sqlDB.SetConnMaxIdleTime(0)

	if err := migrate(ctx, sqlDB, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return sqlDB, nil
}

func healthCheck(ctx context.Context, sqlDB *sql.DB) error {
	var result string
	if err := sqlDB.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("failed to check database: %w", err)
	}
	if !strings.EqualFold(result, "ok") {
		return fmt.Errorf("database disk image is malformed: quick_check returned %q", result)
	}
	return nil
}

// SQL returns the connection pool currently in use
func (db *DB) SQL() *sql.DB {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.sqlDB
}

// Mode reports which location serves the database
func (db *DB) Mode() Mode {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.mode
}

// Path reports the file path in use, or ":memory:"
func (db *DB) Path() string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.path
}

// Persistent reports whether data survives a restart
func (db *DB) Persistent() bool {
	return db.Mode() != ModeMemory
}

// Failover abandons the current location after a storage failure and opens the next one.
// Rows already written to the abandoned file stay there and are not copied.
func (db *DB) Failover(ctx context.Context, cause error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return errors.New("database is closed")
	}
	if db.mode == ModeMemory {
		return ErrNoFallback
	}

	db.logger.Error("Local database failed, switching location",
		zap.String("path", db.path),
		zap.Error(cause),
	)
	if err := db.sqlDB.Close(); err != nil {
		db.logger.Warn("Failed to close failed database", zap.Error(err))
	}
	if err := db.lock.release(); err != nil {
		db.logger.Warn("Failed to release database lock", zap.Error(err))
	}
	return db.advance(ctx, cause)
}

// Close closes the connection and releases the process lock. Safe to call more than once.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	var errs []error
	if err := db.sqlDB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close database: %w", err))
	}
	if err := db.lock.release(); err != nil {
		errs = append(errs, fmt.Errorf("failed to release database lock: %w", err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	db.logger.Info("Database connection closed", zap.String("path", db.path))
	return nil
}

// IsStorageFailure reports whether err indicates the database file itself is unusable
func IsStorageFailure(err error) bool {
	if err == nil {
		return false
	}
	if isLikelyCorruptSQLiteError(err) {
		return true
	}
	lower := strings.ToLower(err.Error())
	for _, marker := range []string{
		"disk i/o error",
		"unable to open database file",
		"attempt to write a readonly database",
		"database or disk is full",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func isLikelyCorruptSQLiteError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, marker := range []string{
		"database disk image is malformed",
		"file is not a database",
		"malformed database schema",
		"database corruption",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// backupCorruptDatabase moves the damaged file and its WAL/SHM companions aside
func backupCorruptDatabase(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	backupPath := fmt.Sprintf("%s.corrupt.%d.bak", path, time.Now().UTC().Unix())
	if err := os.Rename(path, backupPath); err != nil {
		return "", err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if _, err := os.Stat(path + suffix); err == nil {
			_ = os.Rename(path+suffix, backupPath+suffix)
		}
	}
	return backupPath, nil
}
