// Package db provides the SQLite-backed realtime store for parley.
package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/tOgg1/parley/internal/logging"
	"github.com/tOgg1/parley/internal/store"
)

// Config holds database and change-feed settings.
type Config struct {
	// Path is the SQLite file. Parent directories are created on Open.
	Path string

	// MaxConnections bounds the connection pool.
	MaxConnections int

	// BusyTimeoutMs is passed to SQLite's busy_timeout pragma.
	BusyTimeoutMs int

	// PollInterval is the initial watch poll interval. Watches back off
	// up to PollMax while the feed is idle.
	PollInterval time.Duration
	PollMax      time.Duration

	// WatchBatchSize caps change rows read per poll.
	WatchBatchSize int
}

// DefaultConfig returns the default database configuration.
func DefaultConfig() Config {
	return Config{
		Path:           "parley.db",
		MaxConnections: 4,
		BusyTimeoutMs:  5000,
		PollInterval:   100 * time.Millisecond,
		PollMax:        2 * time.Second,
		WatchBatchSize: 256,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.BusyTimeoutMs <= 0 {
		c.BusyTimeoutMs = def.BusyTimeoutMs
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.PollMax < c.PollInterval {
		c.PollMax = c.PollInterval
	}
	if c.WatchBatchSize <= 0 {
		c.WatchBatchSize = def.WatchBatchSize
	}
}

// ErrClosed is returned by operations on a closed database.
var ErrClosed = store.ErrStoreClosed

// DB wraps the SQLite connection pool and the local change notifier.
type DB struct {
	*sqlx.DB

	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	changed  chan struct{}
	isClosed bool
}

// Open opens (or creates) the database file at cfg.Path.
func Open(cfg Config) (*DB, error) {
	cfg.normalize()
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeoutMs)
	return open(dsn, cfg)
}

// OpenInMemory opens a private in-memory database. Used by tests and
// throwaway CLI sessions.
func OpenInMemory() (*DB, error) {
	cfg := DefaultConfig()
	cfg.Path = ":memory:"
	cfg.MaxConnections = 1
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PollMax = 50 * time.Millisecond
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	return open(dsn, cfg)
}

func open(dsn string, cfg Config) (*DB, error) {
	conn, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(cfg.MaxConnections)
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DB{
		DB:      conn,
		cfg:     cfg,
		logger:  logging.Component("db"),
		changed: make(chan struct{}),
	}, nil
}

// Close closes the database and wakes every watcher.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.isClosed {
		db.mu.Unlock()
		return nil
	}
	db.isClosed = true
	close(db.changed)
	db.mu.Unlock()
	return db.DB.Close()
}

// Transaction runs fn inside a transaction, committing on success.
func (db *DB) Transaction(ctx context.Context, fn func(*sqlx.Tx) error) error {
	if db.closed() {
		return ErrClosed
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (db *DB) closed() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.isClosed
}

// notifyChanged wakes local watchers after a committed write.
func (db *DB) notifyChanged() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.isClosed {
		return
	}
	close(db.changed)
	db.changed = make(chan struct{})
}

// changes returns a channel closed on the next local commit or on Close.
func (db *DB) changes() <-chan struct{} {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.changed
}
