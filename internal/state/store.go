// Package state persists playground presets and transaction defaults as JSON
// values in a small sqlite key/value table.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/ggonzalez94/pactplay/internal/logger"
)

const (
	KeyPresets  = "playgroundPresets"
	KeyDefaults = "playgroundDefaults"
)

type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	lock *flock.Flock
	lggr logger.Logger

	// lockWait bounds how long a write waits for another invocation.
	lockWait time.Duration
}

func Open(path, lockPath string, lggr logger.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite state: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value BLOB NOT NULL, updated_at INTEGER NOT NULL);",
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init state schema: %w", err)
		}
	}
	if lggr == nil {
		lggr = logger.Nop()
	}
	return &Store{db: db, lock: flock.New(lockPath), lockWait: defaultLockWait, lggr: lggr.Named("state")}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the raw value stored under key.
func (s *Store) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("state read: %w", err)
	}
	return value, true, nil
}

func (s *Store) Set(key string, value []byte) error {
	return s.withLock(func() error {
		_, err := s.db.Exec(`
			INSERT INTO kv (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value=excluded.value,
				updated_at=excluded.updated_at
		`, key, value, time.Now().UTC().Unix())
		if err != nil {
			return fmt.Errorf("state write: %w", err)
		}
		return nil
	})
}

func (s *Store) Delete(key string) error {
	return s.withLock(func() error {
		if _, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
			return fmt.Errorf("state delete: %w", err)
		}
		return nil
	})
}

const (
	defaultLockWait = 5 * time.Second
	lockRetryDelay  = 50 * time.Millisecond
)

func (s *Store) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), s.lockWait)
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if errors.Is(err, context.DeadlineExceeded) || (err == nil && !locked) {
		return fmt.Errorf("lock state: timeout acquiring %s after %s", s.lock.Path(), s.lockWait)
	}
	if err != nil {
		return fmt.Errorf("lock state: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}
