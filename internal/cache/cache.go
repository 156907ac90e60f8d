// Package cache is a small sqlite-backed TTL store shared between CLI
// invocations. Writers serialize through a file lock.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

type Store struct {
	db   *sql.DB
	lock *flock.Flock
	now  func() time.Time
}

func Open(path, lockPath string) (*Store, error) {
	for _, p := range []string{path, lockPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"CREATE TABLE IF NOT EXISTS cache_entries (key TEXT PRIMARY KEY, value BLOB NOT NULL, expires_at INTEGER NOT NULL);",
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init cache schema: %w", err)
		}
	}

	store := &Store{db: db, lock: flock.New(lockPath), now: time.Now}
	_ = store.Prune(context.Background())
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Prune deletes expired entries.
func (s *Store) Prune(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE expires_at <= ?", s.now().UnixMilli()); err != nil {
		return fmt.Errorf("prune cache: %w", err)
	}
	return nil
}

// Get returns the value for key if it has not expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expires int64
	err := s.db.QueryRowContext(ctx, "SELECT value, expires_at FROM cache_entries WHERE key = ?", key).Scan(&value, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache read: %w", err)
	}
	if s.now().UnixMilli() >= expires {
		return nil, false, nil
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 25*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock cache: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	if ttl <= 0 {
		ttl = time.Second
	}
	expires := s.now().Add(ttl).UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value=excluded.value,
			expires_at=excluded.expires_at
	`, key, value, expires)
	if err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}
