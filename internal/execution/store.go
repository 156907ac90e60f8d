package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	clierr "github.com/ggonzalez94/intentrail/internal/errors"
)

// Store journals rebalance runs in sqlite. Writers serialize on a file lock
// so the CLI and a running server can share one database.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

func OpenStore(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create run store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create run lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS runs (
			action_id TEXT PRIMARY KEY,
			intent_type TEXT NOT NULL,
			status TEXT NOT NULL,
			state TEXT NOT NULL,
			source_chain TEXT NOT NULL,
			target_chain TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_runs_status_updated ON runs(status, updated_at DESC);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init run schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Save(ctx context.Context, action Action) error {
	if strings.TrimSpace(action.ActionID) == "" {
		return fmt.Errorf("save run: missing action id")
	}
	// Detached from ctx so a run whose step deadline just fired still
	// records its failure.
	ctx = context.WithoutCancel(ctx)
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 25*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock run store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock run store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	payload, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	createdUnix, ok := parseRFC3339Unix(action.CreatedAt)
	if !ok {
		createdUnix = time.Now().UTC().Unix()
	}
	updatedUnix, ok := parseRFC3339Unix(action.UpdatedAt)
	if !ok {
		updatedUnix = time.Now().UTC().Unix()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (action_id, intent_type, status, state, source_chain, target_chain, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(action_id) DO UPDATE SET
			status=excluded.status,
			state=excluded.state,
			updated_at=excluded.updated_at,
			payload=excluded.payload
	`, action.ActionID, action.IntentType, action.Status, action.State, action.SourceChain, action.TargetChain, createdUnix, updatedUnix, payload)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, actionID string) (Action, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM runs WHERE action_id = ?", actionID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Action{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("run not found: %s", actionID))
		}
		return Action{}, fmt.Errorf("read run: %w", err)
	}
	var action Action
	if err := json.Unmarshal(payload, &action); err != nil {
		return Action{}, fmt.Errorf("decode run payload: %w", err)
	}
	return action, nil
}

func (s *Store) List(ctx context.Context, status string, limit int) ([]Action, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(status) == "" {
		rows, err = s.db.QueryContext(ctx, "SELECT payload FROM runs ORDER BY updated_at DESC, rowid DESC LIMIT ?", limit)
	} else {
		rows, err = s.db.QueryContext(ctx, "SELECT payload FROM runs WHERE status = ? ORDER BY updated_at DESC, rowid DESC LIMIT ?", status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	actions := make([]Action, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		var action Action
		if err := json.Unmarshal(payload, &action); err != nil {
			return nil, fmt.Errorf("decode run row: %w", err)
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return actions, nil
}

func parseRFC3339Unix(v string) (int64, bool) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return 0, false
	}
	return t.UTC().Unix(), true
}
