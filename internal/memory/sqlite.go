package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/crm-assistant/internal/llm"
)

// SQLiteStore persists history so conversations survive restarts.
type SQLiteStore struct {
	db     *sql.DB
	locks  userLocks
	evict  EvictionPolicy
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a history database at dbPath.
func NewSQLiteStore(dbPath string, policy EvictionPolicy, logger *slog.Logger) (*SQLiteStore, error) {
	if policy == nil {
		policy = KeepLast(DefaultLimit)
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db, evict: policy, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		blocks TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_user ON turns(user_id, id);
	`)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type storedTurn struct {
	id   int64
	turn llm.Message
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) load(ctx context.Context, q queryer, userID string) ([]storedTurn, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, role, blocks FROM turns WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []storedTurn
	for rows.Next() {
		var st storedTurn
		var blocks string
		if err := rows.Scan(&st.id, &st.turn.Role, &blocks); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if err := json.Unmarshal([]byte(blocks), &st.turn.Blocks); err != nil {
			return nil, fmt.Errorf("decode turn %d: %w", st.id, err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Get returns the user's repaired history. Dropped turns are deleted.
func (s *SQLiteStore) Get(ctx context.Context, userID string) ([]llm.Message, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	stored, err := s.load(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}

	turns := make([]llm.Message, len(stored))
	for i, st := range stored {
		turns[i] = st.turn
	}
	lo, hi := repairBounds(turns)
	if lo == 0 && hi == len(turns) {
		return turns, nil
	}

	for i, st := range stored {
		if i >= lo && i < hi {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE id = ?`, st.id); err != nil {
			return nil, fmt.Errorf("delete corrupt turn: %w", err)
		}
	}
	s.logger.Warn("dropped corrupt turns from history", "user", userID, "dropped", len(turns)-(hi-lo))

	return turns[lo:hi], nil
}

// Append inserts a turn and deletes the oldest turns the policy evicts.
func (s *SQLiteStore) Append(ctx context.Context, userID string, turn llm.Message) error {
	unlock := s.locks.lock(userID)
	defer unlock()

	blocks, err := json.Marshal(turn.Blocks)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (user_id, role, blocks, created_at) VALUES (?, ?, ?, ?)`,
		userID, turn.Role, string(blocks), time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}

	stored, err := s.load(ctx, tx, userID)
	if err != nil {
		return err
	}
	turns := make([]llm.Message, len(stored))
	for i, st := range stored {
		turns[i] = st.turn
	}
	evicted := len(turns) - len(s.evict(turns))
	if evicted > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM turns WHERE user_id = ? AND id <= ?`, userID, stored[evicted-1].id,
		); err != nil {
			return fmt.Errorf("evict turns: %w", err)
		}
	}
	return tx.Commit()
}

// Clear removes all history for the user.
func (s *SQLiteStore) Clear(ctx context.Context, userID string) error {
	unlock := s.locks.lock(userID)
	defer unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}
