package forwarder

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flowmint/flowmint/pkg/models"
	_ "modernc.org/sqlite"
)

// DeadLetters persists actions that could not be delivered.
type DeadLetters interface {
	Put(ctx context.Context, dl models.DeadLetter) error
	// List returns dead letters oldest first. limit <= 0 returns all.
	List(ctx context.Context, limit int) ([]models.DeadLetter, error)
	Delete(ctx context.Context, actionID string) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// ── In-memory ────────────────────────────────────────────────

// MemoryDeadLetters keeps dead letters for the life of the process.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	letters []models.DeadLetter
}

func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{}
}

func (m *MemoryDeadLetters) Put(_ context.Context, dl models.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.letters {
		if m.letters[i].Action.ID == dl.Action.ID {
			m.letters[i] = dl
			return nil
		}
	}
	m.letters = append(m.letters, dl)
	return nil
}

func (m *MemoryDeadLetters) List(_ context.Context, limit int) ([]models.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.letters)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.DeadLetter, n)
	copy(out, m.letters[:n])
	return out, nil
}

func (m *MemoryDeadLetters) Delete(_ context.Context, actionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.letters {
		if m.letters[i].Action.ID == actionID {
			m.letters = append(m.letters[:i], m.letters[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemoryDeadLetters) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.letters), nil
}

func (m *MemoryDeadLetters) Close() error { return nil }

// ── SQLite ───────────────────────────────────────────────────

// SQLiteDeadLetters stores dead letters in a SQLite database so they
// survive restarts and can be replayed.
type SQLiteDeadLetters struct {
	db *sql.DB
}

// OpenSQLiteDeadLetters opens or creates the dead-letter database at path.
func OpenSQLiteDeadLetters(path string) (*SQLiteDeadLetters, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dead-letter dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open dead-letter db: %w", err)
	}
	// A single connection serializes writers; SQLite allows one anyway.
	db.SetMaxOpenConns(1)

	s := &SQLiteDeadLetters{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate dead-letter db: %w", err)
	}
	return s, nil
}

func (s *SQLiteDeadLetters) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS dead_letters (
		action_id  TEXT PRIMARY KEY,
		action     TEXT NOT NULL,
		attempts   INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		failed_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_failed ON dead_letters(failed_at);
	`)
	return err
}

func (s *SQLiteDeadLetters) Put(ctx context.Context, dl models.DeadLetter) error {
	data, err := json.Marshal(dl.Action)
	if err != nil {
		return fmt.Errorf("encode action: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (action_id, action, attempts, last_error, failed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(action_id) DO UPDATE SET
			action = excluded.action,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			failed_at = excluded.failed_at`,
		dl.Action.ID, string(data), dl.Attempts, dl.LastError, dl.FailedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (s *SQLiteDeadLetters) List(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	q := `SELECT action, attempts, last_error, failed_at FROM dead_letters ORDER BY failed_at, action_id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []models.DeadLetter
	for rows.Next() {
		var (
			raw      string
			failedAt int64
			dl       models.DeadLetter
		)
		if err := rows.Scan(&raw, &dl.Attempts, &dl.LastError, &failedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &dl.Action); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		dl.FailedAt = time.Unix(0, failedAt).UTC()
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *SQLiteDeadLetters) Delete(ctx context.Context, actionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE action_id = ?`, actionID); err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	return nil
}

func (s *SQLiteDeadLetters) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

func (s *SQLiteDeadLetters) Close() error {
	return s.db.Close()
}
