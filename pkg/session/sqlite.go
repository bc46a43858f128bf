package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	user_id    TEXT PRIMARY KEY,
	state_json TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
`

// SQLiteStore keeps sessions in a single SQLite table.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	// One writer at a time; turns for the same user are already serialized
	// and the table is tiny.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, userID string) (*Session, error) {
	var out *Session
	err := instrument(ctx, "sqlite", "load", userID, func(ctx context.Context) error {
		if err := ValidateUserID(userID); err != nil {
			return err
		}

		var raw string
		err := s.db.QueryRowContext(ctx, `SELECT state_json FROM sessions WHERE user_id = ?`, userID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			out = New(userID)
			return nil
		}
		if err != nil {
			return persistenceError("load", err)
		}

		decoded, err := decode(userID, []byte(raw))
		if err != nil {
			return persistenceError("decode", err)
		}
		out = decoded
		return nil
	})
	return out, err
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, userID string, sess *Session) error {
	return instrument(ctx, "sqlite", "save", userID, func(ctx context.Context) error {
		if err := ValidateUserID(userID); err != nil {
			return err
		}
		if sess == nil {
			return fmt.Errorf("session is nil")
		}
		return s.write(ctx, userID, sess)
	})
}

// Reset implements Store.
func (s *SQLiteStore) Reset(ctx context.Context, userID string) error {
	return instrument(ctx, "sqlite", "reset", userID, func(ctx context.Context) error {
		if err := ValidateUserID(userID); err != nil {
			return err
		}
		return s.write(ctx, userID, New(userID))
	})
}

func (s *SQLiteStore) write(ctx context.Context, userID string, sess *Session) error {
	stamp(userID, sess, s.now())
	data, err := json.Marshal(sess)
	if err != nil {
		return persistenceError("encode", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (user_id, state_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at`,
		userID, string(data), sess.UpdatedAt,
	)
	return persistenceError("save", err)
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM sessions ORDER BY user_id`)
	if err != nil {
		return nil, persistenceError("list", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, persistenceError("list", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("list", err)
	}
	return ids, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func decode(userID string, data []byte) (*Session, error) {
	sess := New(userID)
	if err := json.Unmarshal(data, sess); err != nil {
		return nil, err
	}
	sess.UserID = userID
	return sess, nil
}
