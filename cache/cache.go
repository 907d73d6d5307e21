// Package cache persists assembled prompts and annotation checkpoints in a
// local SQLite file so interrupted caption runs can resume.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS prompts (
	key    TEXT    NOT NULL,
	idx    INTEGER NOT NULL,
	prompt TEXT    NOT NULL,
	PRIMARY KEY (key, idx)
);
CREATE TABLE IF NOT EXISTS annotations (
	run_key     TEXT    NOT NULL,
	idx         INTEGER NOT NULL,
	caption     TEXT    NOT NULL,
	placeholder INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_key, idx)
);`

// Entry is one checkpointed caption.
type Entry struct {
	Index       int
	Caption     string
	Placeholder bool
}

type Store struct {
	db *sql.DB
}

// Open creates the database file and its parent directory when missing.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Prompts returns the prompts stored under key in row order. ok is false when
// nothing is stored for key.
func (s *Store) Prompts(ctx context.Context, key string) (prompts []string, ok bool, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT idx, prompt FROM prompts WHERE key = ? ORDER BY idx`, key)
	if err != nil {
		return nil, false, fmt.Errorf("query prompts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			idx int
			p   string
		)
		if err := rows.Scan(&idx, &p); err != nil {
			return nil, false, fmt.Errorf("scan prompt: %w", err)
		}
		if idx != len(prompts) {
			return nil, false, fmt.Errorf("prompt cache %s: gap at row %d", key, len(prompts))
		}
		prompts = append(prompts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return prompts, len(prompts) > 0, nil
}

// PutPrompts replaces whatever is stored under key.
func (s *Store) PutPrompts(ctx context.Context, key string, prompts []string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM prompts WHERE key = ?`, key); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO prompts (key, idx, prompt) VALUES (?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, p := range prompts {
			if _, err := stmt.ExecContext(ctx, key, i, p); err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
		}
		return nil
	})
}

// Checkpoint upserts finished captions for a run.
func (s *Store) Checkpoint(ctx context.Context, runKey string, entries []Entry) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO annotations (run_key, idx, caption, placeholder) VALUES (?, ?, ?, ?)
			ON CONFLICT (run_key, idx) DO UPDATE SET caption = excluded.caption, placeholder = excluded.placeholder`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range entries {
			if _, err := stmt.ExecContext(ctx, runKey, e.Index, e.Caption, e.Placeholder); err != nil {
				return fmt.Errorf("row %d: %w", e.Index, err)
			}
		}
		return nil
	})
}

// Resume returns the checkpointed captions of a run keyed by row index.
func (s *Store) Resume(ctx context.Context, runKey string) (map[int]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT idx, caption, placeholder FROM annotations WHERE run_key = ?`, runKey)
	if err != nil {
		return nil, fmt.Errorf("query annotations: %w", err)
	}
	defer rows.Close()

	out := map[int]Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Index, &e.Caption, &e.Placeholder); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		out[e.Index] = e
	}
	return out, rows.Err()
}

// Clear drops a run's checkpoints once its output is saved.
func (s *Store) Clear(ctx context.Context, runKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM annotations WHERE run_key = ?`, runKey)
	return err
}

func (s *Store) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
