// Package store persists reconciled window names and window lists in sqlite
// so a fresh client starts with warm sticky names instead of placeholders.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/arcmux/arcmux/internal/cache"
	"github.com/arcmux/arcmux/internal/model"
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// SaveSession writes the resolved names and the full window list for one
// scope/session pair in a single transaction.
func (s *Store) SaveSession(ctx context.Context, scopeKey, session string, windows []model.Window) error {
	payload, err := json.Marshal(windows)
	if err != nil {
		return fmt.Errorf("marshal windows: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM window_names WHERE scope_key = ? AND session_name = ?`, scopeKey, session); err != nil {
		return fmt.Errorf("clear names: %w", err)
	}
	for _, w := range windows {
		if w.Name == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO window_names(scope_key, session_name, identity_key, window_name, updated_at)
VALUES (?, ?, ?, ?, datetime('now'))
`, scopeKey, session, w.IdentityKey(), w.Name); err != nil {
			return fmt.Errorf("insert name: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO window_lists(scope_key, session_name, payload_json, updated_at)
VALUES (?, ?, ?, datetime('now'))
ON CONFLICT(scope_key, session_name) DO UPDATE SET
	payload_json=excluded.payload_json,
	updated_at=excluded.updated_at
`, scopeKey, session, string(payload)); err != nil {
		return fmt.Errorf("upsert window list: %w", err)
	}
	return tx.Commit()
}

// RenameSession remaps persisted rows to the new session name. Rows already
// present under the new name are overwritten.
func (s *Store) RenameSession(ctx context.Context, scopeKey, oldName, newName string) error {
	if oldName == newName {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rename tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range []string{"window_names", "window_lists"} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE scope_key = ? AND session_name = ?`, table),
			scopeKey, newName); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET session_name = ? WHERE scope_key = ? AND session_name = ?`, table),
			newName, scopeKey, oldName); err != nil {
			return fmt.Errorf("remap %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// DeleteSession drops every persisted row for one scope/session pair.
func (s *Store) DeleteSession(ctx context.Context, scopeKey, session string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	for _, table := range []string{"window_names", "window_lists"} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE scope_key = ? AND session_name = ?`, table),
			scopeKey, session); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// LoadNames returns every persisted sticky name keyed the way the in-memory
// name table keys them.
func (s *Store) LoadNames(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT scope_key, session_name, identity_key, window_name FROM window_names`)
	if err != nil {
		return nil, fmt.Errorf("query names: %w", err)
	}
	defer rows.Close()

	names := make(map[string]string)
	for rows.Next() {
		var scopeKey, session, identity, name string
		if err := rows.Scan(&scopeKey, &session, &identity, &name); err != nil {
			return nil, fmt.Errorf("scan name row: %w", err)
		}
		names[scopeKey+"/"+session+"/"+identity] = name
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate names: %w", err)
	}
	return names, nil
}

// LoadWindows returns the last persisted window list for one scope/session
// pair, or ok=false when none was saved.
func (s *Store) LoadWindows(ctx context.Context, scopeKey, session string) ([]model.Window, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload_json FROM window_lists WHERE scope_key = ? AND session_name = ?`,
		scopeKey, session).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query window list: %w", err)
	}
	var windows []model.Window
	if err := json.Unmarshal([]byte(payload), &windows); err != nil {
		return nil, false, fmt.Errorf("unmarshal windows: %w", err)
	}
	return windows, true, nil
}

// Seed loads all persisted sticky names into the in-memory cache.
func (s *Store) Seed(ctx context.Context, c *cache.Store) error {
	names, err := s.LoadNames(ctx)
	if err != nil {
		return err
	}
	for key, name := range names {
		c.SeedName(key, name)
	}
	return nil
}
