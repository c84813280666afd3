// Package sqlite is the default storage backend, a single-file database
// with an FTS5 index over the tool registry.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/nextlevelbuilder/envoy/internal/providers"
	"github.com/nextlevelbuilder/envoy/internal/store"
	"github.com/nextlevelbuilder/envoy/internal/tools"
)

// Store implements store.Store backed by SQLite.
type Store struct {
	db *sql.DB

	mu sync.Mutex
	// nextSortOrder tracks the session-local dense message counter,
	// seeded from the row count when a session is ensured.
	nextSortOrder map[string]int
}

// Open opens (or creates) the database at path. ":memory:" works for tests.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The modernc driver serializes writes; a single connection avoids
	// table-lock races between the registry and message writes.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, nextSortOrder: make(map[string]int)}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	stmts := []string{
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS tools (
			name TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			permission TEXT NOT NULL,
			script_path TEXT NOT NULL,
			input_schema TEXT NOT NULL DEFAULT '{}',
			timeout_seconds INTEGER NOT NULL DEFAULT 30,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS tools_fts USING fts5(
			name, description, content='tools'
		)`,
		`CREATE TRIGGER IF NOT EXISTS tools_ai AFTER INSERT ON tools BEGIN
			INSERT INTO tools_fts(rowid, name, description)
			VALUES (new.rowid, new.name, new.description);
		END`,
		`CREATE TRIGGER IF NOT EXISTS tools_ad AFTER DELETE ON tools BEGIN
			INSERT INTO tools_fts(tools_fts, rowid, name, description)
			VALUES ('delete', old.rowid, old.name, old.description);
		END`,
		`CREATE TRIGGER IF NOT EXISTS tools_au AFTER UPDATE ON tools BEGIN
			INSERT INTO tools_fts(tools_fts, rowid, name, description)
			VALUES ('delete', old.rowid, old.name, old.description);
			INSERT INTO tools_fts(rowid, name, description)
			VALUES (new.rowid, new.name, new.description);
		END`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			sort_order INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, sort_order)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) SaveTool(ctx context.Context, spec tools.DynamicToolSpec) error {
	schemaJSON, err := json.Marshal(spec.InputSchema)
	if err != nil {
		return fmt.Errorf("encode input schema: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tools (name, description, permission, script_path, input_schema, timeout_seconds)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			permission = excluded.permission,
			script_path = excluded.script_path,
			input_schema = excluded.input_schema,
			timeout_seconds = excluded.timeout_seconds`,
		spec.Name, spec.Description, spec.Permission, spec.ScriptPath, string(schemaJSON), spec.TimeoutSecs,
	)
	if err != nil {
		return fmt.Errorf("save tool %s: %w", spec.Name, err)
	}
	return nil
}

func (s *Store) LoadTools(ctx context.Context) ([]store.ToolRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description, permission, script_path, input_schema, timeout_seconds, created_at
		FROM tools ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("load tools: %w", err)
	}
	defer rows.Close()

	var out []store.ToolRecord
	for rows.Next() {
		var rec store.ToolRecord
		var schemaJSON string
		if err := rows.Scan(
			&rec.Spec.Name, &rec.Spec.Description, &rec.Spec.Permission,
			&rec.Spec.ScriptPath, &schemaJSON, &rec.Spec.TimeoutSecs, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan tool: %w", err)
		}
		if err := json.Unmarshal([]byte(schemaJSON), &rec.Spec.InputSchema); err != nil {
			return nil, fmt.Errorf("decode schema for %s: %w", rec.Spec.Name, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) SearchTools(ctx context.Context, query string) ([]store.ToolSummary, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.name, t.description, t.permission
		FROM tools_fts f JOIN tools t ON t.rowid = f.rowid
		WHERE tools_fts MATCH ?
		ORDER BY bm25(tools_fts)`, match)
	if err != nil {
		return nil, fmt.Errorf("search tools: %w", err)
	}
	defer rows.Close()

	var out []store.ToolSummary
	for rows.Next() {
		var sum store.ToolSummary
		if err := rows.Scan(&sum.Name, &sum.Description, &sum.Permission); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// ftsQuery quotes each term so user input cannot inject FTS5 syntax.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + strings.ReplaceAll(f, `"`, ``) + `"`
	}
	return strings.Join(quoted, " OR ")
}

func (s *Store) EnsureSession(ctx context.Context, id string) (string, error) {
	if id != "" {
		var count int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE session_id = ?`, id).Scan(&count)
		if err != nil {
			return "", fmt.Errorf("count messages: %w", err)
		}
		var exists int
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sessions WHERE id = ?`, id).Scan(&exists)
		if err != nil {
			return "", fmt.Errorf("lookup session: %w", err)
		}
		if exists > 0 {
			s.mu.Lock()
			s.nextSortOrder[id] = count
			s.mu.Unlock()
			return id, nil
		}
	}

	fresh := store.NewSessionID()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at) VALUES (?, ?)`, fresh, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	s.mu.Lock()
	s.nextSortOrder[fresh] = 0
	s.mu.Unlock()
	return fresh, nil
}

func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg providers.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	s.mu.Lock()
	order, seeded := s.nextSortOrder[sessionID]
	if !seeded {
		// Session was not ensured through this store instance; recover
		// the counter from the table.
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&order); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("seed sort order: %w", err)
		}
	}
	s.nextSortOrder[sessionID] = order + 1
	s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, content, sort_order, created_at)
		VALUES (?, ?, ?, ?)`,
		sessionID, string(payload), order, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *Store) LoadMessages(ctx context.Context, sessionID string) ([]providers.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content FROM messages WHERE session_id = ? ORDER BY sort_order ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var out []providers.Message
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, err
		}
		var msg providers.Message
		if err := json.Unmarshal([]byte(content), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	s.mu.Lock()
	delete(s.nextSortOrder, id)
	s.mu.Unlock()
	return nil
}

// DB exposes the handle so the memory engine can share the same file.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }
