// Package pg is the Postgres storage backend for managed deployments.
// Schema lives in migrations/ and is applied with golang-migrate.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver

	"github.com/nextlevelbuilder/envoy/internal/providers"
	"github.com/nextlevelbuilder/envoy/internal/store"
	"github.com/nextlevelbuilder/envoy/internal/tools"
)

// Store implements store.Store backed by Postgres.
type Store struct {
	db *sql.DB

	mu            sync.Mutex
	nextSortOrder map[string]int
}

// Open connects using a pgx DSN. The schema must already be migrated
// (envoy migrate up).
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db, nextSortOrder: make(map[string]int)}, nil
}

func (s *Store) SaveTool(ctx context.Context, spec tools.DynamicToolSpec) error {
	schemaJSON, err := json.Marshal(spec.InputSchema)
	if err != nil {
		return fmt.Errorf("encode input schema: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tools (name, description, permission, script_path, input_schema, timeout_seconds)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			permission = EXCLUDED.permission,
			script_path = EXCLUDED.script_path,
			input_schema = EXCLUDED.input_schema,
			timeout_seconds = EXCLUDED.timeout_seconds`,
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description, permission
		FROM tools
		WHERE to_tsvector('english', name || ' ' || description) @@ websearch_to_tsquery('english', $1)
		ORDER BY ts_rank(to_tsvector('english', name || ' ' || description),
			websearch_to_tsquery('english', $1)) DESC`, query)
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

func (s *Store) EnsureSession(ctx context.Context, id string) (string, error) {
	if id != "" {
		var exists bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists)
		if err != nil {
			return "", fmt.Errorf("lookup session: %w", err)
		}
		if exists {
			var count int
			if err := s.db.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM messages WHERE session_id = $1`, id).Scan(&count); err != nil {
				return "", fmt.Errorf("count messages: %w", err)
			}
			s.mu.Lock()
			s.nextSortOrder[id] = count
			s.mu.Unlock()
			return id, nil
		}
	}

	fresh := store.NewSessionID()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at) VALUES ($1, $2)`, fresh, time.Now().UTC()); err != nil {
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
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE session_id = $1`, sessionID).Scan(&order); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("seed sort order: %w", err)
		}
	}
	s.nextSortOrder[sessionID] = order + 1
	s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, content, sort_order, created_at)
		VALUES ($1, $2, $3, $4)`,
		sessionID, string(payload), order, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *Store) LoadMessages(ctx context.Context, sessionID string) ([]providers.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content FROM messages WHERE session_id = $1 ORDER BY sort_order ASC`, sessionID)
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
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

func (s *Store) Close() error { return s.db.Close() }
