package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EpisodeStore is the append-only log of session-scoped events waiting
// for consolidation.
type EpisodeStore struct {
	db *sql.DB
}

func NewEpisodeStore(db *sql.DB) *EpisodeStore {
	return &EpisodeStore{db: db}
}

func (s *EpisodeStore) Initialize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS episodes (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			consolidated INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("init episodes: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_episodes_session ON episodes(session_id, created_at)`)
	return err
}

// Append records an episode. The id is assigned when empty.
func (s *EpisodeStore) Append(ctx context.Context, ep Episode) (Episode, error) {
	if ep.ID == "" {
		ep.ID = uuid.Must(uuid.NewV7()).String()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO episodes (id, session_id, type, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ep.ID, ep.SessionID, string(ep.Type), ep.Content, ep.CreatedAt)
	if err != nil {
		return Episode{}, fmt.Errorf("append episode: %w", err)
	}
	return ep, nil
}

// Pending returns episodes not yet consolidated, oldest first.
func (s *EpisodeStore) Pending(ctx context.Context, limit int) ([]Episode, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, type, content, created_at
		FROM episodes WHERE consolidated = 0
		ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending episodes: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

// BySession returns the most recent episodes for a session, newest last.
func (s *EpisodeStore) BySession(ctx context.Context, sessionID string, limit int) ([]Episode, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, type, content, created_at FROM (
			SELECT id, session_id, type, content, created_at
			FROM episodes WHERE session_id = ?
			ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("session episodes: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

// MarkConsolidated flags a batch as consumed.
func (s *EpisodeStore) MarkConsolidated(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `UPDATE episodes SET consolidated = 1 WHERE id = ?`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			tx.Rollback()
			return fmt.Errorf("mark episode %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func scanEpisodes(rows *sql.Rows) ([]Episode, error) {
	var out []Episode
	for rows.Next() {
		var ep Episode
		var typ string
		if err := rows.Scan(&ep.ID, &ep.SessionID, &typ, &ep.Content, &ep.CreatedAt); err != nil {
			return nil, err
		}
		ep.Type = EpisodeType(typ)
		out = append(out, ep)
	}
	return out, rows.Err()
}
