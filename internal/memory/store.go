package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// memoryStore is the SQLite row store shared by the three components.
// Each component sees only its own kind; the recall layer queries across
// kinds. An FTS5 index over content provides the full-text signal and an
// entity link table provides the graph signal.
type memoryStore struct {
	db *sql.DB
}

func newMemoryStore(db *sql.DB) *memoryStore {
	return &memoryStore{db: db}
}

func (s *memoryStore) initialize(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			importance REAL NOT NULL,
			source_episode_ids TEXT NOT NULL DEFAULT '[]',
			entities TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			last_accessed DATETIME,
			access_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			embedding BLOB,
			category TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			completed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_kind ON memories(kind, status)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			content, content='memories'
		)`,
		`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content)
			VALUES ('delete', old.rowid, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE OF content ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content)
			VALUES ('delete', old.rowid, old.content);
			INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TABLE IF NOT EXISTS memory_entities (
			entity TEXT NOT NULL,
			memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
			PRIMARY KEY (entity, memory_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_entities_mem ON memory_entities(memory_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init memories schema: %w", err)
		}
	}
	return nil
}

func (s *memoryStore) insert(ctx context.Context, m *StoredMemory) error {
	if m.ID == "" {
		m.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Status == "" {
		m.Status = StatusActive
	}
	m.Importance = clamp01(m.Importance)

	sourceJSON, _ := json.Marshal(m.SourceEpisodeIDs)
	entitiesJSON, _ := json.Marshal(m.Entities)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, kind, content, importance, source_episode_ids, entities,
			created_at, updated_at, last_accessed, access_count, status, embedding,
			category, session_id, completed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.Kind), m.Content, m.Importance, string(sourceJSON), string(entitiesJSON),
		m.CreatedAt, m.UpdatedAt, m.LastAccessed, m.AccessCount, string(m.Status),
		encodeEmbedding(m.Embedding), m.Category, m.SessionID, boolToInt(m.Completed))
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return s.syncEntities(ctx, m)
}

func (s *memoryStore) update(ctx context.Context, m *StoredMemory) error {
	m.UpdatedAt = time.Now().UTC()
	m.Importance = clamp01(m.Importance)
	sourceJSON, _ := json.Marshal(m.SourceEpisodeIDs)
	entitiesJSON, _ := json.Marshal(m.Entities)

	_, err := s.db.ExecContext(ctx, `
		UPDATE memories SET content = ?, importance = ?, source_episode_ids = ?, entities = ?,
			updated_at = ?, last_accessed = ?, access_count = ?, status = ?, embedding = ?,
			category = ?, session_id = ?, completed = ?
		WHERE id = ?`,
		m.Content, m.Importance, string(sourceJSON), string(entitiesJSON),
		m.UpdatedAt, m.LastAccessed, m.AccessCount, string(m.Status),
		encodeEmbedding(m.Embedding), m.Category, m.SessionID, boolToInt(m.Completed), m.ID)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	return s.syncEntities(ctx, m)
}

func (s *memoryStore) syncEntities(ctx context.Context, m *StoredMemory) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_entities WHERE memory_id = ?`, m.ID); err != nil {
		return err
	}
	for _, entity := range m.Entities {
		entity = normalizeEntity(entity)
		if entity == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO memory_entities (entity, memory_id) VALUES (?, ?)`,
			entity, m.ID); err != nil {
			return err
		}
	}
	return nil
}

const memoryColumns = `id, kind, content, importance, source_episode_ids, entities,
	created_at, updated_at, last_accessed, access_count, status, embedding,
	category, session_id, completed`

func (s *memoryStore) activeByKind(ctx context.Context, kind Kind) ([]StoredMemory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE kind = ? AND status = 'active'`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("active memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

func (s *memoryStore) byIDs(ctx context.Context, ids []string) ([]StoredMemory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemories(rows)
}

func (s *memoryStore) countActive(ctx context.Context, kind Kind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE kind = ? AND status = 'active'`, string(kind)).Scan(&n)
	return n, err
}

// demoteLowest marks the lowest-importance active memory of a kind as
// decayed, enforcing the per-kind item cap on insert.
func (s *memoryStore) demoteLowest(ctx context.Context, kind Kind) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE memories SET status = 'decayed', updated_at = ?
		WHERE id = (
			SELECT id FROM memories WHERE kind = ? AND status = 'active'
			ORDER BY importance ASC, updated_at ASC LIMIT 1
		)`, time.Now().UTC(), string(kind))
	return err
}

// ftsSearch returns normalized [0,1] relevance per memory id for a kind.
// SQLite's bm25() reports more-negative-is-better; scores are negated
// into a positive relevance and normalized against the best hit, so the
// top match lands at 1.0.
func (s *memoryStore) ftsSearch(ctx context.Context, kind Kind, query string, limit int) (map[string]float64, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, bm25(memories_fts) AS rank
		FROM memories_fts f JOIN memories m ON m.rowid = f.rowid
		WHERE memories_fts MATCH ? AND m.kind = ? AND m.status = 'active'
		ORDER BY rank LIMIT ?`, match, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()

	raw := map[string]float64{}
	best := 0.0
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, err
		}
		relevance := math.Max(-rank, 0)
		raw[id] = relevance
		if relevance > best {
			best = relevance
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if best == 0 {
		// Matches with degenerate rank (single-row index) still count.
		for id := range raw {
			raw[id] = 1.0
		}
		return raw, nil
	}
	for id, relevance := range raw {
		raw[id] = relevance / best
	}
	return raw, nil
}

// entityExpansion returns, per memory id, the fraction of query entities
// reachable directly or via one shared-entity hop.
func (s *memoryStore) entityExpansion(ctx context.Context, kind Kind, entities []string) (map[string]float64, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	hits := map[string]float64{}
	per := 1.0 / float64(len(entities))
	for _, entity := range entities {
		entity = normalizeEntity(entity)
		if entity == "" {
			continue
		}
		// Direct links plus 1-hop neighbors through any shared entity.
		rows, err := s.db.QueryContext(ctx, `
			SELECT DISTINCT m.id FROM memories m
			JOIN memory_entities me ON me.memory_id = m.id
			WHERE me.entity = ? AND m.kind = ? AND m.status = 'active'
			UNION
			SELECT DISTINCT m2.id FROM memory_entities q
			JOIN memory_entities sibling ON sibling.memory_id = q.memory_id
			JOIN memory_entities hop ON hop.entity = sibling.entity
			JOIN memories m2 ON m2.id = hop.memory_id
			WHERE q.entity = ? AND m2.kind = ? AND m2.status = 'active'`,
			entity, string(kind), entity, string(kind))
		if err != nil {
			return nil, fmt.Errorf("entity expansion: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			hits[id] += per
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	for id, v := range hits {
		hits[id] = math.Min(v, 1.0)
	}
	return hits, nil
}

// bumpAccess updates access stats for surfaced memories in one batch.
func (s *memoryStore) bumpAccess(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	stmt, err := tx.PrepareContext(ctx,
		`UPDATE memories SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, now, id); err != nil {
			tx.Rollback()
			return fmt.Errorf("bump access %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func scanMemories(rows *sql.Rows) ([]StoredMemory, error) {
	var out []StoredMemory
	for rows.Next() {
		var m StoredMemory
		var kind, status, sourceJSON, entitiesJSON string
		var lastAccessed sql.NullTime
		var embedding []byte
		var completed int
		if err := rows.Scan(&m.ID, &kind, &m.Content, &m.Importance, &sourceJSON, &entitiesJSON,
			&m.CreatedAt, &m.UpdatedAt, &lastAccessed, &m.AccessCount, &status, &embedding,
			&m.Category, &m.SessionID, &completed); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.Kind = Kind(kind)
		m.Status = Status(status)
		m.Completed = completed != 0
		if lastAccessed.Valid {
			t := lastAccessed.Time
			m.LastAccessed = &t
		}
		json.Unmarshal([]byte(sourceJSON), &m.SourceEpisodeIDs)
		json.Unmarshal([]byte(entitiesJSON), &m.Entities)
		m.Embedding = decodeEmbedding(embedding)
		out = append(out, m)
	}
	return out, rows.Err()
}

func ftsQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, ``)
		if f == "" {
			continue
		}
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func normalizeEntity(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
