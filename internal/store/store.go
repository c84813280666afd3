// Package store persists the dynamic tool registry, sessions, and their
// ordered message logs. Two backends exist: SQLite (default, zero-config)
// and Postgres (managed deployments, schema via golang-migrate).
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/nextlevelbuilder/envoy/internal/providers"
	"github.com/nextlevelbuilder/envoy/internal/tools"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ToolSummary is a search hit from the tool registry.
type ToolSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Permission  string `json:"permission"`
}

// ToolRecord is a full registry row.
type ToolRecord struct {
	Spec      tools.DynamicToolSpec
	CreatedAt time.Time
}

// Store is the persistence contract the agent runtime depends on.
type Store interface {
	// SaveTool upserts by name, replacing everything except created_at.
	SaveTool(ctx context.Context, spec tools.DynamicToolSpec) error
	LoadTools(ctx context.Context) ([]ToolRecord, error)
	// SearchTools full-text matches against name and description.
	SearchTools(ctx context.Context, query string) ([]ToolSummary, error)

	// EnsureSession loads the session when id names an existing one,
	// otherwise creates a fresh session (random 16-byte hex id) and
	// returns its id.
	EnsureSession(ctx context.Context, id string) (string, error)
	AppendMessage(ctx context.Context, sessionID string, msg providers.Message) error
	LoadMessages(ctx context.Context, sessionID string) ([]providers.Message, error)
	DeleteSession(ctx context.Context, id string) error

	Close() error
}

// NewSessionID returns the lowercase hex encoding of 16 random bytes.
func NewSessionID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic("store: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf[:])
}
