// Package store implements the Session Store (C1, §4.1): ephemeral
// per-session state and memory with TTL, keyed by session id. Writes are
// last-writer-wins on the whole session record; memory patches are
// read-modify-write and atomic per session.
package store

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/sonic/internal/model"
)

// Registry is the subset of the Agent Registry that the Session Store needs
// to verify a transfer target is healthy, without importing the registry
// package back (avoids an import cycle; registry never needs the store).
type Registry interface {
	IsHealthy(agentID string) bool
}

// SessionStore is the C1 contract (§4.1).
type SessionStore interface {
	Create(ctx context.Context, sessionID, initialAgentID string) (*model.Session, error)
	Get(ctx context.Context, sessionID string) (*model.Session, error)
	Save(ctx context.Context, s *model.Session) error
	// Transfer verifies the target agent is healthy via reg before changing
	// CurrentAgentID; on failure it leaves state unchanged and returns an
	// error (§4.1).
	Transfer(ctx context.Context, reg Registry, sessionID, toAgentID string, contextPatch map[string]any) error
	UpdateMemory(ctx context.Context, sessionID string, patch map[string]any) error
	GetMemory(ctx context.Context, sessionID string) (model.SessionMemory, error)
	Delete(ctx context.Context, sessionID string) error
	// Close releases any background resources (sweep timers, DB handles).
	Close() error
}

// DefaultTTL is the session TTL from §3/§4.1.
const DefaultTTL = 3600 * time.Second
