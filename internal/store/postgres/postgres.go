// Package postgres is the optional Postgres-backed Session Store, wired
// through database/sql using the pgx stdlib driver (registered as driver
// name "pgx"), exactly the pattern the teacher's cmd/migrate.go and
// internal/store/pg/sessions.go use: an in-memory cache in front of a
// Postgres table, single-statement atomic Save.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/sonic/internal/errs"
	"github.com/nextlevelbuilder/sonic/internal/model"
	"github.com/nextlevelbuilder/sonic/internal/store"
)

// Store is a Postgres-backed store.SessionStore.
type Store struct {
	db  *sql.DB
	ttl time.Duration

	mu    sync.RWMutex
	cache map[string]*model.Session
}

// Open connects to dsn via the pgx stdlib driver and returns a Store. It
// does not run migrations; use the `sonic migrate` subcommand for that.
func Open(dsn string, ttl time.Duration) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db, ttl: ttl, cache: make(map[string]*model.Session)}, nil
}

type row struct {
	SessionID      string
	CurrentAgentID string
	StartTime      time.Time
	LastActivity   time.Time
	MemoryJSON     []byte
}

func (s *Store) loadFromDB(ctx context.Context, sessionID string) (*model.Session, error) {
	var r row
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, current_agent_id, start_time, last_activity, memory FROM sessions WHERE session_id = $1`,
		sessionID,
	).Scan(&r.SessionID, &r.CurrentAgentID, &r.StartTime, &r.LastActivity, &r.MemoryJSON)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.SessionNotFound, sessionID)
	}
	if err != nil {
		return nil, errs.Wrap(errs.StorageUnavailable, "load session", err)
	}
	var mem model.SessionMemory
	mem.Extra = map[string]any{}
	if len(r.MemoryJSON) > 0 {
		if err := json.Unmarshal(r.MemoryJSON, &mem); err != nil {
			return nil, errs.Wrap(errs.StorageUnavailable, "decode memory", err)
		}
	}
	return &model.Session{
		SessionID:      r.SessionID,
		CurrentAgentID: r.CurrentAgentID,
		StartTime:      r.StartTime,
		LastActivity:   r.LastActivity,
		Memory:         mem,
	}, nil
}

func (s *Store) persist(ctx context.Context, sess *model.Session) error {
	memJSON, err := json.Marshal(sess.Memory)
	if err != nil {
		return errs.Wrap(errs.StorageUnavailable, "encode memory", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, current_agent_id, start_time, last_activity, memory)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
			current_agent_id = EXCLUDED.current_agent_id,
			last_activity = EXCLUDED.last_activity,
			memory = EXCLUDED.memory
	`, sess.SessionID, sess.CurrentAgentID, sess.StartTime, sess.LastActivity, memJSON)
	if err != nil {
		return errs.Wrap(errs.StorageUnavailable, "persist session", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, sessionID, initialAgentID string) (*model.Session, error) {
	now := time.Now()
	sess := &model.Session{
		SessionID:      sessionID,
		CurrentAgentID: initialAgentID,
		StartTime:      now,
		LastActivity:   now,
		Memory:         model.SessionMemory{Extra: map[string]any{}},
	}
	if err := s.persist(ctx, sess); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[sessionID] = sess
	s.mu.Unlock()
	out := *sess
	return &out, nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	s.mu.RLock()
	cached, ok := s.cache[sessionID]
	s.mu.RUnlock()
	if ok {
		out := *cached
		return &out, nil
	}
	sess, err := s.loadFromDB(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[sessionID] = sess
	s.mu.Unlock()
	out := *sess
	return &out, nil
}

func (s *Store) Save(ctx context.Context, sess *model.Session) error {
	sess.LastActivity = time.Now()
	if err := s.persist(ctx, sess); err != nil {
		return err
	}
	s.mu.Lock()
	cp := *sess
	s.cache[sess.SessionID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *Store) Transfer(ctx context.Context, reg store.Registry, sessionID, toAgentID string, contextPatch map[string]any) error {
	if reg != nil && !reg.IsHealthy(toAgentID) {
		return errs.New(errs.AgentUnreachable, "target agent unhealthy: "+toAgentID)
	}
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.CurrentAgentID = toAgentID
	if contextPatch != nil {
		sess.Memory.ApplyPatch(contextPatch)
	}
	return s.Save(ctx, sess)
}

func (s *Store) UpdateMemory(ctx context.Context, sessionID string, patch map[string]any) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.Memory.ApplyPatch(patch)
	return s.Save(ctx, sess)
}

func (s *Store) GetMemory(ctx context.Context, sessionID string) (model.SessionMemory, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return model.SessionMemory{}, err
	}
	return sess.Memory, nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID)
	s.mu.Lock()
	delete(s.cache, sessionID)
	s.mu.Unlock()
	if err != nil {
		return errs.Wrap(errs.StorageUnavailable, "delete session", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
