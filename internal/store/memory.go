package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx/pkg/tasker"
	"github.com/nextlevelbuilder/sonic/internal/errs"
	"github.com/nextlevelbuilder/sonic/internal/model"
)

// entry pairs a session with its own lock, so memory read-modify-write
// cycles are atomic per session without a global mutex serializing
// unrelated sessions (§5 shared resources: "per-key atomicity required").
type entry struct {
	mu sync.Mutex
	s  model.Session
}

// MemoryStore is the default, in-process Session Store backend. A
// gronx-scheduled sweep expires sessions past LastActivity+TTL, matching
// the teacher's cron-service pattern for periodic maintenance rather than a
// bare time.Ticker.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	ttl      time.Duration
	sweeper  *tasker.Tasker
}

// NewMemoryStore creates a MemoryStore and starts its TTL sweep on
// sweepCron (a 5-field cron expression; "* * * * *" sweeps every minute).
func NewMemoryStore(ttl time.Duration, sweepCron string) *MemoryStore {
	ms := &MemoryStore{
		sessions: make(map[string]*entry),
		ttl:      ttl,
	}
	if sweepCron != "" {
		ms.sweeper = tasker.New(tasker.Option{Verbose: false})
		ms.sweeper.Task(sweepCron, func(ctx context.Context) (int, error) {
			ms.sweepExpired(time.Now())
			return 0, nil
		})
		go ms.sweeper.Run()
	}
	return ms
}

func (ms *MemoryStore) sweepExpired(now time.Time) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for id, e := range ms.sessions {
		e.mu.Lock()
		expired := now.Sub(e.s.LastActivity) >= ms.ttl
		e.mu.Unlock()
		if expired {
			delete(ms.sessions, id)
			slog.Info("session expired", "session_id", id)
		}
	}
}

func (ms *MemoryStore) Create(ctx context.Context, sessionID, initialAgentID string) (*model.Session, error) {
	now := time.Now()
	s := model.Session{
		SessionID:      sessionID,
		CurrentAgentID: initialAgentID,
		StartTime:      now,
		LastActivity:   now,
		Memory:         model.SessionMemory{Extra: map[string]any{}},
	}
	ms.mu.Lock()
	ms.sessions[sessionID] = &entry{s: s}
	ms.mu.Unlock()
	out := s
	return &out, nil
}

func (ms *MemoryStore) getEntry(sessionID string) *entry {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.sessions[sessionID]
}

func (ms *MemoryStore) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	e := ms.getEntry(sessionID)
	if e == nil {
		return nil, errs.New(errs.SessionNotFound, sessionID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.s
	return &out, nil
}

func (ms *MemoryStore) Save(ctx context.Context, s *model.Session) error {
	e := ms.getEntry(s.SessionID)
	if e == nil {
		return errs.New(errs.SessionNotFound, s.SessionID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s.LastActivity = time.Now()
	e.s = *s
	return nil
}

func (ms *MemoryStore) Transfer(ctx context.Context, reg Registry, sessionID, toAgentID string, contextPatch map[string]any) error {
	if reg != nil && !reg.IsHealthy(toAgentID) {
		return errs.New(errs.AgentUnreachable, "target agent unhealthy: "+toAgentID)
	}
	e := ms.getEntry(sessionID)
	if e == nil {
		return errs.New(errs.SessionNotFound, sessionID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.s.CurrentAgentID = toAgentID
	if contextPatch != nil {
		e.s.Memory.ApplyPatch(contextPatch)
	}
	e.s.LastActivity = time.Now()
	return nil
}

func (ms *MemoryStore) UpdateMemory(ctx context.Context, sessionID string, patch map[string]any) error {
	e := ms.getEntry(sessionID)
	if e == nil {
		return errs.New(errs.SessionNotFound, sessionID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.s.Memory.ApplyPatch(patch)
	e.s.LastActivity = time.Now()
	return nil
}

func (ms *MemoryStore) GetMemory(ctx context.Context, sessionID string) (model.SessionMemory, error) {
	e := ms.getEntry(sessionID)
	if e == nil {
		return model.SessionMemory{}, errs.New(errs.SessionNotFound, sessionID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.Memory, nil
}

func (ms *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.sessions, sessionID)
	return nil
}

func (ms *MemoryStore) Close() error {
	if ms.sweeper != nil {
		ms.sweeper.Stop()
	}
	return nil
}
