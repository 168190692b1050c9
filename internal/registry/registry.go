// Package registry implements the Agent Registry (C2, §4.2): a liveness and
// capability directory of running agents.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/sonic/internal/errs"
	"github.com/nextlevelbuilder/sonic/internal/model"
)

// StaleAfter is the heartbeat freshness window (§3, §8 B4: strictly-less-than).
const StaleAfter = 30 * time.Second

type record struct {
	info model.AgentInfo
	seq  int // registration order, for deterministic FindByCapability
}

// Registry is the in-process Agent Registry. Shared across gateway/agent
// processes in a real deployment would need a network-visible backend; this
// in-process implementation matches what a single-gateway-process
// deployment needs, and is the seam a distributed backend would replace.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*record
	nseq  int
	clock func() time.Time
}

func New() *Registry {
	return &Registry{
		byID:  make(map[string]*record),
		clock: time.Now,
	}
}

func (r *Registry) Register(info model.AgentInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info.RegisteredAt = r.clock()
	if info.LastHeartbeat.IsZero() {
		info.LastHeartbeat = info.RegisteredAt
	}
	if info.Status == "" {
		info.Status = model.AgentStarting
	}
	r.nseq++
	r.byID[info.AgentID] = &record{info: info, seq: r.nseq}
}

func (r *Registry) Heartbeat(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[agentID]
	if !ok {
		return errs.New(errs.NotFound, "agent not registered: "+agentID)
	}
	rec.info.Status = model.AgentHealthy
	rec.info.LastHeartbeat = r.clock()
	return nil
}

func (r *Registry) Get(agentID string) (model.AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[agentID]
	if !ok {
		return model.AgentInfo{}, false
	}
	return rec.info, true
}

func (r *Registry) List() []model.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.AgentInfo, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, rec.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// ListHealthy filters on status + heartbeat freshness.
func (r *Registry) ListHealthy() []model.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.clock()
	var out []model.AgentInfo
	for _, rec := range r.byID {
		if rec.info.IsHealthy(now, StaleAfter) {
			out = append(out, rec.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// FindByCapability returns the first healthy agent (by registration order)
// whose Capabilities includes cap. Capabilities MUST include the agent's
// own id and every workflow id it serves, so routing works by either.
func (r *Registry) FindByCapability(cap string) (model.AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.clock()
	var best *record
	for _, rec := range r.byID {
		if !rec.info.IsHealthy(now, StaleAfter) {
			continue
		}
		for _, c := range rec.info.Capabilities {
			if c == cap {
				if best == nil || rec.seq < best.seq {
					best = rec
				}
				break
			}
		}
	}
	if best == nil {
		return model.AgentInfo{}, false
	}
	return best.info, true
}

func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, agentID)
}

// IsHealthy implements store.Registry for C1's transfer-target check.
func (r *Registry) IsHealthy(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[agentID]
	if !ok {
		return false
	}
	return rec.info.IsHealthy(r.clock(), StaleAfter)
}
