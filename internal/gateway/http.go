package gateway

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/sonic/internal/errs"
	"github.com/nextlevelbuilder/sonic/internal/model"
)

var apiPersonaIDPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

func writeJSONResp(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind errs.Kind, message string) {
	writeJSONResp(w, status, map[string]string{"kind": string(kind), "message": message})
}

// handleAgentsList serves GET /api/agents (§6.3): AgentInfo minus secrets
// (there are none in AgentInfo today, but the shape is kept explicit).
func (s *Server) handleAgentsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errs.ValidationError, "method not allowed")
		return
	}
	writeJSONResp(w, http.StatusOK, s.registry.List())
}

// handleAgentByID serves GET /api/agents/:id and POST /api/agents/:id/status.
func (s *Server) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	parts := strings.SplitN(rest, "/", 2)
	agentID := parts[0]
	if agentID == "" {
		writeError(w, http.StatusNotFound, errs.NotFound, "agent id required")
		return
	}

	if len(parts) == 2 && parts[1] == "status" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, errs.ValidationError, "method not allowed")
			return
		}
		var body struct {
			Status model.AgentStatus `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, errs.ValidationError, "invalid body")
			return
		}
		info, ok := s.registry.Get(agentID)
		if !ok {
			writeError(w, http.StatusNotFound, errs.NotFound, "agent not found")
			return
		}
		info.Status = body.Status
		s.registry.Register(info)
		writeJSONResp(w, http.StatusOK, info)
		return
	}

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errs.ValidationError, "method not allowed")
		return
	}
	info, ok := s.registry.Get(agentID)
	if !ok {
		writeError(w, http.StatusNotFound, errs.NotFound, "agent not found")
		return
	}
	writeJSONResp(w, http.StatusOK, info)
}

type personaRequest struct {
	Name          string   `json:"name"`
	VoiceID       string   `json:"voiceId"`
	AllowedTools  []string `json:"allowedTools"`
	Workflows     []string `json:"workflows"`
	PromptContent string   `json:"promptContent"`
}

// handlePersonasList serves the persona CRUD surface of §6.3: GET (list),
// POST (create). GET/PUT/DELETE by id are routed separately to
// handlePersonaByIDPath under /api/personas/.
func (s *Server) handlePersonasList(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		entries, err := os.ReadDir(s.cfg.Agents.Dirs.PersonasDir)
		if err != nil {
			writeJSONResp(w, http.StatusOK, []model.PersonaConfig{})
			return
		}
		var out []model.PersonaConfig
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			id := strings.TrimSuffix(e.Name(), ".json")
			if p, err := s.loadPersonaFile(id); err == nil {
				out = append(out, p)
			}
		}
		writeJSONResp(w, http.StatusOK, out)
	case http.MethodPost:
		s.createPersona(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, errs.ValidationError, "method not allowed")
	}
}

// handleSessionsList serves GET /api/sessions — a supplemented operator
// listing endpoint (SPEC_FULL.md "Supplemented features"), not present in
// the distilled spec's REST surface.
func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errs.ValidationError, "method not allowed")
		return
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	writeJSONResp(w, http.StatusOK, map[string]any{"sessionIds": ids})
}

// handleSessionByID routes /api/sessions/:id/memory and
// /api/sessions/:id/transfer (§6.3).
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, errs.NotFound, "unknown session route")
		return
	}
	sessionID, sub := parts[0], parts[1]

	switch sub {
	case "memory":
		s.handleSessionMemory(w, r, sessionID)
	case "transfer":
		s.handleSessionTransfer(w, r, sessionID)
	default:
		writeError(w, http.StatusNotFound, errs.NotFound, "unknown session route")
	}
}

func (s *Server) handleSessionMemory(w http.ResponseWriter, r *http.Request, sessionID string) {
	switch r.Method {
	case http.MethodGet:
		mem, err := s.sessions.GetMemory(r.Context(), sessionID)
		if err != nil {
			writeError(w, http.StatusNotFound, errs.SessionNotFound, err.Error())
			return
		}
		writeJSONResp(w, http.StatusOK, mem.ToMap())
	case http.MethodPost:
		if r.Header.Get("X-Agent-Id") == "" {
			writeError(w, http.StatusBadRequest, errs.ValidationError, "X-Agent-Id header required")
			return
		}
		var body struct {
			Memory map[string]any `json:"memory"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, errs.ValidationError, "invalid body")
			return
		}
		if err := s.sessions.UpdateMemory(r.Context(), sessionID, body.Memory); err != nil {
			writeError(w, http.StatusNotFound, errs.SessionNotFound, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, errs.ValidationError, "method not allowed")
	}
}

func (s *Server) handleSessionTransfer(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errs.ValidationError, "method not allowed")
		return
	}
	var body struct {
		ToAgentID string         `json:"toAgentId"`
		Context   map[string]any `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ToAgentID == "" {
		writeError(w, http.StatusBadRequest, errs.ValidationError, "toAgentId required")
		return
	}
	if err := s.sessions.Transfer(r.Context(), s.registry, sessionID, body.ToAgentID, body.Context); err != nil {
		writeError(w, http.StatusNotFound, errs.AgentUnreachable, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- persona CRUD helpers (§6.3) ---

func (s *Server) loadPersonaFile(id string) (model.PersonaConfig, error) {
	path := filepath.Join(s.cfg.Agents.Dirs.PersonasDir, id+".json")
	b, err := os.ReadFile(path)
	if err != nil {
		return model.PersonaConfig{}, err
	}
	var p model.PersonaConfig
	if err := json.Unmarshal(b, &p); err != nil {
		return model.PersonaConfig{}, err
	}
	return p, nil
}

func (s *Server) createPersona(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	var req personaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errs.ValidationError, "invalid body")
		return
	}
	if id == "" || !apiPersonaIDPattern.MatchString(id) {
		writeError(w, http.StatusBadRequest, errs.ValidationError, "id must match ^[a-z0-9-]+$")
		return
	}
	if req.Name == "" || req.VoiceID == "" || len(req.AllowedTools) == 0 || len(req.Workflows) == 0 || req.PromptContent == "" {
		writeError(w, http.StatusBadRequest, errs.ValidationError, "name, voiceId, allowedTools, workflows, promptContent are required")
		return
	}
	path := filepath.Join(s.cfg.Agents.Dirs.PersonasDir, id+".json")
	if _, err := os.Stat(path); err == nil {
		writeError(w, http.StatusConflict, errs.Conflict, "persona id already exists")
		return
	}

	promptFile := id + ".txt"
	if err := os.WriteFile(filepath.Join(s.cfg.Agents.Dirs.PromptsDir, promptFile), []byte(req.PromptContent), 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, errs.StorageUnavailable, err.Error())
		return
	}
	persona := model.PersonaConfig{
		ID: id, DisplayName: req.Name, PromptFile: promptFile,
		Workflows: req.Workflows, AllowedTools: req.AllowedTools, VoiceID: req.VoiceID,
	}
	b, _ := json.MarshalIndent(persona, "", "  ")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, errs.StorageUnavailable, err.Error())
		return
	}
	writeJSONResp(w, http.StatusCreated, persona)
}

// handlePersonaByIDPath handles GET/PUT/DELETE for a single persona id
// mounted under prefix (either /api/personas or /api/personas/).
func (s *Server) handlePersonaByIDPath(w http.ResponseWriter, r *http.Request, prefix string) {
	id := strings.TrimPrefix(r.URL.Path, prefix+"/")
	if id == "" || !apiPersonaIDPattern.MatchString(id) {
		writeError(w, http.StatusBadRequest, errs.ValidationError, "id must match ^[a-z0-9-]+$")
		return
	}

	switch r.Method {
	case http.MethodGet:
		p, err := s.loadPersonaFile(id)
		if err != nil {
			writeError(w, http.StatusNotFound, errs.NotFound, "persona not found")
			return
		}
		writeJSONResp(w, http.StatusOK, p)
	case http.MethodPut:
		s.updatePersona(w, r, id)
	case http.MethodDelete:
		path := filepath.Join(s.cfg.Agents.Dirs.PersonasDir, id+".json")
		if _, err := os.Stat(path); err != nil {
			writeError(w, http.StatusNotFound, errs.NotFound, "persona not found")
			return
		}
		// Deletion removes the persona config file but preserves the
		// prompt file (§6.3).
		if err := os.Remove(path); err != nil {
			writeError(w, http.StatusInternalServerError, errs.StorageUnavailable, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, errs.ValidationError, "method not allowed")
	}
}

func (s *Server) updatePersona(w http.ResponseWriter, r *http.Request, id string) {
	path := filepath.Join(s.cfg.Agents.Dirs.PersonasDir, id+".json")
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, errs.NotFound, "persona not found")
		return
	}
	var req personaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errs.ValidationError, "invalid body")
		return
	}
	if req.Name == "" || req.VoiceID == "" || len(req.AllowedTools) == 0 || len(req.Workflows) == 0 || req.PromptContent == "" {
		writeError(w, http.StatusBadRequest, errs.ValidationError, "name, voiceId, allowedTools, workflows, promptContent are required")
		return
	}
	promptFile := id + ".txt"
	if err := os.WriteFile(filepath.Join(s.cfg.Agents.Dirs.PromptsDir, promptFile), []byte(req.PromptContent), 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, errs.StorageUnavailable, err.Error())
		return
	}
	persona := model.PersonaConfig{
		ID: id, DisplayName: req.Name, PromptFile: promptFile,
		Workflows: req.Workflows, AllowedTools: req.AllowedTools, VoiceID: req.VoiceID,
	}
	b, _ := json.MarshalIndent(persona, "", "  ")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, errs.StorageUnavailable, err.Error())
		return
	}
	writeJSONResp(w, http.StatusOK, persona)
}
