package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/sonic/internal/config"
	"github.com/nextlevelbuilder/sonic/internal/model"
	"github.com/nextlevelbuilder/sonic/internal/persona"
	"github.com/nextlevelbuilder/sonic/internal/registry"
	"github.com/nextlevelbuilder/sonic/internal/store"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	personasDir := t.TempDir()
	promptsDir := t.TempDir()
	workflowsDir := t.TempDir()

	cfg := config.Default()
	cfg.Agents.Dirs.PersonasDir = personasDir
	cfg.Agents.Dirs.PromptsDir = promptsDir
	cfg.Agents.Dirs.WorkflowsDir = workflowsDir

	reg := registry.New()
	sessions := store.NewMemoryStore(store.DefaultTTL, "")
	t.Cleanup(func() { sessions.Close() })

	s := NewServer(cfg, Deps{
		Registry: reg,
		Sessions: sessions,
		Personas: persona.New(personasDir, promptsDir, workflowsDir),
	})
	srv := httptest.NewServer(s.BuildMux())
	t.Cleanup(srv.Close)
	return s, srv
}

func writePersonaFixture(t *testing.T, personasDir, promptsDir, id string) {
	t.Helper()
	p := model.PersonaConfig{
		ID: id, DisplayName: "Test", PromptFile: id + ".txt",
		Workflows: []string{"w1"}, AllowedTools: []string{"t1"}, VoiceID: "v1",
	}
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(personasDir, id+".json"), b, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(promptsDir, id+".txt"), []byte("be helpful"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestHandleAgentsList_Empty(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/agents")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var agents []model.AgentInfo
	if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if len(agents) != 0 {
		t.Errorf("len(agents) = %d, want 0", len(agents))
	}
}

func TestHandleAgentsList_MethodNotAllowed(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Post(srv.URL+"/api/agents", "application/json", nil)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestHandleAgentByID_NotFound(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/agents/ghost")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleAgentByID_UpdateStatus(t *testing.T) {
	s, srv := newTestServer(t)
	s.registry.Register(model.AgentInfo{AgentID: "a1", Capabilities: []string{"triage"}})

	body, _ := json.Marshal(map[string]string{"status": "healthy"})
	resp, err := http.Post(srv.URL+"/api/agents/a1/status", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	info, ok := s.registry.Get("a1")
	if !ok {
		t.Fatal("agent not found in registry after update")
	}
	if info.Status != model.AgentStatus("healthy") {
		t.Errorf("Status = %q, want healthy", info.Status)
	}
}

func TestHandleSessionsList(t *testing.T) {
	s, srv := newTestServer(t)
	s.clients["c1"] = &clientSession{id: "c1"}

	resp, err := http.Get(srv.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		SessionIDs []string `json:"sessionIds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if len(body.SessionIDs) != 1 || body.SessionIDs[0] != "c1" {
		t.Errorf("sessionIds = %v, want [c1]", body.SessionIDs)
	}
}

func TestHandleSessionMemory_GetAndPost(t *testing.T) {
	s, srv := newTestServer(t)
	ctx := context.Background()
	if _, err := s.sessions.Create(ctx, "sess-1", "agent-1"); err != nil {
		t.Fatal(err)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/sessions/sess-1/memory",
		bytes.NewReader([]byte(`{"memory":{"userName":"Alex"}}`)))
	req.Header.Set("X-Agent-Id", "agent-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("POST status = %d, want 204", resp.StatusCode)
	}

	resp2, err := http.Get(srv.URL + "/api/sessions/sess-1/memory")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp2.Body.Close()
	var mem map[string]any
	if err := json.NewDecoder(resp2.Body).Decode(&mem); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if mem["userName"] != "Alex" {
		t.Errorf("userName = %v, want Alex", mem["userName"])
	}
}

func TestHandleSessionMemory_PostMissingAgentHeader(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Post(srv.URL+"/api/sessions/sess-1/memory", "application/json",
		bytes.NewReader([]byte(`{"memory":{}}`)))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleSessionTransfer_MissingToAgentID(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Post(srv.URL+"/api/sessions/sess-1/transfer", "application/json",
		bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandlePersonasList_Empty(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/personas")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	var out []model.PersonaConfig
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if len(out) != 0 {
		t.Errorf("len(out) = %d, want 0", len(out))
	}
}

func TestCreatePersona_ThenGetAndDelete(t *testing.T) {
	s, srv := newTestServer(t)

	body, _ := json.Marshal(personaRequest{
		Name: "Banking", VoiceID: "v1", AllowedTools: []string{"lookup"},
		Workflows: []string{"w1"}, PromptContent: "be precise",
	})
	resp, err := http.Post(srv.URL+"/api/personas?id=banking", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}

	getResp, err := http.Get(srv.URL + "/api/personas/banking")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", getResp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/personas/banking", nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE error = %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", delResp.StatusCode)
	}

	// Prompt file must survive persona deletion.
	if _, err := os.Stat(filepath.Join(s.cfg.Agents.Dirs.PromptsDir, "banking.txt")); err != nil {
		t.Errorf("prompt file was removed along with the persona: %v", err)
	}
}

func TestCreatePersona_RejectsInvalidID(t *testing.T) {
	_, srv := newTestServer(t)
	body, _ := json.Marshal(personaRequest{Name: "X", VoiceID: "v", AllowedTools: []string{"a"}, Workflows: []string{"w"}, PromptContent: "p"})
	resp, err := http.Post(srv.URL+"/api/personas?id=Bad_ID", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCreatePersona_ConflictOnDuplicateID(t *testing.T) {
	s, srv := newTestServer(t)
	writePersonaFixture(t, s.cfg.Agents.Dirs.PersonasDir, s.cfg.Agents.Dirs.PromptsDir, "dup")

	body, _ := json.Marshal(personaRequest{Name: "X", VoiceID: "v", AllowedTools: []string{"a"}, Workflows: []string{"w"}, PromptContent: "p"})
	resp, err := http.Post(srv.URL+"/api/personas?id=dup", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestHandleHealth(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
