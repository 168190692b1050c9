package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/sonic/internal/model"
	"github.com/nextlevelbuilder/sonic/internal/runtime"
	"github.com/nextlevelbuilder/sonic/internal/voice"
	"github.com/nextlevelbuilder/sonic/pkg/protocol"
)

const defaultWorkflowCapability = "triage"

// clientSession is the Gateway-side state for one client connection: the
// client WebSocket plus the AgentSession currently driving it. A handoff
// swaps rt/agentID in place without the client observing a reconnect.
type clientSession struct {
	id     string
	server *Server

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu               sync.Mutex
	agentID          string
	rt               *runtime.AgentSession
	voiceClient      *voice.Client
	handoffInProgress bool
	lastHandoffEnd   time.Time
	disconnectTimer  *time.Timer
}

func newClientSession(s *Server, conn *websocket.Conn) *clientSession {
	return &clientSession{
		id:     uuid.NewString(),
		server: s,
		conn:   conn,
	}
}

func (cs *clientSession) run(ctx context.Context) {
	defer cs.teardown()

	cs.writeJSON(protocol.ConnectedMsg{Type: protocol.TypeConnected, SessionID: cs.id})

	capability := defaultWorkflowCapability
	var pending []byte

	_, raw, err := cs.conn.ReadMessage()
	if err == nil {
		var env protocol.Envelope
		if json.Unmarshal(raw, &env) == nil && env.Type == protocol.TypeSelectWorkflow {
			var msg protocol.SelectWorkflowMsg
			if json.Unmarshal(raw, &msg) == nil && msg.WorkflowID != "" {
				capability = msg.WorkflowID
			}
		} else {
			pending = raw
		}
	}

	if err := cs.admit(ctx, capability); err != nil {
		cs.writeJSON(protocol.ErrorMsg{Type: protocol.TypeError, Kind: "AgentUnreachable", Message: err.Error()})
		return
	}

	if pending != nil {
		cs.handleClientMessage(ctx, websocket.TextMessage, pending)
	}

	for {
		msgType, raw, err := cs.conn.ReadMessage()
		if err != nil {
			cs.scheduleGraceCleanup()
			return
		}
		cs.handleClientMessage(ctx, msgType, raw)
	}
}

// admit resolves the initial agent via FindByCapability and starts its
// AgentSession (§4.9 Session admission).
func (cs *clientSession) admit(ctx context.Context, capability string) error {
	info, ok := cs.server.registry.FindByCapability(capability)
	if !ok {
		return &notFoundError{what: "no healthy agent for capability " + capability}
	}

	if _, err := cs.server.sessions.Create(ctx, cs.id, info.AgentID); err != nil {
		return err
	}

	return cs.startAgentSession(ctx, info.AgentID, model.SessionMemory{})
}

// startAgentSession loads the persona/workflow for agentID, builds a fresh
// voice.Client and runtime.AgentSession, and starts it bound to memory.
func (cs *clientSession) startAgentSession(ctx context.Context, agentID string, memory model.SessionMemory) error {
	loaded, err := cs.server.personas.Load(agentID)
	if err != nil {
		return err
	}

	var graph *model.WorkflowGraph
	if len(loaded.Persona.Workflows) > 0 {
		graph = loaded.Workflows[loaded.Persona.Workflows[0]]
	}

	vc, err := voice.NewClient(ctx, cs.server.cfg.Voice)
	if err != nil {
		return err
	}

	rt := runtime.New(runtime.Config{
		AgentID:            agentID,
		Persona:            loaded.Persona,
		Prompt:             loaded.Prompt,
		Workflow:           graph,
		Mode:               runtime.ModeHybrid,
		ToolResultCapBytes: cs.server.cfg.Gateway.ToolResultCapBytes,
	}, runtime.Deps{
		Tools:           cs.server.tools,
		Decision:        cs.server.decision,
		IdentityAgentID: cs.server.cfg.Agents.IdentityAgentID,
		TriageAgentID:   cs.server.cfg.Agents.TriageAgentID,
	}, vc, func(ev runtime.OutEvent) {
		cs.handleRuntimeEvent(ctx, ev)
	})

	cs.mu.Lock()
	cs.agentID = agentID
	cs.rt = rt
	cs.voiceClient = vc
	cs.mu.Unlock()

	rt.Start(ctx, cs.id, memory)
	cs.writeJSON(protocol.SessionStartMsg{Type: protocol.TypeSessionStart, SessionID: cs.id})
	return nil
}

// handleClientMessage dispatches one inbound client frame: binary audio, or
// a typed JSON control/text message.
func (cs *clientSession) handleClientMessage(ctx context.Context, msgType int, raw []byte) {
	cs.mu.Lock()
	rt := cs.rt
	cs.mu.Unlock()
	if rt == nil {
		return
	}

	if msgType == websocket.BinaryMessage {
		rt.SendAudioChunk(raw)
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	switch env.Type {
	case protocol.TypeTextInput:
		var msg protocol.TextInputMsg
		if json.Unmarshal(raw, &msg) != nil {
			return
		}
		cs.onFinalUserText(ctx, msg.Text)
	case protocol.TypeClearChat:
		rt.ResetTurn()
	}
}

// onFinalUserText implements §4.9 intent/credential extraction: it sends the
// user's message to the agent first, then writes the derived memory patch to
// the Session Store.
func (cs *clientSession) onFinalUserText(ctx context.Context, text string) {
	cs.mu.Lock()
	rt := cs.rt
	cs.mu.Unlock()
	if rt == nil {
		return
	}

	rt.ResetTurn()
	rt.SendUserText(text)

	extracted := extractFromText(text)
	patch := map[string]any{"lastUserMessage": text}
	if extracted.Account != "" {
		patch["account"] = extracted.Account
	}
	if extracted.SortCode != "" {
		patch["sortCode"] = extracted.SortCode
	}
	if extracted.UserIntent != "" {
		patch["userIntent"] = extracted.UserIntent // first-wins / differs-materially handled in applyMemoryPatch
	}
	cs.applyMemoryPatch(ctx, patch)
}

// applyMemoryPatch writes patch into the Session Store. No memory_update is
// sent to the running AgentSession, which keeps the memory it was started
// with; stored memory reaches an agent only when a handoff starts a new
// AgentSession. userIntent
// is first-wins unless the new value differs from the stored one (§4.9,
// §9 Open Question).
func (cs *clientSession) applyMemoryPatch(ctx context.Context, patch map[string]any) {
	if newIntent, ok := patch["userIntent"].(string); ok {
		mem, err := cs.server.sessions.GetMemory(ctx, cs.id)
		if err == nil && mem.UserIntent != "" && mem.UserIntent == newIntent {
			delete(patch, "userIntent") // no material change
		}
	}
	if err := cs.server.sessions.UpdateMemory(ctx, cs.id, patch); err != nil {
		slog.Warn("gateway: memory update failed", "session", cs.id, "error", err)
		return
	}
	// memory_update is an internal gateway<->agent message; it is never
	// forwarded to the client (§4.9 Memory update protocol).
}

// handleRuntimeEvent bridges an AgentSession OutEvent to the client
// connection or to the store/handoff machinery.
func (cs *clientSession) handleRuntimeEvent(ctx context.Context, ev runtime.OutEvent) {
	switch ev.Kind {
	case "transcript":
		cs.writeJSON(protocol.TranscriptMsg{
			Type: protocol.TypeTranscript, ID: ev.Transcript.ID, Role: ev.Transcript.Role,
			Text: ev.Transcript.Text, IsFinal: ev.Transcript.IsFinal,
		})
	case "toolUse":
		cs.writeJSON(protocol.ToolUseMsg{Type: protocol.TypeToolUse, ToolUseID: ev.ToolUse.ToolUseID, ToolName: ev.ToolUse.ToolName, Input: ev.ToolUse.Input})
	case "toolResult":
		cs.writeJSON(protocol.ToolResultMsg{
			Type: protocol.TypeToolResult, ToolUseID: ev.ToolResult.ToolUseID, Success: ev.ToolResult.Success,
			Result: ev.ToolResult.Result, ErrorKind: ev.ToolResult.ErrorKind,
		})
	case "usage":
		cs.writeJSON(protocol.UsageMsg{Type: protocol.TypeUsage, InputTokens: ev.UsageIn, OutputTokens: ev.UsageOut})
	case "error":
		cs.writeJSON(protocol.ErrorMsg{Type: protocol.TypeError, Kind: ev.ErrorKind, Message: ev.ErrorMessage})
	case "decisionMade":
		cs.writeJSON(protocol.DecisionMadeMsg{
			Type: protocol.TypeDecisionMade, DecisionNode: ev.DecisionNode, ChosenPath: ev.Decision.ChosenPathLabel,
			TargetNode: ev.Decision.TargetNodeID, Confidence: ev.Decision.Confidence, Reasoning: ev.Decision.Reasoning,
			Success: ev.Decision.Success,
		})
	case "updateMemory":
		cs.applyMemoryPatch(ctx, ev.MemoryPatch)
	case "handoffRequest":
		cs.handleHandoffRequest(ctx, ev.Handoff)
	}
}

type notFoundError struct{ what string }

func (e *notFoundError) Error() string { return e.what }

func (cs *clientSession) writeJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()
	_ = cs.conn.WriteMessage(websocket.TextMessage, b)
}

func (cs *clientSession) scheduleGraceCleanup() {
	graceMs := cs.server.cfg.Gateway.ReconnectGraceMs
	if graceMs <= 0 {
		graceMs = 60000
	}
	cs.mu.Lock()
	cs.disconnectTimer = time.AfterFunc(time.Duration(graceMs)*time.Millisecond, func() {
		cs.teardown()
		_ = cs.server.sessions.Delete(context.Background(), cs.id)
	})
	cs.mu.Unlock()
}

func (cs *clientSession) teardown() {
	cs.mu.Lock()
	rt := cs.rt
	timer := cs.disconnectTimer
	cs.rt = nil
	cs.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if rt != nil {
		rt.Stop()
	}
}

// reloadPersonaPrompt re-reads the current agent's prompt file and, if the
// session has a live AgentSession, queues it as a system-prompt update
// (§4.4/§4.7) rather than tearing down and restarting the voice session.
func (cs *clientSession) reloadPersonaPrompt() {
	cs.mu.Lock()
	agentID := cs.agentID
	rt := cs.rt
	cs.mu.Unlock()
	if rt == nil || agentID == "" {
		return
	}

	loaded, err := cs.server.personas.Load(agentID)
	if err != nil {
		slog.Warn("persona hot-reload failed", "agent", agentID, "error", err)
		return
	}
	rt.UpdateSystemPrompt(loaded.Prompt)
}
