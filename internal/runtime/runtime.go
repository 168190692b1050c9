// Package runtime implements the Agent Runtime (C8, §4.8): the per-session
// orchestrator that binds the Tool Client, Persona/Workflow Loader,
// Workflow Engine, Decision Evaluator and Voice Model Client, composes the
// system prompt, and applies the tool-use feedback loop and handoff
// detection described in §4.8.
package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/sonic/internal/decision"
	"github.com/nextlevelbuilder/sonic/internal/model"
	"github.com/nextlevelbuilder/sonic/internal/toolclient"
	"github.com/nextlevelbuilder/sonic/internal/voice"
	"github.com/nextlevelbuilder/sonic/internal/workflow"
)

// Mode selects which surfaces of the session are live (§4.8.5).
type Mode string

const (
	ModeText  Mode = "text"
	ModeVoice Mode = "voice"
	ModeHybrid Mode = "hybrid"
)

const identityCheckToolName = "identity_check"

// OutEvent is emitted by an AgentSession for the Gateway to forward to the
// client or act on (handoff, memory update).
type OutEvent struct {
	Kind string // "transcript", "toolUse", "toolResult", "handoffRequest", "decisionMade", "updateMemory", "usage", "error"

	Transcript *TranscriptOut
	ToolUse    *model.ToolCall
	ToolResult *model.ToolResult
	Handoff    *model.PendingHandoff
	Decision   *decision.Result
	DecisionNode string
	MemoryPatch map[string]any
	UsageIn, UsageOut int
	ErrorKind, ErrorMessage string
}

// TranscriptOut is the Runtime's outbound transcript shape (stable id,
// streaming vs final — §4.8.6).
type TranscriptOut struct {
	ID      string
	Role    string
	Text    string
	IsFinal bool
}

// Deps are the component dependencies bound into every AgentSession.
type Deps struct {
	Tools     *toolclient.Client
	Decision  *decision.Evaluator
	IdentityAgentID string
	TriageAgentID   string
}

// Config configures one AgentSession.
type Config struct {
	AgentID  string
	Persona  model.PersonaConfig
	Prompt   string
	Workflow *model.WorkflowGraph // nil if persona has no workflow
	Mode     Mode

	// ToolResultCapBytes enforces §8 B3: a serialized tool result over this
	// size is truncated before it reaches the voice model. 0 disables
	// truncation.
	ToolResultCapBytes int
}

// AgentSession is the per-conversation actor bound to one agent instance.
// State mutation is serialized through mu: the voice-event pump (one
// goroutine per session) and the gateway-driven UpdateSystemPrompt and
// ResetTurn take it around each change to session state; SendUserText and
// SendAudioChunk touch no session state and do not take it.
type AgentSession struct {
	cfg  Config
	deps Deps

	voiceClient *voice.Client
	engine      *workflow.Engine

	mu             sync.Mutex
	memory         model.SessionMemory
	messages       []model.ConversationMessage
	allowedTools   []string
	handoffThisTurn bool
	decisionEmittedForNode string

	onEvent func(OutEvent)

	done   chan struct{}
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds an AgentSession. Call Start to compose the prompt and begin
// the voice session.
func New(cfg Config, deps Deps, voiceClient *voice.Client, onEvent func(OutEvent)) *AgentSession {
	var engine *workflow.Engine
	if cfg.Workflow != nil {
		engine = workflow.New(cfg.Workflow)
	}

	s := &AgentSession{
		cfg:         cfg,
		deps:        deps,
		voiceClient: voiceClient,
		engine:      engine,
		onEvent:     onEvent,
		done:        make(chan struct{}),
	}
	s.allowedTools = s.computeAllowedTools()
	return s
}

// isIdentityAgent reports whether this session's agent is dedicated to
// identity verification (§4.8.2).
func (s *AgentSession) isIdentityAgent() bool {
	return s.deps.IdentityAgentID != "" && s.cfg.AgentID == s.deps.IdentityAgentID
}

// computeAllowedTools implements §4.8 step 3: union of persona allowedTools
// and handoff tools, with the IDV-agent exception (§4.8.2): exactly the
// identity-check tool plus return_to_triage, never transfer_to_*.
func (s *AgentSession) computeAllowedTools() []string {
	if s.isIdentityAgent() {
		return []string{identityCheckToolName, "return_to_triage"}
	}

	set := map[string]bool{}
	for _, t := range s.cfg.Persona.AllowedTools {
		set[t] = true
	}
	if s.engine != nil {
		for _, n := range s.cfg.Workflow.Nodes {
			if n.Type == model.NodeTool && n.ToolName != "" {
				set[n.ToolName] = true
			}
		}
	}
	set["return_to_triage"] = true

	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}

// handoffTools returns the transfer_to_* tool names this session may call,
// derived from the persona's allowed tools (handoff targets are agent ids
// elsewhere resolvable via the registry; the Runtime only names the tool
// surface here).
func (s *AgentSession) handoffTools() []string {
	var out []string
	for _, t := range s.allowedTools {
		if strings.HasPrefix(t, "transfer_to_") {
			out = append(out, t)
		}
	}
	return out
}

// Start composes the system prompt (§4.8 step 1), restores verified
// state (step 2), and configures + starts the voice session (steps 4-5).
func (s *AgentSession) Start(ctx context.Context, sessionID string, memory model.SessionMemory) {
	s.mu.Lock()
	s.memory = memory
	s.mu.Unlock()

	prompt := s.composeSystemPrompt(memory)

	tools := make([]voice.ToolSpec, 0, len(s.allowedTools))
	for _, name := range s.allowedTools {
		tools = append(tools, voice.ToolSpec{Name: name, Description: toolDescription(name)})
	}

	s.voiceClient.ConfigureSession(voice.SessionConfig{
		SystemPrompt: prompt,
		VoiceID:      s.cfg.Persona.VoiceID,
		Tools:        tools,
	})
	s.voiceClient.StartSession(sessionID)

	// The session's sub-goroutines (today just the voice-event pump; future
	// producers/consumers join the same group) share one cancellation and
	// are waited on together in Stop, rather than being fire-and-forget.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	group, gctx := errgroup.WithContext(runCtx)
	s.group = group
	group.Go(func() error {
		s.pump(gctx)
		return nil
	})
}

// composeSystemPrompt builds the prompt in the load-bearing order of §4.8
// step 1: (a) context block, (b) persona prompt, (c) handoff-tool
// description block, (d) workflow instructions.
func (s *AgentSession) composeSystemPrompt(memory model.SessionMemory) string {
	var b strings.Builder

	b.WriteString(contextBlock(memory))
	b.WriteString("\n\n")
	b.WriteString(s.cfg.Prompt)
	b.WriteString("\n\n")

	if handoff := s.handoffTools(); len(handoff) > 0 {
		b.WriteString("HANDOFF TOOLS:\n")
		for _, t := range handoff {
			fmt.Fprintf(&b, "- %s: %s\n", t, toolDescription(t))
		}
		b.WriteString("\n")
	}

	if s.engine != nil {
		b.WriteString(workflow.RenderInstructions(s.engine.Graph()))
	}

	return b.String()
}

func contextBlock(memory model.SessionMemory) string {
	var b strings.Builder
	b.WriteString("CONTEXT:\n")
	fmt.Fprintf(&b, "verified: %v\n", memory.Verified)
	if memory.UserName != "" {
		fmt.Fprintf(&b, "userName: %s\n", memory.UserName)
	}
	if memory.UserIntent != "" {
		fmt.Fprintf(&b, "userIntent: %s\n", memory.UserIntent)
	}
	if memory.PendingHandoff != nil {
		for k, v := range memory.PendingHandoff.Context {
			fmt.Fprintf(&b, "%s: %v\n", k, v)
		}
	}
	return b.String()
}

func toolDescription(name string) string {
	switch {
	case name == "return_to_triage":
		return "Return the conversation to the triage agent."
	case strings.HasPrefix(name, "transfer_to_"):
		return "Hand off the conversation to " + strings.TrimPrefix(name, "transfer_to_") + "."
	case name == identityCheckToolName:
		return "Verify the caller's identity."
	default:
		return name
	}
}

// Stop tears down the voice session and waits for the session's
// sub-goroutines to exit before returning.
func (s *AgentSession) Stop() {
	close(s.done)
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		s.group.Wait()
	}
	s.voiceClient.StopSession()
}

// SendUserText is the text-mode/hybrid entry point (§4.8.5): the gateway
// calls this for text_input; a text-adapter MUST echo the input back as a
// user transcript before forwarding it to the voice model.
func (s *AgentSession) SendUserText(text string) {
	s.emit(OutEvent{Kind: "transcript", Transcript: &TranscriptOut{
		ID: newTurnID(), Role: "user", Text: text, IsFinal: true,
	}})
	s.voiceClient.SendUserText(text)
}

// SendAudioChunk forwards one PCM16LE@16kHz chunk from the client.
func (s *AgentSession) SendAudioChunk(pcm []byte) {
	s.voiceClient.SendAudioChunk(pcm)
}

// UpdateSystemPrompt hot-reloads the persona prompt (§4.4 directory watch):
// it is queued by the Voice Model Client and prepended to the next user or
// tool-result turn, rather than recomposing and resending the full system
// prompt mid-session.
func (s *AgentSession) UpdateSystemPrompt(text string) {
	s.mu.Lock()
	s.cfg.Prompt = text
	s.mu.Unlock()
	s.voiceClient.UpdateSystemPrompt(text)
}

func (s *AgentSession) emit(ev OutEvent) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

var turnCounter struct {
	mu sync.Mutex
	n  int
}

// newTurnID produces a stable per-turn id without relying on time/rand
// (kept deterministic for tests); callers needing cross-process uniqueness
// should prefix with the session id.
func newTurnID() string {
	turnCounter.mu.Lock()
	defer turnCounter.mu.Unlock()
	turnCounter.n++
	return fmt.Sprintf("turn-%d", turnCounter.n)
}
