package runtime

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/sonic/internal/errs"
	"github.com/nextlevelbuilder/sonic/internal/model"
	"github.com/nextlevelbuilder/sonic/internal/toolclient"
	"github.com/nextlevelbuilder/sonic/internal/voice"
)

var stepTagPattern = regexp.MustCompile(`\[STEP:\s*([a-zA-Z0-9_-]+)\s*\]`)

var leadingTagPattern = regexp.MustCompile(`^\s*(\[STEP:[^\]]*\]|\[DIALECT:[^\]]*\]|SENTIMENT:[^\n]*|\{"interrupted":\s*true\})\s*`)

// pump drains the voice client's event stream for the life of the session
// (§4.7/§4.8), applying the tool-use feedback loop, decision-node handling
// and transcript emission rules.
func (s *AgentSession) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case ev, ok := <-s.voiceClient.Events():
			if !ok {
				return
			}
			s.handleVoiceEvent(ctx, ev)
		}
	}
}

func (s *AgentSession) handleVoiceEvent(ctx context.Context, ev voice.Event) {
	switch ev.Type {
	case voice.EventTranscript:
		s.handleTranscript(ctx, ev)
	case voice.EventToolUse:
		s.handleToolUse(ctx, ev)
	case voice.EventUsage:
		s.emit(OutEvent{Kind: "usage", UsageIn: ev.InputTokens, UsageOut: ev.OutputTokens})
	case voice.EventError:
		s.emit(OutEvent{Kind: "error", ErrorKind: ev.ErrorKind, ErrorMessage: ev.ErrorMessage})
	case voice.EventInterruption, voice.EventContentStart, voice.EventContentEnd, voice.EventTurnEnd, voice.EventAudio:
		// Audio events are dropped here, and the gateway does not read the
		// voice client's events either, so assistant audio is not forwarded
		// to the client. Control events need no Runtime action beyond what
		// §4.8.4 already handles via the STEP tag on transcript.
	}
}

// handleTranscript implements §4.8.1/§4.8.4/§4.8.6: consumes a [STEP: id]
// tag to drive the workflow engine and (on a decision node) the Decision
// Evaluator, then strips leading tags before emission.
func (s *AgentSession) handleTranscript(ctx context.Context, ev voice.Event) {
	if ev.Role == "assistant" {
		if m := stepTagPattern.FindStringSubmatch(ev.Text); m != nil {
			s.applyStepUpdate(ctx, m[1])
		}
	}

	text := leadingTagPattern.ReplaceAllString(ev.Text, "")
	id := ev.TurnID
	if id == "" {
		id = newTurnID()
	}

	s.emit(OutEvent{Kind: "transcript", Transcript: &TranscriptOut{
		ID:      id,
		Role:    ev.Role,
		Text:    text,
		IsFinal: ev.IsFinal || ev.Stage == voice.StageFinal,
	}})
}

// applyStepUpdate moves the workflow engine to nodeID and, for a decision
// node with >=2 outgoing edges, calls the Decision Evaluator and injects
// the hidden system message (§4.8.4).
func (s *AgentSession) applyStepUpdate(ctx context.Context, nodeID string) {
	if s.engine == nil {
		return
	}
	result := s.engine.Update(nodeID)
	if result.Error != nil {
		slog.Warn("runtime: step update to unknown node", "node", nodeID, "error", result.Error)
		return
	}

	if result.NodeInfo.Type != model.NodeDecision {
		return
	}
	edges := s.engine.NextEdges()
	if len(edges) < 2 {
		return
	}

	s.mu.Lock()
	alreadyEmitted := s.decisionEmittedForNode == nodeID
	s.decisionEmittedForNode = nodeID
	history := append([]model.ConversationMessage(nil), s.messages...)
	graphCtx := map[string]any{}
	if s.memory.GraphState.Context != nil {
		graphCtx = s.memory.GraphState.Context
	}
	s.mu.Unlock()
	if alreadyEmitted || s.deps.Decision == nil {
		return
	}

	dr := s.deps.Decision.Evaluate(ctx, result.NodeInfo, edges, graphCtx, history)

	hidden := "[SYSTEM] Decision for node " + nodeID + ": " + dr.ChosenPathLabel + " -> GOTO " + dr.TargetNodeID
	s.voiceClient.SendUserText(hidden)

	s.emit(OutEvent{Kind: "decisionMade", Decision: &dr, DecisionNode: nodeID})
}

// handleToolUse implements §4.8.3: intercepts handoff tools, otherwise
// executes via the Tool Client and appends the toolUse/toolResult message
// pair before replying to the voice model.
func (s *AgentSession) handleToolUse(ctx context.Context, ev voice.Event) {
	if isHandoffTool(ev.ToolName) {
		s.handleHandoffTool(ev)
		return
	}

	s.emit(OutEvent{Kind: "toolUse", ToolUse: &model.ToolCall{ToolUseID: ev.ToolUseID, ToolName: ev.ToolName, Input: ev.Input}})

	result, err := s.deps.Tools.Execute(ctx, ev.ToolName, ev.Input)

	s.mu.Lock()
	s.messages = append(s.messages,
		model.ConversationMessage{
			Role: model.RoleAssistant,
			Metadata: model.MessageMetadata{
				Type: model.MetaToolUse, ToolUseID: ev.ToolUseID, ToolName: ev.ToolName, Input: ev.Input,
			},
		},
	)
	s.mu.Unlock()

	if err != nil {
		kind := errs.Of(err)
		s.mu.Lock()
		s.messages = append(s.messages, model.ConversationMessage{
			Role: model.RoleUser,
			Metadata: model.MessageMetadata{
				Type: model.MetaToolResult, ToolUseID: ev.ToolUseID, ToolName: ev.ToolName, Status: "error",
			},
		})
		s.mu.Unlock()
		s.voiceClient.SendToolResult(ev.ToolUseID, nil, &voice.ErrorPayload{Kind: string(kind), Message: err.Error()})
		s.emit(OutEvent{Kind: "toolResult", ToolResult: &model.ToolResult{
			ToolUseID: ev.ToolUseID, Success: false, ErrorKind: string(kind), ErrorMsg: err.Error(),
		}})
		return
	}

	s.mu.Lock()
	s.messages = append(s.messages, model.ConversationMessage{
		Role: model.RoleUser,
		Metadata: model.MessageMetadata{
			Type: model.MetaToolResult, ToolUseID: ev.ToolUseID, ToolName: ev.ToolName, Result: result, Status: "success",
		},
	})
	s.mu.Unlock()

	voiceResult := result
	toolResult := &model.ToolResult{ToolUseID: ev.ToolUseID, Success: true, Result: result}
	if s.cfg.ToolResultCapBytes > 0 {
		if capped, ok := toolclient.TruncateResult(result, s.cfg.ToolResultCapBytes).(map[string]any); ok && capped["truncated"] == true {
			voiceResult = capped
			toolResult.Truncated = true
			toolResult.OriginalSize, _ = capped["originalSize"].(int)
		}
	}
	s.voiceClient.SendToolResult(ev.ToolUseID, voiceResult, nil)
	s.emit(OutEvent{Kind: "toolResult", ToolResult: toolResult})

	if s.isIdentityAgent() && ev.ToolName == identityCheckToolName {
		s.applyVerifiedStateGate(result)
	}
}

// applyVerifiedStateGate implements §4.8.2: once the identity-check tool
// reports auth_status=VERIFIED, mark the session verified, push a memory
// update to the gateway, and emit a handoff_request whose target the IDV
// agent never chooses itself — the gateway resolves it from userIntent.
func (s *AgentSession) applyVerifiedStateGate(result map[string]any) {
	status, _ := result["auth_status"].(string)
	if status != "VERIFIED" {
		return
	}

	s.mu.Lock()
	s.memory.Verified = true
	if v, ok := result["customer_name"].(string); ok {
		s.memory.UserName = v
	}
	if v, ok := result["account"].(string); ok {
		s.memory.Account = v
	}
	if v, ok := result["sortCode"].(string); ok {
		s.memory.SortCode = v
	}
	patch := map[string]any{
		"verified": true, "userName": s.memory.UserName, "account": s.memory.Account, "sortCode": s.memory.SortCode,
	}
	handoff := &model.PendingHandoff{
		Target: "", // resolved by the gateway from userIntent
		Reason: s.memory.UserIntent,
		Context: map[string]any{
			"verified": true, "userName": s.memory.UserName, "account": s.memory.Account, "sortCode": s.memory.SortCode,
		},
	}
	s.memory.PendingHandoff = handoff
	s.mu.Unlock()

	s.emit(OutEvent{Kind: "updateMemory", MemoryPatch: patch})
	s.emit(OutEvent{Kind: "handoffRequest", Handoff: handoff})
}

func isHandoffTool(name string) bool {
	return strings.HasPrefix(name, "transfer_to_") || name == "return_to_triage"
}

// handleHandoffTool applies the MultipleHandoffBlocked guard: at most one
// handoff tool may be dispatched per turn (§4.8.3).
func (s *AgentSession) handleHandoffTool(ev voice.Event) {
	s.mu.Lock()
	if s.handoffThisTurn {
		s.mu.Unlock()
		s.voiceClient.SendToolResult(ev.ToolUseID, nil, &voice.ErrorPayload{
			Kind: string(errs.MultipleHandoffBlock), Message: "a handoff was already dispatched this turn",
		})
		return
	}
	s.handoffThisTurn = true
	s.mu.Unlock()

	target := strings.TrimPrefix(ev.ToolName, "transfer_to_")
	if ev.ToolName == "return_to_triage" {
		target = s.deps.TriageAgentID
	}

	s.voiceClient.SendToolResult(ev.ToolUseID, map[string]any{"status": "handoff_initiated"}, nil)
	s.emit(OutEvent{Kind: "handoffRequest", Handoff: &model.PendingHandoff{Target: target}})
}

// ResetTurn clears per-turn guards; called by the gateway on a real new
// user turn (not on internal system injections), mirroring the voice
// client's own dedup reset (§4.7).
func (s *AgentSession) ResetTurn() {
	s.mu.Lock()
	s.handoffThisTurn = false
	s.mu.Unlock()
}
