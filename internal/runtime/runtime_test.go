package runtime

import (
	"context"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/sonic/internal/model"
	"github.com/nextlevelbuilder/sonic/internal/voice"
)

func newTestSession(t *testing.T, cfg Config, deps Deps) (*AgentSession, *[]OutEvent) {
	t.Helper()
	events := &[]OutEvent{}
	s := New(cfg, deps, nil, func(ev OutEvent) {
		*events = append(*events, ev)
	})
	return s, events
}

func TestComputeAllowedTools_IdentityAgentIsRestricted(t *testing.T) {
	s, _ := newTestSession(t, Config{
		AgentID: "idv",
		Persona: model.PersonaConfig{AllowedTools: []string{"anything", "transfer_to_banking"}},
	}, Deps{IdentityAgentID: "idv"})

	got := s.allowedTools
	want := map[string]bool{"identity_check": true, "return_to_triage": true}
	if len(got) != len(want) {
		t.Fatalf("allowedTools = %v, want exactly %v", got, want)
	}
	for _, t2 := range got {
		if !want[t2] {
			t.Errorf("unexpected allowed tool %q for identity agent", t2)
		}
	}
}

func TestComputeAllowedTools_UnionsPersonaAndWorkflowTools(t *testing.T) {
	s, _ := newTestSession(t, Config{
		AgentID: "banking",
		Persona: model.PersonaConfig{AllowedTools: []string{"lookup_balance"}},
		Workflow: &model.WorkflowGraph{
			Nodes: []model.WorkflowNode{
				{ID: "n1", Type: model.NodeTool, ToolName: "transfer_funds"},
				{ID: "n2", Type: model.NodeStart},
			},
		},
	}, Deps{})

	set := map[string]bool{}
	for _, t2 := range s.allowedTools {
		set[t2] = true
	}
	for _, want := range []string{"lookup_balance", "transfer_funds", "return_to_triage"} {
		if !set[want] {
			t.Errorf("allowedTools missing %q: got %v", want, s.allowedTools)
		}
	}
}

func TestComposeSystemPrompt_Ordering(t *testing.T) {
	s, _ := newTestSession(t, Config{
		AgentID: "banking",
		Prompt:  "PERSONA_PROMPT_MARKER",
		Persona: model.PersonaConfig{AllowedTools: []string{"transfer_to_disputes"}},
	}, Deps{})

	prompt := s.composeSystemPrompt(model.SessionMemory{Verified: true, UserName: "Alex"})

	ctxIdx := strings.Index(prompt, "CONTEXT:")
	personaIdx := strings.Index(prompt, "PERSONA_PROMPT_MARKER")
	handoffIdx := strings.Index(prompt, "HANDOFF TOOLS:")
	if ctxIdx == -1 || personaIdx == -1 || handoffIdx == -1 {
		t.Fatalf("prompt missing expected sections: %q", prompt)
	}
	if !(ctxIdx < personaIdx && personaIdx < handoffIdx) {
		t.Errorf("prompt sections out of order: context=%d persona=%d handoff=%d", ctxIdx, personaIdx, handoffIdx)
	}
	if !strings.Contains(prompt, "userName: Alex") {
		t.Errorf("prompt missing userName context: %q", prompt)
	}
}

func TestComposeSystemPrompt_NoHandoffBlockWithoutHandoffTools(t *testing.T) {
	s, _ := newTestSession(t, Config{Persona: model.PersonaConfig{AllowedTools: []string{"lookup"}}}, Deps{})
	prompt := s.composeSystemPrompt(model.SessionMemory{})
	if strings.Contains(prompt, "HANDOFF TOOLS:") {
		t.Error("did not expect a HANDOFF TOOLS section with no transfer_to_* tools")
	}
}

func TestHandleTranscript_StripsLeadingTags(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"step tag", "[STEP: ask-account] How can I help?", "How can I help?"},
		{"dialect tag", "[DIALECT: en-GB] Hello there", "Hello there"},
		{"sentiment tag", "SENTIMENT: neutral\nHello", "Hello"},
		{"no tag", "just a plain reply", "just a plain reply"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, events := newTestSession(t, Config{}, Deps{})
			s.handleVoiceEvent(context.Background(), voice.Event{
				Type: voice.EventTranscript, Role: "assistant", Text: tt.text, IsFinal: true,
			})
			if len(*events) != 1 {
				t.Fatalf("got %d events, want 1", len(*events))
			}
			got := (*events)[0].Transcript.Text
			if got != tt.want {
				t.Errorf("Text = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHandleTranscript_IsFinalFromStageWhenFlagUnset(t *testing.T) {
	s, events := newTestSession(t, Config{}, Deps{})
	s.handleVoiceEvent(context.Background(), voice.Event{
		Type: voice.EventTranscript, Role: "assistant", Text: "hi", Stage: voice.StageFinal,
	})
	if !(*events)[0].Transcript.IsFinal {
		t.Error("IsFinal = false, want true when Stage is final")
	}
}

func TestApplyStepUpdate_UnknownNodeIsIgnored(t *testing.T) {
	graph := &model.WorkflowGraph{
		Nodes: []model.WorkflowNode{{ID: "start", Type: model.NodeStart}},
		Edges: []model.WorkflowEdge{},
	}
	s, events := newTestSession(t, Config{Workflow: graph}, Deps{})
	s.handleVoiceEvent(context.Background(), voice.Event{
		Type: voice.EventTranscript, Role: "assistant", Text: "[STEP: ghost] hi", IsFinal: true,
	})
	// Only the transcript event, no decisionMade, no panic.
	if len(*events) != 1 || (*events)[0].Kind != "transcript" {
		t.Fatalf("events = %+v, want a single transcript event", *events)
	}
}

func TestApplyStepUpdate_NonDecisionNodeEmitsNoDecision(t *testing.T) {
	graph := &model.WorkflowGraph{
		Nodes: []model.WorkflowNode{
			{ID: "start", Type: model.NodeStart},
			{ID: "ask", Type: model.NodeMessage},
		},
		Edges: []model.WorkflowEdge{{From: "start", To: "ask"}},
	}
	s, events := newTestSession(t, Config{Workflow: graph}, Deps{})
	s.handleVoiceEvent(context.Background(), voice.Event{
		Type: voice.EventTranscript, Role: "assistant", Text: "[STEP: ask] hi", IsFinal: true,
	})
	for _, ev := range *events {
		if ev.Kind == "decisionMade" {
			t.Fatal("did not expect a decisionMade event for a non-decision node")
		}
	}
}

func TestApplyStepUpdate_DecisionNodeWithNilEvaluatorSkipsDecision(t *testing.T) {
	graph := &model.WorkflowGraph{
		Nodes: []model.WorkflowNode{
			{ID: "start", Type: model.NodeStart},
			{ID: "decide", Type: model.NodeDecision},
			{ID: "approve", Type: model.NodeEnd},
			{ID: "deny", Type: model.NodeEnd},
		},
		Edges: []model.WorkflowEdge{
			{From: "start", To: "decide"},
			{From: "decide", To: "approve", Label: "approve"},
			{From: "decide", To: "deny", Label: "deny"},
		},
	}
	s, events := newTestSession(t, Config{Workflow: graph}, Deps{Decision: nil})
	s.handleVoiceEvent(context.Background(), voice.Event{
		Type: voice.EventTranscript, Role: "assistant", Text: "[STEP: decide] thinking", IsFinal: true,
	})
	for _, ev := range *events {
		if ev.Kind == "decisionMade" {
			t.Fatal("did not expect a decisionMade event with a nil Decision Evaluator")
		}
	}
	if s.decisionEmittedForNode != "decide" {
		t.Errorf("decisionEmittedForNode = %q, want decide (guard should still be set)", s.decisionEmittedForNode)
	}
}

func TestApplyStepUpdate_DecisionNodeWithOneEdgeSkipsDecision(t *testing.T) {
	graph := &model.WorkflowGraph{
		Nodes: []model.WorkflowNode{
			{ID: "start", Type: model.NodeStart},
			{ID: "decide", Type: model.NodeDecision},
			{ID: "only", Type: model.NodeEnd},
		},
		Edges: []model.WorkflowEdge{
			{From: "start", To: "decide"},
			{From: "decide", To: "only", Label: "only"},
		},
	}
	s, events := newTestSession(t, Config{Workflow: graph}, Deps{})
	s.handleVoiceEvent(context.Background(), voice.Event{
		Type: voice.EventTranscript, Role: "assistant", Text: "[STEP: decide] thinking", IsFinal: true,
	})
	if s.decisionEmittedForNode != "" {
		t.Error("decisionEmittedForNode should stay unset when there are fewer than 2 edges")
	}
	for _, ev := range *events {
		if ev.Kind == "decisionMade" {
			t.Fatal("did not expect a decisionMade event with only one outgoing edge")
		}
	}
}

func TestHandleVoiceEvent_UsageAndError(t *testing.T) {
	s, events := newTestSession(t, Config{}, Deps{})
	s.handleVoiceEvent(context.Background(), voice.Event{Type: voice.EventUsage, InputTokens: 10, OutputTokens: 20})
	s.handleVoiceEvent(context.Background(), voice.Event{Type: voice.EventError, ErrorKind: "VoiceStreamError", ErrorMessage: "boom"})

	if len(*events) != 2 {
		t.Fatalf("got %d events, want 2", len(*events))
	}
	if (*events)[0].Kind != "usage" || (*events)[0].UsageIn != 10 || (*events)[0].UsageOut != 20 {
		t.Errorf("usage event = %+v", (*events)[0])
	}
	if (*events)[1].Kind != "error" || (*events)[1].ErrorKind != "VoiceStreamError" {
		t.Errorf("error event = %+v", (*events)[1])
	}
}

func TestHandleVoiceEvent_ControlEventsAreNoOps(t *testing.T) {
	s, events := newTestSession(t, Config{}, Deps{})
	for _, typ := range []voice.EventType{voice.EventInterruption, voice.EventContentStart, voice.EventContentEnd, voice.EventTurnEnd, voice.EventAudio} {
		s.handleVoiceEvent(context.Background(), voice.Event{Type: typ})
	}
	if len(*events) != 0 {
		t.Errorf("got %d events for control-only voice events, want 0", len(*events))
	}
}

func TestResetTurn_ClearsHandoffGuard(t *testing.T) {
	s, _ := newTestSession(t, Config{}, Deps{})
	s.handoffThisTurn = true
	s.ResetTurn()
	if s.handoffThisTurn {
		t.Error("handoffThisTurn should be false after ResetTurn")
	}
}

func TestIsHandoffTool(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"transfer_to_banking", true},
		{"return_to_triage", true},
		{"lookup_balance", false},
	}
	for _, tt := range tests {
		if got := isHandoffTool(tt.name); got != tt.want {
			t.Errorf("isHandoffTool(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
