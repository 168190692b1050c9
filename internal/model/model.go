// Package model holds the shared data types of §3: Session, SessionMemory,
// AgentInfo, WorkflowGraph, PersonaConfig, ConversationMessage and
// ToolCall/ToolResult. These are plain data — no behavior — shared by every
// component that touches session or workflow state.
package model

import "time"

// Session is owned by the Session Store (C1).
type Session struct {
	SessionID      string
	CurrentAgentID string
	StartTime      time.Time
	LastActivity   time.Time
	Memory         SessionMemory
}

// SessionMemory is an open mapping with reserved slots (§3) plus arbitrary
// additional keys. Extra carries anything not named below.
type SessionMemory struct {
	Verified        bool           `json:"verified"`
	UserName        string         `json:"userName,omitempty"`
	Account         string         `json:"account,omitempty"`
	SortCode        string         `json:"sortCode,omitempty"`
	UserIntent      string         `json:"userIntent,omitempty"`
	LastUserMessage string         `json:"lastUserMessage,omitempty"`
	LastAgent       string         `json:"lastAgent,omitempty"`
	GraphState      GraphState     `json:"graphState,omitempty"`
	PendingHandoff  *PendingHandoff `json:"pendingHandoff,omitempty"`
	Extra           map[string]any `json:"-"`
}

// GraphState is the workflow-engine position carried in session memory
// across a handoff.
type GraphState struct {
	WorkflowID    string         `json:"workflowId,omitempty"`
	CurrentNodeID string         `json:"currentNodeId,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
}

// PendingHandoff is set by the IDV agent after a successful identity check
// (§4.8.2); the gateway consumes it, never the IDV agent itself.
type PendingHandoff struct {
	Target  string         `json:"target"`
	Reason  string         `json:"reason,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// ToMap flattens SessionMemory (reserved slots + Extra) into a plain map
// for wire transmission (session_init.memory, memory_update.memory).
func (m SessionMemory) ToMap() map[string]any {
	out := map[string]any{}
	for k, v := range m.Extra {
		out[k] = v
	}
	out["verified"] = m.Verified
	if m.UserName != "" {
		out["userName"] = m.UserName
	}
	if m.Account != "" {
		out["account"] = m.Account
	}
	if m.SortCode != "" {
		out["sortCode"] = m.SortCode
	}
	if m.UserIntent != "" {
		out["userIntent"] = m.UserIntent
	}
	if m.LastUserMessage != "" {
		out["lastUserMessage"] = m.LastUserMessage
	}
	if m.LastAgent != "" {
		out["lastAgent"] = m.LastAgent
	}
	if m.GraphState.WorkflowID != "" || m.GraphState.CurrentNodeID != "" {
		out["graphState"] = m.GraphState
	}
	if m.PendingHandoff != nil {
		out["pendingHandoff"] = m.PendingHandoff
	}
	return out
}

// ApplyPatch applies patch key/value pairs onto m, used by UpdateMemory and
// the gateway's memory_update handling. Reserved-slot keys are type-asserted
// and written to their typed field; unknown keys go to Extra.
func (m *SessionMemory) ApplyPatch(patch map[string]any) {
	if m.Extra == nil {
		m.Extra = map[string]any{}
	}
	for k, v := range patch {
		switch k {
		case "verified":
			if b, ok := v.(bool); ok {
				m.Verified = b
			}
		case "userName":
			if s, ok := v.(string); ok {
				m.UserName = s
			}
		case "account":
			if s, ok := v.(string); ok {
				m.Account = s
			}
		case "sortCode":
			if s, ok := v.(string); ok {
				m.SortCode = s
			}
		case "userIntent":
			if s, ok := v.(string); ok {
				m.UserIntent = s
			}
		case "lastUserMessage":
			if s, ok := v.(string); ok {
				m.LastUserMessage = s
			}
		case "lastAgent":
			if s, ok := v.(string); ok {
				m.LastAgent = s
			}
		default:
			m.Extra[k] = v
		}
	}
}

// AgentStatus is the liveness state of a registered agent (C2).
type AgentStatus string

const (
	AgentStarting  AgentStatus = "starting"
	AgentHealthy   AgentStatus = "healthy"
	AgentUnhealthy AgentStatus = "unhealthy"
)

// AgentInfo is owned by the Agent Registry (C2).
type AgentInfo struct {
	AgentID      string
	URL          string
	Status       AgentStatus
	Capabilities []string
	LastHeartbeat time.Time
	Port         int
	RegisteredAt time.Time
}

// IsHealthy reports whether the agent is healthy and reachable: status is
// healthy and the heartbeat is strictly fresher than the staleness window
// (§8 B4: exactly at the boundary is unhealthy).
func (a AgentInfo) IsHealthy(now time.Time, staleAfter time.Duration) bool {
	return a.Status == AgentHealthy && now.Sub(a.LastHeartbeat) < staleAfter
}

// NodeType enumerates workflow node kinds (§3).
type NodeType string

const (
	NodeStart    NodeType = "start"
	NodeEnd      NodeType = "end"
	NodeDecision NodeType = "decision"
	NodeTool     NodeType = "tool"
	NodeWorkflow NodeType = "workflow"
	NodeProcess  NodeType = "process"
	NodeMessage  NodeType = "message"
)

// WorkflowNode is one node of a WorkflowGraph.
type WorkflowNode struct {
	ID         string   `json:"id"`
	Type       NodeType `json:"type"`
	Label      string   `json:"label"`
	ToolName   string   `json:"toolName,omitempty"`
	WorkflowID string   `json:"workflowId,omitempty"`
	Message    string   `json:"message,omitempty"`
}

// WorkflowEdge is a directed edge between two node ids.
type WorkflowEdge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// WorkflowGraph is immutable after load (§3).
type WorkflowGraph struct {
	ID    string         `json:"id"`
	Nodes []WorkflowNode `json:"nodes"`
	Edges []WorkflowEdge `json:"edges"`
}

// PersonaConfig is the on-disk persona descriptor (§3, §6.6).
type PersonaConfig struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"displayName"`
	PromptFile  string         `json:"promptFile"`
	Workflows   []string       `json:"workflows"`
	AllowedTools []string      `json:"allowedTools"`
	VoiceID     string         `json:"voiceId"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// MessageRole enumerates ConversationMessage roles.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// MessageMetaType enumerates ConversationMessage metadata kinds.
type MessageMetaType string

const (
	MetaText       MessageMetaType = "text"
	MetaToolUse    MessageMetaType = "toolUse"
	MetaToolResult MessageMetaType = "toolResult"
)

// MessageMetadata carries tool-use/tool-result detail on a
// ConversationMessage.
type MessageMetadata struct {
	Type      MessageMetaType `json:"type"`
	ToolUseID string          `json:"toolUseId,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	Input     any             `json:"input,omitempty"`
	Result    any             `json:"result,omitempty"`
	Status    string          `json:"status,omitempty"`
}

// ConversationMessage is one turn in AgentSession.Messages.
type ConversationMessage struct {
	Role     MessageRole     `json:"role"`
	Content  string          `json:"content"`
	Metadata MessageMetadata `json:"metadata"`
	At       time.Time       `json:"-"`
}

// ToolCall is a tool invocation requested by the voice model.
type ToolCall struct {
	ToolUseID string
	ToolName  string
	Input     map[string]any
}

// ToolResult is the outcome of executing a ToolCall.
type ToolResult struct {
	ToolUseID string
	Success   bool
	Result    any
	ErrorKind string
	ErrorMsg  string
	Truncated bool
	OriginalSize int
}
