// Package protocol defines the wire message types for the two WebSocket
// surfaces this gateway terminates: the browser-facing client<->gateway
// link at /sonic (§6.1) and the internal gateway<->agent link at /session
// (§6.2). Messages decode once at the boundary into these tagged-variant
// types and are routed by exhaustive switch on Type, replacing the
// source's dynamic string-tagged dispatch.
package protocol

// ProtocolVersion is bumped on any wire-incompatible change to the message
// shapes in this package.
const ProtocolVersion = 1

// --- Client -> Gateway message types (§6.1) ---
const (
	TypeSelectWorkflow    = "select_workflow"
	TypeSessionConfig     = "sessionConfig"
	TypeTextInput         = "text_input"
	TypeUpdateCredentials = "updateCredentials"
	TypeClearChat         = "clearChat"
)

// --- Gateway -> Client message types (§6.1) ---
const (
	TypeConnected      = "connected"
	TypeSessionStart   = "session_start"
	TypeTranscript     = "transcript"
	TypeToolUse        = "tool_use"
	TypeToolResult     = "tool_result"
	TypeHandoffEvent   = "handoff_event"
	TypeDecisionMade   = "decision_made"
	TypeWorkflowUpdate = "workflow_update"
	TypeUsage          = "usage"
	TypeMetadata       = "metadata"
	TypeError          = "error"
)

// --- Gateway <-> Agent message types (§6.2) ---
const (
	TypeSessionInit   = "session_init"
	TypeUserInput     = "user_input"
	TypeMemoryUpdate  = "memory_update"
	TypeStop          = "stop"
	TypeSessionAck    = "session_ack"
	TypeHandoffReq    = "handoff_request"
	TypeUpdateMemory  = "update_memory"
)

// Raw low-level voice-layer event types that MUST be filtered out of the
// client-facing stream (§4.9 Bidirectional proxy).
var RawVoiceLayerTypes = map[string]bool{
	"TEXT":          true,
	"AUDIO":         true,
	"TOOL":          true,
	"CONTENT_START": true,
	"CONTENT_END":   true,
}

// Envelope is the minimal shape every inbound JSON message is first decoded
// into, to read Type before dispatching to the concrete struct.
type Envelope struct {
	Type string `json:"type"`
}

// --- Client -> Gateway payloads ---

type SelectWorkflowMsg struct {
	Type       string `json:"type"`
	WorkflowID string `json:"workflowId"`
}

type SessionConfigMsg struct {
	Type   string `json:"type"`
	Config struct {
		SystemPrompt  string   `json:"systemPrompt,omitempty"`
		VoiceID       string   `json:"voiceId,omitempty"`
		BrainMode     string   `json:"brainMode,omitempty"`
		SelectedTools []string `json:"selectedTools,omitempty"`
	} `json:"config"`
}

type TextInputMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type UpdateCredentialsMsg struct {
	Type            string `json:"type"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	Region          string `json:"region"`
}

type ClearChatMsg struct {
	Type string `json:"type"`
}

// --- Gateway -> Client payloads ---

type ConnectedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type SessionStartMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type TranscriptMsg struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	Role        string `json:"role"`
	Text        string `json:"text"`
	IsFinal     bool   `json:"isFinal"`
	IsStreaming bool   `json:"isStreaming,omitempty"`
	Stage       string `json:"stage,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

type ToolUseMsg struct {
	Type      string `json:"type"`
	ToolName  string `json:"toolName"`
	ToolUseID string `json:"toolUseId"`
	Input     any    `json:"input"`
}

type ToolResultMsg struct {
	Type      string `json:"type"`
	ToolName  string `json:"toolName"`
	ToolUseID string `json:"toolUseId"`
	Success   bool   `json:"success"`
	Result    any    `json:"result,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
}

type HandoffEventMsg struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

type DecisionMadeMsg struct {
	Type         string  `json:"type"`
	DecisionNode string  `json:"decisionNode"`
	ChosenPath   string  `json:"chosenPath"`
	TargetNode   string  `json:"targetNode"`
	Confidence   float64 `json:"confidence"`
	Reasoning    string  `json:"reasoning"`
	Success      bool    `json:"success"`
}

type WorkflowUpdateMsg struct {
	Type         string   `json:"type"`
	CurrentStep  string   `json:"currentStep"`
	PreviousStep string   `json:"previousStep"`
	NodeType     string   `json:"nodeType"`
	NodeLabel    string   `json:"nodeLabel"`
	NextSteps    []string `json:"nextSteps"`
}

type UsageMsg struct {
	Type         string `json:"type"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
}

type MetadataMsg struct {
	Type       string  `json:"type"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	TraceID    string  `json:"traceId,omitempty"`
}

type ErrorMsg struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// --- Gateway <-> Agent payloads (§6.2) ---

type SessionInitMsg struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	TraceID   string         `json:"traceId"`
	Memory    map[string]any `json:"memory"`
	Timestamp int64          `json:"timestamp"`
}

type MemoryUpdatePushMsg struct {
	Type       string         `json:"type"`
	SessionID  string         `json:"sessionId"`
	Memory     map[string]any `json:"memory"`
	GraphState map[string]any `json:"graphState,omitempty"`
	Timestamp  int64          `json:"timestamp"`
}

type StopMsg struct {
	Type string `json:"type"`
}

type ConnectedAgentMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
}

type SessionAckMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
	S2S       string `json:"s2s"`
	Workflow  string `json:"workflow"`
}

type HandoffRequestMsg struct {
	Type            string         `json:"type"`
	TargetAgentID   string         `json:"targetAgentId,omitempty"`
	TargetCapability string        `json:"targetCapability,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	GraphState      map[string]any `json:"graphState,omitempty"`
}

type UpdateMemoryMsg struct {
	Type   string         `json:"type"`
	Memory map[string]any `json:"memory"`
}
