// Package config holds the root configuration for the sonic gateway and
// agent runtimes, loaded from a lenient JSON5 file with environment
// variable overlay (env wins; secrets are env-only, never round-tripped
// into the config file).
package config

import (
	"encoding/json"
	"sync"
)

// Config is the root configuration.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Agents    AgentsConfig    `json:"agents"`
	Store     StoreConfig     `json:"store,omitempty"`
	Tools     ToolsConfig     `json:"tools"`
	Voice     VoiceConfig     `json:"voice"`
	Decision  DecisionConfig  `json:"decision"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`

	mu sync.RWMutex
}

// GatewayConfig configures the client<->gateway WS surface and HTTP API.
type GatewayConfig struct {
	Host             string   `json:"host"`
	Port             int      `json:"port"`
	Token            string   `json:"-"` // from env SONIC_GATEWAY_TOKEN only
	OwnerIDs         []string `json:"owner_ids,omitempty"`
	MaxMessageChars  int      `json:"max_message_chars"`
	RateLimitRPM     int      `json:"rate_limit_rpm"`
	DefaultWorkflow  string   `json:"default_workflow"`
	ReconnectGraceMs int      `json:"reconnect_grace_ms"` // §4.9 grace on disconnect, default 60000
	HandoffAckGraceMs int     `json:"handoff_ack_grace_ms"` // §5 handoff ack grace, default 1000
	AutoTriggerDelayMs int    `json:"auto_trigger_delay_ms"` // §4.9 auto-trigger delay, default 2000
	DebounceMs       int      `json:"debounce_ms"`       // §4.7 identical text_input debounce, default 500
	ToolResultCapBytes int    `json:"tool_result_cap_bytes"` // §8 B3, default 2048
}

// PersonaDirs locates the on-disk persona/prompt/workflow files (§6.6).
type PersonaDirs struct {
	PersonasDir  string `json:"personas_dir"`
	PromptsDir   string `json:"prompts_dir"`
	WorkflowsDir string `json:"workflows_dir"`
}

// AgentsConfig configures the Persona/Workflow Loader and Agent Registry.
type AgentsConfig struct {
	Dirs             PersonaDirs `json:"dirs"`
	HeartbeatSeconds int         `json:"heartbeat_seconds"` // staleness window, default 30
	IdentityAgentID  string      `json:"identity_agent_id"` // §4.8.2 the IDV agent id, default "idv"
	TriageAgentID    string      `json:"triage_agent_id"`   // default "triage"
}

// StoreConfig configures the Session Store backend (C1).
type StoreConfig struct {
	Backend          string `json:"backend"` // "memory" (default) or "postgres"
	PostgresDSN      string `json:"-"`       // from env SONIC_POSTGRES_DSN only
	TTLSeconds       int    `json:"ttl_seconds"`        // default 3600
	SweepCron        string `json:"sweep_cron"`         // gronx expression, default "* * * * *"
}

// ToolsConfig configures the external Tool Client (C3).
type ToolsConfig struct {
	BaseURL     string            `json:"base_url"`
	TimeoutMs   int               `json:"timeout_ms"` // default 10000
	FieldRemaps map[string]Remap  `json:"field_remaps,omitempty"`
	RateLimitPerSec float64       `json:"rate_limit_per_sec"`
	MCP         MCPConfig         `json:"mcp,omitempty"`
}

// Remap is a per-tool field rename table, applied on request and undone on
// response (§4.3).
type Remap struct {
	RequestFields  map[string]string `json:"request_fields,omitempty"`  // internal name -> upstream name
	ResponseFields map[string]string `json:"response_fields,omitempty"` // upstream name -> internal name
}

// MCPConfig optionally exposes the tool catalog over the Model Context
// Protocol for external MCP-aware clients.
type MCPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// VoiceConfig configures the outbound connection to the external
// speech-to-speech model (C7).
type VoiceConfig struct {
	Endpoint        string `json:"endpoint"`
	APIKey          string `json:"-"` // from env SONIC_VOICE_API_KEY only
	SampleRateIn    int    `json:"sample_rate_in"`  // 16000
	SampleRateOut   int    `json:"sample_rate_out"` // 24000
	InputQueueSize  int    `json:"input_queue_size"` // default 256
	TTFBTimeoutSec  int    `json:"ttfb_timeout_sec"`  // default 30
	VADThreshold    float64 `json:"vad_threshold"`
	CommitmentPhrases []string `json:"commitment_phrases,omitempty"`
	FillerPhrases     []string `json:"filler_phrases,omitempty"`
}

// DecisionConfig configures the text reasoning LLM used by the Decision
// Evaluator (C6).
type DecisionConfig struct {
	Provider       string  `json:"provider"` // "anthropic" or "openai"
	Model          string  `json:"model"`
	APIKey         string  `json:"-"` // from env SONIC_DECISION_API_KEY only
	BaseURL        string  `json:"base_url,omitempty"`
	Temperature    float64 `json:"temperature"`
	MaxTokens      int     `json:"max_tokens"`
	TimeoutSec     int     `json:"timeout_sec"` // default 5
	HistoryWindow  int     `json:"history_window"` // default 5, last N messages
}

// TelemetryConfig configures OTLP span export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener. Built only with
// -tags tsnet.
type TailscaleConfig struct {
	Hostname string `json:"hostname,omitempty"`
	StateDir string `json:"state_dir,omitempty"`
	AuthKey  string `json:"-"` // from env SONIC_TSNET_AUTH_KEY only
}

// Hash returns a deterministic marshal of the config, useful for
// change-detection in tests and logs.
func (c *Config) Hash() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}
