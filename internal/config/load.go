package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults, mirroring the literal
// values named throughout spec.md (TTL 3600s, debounce 500ms, etc).
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:               "0.0.0.0",
			Port:               8787,
			MaxMessageChars:    32000,
			RateLimitRPM:       60,
			DefaultWorkflow:    "triage",
			ReconnectGraceMs:   60000,
			HandoffAckGraceMs:  1000,
			AutoTriggerDelayMs: 2000,
			DebounceMs:         500,
			ToolResultCapBytes: 2048,
		},
		Agents: AgentsConfig{
			Dirs: PersonaDirs{
				PersonasDir:  "personas",
				PromptsDir:   "prompts",
				WorkflowsDir: "workflows",
			},
			HeartbeatSeconds: 30,
			IdentityAgentID:  "idv",
			TriageAgentID:    "triage",
		},
		Store: StoreConfig{
			Backend:    "memory",
			TTLSeconds: 3600,
			SweepCron:  "* * * * *",
		},
		Tools: ToolsConfig{
			TimeoutMs:       10000,
			RateLimitPerSec: 20,
		},
		Voice: VoiceConfig{
			SampleRateIn:   16000,
			SampleRateOut:  24000,
			InputQueueSize: 256,
			TTFBTimeoutSec: 30,
			VADThreshold:   0.02,
			CommitmentPhrases: []string{
				"i'll check", "i will check", "let me verify", "let me check",
				"just a moment", "give me a second", "one moment please",
			},
			FillerPhrases: []string{
				"let me check that for you", "just a moment more",
			},
		},
		Decision: DecisionConfig{
			Provider:      "anthropic",
			Temperature:   0.0,
			MaxTokens:     128,
			TimeoutSec:    5,
			HistoryWindow: 5,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error: defaults + env overrides are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays secret/operational env vars. Env wins over the
// file, matching the ambient convention of never persisting secrets to disk.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("SONIC_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("SONIC_HOST", &c.Gateway.Host)
	if v := os.Getenv("SONIC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	if v := os.Getenv("SONIC_OWNER_IDS"); v != "" {
		c.Gateway.OwnerIDs = strings.Split(v, ",")
	}

	envStr("SONIC_POSTGRES_DSN", &c.Store.PostgresDSN)
	if c.Store.PostgresDSN != "" && c.Store.Backend == "" {
		c.Store.Backend = "postgres"
	}

	envStr("SONIC_TOOLS_BASE_URL", &c.Tools.BaseURL)

	envStr("SONIC_VOICE_ENDPOINT", &c.Voice.Endpoint)
	envStr("SONIC_VOICE_API_KEY", &c.Voice.APIKey)

	envStr("SONIC_DECISION_API_KEY", &c.Decision.APIKey)
	envStr("SONIC_DECISION_PROVIDER", &c.Decision.Provider)
	envStr("SONIC_DECISION_MODEL", &c.Decision.Model)
	envStr("SONIC_DECISION_BASE_URL", &c.Decision.BaseURL)

	envStr("SONIC_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("SONIC_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("SONIC_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("SONIC_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SONIC_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	envStr("SONIC_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("SONIC_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("SONIC_TSNET_DIR", &c.Tailscale.StateDir)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
