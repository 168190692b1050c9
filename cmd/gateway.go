package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/sonic/internal/config"
	"github.com/nextlevelbuilder/sonic/internal/decision"
	"github.com/nextlevelbuilder/sonic/internal/gateway"
	"github.com/nextlevelbuilder/sonic/internal/llm"
	"github.com/nextlevelbuilder/sonic/internal/model"
	"github.com/nextlevelbuilder/sonic/internal/persona"
	"github.com/nextlevelbuilder/sonic/internal/registry"
	"github.com/nextlevelbuilder/sonic/internal/store"
	"github.com/nextlevelbuilder/sonic/internal/store/postgres"
	"github.com/nextlevelbuilder/sonic/internal/toolclient"
	"github.com/nextlevelbuilder/sonic/internal/tracing"
	"github.com/nextlevelbuilder/sonic/pkg/protocol"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	tracer, shutdownTracing := tracing.New(cfg.Telemetry)
	defer shutdownTracing(context.Background())

	sessions, closeStore := newSessionStore(cfg.Store)
	if closeStore != nil {
		defer closeStore()
	}

	reg := registry.New()
	personaLoader := persona.New(cfg.Agents.Dirs.PersonasDir, cfg.Agents.Dirs.PromptsDir, cfg.Agents.Dirs.WorkflowsDir)
	registerAgentsFromDisk(reg, personaLoader, cfg.Agents.Dirs.PersonasDir)

	tools := toolclient.New(cfg.Tools).WithTracer(tracer)

	var mcpSrv *toolclient.MCPServer
	if cfg.Tools.MCP.Enabled {
		mcpSrv, err = toolclient.NewMCPServer(context.Background(), tools, cfg.Tools.MCP)
		if err != nil {
			slog.Warn("mcp server init failed", "error", err)
		} else {
			go func() {
				if err := mcpSrv.ServeStdio(); err != nil {
					slog.Warn("mcp server exited", "error", err)
				}
			}()
		}
	}

	provider := newDecisionProvider(cfg.Decision)
	eval := decision.New(provider,
		decision.WithModel(cfg.Decision.Model),
		decision.WithTemperature(cfg.Decision.Temperature),
		decision.WithMaxTokens(cfg.Decision.MaxTokens),
		decision.WithTimeout(time.Duration(cfg.Decision.TimeoutSec)*time.Second),
		decision.WithHistoryWindow(cfg.Decision.HistoryWindow),
		decision.WithTracer(tracer),
	)

	server := gateway.NewServer(cfg, gateway.Deps{
		Registry: reg,
		Sessions: sessions,
		Personas: personaLoader,
		Tools:    tools,
		Decision: eval,
		Tracer:   tracer,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Secondary tsnet listener: build the mux first, then pass it to
	// initTailscale so the same routes are served on both the main
	// listener and the tailnet. Compiled via `go build -tags tsnet`.
	mux := server.BuildMux()
	tsCleanup := initTailscale(ctx, cfg, mux)
	if tsCleanup != nil {
		defer tsCleanup()
	}

	// Watch the persona/prompt/workflow directories and hot-push prompt
	// changes into every live session's AgentSession (§4.4), rather than
	// requiring a reconnect to pick up an edited persona.
	dirs := []string{cfg.Agents.Dirs.PersonasDir, cfg.Agents.Dirs.PromptsDir, cfg.Agents.Dirs.WorkflowsDir}
	watcher, err := config.NewDirWatcher(dirs, func(path string) {
		slog.Info("persona directory changed, reloading live sessions", "path", path)
		server.ReloadLivePersonas()
	})
	if err != nil {
		slog.Warn("persona directory watch disabled", "error", err)
	} else {
		go watcher.Run(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		cancel()
	}()

	slog.Info("sonic gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"addr", cfg.Gateway.Host, "port", cfg.Gateway.Port,
		"agents", len(reg.List()),
	)

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

// newSessionStore builds the Session Store backend named by cfg.Backend
// (§4.1/§6.5): "postgres" requires cfg.PostgresDSN (env-only), anything
// else falls back to the in-memory store.
func newSessionStore(cfg config.StoreConfig) (store.SessionStore, func()) {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}

	if cfg.Backend == "postgres" && cfg.PostgresDSN != "" {
		pgStore, err := postgres.Open(cfg.PostgresDSN, ttl)
		if err != nil {
			slog.Error("failed to open postgres session store, falling back to memory", "error", err)
		} else {
			return pgStore, func() { pgStore.Close() }
		}
	}

	mem := store.NewMemoryStore(ttl, cfg.SweepCron)
	return mem, func() { mem.Close() }
}

// registerAgentsFromDisk loads every <agentId>.json in personasDir and
// registers it in the Agent Registry, healthy from startup (§4.2): its
// capabilities are its own id plus every workflow id it serves (§3).
func registerAgentsFromDisk(reg *registry.Registry, loader *persona.Loader, personasDir string) {
	entries, err := os.ReadDir(personasDir)
	if err != nil {
		slog.Warn("no personas directory found", "dir", personasDir, "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		agentID := strings.TrimSuffix(e.Name(), ".json")
		loaded, err := loader.Load(agentID)
		if err != nil {
			slog.Warn("skipping persona, failed to load", "agent", agentID, "error", err)
			continue
		}
		capabilities := append([]string{agentID}, loaded.Persona.Workflows...)
		reg.Register(model.AgentInfo{
			AgentID:       agentID,
			Status:        model.AgentHealthy,
			Capabilities:  capabilities,
			LastHeartbeat: time.Now(),
			RegisteredAt:  time.Now(),
		})
		slog.Info("registered agent", "agent", agentID, "capabilities", capabilities)
	}
}

// newDecisionProvider picks the reasoning LLM named by cfg.Provider (§4.6).
func newDecisionProvider(cfg config.DecisionConfig) llm.Provider {
	if cfg.Provider == "openai" {
		return llm.NewOpenAIProvider(cfg.APIKey, cfg.BaseURL, cfg.Model)
	}
	return llm.NewAnthropicProvider(cfg.APIKey, cfg.BaseURL, cfg.Model)
}
