package toolclient

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/sonic/internal/config"
)

// MCPServer exposes the same tool catalog the voice model uses (GET
// /tools/list, POST /tools/execute) over the Model Context Protocol, so
// external MCP-aware reasoning clients can call the identical tool set.
// This is a server-side use of mark3labs/mcp-go (the teacher only used its
// client package to connect outward to third-party MCP servers — see
// DESIGN.md).
type MCPServer struct {
	client *Client
	srv    *server.MCPServer
}

// NewMCPServer builds an MCP server backed by client, registering every
// tool returned by client.List at construction time.
func NewMCPServer(ctx context.Context, client *Client, cfg config.MCPConfig) (*MCPServer, error) {
	s := server.NewMCPServer("sonic-tools", "1.0.0")

	tools, err := client.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tools {
		tool := mcp.NewTool(t.Name, mcp.WithDescription(t.Description))
		toolName := t.Name
		s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			input := map[string]any{}
			if args, ok := req.Params.Arguments.(map[string]any); ok {
				input = args
			}
			result, err := client.Execute(ctx, toolName, input)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			raw, _ := json.Marshal(result)
			return mcp.NewToolResultText(string(raw)), nil
		})
	}

	slog.Info("mcp tool server initialized", "tools", len(tools))
	return &MCPServer{client: client, srv: s}, nil
}

// ServeStdio runs the MCP server over stdio, matching mcp-go's standard
// standalone transport.
func (m *MCPServer) ServeStdio() error {
	return server.ServeStdio(m.srv)
}
