// Package mcp exposes the tool registry to MCP clients (Claude
// Desktop, editors) over stdio or SSE, using mark3labs/mcp-go. The
// bridge serves the same Tool interface the LLM runtime consumes.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/chozzz/vargos/internal/tools"
)

// Bridge serves one registry over MCP.
type Bridge struct {
	registry *tools.Registry
	srv      *server.MCPServer
}

// NewBridge builds the MCP server and mirrors every registered tool
// into it.
func NewBridge(registry *tools.Registry, version string) *Bridge {
	srv := server.NewMCPServer("vargos", version)
	b := &Bridge{registry: registry, srv: srv}

	for _, name := range registry.Names() {
		desc, err := registry.Describe(name)
		if err != nil {
			continue
		}
		schema, _ := json.Marshal(desc["parameters"])
		description, _ := desc["description"].(string)

		tool := mcp.NewToolWithRawSchema(name, description, schema)
		toolName := name
		srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return b.call(ctx, toolName, req)
		})
	}
	return b
}

func (b *Bridge) call(ctx context.Context, name string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := b.registry.Execute(ctx, name, req.GetArguments())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if result.IsError {
		return mcp.NewToolResultError(result.Text()), nil
	}
	return mcp.NewToolResultText(result.Text()), nil
}

// ServeStdio blocks serving the stdio transport.
func (b *Bridge) ServeStdio() error {
	slog.Info("mcp bridge serving on stdio")
	return server.ServeStdio(b.srv)
}

// ServeSSE serves the SSE transport on host:port until ctx ends.
func (b *Bridge) ServeSSE(ctx context.Context, host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	sse := server.NewSSEServer(b.srv)
	slog.Info("mcp bridge serving sse", "addr", addr)

	errCh := make(chan error, 1)
	go func() { errCh <- sse.Start(addr) }()

	select {
	case <-ctx.Done():
		shutdownCtx := context.Background()
		return sse.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
