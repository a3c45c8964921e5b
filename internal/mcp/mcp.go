// Package mcp implements the Model Context Protocol server for the span
// ledger.
//
// Agents reach the same operations as the CLI: booting a function, ingesting
// spans and reading the timeline. Every call acts as the session identity the
// ledger was opened with.
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/spanledger/internal/bootstrap"
	"github.com/ashita-ai/spanledger/internal/ledger"
	"github.com/ashita-ai/spanledger/internal/manifest"
)

// Server wraps the MCP server with the ledger and boot loader.
type Server struct {
	mcpServer *mcpserver.MCPServer
	ledger    *ledger.Ledger
	loader    *bootstrap.Loader
	manifests *manifest.Resolver
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(l *ledger.Ledger, loader *bootstrap.Loader, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		ledger:    l,
		loader:    loader,
		manifests: manifest.NewResolver(l, logger),
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"spanledger",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio serves the protocol on stdin/stdout until the client goes away.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func textResult(data []byte) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}
