package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Mosyne tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("mosyne", "1.0.0")
	client := NewMosyneClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCheckAddress, h.HandleCheckAddress)
	s.AddTool(ToolEvaluateTransaction, h.HandleEvaluateTransaction)
	s.AddTool(ToolListPermissions, h.HandleListPermissions)
	s.AddTool(ToolGetWalletPatterns, h.HandleGetWalletPatterns)
	s.AddTool(ToolGetMemoryStats, h.HandleGetMemoryStats)

	return s
}
