package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all reviewer tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("quizlive-integrity", "0.1.0")
	client := NewIntegrityClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetSession, h.HandleGetSession)
	s.AddTool(ToolListSessionEvents, h.HandleListSessionEvents)
	s.AddTool(ToolListUserEvents, h.HandleListUserEvents)
	s.AddTool(ToolGetUserRisk, h.HandleGetUserRisk)
	s.AddTool(ToolGetIntegrityReport, h.HandleGetIntegrityReport)
	s.AddTool(ToolAcknowledgeEvent, h.HandleAcknowledgeEvent)

	return s
}
