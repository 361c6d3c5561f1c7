package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"maestro://protocols",
			"Protocol Runs",
			mcplib.WithResourceDescription("Protocol runs across all projects, grouped by project"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleProtocolsResource,
	)
}

func (s *Server) handleProtocolsResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Protocols == nil {
		return []mcplib.ResourceContents{
			mcplib.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     `{"error":"protocol reader not configured"}`,
			},
		}, nil
	}
	// An empty project id lists across projects.
	runs, err := s.deps.Protocols.ListProtocols(ctx, "")
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(runs)
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
