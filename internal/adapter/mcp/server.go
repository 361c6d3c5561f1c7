// Package mcp exposes read-only orchestration state over the Model Context
// Protocol so agents and IDE integrations can inspect protocol runs, step
// runs, and the event journal without going through the REST API.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/Maestro/internal/domain/clarify"
	"github.com/Strob0t/Maestro/internal/domain/event"
	"github.com/Strob0t/Maestro/internal/domain/protocol"
	"github.com/Strob0t/Maestro/internal/domain/step"
)

// ProtocolReader reads protocol runs. The orchestrator satisfies it.
type ProtocolReader interface {
	GetProtocol(ctx context.Context, protocolID string) (*protocol.Run, error)
	ListProtocols(ctx context.Context, projectID string) ([]*protocol.Run, error)
}

// StepReader reads step runs for a protocol.
type StepReader interface {
	ListStepRuns(ctx context.Context, protocolID string) ([]*step.Run, error)
}

// EventReader reads the protocol event journal.
type EventReader interface {
	Events(ctx context.Context, protocolID string, sinceSeq int64) ([]event.Event, error)
}

// ClarificationReader reads open clarifications applicable to a protocol.
type ClarificationReader interface {
	OpenClarifications(ctx context.Context, protocolID string) ([]*clarify.Clarification, error)
}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string

	// APIKey guards the HTTP transport. Empty disables authentication.
	APIKey string
}

// ServerDeps holds the narrow read interfaces the tools query. Nil fields
// disable the corresponding tools with an error result instead of panicking.
type ServerDeps struct {
	Protocols      ProtocolReader
	Steps          StepReader
	Events         EventReader
	Clarifications ClarificationReader
}

// Server wraps an MCP server exposing Maestro's query surface.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer
	httpSrv   *http.Server
}

// NewServer creates the MCP server and registers all tools and resources.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithResourceCapabilities(false, false),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer exposes the underlying server for transport wiring and tests.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Start serves MCP over streamable HTTP on the configured address. It returns
// immediately; serving errors are logged from the serving goroutine.
func (s *Server) Start() error {
	transport := mcpserver.NewStreamableHTTPServer(s.mcpServer)
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           AuthMiddleware(s.cfg.APIKey, transport),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("mcp server listening", "addr", s.cfg.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mcp server stopped", "error", err)
		}
	}()
	return nil
}

// Stop shuts the HTTP transport down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// toolResultJSON wraps a JSON payload as a successful tool result.
func toolResultJSON(data string) *mcplib.CallToolResult {
	return mcplib.NewToolResultText(data)
}
