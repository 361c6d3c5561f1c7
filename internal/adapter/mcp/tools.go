package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.listProtocolsTool(),
		s.getProtocolTool(),
		s.listStepRunsTool(),
		s.getEventsTool(),
		s.listClarificationsTool(),
	)
}

func (s *Server) listProtocolsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_protocols",
		mcplib.WithDescription("List protocol runs for a project"),
		mcplib.WithString("project_id",
			mcplib.Required(),
			mcplib.Description("The project whose protocol runs to list"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleListProtocols,
	}
}

func (s *Server) getProtocolTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_protocol",
		mcplib.WithDescription("Get the current state of a protocol run by ID"),
		mcplib.WithString("protocol_id",
			mcplib.Required(),
			mcplib.Description("The protocol run ID to look up"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleGetProtocol,
	}
}

func (s *Server) listStepRunsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_step_runs",
		mcplib.WithDescription("List the step runs of a protocol's active spec"),
		mcplib.WithString("protocol_id",
			mcplib.Required(),
			mcplib.Description("The protocol run ID whose steps to list"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleListStepRuns,
	}
}

func (s *Server) getEventsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_protocol_events",
		mcplib.WithDescription("Read a protocol's event journal, optionally after a sequence number"),
		mcplib.WithString("protocol_id",
			mcplib.Required(),
			mcplib.Description("The protocol run ID whose journal to read"),
		),
		mcplib.WithNumber("since_seq",
			mcplib.Description("Return only events with a sequence number greater than this"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleGetEvents,
	}
}

func (s *Server) listClarificationsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_clarifications",
		mcplib.WithDescription("List open clarifications that apply to a protocol run"),
		mcplib.WithString("protocol_id",
			mcplib.Required(),
			mcplib.Description("The protocol run ID to check for open clarifications"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleListClarifications,
	}
}

func (s *Server) handleListProtocols(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Protocols == nil {
		return mcplib.NewToolResultError("protocol reader not configured"), nil
	}
	args := req.GetArguments()
	projectID, ok := args["project_id"].(string)
	if !ok || projectID == "" {
		return mcplib.NewToolResultError("project_id is required"), nil
	}
	runs, err := s.deps.Protocols.ListProtocols(ctx, projectID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to list protocols", err), nil
	}
	data, err := json.Marshal(runs)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal protocols", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleGetProtocol(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Protocols == nil {
		return mcplib.NewToolResultError("protocol reader not configured"), nil
	}
	args := req.GetArguments()
	protocolID, ok := args["protocol_id"].(string)
	if !ok || protocolID == "" {
		return mcplib.NewToolResultError("protocol_id is required"), nil
	}
	p, err := s.deps.Protocols.GetProtocol(ctx, protocolID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to get protocol %s", protocolID), err,
		), nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal protocol", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleListStepRuns(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Steps == nil {
		return mcplib.NewToolResultError("step reader not configured"), nil
	}
	args := req.GetArguments()
	protocolID, ok := args["protocol_id"].(string)
	if !ok || protocolID == "" {
		return mcplib.NewToolResultError("protocol_id is required"), nil
	}
	runs, err := s.deps.Steps.ListStepRuns(ctx, protocolID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to list step runs for %s", protocolID), err,
		), nil
	}
	data, err := json.Marshal(runs)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal step runs", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleGetEvents(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Events == nil {
		return mcplib.NewToolResultError("event reader not configured"), nil
	}
	args := req.GetArguments()
	protocolID, ok := args["protocol_id"].(string)
	if !ok || protocolID == "" {
		return mcplib.NewToolResultError("protocol_id is required"), nil
	}
	var sinceSeq int64
	if v, ok := args["since_seq"].(float64); ok {
		sinceSeq = int64(v)
	}
	events, err := s.deps.Events.Events(ctx, protocolID, sinceSeq)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to read events for %s", protocolID), err,
		), nil
	}
	data, err := json.Marshal(events)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal events", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleListClarifications(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Clarifications == nil {
		return mcplib.NewToolResultError("clarification reader not configured"), nil
	}
	args := req.GetArguments()
	protocolID, ok := args["protocol_id"].(string)
	if !ok || protocolID == "" {
		return mcplib.NewToolResultError("protocol_id is required"), nil
	}
	open, err := s.deps.Clarifications.OpenClarifications(ctx, protocolID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to list clarifications for %s", protocolID), err,
		), nil
	}
	data, err := json.Marshal(open)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal clarifications", err), nil
	}
	return toolResultJSON(string(data)), nil
}
