// Package mcptools exposes the engine as MCP tools.
//
// Each tool follows the same shape:
// - a struct holding the engine, injected via constructor
// - Definition() returns the mcp.Tool schema
// - Handle() processes the request and returns a result
package mcptools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/devstack/phaserun/internal/engine"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const serverName = "phaserun"

// NewServer builds an MCP server with every engine tool registered.
func NewServer(eng *engine.Engine, version string) *server.MCPServer {
	s := server.NewMCPServer(
		serverName,
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	plan := NewPlanTool(eng)
	s.AddTool(plan.Definition(), plan.Handle)

	run := NewRunTool(eng)
	s.AddTool(run.Definition(), run.Handle)

	status := NewStatusTool(eng)
	s.AddTool(status.Definition(), status.Handle)

	return s
}

const instructions = `phaserun executes agents in dependency order, running independent agents in parallel.
Call plan_agents to preview the phases, run_agents to execute them, and engine_status to inspect workers and resource locks.`

// agentsArg splits a comma or whitespace separated agent list.
func agentsArg(req mcp.CallToolRequest) []string {
	raw := req.GetString("agents", "")
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	return fields
}

// contextArg decodes the optional JSON object passed as context.
func contextArg(req mcp.CallToolRequest) (map[string]any, error) {
	raw := strings.TrimSpace(req.GetString("context", ""))
	if raw == "" {
		return nil, nil
	}
	var values map[string]any
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("context must be a JSON object: %w", err)
	}
	return values, nil
}

func formatPlan(sb *strings.Builder, plan *engine.ExecutionPlan) {
	for _, ph := range plan.Phases {
		fmt.Fprintf(sb, "- **Phase %d**: %s\n", ph.Number, strings.Join(ph.Agents, ", "))
	}
}
