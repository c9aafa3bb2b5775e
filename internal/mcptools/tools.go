package mcptools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/devstack/phaserun/internal/engine"
	"github.com/mark3labs/mcp-go/mcp"
)

// PlanTool handles the plan_agents MCP tool.
type PlanTool struct {
	engine *engine.Engine
}

func NewPlanTool(eng *engine.Engine) *PlanTool {
	return &PlanTool{engine: eng}
}

func (t *PlanTool) Definition() mcp.Tool {
	return mcp.NewTool("plan_agents",
		mcp.WithDescription("Show the phases the given agents would run in, without running them."),
		mcp.WithString("agents",
			mcp.Required(),
			mcp.Description("Comma-separated agent names (e.g. 'compile, build, test')"),
		),
	)
}

func (t *PlanTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agents := agentsArg(req)
	if len(agents) == 0 {
		return mcp.NewToolResultError("'agents' is required"), nil
	}

	plan, err := t.engine.BuildPlan(agents)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Execution Plan\n\n%d agents in %d phases\n\n", plan.Len(), len(plan.Phases))
	formatPlan(&sb, plan)
	return mcp.NewToolResultText(sb.String()), nil
}

// RunTool handles the run_agents MCP tool.
type RunTool struct {
	engine *engine.Engine
}

func NewRunTool(eng *engine.Engine) *RunTool {
	return &RunTool{engine: eng}
}

func (t *RunTool) Definition() mcp.Tool {
	return mcp.NewTool("run_agents",
		mcp.WithDescription(
			"Run agents in dependency order. Independent agents in the same phase run in parallel; "+
				"a failed agent does not stop later phases.",
		),
		mcp.WithString("agents",
			mcp.Required(),
			mcp.Description("Comma-separated agent names"),
		),
		mcp.WithString("context",
			mcp.Description("Optional JSON object passed to every agent"),
		),
	)
}

func (t *RunTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agents := agentsArg(req)
	if len(agents) == 0 {
		return mcp.NewToolResultError("'agents' is required"), nil
	}
	values, err := contextArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	report, err := t.engine.RunWithDependencies(ctx, agents, values)
	if report == nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Run %s\n\n", report.ID)
	if err != nil {
		fmt.Fprintf(&sb, "**Interrupted**: %v\n\n", err)
	}
	formatPlan(&sb, report.Plan)

	sm := report.Summary
	fmt.Fprintf(&sb, "\n- **Succeeded**: %d/%d\n", sm.Successful, sm.TotalAgents)
	fmt.Fprintf(&sb, "- **Average time**: %.1fms\n", sm.AverageTimeMs)
	fmt.Fprintf(&sb, "- **Parallel efficiency**: %.1f%%\n", sm.ParallelEfficiency)

	if sm.Failed > 0 {
		sb.WriteString("\n### Failures\n\n")
		for _, name := range report.Order {
			if r := report.Results[name]; !r.Success {
				fmt.Fprintf(&sb, "- **%s**: %s\n", name, r.Error)
			}
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// StatusTool handles the engine_status MCP tool.
type StatusTool struct {
	engine *engine.Engine
}

func NewStatusTool(eng *engine.Engine) *StatusTool {
	return &StatusTool{engine: eng}
}

func (t *StatusTool) Definition() mcp.Tool {
	return mcp.NewTool("engine_status",
		mcp.WithDescription("Show active agents, completed executions, worker count, and resource lock states."),
	)
}

func (t *StatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st := t.engine.Status()

	var sb strings.Builder
	sb.WriteString("## Engine Status\n\n")
	fmt.Fprintf(&sb, "- **Workers**: %d\n", st.MaxWorkers)
	fmt.Fprintf(&sb, "- **Completed**: %d\n", st.CompletedCount)
	if len(st.ActiveExecutions) > 0 {
		fmt.Fprintf(&sb, "- **Active**: %s\n", strings.Join(st.ActiveExecutions, ", "))
	} else {
		sb.WriteString("- **Active**: none\n")
	}

	names := make([]string, 0, len(st.ResourceLocks))
	for name := range st.ResourceLocks {
		names = append(names, name)
	}
	sort.Strings(names)
	sb.WriteString("\n### Resource Locks\n\n")
	for _, name := range names {
		state := "free"
		if st.ResourceLocks[name] {
			state = "held"
		}
		fmt.Fprintf(&sb, "- %s: %s\n", name, state)
	}
	return mcp.NewToolResultText(sb.String()), nil
}
