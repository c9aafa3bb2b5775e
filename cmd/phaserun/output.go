package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/devstack/phaserun/internal/engine"
	"github.com/devstack/phaserun/internal/execlog"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	phaseStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))
)

func renderPlan(plan *engine.ExecutionPlan) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("%d agents in %d phases", plan.Len(), len(plan.Phases))))
	sb.WriteString("\n")
	for _, ph := range plan.Phases {
		sb.WriteString(phaseStyle.Render(fmt.Sprintf("Phase %d", ph.Number)))
		sb.WriteString("  ")
		sb.WriteString(strings.Join(ph.Agents, ", "))
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderReport(r *engine.ExecutionReport) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Run " + r.ID))
	sb.WriteString("\n")

	for _, ph := range r.Plan.Phases {
		sb.WriteString(phaseStyle.Render(fmt.Sprintf("Phase %d", ph.Number)))
		sb.WriteString("\n")
		for _, name := range ph.Agents {
			res, ok := r.Results[name]
			switch {
			case !ok:
				sb.WriteString(dimStyle.Render("  - " + name + " (not run)"))
			case res.Success:
				sb.WriteString(successStyle.Render("  ✓ " + name))
				sb.WriteString(dimStyle.Render(fmt.Sprintf("  %.0fms", res.ExecutionTimeMs)))
			default:
				sb.WriteString(failStyle.Render("  ✗ " + name))
				sb.WriteString(dimStyle.Render("  " + res.Error))
			}
			sb.WriteString("\n")
		}
	}

	s := r.Summary
	status := successStyle
	if s.Failed > 0 {
		status = failStyle
	}
	sb.WriteString("\n")
	sb.WriteString(status.Render(fmt.Sprintf("%d/%d succeeded", s.Successful, s.TotalAgents)))
	sb.WriteString(dimStyle.Render(fmt.Sprintf("  avg %.0fms  efficiency %.1f%%  wall %s",
		s.AverageTimeMs, s.ParallelEfficiency, r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond))))
	sb.WriteString("\n")
	return sb.String()
}

// filterRecords keeps records for agent (all when empty) and returns the
// last limit of them, oldest first.
func filterRecords(records []execlog.Record, agent string, limit int) []execlog.Record {
	var out []execlog.Record
	for _, rec := range records {
		if agent == "" || rec.Agent == agent {
			out = append(out, rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func renderRecords(records []execlog.Record) string {
	var sb strings.Builder
	for _, rec := range records {
		ts := dimStyle.Render(rec.Timestamp.Local().Format("2006-01-02 15:04:05"))
		st := successStyle.Render(rec.Status)
		if rec.Status != execlog.StatusSuccess {
			st = failStyle.Render(rec.Status)
		}
		fmt.Fprintf(&sb, "%s  %-24s %s  %.0fms", ts, rec.Agent, st, rec.ExecutionTimeMs)
		if rec.Error != "" {
			sb.WriteString(dimStyle.Render("  " + rec.Error))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderStatus(st engine.Status) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %d\n", titleStyle.Render("workers"), st.MaxWorkers)
	fmt.Fprintf(&sb, "%s %d\n", titleStyle.Render("completed"), st.CompletedCount)
	active := "none"
	if len(st.ActiveExecutions) > 0 {
		active = strings.Join(st.ActiveExecutions, ", ")
	}
	fmt.Fprintf(&sb, "%s %s\n", titleStyle.Render("active"), active)

	names := make([]string, 0, len(st.ResourceLocks))
	for name := range st.ResourceLocks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		state := successStyle.Render("free")
		if st.ResourceLocks[name] {
			state = failStyle.Render("held")
		}
		fmt.Fprintf(&sb, "  %-12s %s\n", name, state)
	}
	return sb.String()
}
