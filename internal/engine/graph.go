package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCycle is matched by errors.Is for any *CycleError.
var ErrCycle = errors.New("dependency cycle")

// CycleError reports the agents that could never become eligible.
type CycleError struct {
	Agents []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: cannot schedule %s", strings.Join(e.Agents, ", "))
}

func (e *CycleError) Is(target error) bool {
	return target == ErrCycle
}

// Graph maps an agent to the agents it depends on.
type Graph map[string][]string

// DefaultGraph is the built-in agent dependency graph.
func DefaultGraph() Graph {
	return Graph{
		"master-orchestrator":   {},
		"prompt-engineer":       {},
		"business-analyst":      {"prompt-engineer"},
		"technical-cto":         {"business-analyst"},
		"frontend-architecture": {"technical-specifications"},
		"backend-services":      {"technical-specifications", "database-architecture"},
		"production-frontend":   {"frontend-architecture", "frontend-mockup"},
		"testing-automation":    {"backend-services", "production-frontend"},
		"deployment":            {"testing-automation", "security-architecture"},
	}
}

// Clone returns a deep copy.
func (g Graph) Clone() Graph {
	out := make(Graph, len(g))
	for k, v := range g {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Restrict keeps only the edges whose prerequisite is itself requested.
// Agents unknown to the graph get no dependencies.
func (g Graph) Restrict(requested []string) Graph {
	inRequest := make(map[string]bool, len(requested))
	for _, a := range requested {
		inRequest[a] = true
	}

	out := make(Graph, len(inRequest))
	for a := range inRequest {
		seen := make(map[string]bool)
		deps := []string{}
		for _, d := range g[a] {
			if inRequest[d] && !seen[d] {
				seen[d] = true
				deps = append(deps, d)
			}
		}
		out[a] = deps
	}
	return out
}

// ExecutionPlan is an ordered list of phases.
type ExecutionPlan struct {
	Phases []Phase `json:"phases"`
}

// Phase is a group of agents with no dependencies on each other.
type Phase struct {
	Number   int      `json:"phase"`
	Agents   []string `json:"agents"`
	Parallel bool     `json:"parallel"`
}

// Len returns the number of agents across all phases.
func (p *ExecutionPlan) Len() int {
	n := 0
	for _, ph := range p.Phases {
		n += len(ph.Agents)
	}
	return n
}

// BuildPlan layers the requested agents into phases. Every agent lands in
// the first phase after all of its requested dependencies. It returns a
// *CycleError naming the unschedulable agents if the restricted graph has a
// cycle.
func BuildPlan(g Graph, requested []string) (*ExecutionPlan, error) {
	restricted := g.Restrict(requested)
	plan := &ExecutionPlan{Phases: []Phase{}}
	if len(restricted) == 0 {
		return plan, nil
	}

	// Kahn's algorithm, one frontier per phase.
	dependents := make(map[string][]string)
	inDegree := make(map[string]int, len(restricted))
	for agent, deps := range restricted {
		inDegree[agent] = len(deps)
		for _, d := range deps {
			dependents[d] = append(dependents[d], agent)
		}
	}

	var frontier []string
	for agent, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, agent)
		}
	}

	processed := 0
	for len(frontier) > 0 {
		sort.Strings(frontier)
		plan.Phases = append(plan.Phases, Phase{
			Number:   len(plan.Phases) + 1,
			Agents:   frontier,
			Parallel: true,
		})
		processed += len(frontier)

		var next []string
		for _, agent := range frontier {
			for _, dep := range dependents[agent] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}

	if processed != len(restricted) {
		var stuck []string
		for agent, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, agent)
			}
		}
		sort.Strings(stuck)
		return nil, &CycleError{Agents: stuck}
	}

	return plan, nil
}
