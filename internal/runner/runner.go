// Package runner provides the agent runners the engine delegates to.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/devstack/phaserun/internal/config"
	"github.com/devstack/phaserun/internal/engine"
)

// ErrAgentNotFound means a runner has no implementation for the agent. Auto
// uses it to fall through to the next runner.
var ErrAgentNotFound = errors.New("agent not found")

// ErrTimeout is returned when an agent exceeds the runner's timeout.
var ErrTimeout = errors.New("agent execution timeout")

// parseOutput interprets agent stdout: empty means an empty object, valid
// JSON is decoded, anything else is returned as a trimmed string.
func parseOutput(stdout []byte) any {
	trimmed := strings.TrimSpace(string(stdout))
	if trimmed == "" {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return trimmed
	}
	return v
}

// Auto tries each runner in order and falls back when none of them knows the
// agent.
type Auto struct {
	Runners  []engine.Runner
	Fallback engine.Runner
}

func (a *Auto) Invoke(ctx context.Context, agent string, ec engine.ExecContext) (any, error) {
	for _, r := range a.Runners {
		out, err := r.Invoke(ctx, agent, ec)
		if errors.Is(err, ErrAgentNotFound) {
			continue
		}
		return out, err
	}
	if a.Fallback == nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agent)
	}
	return a.Fallback.Invoke(ctx, agent, ec)
}

// FromConfig builds the runner selected by cfg.Runner.Kind. The returned
// closer releases any client the runner holds.
func FromConfig(cfg *config.Config) (engine.Runner, func() error, error) {
	rc := cfg.Runner
	noop := func() error { return nil }

	simulated := &Simulated{Delay: rc.SimulatedDelay}
	execRunner := &Exec{Dir: rc.AgentsDir, Timeout: rc.Timeout, Interpreters: rc.Interpreters}
	luaRunner := &Lua{Dir: rc.AgentsDir, Timeout: rc.Timeout}

	switch rc.Kind {
	case "simulate", "simulated":
		return simulated, noop, nil
	case "exec":
		return execRunner, noop, nil
	case "lua":
		return luaRunner, noop, nil
	case "docker":
		d, err := NewDocker(rc.Image, rc.Timeout)
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	case "", "auto":
		slog.Debug("auto runner", "agents_dir", rc.AgentsDir)
		return &Auto{
			Runners:  []engine.Runner{luaRunner, execRunner},
			Fallback: simulated,
		}, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown runner kind %q", rc.Kind)
	}
}
