package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/devstack/phaserun/internal/config"
	"github.com/devstack/phaserun/internal/engine"
	"github.com/devstack/phaserun/internal/execlog"
	"github.com/devstack/phaserun/internal/runner"
)

// engineSetup is what every engine-backed command needs.
type engineSetup struct {
	engine  *engine.Engine
	runner  engine.Runner
	logFile *execlog.File
	close   func() error
}

// newEngine builds the engine from cfg. extra sinks receive every record in
// addition to the log file.
func newEngine(cfg *config.Config, events engine.Events, onComplete func(*engine.ExecutionReport), extra ...execlog.Sink) (*engineSetup, error) {
	run, closeRunner, err := runner.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("init runner: %w", err)
	}

	logFile := execlog.NewFile(cfg.Engine.LogPath, cfg.Engine.LogMaxSize)
	var sink execlog.Sink = logFile
	if len(extra) > 0 {
		sink = execlog.Multi(append([]execlog.Sink{logFile}, extra...)...)
	}

	eng := engine.New(run, engine.Options{
		MaxWorkers:     cfg.Engine.MaxWorkers,
		Graph:          engine.Graph(cfg.Dependencies()),
		Resources:      cfg.Engine.Resources,
		AgentResources: cfg.AgentResources(),
		LockTimeout:    cfg.Engine.LockTimeout,
		Log:            sink,
		Events:         events,
		OnComplete:     onComplete,
	})
	return &engineSetup{engine: eng, runner: run, logFile: logFile, close: closeRunner}, nil
}

// parseAgents accepts agents as separate arguments or comma-separated lists.
func parseAgents(args []string) []string {
	var agents []string
	for _, a := range args {
		for _, part := range strings.Split(a, ",") {
			if part = strings.TrimSpace(part); part != "" {
				agents = append(agents, part)
			}
		}
	}
	return agents
}

func parseContext(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var values map[string]any
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("--context must be a JSON object: %w", err)
	}
	return values, nil
}
