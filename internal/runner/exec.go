package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/devstack/phaserun/internal/engine"
)

const defaultTimeout = 30 * time.Second

// Exec runs agents as scripts from Dir. An agent named foo resolves to an
// executable Dir/foo, or Dir/foo<ext> run through Interpreters[ext]. The
// JSON-encoded context is passed as the only argument.
type Exec struct {
	Dir          string
	Timeout      time.Duration
	Interpreters map[string]string
}

func (e *Exec) resolve(agent string) ([]string, error) {
	if agent == "" || strings.ContainsAny(agent, `/\`) || agent == "." || agent == ".." {
		return nil, fmt.Errorf("invalid agent name %q", agent)
	}

	dir, err := filepath.Abs(e.Dir)
	if err != nil {
		return nil, fmt.Errorf("agents dir: %w", err)
	}

	exts := make([]string, 0, len(e.Interpreters))
	for ext := range e.Interpreters {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	for _, ext := range exts {
		path := filepath.Join(dir, agent+ext)
		if isFile(path) {
			return append(strings.Fields(e.Interpreters[ext]), path), nil
		}
	}

	path := filepath.Join(dir, agent)
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() && info.Mode()&0o111 != 0 {
		return []string{path}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agent)
}

func (e *Exec) Invoke(ctx context.Context, agent string, ec engine.ExecContext) (any, error) {
	argv, err := e.resolve(agent)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(ec)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], append(argv[1:], string(payload))...)
	cmd.Dir = filepath.Dir(argv[len(argv)-1])
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("agent failed (exit %d): %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("agent execution error: %w", err)
	}

	return parseOutput(stdout.Bytes()), nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
