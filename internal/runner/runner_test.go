package runner

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devstack/phaserun/internal/config"
	"github.com/devstack/phaserun/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, name, body string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), mode))
}

func shExec(dir string) *Exec {
	return &Exec{Dir: dir, Timeout: 5 * time.Second, Interpreters: map[string]string{".sh": "sh"}}
}

func TestParseOutput(t *testing.T) {
	assert.Equal(t, map[string]any{}, parseOutput(nil))
	assert.Equal(t, map[string]any{}, parseOutput([]byte("  \n")))
	assert.Equal(t, map[string]any{"ok": true}, parseOutput([]byte(`{"ok": true}`)))
	assert.Equal(t, "plain text", parseOutput([]byte("plain text\n")))
}

func TestSimulated(t *testing.T) {
	s := &Simulated{Delay: 10 * time.Millisecond}
	ec := engine.NewExecContext(map[string]any{"k": "v"})

	out, err := s.Invoke(context.Background(), "prompt-engineer", ec)
	require.NoError(t, err)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "prompt-engineer", m["agent"])
	assert.Equal(t, "simulated", m["status"])
	assert.Equal(t, map[string]any{"k": "v", "previous_phase_results": 0}, m["context_received"])
}

func TestSimulated_ContextStaysBounded(t *testing.T) {
	g := engine.Graph{}
	var agents []string
	for phase := 0; phase < 6; phase++ {
		for i := 0; i < 5; i++ {
			name := fmt.Sprintf("p%d-%d", phase, i)
			var deps []string
			if phase > 0 {
				for j := 0; j < 5; j++ {
					deps = append(deps, fmt.Sprintf("p%d-%d", phase-1, j))
				}
			}
			g[name] = deps
			agents = append(agents, name)
		}
	}

	eng := engine.New(&Simulated{}, engine.Options{MaxWorkers: 4, Graph: g})
	report, err := eng.RunWithDependencies(context.Background(), agents, map[string]any{"project": "demo"})
	require.NoError(t, err)
	require.Len(t, report.Plan.Phases, 6)
	assert.Equal(t, 30, report.Summary.Successful)

	last := report.Results["p5-0"].Result.(map[string]any)["context_received"]
	assert.Equal(t, map[string]any{"project": "demo", "previous_phase_results": 5}, last)

	raw, err := json.Marshal(report)
	require.NoError(t, err)
	assert.Less(t, len(raw), 64*1024)
}

func TestSimulated_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&Simulated{Delay: time.Second}).Invoke(ctx, "a", engine.ExecContext{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExec_JSONOutputAndContext(t *testing.T) {
	dir := t.TempDir()
	// Echo the context argument back as the result.
	writeScript(t, dir, "echo.sh", `printf '%s' "$1"`, 0o644)

	out, err := shExec(dir).Invoke(context.Background(), "echo", engine.NewExecContext(map[string]any{"project": "demo"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"project": "demo"}, out)
}

func TestExec_EmptyAndPlainOutput(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "quiet.sh", `exit 0`, 0o644)
	writeScript(t, dir, "chatty.sh", `echo hello`, 0o644)
	r := shExec(dir)

	out, err := r.Invoke(context.Background(), "quiet", engine.ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, out)

	out, err = r.Invoke(context.Background(), "chatty", engine.ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestExec_NonZeroExit(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "broken.sh", `echo "bad input" >&2; exit 3`, 0o644)

	_, err := shExec(dir).Invoke(context.Background(), "broken", engine.ExecContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit 3")
	assert.Contains(t, err.Error(), "bad input")
}

func TestExec_Timeout(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "slow.sh", `exec sleep 5`, 0o644)
	r := shExec(dir)
	r.Timeout = 100 * time.Millisecond

	start := time.Now()
	_, err := r.Invoke(context.Background(), "slow", engine.ExecContext{})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExec_DirectExecutable(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "tool", "#!/bin/sh\necho '[1,2]'\n", 0o755)

	out, err := shExec(dir).Invoke(context.Background(), "tool", engine.ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, out)
}

func TestExec_NotFound(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "not-executable", "echo hi", 0o644)
	r := shExec(dir)

	_, err := r.Invoke(context.Background(), "missing", engine.ExecContext{})
	assert.ErrorIs(t, err, ErrAgentNotFound)

	_, err = r.Invoke(context.Background(), "not-executable", engine.ExecContext{})
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestExec_RejectsPathTraversal(t *testing.T) {
	_, err := shExec(t.TempDir()).Invoke(context.Background(), "../etc/passwd", engine.ExecContext{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAgentNotFound)
}

func TestLua_ReturnsTable(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "planner.lua", `
function run(ctx)
  local prev = ctx.previous_phase_results or {}
  return { project = ctx.project, seen = #prev, tags = {"a", "b"} }
end
`, 0o644)

	ec := engine.NewExecContext(map[string]any{"project": "demo"})
	out, err := (&Lua{Dir: dir}).Invoke(context.Background(), "planner", ec)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"project": "demo",
		"seen":    float64(0),
		"tags":    []any{"a", "b"},
	}, out)
}

func TestLua_CyclicReturnFails(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "loop.lua", `
function run(ctx)
  local t = {}
  t.self = t
  return t
end
`, 0o644)
	writeScript(t, dir, "deep.lua", `
function run(ctx)
  local t = {}
  for i = 1, 200 do t = {child = t} end
  return t
end
`, 0o644)
	writeScript(t, dir, "shared.lua", `
function run(ctx)
  local leaf = {n = 1}
  return {a = leaf, b = leaf}
end
`, 0o644)

	r := &Lua{Dir: dir}
	_, err := r.Invoke(context.Background(), "loop", engine.ExecContext{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errCyclicTable)

	_, err = r.Invoke(context.Background(), "deep", engine.ExecContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nested deeper")

	out, err := r.Invoke(context.Background(), "shared", engine.ExecContext{})
	require.NoError(t, err)
	leaf := map[string]any{"n": float64(1)}
	assert.Equal(t, map[string]any{"a": leaf, "b": leaf}, out)
}

func TestLua_CyclicReturnIsolatedInPhase(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "cyc.lua", `function run(ctx) local t = {} t.self = t return t end`, 0o644)
	writeScript(t, dir, "other.lua", `function run(ctx) return {ok = true} end`, 0o644)

	eng := engine.New(&Lua{Dir: dir}, engine.Options{MaxWorkers: 2})
	results := eng.RunPhase(context.Background(), []string{"cyc", "other"}, engine.ExecContext{})
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "cyclic table")
	assert.True(t, results[1].Success)
	assert.Equal(t, map[string]any{"ok": true}, results[1].Result)
}

func TestLua_ErrorFails(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "angry.lua", `function run(ctx) error("refusing") end`, 0o644)

	_, err := (&Lua{Dir: dir}).Invoke(context.Background(), "angry", engine.ExecContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing")
}

func TestLua_Sandboxed(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "escape.lua", `function run(ctx) return os.getenv("HOME") end`, 0o644)

	_, err := (&Lua{Dir: dir}).Invoke(context.Background(), "escape", engine.ExecContext{})
	assert.Error(t, err)
}

func TestLua_MissingRunFunction(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "empty.lua", `x = 1`, 0o644)

	_, err := (&Lua{Dir: dir}).Invoke(context.Background(), "empty", engine.ExecContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run function")
}

func TestLua_Timeout(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "spin.lua", `function run(ctx) while true do end end`, 0o644)

	_, err := (&Lua{Dir: dir, Timeout: 100 * time.Millisecond}).Invoke(context.Background(), "spin", engine.ExecContext{})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestLua_NotFound(t *testing.T) {
	_, err := (&Lua{Dir: t.TempDir()}).Invoke(context.Background(), "ghost", engine.ExecContext{})
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestAuto_FallsThrough(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "lint.sh", `echo '{"from":"exec"}'`, 0o644)
	writeScript(t, dir, "format.lua", `function run(ctx) return {from = "lua"} end`, 0o644)

	a := &Auto{
		Runners:  []engine.Runner{&Lua{Dir: dir}, shExec(dir)},
		Fallback: &Simulated{},
	}

	out, err := a.Invoke(context.Background(), "lint", engine.ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"from": "exec"}, out)

	out, err = a.Invoke(context.Background(), "format", engine.ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"from": "lua"}, out)

	out, err = a.Invoke(context.Background(), "deploy", engine.ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, "simulated", out.(map[string]any)["status"])
}

func TestAuto_NoFallback(t *testing.T) {
	a := &Auto{Runners: []engine.Runner{&Lua{Dir: t.TempDir()}}}
	_, err := a.Invoke(context.Background(), "ghost", engine.ExecContext{})
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestAuto_RealErrorsStop(t *testing.T) {
	boom := errors.New("boom")
	a := &Auto{
		Runners: []engine.Runner{engine.RunnerFunc(func(context.Context, string, engine.ExecContext) (any, error) {
			return nil, boom
		})},
		Fallback: &Simulated{},
	}
	_, err := a.Invoke(context.Background(), "x", engine.ExecContext{})
	assert.ErrorIs(t, err, boom)
}

func TestFromConfig(t *testing.T) {
	cfg := &config.Config{}
	for kind, want := range map[string]any{
		"":         &Auto{},
		"auto":     &Auto{},
		"exec":     &Exec{},
		"lua":      &Lua{},
		"simulate": &Simulated{},
	} {
		cfg.Runner.Kind = kind
		r, closeFn, err := FromConfig(cfg)
		require.NoError(t, err, kind)
		assert.IsType(t, want, r, kind)
		assert.NoError(t, closeFn())
	}

	cfg.Runner.Kind = "carrier-pigeon"
	_, _, err := FromConfig(cfg)
	assert.Error(t, err)
}

func TestExitResult(t *testing.T) {
	out, err := exitResult("a", 0, []byte(`{"x":1}`), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": float64(1)}, out)

	_, err = exitResult("a", exitNotFound, nil, nil)
	assert.ErrorIs(t, err, ErrAgentNotFound)

	_, err = exitResult("a", 2, nil, []byte("oops\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops")
}

func TestContextArchive(t *testing.T) {
	r, err := contextArchive([]byte(`{"a":1}`))
	require.NoError(t, err)

	tr := tar.NewReader(r)
	found := false
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Name == "phaserun/context.json" {
			data, err := io.ReadAll(tr)
			require.NoError(t, err)
			assert.JSONEq(t, `{"a":1}`, string(data))
			found = true
		}
	}
	assert.True(t, found, "context.json missing from archive")
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "db-migrate", sanitizeName("db-migrate"))
	assert.Equal(t, "a-b-c", sanitizeName("a/b c"))
}
