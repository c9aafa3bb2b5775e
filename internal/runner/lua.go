package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/devstack/phaserun/internal/engine"
	lua "github.com/yuin/gopher-lua"
)

// Lua runs Dir/<agent>.lua in a sandboxed state. The script must define a
// global run(ctx) function; its return value is the agent's result and a
// Lua error() fails the agent.
type Lua struct {
	Dir     string
	Timeout time.Duration
}

func (r *Lua) Invoke(ctx context.Context, agent string, ec engine.ExecContext) (any, error) {
	if agent == "" || strings.ContainsAny(agent, `/\`) {
		return nil, fmt.Errorf("invalid agent name %q", agent)
	}
	path := filepath.Join(r.Dir, agent+".lua")
	script, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agent)
		}
		return nil, fmt.Errorf("read script: %w", err)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)
	openSafeLibs(L)
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		slog.Info("agent log", "agent", agent, "message", L.CheckString(1))
		return 0
	}))

	if err := L.DoString(string(script)); err != nil {
		return nil, luaError(ctx, "load script", err)
	}

	fn := L.GetGlobal("run")
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%s.lua must define a run function", agent)
	}

	// Round-trip through JSON so the script sees plain tables.
	raw, err := json.Marshal(ec)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}
	var arg any
	if err := json.Unmarshal(raw, &arg); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, goToLua(L, arg)); err != nil {
		return nil, luaError(ctx, "run", err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	out, err := luaToGo(ret, make(map[*lua.LTable]bool))
	if err != nil {
		return nil, fmt.Errorf("convert result: %w", err)
	}
	return out, nil
}

func luaError(ctx context.Context, stage string, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return ErrTimeout
	}
	return fmt.Errorf("%s: %w", stage, err)
}

// openSafeLibs loads base, table, string and math without file or OS access.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	for _, name := range []string{"loadfile", "dofile", "load", "loadstring", "print"} {
		L.SetGlobal(name, lua.LNil)
	}
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

const maxResultDepth = 64

var errCyclicTable = errors.New("cyclic table in result")

// luaToGo converts a returned value. Tables with only keys 1..n become
// slices, everything else becomes a map keyed by the string form of the key.
// open holds the tables on the current path; a table reached from itself, or
// nesting deeper than maxResultDepth, is rejected.
func luaToGo(v lua.LValue, open map[*lua.LTable]bool) (any, error) {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LNumber:
		return float64(val), nil
	case lua.LString:
		return string(val), nil
	case *lua.LTable:
		if open[val] {
			return nil, errCyclicTable
		}
		if len(open) >= maxResultDepth {
			return nil, fmt.Errorf("result nested deeper than %d tables", maxResultDepth)
		}
		open[val] = true
		defer delete(open, val)

		n := val.MaxN()
		if n > 0 && countKeys(val) == n {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				item, err := luaToGo(val.RawGetInt(i), open)
				if err != nil {
					return nil, err
				}
				out = append(out, item)
			}
			return out, nil
		}
		out := make(map[string]any)
		var err error
		val.ForEach(func(k, item lua.LValue) {
			if err != nil {
				return
			}
			out[k.String()], err = luaToGo(item, open)
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	default:
		return v.String(), nil
	}
}

func countKeys(t *lua.LTable) int {
	n := 0
	t.ForEach(func(lua.LValue, lua.LValue) { n++ })
	return n
}
