package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devstack/phaserun/internal/execlog"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	minWorkers         = 2
	maxWorkers         = 8
	defaultLockTimeout = 5 * time.Second
)

// OptimalWorkers returns 75% of cpus clamped to [2, 8].
func OptimalWorkers(cpus int) int {
	n := cpus * 3 / 4
	return max(minWorkers, min(maxWorkers, n))
}

type Options struct {
	MaxWorkers     int           // 0 = OptimalWorkers(runtime.NumCPU())
	Graph          Graph         // nil = DefaultGraph()
	Resources      []string      // lock table names
	AgentResources map[string][]string
	LockTimeout    time.Duration // 0 = 5s
	Log            execlog.Sink
	Events         Events
	// OnComplete is called after every finished run, planning failures
	// excluded.
	OnComplete func(*ExecutionReport)
}

// Engine plans and executes agent runs. It is safe for concurrent use;
// concurrent requests share the worker pool and the lock table.
type Engine struct {
	runner      Runner
	maxWorkers  int
	workers     *semaphore.Weighted
	locks       *LockTable
	lockTimeout time.Duration
	log         execlog.Sink
	events      Events
	onComplete  func(*ExecutionReport)

	graphMu        sync.RWMutex
	graph          Graph
	agentResources map[string][]string

	mu        sync.Mutex
	active    map[string]int
	results   map[string]AgentResult
	completed atomic.Int64
}

func New(runner Runner, opts Options) *Engine {
	workers := opts.MaxWorkers
	if workers <= 0 {
		workers = OptimalWorkers(runtime.NumCPU())
	}
	graph := opts.Graph
	if graph == nil {
		graph = DefaultGraph()
	}
	lockTimeout := opts.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}

	return &Engine{
		runner:         runner,
		maxWorkers:     workers,
		workers:        semaphore.NewWeighted(int64(workers)),
		locks:          NewLockTable(opts.Resources),
		lockTimeout:    lockTimeout,
		log:            opts.Log,
		events:         opts.Events,
		onComplete:     opts.OnComplete,
		graph:          graph.Clone(),
		agentResources: cloneResources(opts.AgentResources),
		active:         make(map[string]int),
		results:        make(map[string]AgentResult),
	}
}

func (e *Engine) MaxWorkers() int {
	return e.maxWorkers
}

// Graph returns a copy of the current dependency graph.
func (e *Engine) Graph() Graph {
	e.graphMu.RLock()
	defer e.graphMu.RUnlock()
	return e.graph.Clone()
}

// SetGraph swaps the dependency graph and per-agent resource tags. Runs
// already planned are unaffected.
func (e *Engine) SetGraph(g Graph, agentResources map[string][]string) {
	if g == nil {
		g = DefaultGraph()
	}
	e.graphMu.Lock()
	e.graph = g.Clone()
	e.agentResources = cloneResources(agentResources)
	e.graphMu.Unlock()
	slog.Info("dependency graph updated", "agents", len(g))
}

func (e *Engine) resourcesFor(agent string) []string {
	e.graphMu.RLock()
	defer e.graphMu.RUnlock()
	return append([]string(nil), e.agentResources[agent]...)
}

// BuildPlan plans requested against the engine's current graph.
func (e *Engine) BuildPlan(requested []string) (*ExecutionPlan, error) {
	e.graphMu.RLock()
	g := e.graph
	e.graphMu.RUnlock()
	return BuildPlan(g, requested)
}

// RunWithDependencies plans and runs agents under a fresh run ID.
func (e *Engine) RunWithDependencies(ctx context.Context, agents []string, values map[string]any) (*ExecutionReport, error) {
	return e.Run(ctx, Request{Agents: agents, Context: values})
}

// Run plans the request and executes it phase by phase. Agent failures are
// recorded in the report and never stop later phases. Only a planning error
// or a cancelled ctx is returned; on cancellation the partial report is
// returned too.
func (e *Engine) Run(ctx context.Context, req Request) (*ExecutionReport, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	plan, err := e.BuildPlan(req.Agents)
	if err != nil {
		slog.Error("execution plan failed", "run", req.ID, "error", err)
		e.publish(req.ID, "run_failed", map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("build plan: %w", err)
	}

	report := &ExecutionReport{
		ID:        req.ID,
		Plan:      plan,
		Results:   make(map[string]AgentResult, plan.Len()),
		Order:     make([]string, 0, plan.Len()),
		StartedAt: time.Now(),
	}

	ctx, span := startRunSpan(ctx, req.ID, plan.Len())
	slog.Info("starting run", "run", req.ID, "agents", plan.Len(), "phases", len(plan.Phases))
	e.publish(req.ID, "run_started", map[string]any{
		"agents": plan.Len(),
		"phases": len(plan.Phases),
	})

	ec := NewExecContext(req.Context)
	var runErr error
	for _, phase := range plan.Phases {
		if err := ctx.Err(); err != nil {
			slog.Warn("run cancelled", "run", req.ID, "before_phase", phase.Number)
			runErr = err
			break
		}

		slog.Info("executing phase", "run", req.ID, "phase", phase.Number, "agents", phase.Agents)
		e.publish(req.ID, "phase_started", map[string]any{
			"phase":  phase.Number,
			"agents": phase.Agents,
		})

		phaseCtx, phaseSpan := startPhaseSpan(ctx, phase.Number, phase.Agents)
		results := e.runPhase(phaseCtx, req.ID, phase.Agents, ec)
		phaseSpan.End()

		failed := 0
		for _, r := range results {
			if _, seen := report.Results[r.Agent]; !seen {
				report.Order = append(report.Order, r.Agent)
			}
			report.Results[r.Agent] = r
			if !r.Success {
				failed++
			}
		}
		ec = ec.withPhaseResults(results)

		slog.Info("phase completed", "run", req.ID, "phase", phase.Number, "failed", failed)
		e.publish(req.ID, "phase_completed", map[string]any{
			"phase":  phase.Number,
			"total":  len(plan.Phases),
			"failed": failed,
		})
	}

	report.CompletedAt = time.Now()
	report.Summary = Summarize(report.Results)
	endRunSpan(span, report.Summary, runErr)

	slog.Info("run finished", "run", req.ID,
		"successful", report.Summary.Successful,
		"failed", report.Summary.Failed,
		"duration", report.CompletedAt.Sub(report.StartedAt))
	if runErr != nil {
		e.publish(req.ID, "run_cancelled", map[string]any{
			"summary": report.Summary,
			"error":   runErr.Error(),
		})
		return report, runErr
	}
	e.publish(req.ID, "run_completed", map[string]any{
		"summary": report.Summary,
	})
	if e.onComplete != nil {
		e.onComplete(report)
	}
	return report, nil
}

// RunPhase executes agents concurrently on the worker pool and waits for all
// of them. It returns one result per agent, in input order, and never fails:
// errors, panics and lock timeouts are captured per agent.
func (e *Engine) RunPhase(ctx context.Context, agents []string, ec ExecContext) []AgentResult {
	return e.runPhase(ctx, "", agents, ec)
}

func (e *Engine) runPhase(ctx context.Context, runID string, agents []string, ec ExecContext) []AgentResult {
	results := make([]AgentResult, len(agents))

	var g errgroup.Group
	for i, agent := range agents {
		g.Go(func() error {
			if err := e.workers.Acquire(ctx, 1); err != nil {
				now := time.Now()
				results[i] = e.record(runID, AgentResult{
					Agent:       agent,
					Error:       fmt.Sprintf("no worker available: %v", err),
					StartedAt:   now,
					CompletedAt: now,
				})
				return nil
			}
			defer e.workers.Release(1)
			results[i] = e.execute(ctx, runID, agent, ec, e.resourcesFor(agent))
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// ExecuteWithResources runs a single agent holding the given resource locks,
// outside the worker pool.
func (e *Engine) ExecuteWithResources(ctx context.Context, agent string, ec ExecContext, resources []string) AgentResult {
	return e.execute(ctx, "", agent, ec, resources)
}

func (e *Engine) execute(ctx context.Context, runID, agent string, ec ExecContext, resources []string) AgentResult {
	ctx, span := startAgentSpan(ctx, agent, resources)

	e.markActive(agent)
	defer e.markDone(agent)

	res := AgentResult{Agent: agent, Resources: resources}
	value, err := e.invoke(ctx, agent, ec, resources, &res)
	if err != nil {
		res.Error = err.Error()
		slog.Warn("agent failed", "run", runID, "agent", agent, "error", err)
	} else {
		res.Success = true
		res.Result = value
		slog.Debug("agent completed", "run", runID, "agent", agent, "ms", res.ExecutionTimeMs)
	}

	res = e.record(runID, res)
	endAgentSpan(span, res)
	return res
}

// invoke holds the agent's locks for exactly the duration of the runner
// call. Timing starts once the locks are held, so time spent waiting for
// them is never counted, not even when the wait times out.
func (e *Engine) invoke(ctx context.Context, agent string, ec ExecContext, resources []string, res *AgentResult) (value any, err error) {
	res.StartedAt = time.Now()
	defer func() {
		res.CompletedAt = time.Now()
		res.ExecutionTimeMs = float64(res.CompletedAt.Sub(res.StartedAt).Microseconds()) / 1000
	}()

	if len(resources) > 0 {
		release, err := e.locks.Acquire(ctx, resources, e.lockTimeout)
		if err != nil {
			res.StartedAt = time.Now()
			return nil, err
		}
		defer release()
		res.StartedAt = time.Now()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panicked: %v", r)
		}
	}()

	if e.runner == nil {
		return nil, fmt.Errorf("no runner configured")
	}
	return e.runner.Invoke(ctx, agent, ec)
}

func (e *Engine) record(runID string, res AgentResult) AgentResult {
	e.mu.Lock()
	e.results[res.Agent] = res
	e.mu.Unlock()
	e.completed.Add(1)

	status := execlog.StatusSuccess
	if !res.Success {
		status = execlog.StatusFailed
	}
	if e.log != nil {
		rec := execlog.Record{
			Timestamp:       res.CompletedAt,
			Agent:           res.Agent,
			Status:          status,
			ExecutionTimeMs: res.ExecutionTimeMs,
			Error:           res.Error,
			RunID:           runID,
		}
		if err := e.log.Append(rec); err != nil {
			slog.Warn("execution log write failed", "agent", res.Agent, "error", err)
		}
	}

	if runID != "" {
		e.publish(runID, "agent_completed", map[string]any{
			"agent":             res.Agent,
			"status":            status,
			"execution_time_ms": res.ExecutionTimeMs,
			"error":             res.Error,
		})
	}
	return res
}

// LastResult returns the most recent result recorded for agent.
func (e *Engine) LastResult(agent string) (AgentResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.results[agent]
	return r, ok
}

func (e *Engine) markActive(agent string) {
	e.mu.Lock()
	e.active[agent]++
	e.mu.Unlock()
}

func (e *Engine) markDone(agent string) {
	e.mu.Lock()
	if e.active[agent] <= 1 {
		delete(e.active, agent)
	} else {
		e.active[agent]--
	}
	e.mu.Unlock()
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	active := make([]string, 0, len(e.active))
	for a := range e.active {
		active = append(active, a)
	}
	e.mu.Unlock()
	sort.Strings(active)

	return Status{
		ActiveExecutions: active,
		CompletedCount:   int(e.completed.Load()),
		MaxWorkers:       e.maxWorkers,
		ResourceLocks:    e.locks.States(),
	}
}

func (e *Engine) publish(runID, eventType string, data map[string]any) {
	if e.events == nil {
		return
	}
	e.events.PublishEvent(runID, eventType, data)
}

func cloneResources(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
