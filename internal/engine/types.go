package engine

import (
	"context"
	"encoding/json"
	"maps"
	"time"
)

// Runner invokes a single agent. Implementations live in internal/runner;
// tests inject RunnerFunc fakes.
type Runner interface {
	Invoke(ctx context.Context, agent string, ec ExecContext) (any, error)
}

// RunnerFunc adapts a plain function to Runner.
type RunnerFunc func(ctx context.Context, agent string, ec ExecContext) (any, error)

func (f RunnerFunc) Invoke(ctx context.Context, agent string, ec ExecContext) (any, error) {
	return f(ctx, agent, ec)
}

// ExecContext is the context handed to every agent of one phase. It is never
// mutated after construction: each phase gets its own copy with the previous
// phase's results attached.
type ExecContext struct {
	Values               map[string]any
	PreviousPhaseResults []AgentResult
}

// NewExecContext copies values into a fresh context.
func NewExecContext(values map[string]any) ExecContext {
	return ExecContext{Values: maps.Clone(values)}
}

// Get returns a caller-supplied value.
func (c ExecContext) Get(key string) (any, bool) {
	v, ok := c.Values[key]
	return v, ok
}

// withPhaseResults derives the context for the next phase.
func (c ExecContext) withPhaseResults(results []AgentResult) ExecContext {
	return ExecContext{
		Values:               maps.Clone(c.Values),
		PreviousPhaseResults: append([]AgentResult(nil), results...),
	}
}

// MarshalJSON flattens the context into one object: the caller's values plus
// previous_phase_results once a phase has completed.
func (c ExecContext) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Values)+1)
	for k, v := range c.Values {
		out[k] = v
	}
	if c.PreviousPhaseResults != nil {
		out["previous_phase_results"] = c.PreviousPhaseResults
	}
	return json.Marshal(out)
}

// AgentResult is the outcome of one agent execution attempt.
type AgentResult struct {
	Agent           string    `json:"agent"`
	Success         bool      `json:"success"`
	Result          any       `json:"result,omitempty"`
	Error           string    `json:"error,omitempty"`
	ExecutionTimeMs float64   `json:"execution_time_ms"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	Resources       []string  `json:"resources,omitempty"`
}

// Request is one execution request.
type Request struct {
	ID      string         `json:"id,omitempty"`
	Agents  []string       `json:"agents"`
	Context map[string]any `json:"context,omitempty"`
}

// ExecutionReport is the outcome of a full dependency-ordered run.
type ExecutionReport struct {
	ID          string                 `json:"id"`
	Plan        *ExecutionPlan         `json:"execution_plan"`
	Results     map[string]AgentResult `json:"results"`
	Order       []string               `json:"order"` // agents in collection order
	Summary     Summary                `json:"summary"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
}

// Status is a point-in-time view of the engine for dashboards.
type Status struct {
	ActiveExecutions []string        `json:"active_executions"`
	CompletedCount   int             `json:"completed_count"`
	MaxWorkers       int             `json:"max_workers"`
	ResourceLocks    map[string]bool `json:"resource_locks"`
}

// Events receives lifecycle notifications. natsbus.Publisher is the
// production implementation.
type Events interface {
	PublishEvent(runID, eventType string, data map[string]any)
}
