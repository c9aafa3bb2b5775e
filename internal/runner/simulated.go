package runner

import (
	"context"
	"time"

	"github.com/devstack/phaserun/internal/engine"
)

// Simulated pretends to run an agent by sleeping for Delay and echoing the
// context it received. Previous phase results are echoed as a count, since
// each of them carries its own echo.
type Simulated struct {
	Delay time.Duration
}

func (s *Simulated) Invoke(ctx context.Context, agent string, ec engine.ExecContext) (any, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return map[string]any{
		"agent":            agent,
		"status":           "simulated",
		"context_received": contextSummary(ec),
	}, nil
}

func contextSummary(ec engine.ExecContext) map[string]any {
	out := make(map[string]any, len(ec.Values)+1)
	for k, v := range ec.Values {
		out[k] = v
	}
	out["previous_phase_results"] = len(ec.PreviousPhaseResults)
	return out
}
