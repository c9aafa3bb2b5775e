package engine

// Summary aggregates the results of a run.
type Summary struct {
	TotalAgents          int     `json:"total_agents"`
	Successful           int     `json:"successful"`
	Failed               int     `json:"failed"`
	TotalExecutionTimeMs float64 `json:"total_execution_time_ms"`
	AverageTimeMs        float64 `json:"average_time_ms"`
	ParallelEfficiency   float64 `json:"parallel_efficiency"`
}

// Summarize computes counts and timings over results. Total and average time
// cover successful agents only.
func Summarize(results map[string]AgentResult) Summary {
	s := Summary{TotalAgents: len(results)}
	for _, r := range results {
		if r.Success {
			s.Successful++
			s.TotalExecutionTimeMs += r.ExecutionTimeMs
		}
	}
	s.Failed = s.TotalAgents - s.Successful
	if s.Successful > 0 {
		s.AverageTimeMs = s.TotalExecutionTimeMs / float64(s.Successful)
	}
	s.ParallelEfficiency = Efficiency(results)
	return s
}

// Efficiency is a rough speed-up indicator, not a measurement: the sum of
// all execution times divided by the longest one, per agent, as a
// percentage. It ignores phase boundaries, so a fully sequential chain of
// equal agents still scores 100.
func Efficiency(results map[string]AgentResult) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum, longest float64
	for _, r := range results {
		sum += r.ExecutionTimeMs
		if r.ExecutionTimeMs > longest {
			longest = r.ExecutionTimeMs
		}
	}
	if longest == 0 {
		return 0
	}
	return (sum / longest) / float64(len(results)) * 100
}
