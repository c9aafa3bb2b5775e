package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/devstack/phaserun/internal/execlog"
)

// Append mirrors one execution log record. Rows are never updated or
// deleted, so the table stays an append-only history.
func (s *Store) Append(rec execlog.Record) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO execution_log (run_id, agent, status, execution_time_ms, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		nullString(rec.RunID), rec.Agent, rec.Status, rec.ExecutionTimeMs, nullString(rec.Error), ts.UTC())
	if err != nil {
		return fmt.Errorf("append execution: %w", err)
	}
	return nil
}

// ExecutionFilter narrows ListExecutions. Zero values match everything.
type ExecutionFilter struct {
	Agent  string
	RunID  string
	Status string
	Limit  int
}

// ListExecutions returns matching records, newest first.
func (s *Store) ListExecutions(f ExecutionFilter) ([]execlog.Record, error) {
	var where []string
	var args []any
	if f.Agent != "" {
		where = append(where, "agent = ?")
		args = append(args, f.Agent)
	}
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	q := `SELECT run_id, agent, status, execution_time_ms, error, recorded_at FROM execution_log`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY recorded_at DESC, id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []execlog.Record
	for rows.Next() {
		var rec execlog.Record
		var runID, errMsg *string
		if err := rows.Scan(&runID, &rec.Agent, &rec.Status, &rec.ExecutionTimeMs, &errMsg, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if runID != nil {
			rec.RunID = *runID
		}
		if errMsg != nil {
			rec.Error = *errMsg
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AgentStats aggregates the history of one agent.
type AgentStats struct {
	Agent         string  `json:"agent"`
	Runs          int     `json:"runs"`
	Failures      int     `json:"failures"`
	AverageTimeMs float64 `json:"average_time_ms"`
}

func (s *Store) AgentStats() ([]AgentStats, error) {
	rows, err := s.db.Query(`
		SELECT agent, COUNT(*),
		       SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
		       AVG(execution_time_ms)
		FROM execution_log GROUP BY agent ORDER BY agent`)
	if err != nil {
		return nil, fmt.Errorf("agent stats: %w", err)
	}
	defer rows.Close()

	var out []AgentStats
	for rows.Next() {
		var st AgentStats
		if err := rows.Scan(&st.Agent, &st.Runs, &st.Failures, &st.AverageTimeMs); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
