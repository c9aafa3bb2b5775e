package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	ScheduleActive = "active"
	SchedulePaused = "paused"

	SourceConfig = "config"
	SourceAPI    = "api"
)

// ScheduleCompleted marks a schedule with no future run.
const ScheduleCompleted = "completed"

// ScheduledRun is a recurring execution request.
type ScheduledRun struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Agents     []string       `json:"agents"`
	Context    map[string]any `json:"context,omitempty"`
	Schedule   string         `json:"schedule"`
	Source     string         `json:"source"`
	Status     string         `json:"status"`
	NextRunAt  *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time     `json:"last_run_at,omitempty"`
	LastStatus string         `json:"last_status,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	LastRunID  string         `json:"last_run_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

const scheduleColumns = `id, name, agents, context, schedule, source, status,
	next_run_at, last_run_at, last_status, last_error, last_run_id, created_at`

func scanSchedule(scanner interface {
	Scan(dest ...any) error
}) (*ScheduledRun, error) {
	r := &ScheduledRun{}
	var agents string
	var ctxJSON, lastStatus, lastError, lastRunID *string
	err := scanner.Scan(&r.ID, &r.Name, &agents, &ctxJSON, &r.Schedule, &r.Source, &r.Status,
		&r.NextRunAt, &r.LastRunAt, &lastStatus, &lastError, &lastRunID, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(agents), &r.Agents); err != nil {
		return nil, fmt.Errorf("decode agents: %w", err)
	}
	if ctxJSON != nil && *ctxJSON != "" {
		if err := json.Unmarshal([]byte(*ctxJSON), &r.Context); err != nil {
			return nil, fmt.Errorf("decode context: %w", err)
		}
	}
	if lastStatus != nil {
		r.LastStatus = *lastStatus
	}
	if lastError != nil {
		r.LastError = *lastError
	}
	if lastRunID != nil {
		r.LastRunID = *lastRunID
	}
	return r, nil
}

func (s *Store) SaveSchedule(r *ScheduledRun) error {
	agents, err := json.Marshal(r.Agents)
	if err != nil {
		return fmt.Errorf("encode agents: %w", err)
	}
	var ctxJSON *string
	if len(r.Context) > 0 {
		b, err := json.Marshal(r.Context)
		if err != nil {
			return fmt.Errorf("encode context: %w", err)
		}
		encoded := string(b)
		ctxJSON = &encoded
	}
	if r.Status == "" {
		r.Status = ScheduleActive
	}
	if r.Source == "" {
		r.Source = SourceAPI
	}

	_, err = s.db.Exec(`
		INSERT INTO scheduled_runs (id, name, agents, context, schedule, source, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			agents = excluded.agents,
			context = excluded.context,
			schedule = excluded.schedule,
			source = excluded.source,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		r.ID, r.Name, string(agents), ctxJSON, r.Schedule, r.Source, r.Status, r.NextRunAt)
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(id string) (*ScheduledRun, error) {
	row := s.db.QueryRow(`SELECT `+scheduleColumns+` FROM scheduled_runs WHERE id = ?`, id)
	r, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return r, nil
}

func (s *Store) ListSchedules() ([]ScheduledRun, error) {
	return s.querySchedules(`SELECT ` + scheduleColumns + ` FROM scheduled_runs ORDER BY created_at, id`)
}

func (s *Store) GetDueSchedules(now time.Time) ([]ScheduledRun, error) {
	return s.querySchedules(`SELECT `+scheduleColumns+` FROM scheduled_runs
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now)
}

func (s *Store) querySchedules(q string, args ...any) ([]ScheduledRun, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []ScheduledRun
	for rows.Next() {
		r, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// UpdateScheduleRun records the outcome of a scheduled execution and the
// next time it is due. A nil nextRunAt leaves the schedule with nothing due.
func (s *Store) UpdateScheduleRun(id, runID, lastStatus, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE scheduled_runs
		SET last_run_at = ?, last_status = ?, last_error = ?, last_run_id = ?, next_run_at = ?
		WHERE id = ?`, time.Now().UTC(), lastStatus, nullString(lastError), nullString(runID), nextRunAt, id)
	return err
}

func (s *Store) UpdateScheduleStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE scheduled_runs SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteSchedule(id string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_runs WHERE id = ?`, id)
	return err
}

// DeleteConfigSchedulesNotIn removes config-sourced schedules whose IDs are
// no longer declared. API-created schedules are left alone.
func (s *Store) DeleteConfigSchedulesNotIn(ids []string) error {
	existing, err := s.ListSchedules()
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	for _, r := range existing {
		if r.Source == SourceConfig && !keep[r.ID] {
			if err := s.DeleteSchedule(r.ID); err != nil {
				return fmt.Errorf("delete schedule %s: %w", r.ID, err)
			}
		}
	}
	return nil
}
