package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/devstack/phaserun/internal/config"
	"github.com/devstack/phaserun/internal/engine"
	"github.com/devstack/phaserun/internal/schedule"
	"github.com/devstack/phaserun/internal/store"
)

const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

// Executor runs a request. *engine.Engine satisfies it.
type Executor interface {
	Run(ctx context.Context, req engine.Request) (*engine.ExecutionReport, error)
}

// Notifier is told about every scheduled run.
type Notifier interface {
	NotifyRun(ctx context.Context, title string, report *engine.ExecutionReport, runErr error) error
}

type Scheduler struct {
	store    *store.Store
	exec     Executor
	events   engine.Events
	notifier Notifier

	mu           sync.Mutex
	pollInterval time.Duration
	reloadCh     chan struct{}
	now          func() time.Time
}

func New(s *store.Store, exec Executor, events engine.Events, notifier Notifier, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		exec:         exec,
		events:       events,
		notifier:     notifier,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
		now:          time.Now,
	}
}

// UpdateConfig changes the poll interval and resets the run loop's ticker.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	s.mu.Lock()
	s.pollInterval = pollInterval
	s.mu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollInterval <= 0 {
		return 30 * time.Second
	}
	return s.pollInterval
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.interval())

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.interval())
			slog.Info("scheduler config reloaded", "poll_interval", s.interval())
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	due, err := s.store.GetDueSchedules(s.now().UTC())
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return
	}

	for _, r := range due {
		if ctx.Err() != nil {
			return
		}
		s.execute(ctx, r)
	}
}

func (s *Scheduler) execute(ctx context.Context, r store.ScheduledRun) {
	slog.Info("executing scheduled run", "id", r.ID, "name", r.Name, "agents", r.Agents)

	report, err := s.exec.Run(ctx, engine.Request{Agents: r.Agents, Context: r.Context})

	var runID, lastStatus, lastError string
	switch {
	case err != nil:
		lastStatus = StatusError
		lastError = err.Error()
		slog.Error("scheduled run failed", "id", r.ID, "error", err)
	case report.Summary.Failed > 0:
		lastStatus = StatusPartial
		lastError = fmt.Sprintf("%d of %d agents failed", report.Summary.Failed, report.Summary.TotalAgents)
	default:
		lastStatus = StatusSuccess
	}
	if report != nil {
		runID = report.ID
	}

	nextRun := schedule.CalculateNextRun(r.Schedule, s.now())
	if err := s.store.UpdateScheduleRun(r.ID, runID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update schedule run", "id", r.ID, "error", err)
	}

	if s.events != nil {
		s.events.PublishEvent("", "schedule_executed", map[string]any{
			"id":     r.ID,
			"name":   r.Name,
			"run_id": runID,
			"status": lastStatus,
		})
	}

	if s.notifier != nil {
		if nerr := s.notifier.NotifyRun(ctx, r.Name, report, err); nerr != nil {
			slog.Warn("schedule notification failed", "id", r.ID, "error", nerr)
		}
	}

	if nextRun == nil {
		slog.Info("no next run, marking schedule as completed", "id", r.ID, "name", r.Name)
		if err := s.store.UpdateScheduleStatus(r.ID, store.ScheduleCompleted); err != nil {
			slog.Error("failed to complete schedule", "id", r.ID, "error", err)
		}
	}
}

// ConfigID is the stable ID given to a schedule declared in the config file.
func ConfigID(name string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
		default:
			b.WriteRune('-')
		}
	}
	return "cfg-" + b.String()
}

// Sync upserts the config-declared runs and removes config runs that are no
// longer declared. A run whose schedule is unchanged keeps its next run time
// and bookkeeping.
func (s *Scheduler) Sync(defs []config.ScheduledRun) error {
	ids := make([]string, 0, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			return fmt.Errorf("scheduled run without a name")
		}
		if len(d.Agents) == 0 {
			return fmt.Errorf("scheduled run %q has no agents", d.Name)
		}
		normalized, err := schedule.NormalizeSchedule(d.Schedule)
		if err != nil {
			return fmt.Errorf("scheduled run %q: %w", d.Name, err)
		}

		id := ConfigID(d.Name)
		ids = append(ids, id)

		existing, err := s.store.GetSchedule(id)
		if err != nil {
			return err
		}
		r := &store.ScheduledRun{
			ID:       id,
			Name:     d.Name,
			Agents:   d.Agents,
			Context:  d.Context,
			Schedule: normalized,
			Source:   store.SourceConfig,
			Status:   store.ScheduleActive,
		}
		if existing != nil && existing.Schedule == normalized {
			r.NextRunAt = existing.NextRunAt
			r.Status = existing.Status
		} else {
			r.NextRunAt = schedule.CalculateNextRun(normalized, s.now())
		}
		if err := s.store.SaveSchedule(r); err != nil {
			return err
		}
	}

	if err := s.store.DeleteConfigSchedulesNotIn(ids); err != nil {
		return err
	}
	slog.Info("scheduled runs synced", "count", len(defs))
	return nil
}
