package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/devstack/phaserun/internal/config"
	"github.com/devstack/phaserun/internal/engine"
	"github.com/devstack/phaserun/internal/store"
)

type fakeExecutor struct {
	mu       sync.Mutex
	requests []engine.Request
	failed   int
	err      error
}

func (f *fakeExecutor) Run(ctx context.Context, req engine.Request) (*engine.ExecutionReport, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &engine.ExecutionReport{
		ID: "run-" + req.Agents[0],
		Summary: engine.Summary{
			TotalAgents: len(req.Agents),
			Successful:  len(req.Agents) - f.failed,
			Failed:      f.failed,
		},
	}, nil
}

type fakeEvents struct {
	mu    sync.Mutex
	types []string
}

func (f *fakeEvents) PublishEvent(runID, eventType string, data map[string]any) {
	f.mu.Lock()
	f.types = append(f.types, eventType)
	f.mu.Unlock()
}

type fakeNotifier struct {
	titles []string
}

func (f *fakeNotifier) NotifyRun(ctx context.Context, title string, report *engine.ExecutionReport, runErr error) error {
	f.titles = append(f.titles, title)
	return nil
}

func newTestScheduler(t *testing.T, exec Executor) (*Scheduler, *store.Store, *fakeEvents, *fakeNotifier) {
	t.Helper()
	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	events := &fakeEvents{}
	notifier := &fakeNotifier{}
	return New(st, exec, events, notifier, config.SchedulerConfig{}), st, events, notifier
}

func saveDue(t *testing.T, st *store.Store, id, sched string) {
	t.Helper()
	past := time.Now().Add(-time.Minute).UTC()
	if err := st.SaveSchedule(&store.ScheduledRun{
		ID: id, Name: id, Agents: []string{id}, Schedule: sched, NextRunAt: &past,
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
}

func TestPollExecutesDueRuns(t *testing.T) {
	exec := &fakeExecutor{}
	s, st, events, notifier := newTestScheduler(t, exec)
	saveDue(t, st, "nightly", `{"kind":"interval","interval_ms":3600000}`)

	s.poll(context.Background())

	if len(exec.requests) != 1 || exec.requests[0].Agents[0] != "nightly" {
		t.Fatalf("unexpected requests %+v", exec.requests)
	}
	got, _ := st.GetSchedule("nightly")
	if got.LastStatus != StatusSuccess || got.LastRunID != "run-nightly" {
		t.Errorf("unexpected bookkeeping %+v", got)
	}
	if got.NextRunAt == nil || !got.NextRunAt.After(time.Now().Add(50*time.Minute)) {
		t.Errorf("expected next run about an hour out, got %v", got.NextRunAt)
	}
	if got.Status != store.ScheduleActive {
		t.Errorf("expected still active, got %s", got.Status)
	}
	if len(events.types) != 1 || events.types[0] != "schedule_executed" {
		t.Errorf("unexpected events %v", events.types)
	}
	if len(notifier.titles) != 1 || notifier.titles[0] != "nightly" {
		t.Errorf("unexpected notifications %v", notifier.titles)
	}

	// Nothing due on the next poll.
	s.poll(context.Background())
	if len(exec.requests) != 1 {
		t.Errorf("expected no second execution, got %d", len(exec.requests))
	}
}

func TestPartialAndErrorStatus(t *testing.T) {
	exec := &fakeExecutor{failed: 1}
	s, st, _, _ := newTestScheduler(t, exec)
	saveDue(t, st, "partial", `{"kind":"interval","interval_ms":60000}`)
	s.poll(context.Background())
	got, _ := st.GetSchedule("partial")
	if got.LastStatus != StatusPartial || got.LastError == "" {
		t.Errorf("expected partial with message, got %+v", got)
	}

	exec.failed = 0
	exec.err = errors.New("dependency cycle")
	saveDue(t, st, "broken", `{"kind":"interval","interval_ms":60000}`)
	s.poll(context.Background())
	got, _ = st.GetSchedule("broken")
	if got.LastStatus != StatusError || got.LastError != "dependency cycle" {
		t.Errorf("expected error status, got %+v", got)
	}
}

func TestOnceScheduleCompletes(t *testing.T) {
	exec := &fakeExecutor{}
	s, st, _, _ := newTestScheduler(t, exec)
	saveDue(t, st, "oneoff", `{"kind":"once","at_ms":1}`)

	s.poll(context.Background())

	got, _ := st.GetSchedule("oneoff")
	if got.Status != store.ScheduleCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.NextRunAt != nil {
		t.Errorf("expected no next run, got %v", got.NextRunAt)
	}
}

func TestSync(t *testing.T) {
	s, st, _, _ := newTestScheduler(t, &fakeExecutor{})

	defs := []config.ScheduledRun{
		{Name: "Nightly Build", Agents: []string{"compile", "build"}, Schedule: "0 2 * * *"},
		{Name: "Lint", Agents: []string{"lint"}, Schedule: "15m", Context: map[string]any{"strict": true}},
	}
	if err := s.Sync(defs); err != nil {
		t.Fatalf("sync: %v", err)
	}
	list, _ := st.ListSchedules()
	if len(list) != 2 {
		t.Fatalf("expected 2 schedules, got %d", len(list))
	}
	nightly, _ := st.GetSchedule("cfg-nightly-build")
	if nightly == nil || nightly.Source != store.SourceConfig || nightly.NextRunAt == nil {
		t.Fatalf("unexpected nightly %+v", nightly)
	}
	firstNext := *nightly.NextRunAt

	// An API schedule survives syncs.
	_ = st.SaveSchedule(&store.ScheduledRun{ID: "manual", Name: "manual", Agents: []string{"a"}, Schedule: "{}"})

	if err := s.Sync(defs[:1]); err != nil {
		t.Fatalf("resync: %v", err)
	}
	list, _ = st.ListSchedules()
	if len(list) != 2 {
		t.Fatalf("expected nightly and manual, got %d", len(list))
	}
	nightly, _ = st.GetSchedule("cfg-nightly-build")
	if !nightly.NextRunAt.Equal(firstNext) {
		t.Errorf("unchanged schedule should keep next run %v, got %v", firstNext, nightly.NextRunAt)
	}
	if lint, _ := st.GetSchedule("cfg-lint"); lint != nil {
		t.Error("lint should have been removed")
	}
}

func TestSyncRejectsInvalid(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, &fakeExecutor{})
	cases := [][]config.ScheduledRun{
		{{Agents: []string{"a"}, Schedule: "1h"}},
		{{Name: "x", Schedule: "1h"}},
		{{Name: "x", Agents: []string{"a"}, Schedule: "whenever"}},
	}
	for i, defs := range cases {
		if err := s.Sync(defs); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestConfigID(t *testing.T) {
	if got := ConfigID(" Nightly Build/2 "); got != "cfg-nightly-build-2" {
		t.Errorf("unexpected id %s", got)
	}
}

func TestStartStops(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, &fakeExecutor{})
	s.UpdateConfig(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
