package web

import (
	"sync"
	"time"

	"github.com/devstack/phaserun/internal/engine"
)

const maxRunHistory = 100

const (
	runRunning   = "running"
	runCompleted = "completed"
	runFailed    = "failed"
)

type runEntry struct {
	ID        string                  `json:"id"`
	Status    string                  `json:"status"`
	Agents    []string                `json:"agents"`
	Error     string                  `json:"error,omitempty"`
	StartedAt time.Time               `json:"started_at"`
	Report    *engine.ExecutionReport `json:"report,omitempty"`
}

// runHistory keeps the most recent runs in memory, oldest evicted first.
type runHistory struct {
	mu    sync.Mutex
	max   int
	order []string
	byID  map[string]*runEntry
}

func newRunHistory(max int) *runHistory {
	return &runHistory{max: max, byID: make(map[string]*runEntry)}
}

func (h *runHistory) add(e *runEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.byID[e.ID]; !ok {
		h.order = append(h.order, e.ID)
	}
	h.byID[e.ID] = e
	for len(h.order) > h.max {
		delete(h.byID, h.order[0])
		h.order = h.order[1:]
	}
}

func (h *runHistory) start(id string, agents []string) {
	h.add(&runEntry{ID: id, Status: runRunning, Agents: agents, StartedAt: time.Now()})
}

// complete records the outcome of a run. A nil report with an error marks a
// run that never got past planning.
func (h *runHistory) complete(report *engine.ExecutionReport, err error) {
	if report == nil {
		return
	}
	e := &runEntry{
		ID:        report.ID,
		Status:    runCompleted,
		Agents:    report.Order,
		StartedAt: report.StartedAt,
		Report:    report,
	}
	if err != nil {
		e.Status = runFailed
		e.Error = err.Error()
	}
	h.add(e)
}

func (h *runHistory) fail(id string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.byID[id]; ok {
		e.Status = runFailed
		e.Error = err.Error()
	}
}

func (h *runHistory) get(id string) (runEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.byID[id]
	if !ok {
		return runEntry{}, false
	}
	return *e, true
}

// list returns entries newest first, without reports.
func (h *runHistory) list() []runEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]runEntry, 0, len(h.order))
	for i := len(h.order) - 1; i >= 0; i-- {
		e := *h.byID[h.order[i]]
		e.Report = nil
		out = append(out, e)
	}
	return out
}
