package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/devstack/phaserun/internal/engine"
	"github.com/devstack/phaserun/internal/execlog"
	"github.com/devstack/phaserun/internal/schedule"
	"github.com/devstack/phaserun/internal/store"
	"github.com/google/uuid"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Engine
	mux.HandleFunc("GET /api/status", s.getStatus)
	mux.HandleFunc("GET /api/graph", s.getGraph)
	mux.HandleFunc("POST /api/plan", s.createPlan)

	// Runs
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("POST /api/runs", s.createRun)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)

	// History
	mux.HandleFunc("GET /api/executions", s.listExecutions)
	mux.HandleFunc("GET /api/stats", s.getStats)

	// Schedules
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules", s.createSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.updateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	natsStatus := "disabled"
	if s.bus != nil {
		natsStatus = "ok"
	}
	jsonResponse(w, map[string]any{
		"status":     "ok",
		"engine":     s.engine.Status(),
		"uptime":     formatUptime(time.Since(s.startedAt)),
		"nats":       natsStatus,
		"websockets": s.hub.count(),
		"timestamp":  time.Now().UTC(),
		"version":    s.version,
	})
}

func (s *Server) getGraph(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"graph":     s.engine.Graph(),
		"resources": s.engine.Status().ResourceLocks,
	})
}

type agentsRequest struct {
	Agents  []string       `json:"agents"`
	Context map[string]any `json:"context"`
	Wait    bool           `json:"wait"`
}

func (s *Server) createPlan(w http.ResponseWriter, r *http.Request) {
	var body agentsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	plan, err := s.engine.BuildPlan(body.Agents)
	if err != nil {
		planError(w, err)
		return
	}
	jsonResponse(w, plan)
}

func planError(w http.ResponseWriter, err error) {
	var ce *engine.CycleError
	if errors.As(err, &ce) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]any{"error": err.Error(), "agents": ce.Agents})
		return
	}
	jsonError(w, err.Error(), http.StatusBadRequest)
}

// createRun validates the plan synchronously, then runs in the background
// unless the caller asks to wait.
func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var body agentsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(body.Agents) == 0 {
		jsonError(w, "agents is required", http.StatusBadRequest)
		return
	}
	if _, err := s.engine.BuildPlan(body.Agents); err != nil {
		planError(w, err)
		return
	}

	req := engine.Request{ID: uuid.New().String(), Agents: body.Agents, Context: body.Context}
	s.runs.start(req.ID, req.Agents)

	if body.Wait {
		report, err := s.engine.Run(r.Context(), req)
		s.finishRun(req.ID, report, err)
		if report == nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		jsonResponse(w, report)
		return
	}

	go func() {
		report, err := s.engine.Run(s.ctx, req)
		s.finishRun(req.ID, report, err)
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"id": req.ID, "status": runRunning})
}

func (s *Server) finishRun(id string, report *engine.ExecutionReport, err error) {
	if report == nil {
		s.runs.fail(id, err)
		return
	}
	s.runs.complete(report, err)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.runs.list())
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	e, ok := s.runs.get(r.PathValue("id"))
	if !ok {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, e)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, "execution history is not enabled", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	f := store.ExecutionFilter{
		Agent:  q.Get("agent"),
		RunID:  q.Get("run"),
		Status: q.Get("status"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	records, err := s.store.ListExecutions(f)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []execlog.Record{}
	}
	jsonResponse(w, records)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, "execution history is not enabled", http.StatusServiceUnavailable)
		return
	}
	stats, err := s.store.AgentStats()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if stats == nil {
		stats = []store.AgentStats{}
	}
	jsonResponse(w, stats)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, "schedules are not enabled", http.StatusServiceUnavailable)
		return
	}
	runs, err := s.store.ListSchedules()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(runs))
	for _, sr := range runs {
		out = append(out, scheduleToAPI(sr))
	}
	jsonResponse(w, out)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, "schedules are not enabled", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		Name     string         `json:"name"`
		Agents   []string       `json:"agents"`
		Context  map[string]any `json:"context"`
		Schedule string         `json:"schedule"`
		Enabled  *bool          `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || len(body.Agents) == 0 || body.Schedule == "" {
		jsonError(w, "name, agents, and schedule are required", http.StatusBadRequest)
		return
	}
	if _, err := s.engine.BuildPlan(body.Agents); err != nil {
		planError(w, err)
		return
	}

	normalized, err := schedule.NormalizeSchedule(body.Schedule)
	if err != nil {
		jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
		return
	}

	status := store.ScheduleActive
	if body.Enabled != nil && !*body.Enabled {
		status = store.SchedulePaused
	}

	sr := store.ScheduledRun{
		ID:       uuid.New().String(),
		Name:     body.Name,
		Agents:   body.Agents,
		Context:  body.Context,
		Schedule: normalized,
		Source:   store.SourceAPI,
		Status:   status,
	}
	if status == store.ScheduleActive {
		sr.NextRunAt = schedule.CalculateNextRun(normalized, time.Now())
	}

	if err := s.store.SaveSchedule(&sr); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, scheduleToAPI(sr))
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, "schedules are not enabled", http.StatusServiceUnavailable)
		return
	}
	existing, err := s.store.GetSchedule(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}

	var body struct {
		Name     *string        `json:"name"`
		Agents   []string       `json:"agents"`
		Context  map[string]any `json:"context"`
		Schedule *string        `json:"schedule"`
		Enabled  *bool          `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if body.Name != nil {
		existing.Name = *body.Name
	}
	if body.Agents != nil {
		if _, err := s.engine.BuildPlan(body.Agents); err != nil {
			planError(w, err)
			return
		}
		existing.Agents = body.Agents
	}
	if body.Context != nil {
		existing.Context = body.Context
	}
	if body.Enabled != nil {
		if *body.Enabled {
			existing.Status = store.ScheduleActive
		} else if existing.Status != store.ScheduleCompleted {
			existing.Status = store.SchedulePaused
		}
	}
	if body.Schedule != nil {
		normalized, err := schedule.NormalizeSchedule(*body.Schedule)
		if err != nil {
			jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
			return
		}
		existing.Schedule = normalized
	}

	if existing.Status == store.ScheduleActive {
		existing.NextRunAt = schedule.CalculateNextRun(existing.Schedule, time.Now())
	} else {
		existing.NextRunAt = nil
	}

	if err := s.store.SaveSchedule(existing); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, scheduleToAPI(*existing))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, "schedules are not enabled", http.StatusServiceUnavailable)
		return
	}
	if err := s.store.DeleteSchedule(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func scheduleToAPI(sr store.ScheduledRun) map[string]any {
	m := map[string]any{
		"id":               sr.ID,
		"name":             sr.Name,
		"agents":           sr.Agents,
		"schedule":         sr.Schedule,
		"schedule_display": schedule.FormatSchedule(sr.Schedule),
		"source":           sr.Source,
		"enabled":          sr.Status == store.ScheduleActive,
		"status":           sr.Status,
	}
	if len(sr.Context) > 0 {
		m["context"] = sr.Context
	}
	if sr.LastRunAt != nil {
		m["last_run"] = sr.LastRunAt.UTC()
		m["last_status"] = sr.LastStatus
		m["last_run_id"] = sr.LastRunID
	}
	if sr.LastError != "" {
		m["last_error"] = sr.LastError
	}
	if sr.NextRunAt != nil {
		m["next_run"] = sr.NextRunAt.UTC()
	}
	return m
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
